package sink

import (
	"context"
	"time"

	"tonearm/src/util"
)

// FinishReason tells why playback of an artifact stopped.
type FinishReason string

const (
	ReasonEnded   FinishReason = "ended"
	ReasonSkipped FinishReason = "skipped"
	ReasonError   FinishReason = "error"
)

// StartedEvent is emitted when the sink begins playing an artifact.
type StartedEvent struct {
	Path string
}

// FinishedEvent is emitted when the sink stops playing an artifact.
type FinishedEvent struct {
	Path   string
	Reason FinishReason
}

// ErrorEvent is emitted when the sink fails while playing an artifact.
type ErrorEvent struct {
	Path string
	Err  error
}

// Sink is the audio output device consuming play requests. Lifecycle events
// are reported back through Events.
//
// Control calls return as soon as the request has been handed to the
// device. They never wait for playback to actually change.
type Sink interface {
	util.Eventer

	Play(ctx context.Context, path string, offset time.Duration) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Seek(ctx context.Context, position time.Duration) error
	Stop(ctx context.Context) error
}
