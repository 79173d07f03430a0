package playback

import (
	"time"

	"tonearm/src/queue"
)

// CurrentItem is the transient copy of the queue item being played,
// augmented with the timing bookkeeping the orchestrator is authoritative
// for.
type CurrentItem struct {
	queue.Item

	StartTime time.Time `json:"startTime"`
	// PausedAt is zero while playback is not paused.
	PausedAt time.Time `json:"pausedAt,omitempty"`
}

// State is the process-wide playback state. It is owned exclusively by the
// Orchestrator and persisted opportunistically on state-affecting
// transitions.
type State struct {
	Playing     bool         `json:"playing"`
	Paused      bool         `json:"paused"`
	Current     *CurrentItem `json:"current,omitempty"`
	SongsPlayed int          `json:"songsPlayed"`
}

// Elapsed returns how far into the current item playback is. The
// orchestrator's own clock is authoritative, the sink is never consulted.
func (st *State) Elapsed(now time.Time) time.Duration {
	if st.Current == nil {
		return 0
	}
	if st.Paused && !st.Current.PausedAt.IsZero() {
		return st.Current.PausedAt.Sub(st.Current.StartTime)
	}
	return now.Sub(st.Current.StartTime)
}

// Pause records the pause instant. Returns false without changing anything
// when not playing or already paused.
func (st *State) Pause(now time.Time) bool {
	if !st.Playing || st.Paused || st.Current == nil {
		return false
	}
	st.Paused = true
	st.Current.PausedAt = now
	return true
}

// Resume shifts the start time forward by the paused duration so elapsed
// time stays continuous across the pause. Returns false when not paused.
func (st *State) Resume(now time.Time) bool {
	if !st.Paused || st.Current == nil {
		return false
	}
	st.Current.StartTime = st.Current.StartTime.Add(now.Sub(st.Current.PausedAt))
	st.Current.PausedAt = time.Time{}
	st.Paused = false
	return true
}

// Seek adjusts the bookkeeping so that Elapsed returns position, both
// while playing and while paused. Returns false when nothing is playing or
// position is negative.
func (st *State) Seek(position time.Duration, now time.Time) bool {
	if st.Current == nil || position < 0 {
		return false
	}
	if st.Paused && !st.Current.PausedAt.IsZero() {
		st.Current.StartTime = st.Current.PausedAt.Add(-position)
	} else {
		st.Current.StartTime = now.Add(-position)
	}
	return true
}

// clone returns a deep copy safe to hand out or persist.
func (st *State) clone() State {
	out := *st
	if st.Current != nil {
		cur := *st.Current
		out.Current = &cur
	}
	return out
}

// HistoryEntry records one started playback for the play history.
type HistoryEntry struct {
	Title         string
	Artist        string
	Locator       string
	RequesterName string
	RequesterID   string
	PlayedAt      time.Time
}

// Store is the durable-state contract the orchestrator writes through.
type Store interface {
	SaveState(state State) error
	// LoadState returns nil when no state has been persisted yet.
	LoadState() (*State, error)
	AppendHistory(entry HistoryEntry) error
}
