package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates that a locator could not be resolved to any
	// known media.
	ErrNotFound = errors.New("media not found")

	// ErrNoResults indicates that a search produced no usable match. Unlike
	// transient fetch failures, retrying the same query will not help.
	ErrNoResults = errors.New("no results found")
)

// ValidationError indicates malformed input. It is rejected synchronously
// and causes no state change.
type ValidationError struct {
	Message string
}

func (err ValidationError) Error() string { return err.Message }

// FetchError wraps a failure to transfer a media artifact. RateLimited is
// set when the remote end signalled throttling, in which case callers
// should back off before the next attempt.
type FetchError struct {
	RateLimited bool
	Err         error
}

func (err FetchError) Error() string {
	if err.RateLimited {
		return fmt.Sprintf("fetch rate limited: %v", err.Err)
	}
	return fmt.Sprintf("fetch failed: %v", err.Err)
}

func (err FetchError) Unwrap() error { return err.Err }

// IsRateLimited reports whether err carries a throttling signal.
func IsRateLimited(err error) bool {
	var fe FetchError
	return errors.As(err, &fe) && fe.RateLimited
}

// Metadata describes a single piece of media.
type Metadata struct {
	Title    string
	Artist   string
	Duration time.Duration // Zero when unknown.
}

// MetadataResolver resolves a URL locator to its canonical metadata.
type MetadataResolver interface {
	Resolve(ctx context.Context, locator string) (Metadata, error)
}

// SearchResult is the best match a Searcher found for a query.
type SearchResult struct {
	Locator string
	Title   string
	Artist  string
	Score   float64
}

// Searcher finds media by free-text query. The expected metadata, when
// known, is used to verify candidate matches. Fails with ErrNoResults when
// no candidate passes verification.
type Searcher interface {
	Search(ctx context.Context, query string, expect Metadata) (SearchResult, error)
}

// FetchResult points at the artifacts produced by a completed fetch.
type FetchResult struct {
	LocalPath     string
	ThumbnailPath string
}

// ArtifactFetcher transfers the media behind a locator to local disk.
// Progress is reported as a percentage through onProgress as the transfer
// advances.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, locator, outputHint string, onProgress func(percent int)) (FetchResult, error)
}

// LyricsProvider looks up lyrics for a song. Fails with ErrNotFound on a
// miss; callers treat any failure as best-effort.
type LyricsProvider interface {
	Lookup(ctx context.Context, title, artist string, duration time.Duration) (string, error)
}

// LoudnessAnalyzer measures the replay gain of a local audio file.
type LoudnessAnalyzer interface {
	Analyze(ctx context.Context, localPath string) (float64, error)
}

// NotificationSink delivers best-effort user-facing messages. The returned
// bool indicates whether delivery was attempted successfully; failures are
// never propagated.
type NotificationSink interface {
	Notify(ctx context.Context, groupID, message, mentionUserID string) bool
}
