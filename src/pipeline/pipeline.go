package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"tonearm/src/provider"
	"tonearm/src/queue"
)

// DefaultFetchTimeout bounds a single artifact transfer when no explicit
// timeout is configured. A stalled transfer would otherwise hold up
// playback advancement indefinitely.
const DefaultFetchTimeout = 10 * time.Minute

// Status is the phase a prepare operation is in. Values are forwarded
// verbatim to progress consumers.
type Status string

const (
	StatusResolving   Status = "resolving"
	StatusSearching   Status = "searching"
	StatusPreparing   Status = "preparing"
	StatusDownloading Status = "downloading"
	StatusError       Status = "error"
)

// Progress is a single progress report from a prepare operation.
type Progress struct {
	Percent int
	Status  Status
}

var (
	// ErrLocalArtifact is returned when a prepare is attempted on a
	// locator that already points at a local file. Re-downloading a local
	// artifact is a precondition violation, not a retryable failure.
	ErrLocalArtifact = errors.New("locator already points at a local artifact")

	// ErrOutputMissing is returned when the fetched artifact is absent
	// from disk after the transfer reported success.
	ErrOutputMissing = errors.New("downloaded artifact missing from disk")
)

// SongStore persists enrichment results, keyed by the song's source
// locator. Writes happen whenever the enrichment completes, independently
// of the playback flow.
type SongStore interface {
	SaveLyrics(sourceLocator, lyrics string) error
	SaveLoudness(sourceLocator string, gainDB float64) error
}

// Result is the playable artifact produced by a prepare operation.
type Result struct {
	LocalPath string
	Title     string
	Artist    string
	Duration  time.Duration
	Thumbnail string
}

// Pipeline resolves a queue item's source to a playable local artifact,
// attaching metadata and triggering best-effort enrichment.
type Pipeline struct {
	meta     provider.MetadataResolver
	search   provider.Searcher
	fetch    provider.ArtifactFetcher
	lyrics   provider.LyricsProvider
	loudness provider.LoudnessAnalyzer
	store    SongStore

	outputDir    string
	fetchTimeout time.Duration
}

// New wires a download pipeline. lyrics, loudness and store may be nil, in
// which case the corresponding enrichment is skipped. A zero fetchTimeout
// selects DefaultFetchTimeout, a negative one disables the transfer
// deadline.
func New(meta provider.MetadataResolver, search provider.Searcher, fetch provider.ArtifactFetcher, lyrics provider.LyricsProvider, loudness provider.LoudnessAnalyzer, store SongStore, outputDir string, fetchTimeout time.Duration) *Pipeline {
	if fetchTimeout == 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &Pipeline{
		meta:         meta,
		search:       search,
		fetch:        fetch,
		lyrics:       lyrics,
		loudness:     loudness,
		store:        store,
		outputDir:    outputDir,
		fetchTimeout: fetchTimeout,
	}
}

// Prepare resolves, downloads and enriches the given item. Progress is
// reported through onProgress as the operation advances. Callers must mark
// the item's locator in flight before calling and release it afterwards so
// concurrent prepares of the same locator cannot happen.
func (p *Pipeline) Prepare(ctx context.Context, item *queue.Item, onProgress func(Progress)) (*Result, error) {
	report := func(percent int, status Status) {
		if onProgress != nil {
			onProgress(Progress{Percent: percent, Status: status})
		}
	}

	if item.Kind == queue.KindFile || filepath.IsAbs(item.Locator) {
		return nil, ErrLocalArtifact
	}

	locator := item.Locator
	title, artist, duration := item.Title, item.Artist, item.Duration

	if isRemoteURL(locator) {
		report(0, StatusResolving)
		meta, err := p.meta.Resolve(ctx, locator)
		if err != nil {
			report(0, StatusError)
			return nil, fmt.Errorf("could not resolve %q: %w", locator, err)
		}
		title, artist, duration = meta.Title, meta.Artist, meta.Duration
	} else {
		report(0, StatusSearching)
		match, err := p.search.Search(ctx, locator, provider.Metadata{
			Title:    item.Title,
			Artist:   item.Artist,
			Duration: item.Duration,
		})
		if err != nil {
			report(0, StatusError)
			return nil, fmt.Errorf("search for %q failed: %w", locator, err)
		}
		locator, title, artist = match.Locator, match.Title, match.Artist
	}

	report(0, StatusPreparing)
	outputHint := filepath.Join(p.outputDir, sanitizeFilename(title)+".mp3")

	fetchCtx := ctx
	if p.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.fetchTimeout)
		defer cancel()
	}
	res, err := p.fetch.Fetch(fetchCtx, locator, outputHint, func(percent int) {
		report(percent, StatusDownloading)
	})
	if err != nil {
		report(0, StatusError)
		return nil, err
	}

	if _, err := os.Stat(res.LocalPath); err != nil {
		report(0, StatusError)
		return nil, fmt.Errorf("%w: %s", ErrOutputMissing, res.LocalPath)
	}

	source := item.Source()
	go p.enrich(title, artist, duration, source, res.LocalPath)

	return &Result{
		LocalPath: res.LocalPath,
		Title:     title,
		Artist:    artist,
		Duration:  duration,
		Thumbnail: res.ThumbnailPath,
	}, nil
}

// enrich runs the best-effort side effects of a completed download. Errors
// are logged, never propagated.
func (p *Pipeline) enrich(title, artist string, duration time.Duration, source, localPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if p.lyrics != nil && p.store != nil {
		if lyrics, err := p.lyrics.Lookup(ctx, title, artist, duration); err != nil {
			log.WithField("title", title).Debugf("No lyrics: %v", err)
		} else if err := p.store.SaveLyrics(source, lyrics); err != nil {
			log.WithField("title", title).Warnf("Could not persist lyrics: %v", err)
		}
	}

	if p.loudness != nil && p.store != nil {
		if gain, err := p.loudness.Analyze(ctx, localPath); err != nil {
			log.WithField("path", localPath).Warnf("Loudness analysis failed: %v", err)
		} else if err := p.store.SaveLoudness(source, gain); err != nil {
			log.WithField("path", localPath).Warnf("Could not persist loudness: %v", err)
		}
	}
}

func isRemoteURL(locator string) bool {
	return strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://")
}

var unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9._ -]+`)

func sanitizeFilename(name string) string {
	clean := unsafeFilename.ReplaceAllString(name, "_")
	clean = strings.Trim(clean, " .")
	if clean == "" {
		clean = "track"
	}
	return clean
}
