package playback

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tonearm/src/pipeline"
	"tonearm/src/provider"
	"tonearm/src/queue"
	"tonearm/src/sink"
	"tonearm/src/util"
)

type memPersister struct {
	mu     sync.Mutex
	nextID int
}

func (p *memPersister) UpsertItem(item *queue.Item, position int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item.ID == "" {
		p.nextID++
		item.ID = fmt.Sprintf("id-%d", p.nextID)
	}
	return nil
}

func (p *memPersister) RemoveItem(id string) error        { return nil }
func (p *memPersister) SaveOrder(ids []string) error      { return nil }
func (p *memPersister) ListItems() ([]*queue.Item, error) { return nil, nil }

// urlResolver derives metadata from the video id in the locator.
type urlResolver struct{}

func (urlResolver) Resolve(ctx context.Context, locator string) (provider.Metadata, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return provider.Metadata{}, err
	}
	return provider.Metadata{Title: "track " + u.Query().Get("v"), Artist: "Artist", Duration: 3 * time.Minute}, nil
}

type stubSearcher struct {
	result provider.SearchResult
	err    error
}

func (s stubSearcher) Search(ctx context.Context, query string, expect provider.Metadata) (provider.SearchResult, error) {
	return s.result, s.err
}

// diskFetcher pretends to download by writing a file at the hinted path.
type diskFetcher struct{ t *testing.T }

func (f diskFetcher) Fetch(ctx context.Context, locator, hint string, onProgress func(int)) (provider.FetchResult, error) {
	onProgress(100)
	require.NoError(f.t, os.WriteFile(hint, []byte("audio"), 0o644))
	return provider.FetchResult{LocalPath: hint}, nil
}

// gatedFetcher reports progress and then blocks until released.
type gatedFetcher struct {
	t       *testing.T
	release chan struct{}
}

func (f gatedFetcher) Fetch(ctx context.Context, locator, hint string, onProgress func(int)) (provider.FetchResult, error) {
	onProgress(42)
	select {
	case <-f.release:
	case <-ctx.Done():
		return provider.FetchResult{}, ctx.Err()
	}
	onProgress(100)
	require.NoError(f.t, os.WriteFile(hint, []byte("audio"), 0o644))
	return provider.FetchResult{LocalPath: hint}, nil
}

type fakeSink struct {
	util.Emitter

	mu      sync.Mutex
	plays   []string
	stops   int
	pauses  int
	resumes int
	seeks   []time.Duration
}

func (s *fakeSink) Events() *util.Emitter { return &s.Emitter }

func (s *fakeSink) Play(ctx context.Context, path string, offset time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays = append(s.plays, path)
	return nil
}

func (s *fakeSink) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses++
	return nil
}

func (s *fakeSink) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes++
	return nil
}

func (s *fakeSink) Seek(ctx context.Context, position time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeks = append(s.seeks, position)
	return nil
}

func (s *fakeSink) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSink) playedPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.plays))
	copy(out, s.plays)
	return out
}

func (s *fakeSink) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *fakeSink) finish(reason sink.FinishReason) {
	s.mu.Lock()
	var path string
	if len(s.plays) > 0 {
		path = s.plays[len(s.plays)-1]
	}
	s.mu.Unlock()
	s.Emit(sink.FinishedEvent{Path: path, Reason: reason})
}

func (s *fakeSink) fail(err error) {
	s.mu.Lock()
	var path string
	if len(s.plays) > 0 {
		path = s.plays[len(s.plays)-1]
	}
	s.mu.Unlock()
	s.Emit(sink.ErrorEvent{Path: path, Err: err})
}

type memStore struct {
	mu      sync.Mutex
	states  []State
	history []HistoryEntry
}

func (s *memStore) SaveState(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *memStore) LoadState() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return nil, nil
	}
	st := s.states[len(s.states)-1]
	return &st, nil
}

func (s *memStore) AppendHistory(entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	return nil
}

func (s *memStore) historyTitles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.history))
	for i, e := range s.history {
		out[i] = e.Title
	}
	return out
}

type fixture struct {
	q     *queue.Queue
	snk   *fakeSink
	store *memStore
	orc   *Orchestrator
}

func newFixture(t *testing.T, search provider.Searcher) *fixture {
	return newFixtureWithFetcher(t, search, diskFetcher{t: t})
}

func newFixtureWithFetcher(t *testing.T, search provider.Searcher, fetch provider.ArtifactFetcher) *fixture {
	q := queue.New(&memPersister{})
	if search == nil {
		search = stubSearcher{err: provider.ErrNoResults}
	}
	p := pipeline.New(urlResolver{}, search, fetch, nil, nil, nil, t.TempDir(), 0)
	inflight := pipeline.NewInFlight()
	pf := pipeline.NewPrefetcher(q, p, inflight, 2)
	snk := &fakeSink{}
	store := &memStore{}

	orc := New(q, queue.NewSelector(), p, pf, inflight, snk, nil, store, nil, Config{
		TransitionDelay: 10 * time.Millisecond,
		SettleDelay:     10 * time.Millisecond,
		RetryDelay:      20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	orc.Start(ctx)

	return &fixture{q: q, snk: snk, store: store, orc: orc}
}

func (f *fixture) waitForPlays(t *testing.T, count int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.snk.playedPaths()) >= count
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPlaysEnqueuedItemsInOrder(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=1", RequesterName: "alice"})
	require.NoError(t, err)
	_, err = f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=2", RequesterName: "bob"})
	require.NoError(t, err)

	f.waitForPlays(t, 1)
	st := f.orc.CurrentState()
	require.NotNil(t, st.Current)
	assert.True(t, st.Playing)
	assert.Equal(t, "track 1", st.Current.Title)
	assert.Equal(t, "alice", st.Current.RequesterName)

	f.snk.finish(sink.ReasonEnded)

	f.waitForPlays(t, 2)
	require.Eventually(t, func() bool {
		st := f.orc.CurrentState()
		return st.Current != nil && st.Current.Title == "track 2"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.orc.CurrentState().SongsPlayed)
	assert.Equal(t, 0, f.q.Len())

	require.Eventually(t, func() bool {
		return len(f.store.historyTitles()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"track 1", "track 2"}, f.store.historyTitles())
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orc.Enqueue(Request{Locator: "   "})
	var verr provider.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=1"})
	require.NoError(t, err)
	_, err = f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=1"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSkipBypassesRepeatTracking(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orc.SetRepeatMode(RepeatAll))

	_, err := f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=1"})
	require.NoError(t, err)
	_, err = f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=2"})
	require.NoError(t, err)

	f.waitForPlays(t, 1)
	assert.True(t, f.orc.Skip(context.Background()))

	// The skipped song neither counts as played nor re-enters the repeat
	// batch.
	f.waitForPlays(t, 2)
	assert.Equal(t, 1, f.snk.stopCount())
	assert.Equal(t, 0, f.orc.CurrentState().SongsPlayed)
	assert.Equal(t, 0, f.orc.policy.BatchLen())
}

func TestSkipWithoutCurrent(t *testing.T) {
	f := newFixture(t, nil)
	assert.False(t, f.orc.Skip(context.Background()))
}

func TestRepeatOneRestartsOnce(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orc.SetRepeatMode(RepeatOne))

	_, err := f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=1"})
	require.NoError(t, err)
	f.waitForPlays(t, 1)

	f.snk.finish(sink.ReasonEnded)
	f.waitForPlays(t, 2)

	// Restarted in place, still the current song, not counted as played.
	st := f.orc.CurrentState()
	require.NotNil(t, st.Current)
	assert.Equal(t, 0, st.SongsPlayed)
	paths := f.snk.playedPaths()
	assert.Equal(t, paths[0], paths[1])

	// The second finish of the same song does not restart again.
	f.snk.finish(sink.ReasonEnded)
	require.Eventually(t, func() bool {
		return f.orc.CurrentState().Current == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.orc.CurrentState().SongsPlayed)
	assert.Len(t, f.snk.playedPaths(), 2)
}

func TestRepeatAllRefillsQueue(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orc.SetRepeatMode(RepeatAll))

	_, err := f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=1"})
	require.NoError(t, err)
	f.waitForPlays(t, 1)

	f.snk.finish(sink.ReasonEnded)

	// The finished song re-enters the queue and plays again.
	f.waitForPlays(t, 2)
	require.Eventually(t, func() bool {
		st := f.orc.CurrentState()
		return st.Current != nil && st.SongsPlayed == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "track 1", f.orc.CurrentState().Current.Title)
}

func TestPlaybackErrorAdvances(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=1"})
	require.NoError(t, err)
	_, err = f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=2"})
	require.NoError(t, err)
	f.waitForPlays(t, 1)

	f.snk.fail(fmt.Errorf("decoder exploded"))

	// A failed song does not count as played, the next one starts anyway.
	f.waitForPlays(t, 2)
	require.Eventually(t, func() bool {
		st := f.orc.CurrentState()
		return st.Current != nil && st.Current.Title == "track 2"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.orc.CurrentState().SongsPlayed)
}

func TestPreparingItemVisibleInState(t *testing.T) {
	release := make(chan struct{})
	f := newFixtureWithFetcher(t, nil, gatedFetcher{t: t, release: release})

	_, err := f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=1"})
	require.NoError(t, err)

	// While the download runs the upcoming song shows as the current item
	// with live progress, before playback starts.
	require.Eventually(t, func() bool {
		st := f.orc.CurrentState()
		return st.Current != nil && st.Current.Progress == 42
	}, 5*time.Second, 10*time.Millisecond)
	st := f.orc.CurrentState()
	assert.False(t, st.Playing)
	assert.Equal(t, queue.StateDownloading, st.Current.State)

	close(release)
	f.waitForPlays(t, 1)
	require.Eventually(t, func() bool {
		st := f.orc.CurrentState()
		return st.Playing && st.Current != nil && st.Current.Title == "track 1"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFinishedErrorReasonAdvances(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orc.SetRepeatMode(RepeatOne))

	_, err := f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=1"})
	require.NoError(t, err)
	_, err = f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=2"})
	require.NoError(t, err)
	f.waitForPlays(t, 1)

	f.snk.finish(sink.ReasonError)

	// A failure reported through the finish event is not a successful end.
	// Repeat-one does not restart the song and it does not count as played.
	f.waitForPlays(t, 2)
	require.Eventually(t, func() bool {
		st := f.orc.CurrentState()
		return st.Current != nil && st.Current.Title == "track 2"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.orc.CurrentState().SongsPlayed)
}

func TestNoResultsRemovedAndAdvances(t *testing.T) {
	f := newFixture(t, stubSearcher{err: provider.ErrNoResults})

	_, err := f.orc.Enqueue(Request{Locator: "some song that does not exist"})
	require.NoError(t, err)
	_, err = f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=1"})
	require.NoError(t, err)

	// The unresolvable request is dropped without a retry delay and the
	// next item plays.
	f.waitForPlays(t, 1)
	st := f.orc.CurrentState()
	require.NotNil(t, st.Current)
	assert.Equal(t, "track 1", st.Current.Title)
	assert.Equal(t, 0, f.q.Len())
}

func TestPauseResumeSeek(t *testing.T) {
	f := newFixture(t, nil)

	assert.False(t, f.orc.Pause(context.Background()))
	assert.False(t, f.orc.Resume(context.Background()))
	assert.False(t, f.orc.Seek(context.Background(), time.Second))

	_, err := f.orc.Enqueue(Request{Locator: "https://example.com/watch?v=1"})
	require.NoError(t, err)
	f.waitForPlays(t, 1)

	require.True(t, f.orc.Pause(context.Background()))
	assert.False(t, f.orc.Pause(context.Background()))

	frozen := f.orc.Elapsed()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frozen, f.orc.Elapsed())

	require.True(t, f.orc.Resume(context.Background()))
	assert.False(t, f.orc.Resume(context.Background()))

	require.True(t, f.orc.Seek(context.Background(), 90*time.Second))
	assert.InDelta(t, (90 * time.Second).Seconds(), f.orc.Elapsed().Seconds(), 1)

	f.snk.mu.Lock()
	defer f.snk.mu.Unlock()
	assert.Equal(t, 1, f.snk.pauses)
	assert.Equal(t, 1, f.snk.resumes)
	assert.Equal(t, []time.Duration{90 * time.Second}, f.snk.seeks)
}

func TestModeToggles(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.orc.SetRepeatMode(RepeatOne))
	f.orc.SetShuffle(true)

	assert.Equal(t, RepeatOne, f.orc.RepeatMode())
	assert.True(t, f.orc.Shuffle())

	assert.Error(t, f.orc.SetRepeatMode(RepeatMode("bogus")))
	assert.Equal(t, RepeatOne, f.orc.RepeatMode())
}

func TestRestoreRequeuesCurrentSong(t *testing.T) {
	store := &memStore{}
	require.NoError(t, store.SaveState(State{
		SongsPlayed: 7,
		Current: &CurrentItem{Item: queue.Item{
			Locator:         "/music/track 1.mp3",
			OriginalLocator: "https://example.com/watch?v=1",
			Kind:            queue.KindFile,
			Title:           "track 1",
			RequesterName:   "alice",
		}},
	}))

	q := queue.New(&memPersister{})
	p := pipeline.New(urlResolver{}, stubSearcher{err: provider.ErrNoResults}, diskFetcher{t: t}, nil, nil, nil, t.TempDir(), 0)
	inflight := pipeline.NewInFlight()
	pf := pipeline.NewPrefetcher(q, p, inflight, 2)
	orc := New(q, queue.NewSelector(), p, pf, inflight, &fakeSink{}, nil, store, nil, Config{})

	orc.Restore()

	assert.Equal(t, 7, orc.CurrentState().SongsPlayed)
	require.Equal(t, 1, q.Len())
	restored := q.At(0)
	assert.Equal(t, "https://example.com/watch?v=1", restored.Locator)
	assert.Equal(t, queue.KindURL, restored.Kind)
	assert.True(t, restored.Priority)
	assert.Equal(t, "alice", restored.RequesterName)
}
