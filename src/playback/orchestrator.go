package playback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tonearm/src/pipeline"
	"tonearm/src/provider"
	"tonearm/src/queue"
	"tonearm/src/sink"
	"tonearm/src/util"
)

const (
	defaultTransitionDelay = 500 * time.Millisecond
	defaultSettleDelay     = 250 * time.Millisecond
	defaultRetryDelay      = 5 * time.Second
	saveDebounce           = 500 * time.Millisecond

	inflightPollInterval = 50 * time.Millisecond
)

// ErrDuplicate is returned when an enqueue request matches a locator that is
// already queued.
var ErrDuplicate = errors.New("locator already queued")

// errAdvance marks a failure that removed the offending item, so the next
// item can be tried immediately instead of after a retry delay.
var errAdvance = errors.New("advance to next item")

// StateChangedEvent is emitted whenever the playback state changes.
type StateChangedEvent struct{ State State }

// ModeChangedEvent is emitted when the repeat mode or shuffle setting
// changes.
type ModeChangedEvent struct {
	Repeat  RepeatMode
	Shuffle bool
}

// Settings are the user-facing playback toggles mirrored to disk.
type Settings struct {
	Repeat  RepeatMode `json:"repeat"`
	Shuffle bool       `json:"shuffle"`
}

// Request is one enqueue submission.
type Request struct {
	Locator       string
	Title         string
	Artist        string
	Duration      time.Duration
	RequesterName string
	RequesterID   string
	GroupID       string
	Priority      bool
}

// Config tunes the orchestrator's timing behaviour. Zero values fall back
// to the defaults.
type Config struct {
	// TransitionDelay is the pause between a finished song and starting the
	// next one.
	TransitionDelay time.Duration
	// SettleDelay is the shorter pause used after a skip.
	SettleDelay time.Duration
	// RetryDelay is how long to wait before reattempting playback after a
	// transient failure.
	RetryDelay time.Duration
	// CleanupArtifacts removes downloaded files from disk once they have
	// been played.
	CleanupArtifacts bool
}

// Orchestrator owns the playback state machine. It is the single consumer
// of the queue: it selects the next item, prepares its artifact, hands it
// to the sink and reacts to the sink's lifecycle events. All state
// transitions happen here, the sink is a dumb output device.
type Orchestrator struct {
	util.Emitter

	queue      *queue.Queue
	selector   *queue.Selector
	policy     *RepeatPolicy
	pipeline   *pipeline.Pipeline
	prefetcher *pipeline.Prefetcher
	inflight   *pipeline.InFlight
	sink       sink.Sink
	notify     provider.NotificationSink
	store      Store
	settings   *util.PersistentStorage

	transitionDelay  time.Duration
	settleDelay      time.Duration
	retryDelay       time.Duration
	cleanupArtifacts bool

	mu         sync.Mutex
	state      State
	repeatMode RepeatMode
	shuffle    bool
	// processing serializes queue advancement, only one processNext runs at
	// a time.
	processing bool
	// handlingFinished suppresses duplicate finish events for the same
	// playback, the sink may report both an error and a stop.
	handlingFinished bool
	advanceTimer     *time.Timer
	saveTimer        *time.Timer
	runCtx           context.Context
	// preparing previews the item being downloaded ahead of playback, nil
	// outside the preparation phase. Never persisted.
	preparing *CurrentItem
}

// New wires a playback orchestrator. notify, store and settings may be nil.
func New(q *queue.Queue, sel *queue.Selector, p *pipeline.Pipeline, pf *pipeline.Prefetcher, inflight *pipeline.InFlight, snk sink.Sink, notify provider.NotificationSink, store Store, settings *util.PersistentStorage, conf Config) *Orchestrator {
	if conf.TransitionDelay == 0 {
		conf.TransitionDelay = defaultTransitionDelay
	}
	if conf.SettleDelay == 0 {
		conf.SettleDelay = defaultSettleDelay
	}
	if conf.RetryDelay == 0 {
		conf.RetryDelay = defaultRetryDelay
	}

	o := &Orchestrator{
		queue:            q,
		selector:         sel,
		policy:           NewRepeatPolicy(),
		pipeline:         p,
		prefetcher:       pf,
		inflight:         inflight,
		sink:             snk,
		notify:           notify,
		store:            store,
		settings:         settings,
		transitionDelay:  conf.TransitionDelay,
		settleDelay:      conf.SettleDelay,
		retryDelay:       conf.RetryDelay,
		cleanupArtifacts: conf.CleanupArtifacts,
		repeatMode:       RepeatOff,
		runCtx:           context.Background(),
	}
	if settings != nil {
		if s, ok := settings.Value().(*Settings); ok && s != nil {
			if ValidRepeatMode(s.Repeat) {
				o.repeatMode = s.Repeat
			}
			o.shuffle = s.Shuffle
		}
	}
	return o
}

// Restore reloads persisted playback state after a restart. A song that was
// mid-play when the process stopped is requeued at the front, transfers do
// not survive restarts so it downloads again.
func (o *Orchestrator) Restore() {
	if o.store == nil {
		return
	}
	st, err := o.store.LoadState()
	if err != nil {
		log.Errorf("Could not restore playback state: %v", err)
		return
	}
	if st == nil {
		return
	}

	o.mu.Lock()
	o.state.SongsPlayed = st.SongsPlayed
	o.mu.Unlock()

	if st.Current == nil {
		return
	}
	it := st.Current.Item
	o.queue.Add(&queue.Item{
		Locator:       it.Source(),
		Kind:          queue.KindURL,
		Title:         it.Title,
		Artist:        it.Artist,
		Duration:      it.Duration,
		RequesterName: it.RequesterName,
		RequesterID:   it.RequesterID,
		GroupID:       it.GroupID,
		Priority:      true,
		State:         queue.StatePending,
	})
}

// Start begins processing queue and sink events in the background, until
// ctx is cancelled. Playback does not advance on its own without it.
// Listeners are registered before Start returns, no events are missed.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()

	queueEvents := o.queue.Listen(ctx)
	sinkEvents := o.sink.Events().Listen(ctx)
	go o.run(ctx, queueEvents, sinkEvents)
}

func (o *Orchestrator) run(ctx context.Context, queueEvents, sinkEvents <-chan interface{}) {
	defer o.stopTimers()

	go o.ProcessNext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-queueEvents:
			if !ok {
				return
			}
			if _, ok := ev.(queue.ItemAddedEvent); ok {
				go o.onItemAdded(ctx)
			}
		case ev, ok := <-sinkEvents:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case sink.FinishedEvent:
				// Skips are handled synchronously in Skip, the sink's
				// trailing stop notification carries no new information.
				switch e.Reason {
				case sink.ReasonEnded:
					o.handleFinished(ctx, true, nil)
				case sink.ReasonError:
					o.handleFinished(ctx, false, fmt.Errorf("sink aborted %s", e.Path))
				}
			case sink.ErrorEvent:
				o.handleFinished(ctx, false, e.Err)
			}
		}
	}
}

func (o *Orchestrator) onItemAdded(ctx context.Context) {
	o.mu.Lock()
	playing := o.state.Playing
	o.mu.Unlock()

	if playing {
		o.prefetcher.PrefetchNext(ctx, 0)
		return
	}
	o.ProcessNext(ctx)
}

// ProcessNext advances playback to the next queued item when idle. Safe to
// call at any time, it is a no-op while a song plays or another call is
// already advancing.
func (o *Orchestrator) ProcessNext(ctx context.Context) {
	o.mu.Lock()
	if o.processing || o.state.Playing {
		o.mu.Unlock()
		return
	}
	o.processing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.processing = false
		o.mu.Unlock()
	}()

	for ctx.Err() == nil {
		if o.queue.Len() == 0 && !o.refillFromBatch() {
			o.emitState()
			return
		}

		started, err := o.processOne(ctx)
		if started {
			return
		}
		if err == nil {
			return
		}
		if errors.Is(err, errAdvance) {
			continue
		}
		log.Errorf("Could not start next song: %v", err)
		o.scheduleAdvance(o.retryDelay)
		return
	}
}

// processOne tries to bring a single queued item into playback. Returns
// true when the sink accepted the song. An errAdvance error means the item
// was removed and the caller should try the next one immediately.
func (o *Orchestrator) processOne(ctx context.Context) (bool, error) {
	item, pos := o.selectNext()
	if item == nil {
		return false, nil
	}

	var snap queue.Item
	o.queue.Inspect(item, func(it *queue.Item) { snap = *it })

	if snap.Kind == queue.KindFile {
		if _, err := os.Stat(snap.Locator); err == nil {
			return true, o.startPlayback(ctx, item, pos)
		}
		var reset bool
		o.queue.Update(item, true, func(it *queue.Item) { reset = it.ResetToSource() })
		if !reset {
			log.WithField("locator", snap.Locator).Warnf("Dropped item with missing artifact")
			o.queue.RemoveRef(item)
			return false, errAdvance
		}
		o.queue.Inspect(item, func(it *queue.Item) { snap = *it })
	}

	// A prefetch may already be downloading this item. Wait for it and use
	// its result instead of starting a second transfer.
	source := snap.Source()
	if o.inflight.Contains(source) {
		if !o.awaitRelease(ctx, source) {
			return false, nil
		}
		// The prefetcher may have dropped the item while we waited.
		if !o.queueContains(item) {
			return false, errAdvance
		}
		o.queue.Inspect(item, func(it *queue.Item) { snap = *it })
		if snap.Kind == queue.KindFile && snap.State == queue.StateReady {
			return true, o.startPlayback(ctx, item, pos)
		}
	}

	if !o.inflight.TryAcquire(source) {
		return false, fmt.Errorf("locator busy: %s", source)
	}
	o.setPreparing(snap)
	defer o.clearPreparing()
	mirror := pipeline.MirrorProgress(o.queue, item)
	res, err := o.pipeline.Prepare(ctx, item, func(p pipeline.Progress) {
		mirror(p)
		o.mirrorPreparing(p)
	})
	o.inflight.Release(source)

	if err != nil {
		if errors.Is(err, provider.ErrNoResults) {
			o.queue.RemoveRef(item)
			log.WithField("locator", source).Infof("Removed unresolvable item: %v", err)
			o.notifyGroup(ctx, snap, fmt.Sprintf("No results found for %q", snap.Locator))
			return false, errAdvance
		}
		o.queue.Update(item, true, func(it *queue.Item) {
			it.State = queue.StateError
			it.Progress = 0
		})
		return false, err
	}

	o.queue.Update(item, true, func(it *queue.Item) {
		it.MarkReady(res.LocalPath, res.Thumbnail)
		it.Title = res.Title
		it.Artist = res.Artist
		if res.Duration > 0 {
			it.Duration = res.Duration
		}
	})
	return true, o.startPlayback(ctx, item, pos)
}

func (o *Orchestrator) selectNext() (*queue.Item, int) {
	o.mu.Lock()
	shuffle := o.shuffle
	o.mu.Unlock()

	items := o.queue.Items()
	if len(items) == 0 {
		return nil, -1
	}
	pos := 0
	if shuffle {
		pos = o.selector.SelectIndex(items)
	}
	if pos < 0 || pos >= len(items) {
		return nil, -1
	}
	return items[pos], pos
}

// startPlayback removes the item from the queue, installs it as the current
// song and hands its artifact to the sink.
func (o *Orchestrator) startPlayback(ctx context.Context, item *queue.Item, pos int) error {
	removed := o.queue.RemovePlayingItem(item, pos)
	if removed == nil {
		removed = item
	}
	snap := *removed

	now := time.Now()
	o.mu.Lock()
	o.state.Playing = true
	o.state.Paused = false
	o.state.Current = &CurrentItem{Item: snap, StartTime: now}
	o.mu.Unlock()
	o.policy.ResetCycle()

	if err := o.sink.Play(ctx, snap.Locator, 0); err != nil {
		o.mu.Lock()
		o.state.Playing = false
		o.state.Current = nil
		o.mu.Unlock()
		o.queue.Add(removed)
		return fmt.Errorf("could not start playback: %w", err)
	}

	log.WithField("title", snap.Title).WithField("requester", snap.RequesterName).Infof("Now playing")
	o.emitState()
	o.scheduleSave()
	o.appendHistory(snap, now)
	o.notifyGroup(ctx, snap, nowPlayingMessage(snap))
	go o.prefetcher.PrefetchNext(ctx, 0)
	return nil
}

// handleFinished reacts to the sink reporting the end of the current song.
func (o *Orchestrator) handleFinished(ctx context.Context, success bool, sinkErr error) {
	o.mu.Lock()
	if o.handlingFinished || o.state.Current == nil {
		o.mu.Unlock()
		return
	}
	o.handlingFinished = true
	current := o.state.Current
	mode := o.repeatMode
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.handlingFinished = false
		o.mu.Unlock()
	}()

	if sinkErr != nil {
		log.WithField("title", current.Title).Errorf("Playback failed: %v", sinkErr)
	}

	if o.policy.ShouldRestart(mode, current, success) {
		o.policy.MarkRestarted(current)
		o.mu.Lock()
		// A concurrent skip may have cleared the current song already.
		if o.state.Current == nil {
			o.mu.Unlock()
			return
		}
		o.state.Current.StartTime = time.Now()
		o.state.Current.PausedAt = time.Time{}
		o.state.Paused = false
		o.mu.Unlock()

		err := o.sink.Play(ctx, current.Locator, 0)
		if err == nil {
			o.emitState()
			o.scheduleSave()
			return
		}
		log.WithField("title", current.Title).Errorf("Could not restart song: %v", err)
	}

	if mode == RepeatAll {
		o.policy.TrackForRepeatAll(current.Item, success)
	}

	o.mu.Lock()
	if success {
		o.state.SongsPlayed++
	}
	o.state.Playing = false
	o.state.Paused = false
	o.state.Current = nil
	o.mu.Unlock()

	o.cleanup(current.Item)
	o.emitState()
	o.scheduleSave()
	o.scheduleAdvance(o.transitionDelay)
}

// refillFromBatch requeues the songs played since repeat-all was enabled.
// Returns false when the mode is off or the batch is empty.
func (o *Orchestrator) refillFromBatch() bool {
	o.mu.Lock()
	mode, shuffle := o.repeatMode, o.shuffle
	o.mu.Unlock()

	if mode != RepeatAll || o.policy.BatchLen() == 0 {
		return false
	}
	batch := o.policy.DrainBatch(shuffle, o.selector)
	added := 0
	for i := range batch {
		it := batch[i]
		if o.queue.Add(&it) {
			added++
		}
	}
	if added > 0 {
		log.Infof("Requeued %d songs for repeat", added)
	}
	return added > 0
}

// Enqueue validates and adds a playback request to the queue.
func (o *Orchestrator) Enqueue(req Request) (*queue.Item, error) {
	locator := strings.TrimSpace(req.Locator)
	if locator == "" {
		return nil, provider.ValidationError{Message: "locator must not be empty"}
	}

	item := &queue.Item{
		Locator:       locator,
		Kind:          queue.KindURL,
		Title:         strings.TrimSpace(req.Title),
		Artist:        strings.TrimSpace(req.Artist),
		Duration:      req.Duration,
		RequesterName: req.RequesterName,
		RequesterID:   req.RequesterID,
		GroupID:       req.GroupID,
		Priority:      req.Priority,
		State:         queue.StatePending,
	}
	if !o.queue.Add(item) {
		return nil, ErrDuplicate
	}
	return item, nil
}

// Pause suspends playback. Returns false when nothing is playing or
// playback is already paused.
func (o *Orchestrator) Pause(ctx context.Context) bool {
	o.mu.Lock()
	ok := o.state.Pause(time.Now())
	o.mu.Unlock()
	if !ok {
		return false
	}

	if err := o.sink.Pause(ctx); err != nil {
		log.Errorf("Could not pause sink: %v", err)
	}
	o.emitState()
	o.scheduleSave()
	return true
}

// Resume continues paused playback. Returns false when not paused.
func (o *Orchestrator) Resume(ctx context.Context) bool {
	o.mu.Lock()
	ok := o.state.Resume(time.Now())
	o.mu.Unlock()
	if !ok {
		return false
	}

	if err := o.sink.Resume(ctx); err != nil {
		log.Errorf("Could not resume sink: %v", err)
	}
	o.emitState()
	o.scheduleSave()
	return true
}

// Seek repositions playback within the current song. The orchestrator's
// bookkeeping is adjusted first so elapsed time stays authoritative even
// when the sink lags.
func (o *Orchestrator) Seek(ctx context.Context, position time.Duration) bool {
	o.mu.Lock()
	ok := o.state.Seek(position, time.Now())
	o.mu.Unlock()
	if !ok {
		return false
	}

	if err := o.sink.Seek(ctx, position); err != nil {
		log.Errorf("Could not seek sink: %v", err)
	}
	o.emitState()
	o.scheduleSave()
	return true
}

// Skip aborts the current song and advances. The skipped song does not
// count as played and never re-enters a repeat batch.
func (o *Orchestrator) Skip(ctx context.Context) bool {
	o.mu.Lock()
	if o.state.Current == nil {
		o.mu.Unlock()
		return false
	}
	current := *o.state.Current
	o.state.Playing = false
	o.state.Paused = false
	o.state.Current = nil
	o.mu.Unlock()

	if err := o.sink.Stop(ctx); err != nil {
		log.Errorf("Could not stop sink: %v", err)
	}

	log.WithField("title", current.Title).Infof("Skipped")
	o.cleanup(current.Item)
	o.emitState()
	o.scheduleSave()
	o.scheduleAdvance(o.settleDelay)
	return true
}

// CurrentState returns a copy of the playback state. While the next song's
// artifact is being downloaded it appears as the current item, with live
// download progress, before playback actually starts.
func (o *Orchestrator) CurrentState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.state.clone()
	if st.Current == nil && o.preparing != nil {
		preview := *o.preparing
		st.Current = &preview
	}
	return st
}

// Elapsed returns how far into the current song playback is.
func (o *Orchestrator) Elapsed() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Elapsed(time.Now())
}

// SetRepeatMode switches the repeat mode. Leaving repeat-all clears the
// pending replay batch.
func (o *Orchestrator) SetRepeatMode(mode RepeatMode) error {
	if !ValidRepeatMode(mode) {
		return provider.ValidationError{Message: fmt.Sprintf("unknown repeat mode: %q", mode)}
	}

	o.mu.Lock()
	prev := o.repeatMode
	o.repeatMode = mode
	o.mu.Unlock()

	if prev == RepeatAll && mode != RepeatAll {
		o.policy.DrainBatch(false, nil)
	}
	o.persistSettings()
	o.emitMode()
	return nil
}

// SetShuffle toggles random selection of the next song.
func (o *Orchestrator) SetShuffle(enabled bool) {
	o.mu.Lock()
	o.shuffle = enabled
	o.mu.Unlock()

	o.persistSettings()
	o.emitMode()
}

// RepeatMode returns the active repeat mode.
func (o *Orchestrator) RepeatMode() RepeatMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.repeatMode
}

// Shuffle reports whether random selection is enabled.
func (o *Orchestrator) Shuffle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shuffle
}

// PrefetchAll starts background downloads for every eligible queued item.
// Returns the number of downloads started.
func (o *Orchestrator) PrefetchAll(ctx context.Context) int {
	return o.prefetcher.PrefetchNext(ctx, 0)
}

func (o *Orchestrator) scheduleAdvance(delay time.Duration) {
	o.mu.Lock()
	ctx := o.runCtx
	if o.advanceTimer != nil {
		o.advanceTimer.Stop()
	}
	o.advanceTimer = time.AfterFunc(delay, func() {
		o.ProcessNext(ctx)
	})
	o.mu.Unlock()
}

func (o *Orchestrator) scheduleSave() {
	if o.store == nil {
		return
	}
	o.mu.Lock()
	if o.saveTimer == nil {
		o.saveTimer = time.AfterFunc(saveDebounce, o.saveState)
	} else {
		o.saveTimer.Reset(saveDebounce)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) saveState() {
	o.mu.Lock()
	st := o.state.clone()
	o.mu.Unlock()
	if err := o.store.SaveState(st); err != nil {
		log.Errorf("Could not persist playback state: %v", err)
	}
}

func (o *Orchestrator) stopTimers() {
	o.mu.Lock()
	if o.advanceTimer != nil {
		o.advanceTimer.Stop()
	}
	if o.saveTimer != nil {
		o.saveTimer.Stop()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) appendHistory(item queue.Item, playedAt time.Time) {
	if o.store == nil {
		return
	}
	err := o.store.AppendHistory(HistoryEntry{
		Title:         item.Title,
		Artist:        item.Artist,
		Locator:       item.Source(),
		RequesterName: item.RequesterName,
		RequesterID:   item.RequesterID,
		PlayedAt:      playedAt,
	})
	if err != nil {
		log.WithField("title", item.Title).Errorf("Could not record play history: %v", err)
	}
}

func (o *Orchestrator) notifyGroup(ctx context.Context, item queue.Item, message string) {
	if o.notify == nil || item.GroupID == "" {
		return
	}
	go o.notify.Notify(ctx, item.GroupID, message, item.RequesterID)
}

// cleanup removes a played song's downloaded artifacts from disk.
func (o *Orchestrator) cleanup(item queue.Item) {
	if !o.cleanupArtifacts || item.Kind != queue.KindFile {
		return
	}
	for _, path := range []string{item.Locator, item.Thumbnail} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithField("path", path).Warnf("Could not remove artifact: %v", err)
		}
	}
}

func (o *Orchestrator) queueContains(item *queue.Item) bool {
	for _, it := range o.queue.Items() {
		if it == item {
			return true
		}
	}
	return false
}

func (o *Orchestrator) awaitRelease(ctx context.Context, locator string) bool {
	ticker := time.NewTicker(inflightPollInterval)
	defer ticker.Stop()
	for o.inflight.Contains(locator) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

func (o *Orchestrator) setPreparing(snap queue.Item) {
	o.mu.Lock()
	o.preparing = &CurrentItem{Item: snap}
	o.mu.Unlock()
	o.emitState()
}

func (o *Orchestrator) clearPreparing() {
	o.mu.Lock()
	o.preparing = nil
	o.mu.Unlock()
}

// mirrorPreparing copies a progress report into the preview item and
// republishes the state so consumers can follow the download of the song
// that is about to play.
func (o *Orchestrator) mirrorPreparing(p pipeline.Progress) {
	o.mu.Lock()
	if o.preparing == nil {
		o.mu.Unlock()
		return
	}
	o.preparing.Progress = p.Percent
	switch p.Status {
	case pipeline.StatusDownloading:
		o.preparing.State = queue.StateDownloading
	case pipeline.StatusError:
		o.preparing.State = queue.StateError
	default:
		o.preparing.State = queue.StatePreparing
	}
	o.mu.Unlock()
	o.emitState()
}

func (o *Orchestrator) emitState() {
	o.Emit(StateChangedEvent{State: o.CurrentState()})
}

func (o *Orchestrator) emitMode() {
	o.mu.Lock()
	ev := ModeChangedEvent{Repeat: o.repeatMode, Shuffle: o.shuffle}
	o.mu.Unlock()
	o.Emit(ev)
}

func (o *Orchestrator) persistSettings() {
	if o.settings == nil {
		return
	}
	o.mu.Lock()
	s := &Settings{Repeat: o.repeatMode, Shuffle: o.shuffle}
	o.mu.Unlock()
	if err := o.settings.SetValue(s); err != nil {
		log.Errorf("Could not persist playback settings: %v", err)
	}
}

func nowPlayingMessage(item queue.Item) string {
	if item.Artist != "" {
		return fmt.Sprintf("Now playing: %s by %s", item.Title, item.Artist)
	}
	return fmt.Sprintf("Now playing: %s", item.Title)
}
