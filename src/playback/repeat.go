package playback

import (
	"sync"

	"tonearm/src/queue"
)

// RepeatMode selects how finished songs feed back into the queue.
type RepeatMode string

const (
	RepeatOff RepeatMode = "off"
	RepeatOne RepeatMode = "one"
	RepeatAll RepeatMode = "all"
)

// ValidRepeatMode reports whether mode is one of the known modes.
func ValidRepeatMode(mode RepeatMode) bool {
	switch mode {
	case RepeatOff, RepeatOne, RepeatAll:
		return true
	}
	return false
}

// RepeatPolicy tracks successfully finished songs and decides when a song
// restarts in place (repeat-one) or when the completed batch re-enters the
// queue (repeat-all).
type RepeatPolicy struct {
	mu sync.Mutex
	// Items restarted in the current playback cycle. Guards against an
	// infinite restart loop when the sink reports failure immediately
	// after a restart.
	restarted map[string]struct{}
	batch     []queue.Item
}

func NewRepeatPolicy() *RepeatPolicy {
	return &RepeatPolicy{restarted: map[string]struct{}{}}
}

// ShouldRestart reports whether the current item should be replayed in
// place. Only true under repeat-one, after a success, and at most once per
// item per cycle.
func (rp *RepeatPolicy) ShouldRestart(mode RepeatMode, current *CurrentItem, success bool) bool {
	if mode != RepeatOne || current == nil || !success {
		return false
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()
	_, already := rp.restarted[restartKey(current)]
	return !already
}

// MarkRestarted records that the current item has been restarted this
// cycle.
func (rp *RepeatPolicy) MarkRestarted(current *CurrentItem) {
	rp.mu.Lock()
	rp.restarted[restartKey(current)] = struct{}{}
	rp.mu.Unlock()
}

// ResetCycle forgets restart bookkeeping. Called whenever a new item
// starts playing.
func (rp *RepeatPolicy) ResetCycle() {
	rp.mu.Lock()
	rp.restarted = map[string]struct{}{}
	rp.mu.Unlock()
}

// TrackForRepeatAll appends a normalized snapshot of a successfully played
// item to the replay batch. The snapshot carries the original source
// locator rather than the downloaded artifact path, so a replay downloads
// fresh instead of depending on a possibly-deleted local file.
func (rp *RepeatPolicy) TrackForRepeatAll(item queue.Item, success bool) {
	if !success {
		return
	}
	snapshot := queue.Item{
		Locator:       item.Source(),
		Kind:          queue.KindURL,
		Title:         item.Title,
		Artist:        item.Artist,
		Duration:      item.Duration,
		RequesterName: item.RequesterName,
		RequesterID:   item.RequesterID,
		GroupID:       item.GroupID,
		Priority:      item.Priority,
		State:         queue.StatePending,
	}
	rp.mu.Lock()
	rp.batch = append(rp.batch, snapshot)
	rp.mu.Unlock()
}

// DrainBatch returns the accumulated replay batch, reshuffled when asked,
// and clears it.
func (rp *RepeatPolicy) DrainBatch(shuffle bool, sel *queue.Selector) []queue.Item {
	rp.mu.Lock()
	batch := rp.batch
	rp.batch = nil
	rp.mu.Unlock()

	if shuffle && sel != nil {
		batch = sel.ShuffleBatch(batch)
	}
	return batch
}

// BatchLen returns the number of snapshots waiting for a replay.
func (rp *RepeatPolicy) BatchLen() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return len(rp.batch)
}

func restartKey(current *CurrentItem) string {
	if current.ID != "" {
		return current.ID
	}
	return current.Source()
}
