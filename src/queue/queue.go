package queue

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"tonearm/src/util"
)

// Persister is the narrow durable-store contract the queue writes through.
// Writes are best-effort: the in-memory queue is the operative truth for
// playback continuity and a failed write never rolls a mutation back.
type Persister interface {
	// UpsertItem saves an item at the given position, assigning item.ID
	// when it is still empty.
	UpsertItem(item *Item, position int) error
	RemoveItem(id string) error
	// SaveOrder persists the position of every queued item by identity.
	SaveOrder(ids []string) error
	ListItems() ([]*Item, error)
}

// ChangedEvent is emitted after any mutation of the queue.
type ChangedEvent struct{}

// ItemAddedEvent is emitted when a new item enters the queue.
type ItemAddedEvent struct{ Item *Item }

// ItemRemovedEvent is emitted when an item leaves the queue.
type ItemRemovedEvent struct{ Item *Item }

// ReorderedEvent is emitted when an item is moved to a new position.
type ReorderedEvent struct{ From, To int }

// Queue is the ordered sequence of pending playback requests.
type Queue struct {
	util.Emitter

	store Persister

	mu    sync.Mutex
	items []*Item
	// index maps position to identity. It is a derived cache used only to
	// translate in-memory moves into persistence writes.
	index []string
}

func New(store Persister) *Queue {
	return &Queue{store: store}
}

// Load restores the queue contents from the persistence store. Called once
// at startup.
func (q *Queue) Load() error {
	items, err := q.store.ListItems()
	if err != nil {
		return fmt.Errorf("could not load queue: %w", err)
	}

	q.mu.Lock()
	q.items = items
	for _, it := range q.items {
		// Transfers do not survive a restart.
		if it.Downloading() {
			it.State = StatePending
			it.Progress = 0
		}
	}
	q.rebuildIndex()
	q.mu.Unlock()

	q.Emit(ChangedEvent{})
	return nil
}

// Add inserts an item into the queue. Priority items are placed before the
// first non-priority item, all others append to the end. Returns false
// without mutating anything when a url-typed item with the same locator is
// already queued.
func (q *Queue) Add(item *Item) bool {
	q.mu.Lock()
	if item.Kind == KindURL {
		for _, it := range q.items {
			if it.Kind == KindURL && it.Locator == item.Locator {
				q.mu.Unlock()
				return false
			}
		}
	}

	pos := len(q.items)
	if item.Priority {
		for i, it := range q.items {
			if !it.Priority {
				pos = i
				break
			}
		}
	}

	q.items = append(q.items[:pos], append([]*Item{item}, q.items[pos:]...)...)
	if err := q.store.UpsertItem(item, pos); err != nil {
		log.WithField("locator", item.Locator).Errorf("Could not persist queue item: %v", err)
	}
	q.rebuildIndex()
	q.persistOrder()
	q.mu.Unlock()

	q.Emit(ItemAddedEvent{Item: item})
	q.Emit(ChangedEvent{})
	return true
}

// Remove removes the item at the given position.
func (q *Queue) Remove(pos int) (*Item, error) {
	q.mu.Lock()
	if pos < 0 || pos >= len(q.items) {
		q.mu.Unlock()
		return nil, fmt.Errorf("remove position out of range: %d, len=%d", pos, len(q.items))
	}
	item := q.removeLocked(pos)
	q.mu.Unlock()

	q.Emit(ItemRemovedEvent{Item: item})
	q.Emit(ChangedEvent{})
	return item, nil
}

// RemoveByID removes the item carrying the given identity. Returns nil when
// no such item is queued.
func (q *Queue) RemoveByID(id string) *Item {
	q.mu.Lock()
	pos := -1
	for i, it := range q.items {
		if it.ID == id {
			pos = i
			break
		}
	}
	if pos == -1 {
		q.mu.Unlock()
		return nil
	}
	item := q.removeLocked(pos)
	q.mu.Unlock()

	q.Emit(ItemRemovedEvent{Item: item})
	q.Emit(ChangedEvent{})
	return item
}

// RemoveRef removes the exact item instance from the queue. Returns nil
// when the item is no longer queued.
func (q *Queue) RemoveRef(item *Item) *Item {
	q.mu.Lock()
	pos := -1
	for i, it := range q.items {
		if it == item {
			pos = i
			break
		}
	}
	if pos == -1 {
		q.mu.Unlock()
		return nil
	}
	removed := q.removeLocked(pos)
	q.mu.Unlock()

	q.Emit(ItemRemovedEvent{Item: removed})
	q.Emit(ChangedEvent{})
	return removed
}

// RemovePlayingItem removes the item that is transitioning into playback.
// It prefers identity, then the hint position, then the queue head, to
// tolerate drift between the caller's copy and the live queue. hint may be
// -1 when the caller has no position to offer.
func (q *Queue) RemovePlayingItem(item *Item, hint int) *Item {
	q.mu.Lock()
	pos := -1
	for i, it := range q.items {
		if it == item || it.Identifies(item) {
			pos = i
			break
		}
	}
	if pos == -1 && hint >= 0 && hint < len(q.items) {
		pos = hint
	}
	if pos == -1 && len(q.items) > 0 {
		pos = 0
	}
	if pos == -1 {
		q.mu.Unlock()
		return nil
	}
	removed := q.removeLocked(pos)
	q.mu.Unlock()

	q.Emit(ItemRemovedEvent{Item: removed})
	q.Emit(ChangedEvent{})
	return removed
}

// Reorder moves the item at position from to position to. Only the index
// range between the two positions is shifted.
func (q *Queue) Reorder(from, to int) error {
	q.mu.Lock()
	if from < 0 || from >= len(q.items) || to < 0 || to >= len(q.items) {
		q.mu.Unlock()
		return fmt.Errorf("reorder positions out of range: (%d -> %d) len=%d", from, to, len(q.items))
	}
	if from == to {
		q.mu.Unlock()
		return nil
	}

	item := q.items[from]
	id := q.index[from]
	if from < to {
		copy(q.items[from:to], q.items[from+1:to+1])
		copy(q.index[from:to], q.index[from+1:to+1])
	} else {
		copy(q.items[to+1:from+1], q.items[to:from])
		copy(q.index[to+1:from+1], q.index[to:from])
	}
	q.items[to] = item
	q.index[to] = id
	q.persistOrder()
	q.mu.Unlock()

	q.Emit(ReorderedEvent{From: from, To: to})
	q.Emit(ChangedEvent{})
	return nil
}

// Clear removes all items.
func (q *Queue) Clear() {
	q.mu.Lock()
	for _, it := range q.items {
		if it.ID == "" {
			continue
		}
		if err := q.store.RemoveItem(it.ID); err != nil {
			log.WithField("id", it.ID).Errorf("Could not remove persisted queue item: %v", err)
		}
	}
	q.items = nil
	q.rebuildIndex()
	q.mu.Unlock()

	q.Emit(ChangedEvent{})
}

// Update applies fn to the item under the queue lock and optionally writes
// the item through to the store. Used to mutate download state in place
// while an item is being prepared.
func (q *Queue) Update(item *Item, persist bool, fn func(*Item)) {
	q.mu.Lock()
	fn(item)
	if persist {
		pos := -1
		for i, it := range q.items {
			if it == item {
				pos = i
				break
			}
		}
		if pos != -1 {
			if err := q.store.UpsertItem(item, pos); err != nil {
				log.WithField("locator", item.Locator).Errorf("Could not persist queue item: %v", err)
			}
		}
	}
	q.mu.Unlock()

	q.Emit(ChangedEvent{})
}

// Inspect runs fn on the item under the queue lock without persisting or
// emitting anything. Used to read fields that concurrent downloads mutate.
func (q *Queue) Inspect(item *Item, fn func(*Item)) {
	q.mu.Lock()
	fn(item)
	q.mu.Unlock()
}

// At returns the item at the given position, or nil when out of range.
func (q *Queue) At(pos int) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pos < 0 || pos >= len(q.items) {
		return nil
	}
	return q.items[pos]
}

// Items returns the live item pointers in order. Callers must treat the
// returned slice as read-only.
func (q *Queue) Items() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]*Item, len(q.items))
	copy(items, q.items)
	return items
}

// Filter returns the live item pointers for which pred holds. pred runs
// under the queue lock, so it may read fields that concurrent downloads
// mutate.
func (q *Queue) Filter(pred func(*Item) bool) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var items []*Item
	for _, it := range q.items {
		if pred(it) {
			items = append(items, it)
		}
	}
	return items
}

// Snapshot returns a deep copy of the queue contents.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]Item, len(q.items))
	for i, it := range q.items {
		items[i] = *it
	}
	return items
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) removeLocked(pos int) *Item {
	item := q.items[pos]
	q.items = append(q.items[:pos], q.items[pos+1:]...)
	if item.ID != "" {
		if err := q.store.RemoveItem(item.ID); err != nil {
			log.WithField("id", item.ID).Errorf("Could not remove persisted queue item: %v", err)
		}
	}
	q.rebuildIndex()
	q.persistOrder()
	return item
}

// rebuildIndex recomputes the whole position to identity mapping. Required
// after any splice that is not a simple adjacent shift.
func (q *Queue) rebuildIndex() {
	q.index = make([]string, len(q.items))
	for i, it := range q.items {
		q.index[i] = it.ID
	}
}

func (q *Queue) persistOrder() {
	ids := make([]string, len(q.index))
	copy(ids, q.index)
	if err := q.store.SaveOrder(ids); err != nil {
		log.Errorf("Could not persist queue order: %v", err)
	}
}
