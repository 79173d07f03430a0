package queue

import (
	"math/rand"
	"time"
)

// Weight multiplier applied to priority items during random selection.
const priorityWeight = 3

// Selector picks queue positions at random, weighted so that priority
// items are three times as likely to be drawn.
type Selector struct {
	rand *rand.Rand
}

func NewSelector() *Selector {
	return &Selector{
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SelectIndex draws a weighted random position from the given items.
// Returns -1 for an empty list. A single-item list always yields 0 without
// consuming randomness, which keeps the degenerate case deterministic.
func (sel *Selector) SelectIndex(items []*Item) int {
	switch len(items) {
	case 0:
		return -1
	case 1:
		return 0
	}
	return sel.draw(len(items), func(i int) float64 {
		return weightOf(items[i].Priority)
	})
}

// ShuffleBatch reorders items by repeatedly drawing from the shrinking
// remainder with the same priority weighting. This is weighted sampling
// without replacement, not a single-pass permutation.
func (sel *Selector) ShuffleBatch(items []Item) []Item {
	remaining := make([]Item, len(items))
	copy(remaining, items)

	out := make([]Item, 0, len(items))
	for len(remaining) > 0 {
		i := sel.draw(len(remaining), func(i int) float64 {
			return weightOf(remaining[i].Priority)
		})
		out = append(out, remaining[i])
		remaining = append(remaining[:i], remaining[i+1:]...)
	}
	return out
}

// draw picks an index in [0, n) proportionally to the given weights.
func (sel *Selector) draw(n int, weight func(int) float64) int {
	total := 0.0
	for i := 0; i < n; i++ {
		total += weight(i)
	}
	r := sel.rand.Float64() * total
	for i := 0; i < n; i++ {
		r -= weight(i)
		if r <= 0 {
			return i
		}
	}
	return n - 1
}

func weightOf(priority bool) float64 {
	if priority {
		return priorityWeight
	}
	return 1
}
