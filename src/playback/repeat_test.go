package playback

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tonearm/src/queue"
)

func TestShouldRestartOncePerCycle(t *testing.T) {
	rp := NewRepeatPolicy()
	cur := &CurrentItem{Item: queue.Item{ID: "a", Title: "Song"}}

	assert.False(t, rp.ShouldRestart(RepeatOff, cur, true))
	assert.False(t, rp.ShouldRestart(RepeatAll, cur, true))
	assert.False(t, rp.ShouldRestart(RepeatOne, nil, true))
	assert.False(t, rp.ShouldRestart(RepeatOne, cur, false))

	assert.True(t, rp.ShouldRestart(RepeatOne, cur, true))
	rp.MarkRestarted(cur)
	assert.False(t, rp.ShouldRestart(RepeatOne, cur, true))

	rp.ResetCycle()
	assert.True(t, rp.ShouldRestart(RepeatOne, cur, true))
}

func TestTrackForRepeatAllNormalizes(t *testing.T) {
	rp := NewRepeatPolicy()
	played := queue.Item{
		ID:              "a",
		Locator:         "/music/song.mp3",
		OriginalLocator: "https://example.com/watch?v=1",
		Kind:            queue.KindFile,
		Title:           "Song",
		Artist:          "Artist",
		State:           queue.StateReady,
		Progress:        100,
		Prefetched:      true,
		Priority:        true,
	}

	rp.TrackForRepeatAll(played, false)
	assert.Equal(t, 0, rp.BatchLen())

	rp.TrackForRepeatAll(played, true)
	require.Equal(t, 1, rp.BatchLen())

	batch := rp.DrainBatch(false, nil)
	require.Len(t, batch, 1)
	snap := batch[0]

	// The snapshot re-downloads from the source instead of depending on
	// the local artifact.
	assert.Equal(t, "https://example.com/watch?v=1", snap.Locator)
	assert.Equal(t, queue.KindURL, snap.Kind)
	assert.Equal(t, queue.StatePending, snap.State)
	assert.Empty(t, snap.ID)
	assert.Zero(t, snap.Progress)
	assert.False(t, snap.Prefetched)
	assert.True(t, snap.Priority)

	assert.Equal(t, 0, rp.BatchLen())
}

func TestDrainBatchShufflePreservesContents(t *testing.T) {
	rp := NewRepeatPolicy()
	locators := []string{"u1", "u2", "u3", "u4", "u5"}
	for _, l := range locators {
		rp.TrackForRepeatAll(queue.Item{Locator: l, Kind: queue.KindURL}, true)
	}

	batch := rp.DrainBatch(true, queue.NewSelector())
	require.Len(t, batch, len(locators))

	got := make([]string, len(batch))
	for i, it := range batch {
		got[i] = it.Locator
	}
	sort.Strings(got)
	assert.Equal(t, locators, got)
}
