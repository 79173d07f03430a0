package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tonearm/src/playback"
	"tonearm/src/queue"
)

func testStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "tonearm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestQueueItemRoundTrip(t *testing.T) {
	s := testStore(t)

	item := &queue.Item{
		Locator:       "https://example.com/watch?v=1",
		Kind:          queue.KindURL,
		Title:         "Song",
		Artist:        "Artist",
		Duration:      3*time.Minute + 14*time.Second,
		RequesterName: "alice",
		RequesterID:   "u1",
		GroupID:       "g1",
		Priority:      true,
		State:         queue.StatePending,
	}
	require.NoError(t, s.UpsertItem(item, 0))
	assert.NotEmpty(t, item.ID, "first write assigns an identity")

	// A second write keeps the identity and updates in place.
	id := item.ID
	item.State = queue.StateReady
	item.Locator = "/music/Song.mp3"
	item.OriginalLocator = "https://example.com/watch?v=1"
	item.Kind = queue.KindFile
	item.Progress = 100
	item.Prefetched = true
	require.NoError(t, s.UpsertItem(item, 0))
	assert.Equal(t, id, item.ID)

	items, err := s.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 1)

	got := items[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "/music/Song.mp3", got.Locator)
	assert.Equal(t, "https://example.com/watch?v=1", got.OriginalLocator)
	assert.Equal(t, queue.KindFile, got.Kind)
	assert.Equal(t, queue.StateReady, got.State)
	assert.Equal(t, 3*time.Minute+14*time.Second, got.Duration)
	assert.True(t, got.Priority)
	assert.True(t, got.Prefetched)
	assert.Equal(t, "alice", got.RequesterName)
}

func TestSaveOrderControlsListing(t *testing.T) {
	s := testStore(t)

	var ids []string
	for _, title := range []string{"A", "B", "C"} {
		item := &queue.Item{Locator: "https://example.com/" + title, Kind: queue.KindURL, Title: title, State: queue.StatePending}
		require.NoError(t, s.UpsertItem(item, len(ids)))
		ids = append(ids, item.ID)
	}

	require.NoError(t, s.SaveOrder([]string{ids[2], ids[0], ids[1]}))

	items, err := s.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "C", items[0].Title)
	assert.Equal(t, "A", items[1].Title)
	assert.Equal(t, "B", items[2].Title)
}

func TestRemoveItem(t *testing.T) {
	s := testStore(t)

	item := &queue.Item{Locator: "https://example.com/x", Kind: queue.KindURL, State: queue.StatePending}
	require.NoError(t, s.UpsertItem(item, 0))
	require.NoError(t, s.RemoveItem(item.ID))

	items, err := s.ListItems()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPlaybackStateRoundTrip(t *testing.T) {
	s := testStore(t)

	st, err := s.LoadState()
	require.NoError(t, err)
	assert.Nil(t, st, "no state before the first save")

	saved := playback.State{
		Playing:     true,
		SongsPlayed: 42,
		Current: &playback.CurrentItem{
			Item:      queue.Item{Title: "Song", Locator: "/music/Song.mp3", Kind: queue.KindFile},
			StartTime: time.Now().Add(-time.Minute).Truncate(time.Second),
		},
	}
	require.NoError(t, s.SaveState(saved))

	// The singleton row is overwritten, not appended to.
	saved.SongsPlayed = 43
	require.NoError(t, s.SaveState(saved))

	st, err = s.LoadState()
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 43, st.SongsPlayed)
	require.NotNil(t, st.Current)
	assert.Equal(t, "Song", st.Current.Title)
	assert.True(t, saved.Current.StartTime.Equal(st.Current.StartTime))
}

func TestHistoryNewestFirst(t *testing.T) {
	s := testStore(t)

	base := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	for i, title := range []string{"first", "second", "third"} {
		require.NoError(t, s.AppendHistory(playback.HistoryEntry{
			Title:         title,
			Locator:       "https://example.com/" + title,
			RequesterName: "alice",
			PlayedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err := s.ListHistory(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "third", entries[0].Title)
	assert.Equal(t, "second", entries[1].Title)
	assert.True(t, entries[0].PlayedAt.Equal(base.Add(2*time.Minute)))
}

func TestSongEnrichmentMerges(t *testing.T) {
	s := testStore(t)

	song, err := s.Song("https://example.com/watch?v=1")
	require.NoError(t, err)
	assert.Nil(t, song)

	require.NoError(t, s.SaveLyrics("https://example.com/watch?v=1", "la la la"))
	require.NoError(t, s.SaveLoudness("https://example.com/watch?v=1", -7.25))

	song, err = s.Song("https://example.com/watch?v=1")
	require.NoError(t, err)
	require.NotNil(t, song)
	assert.Equal(t, "la la la", song.Lyrics)
	require.NotNil(t, song.GainDB)
	assert.Equal(t, -7.25, *song.GainDB)
}
