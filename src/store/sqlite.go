package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"tonearm/src/playback"
	"tonearm/src/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id               TEXT PRIMARY KEY,
	song_id          TEXT NOT NULL DEFAULT '',
	locator          TEXT NOT NULL,
	original_locator TEXT NOT NULL DEFAULT '',
	kind             TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	artist           TEXT NOT NULL DEFAULT '',
	duration_ms      INTEGER NOT NULL DEFAULT 0,
	requester_name   TEXT NOT NULL DEFAULT '',
	requester_id     TEXT NOT NULL DEFAULT '',
	group_id         TEXT NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL DEFAULT 0,
	state            TEXT NOT NULL,
	progress         INTEGER NOT NULL DEFAULT 0,
	thumbnail        TEXT NOT NULL DEFAULT '',
	prefetched       INTEGER NOT NULL DEFAULT 0,
	position         INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_queue_items_position ON queue_items (position);

CREATE TABLE IF NOT EXISTS songs (
	locator    TEXT PRIMARY KEY,
	lyrics     TEXT,
	gain_db    REAL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS playback_state (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS play_history (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	title          TEXT NOT NULL DEFAULT '',
	artist         TEXT NOT NULL DEFAULT '',
	locator        TEXT NOT NULL DEFAULT '',
	requester_name TEXT NOT NULL DEFAULT '',
	requester_id   TEXT NOT NULL DEFAULT '',
	played_at      TIMESTAMP NOT NULL
);
`

// Store is the SQLite-backed persistence layer. It serves the queue, the
// playback state, the play history and per-song enrichment data.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// SQLite serializes writes, more connections only add lock contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertItem implements queue.Persister. Items without an identity get one
// assigned here, on their first write.
func (s *Store) UpsertItem(item *queue.Item, position int) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO queue_items (
			id, song_id, locator, original_locator, kind, title, artist,
			duration_ms, requester_name, requester_id, group_id, priority,
			state, progress, thumbnail, prefetched, position
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			song_id = excluded.song_id,
			locator = excluded.locator,
			original_locator = excluded.original_locator,
			kind = excluded.kind,
			title = excluded.title,
			artist = excluded.artist,
			duration_ms = excluded.duration_ms,
			requester_name = excluded.requester_name,
			requester_id = excluded.requester_id,
			group_id = excluded.group_id,
			priority = excluded.priority,
			state = excluded.state,
			progress = excluded.progress,
			thumbnail = excluded.thumbnail,
			prefetched = excluded.prefetched,
			position = excluded.position`,
		item.ID, item.SongID, item.Locator, item.OriginalLocator,
		string(item.Kind), item.Title, item.Artist,
		item.Duration.Milliseconds(), item.RequesterName, item.RequesterID,
		item.GroupID, item.Priority, string(item.State), item.Progress,
		item.Thumbnail, item.Prefetched, position)
	return err
}

// RemoveItem implements queue.Persister.
func (s *Store) RemoveItem(id string) error {
	_, err := s.db.Exec(`DELETE FROM queue_items WHERE id = ?`, id)
	return err
}

// SaveOrder implements queue.Persister. Positions are written in a single
// transaction so a crash cannot leave a half-updated order.
func (s *Store) SaveOrder(ids []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE queue_items SET position = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for pos, id := range ids {
		if id == "" {
			continue
		}
		if _, err := stmt.Exec(pos, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListItems implements queue.Persister.
func (s *Store) ListItems() ([]*queue.Item, error) {
	rows, err := s.db.Query(`
		SELECT id, song_id, locator, original_locator, kind, title, artist,
			duration_ms, requester_name, requester_id, group_id, priority,
			state, progress, thumbnail, prefetched
		FROM queue_items ORDER BY position, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*queue.Item
	for rows.Next() {
		var it queue.Item
		var kind, state string
		var durationMS int64
		err := rows.Scan(&it.ID, &it.SongID, &it.Locator, &it.OriginalLocator,
			&kind, &it.Title, &it.Artist, &durationMS, &it.RequesterName,
			&it.RequesterID, &it.GroupID, &it.Priority, &state, &it.Progress,
			&it.Thumbnail, &it.Prefetched)
		if err != nil {
			return nil, err
		}
		it.Kind = queue.LocatorKind(kind)
		it.State = queue.DownloadState(state)
		it.Duration = time.Duration(durationMS) * time.Millisecond
		items = append(items, &it)
	}
	return items, rows.Err()
}

// SaveState implements playback.Store. The state is stored as a single JSON
// document, it is read back in full or not at all.
func (s *Store) SaveState(state playback.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO playback_state (id, data) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`, string(data))
	return err
}

// LoadState implements playback.Store. Returns nil when no state has been
// saved yet.
func (s *Store) LoadState() (*playback.State, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM playback_state WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var state playback.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("could not decode playback state: %w", err)
	}
	return &state, nil
}

// AppendHistory implements playback.Store.
func (s *Store) AppendHistory(entry playback.HistoryEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO play_history (title, artist, locator, requester_name, requester_id, played_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Title, entry.Artist, entry.Locator,
		entry.RequesterName, entry.RequesterID, entry.PlayedAt.UTC())
	return err
}

// ListHistory returns the most recently played songs, newest first.
func (s *Store) ListHistory(limit int) ([]playback.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT title, artist, locator, requester_name, requester_id, played_at
		FROM play_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []playback.HistoryEntry
	for rows.Next() {
		var e playback.HistoryEntry
		if err := rows.Scan(&e.Title, &e.Artist, &e.Locator, &e.RequesterName, &e.RequesterID, &e.PlayedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveLyrics implements pipeline.SongStore.
func (s *Store) SaveLyrics(sourceLocator, lyrics string) error {
	_, err := s.db.Exec(`
		INSERT INTO songs (locator, lyrics, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (locator) DO UPDATE SET
			lyrics = excluded.lyrics,
			updated_at = excluded.updated_at`, sourceLocator, lyrics)
	return err
}

// SaveLoudness implements pipeline.SongStore.
func (s *Store) SaveLoudness(sourceLocator string, gainDB float64) error {
	_, err := s.db.Exec(`
		INSERT INTO songs (locator, gain_db, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (locator) DO UPDATE SET
			gain_db = excluded.gain_db,
			updated_at = excluded.updated_at`, sourceLocator, gainDB)
	return err
}

// Song is the enrichment data stored for a source locator.
type Song struct {
	Locator string   `json:"locator"`
	Lyrics  string   `json:"lyrics,omitempty"`
	GainDB  *float64 `json:"gainDb,omitempty"`
}

// Song returns the enrichment row for a source locator, or nil when none
// exists.
func (s *Store) Song(sourceLocator string) (*Song, error) {
	var song Song
	var lyrics sql.NullString
	var gain sql.NullFloat64
	err := s.db.QueryRow(`SELECT locator, lyrics, gain_db FROM songs WHERE locator = ?`, sourceLocator).
		Scan(&song.Locator, &lyrics, &gain)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	song.Lyrics = lyrics.String
	if gain.Valid {
		song.GainDB = &gain.Float64
	}
	return &song, nil
}
