package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultLyricsBaseURL = "https://lrclib.net/api"

// LRCLib looks up lyrics in the LRCLIB catalogue.
type LRCLib struct {
	BaseURL string
	Client  *http.Client
}

func NewLRCLib() *LRCLib {
	return &LRCLib{
		BaseURL: defaultLyricsBaseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Lookup implements the LyricsProvider interface.
func (l *LRCLib) Lookup(ctx context.Context, title, artist string, duration time.Duration) (string, error) {
	query := url.Values{}
	query.Set("track_name", title)
	query.Set("artist_name", artist)
	if duration > 0 {
		query.Set("duration", strconv.Itoa(int(duration/time.Second)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.BaseURL+"/get?"+query.Encode(), nil)
	if err != nil {
		return "", err
	}
	res, err := l.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return "", ErrNotFound
	case res.StatusCode != http.StatusOK:
		return "", fmt.Errorf("lyrics lookup failed: %s", res.Status)
	}

	var body struct {
		PlainLyrics  string `json:"plainLyrics"`
		SyncedLyrics string `json:"syncedLyrics"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("malformed lyrics response: %w", err)
	}

	// Synced lyrics carry timing tags, prefer them when present.
	if body.SyncedLyrics != "" {
		return body.SyncedLyrics, nil
	}
	if body.PlainLyrics == "" {
		return "", ErrNotFound
	}
	return body.PlainLyrics, nil
}
