package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var progressRe = regexp.MustCompile(`\[download\]\s+(\d+(?:\.\d+)?)%`)

// YTDLP resolves, searches and fetches media by shelling out to yt-dlp and
// ffmpeg.
type YTDLP struct {
	// Extra arguments appended to every yt-dlp invocation.
	ExtraArgs []string
}

// NewYTDLP checks that the required external tools are present.
func NewYTDLP() (*YTDLP, error) {
	if _, err := exec.LookPath("yt-dlp"); err != nil {
		return nil, fmt.Errorf("media provider not available: %v", err)
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("media provider not available: %v", err)
	}
	return &YTDLP{}, nil
}

type mediaInfo struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Artist    string  `json:"artist"`
	Uploader  string  `json:"uploader"`
	Duration  float64 `json:"duration"`
	URL       string  `json:"webpage_url"`
	Thumbnail string  `json:"thumbnail"`
}

func (info mediaInfo) metadata() Metadata {
	artist := info.Artist
	if artist == "" {
		artist = info.Uploader
	}
	return Metadata{
		Title:    info.Title,
		Artist:   artist,
		Duration: time.Duration(info.Duration * float64(time.Second)),
	}
}

// Resolve implements the MetadataResolver interface.
func (yt *YTDLP) Resolve(ctx context.Context, locator string) (Metadata, error) {
	info, err := yt.readMediaInfo(ctx, locator)
	if err != nil {
		return Metadata{}, err
	}
	return info.metadata(), nil
}

// Search implements the Searcher interface. The top result of a provider
// search is adopted as the best match.
func (yt *YTDLP) Search(ctx context.Context, query string, expect Metadata) (SearchResult, error) {
	info, err := yt.readMediaInfo(ctx, "ytsearch1:"+query)
	if err != nil {
		return SearchResult{}, err
	}
	if info.URL == "" {
		return SearchResult{}, ErrNoResults
	}
	meta := info.metadata()
	return SearchResult{
		Locator: info.URL,
		Title:   meta.Title,
		Artist:  meta.Artist,
		Score:   matchScore(expect, meta),
	}, nil
}

// Fetch implements the ArtifactFetcher interface. The artifact is
// transcoded to mp3 at the hinted output path.
func (yt *YTDLP) Fetch(ctx context.Context, locator, outputHint string, onProgress func(percent int)) (FetchResult, error) {
	outTemplate := strings.TrimSuffix(outputHint, filepath.Ext(outputHint))
	args := append([]string{
		locator,
		"--extract-audio",
		"--audio-format", "mp3",
		"--write-thumbnail",
		"--convert-thumbnails", "jpg",
		"--newline",
		"--output", outTemplate + ".%(ext)s",
	}, yt.ExtraArgs...)
	cmd := exec.CommandContext(ctx, "yt-dlp", args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return FetchResult{}, FetchError{Err: err}
	}
	if err := cmd.Start(); err != nil {
		return FetchResult{}, FetchError{Err: err}
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		m := progressRe.FindStringSubmatch(scanner.Text())
		if m == nil || onProgress == nil {
			continue
		}
		if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
			onProgress(int(pct))
		}
	}

	if err := cmd.Wait(); err != nil {
		return FetchResult{}, classifyFetchError(err, stderr.String())
	}
	return FetchResult{
		LocalPath:     outTemplate + ".mp3",
		ThumbnailPath: outTemplate + ".jpg",
	}, nil
}

func (yt *YTDLP) readMediaInfo(ctx context.Context, locator string) (mediaInfo, error) {
	args := append([]string{locator, "--dump-json", "--no-playlist"}, yt.ExtraArgs...)
	cmd := exec.CommandContext(ctx, "yt-dlp", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	infoJSON, err := cmd.Output()
	if err != nil {
		return mediaInfo{}, classifyFetchError(err, stderr.String())
	}
	if len(bytes.TrimSpace(infoJSON)) == 0 {
		return mediaInfo{}, ErrNoResults
	}
	var info mediaInfo
	if err := json.Unmarshal(infoJSON, &info); err != nil {
		return mediaInfo{}, fmt.Errorf("malformed media info: %w", err)
	}
	return info, nil
}

func classifyFetchError(err error, stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate-limit") || strings.Contains(lower, "too many requests"):
		return FetchError{RateLimited: true, Err: err}
	case strings.Contains(lower, "no video results") || strings.Contains(lower, "no results"):
		return ErrNoResults
	case strings.Contains(lower, "not available") || strings.Contains(lower, "404"):
		return ErrNotFound
	}
	log.WithField("stderr", strings.TrimSpace(stderr)).Debugf("Unclassified yt-dlp failure")
	return FetchError{Err: err}
}

// matchScore compares a candidate against the expected metadata. Candidates
// score higher when the title and artist appear verbatim and the duration
// is within a few seconds.
func matchScore(expect, got Metadata) float64 {
	score := 0.0
	if expect.Title != "" && strings.Contains(strings.ToLower(got.Title), strings.ToLower(expect.Title)) {
		score += 0.4
	}
	if expect.Artist != "" && strings.Contains(strings.ToLower(got.Artist+got.Title), strings.ToLower(expect.Artist)) {
		score += 0.4
	}
	if expect.Duration > 0 && got.Duration > 0 {
		diff := expect.Duration - got.Duration
		if diff < 0 {
			diff = -diff
		}
		if diff <= 5*time.Second {
			score += 0.2
		}
	}
	return score
}
