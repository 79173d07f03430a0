package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Loudness normalization target in LUFS.
const loudnessTarget = -14.0

// FFmpegLoudness measures the integrated loudness of an audio file with
// ffmpeg's loudnorm filter and derives the gain needed to reach the target.
type FFmpegLoudness struct{}

// Analyze implements the LoudnessAnalyzer interface. The returned gain is
// in dB, negative for tracks louder than the target.
func (FFmpegLoudness) Analyze(ctx context.Context, localPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-nostats",
		"-i", localPath,
		"-af", "loudnorm=print_format=json",
		"-f", "null", "-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("loudness analysis failed: %w", err)
	}

	integrated, err := parseLoudnorm(stderr.String())
	if err != nil {
		return 0, err
	}
	return loudnessTarget - integrated, nil
}

// parseLoudnorm extracts the integrated loudness from the JSON block the
// loudnorm filter prints at the end of ffmpeg's stderr.
func parseLoudnorm(stderr string) (float64, error) {
	start := strings.LastIndex(stderr, "{")
	end := strings.LastIndex(stderr, "}")
	if start == -1 || end == -1 || end < start {
		return 0, fmt.Errorf("no loudnorm output found")
	}

	var body struct {
		InputI string `json:"input_i"`
	}
	if err := json.Unmarshal([]byte(stderr[start:end+1]), &body); err != nil {
		return 0, fmt.Errorf("malformed loudnorm output: %w", err)
	}
	integrated, err := strconv.ParseFloat(body.InputI, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed integrated loudness %q: %w", body.InputI, err)
	}
	return integrated, nil
}
