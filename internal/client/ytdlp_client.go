package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	ytdlpFormat       = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
	ytdlpProgressTag  = "progress"
	ytdlpOutputPrefix = "source"
)

// VideoInfo is the metadata probed before any transfer starts
type VideoInfo struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	DurationSeconds float64 `json:"duration"`
	Uploader        string  `json:"uploader"`
}

// ByteProgressFunc receives the transfer's native byte counters. total is 0
// when the tool does not know it yet.
type ByteProgressFunc func(downloaded, total int64)

// Downloader defines the acquisition engine contract
type Downloader interface {
	Probe(ctx context.Context, ref string) (*VideoInfo, error)
	Fetch(ctx context.Context, ref, destDir string, onBytes ByteProgressFunc) (string, error)
}

// YtDlpClient implements Downloader by shelling out to yt-dlp
type YtDlpClient struct {
	path string
}

// NewYtDlpClient creates a new acquisition client
func NewYtDlpClient(path string) *YtDlpClient {
	if path == "" {
		path = "yt-dlp"
	}
	return &YtDlpClient{path: path}
}

// Probe retrieves metadata for a reference without downloading
func (c *YtDlpClient) Probe(ctx context.Context, ref string) (*VideoInfo, error) {
	args := []string{
		"--dump-json",
		"--no-download",
		"--no-playlist",
		"--no-warnings",
		ref,
	}

	stderr := newTailBuffer(16 * 1024)
	cmd := exec.CommandContext(ctx, c.path, args...)
	cmd.Stderr = stderr

	output, err := cmd.Output()
	if err != nil {
		return nil, c.toolError(err, stderr.String())
	}

	var info VideoInfo
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, &ToolError{Tool: "yt-dlp", Err: fmt.Errorf("failed to parse metadata: %w", err)}
	}
	return &info, nil
}

// Fetch downloads the media into destDir and returns the final file path.
func (c *YtDlpClient) Fetch(ctx context.Context, ref, destDir string, onBytes ByteProgressFunc) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}

	template := ytdlpProgressTag + " %(progress.downloaded_bytes)s %(progress.total_bytes)s %(progress.total_bytes_estimate)s"
	args := []string{
		"-f", ytdlpFormat,
		"--merge-output-format", "mp4",
		"--no-playlist",
		"--newline",
		"--progress",
		"--progress-template", "download:" + template,
		"--print", "after_move:filepath",
		"--no-simulate",
		"--no-warnings",
		"-o", filepath.Join(destDir, ytdlpOutputPrefix+".%(ext)s"),
		ref,
	}

	stderr := newTailBuffer(32 * 1024)
	cmd := exec.CommandContext(ctx, c.path, args...)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", &ToolError{Tool: "yt-dlp", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return "", c.toolError(err, "")
	}

	var outputPath string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if done, total, ok := parseByteProgress(line); ok {
			if onBytes != nil {
				onBytes(done, total)
			}
			continue
		}
		if filepath.IsAbs(line) || strings.HasPrefix(line, destDir) {
			outputPath = line
		}
	}

	if err := cmd.Wait(); err != nil {
		return "", c.toolError(err, stderr.String())
	}

	if outputPath == "" {
		matches, _ := filepath.Glob(filepath.Join(destDir, ytdlpOutputPrefix+".*"))
		if len(matches) > 0 {
			outputPath = matches[0]
		}
	}
	if outputPath == "" {
		return "", &ToolError{Tool: "yt-dlp", Err: ErrOutputMissing}
	}
	if _, err := os.Stat(outputPath); err != nil {
		return "", &ToolError{Tool: "yt-dlp", Err: ErrOutputMissing}
	}
	return outputPath, nil
}

// parseByteProgress reads one line produced by the progress template.
// Unknown counters are reported by yt-dlp as "NA".
func parseByteProgress(line string) (int64, int64, bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != ytdlpProgressTag {
		return 0, 0, false
	}
	done, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, false
	}
	total, err := strconv.ParseFloat(fields[2], 64)
	if err != nil || total <= 0 {
		total, _ = strconv.ParseFloat(fields[3], 64)
	}
	if total < 0 {
		total = 0
	}
	return int64(done), int64(total), true
}

func (c *YtDlpClient) toolError(err error, stderr string) error {
	wrapped := toolError("yt-dlp", err, stderr)
	var te *ToolError
	if errors.As(wrapped, &te) && te.Err == nil {
		te.Err = categorizeDownloadError(stderr)
	}
	return wrapped
}

func categorizeDownloadError(stderr string) error {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "private video"):
		return ErrVideoPrivate
	case strings.Contains(s, "video unavailable"), strings.Contains(s, "has been removed"),
		strings.Contains(s, "not available in your country"):
		return ErrVideoUnavailable
	case strings.Contains(s, "unable to download"), strings.Contains(s, "connection"),
		strings.Contains(s, "timed out"):
		return ErrNetwork
	}
	return nil
}
