package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
)

// MediaInfo is the subset of ffprobe output the pipeline needs
type MediaInfo struct {
	DurationSeconds float64
	HasVideo        bool
	HasAudio        bool
}

// OutTimeFunc receives the transcoder's elapsed output time in seconds.
type OutTimeFunc func(seconds float64)

// Transcoder defines the transcoding tool contract
type Transcoder interface {
	Probe(ctx context.Context, path string) (*MediaInfo, error)
	Run(ctx context.Context, args []string, onOutTime OutTimeFunc) error
}

// FFmpegClient implements Transcoder with ffmpeg and ffprobe subprocesses
type FFmpegClient struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegClient creates a new transcoding client
func NewFFmpegClient(ffmpegPath, ffprobePath string) *FFmpegClient {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegClient{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe inspects a media file
func (c *FFmpegClient) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	args := []string{"-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", path}

	stderr := newTailBuffer(16 * 1024)
	cmd := exec.CommandContext(ctx, c.ffprobePath, args...)
	cmd.Stderr = stderr

	output, err := cmd.Output()
	if err != nil {
		return nil, toolError("ffprobe", err, stderr.String())
	}

	var parsed probeOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return nil, &ToolError{Tool: "ffprobe", Err: fmt.Errorf("failed to parse output: %w", err)}
	}

	info := &MediaInfo{}
	info.DurationSeconds, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			info.HasVideo = true
		case "audio":
			info.HasAudio = true
		}
		if info.DurationSeconds <= 0 {
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > info.DurationSeconds {
				info.DurationSeconds = d
			}
		}
	}
	return info, nil
}

// Run executes ffmpeg with a machine-readable progress stream on stdout.
// A non-zero exit is returned as a *ToolError carrying stderr.
func (c *FFmpegClient) Run(ctx context.Context, args []string, onOutTime OutTimeFunc) error {
	full := append([]string{"-hide_banner", "-nostdin", "-progress", "pipe:1", "-nostats"}, args...)

	stderr := newTailBuffer(64 * 1024)
	cmd := exec.CommandContext(ctx, c.ffmpegPath, full...)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ToolError{Tool: "ffmpeg", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return toolError("ffmpeg", err, "")
	}

	malformed := 0
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		seconds, ok, bad := parseProgressLine(scanner.Text())
		if bad {
			malformed++
			continue
		}
		if ok && onOutTime != nil {
			onOutTime(seconds)
		}
	}
	if malformed > 0 {
		log.Printf("ffmpeg: ignored %d malformed progress lines", malformed)
	}

	if err := cmd.Wait(); err != nil {
		return toolError("ffmpeg", err, stderr.String())
	}
	return nil
}

// parseProgressLine reads one key=value line of ffmpeg's -progress output.
// ok is set for out_time markers; bad for lines that cannot be parsed at all
// or time markers with garbage values. Other keys are ignored.
func parseProgressLine(line string) (seconds float64, ok bool, bad bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, false, false
	}
	key, value, found := strings.Cut(line, "=")
	if !found {
		return 0, false, true
	}
	value = strings.TrimSpace(value)

	switch strings.TrimSpace(key) {
	case "out_time_us", "out_time_ms":
		// Both keys are in microseconds
		if value == "N/A" {
			return 0, false, false
		}
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false, true
		}
		if us < 0 {
			return 0, false, false
		}
		return float64(us) / 1e6, true, false
	case "out_time":
		if value == "N/A" {
			return 0, false, false
		}
		s, err := parseClock(value)
		if err != nil {
			return 0, false, true
		}
		if s < 0 {
			return 0, false, false
		}
		return s, true, false
	}
	return 0, false, false
}

// parseClock parses HH:MM:SS.ffffff
func parseClock(v string) (float64, error) {
	neg := strings.HasPrefix(v, "-")
	v = strings.TrimPrefix(v, "-")
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid clock %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	s, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	total := float64(h*3600+m*60) + s
	if neg {
		total = -total
	}
	return total, nil
}

func toolError(tool string, err error, stderr string) error {
	if errors.Is(err, exec.ErrNotFound) {
		return &ToolError{Tool: tool, Err: ErrToolNotFound}
	}
	te := &ToolError{Tool: tool, Stderr: stderr}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
	} else {
		te.Err = err
	}
	return te
}
