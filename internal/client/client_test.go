package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stemsplit/api/internal/config"
)

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		line    string
		seconds float64
		ok      bool
		bad     bool
	}{
		{"out_time_us=1500000", 1.5, true, false},
		{"out_time_ms=2000000", 2.0, true, false},
		{"out_time=00:01:02.500000", 62.5, true, false},
		{"out_time_us=N/A", 0, false, false},
		{"out_time=N/A", 0, false, false},
		{"frame=120", 0, false, false},
		{"progress=continue", 0, false, false},
		{"", 0, false, false},
		{"garbage without separator", 0, false, true},
		{"out_time_us=abc", 0, false, true},
		{"out_time=1:2", 0, false, true},
		{"out_time_us=-5000", 0, false, false},
	}

	for _, tt := range tests {
		seconds, ok, bad := parseProgressLine(tt.line)
		if ok != tt.ok || bad != tt.bad {
			t.Errorf("parseProgressLine(%q) ok=%v bad=%v, want ok=%v bad=%v", tt.line, ok, bad, tt.ok, tt.bad)
			continue
		}
		if ok && math.Abs(seconds-tt.seconds) > 1e-9 {
			t.Errorf("parseProgressLine(%q) = %v, want %v", tt.line, seconds, tt.seconds)
		}
	}
}

func TestParseByteProgress(t *testing.T) {
	tests := []struct {
		line  string
		done  int64
		total int64
		ok    bool
	}{
		{"progress 1024 4096 NA", 1024, 4096, true},
		{"progress 1024 NA 8192.5", 1024, 8192, true},
		{"progress 10 NA NA", 10, 0, true},
		{"progress NA NA NA", 0, 0, false},
		{"/data/uploads/job/source.mp4", 0, 0, false},
		{"[download] 50%", 0, 0, false},
	}

	for _, tt := range tests {
		done, total, ok := parseByteProgress(tt.line)
		if ok != tt.ok || done != tt.done || total != tt.total {
			t.Errorf("parseByteProgress(%q) = %d, %d, %v; want %d, %d, %v",
				tt.line, done, total, ok, tt.done, tt.total, tt.ok)
		}
	}
}

func TestCategorizeDownloadError(t *testing.T) {
	if err := categorizeDownloadError("ERROR: [youtube] abc: Private video. Sign in"); !errors.Is(err, ErrVideoPrivate) {
		t.Errorf("expected ErrVideoPrivate, got %v", err)
	}
	if err := categorizeDownloadError("ERROR: Video unavailable"); !errors.Is(err, ErrVideoUnavailable) {
		t.Errorf("expected ErrVideoUnavailable, got %v", err)
	}
	if err := categorizeDownloadError("something odd"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestToolError_Message(t *testing.T) {
	err := &ToolError{Tool: "ffmpeg", ExitCode: 1, Stderr: "Invalid data found when processing input\n"}
	got := err.Error()
	if !strings.Contains(got, "status 1") || !strings.Contains(got, "Invalid data found") {
		t.Errorf("unexpected message %q", got)
	}

	wrapped := &ToolError{Tool: "yt-dlp", Err: ErrVideoPrivate}
	if !errors.Is(wrapped, ErrVideoPrivate) {
		t.Error("expected ToolError to unwrap to its cause")
	}
}

func TestTailBuffer_KeepsEnd(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte("ab"))
	if got := b.String(); got != "456789ab" {
		t.Errorf("expected tail 456789ab, got %q", got)
	}
}

func TestSeparatorClient_Separate(t *testing.T) {
	var received SeparateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/separate" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		_ = json.NewEncoder(w).Encode(SeparateResponse{
			Stems:      map[string]string{"drums": "/out/drums.wav", "vocals": "/out/vocals.wav"},
			Device:     "cpu",
			SampleRate: 44100,
		})
	}))
	defer srv.Close()

	c := NewSeparatorClient(&config.SeparatorConfig{ServiceURL: srv.URL + "/", Timeout: 5, Model: "htdemucs", Device: "cpu"})
	resp, err := c.Separate(context.Background(), &SeparateRequest{InputPath: "/in/source.wav", OutputDir: "/out", SampleRate: 44100})
	if err != nil {
		t.Fatalf("Separate: %v", err)
	}
	if received.Model != "htdemucs" || received.Device != "cpu" {
		t.Errorf("defaults not applied: %+v", received)
	}
	if resp.Stems["drums"] != "/out/drums.wav" {
		t.Errorf("unexpected stems %v", resp.Stems)
	}
}

func TestSeparatorClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "CUDA out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewSeparatorClient(&config.SeparatorConfig{ServiceURL: srv.URL, Timeout: 5})
	_, err := c.Separate(context.Background(), &SeparateRequest{})
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("expected *ToolError, got %T %v", err, err)
	}
	if !strings.Contains(te.Stderr, "CUDA out of memory") {
		t.Errorf("diagnostic not preserved: %q", te.Stderr)
	}
}

func TestArtifactKey(t *testing.T) {
	if got := ArtifactKey("abc", "/data/results/abc/output.mp4"); got != "jobs/abc/output.mp4" {
		t.Errorf("unexpected key %s", got)
	}
}
