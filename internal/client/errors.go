package client

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrToolNotFound indicates an external binary is not installed
	ErrToolNotFound = errors.New("tool not found in PATH")

	// ErrVideoUnavailable indicates the remote media is gone or blocked
	ErrVideoUnavailable = errors.New("video unavailable")

	// ErrVideoPrivate indicates the remote media is private
	ErrVideoPrivate = errors.New("video is private")

	// ErrNetwork indicates a network-related failure in an external tool
	ErrNetwork = errors.New("network error")

	// ErrOutputMissing indicates the tool exited cleanly but wrote nothing
	ErrOutputMissing = errors.New("output file not found")
)

// ToolError is returned when an external process or service fails. Stderr
// carries the tool's diagnostic output verbatim.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	b.WriteString(e.Tool)
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, " exited with status %d", e.ExitCode)
	} else {
		b.WriteString(" failed")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString(": ")
		b.WriteString(s)
	}
	return b.String()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// tailBuffer keeps the last max bytes written to it. It is used as a
// process's stderr so diagnostics survive without unbounded growth.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
