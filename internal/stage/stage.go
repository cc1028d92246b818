// Package stage holds the pipeline stage runners. Each runner wraps one
// external engine, reports progress through a ProgressSink and fails with
// an *Error whose Kind tells the orchestrator what went wrong.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Kind classifies stage failures
type Kind string

const (
	KindValidation   Kind = "validation_error"
	KindExternalTool Kind = "external_tool_error"
	KindTimeout      Kind = "timeout"
)

// Error is the only error type stage runners return.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation builds a KindValidation error.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Detail: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a stage error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

// toolFailure converts an engine error into a stage error. A deadline on ctx
// wins over whatever the engine reported after being killed.
func toolFailure(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Detail: "stage exceeded its time limit", Err: err}
	}
	return &Error{Kind: KindExternalTool, Detail: err.Error(), Err: err}
}

// ProgressSink receives progress reports from a running stage.
type ProgressSink interface {
	Report(percent int, label string)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(percent int, label string)

func (f SinkFunc) Report(percent int, label string) {
	f(percent, label)
}

// Discard drops all reports.
var Discard ProgressSink = SinkFunc(func(int, string) {})

type monotonicSink struct {
	mu   sync.Mutex
	next ProgressSink
	last int
}

// Monotonic wraps a sink so forwarded percentages stay within [0, 100] and
// never go down, whatever order callers report in.
func Monotonic(next ProgressSink) ProgressSink {
	return &monotonicSink{next: next}
}

func (m *monotonicSink) Report(percent int, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if percent > 100 {
		percent = 100
	}
	if percent < m.last {
		percent = m.last
	}
	if percent < 0 {
		percent = 0
	}
	m.last = percent
	m.next.Report(percent, label)
}

type bandSink struct {
	next   ProgressSink
	lo, hi int
}

// Band maps a stage's own 0-100 scale onto [lo, hi] of the parent sink.
func Band(next ProgressSink, lo, hi int) ProgressSink {
	return &bandSink{next: next, lo: lo, hi: hi}
}

func (b *bandSink) Report(percent int, label string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	b.next.Report(b.lo+(b.hi-b.lo)*percent/100, label)
}
