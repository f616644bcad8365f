// Package logcapture implements LogCapture: when a code token has log
// egress enabled, a worker's stdout/stderr are redirected to a
// per-invocation file that is read to completion once the invocation
// reaches a terminal state; otherwise both streams go to /dev/null
// and reads report NotFound.
package logcapture

import (
	"fmt"
	"os"
)

// ErrNotFound is returned by Sink.Read when log egress was not
// enabled for the invocation's code token.
var ErrNotFound = os.ErrNotExist

// Sink names where a worker's combined stdout/stderr were (or were
// not) captured.
type Sink struct {
	// Path is empty when log egress is disabled.
	Path string
}

// Open returns the *os.File a worker's stdout/stderr should be
// dup'd over prior to execve, and the Sink the caller later reads
// from. When enabled is false both streams go to /dev/null and the
// returned Sink's Read always fails with ErrNotFound.
func Open(dir string, enabled bool) (*os.File, Sink, error) {
	if !enabled {
		f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, Sink{}, fmt.Errorf("logcapture: open devnull: %w", err)
		}
		return f, Sink{}, nil
	}

	f, err := os.CreateTemp(dir, "invocation-*.log")
	if err != nil {
		return nil, Sink{}, fmt.Errorf("logcapture: create log file: %w", err)
	}
	return f, Sink{Path: f.Name()}, nil
}

// Read reads the sink to completion. It must only be called once the
// worker that wrote to it has reached a terminal state (spec.md §4.7:
// "read to completion" on terminal transition) — calling it earlier
// risks a truncated read of output still being flushed.
func (s Sink) Read() ([]byte, error) {
	if s.Path == "" {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("logcapture: read %s: %w", s.Path, err)
	}
	return data, nil
}

// Remove deletes the sink's backing file, if any. Safe to call on a
// disabled (empty-path) Sink.
func (s Sink) Remove() error {
	if s.Path == "" {
		return nil
	}
	return os.Remove(s.Path)
}
