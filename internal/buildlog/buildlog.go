// Package buildlog owns the per-book build log: an append-only text file
// that every build step writes into and that status evaluation later reads
// back. Opening the log for a new build truncates the previous one; writes
// are flushed immediately so a concurrently tailed log shows live progress.
// The log ends with exactly one terminal marker, which is the durable
// record of the build's outcome.
package buildlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Terminal markers. Status derivation is a substring search over the whole
// log, tolerant of whatever diagnostic text surrounds them.
const (
	MarkerSuccess = "BUILD SUCCEEDED"
	MarkerFailure = "BUILD FAILED"
)

// Writer is the build log sink. It wraps the underlying *os.File so the
// container process can inherit the handle directly and stream into it.
type Writer struct {
	f *os.File
}

// Create opens the log at path for a new build, discarding any previous
// contents.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open build log: %w", err)
	}
	return &Writer{f: f}, nil
}

// Write appends raw bytes and flushes. Implements io.Writer so git progress
// and process output can be pointed straight at the log.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, err
	}
	return n, w.f.Sync()
}

// Printf appends a formatted line and flushes. Progress lines are best
// effort; the terminal markers go through Success and Failure, whose write
// errors must be checked.
func (w *Writer) Printf(format string, args ...any) {
	_ = w.printf(format, args...)
}

func (w *Writer) printf(format string, args ...any) error {
	if _, err := fmt.Fprintf(w.f, format+"\n", args...); err != nil {
		return err
	}
	return w.f.Sync()
}

// Command echoes an external command invocation before its output, the way
// an interactive shell transcript would read.
func (w *Writer) Command(name string, args ...string) {
	w.Printf("$ %s %s", name, strings.Join(args, " "))
}

// Success appends the success terminal marker. A write failure here leaves
// the log without a terminal marker, so callers must not report success
// until it returns nil.
func (w *Writer) Success() error { return w.printf(MarkerSuccess) }

// Failure appends the failure terminal marker with a diagnostic.
func (w *Writer) Failure(reason string) error {
	return w.printf("%s: %s", MarkerFailure, reason)
}

// File exposes the underlying handle for processes that write directly.
func (w *Writer) File() *os.File { return w.f }

// Close flushes and closes the log.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

var _ io.Writer = (*Writer)(nil)

// Snapshot is one read of the log file: its full text and modification time.
type Snapshot struct {
	Text    string
	ModTime time.Time
	Exists  bool
}

// Read takes a point-in-time snapshot of the log at path. A missing log is
// not an error; partial logs (build still running or process killed) are
// expected and returned as-is.
func Read(path string) (Snapshot, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("stat build log: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read build log: %w", err)
	}
	return Snapshot{Text: string(data), ModTime: fi.ModTime(), Exists: true}, nil
}

// Outcome is the tagged result of scanning a log once for its terminal
// marker.
type Outcome int

const (
	OutcomeNone Outcome = iota // no terminal marker: build running or died
	OutcomeSuccess
	OutcomeFailure
)

// Scan classifies log text by terminal marker. The failure marker wins if
// both somehow appear; a well-formed log contains exactly one.
func Scan(text string) Outcome {
	switch {
	case strings.Contains(text, MarkerFailure):
		return OutcomeFailure
	case strings.Contains(text, MarkerSuccess):
		return OutcomeSuccess
	default:
		return OutcomeNone
	}
}
