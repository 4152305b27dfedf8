// Package lock implements the exclusive per-book build lock. The lock is a
// plain file created with O_EXCL so concurrent acquirers race atomically at
// the filesystem; its presence on disk is what other processes read as
// "build in progress". The file body records the owning pid, hostname and
// acquisition time so an operator (or the staleness check) can tell a live
// build from a crashed one.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrAlreadyLocked is returned when the lock file already exists and is not
// stale. Callers treat this as lock contention, never as a build failure.
var ErrAlreadyLocked = errors.New("already locked")

// Info is the JSON body written into the lock file at acquisition.
type Info struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a held build lock. Release is safe to call more than once.
type Lock struct {
	path     string
	released bool
}

// Manager acquires and releases build locks. StaleAfter bounds how long a
// lock left behind by a dead process blocks new builds; zero disables
// staleness recovery entirely (a crashed worker then holds the identity
// until an operator removes the file).
type Manager struct {
	StaleAfter time.Duration
}

// Acquire creates the lock file at path, failing with ErrAlreadyLocked if
// another holder exists. A lock older than StaleAfter is broken and
// reacquired; exactly one of the racing breakers wins the reacquire.
func (m *Manager) Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lk, err := m.tryCreate(path)
	if err == nil {
		return lk, nil
	}
	if !errors.Is(err, ErrAlreadyLocked) {
		return nil, err
	}

	// Existing lock. Break it only when staleness recovery is enabled and
	// the recorded acquisition time is old enough.
	if m.StaleAfter <= 0 {
		return nil, ErrAlreadyLocked
	}
	info, ierr := Inspect(path)
	if ierr != nil || time.Since(info.AcquiredAt) < m.StaleAfter {
		return nil, ErrAlreadyLocked
	}
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, fmt.Errorf("break stale lock: %w", rmErr)
	}
	// One retry only; losing the reacquire race means another breaker won.
	return m.tryCreate(path)
}

func (m *Manager) tryCreate(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrAlreadyLocked
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	hostname, _ := os.Hostname()
	info := Info{PID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now().UTC()}
	enc := json.NewEncoder(f)
	if err := enc.Encode(info); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock info: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the on-disk lock artifact. Idempotent: releasing an
// already-released lock is a no-op, so it is safe on every failure path.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Held reports whether a lock file currently exists at path. This is the
// existence check the trigger and status layers use; they never acquire.
func Held(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Inspect reads the owner info from an existing lock file.
func Inspect(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("read lock file: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("parse lock file: %w", err)
	}
	return info, nil
}
