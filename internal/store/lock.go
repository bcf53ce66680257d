package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// DirLock guards a data directory against concurrent writers with a
// cross-process advisory lock via gofrs/flock. The loader takes it
// exclusively so two `quadfuse load` runs cannot interleave writes to
// the same stores; searches take it shared so they exclude loads but
// not each other. Works on Unix, macOS and Windows.
type DirLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewDirLock creates a lock for the given data directory. The lock
// file lives at <dir>/.quadfuse.lock.
func NewDirLock(dir string) *DirLock {
	lockPath := filepath.Join(dir, ".quadfuse.lock")
	return &DirLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// Lock acquires the exclusive lock, blocking until available.
func (l *DirLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("acquire data dir lock: %w", err)
	}
	l.locked = true
	return nil
}

// TryLock attempts the exclusive lock without blocking. Returns false
// when another process holds it.
func (l *DirLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire data dir lock: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// RLock acquires the shared lock, blocking until no writer holds the
// exclusive lock. Multiple readers hold it simultaneously.
func (l *DirLock) RLock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	if err := l.flock.RLock(); err != nil {
		return fmt.Errorf("acquire shared data dir lock: %w", err)
	}
	l.locked = true
	return nil
}

// TryRLock attempts the shared lock without blocking. Returns false
// when a writer holds the exclusive lock.
func (l *DirLock) TryRLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	acquired, err := l.flock.TryRLock()
	if err != nil {
		return false, fmt.Errorf("acquire shared data dir lock: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Unlock releases the lock. Safe to call repeatedly.
func (l *DirLock) Unlock() error {
	if !l.locked {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		l.locked = false
		return fmt.Errorf("release data dir lock: %w", err)
	}
	l.locked = false
	return nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string {
	return l.path
}

// IsLocked reports whether this process holds the lock.
func (l *DirLock) IsLocked() bool {
	return l.locked
}
