package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

// LockFileName is created inside the data directory.
const LockFileName = ".knowpipe.lock"

// DataDirLock holds an exclusive cross-process lock on a data directory
// so two apps never write the same store.
type DataDirLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewDataDirLock creates an unlocked lock for dir.
func NewDataDirLock(dir string) *DataDirLock {
	path := filepath.Join(dir, LockFileName)
	return &DataDirLock{path: path, flock: flock.New(path)}
}

// TryLock acquires the lock without blocking. A lock held elsewhere
// returns ERR_103_DATA_DIR_LOCKED.
func (l *DataDirLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return kperrors.ConfigError("failed to create data directory", err).
			WithDetail("path", filepath.Dir(l.path))
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return kperrors.New(kperrors.ErrCodeDataDirLocked, "data directory is in use by another process", nil).
			WithDetail("lock", l.path).
			WithSuggestion("stop the other knowpipe process or use its daemon socket")
	}
	l.locked = true
	return nil
}

// Unlock releases the lock. Calling it on an unlocked lock is a no-op.
func (l *DataDirLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *DataDirLock) Path() string {
	return l.path
}

// IsLocked reports whether this process holds the lock.
func (l *DataDirLock) IsLocked() bool {
	return l.locked
}
