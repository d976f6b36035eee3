package risk

import (
	"fmt"
	"os"
	"time"
)

// AcquireLock implements the single-instance advisory lock: O_CREATE|O_EXCL
// fails if another live process holds the file, but a lock file older than
// LockStaleAfter is assumed abandoned (the owning process crashed without
// cleanup) and is reclaimed.
func AcquireLock(path string, staleAfter time.Duration) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("risk: creating lock file: %w", err)
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, fmt.Errorf("risk: statting existing lock: %w", statErr)
		}
		if time.Since(info.ModTime()) < staleAfter {
			return nil, ErrLockHeld
		}
		if rmErr := os.Remove(path); rmErr != nil {
			return nil, fmt.Errorf("risk: removing stale lock: %w", rmErr)
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("risk: creating lock file after stale reclaim: %w", err)
		}
	}
	pid := os.Getpid()
	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("risk: writing pid to lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("risk: closing lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Lock is the held single-instance file lock; Release removes it.
type Lock struct {
	path string
}

// Release removes the lock file. Safe to call once; the process holding
// the lock is the only one expected to call it.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	return os.Remove(l.path)
}

// ErrLockHeld is returned by AcquireLock when a live (non-stale) lock
// already exists.
var ErrLockHeld = fmt.Errorf("risk: instance lock already held")
