// Package instancelock enforces the single-instance policy: at most one
// sync engine may be active against a given sync root at a time.
package instancelock

import (
	"errors"
	"fmt"
	"os"
)

// ErrAlreadyLocked is returned when another live process holds the lock.
var ErrAlreadyLocked = errors.New("instancelock: another instance is already running")

// Handle is a scoped lock acquisition; Release must be called on every exit
// path.
type Handle struct {
	path string
	file *os.File
}

// Acquire acquires the advisory lock at lockPath. If allowMultiInstance is
// true, it always succeeds without touching the filesystem. Otherwise it
// tries a platform-specific advisory lock (flock on Unix, LockFileEx on
// Windows); a stale lock left behind by a crashed process is reclaimed
// automatically because the underlying OS releases the lock when the
// owning process dies.
func Acquire(lockPath string, allowMultiInstance bool) (*Handle, error) {
	if allowMultiInstance {
		return &Handle{}, nil
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("instancelock: opening lock file: %w", err)
	}

	if err := tryLock(f); err != nil {
		otherPID := readPID(lockPath)
		_ = f.Close()
		if otherPID != "" {
			return nil, fmt.Errorf("%w (pid %s)", ErrAlreadyLocked, otherPID)
		}
		return nil, ErrAlreadyLocked
	}

	if err := f.Truncate(0); err != nil {
		_ = unlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("instancelock: truncating lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d", os.Getpid())), 0); err != nil {
		_ = unlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("instancelock: writing pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = unlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("instancelock: syncing lock file: %w", err)
	}

	return &Handle{path: lockPath, file: f}, nil
}

// Release unlocks and closes the lock file, and removes it from disk.
func (h *Handle) Release() error {
	if h.file == nil {
		return nil
	}
	err := unlock(h.file)
	if cerr := h.file.Close(); err == nil {
		err = cerr
	}
	if rerr := os.Remove(h.path); err == nil && rerr != nil && !os.IsNotExist(rerr) {
		err = rerr
	}
	h.file = nil
	return err
}

func readPID(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return ""
	}
	return string(data)
}
