package store

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const lockFileName = "bountyd.lock"

// DirLock keeps two daemons from serving the same data directory.
// It holds flock(2) on a lock file for the lifetime of the process.
type DirLock struct {
	path string
	file *os.File
}

// NewDirLock creates a DirLock for dir. The lock file is created inside dir.
func NewDirLock(dir string) *DirLock {
	return &DirLock{path: filepath.Join(dir, lockFileName)}
}

// Path returns the lock file path.
func (l *DirLock) Path() string { return l.path }

// TryLock attempts to acquire the lock without blocking. It returns false
// when another process holds it.
func (l *DirLock) TryLock() (bool, error) {
	if l.file != nil {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	l.file = f
	return true, nil
}

// Unlock releases the lock and closes the lock file.
func (l *DirLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		_ = l.file.Close()
		l.file = nil
		return fmt.Errorf("funlock: %w", err)
	}

	err := l.file.Close()
	l.file = nil
	return err
}
