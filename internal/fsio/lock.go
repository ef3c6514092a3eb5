package fsio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLockBusy is returned by TryLockFile when another holder has the lock.
var ErrLockBusy = errors.New("file lock busy")

// FileLock is a held advisory OS lock. Release with Unlock on every exit path.
type FileLock struct {
	fl *flock.Flock
}

// LockFile acquires an exclusive advisory lock on lockPath, creating the file
// if absent. Blocks until the lock is available.
func LockFile(lockPath string) (*FileLock, error) {
	if err := ensureLockParent(lockPath); err != nil {
		return nil, err
	}
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock %s: %w", lockPath, err)
	}
	return &FileLock{fl: fl}, nil
}

// TryLockFile acquires the lock without blocking. Contention returns
// ErrLockBusy so callers can distinguish it from I/O failures.
func TryLockFile(lockPath string) (*FileLock, error) {
	if err := ensureLockParent(lockPath); err != nil {
		return nil, err
	}
	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("try lock %s: %w", lockPath, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", lockPath, ErrLockBusy)
	}
	return &FileLock{fl: fl}, nil
}

func (l *FileLock) Unlock() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	if l == nil || l.fl == nil {
		return ""
	}
	return l.fl.Path()
}

// WithLock runs fn while holding the exclusive lock on lockPath.
func WithLock(lockPath string, fn func() error) error {
	lock, err := LockFile(lockPath)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}

func ensureLockParent(lockPath string) error {
	dir := filepath.Dir(lockPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
