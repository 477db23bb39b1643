// Package lockfile provides OS-level advisory file locking with a timeout.
// Every cross-process critical section on the blackboard goes through these
// locks; in-process mutexes are useless here because each agent is its own
// OS process.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLockTimeout is returned when the lock could not be acquired in time.
var ErrLockTimeout = errors.New("lock acquisition timed out")

const pollInterval = 50 * time.Millisecond

// Lock holds an acquired advisory lock on an open file.
type Lock struct {
	f *os.File
}

// File returns the locked file handle for reading and writing.
func (l *Lock) File() *os.File { return l.f }

// Release unlocks and closes the file. Safe to call on a nil lock.
func (l *Lock) Release() {
	if l == nil || l.f == nil {
		return
	}
	_ = flockUnlock(l.f)
	_ = l.f.Close()
	l.f = nil
}

// Acquire opens path with flag|perm and takes an exclusive (or shared, if
// shared is true) flock on it, polling non-blocking until timeout. The
// returned Lock owns the file handle.
func Acquire(path string, flag int, shared bool, timeout time.Duration) (*Lock, error) {
	if flag&os.O_CREATE != 0 {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		err := flockTry(f, shared)
		if err == nil {
			return &Lock{f: f}, nil
		}
		if !errWouldBlock(err) {
			_ = f.Close()
			return nil, err
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("%w after %s: %s", ErrLockTimeout, timeout, path)
		}
		time.Sleep(pollInterval)
	}
}

// WithExclusive acquires an exclusive lock on path for the duration of fn.
// The file is opened read-write and created if missing.
func WithExclusive(path string, timeout time.Duration, fn func(f *os.File) error) error {
	lock, err := Acquire(path, os.O_CREATE|os.O_RDWR, false, timeout)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn(lock.File())
}

// WithShared acquires a shared lock on path for the duration of fn.
// Returns os.ErrNotExist untouched if the file is missing.
func WithShared(path string, timeout time.Duration, fn func(f *os.File) error) error {
	lock, err := Acquire(path, os.O_RDONLY, true, timeout)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn(lock.File())
}
