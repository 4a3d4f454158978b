// Package lock provides cross-process advisory file locks.
//
// Locks are flock(2) based, so they serialize both separate processes and
// goroutines of the same process that open the lock file independently.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	minPoll = 5 * time.Millisecond
	maxPoll = 100 * time.Millisecond
)

var errWouldBlock = errors.New("lock held by another owner")

// File is an exclusive lock held on a lock file.
type File struct {
	f *os.File
}

// Acquire blocks until the exclusive lock on path is held or ctx is done.
// The lock file and its parent directories are created if missing.
func Acquire(ctx context.Context, path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir for lock %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}

	wait := minPoll
	for {
		err := tryLock(f)
		if err == nil {
			return &File{f: f}, nil
		}
		if !errors.Is(err, errWouldBlock) {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.Close()
			return nil, fmt.Errorf("wait for lock %s: %w", path, ctx.Err())
		case <-timer.C:
		}
		if wait < maxPoll {
			wait *= 2
		}
	}
}

// Release drops the lock and closes the lock file.
func (l *File) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// Keyed hands out one lock file per key below a root directory, e.g. one
// per customer at <root>/<customer>/.lock. Different keys never contend.
type Keyed struct {
	root string
}

// NewKeyed creates a Keyed locker rooted at root.
func NewKeyed(root string) *Keyed {
	return &Keyed{root: root}
}

// Path returns the lock file used for key.
func (k *Keyed) Path(key string) string {
	return filepath.Join(k.root, key, ".lock")
}

// Lock acquires the lock for key and returns its release function.
func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	l, err := Acquire(ctx, k.Path(key))
	if err != nil {
		return nil, err
	}
	return func() { _ = l.Release() }, nil
}
