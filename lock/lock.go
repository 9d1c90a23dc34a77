// Package lock provides the single-instance lock held by the classifier
// daemon for its lifetime.
//
// The lock is an exclusive advisory lock on a file in the runtime
// directory. It protects the socket path: only the holder may remove a
// stale socket and bind a new one.
//
// Possession of a Scope is proof that the lock is held. A Scope cannot be
// constructed outside this package; it is only obtained by running code
// under lock.Run.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// errWouldBlock is returned by tryLock when another process holds the
// lock.
var errWouldBlock = errors.New("lock held by another process")

// Scope represents the region in which the instance lock is held.
type Scope interface {
	// Path returns the lock file path (for logging/diagnostics).
	Path() string

	scopeMarker()
}

type scope struct {
	f *os.File
}

func (*scope) scopeMarker() {}

func (s *scope) Path() string { return s.f.Name() }

// Run acquires the instance lock, executes fn, then releases. Acquisition
// retries with exponential backoff until ctx is done.
func Run(ctx context.Context, lockPath string, fn func(context.Context, Scope) error) error {
	f, err := acquire(ctx, lockPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return fn(ctx, &scope{f: f})
}

// TryRun is Run without waiting: it fails at once if the lock is held.
func TryRun(ctx context.Context, lockPath string, fn func(context.Context, Scope) error) error {
	f, err := open(lockPath)
	if err != nil {
		return err
	}
	if err := tryLock(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return fmt.Errorf("%s: %w", lockPath, err)
		}
		return err
	}
	defer f.Close()

	return fn(ctx, &scope{f: f})
}

func open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

func acquire(ctx context.Context, path string) (*os.File, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}

	backoff := 25 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		err := tryLock(f)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, errWouldBlock) {
			f.Close()
			return nil, err
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// IsHeld reports whether err means another process holds the lock.
func IsHeld(err error) bool {
	return errors.Is(err, errWouldBlock)
}
