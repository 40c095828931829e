// Package lock provides named non-blocking locks used to keep scans from
// overlapping. TryLock never waits: a held lock is reported as not acquired.
package lock

import (
	"context"
	"hash/fnv"
	"sync"

	apperrors "github.com/koltyakov/pgproblems/internal/errors"
)

// ScanLockName is the lock taken around every scheduled scan.
const ScanLockName = "pgproblems:scan"

// Locker acquires named locks without queueing.
type Locker interface {
	// TryLock returns acquired=false with a nil error when name is held
	// elsewhere.
	TryLock(ctx context.Context, name string) (r Releaser, acquired bool, err error)
}

// Releaser releases one acquired lock.
type Releaser interface {
	Release(ctx context.Context) error
}

// Local is an in-process Locker for single-instance deployments.
type Local struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ Locker = (*Local)(nil)

func NewLocal() *Local {
	return &Local{locks: make(map[string]*sync.Mutex)}
}

func (l *Local) TryLock(_ context.Context, name string) (Releaser, bool, error) {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, false, nil
	}
	return &localReleaser{m: m}, true, nil
}

type localReleaser struct {
	once sync.Once
	m    *sync.Mutex
}

func (r *localReleaser) Release(context.Context) error {
	released := false
	r.once.Do(func() {
		r.m.Unlock()
		released = true
	})
	if !released {
		return apperrors.ErrLockNotHeld
	}
	return nil
}

// KeyFor maps a lock name to a 64-bit key with FNV-1a.
func KeyFor(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
