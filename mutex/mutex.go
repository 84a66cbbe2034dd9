// Package mutex provides a mutual exclusion lock for tasks. A task waiting for
// the lock is suspended and does not hold a dispatcher slot.
package mutex

import (
	"context"
	"errors"
	"sync"

	"github.com/NetPo4ki/go-scope/dispatch"
)

// ErrNotHolder is returned by Unlock when the caller does not hold the lock.
var ErrNotHolder = errors.New("mutex: unlock by non-holder")

type waiter struct {
	owner   any
	ready   chan struct{}
	granted bool
}

// Mutex is a FIFO lock. It is not reentrant: a task that locks it twice waits
// for itself.
//
// The holder is identified by dispatch.Owner of the context passed to Lock;
// outside of a task all callers share the nil identity.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	owner   any
	waiters []*waiter
}

func New() *Mutex { return &Mutex{} }

// Lock acquires the mutex, suspending until it is available or ctx is
// cancelled.
func (m *Mutex) Lock(ctx context.Context) error {
	if err := dispatch.Checkpoint(ctx); err != nil {
		return err
	}
	owner := dispatch.Owner(ctx)
	m.mu.Lock()
	if !m.locked {
		m.locked, m.owner = true, owner
		m.mu.Unlock()
		return nil
	}
	w := &waiter{owner: owner, ready: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	return dispatch.Park(ctx, func() error {
		select {
		case <-w.ready:
			return nil
		case <-ctx.Done():
		}
		m.mu.Lock()
		if w.granted {
			// Ownership was handed over while we were giving up; pass it on.
			m.unlockLocked()
			m.mu.Unlock()
			return context.Cause(ctx)
		}
		for i, x := range m.waiters {
			if x == w {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return context.Cause(ctx)
	})
}

// TryLock acquires the mutex only if it is free.
func (m *Mutex) TryLock(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked, m.owner = true, dispatch.Owner(ctx)
	return true
}

// Unlock releases the mutex and hands it to the longest waiting task.
func (m *Mutex) Unlock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked || m.owner != dispatch.Owner(ctx) {
		return ErrNotHolder
	}
	m.unlockLocked()
	return nil
}

func (m *Mutex) unlockLocked() {
	if len(m.waiters) == 0 {
		m.locked, m.owner = false, nil
		return
	}
	w := m.waiters[0]
	m.waiters = m.waiters[1:]
	w.granted = true
	m.owner = w.owner
	close(w.ready)
}

// Locked reports whether the mutex is currently held.
func (m *Mutex) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// WithLock runs fn while holding the mutex and releases it on every exit path,
// including a panic in fn.
func (m *Mutex) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer func() { _ = m.Unlock(ctx) }()
	return fn(ctx)
}
