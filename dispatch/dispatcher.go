package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Enter once the dispatcher has been closed.
var ErrClosed = errors.New("dispatch: dispatcher closed")

// Dispatcher bounds how many tasks execute at the same time. Waiting tasks are
// admitted in FIFO order.
type Dispatcher struct {
	name    string
	size    int64
	sem     *semaphore.Weighted // nil means unconfined
	closed  atomic.Bool
	running atomic.Int64
}

// NewPool returns a dispatcher backed by size workers.
func NewPool(name string, size int) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	return &Dispatcher{name: name, size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

// NewSingle returns a dispatcher with one logical thread. Tasks on it
// interleave only at suspension points.
func NewSingle(name string) *Dispatcher { return NewPool(name, 1) }

// Unconfined returns a dispatcher that never bounds execution.
func Unconfined() *Dispatcher { return &Dispatcher{name: "unconfined"} }

func (d *Dispatcher) Name() string { return d.name }

// Size returns the number of slots, or 0 for an unconfined dispatcher.
func (d *Dispatcher) Size() int { return int(d.size) }

// Running returns the number of slots currently held.
func (d *Dispatcher) Running() int { return int(d.running.Load()) }

// Close stops admitting new tasks. Tasks already admitted keep running and may
// still suspend and resume.
func (d *Dispatcher) Close() { d.closed.Store(true) }

func (d *Dispatcher) Closed() bool { return d.closed.Load() }

func (d *Dispatcher) String() string {
	if d.sem == nil {
		return fmt.Sprintf("Dispatcher(%s, unconfined)", d.name)
	}
	return fmt.Sprintf("Dispatcher(%s, %d/%d)", d.name, d.running.Load(), d.size)
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	d.running.Add(1)
	return nil
}

func (d *Dispatcher) release() {
	d.running.Add(-1)
	if d.sem != nil {
		d.sem.Release(1)
	}
}

var (
	defaultMu sync.Mutex
	defaultD  *Dispatcher
)

// Default returns the process-wide pool, creating it on first use. It has
// runtime.GOMAXPROCS(0) slots.
func Default() *Dispatcher {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultD == nil {
		defaultD = NewPool("default", runtime.GOMAXPROCS(0))
	}
	return defaultD
}

// SetDefault replaces the process-wide pool with d until restore is called.
// It is meant for tests that need a larger or a deterministic pool.
func SetDefault(d *Dispatcher) (restore func()) {
	defaultMu.Lock()
	prev := defaultD
	defaultD = d
	defaultMu.Unlock()
	return func() {
		defaultMu.Lock()
		defaultD = prev
		defaultMu.Unlock()
	}
}

// CloseDefault closes the process-wide pool. A later call to Default creates a
// fresh one.
func CloseDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultD != nil {
		defaultD.Close()
		defaultD = nil
	}
}
