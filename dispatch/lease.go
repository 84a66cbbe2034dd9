package dispatch

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

// Lease is a task's claim on a dispatcher slot. It also identifies the task:
// see Owner.
type Lease struct {
	d     *Dispatcher
	owner *Lease
	held  atomic.Bool
}

type leaseKey struct{}

// Enter waits for a slot on d and returns a context carrying the lease. The
// wait is abandoned if ctx is cancelled.
func (d *Dispatcher) Enter(ctx context.Context) (context.Context, *Lease, error) {
	return d.enter(ctx, nil)
}

func (d *Dispatcher) enter(ctx context.Context, owner *Lease) (context.Context, *Lease, error) {
	if d.closed.Load() {
		return ctx, nil, ErrClosed
	}
	if err := d.acquire(ctx); err != nil {
		return ctx, nil, err
	}
	l := &Lease{d: d, owner: owner}
	if owner == nil {
		l.owner = l
	}
	l.held.Store(true)
	return context.WithValue(ctx, leaseKey{}, l), l, nil
}

// Exit gives the slot back. It is safe to call more than once.
func (l *Lease) Exit() {
	if l.held.CompareAndSwap(true, false) {
		l.d.release()
	}
}

// Dispatcher returns the dispatcher the lease belongs to.
func (l *Lease) Dispatcher() *Dispatcher { return l.d }

func (l *Lease) reacquire() {
	// The slot is always regained so the task can unwind on its own worker.
	_ = l.d.acquire(context.Background())
	l.held.Store(true)
}

// LeaseFrom returns the lease carried by ctx, or nil.
func LeaseFrom(ctx context.Context) *Lease {
	l, _ := ctx.Value(leaseKey{}).(*Lease)
	return l
}

// FromContext returns the dispatcher of the task running with ctx, or nil.
func FromContext(ctx context.Context) *Dispatcher {
	if l := LeaseFrom(ctx); l != nil {
		return l.d
	}
	return nil
}

// Owner returns an identity for the task running with ctx. It stays the same
// across Switch. Outside a task it returns nil.
func Owner(ctx context.Context) any {
	if l := LeaseFrom(ctx); l != nil {
		return l.owner
	}
	return nil
}

// Checkpoint returns the cancellation cause of ctx, or nil.
func Checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// Park suspends the calling task around wait: the slot is released before wait
// runs and reacquired after it returns. Outside a task, wait simply runs.
func Park(ctx context.Context, wait func() error) error {
	if l := LeaseFrom(ctx); l != nil && l.held.CompareAndSwap(true, false) {
		l.d.release()
		defer l.reacquire()
	}
	return wait()
}

// Yield is an explicit suspension point. It reports cancellation and lets
// other tasks waiting on the same dispatcher run.
func Yield(ctx context.Context) error {
	if err := Checkpoint(ctx); err != nil {
		return err
	}
	return Park(ctx, func() error {
		runtime.Gosched()
		return nil
	})
}

// Sleep suspends the task for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := Checkpoint(ctx); err != nil {
		return err
	}
	return Park(ctx, func() error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	})
}

// Switch runs fn on dispatcher d and returns to the caller's dispatcher
// afterwards. Leaving and re-entering are suspension points.
func Switch(ctx context.Context, d *Dispatcher, fn func(ctx context.Context) error) error {
	if err := Checkpoint(ctx); err != nil {
		return err
	}
	var owner *Lease
	if l := LeaseFrom(ctx); l != nil {
		owner = l.owner
	}
	return Park(ctx, func() error {
		inner, l, err := d.enter(ctx, owner)
		if err != nil {
			return err
		}
		defer l.Exit()
		return fn(inner)
	})
}
