// Package deferred provides single-assignment values that tasks can await.
package deferred

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/NetPo4ki/go-scope/dispatch"
)

// ErrAlreadyCompleted is returned when completing a Deferred a second time.
var ErrAlreadyCompleted = errors.New("deferred: already completed")

type State int

const (
	Pending State = iota
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Deferred holds a value or an error that is set exactly once. Every Await,
// before or after completion, observes the same outcome.
type Deferred[T any] struct {
	mu    sync.Mutex
	state State
	val   T
	err   error
	done  chan struct{}
}

func New[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Complete sets the value.
func (d *Deferred[T]) Complete(v T) error {
	return d.settle(v, nil)
}

// CompleteExceptionally sets the error that Await re-raises. A nil error is
// not accepted.
func (d *Deferred[T]) CompleteExceptionally(err error) error {
	if err == nil {
		return errors.New("deferred: nil error")
	}
	var zero T
	return d.settle(zero, err)
}

func (d *Deferred[T]) settle(v T, err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Pending {
		return ErrAlreadyCompleted
	}
	d.val, d.err = v, err
	d.state = Completed
	if err != nil {
		d.state = Failed
	}
	close(d.done)
	return nil
}

// Await suspends until the Deferred completes and returns its value or error.
// It returns the cancellation cause if ctx is cancelled first.
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	var zero T
	if err := dispatch.Checkpoint(ctx); err != nil {
		return zero, err
	}
	err := dispatch.Park(ctx, func() error {
		select {
		case <-d.done:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	})
	if err != nil {
		return zero, err
	}
	return d.val, d.err
}

func (d *Deferred[T]) Done() <-chan struct{} { return d.done }

func (d *Deferred[T]) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Completed reports whether the Deferred reached a terminal state.
func (d *Deferred[T]) Completed() bool { return d.State() != Pending }

// AwaitAll waits for every Deferred and returns their values in input order.
// It fails with the first error to occur; the remaining Deferreds are not
// awaited further.
func AwaitAll[T any](ctx context.Context, ds ...*Deferred[T]) ([]T, error) {
	if err := dispatch.Checkpoint(ctx); err != nil {
		return nil, err
	}
	out := make([]T, len(ds))
	err := dispatch.Park(ctx, func() error {
		g, gctx := errgroup.WithContext(ctx)
		for i, d := range ds {
			g.Go(func() error {
				select {
				case <-d.done:
				case <-gctx.Done():
					return context.Cause(gctx)
				}
				if d.err != nil {
					return d.err
				}
				out[i] = d.val
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
