// Package errgroup mirrors the API of golang.org/x/sync/errgroup on top of a
// FailFast scope, so code written against errgroup can move to scopes one
// call site at a time.
package errgroup

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/NetPo4ki/go-scope/dispatch"
	"github.com/NetPo4ki/go-scope/scope"
)

// Group is an errgroup-like wrapper over a FailFast scope.Scope.
type Group struct {
	s   *scope.Scope
	ctx context.Context
	sem *semaphore.Weighted
}

// WithContext creates a Group bound to ctx. The returned context is cancelled
// when any function passed to Go fails or when Wait returns.
//
// Functions passed to Go block in plain Go code rather than parking, so the
// group runs them unconfined like x/sync/errgroup does. opts may still select
// another dispatcher.
func WithContext(ctx context.Context, opts ...scope.Option) (*Group, context.Context) {
	opts = append([]scope.Option{scope.WithDispatcher(dispatch.Unconfined())}, opts...)
	s := scope.New(ctx, scope.FailFast, opts...)
	g := &Group{s: s, ctx: s.Context()}
	return g, g.ctx
}

// SetLimit bounds the number of functions running at once. Go blocks while
// the limit is reached. A negative n removes the limit. It must not be called
// while functions are running.
func (g *Group) SetLimit(n int) {
	if n < 0 {
		g.sem = nil
		return
	}
	g.sem = semaphore.NewWeighted(int64(n))
}

// Go starts f in a new task. The first f to return a non-nil error cancels
// the group.
func (g *Group) Go(f func() error) {
	if f == nil {
		return
	}
	if g.sem != nil {
		// Acquire only fails for a cancelled context.
		_ = g.sem.Acquire(context.Background(), 1)
	}
	g.spawn(f)
}

// TryGo starts f only if the limit allows it without blocking, and reports
// whether it did.
func (g *Group) TryGo(f func() error) bool {
	if g.sem != nil && !g.sem.TryAcquire(1) {
		return false
	}
	if f != nil {
		g.spawn(f)
	} else if g.sem != nil {
		g.sem.Release(1)
	}
	return true
}

func (g *Group) spawn(f func() error) {
	sem := g.sem
	g.s.Go(func(context.Context) error {
		if sem != nil {
			defer sem.Release(1)
		}
		return f()
	})
}

// Scope exposes the underlying scope.
func (g *Group) Scope() *scope.Scope { return g.s }

// Wait blocks until all functions have returned. It returns the first non-nil
// error, or the cancellation cause of the parent context.
func (g *Group) Wait() error {
	return g.s.Wait()
}
