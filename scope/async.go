package scope

import (
	"context"

	"github.com/NetPo4ki/go-scope/deferred"
	"github.com/NetPo4ki/go-scope/dispatch"
)

// Job is a Task whose result is delivered through a Deferred.
type Job[T any] struct {
	*Task
	d   *deferred.Deferred[T]
	val T
}

// Async spawns fn in s and returns a Job that yields fn's value. A failed or
// cancelled job re-raises its error from Await.
func Async[T any](s *Scope, fn func(ctx context.Context) (T, error)) *Job[T] {
	return AsyncOn(s, nil, fn)
}

// AsyncOn is Async on dispatcher d; a nil d uses the scope's dispatcher.
func AsyncOn[T any](s *Scope, d *dispatch.Dispatcher, fn func(ctx context.Context) (T, error)) *Job[T] {
	j := &Job[T]{d: deferred.New[T]()}
	body := func(ctx context.Context) error {
		if fn == nil {
			return nil
		}
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		j.val = v
		return nil
	}
	j.Task = s.spawn(d, body, func(t *Task) {
		if t.State() == Completed {
			_ = j.d.Complete(j.val)
			return
		}
		_ = j.d.CompleteExceptionally(t.err)
	})
	return j
}

// Await suspends until the job terminates and returns its value.
func (j *Job[T]) Await(ctx context.Context) (T, error) { return j.d.Await(ctx) }

func (j *Job[T]) Deferred() *deferred.Deferred[T] { return j.d }

// AwaitAll awaits jobs and returns their values in input order, failing with
// the first error.
func AwaitAll[T any](ctx context.Context, jobs ...*Job[T]) ([]T, error) {
	ds := make([]*deferred.Deferred[T], len(jobs))
	for i, j := range jobs {
		ds[i] = j.d
	}
	return deferred.AwaitAll(ctx, ds...)
}
