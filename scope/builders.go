package scope

import (
	"context"

	"github.com/NetPo4ki/go-scope/channel"
)

// Produce spawns fn as a producer task writing to a new channel of the given
// capacity. The channel is closed when fn returns, whatever the outcome, so
// consumers always see end of stream.
func Produce[T any](s *Scope, capacity int, fn func(ctx context.Context, out *channel.Chan[T]) error) *channel.Chan[T] {
	out := channel.New[T](capacity)
	s.Go(func(ctx context.Context) error {
		defer out.Close()
		return fn(ctx, out)
	})
	return out
}

// Actor spawns fn as a task that owns a mailbox of the given capacity and
// returns the mailbox. Closing the mailbox asks the actor to drain and stop;
// once fn returns the mailbox is closed and further sends fail.
func Actor[T any](s *Scope, capacity int, fn func(ctx context.Context, in *channel.Chan[T]) error) *channel.Chan[T] {
	in := channel.New[T](capacity)
	s.Go(func(ctx context.Context) error {
		defer in.Close()
		return fn(ctx, in)
	})
	return in
}

// FanIn starts workers tasks that all drain in, apply fn to every value and
// send the results to the returned channel. The workers share a FailFast
// child scope; the result channel is closed once every worker has finished,
// that is once in is closed and drained or a worker failed.
func FanIn[T, R any](s *Scope, workers int, in *channel.Chan[T], capacity int, fn func(ctx context.Context, v T) (R, error)) *channel.Chan[R] {
	if workers <= 0 {
		workers = 1
	}
	out := channel.New[R](capacity)
	pool := s.Child(FailFast)
	for range workers {
		pool.Go(func(ctx context.Context) error {
			return in.Range(ctx, func(v T) error {
				r, err := fn(ctx, v)
				if err != nil {
					return err
				}
				return out.Send(ctx, r)
			})
		})
	}
	s.Go(func(ctx context.Context) error {
		defer out.Close()
		// a worker failure already reached s through the child scope
		_ = pool.Join(ctx)
		return nil
	})
	return out
}
