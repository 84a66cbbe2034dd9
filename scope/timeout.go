package scope

import (
	"context"
	"time"

	"github.com/NetPo4ki/go-scope/dispatch"
)

// RunWithTimeout runs fn in a fresh FailFast scope that is cancelled after d.
// If the deadline fires first, fn is cancelled, waited for, and the result is
// an error matching ErrDeadlineExceeded, even if fn eventually returned a
// value. A successful fn disarms the deadline before it returns.
func RunWithTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	if err := dispatch.Checkpoint(ctx); err != nil {
		return zero, err
	}
	s := New(ctx, FailFast, WithTimeout(d))
	j := Async(s, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err == nil {
			s.stopTimer()
		}
		return v, err
	})
	if err := s.Join(ctx); err != nil {
		return zero, err
	}
	return j.val, nil
}
