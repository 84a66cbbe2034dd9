package scope

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrScopeClosed is the error of a task spawned into a closed scope.
	ErrScopeClosed = errors.New("scope: closed")
	// ErrDeadlineExceeded reports that a timeout elapsed before the work
	// finished. It matches context.DeadlineExceeded with errors.Is.
	ErrDeadlineExceeded = fmt.Errorf("scope: %w", context.DeadlineExceeded)
)

// PanicError is the failure recorded for a task whose body panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsCancellation reports whether err signals cooperative cancellation rather
// than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
