package token

import (
	"context"
	"time"
)

type tokenKey struct{}

// boundCtx reports the parent's deadline while its Done channel is driven by
// the token alone.
type boundCtx struct {
	context.Context
	parent context.Context
}

func (c boundCtx) Deadline() (time.Time, bool) { return c.parent.Deadline() }

// Bind derives a context from parent whose cancellation is driven by t: it is
// cancelled with t's cause when t is cancelled. Cancellation of parent cancels
// t with context.Cause(parent). Values of parent remain visible and t is
// retrievable with FromContext.
//
// The returned CancelFunc releases the binding: it cancels the derived context
// and detaches t from its parent token, without cancelling t itself.
func Bind(parent context.Context, t *Token) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	inner, cancel := context.WithCancelCause(context.WithValue(context.WithoutCancel(parent), tokenKey{}, t))
	stopTok := t.OnCancel(func(cause error) { cancel(cause) })
	stopParent := context.AfterFunc(parent, func() { t.Cancel(context.Cause(parent)) })
	ctx := boundCtx{Context: inner, parent: parent}
	return ctx, func() {
		stopParent()
		stopTok()
		cancel(context.Canceled)
		t.Detach()
	}
}

// FromContext returns the token bound into ctx, or nil.
func FromContext(ctx context.Context) *Token {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(tokenKey{}).(*Token)
	return t
}
