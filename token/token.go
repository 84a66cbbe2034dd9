package token

import (
	"context"
	"sync"
	"sync/atomic"
)

// Token is a node in a cancellation tree.
//
// A parent owns the membership of its children; a child only keeps a pointer
// to its parent so it can deregister itself with Detach.
type Token struct {
	mu        sync.Mutex
	parent    *Token
	children  map[*Token]struct{}
	callbacks map[uint64]func(error)
	nextCB    uint64
	done      chan struct{}
	cause     error
	cancelled atomic.Bool
}

// New returns a root token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Child registers and returns a new child token. A child of a cancelled token
// is born cancelled with the parent's cause.
func (t *Token) Child() *Token {
	c := &Token{done: make(chan struct{}), parent: t}
	t.mu.Lock()
	if t.cancelled.Load() {
		cause := t.cause
		t.mu.Unlock()
		c.Cancel(cause)
		return c
	}
	if t.children == nil {
		t.children = make(map[*Token]struct{})
	}
	t.children[c] = struct{}{}
	t.mu.Unlock()
	return c
}

// Cancel cancels the token and all of its descendants. The first call wins and
// reports true; a nil cause is recorded as context.Canceled.
func (t *Token) Cancel(cause error) bool {
	if cause == nil {
		cause = context.Canceled
	}
	t.mu.Lock()
	if t.cancelled.Load() {
		t.mu.Unlock()
		return false
	}
	t.cause = cause
	t.cancelled.Store(true)
	close(t.done)
	children := t.children
	callbacks := t.callbacks
	t.children = nil
	t.callbacks = nil
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn(cause)
	}
	for c := range children {
		c.Cancel(cause)
	}
	return true
}

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool { return t.cancelled.Load() }

// Cause returns the cancellation cause, or nil while the token is live.
func (t *Token) Cause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// Done returns a channel closed on cancellation.
func (t *Token) Done() <-chan struct{} { return t.done }

// OnCancel arranges for fn to run once the token is cancelled. If the token is
// already cancelled fn runs immediately. The returned stop function
// unregisters fn and reports whether it did so before fn ran.
func (t *Token) OnCancel(fn func(cause error)) (stop func() bool) {
	t.mu.Lock()
	if t.cancelled.Load() {
		cause := t.cause
		t.mu.Unlock()
		fn(cause)
		return func() bool { return false }
	}
	if t.callbacks == nil {
		t.callbacks = make(map[uint64]func(error))
	}
	id := t.nextCB
	t.nextCB++
	t.callbacks[id] = fn
	t.mu.Unlock()
	return func() bool {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.callbacks[id]; !ok {
			return false
		}
		delete(t.callbacks, id)
		return true
	}
}

// Detach removes t from its parent's child set. A detached token no longer
// observes the parent's cancellation.
func (t *Token) Detach() {
	p := t.parent
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.children, t)
	p.mu.Unlock()
}
