package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Capacities with special meaning.
const (
	Rendezvous = 0
	Unlimited  = -1
	Conflated  = -2
)

var (
	// ErrClosed is returned by Send on a closed channel and by Receive once a
	// closed channel has been drained.
	ErrClosed = errors.New("channel: closed")
	// ErrSelectAborted is returned by Select when no case can ever proceed.
	ErrSelectAborted = errors.New("channel: select aborted")
)

var nextID atomic.Uint64

// base is the part of a channel that Select locks.
type base struct {
	id uint64
	mu sync.Mutex
}

// Chan is a typed channel shared by any number of senders and receivers.
type Chan[T any] struct {
	base
	capacity int
	buf      []T
	closed   bool
	sendq    []*waiter[T]
	recvq    []*waiter[T]
}

type waiter[T any] struct {
	sel *selector
	idx int
	val T
	ok  bool
}

type status int

const (
	notReady status = iota
	ready
	closedNow
)

// New returns a channel with the given capacity: Rendezvous, a positive
// buffer size, Unlimited or Conflated.
func New[T any](capacity int) *Chan[T] {
	if capacity < Conflated {
		panic(fmt.Sprintf("channel: invalid capacity %d", capacity))
	}
	return &Chan[T]{base: base{id: nextID.Add(1)}, capacity: capacity}
}

// Send delivers v, suspending while there is neither a waiting receiver nor
// room in the buffer.
func (c *Chan[T]) Send(ctx context.Context, v T) error {
	_, err := Select[struct{}](ctx, Biased, &sendCase[T, struct{}]{
		c:        c,
		v:        v,
		commitOK: true,
		fn: func(closed bool) (struct{}, error) {
			if closed {
				return struct{}{}, ErrClosed
			}
			return struct{}{}, nil
		},
	})
	return err
}

// Receive takes the next value, suspending while the channel is empty. A
// closed and drained channel yields ErrClosed.
func (c *Chan[T]) Receive(ctx context.Context) (T, error) {
	return Select[T](ctx, Biased, &recvCase[T, T]{
		c:        c,
		commitOK: true,
		fn: func(v T, ok bool) (T, error) {
			if !ok {
				return v, ErrClosed
			}
			return v, nil
		},
	})
}

// TrySend delivers v only if that is possible without suspending.
func (c *Chan[T]) TrySend(v T) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.sendLocked(v) {
	case ready:
		return true, nil
	case closedNow:
		return false, ErrClosed
	}
	return false, nil
}

// TryReceive takes a value only if that is possible without suspending.
func (c *Chan[T]) TryReceive() (T, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, st := c.recvLocked()
	switch st {
	case ready:
		return v, true, nil
	case closedNow:
		return v, false, ErrClosed
	}
	return v, false, nil
}

// Close closes the channel. Suspended senders fail with ErrClosed, suspended
// receivers see end of stream, buffered values stay receivable. Close reports
// whether this call closed the channel.
func (c *Chan[T]) Close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	for _, w := range c.recvq {
		if w.sel.claim() {
			w.ok = false
			w.sel.fire(w.idx, true)
		}
	}
	for _, w := range c.sendq {
		if w.sel.claim() {
			w.sel.fire(w.idx, true)
		}
	}
	c.recvq, c.sendq = nil, nil
	return true
}

// Range calls fn for every value until the channel is closed and drained, fn
// fails or ctx is cancelled.
func (c *Chan[T]) Range(ctx context.Context, fn func(T) error) error {
	for {
		v, err := c.Receive(ctx)
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

// Len returns the number of buffered values.
func (c *Chan[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Cap returns the capacity the channel was created with.
func (c *Chan[T]) Cap() int { return c.capacity }

func (c *Chan[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// After returns a channel that delivers the current time once d has elapsed
// and is closed right after.
func After(d time.Duration) *Chan[time.Time] {
	c := New[time.Time](1)
	time.AfterFunc(d, func() {
		_, _ = c.TrySend(time.Now())
		c.Close()
	})
	return c
}

func (c *Chan[T]) sendLocked(v T) status {
	if c.closed {
		return closedNow
	}
	for len(c.recvq) > 0 {
		w := c.recvq[0]
		c.recvq = c.recvq[1:]
		if w.sel.claim() {
			w.val, w.ok = v, true
			w.sel.fire(w.idx, false)
			return ready
		}
	}
	switch {
	case c.capacity == Conflated:
		if len(c.buf) == 0 {
			c.buf = append(c.buf, v)
		} else {
			c.buf[0] = v
		}
		return ready
	case c.capacity == Unlimited, len(c.buf) < c.capacity:
		c.buf = append(c.buf, v)
		return ready
	}
	return notReady
}

func (c *Chan[T]) recvLocked() (T, status) {
	var zero T
	if len(c.buf) > 0 {
		v := c.buf[0]
		c.buf[0] = zero
		c.buf = c.buf[1:]
		// A freed slot goes to the oldest suspended sender.
		for len(c.sendq) > 0 {
			w := c.sendq[0]
			c.sendq = c.sendq[1:]
			if w.sel.claim() {
				c.buf = append(c.buf, w.val)
				w.sel.fire(w.idx, false)
				break
			}
		}
		return v, ready
	}
	for len(c.sendq) > 0 {
		w := c.sendq[0]
		c.sendq = c.sendq[1:]
		if w.sel.claim() {
			v := w.val
			w.sel.fire(w.idx, false)
			return v, ready
		}
	}
	if c.closed {
		return zero, closedNow
	}
	return zero, notReady
}

func remove[T any](q []*waiter[T], w *waiter[T]) []*waiter[T] {
	for i, x := range q {
		if x == w {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}
