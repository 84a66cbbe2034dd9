package channel

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"github.com/NetPo4ki/go-scope/dispatch"
)

// Fairness decides which case wins when several are ready at once.
type Fairness int

const (
	// Biased picks the first ready case in the order given.
	Biased Fairness = iota
	// Unbiased picks uniformly at random among the ready cases.
	Unbiased
)

func (f Fairness) String() string {
	if f == Unbiased {
		return "unbiased"
	}
	return "biased"
}

// Case is one clause of a Select: a channel operation and the continuation to
// run if that operation is the one committed. A Case value belongs to a single
// Select call.
type Case[R any] interface {
	channel() *base
	poll() status
	enqueue(sel *selector, idx int)
	wake(closed bool)
	dequeue()
	commitsOnClose() bool
	run() (R, error)
}

const (
	selWaiting int32 = iota
	selClaimed
	selAborted
)

// selector is shared by the waiters one Select call leaves on its channels.
// Whoever claims it first decides the outcome.
type selector struct {
	state  atomic.Int32
	done   chan struct{}
	idx    int
	closed bool
}

func newSelector() *selector { return &selector{done: make(chan struct{})} }

func (s *selector) claim() bool { return s.state.CompareAndSwap(selWaiting, selClaimed) }

func (s *selector) fire(idx int, closed bool) {
	s.idx, s.closed = idx, closed
	close(s.done)
}

// OnReceive selects a value from c. Once c is closed and drained the case can
// never be chosen.
func OnReceive[T, R any](c *Chan[T], fn func(T) (R, error)) Case[R] {
	return &recvCase[T, R]{c: c, fn: func(v T, _ bool) (R, error) { return fn(v) }}
}

// OnReceiveOK is like OnReceive but is also chosen when c is closed and
// drained, with ok set to false.
func OnReceiveOK[T, R any](c *Chan[T], fn func(v T, ok bool) (R, error)) Case[R] {
	return &recvCase[T, R]{c: c, fn: fn, commitOK: true}
}

// OnSend selects sending v to c. A closed c makes the case permanently
// unready.
func OnSend[T, R any](c *Chan[T], v T, fn func() (R, error)) Case[R] {
	return &sendCase[T, R]{c: c, v: v, fn: func(bool) (R, error) { return fn() }}
}

// OnTimeout is chosen when d elapses before any other case is ready.
func OnTimeout[R any](d time.Duration, fn func() (R, error)) Case[R] {
	return OnReceiveOK(After(d), func(time.Time, bool) (R, error) { return fn() })
}

// Select waits until one of cases can proceed, commits exactly that one and
// returns the result of its continuation. The other cases have no effect.
// Select returns ErrSelectAborted if every case is permanently unready and the
// cancellation cause if ctx is cancelled first.
func Select[R any](ctx context.Context, f Fairness, cases ...Case[R]) (R, error) {
	var zero R
	if err := dispatch.Checkpoint(ctx); err != nil {
		return zero, err
	}
	if len(cases) == 0 {
		return zero, ErrSelectAborted
	}
	locks := lockSet(cases)
	for {
		idx, err := selectOnce(ctx, f, cases, locks)
		if err != nil {
			return zero, err
		}
		if idx >= 0 {
			return cases[idx].run()
		}
	}
}

// selectOnce returns the committed case index, or -1 when a case became
// permanently unready while waiting and the poll has to be repeated.
func selectOnce[R any](ctx context.Context, f Fairness, cases []Case[R], locks []*base) (int, error) {
	lockAll(locks)
	order := make([]int, len(cases))
	for i := range order {
		order[i] = i
	}
	if f == Unbiased {
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	live := make([]bool, len(cases))
	nlive := 0
	for _, i := range order {
		switch cases[i].poll() {
		case ready:
			unlockAll(locks)
			return i, nil
		case closedNow:
			if cases[i].commitsOnClose() {
				unlockAll(locks)
				return i, nil
			}
		default:
			live[i] = true
			nlive++
		}
	}
	if nlive == 0 {
		unlockAll(locks)
		return -1, ErrSelectAborted
	}

	sel := newSelector()
	for i, c := range cases {
		if live[i] {
			c.enqueue(sel, i)
		}
	}
	unlockAll(locks)

	err := dispatch.Park(ctx, func() error {
		select {
		case <-sel.done:
			return nil
		case <-ctx.Done():
			if sel.state.CompareAndSwap(selWaiting, selAborted) {
				return context.Cause(ctx)
			}
			// Someone committed a case concurrently; honour it.
			<-sel.done
			return nil
		}
	})

	lockAll(locks)
	for i, c := range cases {
		if !live[i] {
			continue
		}
		if err == nil && i == sel.idx {
			c.wake(sel.closed)
		}
		c.dequeue()
	}
	unlockAll(locks)

	if err != nil {
		return -1, err
	}
	if sel.closed && !cases[sel.idx].commitsOnClose() {
		return -1, nil
	}
	return sel.idx, nil
}

// lockSet returns the distinct channels of cases in lock order.
func lockSet[R any](cases []Case[R]) []*base {
	locks := make([]*base, 0, len(cases))
	for _, c := range cases {
		locks = append(locks, c.channel())
	}
	slices.SortFunc(locks, func(a, b *base) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return slices.Compact(locks)
}

func lockAll(locks []*base) {
	for _, b := range locks {
		b.mu.Lock()
	}
}

func unlockAll(locks []*base) {
	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].mu.Unlock()
	}
}

type recvCase[T, R any] struct {
	c        *Chan[T]
	fn       func(T, bool) (R, error)
	commitOK bool
	w        *waiter[T]
	val      T
	ok       bool
}

func (rc *recvCase[T, R]) channel() *base       { return &rc.c.base }
func (rc *recvCase[T, R]) commitsOnClose() bool { return rc.commitOK }
func (rc *recvCase[T, R]) run() (R, error)      { return rc.fn(rc.val, rc.ok) }

func (rc *recvCase[T, R]) poll() status {
	v, st := rc.c.recvLocked()
	rc.val, rc.ok = v, st == ready
	return st
}

func (rc *recvCase[T, R]) enqueue(sel *selector, idx int) {
	rc.w = &waiter[T]{sel: sel, idx: idx}
	rc.c.recvq = append(rc.c.recvq, rc.w)
}

func (rc *recvCase[T, R]) wake(bool) { rc.val, rc.ok = rc.w.val, rc.w.ok }

func (rc *recvCase[T, R]) dequeue() {
	rc.c.recvq = remove(rc.c.recvq, rc.w)
	rc.w = nil
}

type sendCase[T, R any] struct {
	c        *Chan[T]
	v        T
	fn       func(closed bool) (R, error)
	commitOK bool
	w        *waiter[T]
	closed   bool
}

func (sc *sendCase[T, R]) channel() *base       { return &sc.c.base }
func (sc *sendCase[T, R]) commitsOnClose() bool { return sc.commitOK }
func (sc *sendCase[T, R]) run() (R, error)      { return sc.fn(sc.closed) }

func (sc *sendCase[T, R]) poll() status {
	st := sc.c.sendLocked(sc.v)
	sc.closed = st == closedNow
	return st
}

func (sc *sendCase[T, R]) enqueue(sel *selector, idx int) {
	sc.w = &waiter[T]{sel: sel, idx: idx, val: sc.v}
	sc.c.sendq = append(sc.c.sendq, sc.w)
}

func (sc *sendCase[T, R]) wake(closed bool) { sc.closed = closed }

func (sc *sendCase[T, R]) dequeue() {
	sc.c.sendq = remove(sc.c.sendq, sc.w)
	sc.w = nil
}
