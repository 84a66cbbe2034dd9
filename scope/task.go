package scope

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/NetPo4ki/go-scope/dispatch"
	"github.com/NetPo4ki/go-scope/token"
)

// State is the lifecycle of a Task. Completed, Failed and Cancelled are
// terminal.
type State int32

const (
	Created State = iota
	Running
	Cancelling
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Cancelling:
		return "cancelling"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal reports whether s is Completed, Failed or Cancelled.
func (s State) Terminal() bool { return s >= Completed }

var taskIDs atomic.Uint64

// Task is a unit of work owned by exactly one Scope.
type Task struct {
	id      uint64
	scope   *Scope
	tok     *token.Token
	ctx     context.Context
	release context.CancelFunc
	fn      func(ctx context.Context) error
	onDone  func(*Task)

	state    atomic.Int32
	started  atomic.Bool
	done     chan struct{}
	err      error
	panicked bool
}

type taskKey struct{}

func newTask(s *Scope, fn func(ctx context.Context) error, onDone func(*Task)) *Task {
	t := &Task{
		id:     taskIDs.Add(1),
		scope:  s,
		tok:    s.tok.Child(),
		fn:     fn,
		onDone: onDone,
		done:   make(chan struct{}),
	}
	ctx, release := token.Bind(s.ctx, t.tok)
	t.ctx = context.WithValue(ctx, taskKey{}, t)
	t.release = release
	t.tok.OnCancel(func(error) {
		t.state.CompareAndSwap(int32(Running), int32(Cancelling))
	})
	return t
}

// CurrentTask returns the task running with ctx, or nil.
func CurrentTask(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}

func (t *Task) ID() uint64 { return t.id }

func (t *Task) Scope() *Scope { return t.scope }

func (t *Task) State() State { return State(t.state.Load()) }

func (t *Task) Terminated() bool { return t.State().Terminal() }

func (t *Task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's failure or cancellation cause once it has
// terminated, and nil before that.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Started reports whether the task's body was entered. A task cancelled
// while waiting for its dispatcher never starts.
func (t *Task) Started() bool { return t.started.Load() }

// Panicked reports whether the task's body panicked.
func (t *Task) Panicked() bool {
	select {
	case <-t.done:
		return t.panicked
	default:
		return false
	}
}

// Cancel requests cancellation of the task. The task stops at its next
// suspension point; cancelling a terminated task does nothing.
func (t *Task) Cancel() {
	if t.Terminated() {
		return
	}
	t.tok.Cancel(nil)
}

// Join suspends the caller until the task terminates and returns the task's
// error. It returns early with the cancellation cause if ctx is cancelled.
func (t *Task) Join(ctx context.Context) error {
	if err := dispatch.Checkpoint(ctx); err != nil {
		return err
	}
	err := dispatch.Park(ctx, func() error {
		select {
		case <-t.done:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	})
	if err != nil {
		return err
	}
	return t.err
}

func (t *Task) String() string {
	return fmt.Sprintf("Task(%d, %s)", t.id, t.State())
}

func (t *Task) run(d *dispatch.Dispatcher) {
	defer t.release()
	s := t.scope
	if s.lim != nil {
		if err := s.lim.Acquire(t.ctx); err != nil {
			t.abort(err)
			return
		}
		defer s.lim.Release()
	}
	ctx, lease, err := d.Enter(t.ctx)
	if err != nil {
		t.abort(err)
		return
	}
	defer lease.Exit()
	if t.tok.Cancelled() {
		// never started
		t.finish(t.tok.Cause(), 0)
		return
	}
	t.started.Store(true)
	t.state.CompareAndSwap(int32(Created), int32(Running))
	if t.tok.Cancelled() {
		t.state.CompareAndSwap(int32(Running), int32(Cancelling))
	}
	if s.obs != nil {
		s.obs.TaskStarted(ctx)
	}
	start := time.Now()
	err = t.invoke(ctx)
	t.finish(err, time.Since(start))
}

// abort finishes a task that never got to run. A wait cut short by
// cancellation reports the token's cause rather than the context error.
func (t *Task) abort(err error) {
	if t.tok.Cancelled() {
		err = t.tok.Cause()
	}
	t.finish(err, 0)
}

func (t *Task) invoke(ctx context.Context) (err error) {
	if t.fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			t.panicked = true
			if !t.scope.opts.PanicAsError {
				if obs := t.scope.obs; obs != nil {
					obs.TaskFinished(ctx, 0, Failed, nil, true)
				}
				panic(r)
			}
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t.fn(ctx)
}

// finish classifies the outcome. A task whose token was cancelled ends
// Cancelled unless it failed with an error unrelated to the cancellation,
// even when its body ignored the request and returned normally.
func (t *Task) finish(err error, dur time.Duration) {
	cancelled := t.tok.Cancelled()
	state := Completed
	switch {
	case t.panicked:
		state = Failed
	case err == nil && cancelled:
		state, err = Cancelled, t.tok.Cause()
	case err == nil:
	case cancelled && isCancellationOf(err, t.tok.Cause()):
		state = Cancelled
	default:
		state = Failed
	}
	t.err = err
	t.state.Store(int32(state))
	t.scope.childDone(t, state, err)
	if t.onDone != nil {
		t.onDone(t)
	}
	if obs := t.scope.obs; obs != nil {
		obs.TaskFinished(t.ctx, dur, state, err, t.panicked)
	}
	close(t.done)
}

// reject terminates a task that was never scheduled.
func (t *Task) reject(err error) {
	t.tok.Cancel(err)
	t.err = err
	t.state.Store(int32(Cancelled))
	t.release()
	if t.onDone != nil {
		t.onDone(t)
	}
	close(t.done)
}

func isCancellationOf(err, cause error) bool {
	return IsCancellation(err) || (cause != nil && errors.Is(err, cause))
}
