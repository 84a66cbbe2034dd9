package scope

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/NetPo4ki/go-scope/dispatch"
	"github.com/NetPo4ki/go-scope/token"
)

type Policy int

const (
	FailFast Policy = iota
	Supervisor
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case Supervisor:
		return "supervisor"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

type Option func(*Options)

type Options struct {
	PanicAsError   bool
	Observer       Observer
	MaxConcurrency int
	// Dispatcher runs the scope's tasks. When nil, tasks run on the
	// dispatcher of the task that created the scope, or dispatch.Default().
	Dispatcher *dispatch.Dispatcher
	// ErrorHandler sees every failed task of a Supervisor scope. A non-nil
	// return value becomes the scope's error.
	ErrorHandler func(t *Task, err error) error
	// Timeout cancels the scope with ErrDeadlineExceeded once elapsed.
	Timeout time.Duration
}

func defaultOptions() Options { return Options{PanicAsError: true} }

func WithPanicAsError(v bool) Option { return func(o *Options) { o.PanicAsError = v } }

func WithObserver(obs Observer) Option { return func(o *Options) { o.Observer = obs } }

func WithMaxConcurrency(n int) Option { return func(o *Options) { o.MaxConcurrency = n } }

func WithDispatcher(d *dispatch.Dispatcher) Option { return func(o *Options) { o.Dispatcher = d } }

func WithErrorHandler(h func(t *Task, err error) error) Option {
	return func(o *Options) { o.ErrorHandler = h }
}

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }

// ScopeState is the lifecycle of a Scope: Open until Join is called, Closing
// while Join waits for children, Closed once every child has terminated.
type ScopeState int

const (
	Open ScopeState = iota
	Closing
	Closed
)

func (s ScopeState) String() string {
	switch s {
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("ScopeState(%d)", int(s))
}

type Scope struct {
	ctx     context.Context
	release context.CancelFunc
	tok     *token.Token
	parent  *Scope
	policy  Policy
	disp    *dispatch.Dispatcher

	mu       sync.Mutex
	state    ScopeState
	children []*Task
	subs     []*Scope
	firstErr error
	failures []error
	canceled bool

	opts  Options
	obs   Observer
	lim   Limiter
	timer *time.Timer
}

func New(parent context.Context, policy Policy, optFns ...Option) *Scope {
	if parent == nil {
		parent = context.Background()
	}
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return newScope(parent, policy, opts)
}

func newScope(parent context.Context, policy Policy, opts Options) *Scope {
	var tok *token.Token
	if pt := token.FromContext(parent); pt != nil {
		tok = pt.Child()
	} else {
		tok = token.New()
	}
	ctx, release := token.Bind(parent, tok)
	d := opts.Dispatcher
	if d == nil {
		d = dispatch.FromContext(parent)
	}
	s := &Scope{ctx: ctx, release: release, tok: tok, policy: policy, disp: d, opts: opts, obs: opts.Observer}
	if opts.MaxConcurrency > 0 {
		s.lim = newSemaphoreLimiter(opts.MaxConcurrency)
	}
	if s.obs != nil {
		s.obs.ScopeCreated(ctx)
	}
	if opts.Timeout > 0 {
		s.timer = time.AfterFunc(opts.Timeout, func() { s.Cancel(ErrDeadlineExceeded) })
	}
	return s
}

// Run creates a scope, calls fn with it and joins the scope on every exit
// path. An error returned by fn cancels the scope's children and is returned
// after they terminate; a panic in fn is re-raised after the join.
func Run(ctx context.Context, policy Policy, fn func(s *Scope) error, optFns ...Option) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s := New(ctx, policy, optFns...)
	defer func() {
		if r := recover(); r != nil {
			s.Cancel(&PanicError{Value: r, Stack: debug.Stack()})
			_ = s.Join(ctx)
			panic(r)
		}
	}()
	if err := fn(s); err != nil {
		s.Cancel(err)
		_ = s.Join(ctx)
		return err
	}
	return s.Join(ctx)
}

func (s *Scope) Context() context.Context { return s.ctx }

func (s *Scope) Policy() Policy { return s.policy }

// Dispatcher returns the dispatcher new tasks run on by default.
func (s *Scope) Dispatcher() *dispatch.Dispatcher {
	if s.disp != nil {
		return s.disp
	}
	return dispatch.Default()
}

func (s *Scope) State() ScopeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Go spawns fn as a child task on the scope's dispatcher.
func (s *Scope) Go(fn func(ctx context.Context) error) *Task {
	return s.spawn(nil, fn, nil)
}

// GoOn spawns fn as a child task on dispatcher d.
func (s *Scope) GoOn(d *dispatch.Dispatcher, fn func(ctx context.Context) error) *Task {
	return s.spawn(d, fn, nil)
}

func (s *Scope) spawn(d *dispatch.Dispatcher, fn func(ctx context.Context) error, onDone func(*Task)) *Task {
	t := newTask(s, fn, onDone)
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		t.reject(ErrScopeClosed)
		return t
	}
	s.children = append(s.children, t)
	s.mu.Unlock()
	if d == nil {
		d = s.Dispatcher()
	}
	go t.run(d)
	return t
}

// Children returns the scope's tasks in spawn order, terminated ones included.
func (s *Scope) Children() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.children)
}

// Failures returns the errors of the scope's failed tasks in the order they
// failed.
func (s *Scope) Failures() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.failures)
}

// Err joins all recorded task failures. It is how a Supervisor scope is
// explicitly queried for failures that Join does not report.
func (s *Scope) Err() error { return errors.Join(s.Failures()...) }

func (s *Scope) Cancel(err error) {
	s.mu.Lock()
	wasCanceled := s.canceled
	s.canceled = true
	if s.firstErr == nil && err != nil {
		s.firstErr = err
	}
	cause := s.firstErr
	s.mu.Unlock()

	s.tok.Cancel(cause)
	if !wasCanceled && s.obs != nil {
		s.obs.ScopeCancelled(s.ctx, s.tok.Cause())
	}
}

// Wait blocks until every task and child scope has terminated and returns the
// scope's error.
func (s *Scope) Wait() error { return s.Join(context.Background()) }

// Join suspends the calling task until every task and child scope has
// terminated. If ctx is cancelled first the scope is cancelled, and Join still
// waits for the children to unwind. It returns the first failure under
// FailFast, an error re-raised by the ErrorHandler, or the cancellation cause
// of a cancelled scope.
func (s *Scope) Join(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var start time.Time
	if s.obs != nil {
		start = time.Now()
	}
	s.mu.Lock()
	if s.state == Open {
		s.state = Closing
	}
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Cancel(context.Cause(ctx)) })
	_ = dispatch.Park(ctx, func() error {
		s.awaitChildren()
		return nil
	})
	stop()

	if s.obs != nil {
		s.obs.ScopeJoined(s.ctx, time.Since(start))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstErr != nil {
		return s.firstErr
	}
	if s.tok.Cancelled() {
		return s.tok.Cause()
	}
	return nil
}

func (s *Scope) awaitChildren() {
	for {
		s.mu.Lock()
		var next *Task
		for _, t := range s.children {
			if !t.finished() {
				next = t
				break
			}
		}
		subs := slices.Clone(s.subs)
		if next == nil && allClosed(subs) {
			closing := s.state != Closed
			s.state = Closed
			s.mu.Unlock()
			if closing {
				s.close()
			}
			return
		}
		s.mu.Unlock()
		if next != nil {
			<-next.done
			continue
		}
		for _, c := range subs {
			c.awaitChildren()
		}
	}
}

func allClosed(subs []*Scope) bool {
	for _, c := range subs {
		if c.State() != Closed {
			return false
		}
	}
	return true
}

func (s *Scope) close() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.release()
}

// stopTimer disarms the WithTimeout deadline. It reports false if the deadline
// already fired.
func (s *Scope) stopTimer() bool {
	return s.timer == nil || s.timer.Stop()
}

// childDone records a terminated task. It runs before the task's Done channel
// is closed so Join never misses a failure. A failure the scope does not
// absorb is reported to the parent scope as if t were the parent's own task.
func (s *Scope) childDone(t *Task, state State, err error) {
	if state != Failed {
		return
	}
	s.mu.Lock()
	s.failures = append(s.failures, err)
	if s.policy == FailFast && s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()

	if s.policy == FailFast {
		s.Cancel(err)
		s.escalate(t, err)
		return
	}
	if h := s.opts.ErrorHandler; h != nil {
		if rerr := h(t, err); rerr != nil {
			s.mu.Lock()
			if s.firstErr == nil {
				s.firstErr = rerr
			}
			s.mu.Unlock()
			s.escalate(t, rerr)
		}
	}
}

func (s *Scope) escalate(t *Task, err error) {
	if s.parent != nil {
		s.parent.childDone(t, Failed, err)
	}
}

// Child creates a scope whose token and dispatcher derive from s. The parent's
// Join also waits for the child. Failures of a FailFast child, and failures a
// Supervisor child's ErrorHandler re-raises, are failures of s as well;
// cancelling the child alone does not affect s.
func (s *Scope) Child(policy Policy, optFns ...Option) *Scope {
	childOpts := s.opts
	childOpts.Timeout = 0
	// failures escalate to s, whose own handler sees them
	childOpts.ErrorHandler = nil
	if childOpts.Dispatcher == nil {
		childOpts.Dispatcher = s.disp
	}
	for _, fn := range optFns {
		fn(&childOpts)
	}
	cs := newScope(s.ctx, policy, childOpts)
	cs.parent = s
	s.mu.Lock()
	s.subs = append(s.subs, cs)
	s.mu.Unlock()
	return cs
}
