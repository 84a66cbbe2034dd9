package scope

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/NetPo4ki/go-scope/dispatch"
)

func TestMain(m *testing.M) {
	// Several tests park tasks on plain Go channels, which keeps their slot
	// busy; a wide pool keeps parallel tests from starving each other.
	dispatch.SetDefault(dispatch.NewPool("test", 1024))
	goleak.VerifyTestMain(m)
}

func TestGoWaitSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), FailFast)
	done := atomic.Int32{}
	task := s.Go(func(_ context.Context) error {
		done.Add(1)
		return nil
	})
	if s.State() != Open {
		t.Fatalf("scope should be open before Wait, got %s", s.State())
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := done.Load(); got != 1 {
		t.Fatalf("expected task to run once, got %d", got)
	}
	if task.State() != Completed || task.Err() != nil {
		t.Fatalf("expected completed task, got %s (%v)", task, task.Err())
	}
	if s.State() != Closed {
		t.Fatalf("scope should be closed after Wait, got %s", s.State())
	}
}

func TestNilBodyCompletes(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), FailFast)
	task := s.Go(nil)
	if err := s.Wait(); err != nil || task.State() != Completed {
		t.Fatalf("nil body should complete, got %s (%v)", task.State(), err)
	}
}

func TestCancelIdempotentMultiWait(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), FailFast)
	s.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Cancel(errors.New("stop"))
	s.Cancel(nil)
	err1 := s.Wait()
	err2 := s.Wait()
	if err1 == nil || err2 == nil {
		t.Fatalf("expected non-nil error from Wait after cancel, got (%v, %v)", err1, err2)
	}
	if err1.Error() != err2.Error() {
		t.Fatalf("Wait should return same error; got %v vs %v", err1, err2)
	}
}

func TestFailFastCancelsSiblings(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), FailFast)
	blocked := make(chan struct{})

	s.Go(func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return errors.New("sibling was not cancelled by fail-fast")
		case <-ctx.Done():
			close(blocked)
			return ctx.Err()
		}
	})
	s.Go(func(_ context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return errors.New("boom")
	})
	if err := s.Wait(); err == nil {
		t.Fatal("expected error from fail-fast scope")
	}
	select {
	case <-blocked:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("sibling did not observe cancellation in time")
	}
}

func TestSupervisorDoesNotCancelSiblings(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), Supervisor)
	done := make(chan struct{})
	s.Go(func(_ context.Context) error {
		time.Sleep(40 * time.Millisecond)
		close(done)
		return nil
	})
	s.Go(func(_ context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return errors.New("err")
	})
	if err := s.Wait(); err != nil {
		t.Fatalf("supervisor Wait should not report isolated failures, got %v", err)
	}
	select {
	case <-done:
	case <-time.After(150 * time.Millisecond):
		t.Fatal("sibling should not be cancelled under Supervisor policy")
	}
	if n := len(s.Failures()); n != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", n)
	}
	if s.Err() == nil {
		t.Fatal("expected Err to report the failure")
	}
}

func TestSupervisorErrorHandlerReraises(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	var seen atomic.Int32
	s := New(context.Background(), Supervisor, WithErrorHandler(func(_ *Task, err error) error {
		seen.Add(1)
		return fmt.Errorf("supervised: %w", err)
	}))
	ok := s.Go(func(ctx context.Context) error { return dispatch.Sleep(ctx, 20*time.Millisecond) })
	s.Go(func(_ context.Context) error { return boom })
	if err := s.Wait(); !errors.Is(err, boom) {
		t.Fatalf("expected re-raised failure, got %v", err)
	}
	if seen.Load() != 1 {
		t.Fatalf("handler called %d times", seen.Load())
	}
	if ok.State() != Completed {
		t.Fatalf("sibling should complete, got %s", ok.State())
	}
}

func TestPanicAsErrorConverted(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), FailFast, WithPanicAsError(true))
	s.Go(func(ctx context.Context) error {
		panic("panic-value")
	})
	err := s.Wait()
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "panic-value" {
		t.Fatalf("expected converted panic error, got %v", err)
	}
	if len(pe.Stack) == 0 {
		t.Fatal("expected a captured stack")
	}
	if tasks := s.Children(); !tasks[0].Panicked() || tasks[0].State() != Failed {
		t.Fatalf("expected panicked failed task, got %s", tasks[0])
	}
}

func TestChildCancellation(t *testing.T) {
	t.Parallel()
	parent := New(context.Background(), FailFast)
	child := parent.Child(FailFast)
	stop := errors.New("stop")
	task := child.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return context.Cause(ctx)
	})
	parent.Cancel(stop)
	if err := parent.Wait(); !errors.Is(err, stop) {
		t.Fatalf("expected parent to report its cause, got %v", err)
	}
	if err := child.Wait(); !errors.Is(err, stop) {
		t.Fatalf("expected child to inherit the cause, got %v", err)
	}
	if task.State() != Cancelled {
		t.Fatalf("child task should be cancelled, got %s", task.State())
	}
}

func TestChildCancellationDoesNotReachParent(t *testing.T) {
	t.Parallel()
	parent := New(context.Background(), FailFast)
	child := parent.Child(FailFast)
	sibling := parent.Go(func(ctx context.Context) error { return dispatch.Sleep(ctx, 20*time.Millisecond) })
	child.Go(func(ctx context.Context) error { return dispatch.Sleep(ctx, time.Hour) })
	child.Cancel(nil)
	if err := parent.Wait(); err != nil {
		t.Fatalf("parent should be unaffected, got %v", err)
	}
	if sibling.State() != Completed {
		t.Fatalf("sibling should complete, got %s", sibling.State())
	}
}

func TestChildFailureReachesFailFastParent(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	parent := New(context.Background(), FailFast)
	child := parent.Child(FailFast)
	sibling := parent.Go(func(ctx context.Context) error { return dispatch.Sleep(ctx, 200*time.Millisecond) })
	child.Go(func(context.Context) error { return boom })
	if err := parent.Wait(); !errors.Is(err, boom) {
		t.Fatalf("expected parent to fail with the child's error, got %v", err)
	}
	if sibling.State() != Cancelled {
		t.Fatalf("sibling should be cancelled, got %s", sibling.State())
	}
	if err := child.Wait(); !errors.Is(err, boom) {
		t.Fatalf("expected child to report its failure, got %v", err)
	}
}

func TestChildFailureRecordedBySupervisorParent(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	parent := New(context.Background(), Supervisor)
	child := parent.Child(FailFast)
	sibling := parent.Go(func(ctx context.Context) error { return dispatch.Sleep(ctx, 20*time.Millisecond) })
	child.Go(func(context.Context) error { return boom })
	if err := parent.Wait(); err != nil {
		t.Fatalf("supervisor parent should not fail, got %v", err)
	}
	if sibling.State() != Completed {
		t.Fatalf("sibling should complete, got %s", sibling.State())
	}
	failures := parent.Failures()
	if len(failures) != 1 || !errors.Is(failures[0], boom) {
		t.Fatalf("expected the child's failure to be recorded, got %v", failures)
	}
}

func TestChildFailureRoutedThroughParentHandler(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	var seen atomic.Int64
	parent := New(context.Background(), Supervisor, WithErrorHandler(func(_ *Task, err error) error {
		seen.Add(1)
		return err
	}))
	child := parent.Child(Supervisor, WithErrorHandler(func(_ *Task, err error) error { return err }))
	child.Go(func(context.Context) error { return boom })
	if err := parent.Wait(); !errors.Is(err, boom) {
		t.Fatalf("expected re-raised failure, got %v", err)
	}
	if n := seen.Load(); n != 1 {
		t.Fatalf("parent handler should run once, ran %d times", n)
	}
}

type countObserver struct {
	started  atomic.Int64
	finished atomic.Int64
	joined   atomic.Int64
	cancel   atomic.Int64
}

func (o *countObserver) ScopeCreated(_ context.Context)                 {}
func (o *countObserver) ScopeCancelled(_ context.Context, _ error)      { o.cancel.Add(1) }
func (o *countObserver) ScopeJoined(_ context.Context, _ time.Duration) { o.joined.Add(1) }
func (o *countObserver) TaskStarted(_ context.Context)                  { o.started.Add(1) }
func (o *countObserver) TaskFinished(_ context.Context, _ time.Duration, _ State, _ error, _ bool) {
	o.finished.Add(1)
}

func TestObserverHooks(t *testing.T) {
	t.Parallel()
	obs := &countObserver{}
	s := New(context.Background(), FailFast, WithObserver(obs))
	s.Go(func(_ context.Context) error { return nil })
	s.Go(func(_ context.Context) error { return nil })
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.started.Load() != 2 || obs.finished.Load() != 2 || obs.joined.Load() != 1 {
		t.Fatalf("unexpected observer counts: started=%d finished=%d joined=%d",
			obs.started.Load(), obs.finished.Load(), obs.joined.Load())
	}
}

func TestMultiObserver(t *testing.T) {
	t.Parallel()
	a, b := &countObserver{}, &countObserver{}
	s := New(context.Background(), FailFast, WithObserver(MultiObserver(a, nil, b)))
	s.Go(func(_ context.Context) error { return errors.New("boom") })
	_ = s.Wait()
	for _, o := range []*countObserver{a, b} {
		if o.started.Load() != 1 || o.finished.Load() != 1 || o.cancel.Load() != 1 || o.joined.Load() != 1 {
			t.Fatalf("unexpected observer counts: started=%d finished=%d cancel=%d joined=%d",
				o.started.Load(), o.finished.Load(), o.cancel.Load(), o.joined.Load())
		}
	}
}
