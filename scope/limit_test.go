package scope

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NetPo4ki/go-scope/dispatch"
)

// gauge tracks how many tasks are inside a section at once.
type gauge struct {
	cur, max atomic.Int64
}

func (g *gauge) enter() {
	c := g.cur.Add(1)
	for {
		m := g.max.Load()
		if c <= m || g.max.CompareAndSwap(m, c) {
			return
		}
	}
}

func (g *gauge) leave() { g.cur.Add(-1) }

func TestMaxConcurrencyBound(t *testing.T) {
	t.Parallel()
	const N = 8
	const M = 50
	s := New(context.Background(), Supervisor, WithMaxConcurrency(N))
	var g gauge
	for range M {
		s.Go(func(ctx context.Context) error {
			g.enter()
			defer g.leave()
			return dispatch.Sleep(ctx, 2*time.Millisecond)
		})
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if observed := int(g.max.Load()); observed > N {
		t.Fatalf("observed concurrency %d exceeds limit %d", observed, N)
	}
}

func TestMaxConcurrencyHeldAcrossSuspension(t *testing.T) {
	t.Parallel()
	// Unlike a dispatcher slot, a limiter permit is kept while the task parks.
	s := New(context.Background(), FailFast, WithMaxConcurrency(1), WithDispatcher(dispatch.Unconfined()))
	var g gauge
	for range 4 {
		s.Go(func(ctx context.Context) error {
			g.enter()
			defer g.leave()
			if err := dispatch.Yield(ctx); err != nil {
				return err
			}
			return dispatch.Sleep(ctx, time.Millisecond)
		})
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m := g.max.Load(); m != 1 {
		t.Fatalf("expected strictly sequential tasks, saw %d at once", m)
	}
}

func TestLimiterAcquireRespectsCancel(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), FailFast, WithMaxConcurrency(1))
	block, running := make(chan struct{}), make(chan struct{})
	s.Go(func(_ context.Context) error {
		close(running)
		<-block
		return nil
	})
	<-running
	queued := s.Go(func(ctx context.Context) error {
		t.Error("queued task must not start after cancel")
		return nil
	})
	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	s.Cancel(context.Canceled)
	<-queued.Done()
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("expected quick abort on cancel, got %v", elapsed)
	}
	close(block)
	_ = s.Wait()
	if queued.State() != Cancelled || queued.Started() {
		t.Fatalf("queued task should be cancelled before start, got %s", queued)
	}
}

func TestQueuedTaskReportsSiblingFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	s := New(context.Background(), FailFast, WithMaxConcurrency(1))
	running := make(chan struct{})
	s.Go(func(ctx context.Context) error {
		close(running)
		_ = dispatch.Sleep(ctx, 20*time.Millisecond)
		return boom
	})
	<-running
	queued := s.Go(func(context.Context) error {
		t.Error("queued task must not start after the failure")
		return nil
	})
	if err := s.Wait(); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !errors.Is(queued.Err(), boom) {
		t.Fatalf("queued task should report the failure cause, got %v", queued.Err())
	}
	if queued.State() != Cancelled || queued.Started() {
		t.Fatalf("queued task should be cancelled before start, got %s", queued)
	}
}

func TestChildMaxConcurrencyBound(t *testing.T) {
	t.Parallel()
	parent := New(context.Background(), Supervisor)
	child := parent.Child(Supervisor, WithMaxConcurrency(1))
	var g gauge
	release := []chan struct{}{make(chan struct{}), make(chan struct{})}
	for _, ch := range release {
		child.Go(func(ctx context.Context) error {
			g.enter()
			defer g.leave()
			select {
			case <-ch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	time.Sleep(20 * time.Millisecond)
	if observed := int(g.max.Load()); observed > 1 {
		t.Fatalf("child observed concurrency %d exceeds limit 1", observed)
	}
	close(release[0])
	close(release[1])
	_ = parent.Wait()
	if child.State() != Closed {
		t.Fatalf("parent join should close the child, got %s", child.State())
	}
}
