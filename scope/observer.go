package scope

import (
	"context"
	"time"
)

// Observer receives scope and task lifecycle events. Calls are made from the
// goroutines of the tasks involved and must be safe for concurrent use.
type Observer interface {
	ScopeCreated(ctx context.Context)
	ScopeCancelled(ctx context.Context, cause error)
	ScopeJoined(ctx context.Context, wait time.Duration)
	TaskStarted(ctx context.Context)
	// TaskFinished reports a terminal task. dur is zero for a task that
	// terminated before its body started.
	TaskFinished(ctx context.Context, dur time.Duration, state State, err error, panicked bool)
}

type multiObserver []Observer

// MultiObserver returns an Observer that forwards every event to each of obs
// in order. Nil entries are skipped.
func MultiObserver(obs ...Observer) Observer {
	m := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

func (m multiObserver) ScopeCreated(ctx context.Context) {
	for _, o := range m {
		o.ScopeCreated(ctx)
	}
}

func (m multiObserver) ScopeCancelled(ctx context.Context, cause error) {
	for _, o := range m {
		o.ScopeCancelled(ctx, cause)
	}
}

func (m multiObserver) ScopeJoined(ctx context.Context, wait time.Duration) {
	for _, o := range m {
		o.ScopeJoined(ctx, wait)
	}
}

func (m multiObserver) TaskStarted(ctx context.Context) {
	for _, o := range m {
		o.TaskStarted(ctx)
	}
}

func (m multiObserver) TaskFinished(ctx context.Context, dur time.Duration, state State, err error, panicked bool) {
	for _, o := range m {
		o.TaskFinished(ctx, dur, state, err, panicked)
	}
}
