package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/NetPo4ki/go-scope/scope"
)

// Event names.
const (
	EventScopeCreated   = "scope.created"
	EventScopeCancelled = "scope.cancelled"
	EventScopeJoined    = "scope.joined"
	EventTaskStarted    = "task.started"
	EventTaskFinished   = "task.finished"
)

// Observer implements scope.Observer. It is stateless; events land on
// whatever span is active in the context the scope was created with.
type Observer struct {
	recordCancellation bool
}

var _ scope.Observer = (*Observer)(nil)

type Option func(*Observer)

// WithCancellationErrors records cancelled tasks as span errors as well.
// By default only failures are.
func WithCancellationErrors() Option {
	return func(o *Observer) { o.recordCancellation = true }
}

func New(opts ...Option) *Observer {
	o := &Observer{}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

func taskAttrs(ctx context.Context) []attribute.KeyValue {
	if t := scope.CurrentTask(ctx); t != nil {
		return []attribute.KeyValue{attribute.Int64("task.id", int64(t.ID()))}
	}
	return nil
}

func (o *Observer) ScopeCreated(ctx context.Context) {
	trace.SpanFromContext(ctx).AddEvent(EventScopeCreated)
}

func (o *Observer) ScopeCancelled(ctx context.Context, cause error) {
	attrs := []attribute.KeyValue{}
	if cause != nil {
		attrs = append(attrs, attribute.String("scope.cause", cause.Error()))
	}
	trace.SpanFromContext(ctx).AddEvent(EventScopeCancelled, trace.WithAttributes(attrs...))
}

func (o *Observer) ScopeJoined(ctx context.Context, wait time.Duration) {
	trace.SpanFromContext(ctx).AddEvent(EventScopeJoined,
		trace.WithAttributes(attribute.Int64("scope.join_wait_us", wait.Microseconds())))
}

func (o *Observer) TaskStarted(ctx context.Context) {
	trace.SpanFromContext(ctx).AddEvent(EventTaskStarted, trace.WithAttributes(taskAttrs(ctx)...))
}

func (o *Observer) TaskFinished(ctx context.Context, dur time.Duration, state scope.State, err error, panicked bool) {
	span := trace.SpanFromContext(ctx)
	attrs := append(taskAttrs(ctx),
		attribute.String("task.state", state.String()),
		attribute.Int64("task.duration_us", dur.Microseconds()),
		attribute.Bool("task.panicked", panicked),
	)
	span.AddEvent(EventTaskFinished, trace.WithAttributes(attrs...))
	if err == nil {
		return
	}
	if state == scope.Failed || (state == scope.Cancelled && o.recordCancellation) {
		span.RecordError(err, trace.WithAttributes(taskAttrs(ctx)...))
	}
}
