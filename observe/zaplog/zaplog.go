// Package zaplog logs scope lifecycle events with zap.
//
// A logger can travel in the context (WithLogger); events of tasks running
// under that context are written to it, otherwise to the observer's own
// logger.
package zaplog

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/NetPo4ki/go-scope/scope"
)

type logCtxKey struct{}

// WithLogger returns a context that carries logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, logCtxKey{}, logger)
}

// FromContext returns the logger carried by ctx, or nil.
func FromContext(ctx context.Context) *zap.Logger {
	l, _ := ctx.Value(logCtxKey{}).(*zap.Logger)
	return l
}

// Observer implements scope.Observer. Cancellation is expected and is logged
// at debug; only failed tasks are logged at error.
type Observer struct {
	logger *zap.Logger
}

var _ scope.Observer = (*Observer)(nil)

// New returns an observer writing to logger. A nil logger discards events
// that have no logger in their context.
func New(logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{logger: logger}
}

func (o *Observer) log(ctx context.Context) *zap.Logger {
	l := FromContext(ctx)
	if l == nil {
		l = o.logger
	}
	if t := scope.CurrentTask(ctx); t != nil {
		l = l.With(zap.Uint64("task", t.ID()))
	}
	return l
}

func (o *Observer) ScopeCreated(ctx context.Context) {
	o.log(ctx).Debug("scope created")
}

func (o *Observer) ScopeCancelled(ctx context.Context, cause error) {
	o.log(ctx).Debug("scope cancelled", zap.NamedError("cause", cause))
}

func (o *Observer) ScopeJoined(ctx context.Context, wait time.Duration) {
	o.log(ctx).Debug("scope joined", zap.Duration("wait", wait))
}

func (o *Observer) TaskStarted(ctx context.Context) {
	o.log(ctx).Debug("task started")
}

func (o *Observer) TaskFinished(ctx context.Context, dur time.Duration, state scope.State, err error, panicked bool) {
	level := zapcore.DebugLevel
	if state == scope.Failed {
		level = zapcore.ErrorLevel
	}
	fields := []zap.Field{
		zap.Stringer("state", state),
		zap.Duration("duration", dur),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if panicked {
		fields = append(fields, zap.Bool("panicked", true))
		var pe *scope.PanicError
		if errors.As(err, &pe) {
			fields = append(fields, zap.ByteString("stack", pe.Stack))
		}
	}
	o.log(ctx).Log(level, "task finished", fields...)
}
