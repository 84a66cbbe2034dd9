// Package prom exports scope lifecycle metrics as Prometheus collectors.
package prom

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/NetPo4ki/go-scope/scope"
)

const namespace = "goscope"

// Metrics implements scope.Observer with Prometheus collectors.
type Metrics struct {
	activeTasks   prometheus.Gauge
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksPanicked prometheus.Counter
	taskDuration  *prometheus.HistogramVec

	scopesCreated   prometheus.Counter
	scopesCancelled prometheus.Counter
	joinWait        prometheus.Histogram
}

var _ scope.Observer = (*Metrics)(nil)

// New creates the collectors and registers them on reg. A nil reg leaves them
// unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		activeTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_tasks",
			Help: "Tasks currently executing.",
		}),
		tasksStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_started_total",
			Help: "Tasks whose body started.",
		}),
		tasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_finished_total",
			Help: "Tasks that reached a terminal state, by state.",
		}, []string{"state"}),
		tasksPanicked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_panicked_total",
			Help: "Tasks whose body panicked.",
		}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds",
			Help:    "Time from task start to termination, by terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"state"}),
		scopesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scopes_created_total",
			Help: "Scopes created.",
		}),
		scopesCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scopes_cancelled_total",
			Help: "Scopes cancelled, by a failure, a timeout or explicitly.",
		}),
		joinWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "join_wait_seconds",
			Help:    "Time spent in Scope.Join.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
	}
}

func (m *Metrics) ScopeCreated(_ context.Context) { m.scopesCreated.Inc() }

func (m *Metrics) ScopeCancelled(_ context.Context, _ error) { m.scopesCancelled.Inc() }

func (m *Metrics) ScopeJoined(_ context.Context, wait time.Duration) {
	m.joinWait.Observe(wait.Seconds())
}

func (m *Metrics) TaskStarted(_ context.Context) {
	m.activeTasks.Inc()
	m.tasksStarted.Inc()
}

// TaskFinished is also called for tasks that terminated before they started;
// those never counted as active.
func (m *Metrics) TaskFinished(ctx context.Context, dur time.Duration, state scope.State, _ error, panicked bool) {
	if t := scope.CurrentTask(ctx); t == nil || t.Started() {
		m.activeTasks.Dec()
	}
	label := state.String()
	m.tasksFinished.WithLabelValues(label).Inc()
	m.taskDuration.WithLabelValues(label).Observe(dur.Seconds())
	if panicked {
		m.tasksPanicked.Inc()
	}
}
