// Package metrics exposes engine events as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/taskengine/internal/events"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Counters
	runsStarted    prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	tasksFailed    prometheus.Counter
	tasksBlocked   prometheus.Counter
	tasksCancelled prometheus.Counter
	tasksRetried   *prometheus.CounterVec
	cacheHits      *prometheus.CounterVec

	// Gauges
	tasksRunning prometheus.Gauge
	tasksPending prometheus.Gauge
	breakerState *prometheus.GaugeVec

	// Histograms
	taskDuration  *prometheus.HistogramVec
	batchDuration prometheus.Histogram
	runDuration   prometheus.Histogram
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskengine_runs_started_total",
				Help: "Total number of accepted task graphs",
			},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_tasks_completed_total",
				Help: "Total number of tasks resolved successfully",
			},
			[]string{"source"},
		),
		tasksFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskengine_tasks_failed_total",
				Help: "Total number of tasks that failed",
			},
		),
		tasksBlocked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskengine_tasks_blocked_total",
				Help: "Total number of tasks blocked by an unresolved dependency",
			},
		),
		tasksCancelled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskengine_tasks_cancelled_total",
				Help: "Total number of tasks cancelled before dispatch",
			},
		),
		tasksRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_task_retries_total",
				Help: "Total number of task re-attempts",
			},
			[]string{"service"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_cache_hits_total",
				Help: "Total number of tasks served from the semantic cache",
			},
			[]string{"adapted"},
		),
		tasksRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskengine_tasks_running",
				Help: "Current number of executing tasks",
			},
		),
		tasksPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskengine_tasks_pending",
				Help: "Tasks of the latest run not yet in a terminal state",
			},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskengine_breaker_state",
				Help: "Circuit breaker state per service (0 closed, 1 half-open, 2 open)",
			},
			[]string{"service"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskengine_task_duration_seconds",
				Help:    "Task execution duration in seconds, retries included",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
			[]string{"outcome"},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskengine_batch_duration_seconds",
				Help:    "Time for every task of a batch to reach a terminal state",
				Buckets: []float64{.1, 1, 5, 30, 60, 300, 600, 1800, 3600},
			},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskengine_run_duration_seconds",
				Help:    "Total duration of a run",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
			},
		),
	}

	// Register all metrics
	reg.MustRegister(
		m.runsStarted,
		m.tasksCompleted,
		m.tasksFailed,
		m.tasksBlocked,
		m.tasksCancelled,
		m.tasksRetried,
		m.cacheHits,
		m.tasksRunning,
		m.tasksPending,
		m.breakerState,
		m.taskDuration,
		m.batchDuration,
		m.runDuration,
	)

	return m
}

// Emit implements events.Sink.
func (m *Metrics) Emit(event events.Event) {
	switch e := event.(type) {
	case events.RunStartedEvent:
		m.runsStarted.Inc()
		m.tasksPending.Set(float64(e.Tasks))
	case events.ProgressEvent:
		m.tasksPending.Set(float64(e.Pending))
	case events.RunFinishedEvent:
		m.runDuration.Observe(e.Duration.Seconds())
		m.tasksPending.Set(0)
	case events.TaskStartedEvent:
		m.tasksRunning.Inc()
	case events.TaskCompletedEvent:
		m.tasksCompleted.WithLabelValues(e.Source).Inc()
		if e.Source == events.SourceCache {
			m.cacheHits.WithLabelValues(boolLabel(e.Adapted)).Inc()
			return
		}
		m.tasksRunning.Dec()
		m.taskDuration.WithLabelValues("succeeded").Observe(e.Duration.Seconds())
	case events.TaskFailedEvent:
		m.tasksFailed.Inc()
		m.tasksRunning.Dec()
		m.taskDuration.WithLabelValues("failed").Observe(e.Duration.Seconds())
	case events.TaskBlockedEvent:
		m.tasksBlocked.Inc()
	case events.TaskCancelledEvent:
		m.tasksCancelled.Inc()
	case events.TaskRetryEvent:
		m.tasksRetried.WithLabelValues(e.Service).Inc()
	case events.BatchCompletedEvent:
		m.batchDuration.Observe(e.Duration.Seconds())
	case events.BreakerStateEvent:
		m.breakerState.WithLabelValues(e.Service).Set(stateValue(e.To))
	}
}

func stateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	}
	return 0
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var _ events.Sink = (*Metrics)(nil)
