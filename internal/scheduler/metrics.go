package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the fleet scheduler.
type Metrics struct {
	RunsStarted      *prometheus.CounterVec
	RunsSkipped      *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	RetriesExhausted prometheus.Counter
	PostsDispatched  *prometheus.CounterVec
	TickDuration     prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpilot",
			Subsystem: "scheduler",
			Name:      "runs_started_total",
			Help:      "Cycles dispatched to the worker pool, by triggering event.",
		}, []string{"event"}),
		RunsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpilot",
			Subsystem: "scheduler",
			Name:      "runs_skipped_total",
			Help:      "Due cycles not started, by reason.",
		}, []string{"reason"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpilot",
			Subsystem: "scheduler",
			Name:      "transitions_total",
			Help:      "Agent state transitions applied.",
		}, []string{"from", "to"}),
		RetriesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xpilot",
			Subsystem: "scheduler",
			Name:      "retries_exhausted_total",
			Help:      "Agents left in ERROR after the retry policy gave up.",
		}),
		PostsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpilot",
			Subsystem: "scheduler",
			Name:      "posts_dispatched_total",
			Help:      "Queued posts handled by the dispatcher, by result.",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "xpilot",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each scheduler tick (selection and dispatch, not the cycles).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.RunsStarted,
		m.RunsSkipped,
		m.Transitions,
		m.RetriesExhausted,
		m.PostsDispatched,
		m.TickDuration,
	)

	return m
}
