package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for xpilot.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// External client metrics (X, web search, fetch).
	ExternalCallsTotal   *prometheus.CounterVec
	ExternalCallDuration *prometheus.HistogramVec

	// Budget metrics.
	BudgetSpentTotal   *prometheus.CounterVec
	BudgetDenialsTotal *prometheus.CounterVec
	BudgetOverrunTotal *prometheus.CounterVec

	// Safety and cycle metrics.
	SafetyTriggersTotal *prometheus.CounterVec
	CyclesTotal         *prometheus.CounterVec
	CycleDuration       *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRuns prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpilot",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"task", "model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xpilot",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"task", "model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpilot",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"model", "direction"}),

		ExternalCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpilot",
			Subsystem: "external",
			Name:      "calls_total",
			Help:      "Total calls to external platforms.",
		}, []string{"client", "op", "status"}),

		ExternalCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xpilot",
			Subsystem: "external",
			Name:      "call_duration_seconds",
			Help:      "External call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"client", "op"}),

		BudgetSpentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpilot",
			Subsystem: "budget",
			Name:      "spent_total",
			Help:      "Committed spend per account and budget portion.",
		}, []string{"account_id", "bucket"}),

		BudgetDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpilot",
			Subsystem: "budget",
			Name:      "denials_total",
			Help:      "Reservations denied for lack of headroom.",
		}, []string{"account_id", "bucket"}),

		BudgetOverrunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpilot",
			Subsystem: "budget",
			Name:      "overrun_total",
			Help:      "Actual spend above the daily limit, recorded but not charged.",
		}, []string{"account_id"}),

		SafetyTriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpilot",
			Subsystem: "safety",
			Name:      "triggers_total",
			Help:      "Safety checks that paused an agent.",
		}, []string{"account_id", "reason"}),

		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpilot",
			Subsystem: "runner",
			Name:      "cycles_total",
			Help:      "PDCA cycles by result state.",
		}, []string{"account_id", "result"}),

		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xpilot",
			Subsystem: "runner",
			Name:      "cycle_duration_seconds",
			Help:      "PDCA cycle duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"account_id"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpilot",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xpilot",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xpilot",
			Name:      "active_runs",
			Help:      "Number of PDCA cycles currently running.",
		}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ExternalCallsTotal,
		m.ExternalCallDuration,
		m.BudgetSpentTotal,
		m.BudgetDenialsTotal,
		m.BudgetOverrunTotal,
		m.SafetyTriggersTotal,
		m.CyclesTotal,
		m.CycleDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRuns,
	)

	return m
}
