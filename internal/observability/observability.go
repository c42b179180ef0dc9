// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks and external-call anomaly detection. All components are
// optional and nil-safe: when disabled, wrappers skip recording with a
// single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/xpilot/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Any field may be nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New creates an Observability instance from config. onAnomaly receives
// error-rate alerts and may be nil.
func New(ctx context.Context, cfg *config.ObservabilityConfig, logger *slog.Logger, onAnomaly func(string, float64)) (*Observability, error) {
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(ctx, cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger, onAnomaly)
	}

	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// MetricsOrNil returns the collector or nil when metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// TracerOrNil returns the OTel tracer or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}
