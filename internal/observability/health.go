package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates health from multiple subsystems.
type HealthChecker struct {
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // Error message on failure.
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth returns liveness status. Always "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered checks concurrently. The result is "ok"
// only if every check passes.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var mu sync.Mutex
	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.checks)),
	}

	var g errgroup.Group
	for _, c := range h.checks {
		g.Go(func() error {
			start := time.Now()
			err := c.Check(checkCtx)
			res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Message = err.Error()
				if h.logger != nil {
					h.logger.Warn("readiness check failed",
						slog.String("check", c.Name),
						slog.String("error", err.Error()),
					)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			status.Checks[c.Name] = res
			if err != nil {
				status.Status = "degraded"
			}
			return nil
		})
	}
	_ = g.Wait()

	return status
}
