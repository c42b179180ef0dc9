package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/xpilot/internal/config"
)

// minSamples is the number of calls needed before an error rate is judged.
const minSamples = 5

// AnomalyDetector flags external operations whose error rate over a sliding
// window crosses the configured threshold. Keys are "<client>.<op>".
type AnomalyDetector struct {
	mu        sync.Mutex
	errors    map[string]*slidingWindow
	successes map[string]*slidingWindow
	flagged   map[string]bool
	window    time.Duration
	threshold float64
	onAnomaly func(operation string, rate float64)
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config. onAnomaly, if
// set, is called once each time an operation crosses the threshold.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger, onAnomaly func(operation string, rate float64)) *AnomalyDetector {
	return &AnomalyDetector{
		errors:    make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		flagged:   make(map[string]bool),
		window:    time.Duration(cfg.GetWindowSeconds()) * time.Second,
		threshold: cfg.ErrorRateThreshold,
		onAnomaly: onAnomaly,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.get(a.errors, operation).add(a.now())
	rate, crossed := a.check(operation)
	a.mu.Unlock()

	if crossed {
		if a.logger != nil {
			a.logger.Warn("anomaly detected: high error rate",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
				slog.Float64("threshold", a.threshold),
			)
		}
		if a.onAnomaly != nil {
			a.onAnomaly(operation, rate)
		}
	}
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.get(a.successes, operation).add(a.now())
	if rate, _ := a.rate(operation); rate <= a.threshold {
		delete(a.flagged, operation)
	}
}

// ErrorRate returns the current windowed error rate of operation.
func (a *AnomalyDetector) ErrorRate(operation string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rate, _ := a.rate(operation)
	return rate
}

// check reports whether operation just crossed the threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) check(operation string) (float64, bool) {
	if a.threshold <= 0 {
		return 0, false
	}
	rate, total := a.rate(operation)
	if total < minSamples || rate <= a.threshold || a.flagged[operation] {
		return rate, false
	}
	a.flagged[operation] = true
	return rate, true
}

func (a *AnomalyDetector) rate(operation string) (float64, int) {
	now := a.now()
	errs := a.get(a.errors, operation).count(now)
	total := errs + a.get(a.successes, operation).count(now)
	if total == 0 {
		return 0, 0
	}
	return float64(errs) / float64(total), total
}

func (a *AnomalyDetector) get(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(at time.Time) {
	w.entries = append(w.entries, at)
	w.prune(at)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
