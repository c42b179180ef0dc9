package observability

import (
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records request counts and latency, and opens a span
// per request when a tracer is set. The metrics endpoint itself is skipped.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer, skipPath string) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			if r.URL.Path == skipPath {
				return next(c)
			}

			if tracer != nil {
				_, span := tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.path", r.URL.Path),
					))
				defer span.End()
			}

			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			if metrics != nil {
				code := c.Response().StatusCode()
				if code == 0 {
					code = http.StatusOK
				}
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			}

			return err
		}
	}
}
