package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/xpilot/internal/clients"
	"github.com/jkaninda/xpilot/internal/domain"
)

// instrument carries what every wrapper records into.
type instrument struct {
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

func newInstrument(metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) instrument {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return instrument{metrics: metrics, tracer: tracer, anomaly: anomaly}
}

// observe runs fn inside a span and records an external call for client/op.
func observe[T any](ctx context.Context, in instrument, client, op string, attrs []attribute.KeyValue, fn func(context.Context) (T, error)) (T, error) {
	if in.tracer != nil {
		var span trace.Span
		ctx, span = in.tracer.Start(ctx, client+"."+op, trace.WithAttributes(attrs...))
		defer span.End()
	}

	start := time.Now()
	v, err := fn(ctx)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if in.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if in.metrics != nil {
		in.metrics.ExternalCallsTotal.WithLabelValues(client, op, status).Inc()
		in.metrics.ExternalCallDuration.WithLabelValues(client, op).Observe(duration)
	}

	if in.anomaly != nil {
		if err != nil {
			in.anomaly.RecordError(client + "." + op)
		} else {
			in.anomaly.RecordSuccess(client + "." + op)
		}
	}
	return v, err
}

func account(id string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("xpilot.account_id", id)}
}

// --- InstrumentedLLM ---

// InstrumentedLLM wraps a clients.LLMClient with metrics, tracing, and anomaly detection.
type InstrumentedLLM struct {
	inner clients.LLMClient
	in    instrument
}

// NewInstrumentedLLM wraps an LLM client with observability.
func NewInstrumentedLLM(inner clients.LLMClient, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedLLM {
	return &InstrumentedLLM{inner: inner, in: newInstrument(metrics, ts, anomaly)}
}

func (l *InstrumentedLLM) Run(ctx context.Context, t clients.Task) (*clients.Output, error) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.task", t.Type),
		attribute.String("llm.model", t.Model),
	}
	start := time.Now()
	out, err := observe(ctx, l.in, "llm", t.Type, attrs, func(ctx context.Context) (*clients.Output, error) {
		return l.inner.Run(ctx, t)
	})

	if m := l.in.metrics; m != nil {
		model := t.Model
		if out != nil && out.Model != "" {
			model = out.Model
		}
		status := "success"
		if err != nil {
			status = "error"
		}
		m.LLMRequestsTotal.WithLabelValues(t.Type, model, status).Inc()
		m.LLMRequestDuration.WithLabelValues(t.Type, model).Observe(time.Since(start).Seconds())
		if out != nil {
			m.LLMTokensUsed.WithLabelValues(model, "input").Add(float64(out.InputTokens))
			m.LLMTokensUsed.WithLabelValues(model, "output").Add(float64(out.OutputTokens))
		}
	}
	return out, err
}

// --- InstrumentedX ---

// InstrumentedX wraps a clients.XClient.
type InstrumentedX struct {
	inner clients.XClient
	in    instrument
}

// NewInstrumentedX wraps an X client with observability.
func NewInstrumentedX(inner clients.XClient, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedX {
	return &InstrumentedX{inner: inner, in: newInstrument(metrics, ts, anomaly)}
}

func (x *InstrumentedX) ListPosts(ctx context.Context, accountID string, from, to time.Time) ([]clients.Tweet, error) {
	return observe(ctx, x.in, "x", "list_posts", account(accountID), func(ctx context.Context) ([]clients.Tweet, error) {
		return x.inner.ListPosts(ctx, accountID, from, to)
	})
}

func (x *InstrumentedX) GetPostMetrics(ctx context.Context, accountID string, ids []string, kind domain.MetricsKind) ([]domain.PostMetrics, error) {
	attrs := append(account(accountID), attribute.String("x.metrics_kind", string(kind)), attribute.Int("x.ids", len(ids)))
	return observe(ctx, x.in, "x", "get_post_metrics", attrs, func(ctx context.Context) ([]domain.PostMetrics, error) {
		return x.inner.GetPostMetrics(ctx, accountID, ids, kind)
	})
}

func (x *InstrumentedX) CreatePost(ctx context.Context, accountID string, d clients.Draft) (*clients.Tweet, error) {
	return observe(ctx, x.in, "x", "create_post", account(accountID), func(ctx context.Context) (*clients.Tweet, error) {
		return x.inner.CreatePost(ctx, accountID, d)
	})
}

func (x *InstrumentedX) SchedulePost(ctx context.Context, accountID string, d clients.Draft, at time.Time) (*domain.Post, error) {
	return observe(ctx, x.in, "x", "schedule_post", account(accountID), func(ctx context.Context) (*domain.Post, error) {
		return x.inner.SchedulePost(ctx, accountID, d, at)
	})
}

func (x *InstrumentedX) Like(ctx context.Context, accountID, postID string) error {
	_, err := observe(ctx, x.in, "x", "like", account(accountID), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, x.inner.Like(ctx, accountID, postID)
	})
	return err
}

func (x *InstrumentedX) Reply(ctx context.Context, accountID, postID, text string) (*clients.Tweet, error) {
	return observe(ctx, x.in, "x", "reply", account(accountID), func(ctx context.Context) (*clients.Tweet, error) {
		return x.inner.Reply(ctx, accountID, postID, text)
	})
}

func (x *InstrumentedX) Quote(ctx context.Context, accountID, postID, text string) (*clients.Tweet, error) {
	return observe(ctx, x.in, "x", "quote", account(accountID), func(ctx context.Context) (*clients.Tweet, error) {
		return x.inner.Quote(ctx, accountID, postID, text)
	})
}

func (x *InstrumentedX) DailyUsage(ctx context.Context, accountID string, day time.Time) (float64, error) {
	return observe(ctx, x.in, "x", "daily_usage", account(accountID), func(ctx context.Context) (float64, error) {
		return x.inner.DailyUsage(ctx, accountID, day)
	})
}

// --- InstrumentedSearch ---

// InstrumentedSearch wraps a clients.SearchClient.
type InstrumentedSearch struct {
	inner clients.SearchClient
	in    instrument
}

// NewInstrumentedSearch wraps a search client with observability.
func NewInstrumentedSearch(inner clients.SearchClient, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSearch {
	return &InstrumentedSearch{inner: inner, in: newInstrument(metrics, ts, anomaly)}
}

func (s *InstrumentedSearch) SearchWeb(ctx context.Context, q string) ([]clients.SearchResult, error) {
	return observe(ctx, s.in, "search", "search_web", nil, func(ctx context.Context) ([]clients.SearchResult, error) {
		return s.inner.SearchWeb(ctx, q)
	})
}

func (s *InstrumentedSearch) FetchReadable(ctx context.Context, url string) (*clients.Document, error) {
	attrs := []attribute.KeyValue{attribute.String("http.url", url)}
	return observe(ctx, s.in, "search", "fetch", attrs, func(ctx context.Context) (*clients.Document, error) {
		return s.inner.FetchReadable(ctx, url)
	})
}

func (s *InstrumentedSearch) SearchX(ctx context.Context, q string) ([]clients.Tweet, error) {
	return observe(ctx, s.in, "search", "search_x", nil, func(ctx context.Context) ([]clients.Tweet, error) {
		return s.inner.SearchX(ctx, q)
	})
}

// --- Compile-time interface checks ---

var (
	_ clients.LLMClient    = (*InstrumentedLLM)(nil)
	_ clients.XClient      = (*InstrumentedX)(nil)
	_ clients.SearchClient = (*InstrumentedSearch)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
