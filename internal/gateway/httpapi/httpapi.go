// Package httpapi implements the operator HTTP API for xpilot.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limit (1 MB)
//   - Per-operator rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/xpilot/internal/budget"
	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/observability"
	"github.com/jkaninda/xpilot/internal/ratelimit"
	"github.com/jkaninda/xpilot/internal/scheduler"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	defaultAuditLimit     = 100
	maxAuditLimit         = 1000

	// anonymousOperator is the identity used when no API keys are configured.
	anonymousOperator = "anonymous"
	rateLimitEndpoint = "api"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string // e.g., ":8080"
	EnableDocs bool
	APIKeys    map[string]string // API key -> operator name. Empty = no auth.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /ready endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Operator is the set of fleet commands the gateway exposes.
// *scheduler.Scheduler implements it.
type Operator interface {
	ListAgents() []*domain.Agent
	Agent(id string) (*domain.Agent, error)
	Running(id string) bool
	Stop(ctx context.Context, id, reason string, until *time.Time) (*domain.Agent, error)
	Resume(ctx context.Context, id string) (*domain.Agent, error)
	RequestRun(ctx context.Context, id string) error
	PatchConfig(ctx context.Context, id string, p scheduler.Patch) (*domain.Agent, []domain.ToggleFallback, error)
	GetAuditLog(ctx context.Context, id string, limit int) ([]*domain.AuditEntry, error)
}

// Balancer reports an agent's budget balance for the current day.
type Balancer interface {
	Remaining(ctx context.Context, agent *domain.Agent) (budget.Balance, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	operator Operator
	balances Balancer // nil = budget endpoint disabled.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, op Operator, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		operator: op,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithBalances enables GET /v1/agents/{id}/budget.
func (g *Gateway) WithBalances(b Balancer) *Gateway {
	g.balances = b
	return g
}

// WithOpenAPIDocs enables the OpenAPI documentation endpoints.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "xpilot operator API",
			Version: "v1",
		},
	)
	return g
}

// Start registers the routes and serves until Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	metricsPath := g.config.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer, metricsPath))

	g.group.Get("/agents", g.handleList,
		okapi.DocSummary("List every agent"),
		okapi.DocTags("Agents"),
		okapi.DocResponse([]AgentResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/agents/{id}", g.handleGet,
		okapi.DocSummary("Get an agent"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Account ID"),
		okapi.DocResponse(AgentResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/agents/{id}/stop", g.handleStop,
		okapi.DocSummary("Stop an agent and cancel its in-flight cycle"),
		okapi.DocTags("Operator"),
		okapi.DocPathParam("id", "string", "Account ID"),
		okapi.DocRequestBody(StopRequest{}),
		okapi.DocResponse(AgentResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/agents/{id}/resume", g.handleResume,
		okapi.DocSummary("Resume a stopped or paused agent"),
		okapi.DocTags("Operator"),
		okapi.DocPathParam("id", "string", "Account ID"),
		okapi.DocResponse(AgentResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/agents/{id}/run", g.handleRun,
		okapi.DocSummary("Run the agent on the next tick"),
		okapi.DocTags("Operator"),
		okapi.DocPathParam("id", "string", "Account ID"),
		okapi.DocResponse(http.StatusAccepted, AgentResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Put("/agents/{id}/config", g.handlePatch,
		okapi.DocSummary("Patch agent budget, toggles, focus and schedule"),
		okapi.DocTags("Operator"),
		okapi.DocPathParam("id", "string", "Account ID"),
		okapi.DocRequestBody(PatchRequest{}),
		okapi.DocResponse(PatchResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/agents/{id}/audit", g.handleAudit,
		okapi.DocSummary("Audit log, newest first"),
		okapi.DocTags("Audit"),
		okapi.DocPathParam("id", "string", "Account ID"),
		okapi.DocResponse([]*domain.AuditEntry{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	if g.balances != nil {
		g.group.Get("/agents/{id}/budget", g.handleBudget,
			okapi.DocSummary("Budget balance for the current UTC day"),
			okapi.DocTags("Budget"),
			okapi.DocPathParam("id", "string", "Account ID"),
			okapi.DocResponse(budget.Balance{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/health", g.handleLiveness)
	g.okapi.Get("/ready", g.handleReadiness)
	if g.config.MetricsRegistry != nil {
		g.okapi.HandleStd("GET", metricsPath, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("operator api starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("operator api stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// AgentResponse is the JSON view of an agent.
type AgentResponse struct {
	ID             string                `json:"id"`
	Handle         string                `json:"handle"`
	Active         bool                  `json:"active"`
	Status         domain.Status         `json:"status"`
	Running        bool                  `json:"running"`
	DailyBudget    domain.DailyBudget    `json:"daily_budget"`
	Toggles        domain.FeatureToggles `json:"toggles"`
	StopReason     string                `json:"stop_reason,omitempty"`
	StopUntil      *time.Time            `json:"stop_until,omitempty"`
	WeeklyFocusKPI string                `json:"weekly_focus_kpi,omitempty"`
	Topics         []string              `json:"topics,omitempty"`
	TargetHandles  []string              `json:"target_handles,omitempty"`
	Schedule       string                `json:"schedule,omitempty"`
	RetryCount     int                   `json:"retry_count,omitempty"`
	LastRunAt      *time.Time            `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time            `json:"next_run_at,omitempty"`
	LastError      string                `json:"last_error,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func (g *Gateway) agentResponse(a *domain.Agent) AgentResponse {
	return AgentResponse{
		ID:             a.ID,
		Handle:         a.Handle,
		Active:         a.Active,
		Status:         a.Status,
		Running:        g.operator.Running(a.ID),
		DailyBudget:    a.DailyBudget,
		Toggles:        a.Toggles,
		StopReason:     a.StopReason,
		StopUntil:      a.StopUntil,
		WeeklyFocusKPI: a.WeeklyFocusKPI,
		Topics:         a.Topics,
		TargetHandles:  a.TargetHandles,
		Schedule:       a.Schedule,
		RetryCount:     a.RetryCount,
		LastRunAt:      a.LastRunAt,
		NextRunAt:      a.NextRunAt,
		LastError:      a.LastError,
		UpdatedAt:      a.UpdatedAt,
	}
}

func (g *Gateway) handleList(c *okapi.Context) error {
	agents := g.operator.ListAgents()
	resp := make([]AgentResponse, len(agents))
	for i, a := range agents {
		resp[i] = g.agentResponse(a)
	}
	return c.OK(resp)
}

func (g *Gateway) handleGet(c *okapi.Context) error {
	a, err := g.operator.Agent(c.Param("id"))
	if err != nil {
		return g.operatorError(c, err)
	}
	return c.OK(g.agentResponse(a))
}

// StopRequest is the JSON body for POST /v1/agents/{id}/stop.
type StopRequest struct {
	Reason string     `json:"reason,omitempty"` // Empty = manual_stop.
	Until  *time.Time `json:"until,omitempty"`  // Nil = until resumed.
}

func (g *Gateway) handleStop(c *okapi.Context) error {
	var req StopRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.AbortBadRequest("invalid request body")
		}
	}
	if req.Until != nil && !req.Until.After(time.Now()) {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "until must be in the future"})
	}
	id := c.Param("id")
	g.logger.Info("operator stop",
		slog.String("operator", c.GetString("operator")),
		slog.String("account_id", id),
		slog.String("reason", req.Reason),
	)
	a, err := g.operator.Stop(c.Context(), id, req.Reason, req.Until)
	if err != nil {
		return g.operatorError(c, err)
	}
	return c.OK(g.agentResponse(a))
}

func (g *Gateway) handleResume(c *okapi.Context) error {
	id := c.Param("id")
	g.logger.Info("operator resume",
		slog.String("operator", c.GetString("operator")),
		slog.String("account_id", id),
	)
	a, err := g.operator.Resume(c.Context(), id)
	if err != nil {
		return g.operatorError(c, err)
	}
	return c.OK(g.agentResponse(a))
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.operator.RequestRun(c.Context(), id); err != nil {
		return g.operatorError(c, err)
	}
	a, err := g.operator.Agent(id)
	if err != nil {
		return g.operatorError(c, err)
	}
	return c.JSON(http.StatusAccepted, g.agentResponse(a))
}

// PatchRequest is the JSON body for PUT /v1/agents/{id}/config. Absent
// fields are left unchanged.
type PatchRequest struct {
	DailyBudget    *domain.DailyBudget `json:"daily_budget,omitempty"`
	Toggles        map[string]any      `json:"toggles,omitempty"`
	WeeklyFocusKPI *string             `json:"weekly_focus_kpi,omitempty"`
	Topics         []string            `json:"topics,omitempty"`
	TargetHandles  []string            `json:"target_handles,omitempty"`
	Schedule       *string             `json:"schedule,omitempty"`
	Active         *bool               `json:"active,omitempty"`
}

// PatchResponse carries the patched agent and any toggles that fell back.
type PatchResponse struct {
	Agent     AgentResponse      `json:"agent"`
	Fallbacks []ToggleFallbackUI `json:"fallbacks,omitempty"`
}

// ToggleFallbackUI reports a toggle value that was replaced by its default.
type ToggleFallbackUI struct {
	Key     string `json:"key"`
	Reason  string `json:"reason"`
	Raw     string `json:"raw"`
	Default any    `json:"default"`
}

func (g *Gateway) handlePatch(c *okapi.Context) error {
	var req PatchRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	id := c.Param("id")
	a, fallbacks, err := g.operator.PatchConfig(c.Context(), id, scheduler.Patch{
		DailyBudget:    req.DailyBudget,
		Toggles:        req.Toggles,
		WeeklyFocusKPI: req.WeeklyFocusKPI,
		Topics:         req.Topics,
		TargetHandles:  req.TargetHandles,
		Schedule:       req.Schedule,
		Active:         req.Active,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return g.operatorError(c, err)
		}
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	}
	g.logger.Info("operator patch",
		slog.String("operator", c.GetString("operator")),
		slog.String("account_id", id),
		slog.Int("fallbacks", len(fallbacks)),
	)
	resp := PatchResponse{Agent: g.agentResponse(a)}
	for _, f := range fallbacks {
		resp.Fallbacks = append(resp.Fallbacks, ToggleFallbackUI{Key: f.Key, Reason: f.Reason, Raw: f.Raw, Default: f.Default})
	}
	return c.OK(resp)
}

func (g *Gateway) handleAudit(c *okapi.Context) error {
	limit := defaultAuditLimit
	if v := c.Request().URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: "limit must be a positive integer"})
		}
		limit = min(n, maxAuditLimit)
	}
	entries, err := g.operator.GetAuditLog(c.Context(), c.Param("id"), limit)
	if err != nil {
		return g.operatorError(c, err)
	}
	if entries == nil {
		entries = []*domain.AuditEntry{}
	}
	return c.OK(entries)
}

func (g *Gateway) handleBudget(c *okapi.Context) error {
	a, err := g.operator.Agent(c.Param("id"))
	if err != nil {
		return g.operatorError(c, err)
	}
	bal, err := g.balances.Remaining(c.Context(), a)
	if err != nil {
		return g.operatorError(c, err)
	}
	return c.OK(bal)
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key, stores the operator name and applies
// the per-operator rate limit. With no keys configured every caller is
// the anonymous operator.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		operator := anonymousOperator
		if len(g.config.APIKeys) > 0 {
			authHeader := c.Header("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				return c.AbortUnauthorized("missing or invalid Authorization header")
			}
			apiKey := strings.TrimPrefix(authHeader, "Bearer ")

			operator = ""
			for key, name := range g.config.APIKeys {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
					operator = name
				}
			}
			if operator == "" {
				return c.AbortUnauthorized("invalid API key")
			}
		}
		if err := g.limiter.Allow(operator, rateLimitEndpoint); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		c.Set("operator", operator)
		return next(c)
	}
}

// --- Helpers ---

// operatorError maps scheduler errors to HTTP responses.
func (g *Gateway) operatorError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: err.Error()})
	case errors.Is(err, domain.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
	default:
		g.logger.Error("operator command failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("operator command failed")
	}
}
