// Package runner executes one plan-do-check-act cycle for an agent.
//
// The seven steps run in a fixed order. Between steps, and between the
// actions inside a step, the runner checks for an operator stop; a stop, a
// budget denial or a safety trigger ends the cycle early. Spend already
// committed stays on the ledger and a partial audit entry is written. The
// runner never changes the agent's status: it returns a Result and the
// scheduler applies the transition.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/xpilot/internal/budget"
	"github.com/jkaninda/xpilot/internal/clients"
	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/knowledge"
	"github.com/jkaninda/xpilot/internal/observability"
	"github.com/jkaninda/xpilot/internal/planner"
	"github.com/jkaninda/xpilot/internal/retry"
	"github.com/jkaninda/xpilot/internal/safety"
	"github.com/jkaninda/xpilot/internal/storage"
)

// Step names, in execution order.
const (
	StepMetrics    = "confirmed_metrics"
	StepSnapshots  = "snapshot_metrics"
	StepAnalysis   = "analysis"
	StepKnowledge  = "knowledge"
	StepPlan       = "plan"
	StepEngagement = "engagement"
	StepAudit      = "audit"
)

// Config tunes the cycle.
type Config struct {
	Retry              retry.Policy
	Planner            planner.Config
	Model              string        // LLM model selector; empty = client default.
	MetricsBatch       int           // Post IDs per metrics call. Default 20.
	AnalyzeMaxTokens   int           // Default 800.
	PlanMaxTokens      int           // Default 600.
	DraftMaxTokens     int           // Default 300.
	ReplyMaxTokens     int           // Default 100.
	SummarizeMaxTokens int           // Default 300.
	SummarizeMinChars  int           // Fetched pages shorter than this are used as is. Default 1500.
	TargetsPerHandle   int           // Candidates kept per target account and search. Default 5.
	RecallK            int           // Shared findings recalled for analysis. Default 5.
	ExperimentWindow   time.Duration // How far back experiment posts get snapshots. Default 7 days.
	SafetyCooldown     time.Duration // stop_until offset for burst, duplicate and negative stops. Default 1h.
}

func (c Config) withDefaults() Config {
	if c.MetricsBatch <= 0 {
		c.MetricsBatch = 20
	}
	if c.AnalyzeMaxTokens <= 0 {
		c.AnalyzeMaxTokens = 800
	}
	if c.PlanMaxTokens <= 0 {
		c.PlanMaxTokens = 600
	}
	if c.DraftMaxTokens <= 0 {
		c.DraftMaxTokens = 300
	}
	if c.ReplyMaxTokens <= 0 {
		c.ReplyMaxTokens = 100
	}
	if c.SummarizeMaxTokens <= 0 {
		c.SummarizeMaxTokens = 300
	}
	if c.SummarizeMinChars <= 0 {
		c.SummarizeMinChars = 1500
	}
	if c.TargetsPerHandle <= 0 {
		c.TargetsPerHandle = 5
	}
	if c.RecallK <= 0 {
		c.RecallK = 5
	}
	if c.ExperimentWindow <= 0 {
		c.ExperimentWindow = 7 * 24 * time.Hour
	}
	if c.SafetyCooldown <= 0 {
		c.SafetyCooldown = time.Hour
	}
	if c.Planner.WindowLength <= 0 {
		c.Planner = planner.DefaultConfig()
	}
	return c
}

// Deps are the collaborators of a Runner. Collector, Tracing and Targets
// may be nil; without Targets, candidates live for one cycle only.
type Deps struct {
	X         clients.XClient // Must queue SchedulePost locally (clients.LocalScheduling).
	Search    clients.SearchClient
	LLM       clients.LLMClient
	Budget    *budget.Guard
	Gate      *safety.Gate
	Knowledge *knowledge.Store
	Posts     storage.PostStore
	Metrics   storage.MetricsStore
	Audit     storage.AuditStore
	Targets   storage.TargetStore
	Collector *observability.MetricsCollector
	Tracing   *observability.TracerSetup
	Logger    *slog.Logger
	Now       func() time.Time
}

// Runner runs cycles. One Runner serves every agent; RunOnce is safe for
// concurrent use across accounts.
type Runner struct {
	x         clients.XClient
	search    clients.SearchClient
	llm       clients.LLMClient
	budget    *budget.Guard
	gate      *safety.Gate
	knowledge *knowledge.Store
	posts     storage.PostStore
	metrics   storage.MetricsStore
	audit     storage.AuditStore
	targets   storage.TargetStore
	collector *observability.MetricsCollector
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
	cfg       Config
}

// New creates a Runner.
func New(d Deps, cfg Config) *Runner {
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Runner{
		x:         d.X,
		search:    d.Search,
		llm:       d.LLM,
		budget:    d.Budget,
		gate:      d.Gate,
		knowledge: d.Knowledge,
		posts:     d.Posts,
		metrics:   d.Metrics,
		audit:     d.Audit,
		targets:   d.Targets,
		collector: d.Collector,
		tracer:    d.Tracing.Tracer(),
		logger:    d.Logger,
		now:       now,
		cfg:       cfg.withDefaults(),
	}
}

// Result is the outcome of one cycle.
type Result struct {
	CorrelationID string
	// StopReason is set when the cycle ended early for a pause reason.
	StopReason string
	// StopUntil suggests when a safety pause may lift on its own. nil
	// means only an operator resume lifts it.
	StopUntil *time.Time
	// Stopped is true when an operator stop interrupted the cycle.
	Stopped bool
	// Err is an unrecoverable fault.
	Err         error
	Partial     bool
	PartialData bool
	Cost        domain.Cost
	Entry       domain.LedgerEntry
	Audit       *domain.AuditEntry
}

// Event is the state machine event the scheduler applies for r.
func (r Result) Event() domain.Event {
	switch {
	case r.Stopped:
		return domain.EventStop
	case r.Err != nil:
		return domain.EventFault
	}
	return domain.EventForStop(r.StopReason)
}

type stepFunc func(ctx context.Context, rc *RunContext) error

// RunOnce runs one cycle for agent, which must be a snapshot the caller
// does not mutate concurrently.
func (r *Runner) RunOnce(ctx context.Context, agent *domain.Agent) Result {
	start := r.now()
	rc := &RunContext{
		CorrelationID: uuid.NewString(),
		Agent:         agent,
		KPI:           agent.WeeklyFocusKPI,
	}
	if rc.KPI == "" {
		rc.KPI = "impressions"
	}

	ctx, span := r.tracer.Start(ctx, "runner.cycle", trace.WithAttributes(
		attribute.String("account_id", agent.ID),
		attribute.String("correlation_id", rc.CorrelationID),
	))
	defer span.End()

	if r.collector != nil {
		r.collector.ActiveRuns.Inc()
		defer r.collector.ActiveRuns.Dec()
	}

	log := r.logger.With(
		slog.String("account_id", agent.ID),
		slog.String("correlation_id", rc.CorrelationID),
	)
	log.InfoContext(ctx, "cycle started", slog.String("kpi", rc.KPI))

	res := Result{CorrelationID: rc.CorrelationID}
	if bal, err := r.budget.Remaining(ctx, agent); err == nil {
		rc.Balance = bal
	} else {
		res.Err = fmt.Errorf("loading balance: %w", err)
	}

	steps := []struct {
		name string
		fn   stepFunc
	}{
		{StepMetrics, r.stepConfirmedMetrics},
		{StepSnapshots, r.stepSnapshots},
		{StepAnalysis, r.stepAnalysis},
		{StepKnowledge, r.stepKnowledge},
		{StepPlan, r.stepPlan},
		{StepEngagement, r.stepEngagement},
	}
	for _, s := range steps {
		if res.Err != nil || res.StopReason != "" {
			break
		}
		if ctx.Err() != nil {
			res.Stopped = true
			rc.decide(s.name, "halt", "stop observed at checkpoint")
			break
		}

		stepCtx, stepSpan := r.tracer.Start(ctx, "runner.step."+s.name)
		before := rc.actionCount()
		err := s.fn(stepCtx, rc)
		if err != nil {
			stepSpan.RecordError(err)
			stepSpan.SetStatus(codes.Error, err.Error())
		}
		stepSpan.End()
		if err == nil {
			continue
		}

		rc.step(domain.StepSummary{Step: s.name, Status: "aborted", Detail: err.Error(), Actions: rc.actionsSince(before)})
		switch {
		case errors.Is(err, errStopped) || ctx.Err() != nil:
			res.Stopped = true
		case domain.StopReasonOf(err) != "":
			res.StopReason = domain.StopReasonOf(err)
		default:
			res.Err = fmt.Errorf("%s: %w", s.name, err)
		}
	}

	if res.Stopped {
		res.StopReason = domain.StopManual
	}
	res.Partial = res.Stopped || res.Err != nil || res.StopReason != ""
	res.StopUntil = r.stopUntil(res.StopReason)

	// Step 7 runs regardless of how the cycle ended.
	r.stepAudit(ctx, rc, &res)

	result := "completed"
	switch {
	case res.Err != nil:
		result = "error"
		span.SetStatus(codes.Error, res.Err.Error())
		log.ErrorContext(ctx, "cycle failed", slog.String("error", res.Err.Error()))
	case res.StopReason != "":
		result = res.StopReason
		log.WarnContext(ctx, "cycle ended early", slog.String("stop_reason", res.StopReason))
	default:
		log.InfoContext(ctx, "cycle completed",
			slog.Float64("x_cost", res.Cost.X),
			slog.Float64("llm_cost", res.Cost.LLM),
			slog.Bool("partial_data", res.PartialData),
		)
	}
	if r.collector != nil {
		r.collector.CyclesTotal.WithLabelValues(agent.ID, result).Inc()
		r.collector.CycleDuration.WithLabelValues(agent.ID).Observe(r.now().Sub(start).Seconds())
	}
	return res
}

// stopUntil returns when a pause for reason lifts by itself.
func (r *Runner) stopUntil(reason string) *time.Time {
	var t time.Time
	switch reason {
	case domain.StopReplyCap, domain.StopQuoteCap, domain.StopBudgetProjection:
		t = domain.Day(r.now()).Add(24 * time.Hour)
	case domain.StopPostBurst, domain.StopNearDuplicate, domain.StopNegativeSpike:
		t = r.now().Add(r.cfg.SafetyCooldown)
	default:
		return nil
	}
	return &t
}

// stepAudit writes the ledger summary and the audit entry.
func (r *Runner) stepAudit(ctx context.Context, rc *RunContext, res *Result) {
	ctx = context.WithoutCancel(ctx)
	if bal, err := r.budget.Remaining(ctx, rc.Agent); err == nil {
		res.Entry = bal.Entry
	}
	res.Cost = rc.Cost()
	res.PartialData = rc.PartialData()

	state, _, err := domain.Transition(domain.StatusRunning, res.Event())
	if err != nil {
		state = domain.StatusError
	}
	rc.step(domain.StepSummary{Step: StepAudit, Status: "ok"})

	now := r.now()
	entry := &domain.AuditEntry{
		Date:          domain.Day(now),
		AccountID:     rc.Agent.ID,
		CorrelationID: rc.CorrelationID,
		Source:        "runner",
		EventType:     "cycle",
		Steps:         rc.Steps(),
		Decisions:     rc.Decisions(),
		Actions:       rc.Actions(),
		Costs:         res.Cost,
		ResultState:   state,
		StopReason:    res.StopReason,
		Partial:       res.Partial,
		PartialData:   res.PartialData,
		CreatedAt:     now,
	}
	res.Audit = entry
	if r.audit == nil {
		return
	}
	if err := r.audit.Append(ctx, entry); err != nil {
		r.logger.ErrorContext(ctx, "failed to append audit entry",
			slog.String("account_id", rc.Agent.ID),
			slog.String("correlation_id", rc.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
}
