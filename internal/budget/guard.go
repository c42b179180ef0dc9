// Package budget is the BudgetGuard: it estimates the cost of runner actions
// and gates them through reservations on the cost ledger.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/ledger"
	"github.com/jkaninda/xpilot/internal/observability"
)

// Guard enforces per-account daily budgets with a reservation pattern.
// Policy lives here; atomicity is the ledger store's job.
type Guard struct {
	store   ledger.Store
	table   CostTable
	metrics *observability.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithMetrics records spend and denials. nil disables recording.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithClock overrides time.Now, mainly for tests around the day boundary.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a Guard over store priced by table.
func New(store ledger.Store, table CostTable, logger *slog.Logger, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		table:  table,
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Table returns the active cost table.
func (g *Guard) Table() CostTable { return g.table }

// EstimateCost is a pure function of the action kind and parameters.
func (g *Guard) EstimateCost(a domain.Action) domain.Cost {
	return g.table.Estimate(a)
}

// Reserve holds the estimated cost of a against the agent's budget for the
// current UTC day. Free actions return a nil reservation and no error; Commit
// and Release accept nil.
func (g *Guard) Reserve(ctx context.Context, agent *domain.Agent, a domain.Action) (*ledger.Reservation, error) {
	est := g.EstimateCost(a)
	if est.IsZero() {
		return nil, nil
	}
	res, err := g.store.Reserve(ctx, agent.ID, g.now(), a.Kind, est, agent.DailyBudget)
	if err != nil {
		var be *domain.BudgetError
		if errors.As(err, &be) {
			g.logger.WarnContext(ctx, "budget reservation denied",
				slog.String("account_id", agent.ID),
				slog.String("action", string(a.Kind)),
				slog.String("bucket", be.Bucket),
				slog.Float64("estimate", be.Estimate),
				slog.Float64("remaining", be.Remaining),
			)
			if g.metrics != nil {
				g.metrics.BudgetDenialsTotal.WithLabelValues(agent.ID, be.Bucket).Inc()
			}
			return nil, err
		}
		return nil, fmt.Errorf("reserving budget: %w", err)
	}

	g.logger.DebugContext(ctx, "budget reserved",
		slog.String("account_id", agent.ID),
		slog.String("action", string(a.Kind)),
		slog.String("reservation_id", res.ID),
		slog.Float64("x", est.X),
		slog.Float64("llm", est.LLM),
	)
	return res, nil
}

// Commit converts res into ledger spend for actual. It runs detached from
// ctx cancellation: a stop that arrives after the external call succeeded
// must not lose the spend.
func (g *Guard) Commit(ctx context.Context, res *ledger.Reservation, actual domain.Cost) (domain.LedgerEntry, error) {
	if res == nil {
		return domain.LedgerEntry{}, nil
	}
	return g.commit(ctx, res, actual, res.Kind.Counters())
}

// CommitSpend settles res for what was actually spent on an action that
// did not happen, such as a drafted reply the gate then denied. The reply,
// quote and post counters are left alone. A zero spend releases res.
func (g *Guard) CommitSpend(ctx context.Context, res *ledger.Reservation, spent domain.Cost) (domain.LedgerEntry, error) {
	if res == nil {
		return domain.LedgerEntry{}, nil
	}
	if spent.IsZero() {
		g.Release(ctx, res)
		return g.store.Entry(context.WithoutCancel(ctx), res.AccountID, res.Day)
	}
	return g.commit(ctx, res, spent, domain.Counters{})
}

func (g *Guard) commit(ctx context.Context, res *ledger.Reservation, actual domain.Cost, counters domain.Counters) (domain.LedgerEntry, error) {
	before, _ := g.store.Entry(context.WithoutCancel(ctx), res.AccountID, res.Day)
	entry, err := g.store.Commit(context.WithoutCancel(ctx), res, actual, counters, res.Limit)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("committing reservation %s: %w", res.ID, err)
	}

	if overrun := entry.Overrun - before.Overrun; overrun > 0 {
		g.logger.WarnContext(ctx, "actual cost exceeded headroom",
			slog.String("account_id", res.AccountID),
			slog.String("action", string(res.Kind)),
			slog.Float64("overrun", overrun),
		)
		if g.metrics != nil {
			g.metrics.BudgetOverrunTotal.WithLabelValues(res.AccountID).Add(overrun)
		}
	}
	if g.metrics != nil {
		g.metrics.BudgetSpentTotal.WithLabelValues(res.AccountID, "x").Add(math.Max(entry.XUsageUnits-before.XUsageUnits, 0))
		g.metrics.BudgetSpentTotal.WithLabelValues(res.AccountID, "llm").Add(math.Max(entry.LLMCost-before.LLMCost, 0))
	}
	g.logger.DebugContext(ctx, "budget committed",
		slog.String("account_id", res.AccountID),
		slog.String("reservation_id", res.ID),
		slog.Float64("total_cost", entry.TotalCost),
	)
	return entry, nil
}

// Release discards res. Idempotent.
func (g *Guard) Release(ctx context.Context, res *ledger.Reservation) {
	if res == nil {
		return
	}
	if err := g.store.Release(context.WithoutCancel(ctx), res); err != nil {
		g.logger.ErrorContext(ctx, "failed to release reservation",
			slog.String("reservation_id", res.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Balance is a point-in-time view of an account's day.
type Balance struct {
	Day         time.Time          `json:"day"`
	Limit       domain.DailyBudget `json:"limit"`
	Entry       domain.LedgerEntry `json:"entry"`
	Outstanding domain.Cost        `json:"outstanding"`
	Remaining   domain.Cost        `json:"remaining"`
	Total       float64            `json:"remaining_total"` // Remaining against the overall limit.
}

// Covers reports whether c fits within the remaining balance.
func (b Balance) Covers(c domain.Cost) bool {
	return c.X <= b.Remaining.X+1e-9 && c.LLM <= b.Remaining.LLM+1e-9 && c.Total() <= b.Total+1e-9
}

// Remaining returns the agent's balance for the current day.
func (g *Guard) Remaining(ctx context.Context, agent *domain.Agent) (Balance, error) {
	day := domain.Day(g.now())
	entry, err := g.store.Entry(ctx, agent.ID, day)
	if err != nil {
		return Balance{}, fmt.Errorf("loading ledger entry: %w", err)
	}
	out, err := g.store.Outstanding(ctx, agent.ID, day)
	if err != nil {
		return Balance{}, fmt.Errorf("loading outstanding reservations: %w", err)
	}
	limit := agent.DailyBudget
	spent := entry.Spent()
	return Balance{
		Day:         day,
		Limit:       limit,
		Entry:       entry,
		Outstanding: out,
		Remaining: domain.Cost{
			X:   math.Max(limit.X-spent.X-out.X, 0),
			LLM: math.Max(limit.LLM-spent.LLM-out.LLM, 0),
		},
		Total: math.Max(limit.Limit()-spent.Total()-out.Total(), 0),
	}, nil
}

// Reconcile raises the day's X usage to what the provider reports.
func (g *Guard) Reconcile(ctx context.Context, agent *domain.Agent, day time.Time, units float64) (domain.LedgerEntry, error) {
	entry, err := g.store.ReconcileXUsage(ctx, agent.ID, day, units, agent.DailyBudget)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("reconciling x usage: %w", err)
	}
	g.logger.InfoContext(ctx, "x usage reconciled",
		slog.String("account_id", agent.ID),
		slog.Float64("reported_units", units),
		slog.Float64("x_usage_units", entry.XUsageUnits),
	)
	return entry, nil
}
