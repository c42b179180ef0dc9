// Package safety implements the gate every costed action passes before an
// external call. Checks run in priority order and the first that fires
// wins; a fired check pauses the agent.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/xpilot/internal/budget"
	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/observability"
)

// Config holds the gate thresholds. BurstWindow and SimilarityThreshold
// have no defaults and must be set.
type Config struct {
	BurstMax            int           // Posts allowed inside BurstWindow.
	BurstWindow         time.Duration // Rolling window for the burst check.
	SimilarityThreshold float64       // Jaccard score at or above which a draft is a near-duplicate.
	ShingleSize         int           // Words per shingle. Default 3.
	HistorySize         int           // Recent texts kept per account. Default 50.
	NegativeRateMax     float64       // Negative reactions per impression. 0 disables the check.
	NegativeMinImpr     int           // Impressions needed before the rate is judged. Default 100.
}

// Validate rejects a config missing the required thresholds.
func (c Config) Validate() error {
	var errs []error
	if c.BurstWindow <= 0 {
		errs = append(errs, errors.New("safety: burst_window must be set"))
	}
	if c.BurstMax <= 0 {
		errs = append(errs, errors.New("safety: burst_max must be positive"))
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		errs = append(errs, errors.New("safety: similarity_threshold must be in (0, 1]"))
	}
	return errors.Join(errs...)
}

// Stage selects which checks Evaluate runs. Actions whose text is drafted
// inside the reservation are checked twice: once before the draft, once
// on its text.
type Stage int

const (
	// StageAll runs every check in priority order.
	StageAll Stage = iota
	// StageBeforeDraft runs the projection, cap and burst checks.
	StageBeforeDraft
	// StageContent runs the near-duplicate and negative-reaction checks.
	StageContent
)

// Check is the input of one evaluation.
type Check struct {
	Agent   *domain.Agent
	Action  domain.Action
	Stage   Stage
	Balance budget.Balance
	// Planned is the estimated cost of the actions still planned for the
	// cycle. Balance already excludes the reservation of the action checked.
	Planned domain.Cost
	// Recent holds metrics of the account's recent posts.
	Recent []domain.PostMetrics
	// At is when the post will go out; zero = now.
	At time.Time
	// PostID excludes the post's own history entry, set when a queued post
	// is checked again at dispatch.
	PostID string
}

// Verdict is the outcome of Evaluate.
type Verdict struct {
	Allowed bool
	Reason  string
	Detail  string
}

// Err returns a *domain.SafetyError for a denied verdict, nil otherwise.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return &domain.SafetyError{Reason: v.Reason, Detail: v.Detail}
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(reason, format string, args ...any) Verdict {
	return Verdict{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Gate evaluates checks against per-account posting history.
// Safe for concurrent use.
type Gate struct {
	cfg     Config
	metrics *observability.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	history map[string]*accountHistory
}

type accountHistory struct {
	times []stamp // Scheduled/published times.
	texts []stamp // Recent texts, oldest first.
}

type stamp struct {
	id   string
	at   time.Time
	text string
}

// New creates a gate. cfg must pass Validate.
func New(cfg Config, metrics *observability.MetricsCollector, logger *slog.Logger) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ShingleSize <= 0 {
		cfg.ShingleSize = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if cfg.NegativeMinImpr <= 0 {
		cfg.NegativeMinImpr = 100
	}
	return &Gate{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		history: make(map[string]*accountHistory),
	}, nil
}

// SetClock replaces the time source. Call before the gate is shared.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Evaluate runs the checks in priority order.
func (g *Gate) Evaluate(ctx context.Context, c Check) Verdict {
	v := g.evaluate(c)
	if !v.Allowed {
		g.logger.WarnContext(ctx, "safety check fired",
			slog.String("account_id", c.Agent.ID),
			slog.String("action", string(c.Action.Kind)),
			slog.String("reason", v.Reason),
			slog.String("detail", v.Detail),
		)
		if g.metrics != nil {
			g.metrics.SafetyTriggersTotal.WithLabelValues(c.Agent.ID, v.Reason).Inc()
		}
	}
	return v
}

func (g *Gate) evaluate(c Check) Verdict {
	if c.Stage != StageContent {
		if v := checkProjection(c); !v.Allowed {
			return v
		}
		if v := checkCaps(c); !v.Allowed {
			return v
		}
	}
	if !publishes(c.Action.Kind) {
		return allow()
	}

	times, texts := g.snapshot(c)
	if c.Stage != StageContent {
		at := c.At
		if at.IsZero() {
			at = g.now()
		}
		if v := g.checkBurst(times, at); !v.Allowed {
			return v
		}
		if c.Stage == StageBeforeDraft {
			return allow()
		}
	}
	if v := g.checkDuplicate(texts, c.Action.Text); !v.Allowed {
		return v
	}
	return g.checkNegative(c.Recent)
}

// snapshot copies the account history, leaving out c.PostID.
func (g *Gate) snapshot(c Check) ([]time.Time, []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var times []time.Time
	var texts []string
	if h := g.history[c.Agent.ID]; h != nil {
		for _, s := range h.times {
			if c.PostID == "" || s.id != c.PostID {
				times = append(times, s.at)
			}
		}
		for _, s := range h.texts {
			if c.PostID == "" || s.id != c.PostID {
				texts = append(texts, s.text)
			}
		}
	}
	return times, texts
}

// publishes reports whether kind puts content on the account.
func publishes(kind domain.ActionKind) bool {
	return kind == domain.ActionPost || kind.IsEngagement()
}

func checkProjection(c Check) Verdict {
	if c.Planned.IsZero() || c.Balance.Covers(c.Planned) {
		return allow()
	}
	return deny(domain.StopBudgetProjection, "planned x=%.2f llm=%.2f, remaining x=%.2f llm=%.2f total=%.2f",
		c.Planned.X, c.Planned.LLM, c.Balance.Remaining.X, c.Balance.Remaining.LLM, c.Balance.Total)
}

func checkCaps(c Check) Verdict {
	t := c.Agent.Toggles
	e := c.Balance.Entry
	switch c.Action.Kind {
	case domain.ActionReply:
		if e.ReplyCount >= t.ReplyDailyMax {
			return deny(domain.StopReplyCap, "%d of %d replies used", e.ReplyCount, t.ReplyDailyMax)
		}
		if e.ReplyCount+e.QuoteCount >= t.ReplyQuoteDailyMax {
			return deny(domain.StopReplyCap, "%d of %d engagements used", e.ReplyCount+e.QuoteCount, t.ReplyQuoteDailyMax)
		}
	case domain.ActionQuote:
		if e.QuoteCount >= t.QuoteDailyMax {
			return deny(domain.StopQuoteCap, "%d of %d quotes used", e.QuoteCount, t.QuoteDailyMax)
		}
		if e.ReplyCount+e.QuoteCount >= t.ReplyQuoteDailyMax {
			return deny(domain.StopQuoteCap, "%d of %d engagements used", e.ReplyCount+e.QuoteCount, t.ReplyQuoteDailyMax)
		}
	}
	return allow()
}

// checkBurst fires when the post at at would be more than BurstMax inside
// any window ending or starting at that time.
func (g *Gate) checkBurst(times []time.Time, at time.Time) Verdict {
	n := 1
	for _, t := range times {
		d := at.Sub(t)
		if d < 0 {
			d = -d
		}
		if d < g.cfg.BurstWindow {
			n++
		}
	}
	if n > g.cfg.BurstMax {
		return deny(domain.StopPostBurst, "%d posts within %s", n, g.cfg.BurstWindow)
	}
	return allow()
}

func (g *Gate) checkDuplicate(texts []string, draft string) Verdict {
	if draft == "" {
		return allow()
	}
	for _, prev := range texts {
		if s := Jaccard(draft, prev, g.cfg.ShingleSize); s >= g.cfg.SimilarityThreshold {
			return deny(domain.StopNearDuplicate, "similarity %.2f >= %.2f", s, g.cfg.SimilarityThreshold)
		}
	}
	return allow()
}

func (g *Gate) checkNegative(recent []domain.PostMetrics) Verdict {
	if g.cfg.NegativeRateMax <= 0 {
		return allow()
	}
	var neg, impr int
	for _, m := range recent {
		neg += m.Negative
		impr += m.Impressions
	}
	if impr < g.cfg.NegativeMinImpr {
		return allow()
	}
	if rate := float64(neg) / float64(impr); rate > g.cfg.NegativeRateMax {
		return deny(domain.StopNegativeSpike, "negative rate %.4f > %.4f over %d posts", rate, g.cfg.NegativeRateMax, len(recent))
	}
	return allow()
}

// Record adds a scheduled or published post to the account history. A
// repeated id moves the existing entry instead of adding one.
func (g *Gate) Record(accountID, id, text string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.history[accountID]
	if !ok {
		h = &accountHistory{}
		g.history[accountID] = h
	}

	keep := max(24*time.Hour, g.cfg.BurstWindow)
	cutoff := g.now().Add(-keep)
	times := h.times[:0]
	for _, s := range h.times {
		if !s.at.Before(cutoff) && (id == "" || s.id != id) {
			times = append(times, s)
		}
	}
	h.times = append(times, stamp{id: id, at: at})

	if text != "" {
		texts := h.texts[:0]
		for _, s := range h.texts {
			if id == "" || s.id != id {
				texts = append(texts, s)
			}
		}
		h.texts = append(texts, stamp{id: id, text: text})
		if over := len(h.texts) - g.cfg.HistorySize; over > 0 {
			h.texts = h.texts[over:]
		}
	}
}

// Seed loads history from persisted posts, oldest first.
func (g *Gate) Seed(accountID string, posts []*domain.Post) {
	for _, p := range posts {
		at := p.ScheduledAt
		if p.PostedAt != nil {
			at = *p.PostedAt
		}
		g.Record(accountID, p.ID, p.Text, at)
	}
}
