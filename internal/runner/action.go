package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/ledger"
	"github.com/jkaninda/xpilot/internal/ratelimit"
	"github.com/jkaninda/xpilot/internal/retry"
	"github.com/jkaninda/xpilot/internal/safety"
)

// errStopped marks an action or step interrupted by an operator stop.
var errStopped = errors.New("run stopped")

// guarded describes one costed action: Reserve, then SafetyGate, then the
// client call under retry, then Commit or Release.
type guarded[T any] struct {
	step   string
	action domain.Action
	// rest is the estimated cost of the cycle's actions still planned after
	// this one. The action itself is already held by its reservation.
	rest domain.Cost
	// draft, when set, produces the action text after the reservation. The
	// gate runs its cap and burst checks before the draft and its content
	// checks on the drafted text. Its tokens are charged within the same
	// reservation, even when the action is then denied.
	draft func(ctx context.Context) (text string, tokens int64, err error)
	// fallback is the text used when draft fails. Empty means a failed draft
	// abandons the action.
	fallback string
	call     func(ctx context.Context, a domain.Action) (T, error)
	// actual computes the real cost from the result. nil = the estimate.
	actual func(v T, est domain.Cost) domain.Cost
}

type drafted struct {
	text   string
	tokens int64
}

// execute runs g for rc. Errors that should end the cycle come back as is;
// every other failure is recorded and wraps domain.ErrExternalCall so the
// caller can abandon the single action.
func execute[T any](ctx context.Context, r *Runner, rc *RunContext, g guarded[T]) (T, error) {
	var zero T
	a := g.action
	est := r.budget.EstimateCost(a)
	rec := domain.ActionRecord{Kind: a.Kind, TargetID: a.TargetID, Estimated: est, At: r.now()}

	if ctx.Err() != nil {
		rec.Outcome = domain.OutcomeStopped
		rc.record(rec, domain.Cost{})
		return zero, errStopped
	}

	res, err := r.budget.Reserve(ctx, rc.Agent, a)
	if err != nil {
		rec.Outcome = domain.OutcomeFailed
		if errors.Is(err, domain.ErrBudgetExceeded) {
			rec.Outcome = domain.OutcomeDeniedBudget
		}
		rec.Error = err.Error()
		rc.record(rec, domain.Cost{})
		return zero, err
	}

	stage := safety.StageAll
	if g.draft != nil {
		if err := r.check(ctx, rc, g.step, a, g.rest, safety.StageBeforeDraft, time.Time{}, ""); err != nil {
			return zero, r.denied(ctx, rc, res, rec, domain.Cost{}, err)
		}
		d, _, err := retry.Do(ctx, r.cfg.Retry, r.notify(ctx, rc, a.Kind), func(ctx context.Context) (drafted, error) {
			text, tokens, err := g.draft(ctx)
			return drafted{text: text, tokens: tokens}, err
		})
		switch {
		case err == nil:
			a.Text = d.text
			rec.Actual = domain.Cost{LLM: r.budget.Table().PriceTokens(d.tokens), LLMTokens: d.tokens}
		case ctx.Err() != nil || g.fallback == "":
			r.budget.Release(ctx, res)
			return zero, r.failed(ctx, rc, g.step, rec, fmt.Errorf("drafting %s: %w", a.Kind, err))
		default:
			r.logger.WarnContext(ctx, "draft failed, using the planned text",
				slog.String("account_id", rc.Agent.ID),
				slog.String("action", string(a.Kind)),
				slog.String("error", err.Error()),
			)
			a.Text = g.fallback
		}
		stage = safety.StageContent
	}

	if err := r.check(ctx, rc, g.step, a, g.rest, stage, time.Time{}, ""); err != nil {
		return zero, r.denied(ctx, rc, res, rec, rec.Actual, err)
	}

	v, attempts, err := retry.Do(ctx, r.cfg.Retry, r.notify(ctx, rc, a.Kind), func(ctx context.Context) (T, error) {
		return g.call(ctx, a)
	})
	rec.Attempts = attempts
	if err != nil {
		r.settleSpend(ctx, rc, res, rec.Actual)
		return zero, r.failed(ctx, rc, g.step, rec, err)
	}

	actual := est
	if g.actual != nil {
		actual = g.actual(v, est)
	}
	if g.draft != nil {
		actual.LLM = rec.Actual.LLM
		actual.LLMTokens = rec.Actual.LLMTokens
	}
	if _, err := r.budget.Commit(ctx, res, actual); err != nil {
		rec.Outcome = domain.OutcomeFailed
		rec.Error = err.Error()
		rec.Actual = domain.Cost{}
		rc.record(rec, domain.Cost{})
		return v, err
	}
	rec.Actual = actual
	rec.Outcome = domain.OutcomeOK
	rc.record(rec, actual)
	return v, nil
}

// denied records a gate denial and settles res for what the draft spent.
func (r *Runner) denied(ctx context.Context, rc *RunContext, res *ledger.Reservation, rec domain.ActionRecord, spent domain.Cost, err error) error {
	r.settleSpend(ctx, rc, res, spent)
	rec.Outcome = domain.OutcomeDeniedSafety
	rec.Error = err.Error()
	rec.Actual = spent
	rc.record(rec, spent)
	return err
}

// settleSpend charges res for spent without counting the action. A zero
// spend releases it.
func (r *Runner) settleSpend(ctx context.Context, rc *RunContext, res *ledger.Reservation, spent domain.Cost) {
	if _, err := r.budget.CommitSpend(ctx, res, spent); err != nil {
		r.logger.WarnContext(ctx, "failed to settle draft spend",
			slog.String("account_id", rc.Agent.ID),
			slog.String("action", string(res.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// failed records a failed client call and maps it to the error the caller
// acts on.
func (r *Runner) failed(ctx context.Context, rc *RunContext, step string, rec domain.ActionRecord, err error) error {
	rec.Error = err.Error()
	switch {
	case ctx.Err() != nil:
		rec.Outcome = domain.OutcomeStopped
		err = errStopped
	case errors.Is(err, ratelimit.ErrRateLimited):
		rec.Outcome = domain.OutcomeSkipped
		rec.Error = domain.SkipRateLimited
		rc.decide(step, "skip "+string(rec.Kind), domain.SkipRateLimited)
	default:
		rec.Outcome = domain.OutcomeFailed
	}
	rc.record(rec, rec.Actual)
	if err != errStopped && !errors.Is(err, domain.ErrExternalCall) {
		err = fmt.Errorf("%w: %w", domain.ErrExternalCall, err)
	}
	if errors.Is(err, domain.ErrUnauthorized) {
		r.logger.ErrorContext(ctx, "x credentials rejected",
			slog.String("account_id", rc.Agent.ID),
			slog.String("action", string(rec.Kind)),
		)
	}
	return err
}

// check consults the safety gate. A denial returns a *domain.SafetyError.
func (r *Runner) check(ctx context.Context, rc *RunContext, step string, a domain.Action, rest domain.Cost, stage safety.Stage, at time.Time, postID string) error {
	bal, err := r.budget.Remaining(ctx, rc.Agent)
	if err != nil {
		return err
	}
	v := r.gate.Evaluate(ctx, safety.Check{
		Agent:   rc.Agent,
		Action:  a,
		Stage:   stage,
		Balance: bal,
		Planned: rest,
		Recent:  rc.recent,
		At:      at,
		PostID:  postID,
	})
	if !v.Allowed {
		rc.decide(step, "halt", v.Reason+": "+v.Detail)
		return v.Err()
	}
	return nil
}

func (r *Runner) notify(ctx context.Context, rc *RunContext, kind domain.ActionKind) retry.Notify {
	return func(attempt int, err error, wait time.Duration) {
		r.logger.WarnContext(ctx, "external call failed, retrying",
			slog.String("account_id", rc.Agent.ID),
			slog.String("action", string(kind)),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
}

// halts reports whether err ends the cycle. Abandoned external calls do not.
func halts(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, errStopped), errors.Is(err, domain.ErrUnauthorized):
		return true
	case errors.Is(err, domain.ErrBudgetExceeded), errors.Is(err, domain.ErrSafetyTriggered):
		return true
	}
	return !errors.Is(err, domain.ErrExternalCall)
}

// estimates returns the summed estimate of actions[from:].
func (r *Runner) estimates(actions []domain.Action, from int) domain.Cost {
	var c domain.Cost
	for i := from; i < len(actions); i++ {
		c = c.Add(r.budget.EstimateCost(actions[i]))
	}
	return c
}
