package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/xpilot/internal/clients"
	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/ratelimit"
	"github.com/jkaninda/xpilot/internal/retry"
	"github.com/jkaninda/xpilot/internal/safety"
)

// Dispatch result labels.
const (
	resultPosted  = "posted"
	resultSkipped = "skipped"
	resultFailed  = "failed"
)

// DispatchDuePosts publishes queued posts whose scheduled time has come,
// for active agents that have auto_post enabled and no cycle in flight.
// Every publish passes the budget guard and the safety gate again. A post
// that cannot go out returns to the queue with the skip reason recorded.
// It returns the number of posts published.
func (s *Scheduler) DispatchDuePosts(ctx context.Context, now time.Time) (int, error) {
	if s.x == nil || s.posts == nil {
		return 0, nil
	}
	agents := make(map[string]*domain.Agent)
	s.mu.Lock()
	for _, id := range s.idsLocked() {
		e := s.registry[id]
		if e.agent.Active && e.agent.Toggles.AutoPost && !e.running {
			agents[id] = e.agent.Clone()
		}
	}
	s.mu.Unlock()
	if len(agents) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}

	due, err := s.posts.ClaimDue(ctx, ids, now, s.config.ClaimLease(), s.config.Batch())
	if err != nil {
		return 0, fmt.Errorf("claiming due posts: %w", err)
	}

	posted := 0
	for _, p := range due {
		if ctx.Err() != nil {
			s.unclaim(context.WithoutCancel(ctx), p, domain.SkipAgentStopped)
			continue
		}
		// The agent may have been stopped by an earlier post of this batch.
		a, err := s.Agent(p.AccountID)
		if err != nil {
			s.unclaim(ctx, p, domain.SkipAgentStopped)
			continue
		}
		if s.publish(ctx, a, p, now) {
			posted++
		}
	}
	return posted, nil
}

// publish runs one claimed post through the guards and out to X.
func (s *Scheduler) publish(ctx context.Context, a *domain.Agent, p *domain.Post, now time.Time) bool {
	log := s.logger.With(slog.String("account_id", a.ID), slog.String("post_id", p.ID))

	switch {
	case a.Status != domain.StatusIdle && a.Status != domain.StatusWaiting:
		s.skip(ctx, a, p, domain.SkipAgentStopped, string(a.Status))
		return false
	case !a.Toggles.AutoPost:
		s.skip(ctx, a, p, domain.SkipAutoPostDisabled, "")
		return false
	}

	action := domain.Action{Kind: p.Kind.ActionKind(), Text: p.Text, TargetID: p.TargetID}
	res, err := s.budget.Reserve(ctx, a, action)
	if err != nil {
		if errors.Is(err, domain.ErrBudgetExceeded) {
			s.skip(ctx, a, p, domain.SkipBudgetExceeded, err.Error())
		} else {
			log.ErrorContext(ctx, "budget reservation failed", slog.String("error", err.Error()))
			s.unclaim(ctx, p, err.Error())
			s.countDispatch(resultFailed)
		}
		return false
	}

	if s.gate != nil {
		bal, err := s.budget.Remaining(ctx, a)
		if err != nil {
			s.budget.Release(ctx, res)
			s.unclaim(ctx, p, err.Error())
			s.countDispatch(resultFailed)
			return false
		}
		v := s.gate.Evaluate(ctx, safety.Check{
			Agent:   a,
			Action:  action,
			Balance: bal,
			Recent:  s.recentMetrics(ctx, a.ID),
			At:      now,
			PostID:  p.ID,
		})
		if !v.Allowed {
			s.budget.Release(ctx, res)
			s.skip(ctx, a, p, v.Reason, v.Detail)
			if stopsAgent(v.Reason) {
				until := now.Add(s.cooldown)
				if _, err := s.Stop(ctx, a.ID, v.Reason, &until); err != nil {
					log.ErrorContext(ctx, "failed to stop agent", slog.String("error", err.Error()))
				}
			}
			return false
		}
	}

	tweet, attempts, err := retry.Do(ctx, s.retry, func(attempt int, err error, wait time.Duration) {
		log.WarnContext(ctx, "publish failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}, func(ctx context.Context) (*clients.Tweet, error) {
		switch p.Kind {
		case domain.PostReply:
			return s.x.Reply(ctx, a.ID, p.TargetID, p.Text)
		case domain.PostQuote:
			return s.x.Quote(ctx, a.ID, p.TargetID, p.Text)
		}
		return s.x.CreatePost(ctx, a.ID, clients.DraftOf(p))
	})
	if err != nil {
		s.budget.Release(ctx, res)
		switch {
		case errors.Is(err, ratelimit.ErrRateLimited):
			s.skip(ctx, a, p, domain.SkipRateLimited, err.Error())
		case errors.Is(err, domain.ErrUnauthorized):
			s.skip(ctx, a, p, domain.StopXAuthFailed, err.Error())
			if _, serr := s.Stop(ctx, a.ID, domain.StopXAuthFailed, nil); serr != nil {
				log.ErrorContext(ctx, "failed to stop agent", slog.String("error", serr.Error()))
			}
		default:
			log.ErrorContext(ctx, "publish failed",
				slog.Int("attempts", attempts),
				slog.String("error", err.Error()),
			)
			s.unclaim(ctx, p, err.Error())
			s.countDispatch(resultFailed)
		}
		return false
	}

	est := s.budget.EstimateCost(action)
	if _, err := s.budget.Commit(ctx, res, est); err != nil {
		log.ErrorContext(ctx, "failed to commit publish spend", slog.String("error", err.Error()))
	}
	postedAt := s.now()
	if err := s.posts.MarkPosted(context.WithoutCancel(ctx), p.ID, tweet.ID, postedAt); err != nil {
		log.ErrorContext(ctx, "failed to mark post published", slog.String("error", err.Error()))
	}
	if s.gate != nil {
		s.gate.Record(a.ID, p.ID, p.Text, postedAt)
	}
	log.InfoContext(ctx, "post published",
		slog.String("kind", string(p.Kind)),
		slog.String("external_id", tweet.ID),
		slog.Int("attempts", attempts),
	)
	s.appendAudit(ctx, &domain.AuditEntry{
		AccountID:   a.ID,
		Source:      "dispatcher",
		EventType:   "post",
		ResultState: a.Status,
		Costs:       est,
		Actions: []domain.ActionRecord{{
			Kind:      action.Kind,
			TargetID:  p.TargetID,
			Estimated: est,
			Actual:    est,
			Outcome:   domain.OutcomeOK,
			Attempts:  attempts,
			At:        postedAt,
		}},
	})
	s.countDispatch(resultPosted)
	return true
}

// skip returns p to the queue with reason. The audit entry is written
// once per reason: a post retried every tick for the same cause does not
// flood the log.
func (s *Scheduler) skip(ctx context.Context, a *domain.Agent, p *domain.Post, reason, detail string) {
	s.unclaim(ctx, p, reason)
	s.countDispatch(resultSkipped)
	if p.LastError == reason {
		return
	}
	s.logger.InfoContext(ctx, "post skipped",
		slog.String("account_id", a.ID),
		slog.String("post_id", p.ID),
		slog.String("reason", reason),
		slog.String("detail", detail),
	)
	outcome := domain.OutcomeSkipped
	switch reason {
	case domain.SkipBudgetExceeded:
		outcome = domain.OutcomeDeniedBudget
	case domain.StopReplyCap, domain.StopQuoteCap, domain.StopPostBurst, domain.StopNearDuplicate,
		domain.StopNegativeSpike, domain.StopBudgetProjection:
		outcome = domain.OutcomeDeniedSafety
	}
	s.appendAudit(ctx, &domain.AuditEntry{
		AccountID:   a.ID,
		Source:      "dispatcher",
		EventType:   "post",
		ResultState: a.Status,
		StopReason:  reason,
		Actions: []domain.ActionRecord{{
			Kind:     p.Kind.ActionKind(),
			TargetID: p.TargetID,
			Outcome:  outcome,
			Error:    reason,
			At:       s.now(),
		}},
	})
}

func (s *Scheduler) unclaim(ctx context.Context, p *domain.Post, reason string) {
	if err := s.posts.Unclaim(context.WithoutCancel(ctx), p.ID, reason); err != nil {
		s.logger.ErrorContext(ctx, "failed to return post to queue",
			slog.String("post_id", p.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) recentMetrics(ctx context.Context, accountID string) []domain.PostMetrics {
	if s.history == nil {
		return nil
	}
	recent, err := s.history.Recent(ctx, accountID, domain.MetricsConfirmed, 20)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load recent metrics",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return recent
}

func (s *Scheduler) countDispatch(result string) {
	if s.metrics != nil {
		s.metrics.PostsDispatched.WithLabelValues(result).Inc()
	}
}

// stopsAgent reports whether a safety denial at publish time stops the
// account. Daily cap hits only defer the post.
func stopsAgent(reason string) bool {
	switch reason {
	case domain.StopPostBurst, domain.StopNearDuplicate, domain.StopNegativeSpike:
		return true
	}
	return false
}

// ReconcileUsage raises every active agent's recorded X spend for the
// current day to the usage the provider reports.
func (s *Scheduler) ReconcileUsage(ctx context.Context, now time.Time) {
	if s.x == nil {
		return
	}
	day := domain.Day(now)
	for _, a := range s.ListAgents() {
		if !a.Active {
			continue
		}
		units, err := s.x.DailyUsage(ctx, a.ID, day)
		if err != nil {
			if !errors.Is(err, clients.ErrUnsupported) {
				s.logger.WarnContext(ctx, "x usage lookup failed",
					slog.String("account_id", a.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if _, err := s.budget.Reconcile(ctx, a, day, units); err != nil {
			s.logger.ErrorContext(ctx, "x usage reconcile failed",
				slog.String("account_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
