package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/xpilot/internal/domain"
)

// ListAgents returns a snapshot of every agent, sorted by id.
func (s *Scheduler) ListAgents() []*domain.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Agent, 0, len(s.registry))
	for _, id := range s.idsLocked() {
		out = append(out, s.registry[id].agent.Clone())
	}
	return out
}

// Agent returns a snapshot of one agent.
func (s *Scheduler) Agent(id string) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.registry[id]
	if !ok {
		return nil, errUnknownAgent(id)
	}
	return e.agent.Clone(), nil
}

// Running reports whether a cycle of the agent is in flight.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.registry[id]
	return ok && e.running
}

// Stop forces the agent into PAUSED_SAFETY and cancels an in-flight cycle.
// The cycle observes cancellation at its next step boundary and makes no
// further external calls. An empty reason means manual_stop; a nil until
// keeps the agent stopped until Resume. Repeating an identical stop is a
// no-op.
func (s *Scheduler) Stop(ctx context.Context, id, reason string, until *time.Time) (*domain.Agent, error) {
	if reason == "" {
		reason = domain.StopManual
	}
	now := s.now()

	s.mu.Lock()
	e, ok := s.registry[id]
	if !ok {
		s.mu.Unlock()
		return nil, errUnknownAgent(id)
	}
	a := e.agent
	if a.Status == domain.StatusPausedSafety && a.StopReason == reason && sameTime(a.StopUntil, until) && e.cancel == nil {
		snapshot := a.Clone()
		s.mu.Unlock()
		return snapshot, nil
	}
	from := a.Status
	to, expl, err := domain.Transition(from, domain.EventStop)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	a.Status = to
	a.StopReason = reason
	a.StopUntil = copyTime(until)
	a.UpdatedAt = now
	e.manual = false
	inFlight := e.cancel != nil
	if inFlight {
		e.cancel()
		e.cancel = nil
	}
	snapshot := a.Clone()
	s.mu.Unlock()

	s.observeTransition(from, to)
	s.persist(ctx, snapshot)
	s.logger.InfoContext(ctx, "agent stopped",
		slog.String("account_id", id),
		slog.String("from", string(from)),
		slog.String("stop_reason", reason),
		slog.Bool("cancelled_run", inFlight),
	)
	s.appendAudit(ctx, &domain.AuditEntry{
		AccountID:   id,
		Source:      "operator",
		EventType:   "stop",
		ResultState: to,
		StopReason:  reason,
		Decisions:   []domain.Decision{{Step: "operator", Action: "stop", Rationale: expl}},
	})
	s.notify(ctx, snapshot, expl)
	return snapshot, nil
}

// Resume returns a stopped, paused or failed agent to IDLE and clears its
// stop fields. It does not end a budget day: spend already recorded still
// counts against the remaining balance.
func (s *Scheduler) Resume(ctx context.Context, id string) (*domain.Agent, error) {
	now := s.now()

	s.mu.Lock()
	e, ok := s.registry[id]
	if !ok {
		s.mu.Unlock()
		return nil, errUnknownAgent(id)
	}
	a := e.agent
	if e.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: resume while a cycle is in flight", domain.ErrInvalidTransition)
	}
	from := a.Status
	to, expl, err := domain.Transition(from, domain.EventResume)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	prevReason := a.StopReason
	a.Status = to
	a.StopReason = ""
	a.StopUntil = nil
	a.RetryCount = 0
	a.LastError = ""
	a.NextRunAt = nil
	a.UpdatedAt = now
	snapshot := a.Clone()
	s.mu.Unlock()

	s.observeTransition(from, to)
	s.persist(ctx, snapshot)
	s.logger.InfoContext(ctx, "agent resumed",
		slog.String("account_id", id),
		slog.String("from", string(from)),
		slog.String("previous_stop_reason", prevReason),
	)
	s.appendAudit(ctx, &domain.AuditEntry{
		AccountID:   id,
		Source:      "operator",
		EventType:   "resume",
		ResultState: to,
		Decisions:   []domain.Decision{{Step: "operator", Action: "resume", Rationale: expl}},
	})
	return snapshot, nil
}

// RequestRun marks the agent to run on the next tick regardless of its
// schedule. A request for an agent whose cycle is in flight is ignored.
func (s *Scheduler) RequestRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.registry[id]
	if !ok {
		return errUnknownAgent(id)
	}
	if e.running {
		return nil
	}
	if !e.agent.Active {
		return fmt.Errorf("%w: agent %s is inactive", domain.ErrInvalidTransition, id)
	}
	if _, _, err := domain.Transition(e.agent.Status, domain.EventManualRun); err != nil {
		return err
	}
	e.manual = true
	s.logger.InfoContext(ctx, "manual run requested", slog.String("account_id", id))
	return nil
}

// Patch is an operator configuration change. Nil fields are left as is.
type Patch struct {
	DailyBudget    *domain.DailyBudget
	Toggles        map[string]any
	WeeklyFocusKPI *string
	Topics         []string
	TargetHandles  []string
	Schedule       *string
	Active         *bool
}

// PatchConfig applies p to the agent. Toggle values merge into the raw
// toggles and are resolved again; every value that fell back to its
// default is logged and returned. A patch takes effect with the next cycle.
func (s *Scheduler) PatchConfig(ctx context.Context, id string, p Patch) (*domain.Agent, []domain.ToggleFallback, error) {
	if b := p.DailyBudget; b != nil && (b.Total < 0 || b.X < 0 || b.LLM < 0) {
		return nil, nil, fmt.Errorf("daily budget must be non-negative")
	}
	if p.Schedule != nil && *p.Schedule != "" {
		if _, err := s.parser.Parse(*p.Schedule); err != nil {
			return nil, nil, fmt.Errorf("invalid schedule %q: %w", *p.Schedule, err)
		}
	}
	now := s.now()

	s.mu.Lock()
	e, ok := s.registry[id]
	if !ok {
		s.mu.Unlock()
		return nil, nil, errUnknownAgent(id)
	}
	a := e.agent
	var changed []string
	if p.DailyBudget != nil {
		a.DailyBudget = *p.DailyBudget
		changed = append(changed, "daily_budget")
	}
	var fallbacks []domain.ToggleFallback
	if len(p.Toggles) > 0 {
		if a.RawToggles == nil {
			a.RawToggles = make(map[string]any, len(p.Toggles))
		}
		for k, v := range p.Toggles {
			a.RawToggles[k] = v
		}
		a.Toggles, fallbacks = domain.ResolveToggles(a.RawToggles, domain.DefaultToggles())
		changed = append(changed, "toggles")
	}
	if p.WeeklyFocusKPI != nil {
		a.WeeklyFocusKPI = *p.WeeklyFocusKPI
		changed = append(changed, "weekly_focus_kpi")
	}
	if p.Topics != nil {
		a.Topics = append([]string(nil), p.Topics...)
		changed = append(changed, "topics")
	}
	if p.TargetHandles != nil {
		a.TargetHandles = domain.NormalizeHandles(p.TargetHandles)
		changed = append(changed, "target_handles")
	}
	if p.Schedule != nil {
		a.Schedule = *p.Schedule
		changed = append(changed, "schedule")
	}
	if p.Active != nil {
		a.Active = *p.Active
		changed = append(changed, "active")
	}
	a.UpdatedAt = now
	snapshot := a.Clone()
	s.mu.Unlock()

	for _, f := range fallbacks {
		s.logger.WarnContext(ctx, "feature_toggle_fallback",
			slog.String("account_id", id),
			slog.String("key", f.Key),
			slog.String("reason", f.Reason),
			slog.String("raw", f.Raw),
			slog.Any("default", f.Default),
		)
	}
	s.persist(ctx, snapshot)

	decisions := make([]domain.Decision, 0, len(changed)+len(fallbacks))
	for _, c := range changed {
		decisions = append(decisions, domain.Decision{Step: "operator", Action: "patch " + c})
	}
	for _, f := range fallbacks {
		decisions = append(decisions, domain.Decision{
			Step:      "operator",
			Action:    "fallback " + f.Key,
			Rationale: fmt.Sprintf("%s: %s, using %v", f.Reason, f.Raw, f.Default),
		})
	}
	s.appendAudit(ctx, &domain.AuditEntry{
		AccountID:   id,
		Source:      "operator",
		EventType:   "patch",
		ResultState: snapshot.Status,
		Decisions:   decisions,
	})
	return snapshot, fallbacks, nil
}

// GetAuditLog returns the agent's audit entries, newest first. limit <= 0
// means 100.
func (s *Scheduler) GetAuditLog(ctx context.Context, id string, limit int) ([]*domain.AuditEntry, error) {
	if _, err := s.Agent(id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return s.audit.Query(ctx, id, limit)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC()
	return &c
}
