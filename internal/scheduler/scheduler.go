// Package scheduler owns the fleet of agents. It decides when each agent
// runs, drives every status change through domain.Transition, dispatches
// cycles onto a bounded worker pool, publishes queued posts when they fall
// due and exposes the operator commands.
//
// Core invariant: the scheduler is the only writer of Agent.Status, and at
// most one cycle per account is in flight.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/xpilot/internal/budget"
	"github.com/jkaninda/xpilot/internal/clients"
	"github.com/jkaninda/xpilot/internal/config"
	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/notification"
	"github.com/jkaninda/xpilot/internal/retry"
	"github.com/jkaninda/xpilot/internal/runner"
	"github.com/jkaninda/xpilot/internal/safety"
	"github.com/jkaninda/xpilot/internal/storage"
)

// CycleRunner runs one PDCA cycle. *runner.Runner implements it.
type CycleRunner interface {
	RunOnce(ctx context.Context, agent *domain.Agent) runner.Result
}

// Notifier delivers operator alerts. *notification.Dispatcher implements it.
type Notifier interface {
	Notify(ctx context.Context, msg *notification.Message) error
}

// Deps are the collaborators of a Scheduler. Lock, Notifier, Metrics and
// X may be nil; without X the posting dispatcher and usage reconciliation
// are disabled.
type Deps struct {
	Agents   storage.AgentStore
	Audit    storage.AuditStore
	Posts    storage.PostStore
	History  storage.MetricsStore // Recent post metrics for the negative-reaction check. Optional.
	Runner   CycleRunner
	X        clients.XClient
	Budget   *budget.Guard
	Gate     *safety.Gate
	Retry    retry.Policy // Per-call policy for dispatcher publishes.
	Lock     RunLock
	Notifier Notifier
	Metrics  *Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	// SafetyCooldown is the stop_until offset when the dispatcher's safety
	// check fires. Default 1h.
	SafetyCooldown time.Duration
}

// entry is the registry slot of one agent.
type entry struct {
	agent   *domain.Agent
	running bool
	manual  bool
	cancel  context.CancelFunc
	release func()
}

// Scheduler is the processwide fleet registry.
type Scheduler struct {
	agents   storage.AgentStore
	audit    storage.AuditStore
	posts    storage.PostStore
	history  storage.MetricsStore
	runner   CycleRunner
	x        clients.XClient
	budget   *budget.Guard
	gate     *safety.Gate
	retry    retry.Policy
	lock     RunLock
	notifier Notifier
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
	config   *config.SchedulerConfig
	cooldown time.Duration

	parser cron.Parser
	sem    chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	registry map[string]*entry
	// baseCtx parents every run; cancelled by Shutdown.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	lastReconcile time.Time
}

// New loads every agent from storage into the registry, creating seeds
// that do not exist yet. Agents persisted as RUNNING lost their cycle to a
// restart and are moved to ERROR so the retry policy picks them up.
func New(ctx context.Context, d Deps, cfg *config.SchedulerConfig, seeds []*domain.Agent) (*Scheduler, error) {
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	cooldown := d.SafetyCooldown
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	baseCtx, baseCancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Scheduler{
		agents:     d.Agents,
		audit:      d.Audit,
		posts:      d.Posts,
		history:    d.History,
		runner:     d.Runner,
		x:          d.X,
		budget:     d.Budget,
		gate:       d.Gate,
		retry:      d.Retry,
		lock:       d.Lock,
		notifier:   d.Notifier,
		metrics:    d.Metrics,
		logger:     d.Logger,
		now:        now,
		config:     cfg,
		cooldown:   cooldown,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		sem:        make(chan struct{}, cfg.Concurrency()),
		registry:   make(map[string]*entry),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	stored, err := s.agents.List(ctx)
	if err != nil {
		baseCancel()
		return nil, fmt.Errorf("loading agents: %w", err)
	}
	for _, a := range stored {
		s.registry[a.ID] = &entry{agent: a}
	}

	for _, seed := range seeds {
		if _, ok := s.registry[seed.ID]; ok {
			continue
		}
		a := seed.Clone()
		if a.Status == "" {
			a.Status = domain.StatusIdle
		}
		if err := s.agents.Save(ctx, a); err != nil {
			baseCancel()
			return nil, fmt.Errorf("seeding agent %s: %w", a.ID, err)
		}
		s.registry[a.ID] = &entry{agent: a}
		s.logger.InfoContext(ctx, "agent seeded", slog.String("account_id", a.ID), slog.String("handle", a.Handle))
	}

	for _, e := range s.registry {
		a := e.agent
		if a.Schedule != "" {
			if _, err := s.parser.Parse(a.Schedule); err != nil {
				s.logger.ErrorContext(ctx, "invalid agent schedule, using poll interval",
					slog.String("account_id", a.ID),
					slog.String("schedule", a.Schedule),
					slog.String("error", err.Error()),
				)
			}
		}
		if a.Status != domain.StatusRunning {
			continue
		}
		rec := now()
		to, expl, _ := domain.Transition(a.Status, domain.EventFault)
		s.observeTransition(a.Status, to)
		a.Status = to
		a.StopReason = domain.StopUnrecoverable
		a.LastError = "cycle interrupted by restart"
		a.NextRunAt = &rec
		a.UpdatedAt = rec
		if err := s.agents.Save(ctx, a); err != nil {
			baseCancel()
			return nil, fmt.Errorf("recovering agent %s: %w", a.ID, err)
		}
		s.logger.WarnContext(ctx, "recovered interrupted agent",
			slog.String("account_id", a.ID),
			slog.String("status", string(to)),
			slog.String("explanation", expl),
		)
	}

	return s, nil
}

// Start begins the scheduler loop. Returns a cancel function that stops
// the loop and waits for in-flight cycles to observe cancellation.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.logger.InfoContext(ctx, "fleet scheduler started",
			slog.String("tick_interval", s.config.TickInterval().String()),
			slog.Int("max_concurrent", s.config.Concurrency()),
			slog.Int("agents", len(s.ListAgents())),
		)

		ticker := time.NewTicker(s.config.TickInterval())
		defer ticker.Stop()

		s.loop(ctx)
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("fleet scheduler stopped")
				return
			case <-ticker.C:
				s.loop(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
		s.Shutdown()
	}
}

// loop is one iteration of the background loop.
func (s *Scheduler) loop(ctx context.Context) {
	now := s.now()
	s.Tick(ctx, now)
	if s.x == nil {
		return
	}
	if _, err := s.DispatchDuePosts(ctx, now); err != nil {
		s.logger.ErrorContext(ctx, "posting dispatch failed", slog.String("error", err.Error()))
	}
	if every := s.config.ReconcileInterval(); every > 0 && now.Sub(s.lastReconcile) >= every {
		s.lastReconcile = now
		s.ReconcileUsage(ctx, now)
	}
}

// Shutdown cancels in-flight cycles and waits for them to return. Agents
// whose cycle was cut short stay RUNNING in storage and are recovered by
// the next New.
func (s *Scheduler) Shutdown() {
	s.baseCancel()
	s.wg.Wait()
}

// Wait blocks until every dispatched cycle has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// pending is an agent selected by Tick.
type pending struct {
	id    string
	event domain.Event
}

// Tick applies recovery events and starts every agent that is due at now.
// Cycles run on the worker pool; Tick does not wait for them.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	var due []pending
	var exhausted []*domain.Agent

	s.mu.Lock()
	for _, id := range s.idsLocked() {
		e := s.registry[id]
		a := e.agent
		if !a.Active || e.running {
			continue
		}
		if a.Status == domain.StatusError && a.RetryCount >= s.config.RetryAttempts() {
			if a.StopReason != domain.StopRetriesExhausted {
				a.StopReason = domain.StopRetriesExhausted
				a.UpdatedAt = now
				exhausted = append(exhausted, a.Clone())
			}
			continue
		}
		if ev, ok := s.dueEvent(e, now); ok {
			due = append(due, pending{id, ev})
			// Reserved until start either launches or releases it.
			e.running = true
		}
	}
	s.mu.Unlock()

	for _, a := range exhausted {
		s.retriesExhausted(ctx, a)
	}

	started := 0
	for _, p := range due {
		if s.start(ctx, p, now) {
			started++
		}
	}
	return started
}

// dueEvent returns the event that starts or recovers e at now.
func (s *Scheduler) dueEvent(e *entry, now time.Time) (domain.Event, bool) {
	a := e.agent
	switch a.Status {
	case domain.StatusIdle, domain.StatusWaiting:
		switch {
		case e.manual:
			return domain.EventManualRun, true
		case s.isDue(a, now):
			return domain.EventTick, true
		}
	case domain.StatusPausedBudget:
		if budgetResetDue(a, now) {
			return domain.EventDayBoundary, true
		}
	case domain.StatusPausedSafety:
		if a.StopUntil != nil && !now.Before(*a.StopUntil) {
			return domain.EventStopElapsed, true
		}
	case domain.StatusError:
		if a.RetryCount < s.config.RetryAttempts() && (a.NextRunAt == nil || !now.Before(*a.NextRunAt)) {
			return domain.EventRetry, true
		}
	}
	return "", false
}

func (s *Scheduler) idsLocked() []string {
	ids := make([]string, 0, len(s.registry))
	for id := range s.registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// isDue reports whether an IDLE or WAITING agent's next cycle is due.
func (s *Scheduler) isDue(a *domain.Agent, now time.Time) bool {
	if a.Schedule != "" {
		if sched, err := s.parser.Parse(a.Schedule); err == nil {
			base := a.CreatedAt
			if a.LastRunAt != nil {
				base = *a.LastRunAt
			}
			return !sched.Next(base).After(now)
		}
	}
	if a.LastRunAt == nil {
		return true
	}
	return now.Sub(*a.LastRunAt) >= pollInterval(a)
}

func pollInterval(a *domain.Agent) time.Duration {
	if a.Toggles.PollIntervalSeconds > 0 {
		return time.Duration(a.Toggles.PollIntervalSeconds) * time.Second
	}
	return 24 * time.Hour
}

// nextRun is when an agent that just finished a cycle at now runs again.
func (s *Scheduler) nextRun(a *domain.Agent, now time.Time) time.Time {
	if a.Schedule != "" {
		if sched, err := s.parser.Parse(a.Schedule); err == nil {
			return sched.Next(now)
		}
	}
	return now.Add(pollInterval(a))
}

// budgetResetDue reports whether a budget pause has reached the next UTC day.
func budgetResetDue(a *domain.Agent, now time.Time) bool {
	if a.StopUntil != nil {
		return !now.Before(*a.StopUntil)
	}
	return domain.Day(now).After(domain.Day(a.UpdatedAt))
}

// start moves a selected agent to RUNNING and launches its cycle. The
// entry was reserved by Tick.
func (s *Scheduler) start(ctx context.Context, p pending, now time.Time) bool {
	var release func()
	if s.lock != nil {
		rel, ok, err := s.lock.Acquire(ctx, p.id, s.config.RunLockTTL())
		if err != nil || !ok {
			reason := "locked"
			if err != nil {
				reason = "lock_error"
				s.logger.WarnContext(ctx, "run lock unavailable",
					slog.String("account_id", p.id),
					slog.String("error", err.Error()),
				)
			}
			s.unreserve(p.id)
			if s.metrics != nil {
				s.metrics.RunsSkipped.WithLabelValues(reason).Inc()
			}
			return false
		}
		release = rel
	}

	s.mu.Lock()
	e, ok := s.registry[p.id]
	if !ok {
		s.mu.Unlock()
		if release != nil {
			release()
		}
		return false
	}
	a := e.agent
	from := a.Status
	to, expl, err := domain.Transition(from, p.event)
	if ev, ok := s.dueEvent(e, now); err != nil || !ok || ev != p.event {
		// An operator command changed the agent since selection.
		e.running = false
		s.mu.Unlock()
		if release != nil {
			release()
		}
		return false
	}
	a.Status = to
	if p.event == domain.EventRetry {
		a.RetryCount++
	}
	a.UpdatedAt = now
	e.manual = false
	runCtx, cancel := context.WithCancel(s.baseCtx)
	e.cancel = cancel
	e.release = release
	snapshot := a.Clone()
	s.mu.Unlock()

	s.observeTransition(from, to)
	s.persist(ctx, snapshot)
	s.logger.InfoContext(ctx, "agent transition",
		slog.String("account_id", snapshot.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("event", string(p.event)),
		slog.String("explanation", expl),
	)
	if s.metrics != nil {
		s.metrics.RunsStarted.WithLabelValues(string(p.event)).Inc()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		res := s.runner.RunOnce(runCtx, snapshot)
		s.finish(ctx, snapshot.ID, res)
	}()
	return true
}

func (s *Scheduler) unreserve(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.registry[id]; ok {
		e.running = false
	}
}

// finish applies the cycle result to the agent.
func (s *Scheduler) finish(ctx context.Context, id string, res runner.Result) {
	ctx = context.WithoutCancel(ctx)
	now := s.now()

	s.mu.Lock()
	e, ok := s.registry[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	release := e.release
	e.release = nil
	e.running = false
	a := e.agent
	a.LastRunAt = &now

	shutdown := s.baseCtx.Err() != nil && a.Status == domain.StatusRunning
	from := a.Status
	var to domain.Status
	var expl string
	switch {
	case shutdown:
		to = from
	case from != domain.StatusRunning:
		// An operator stop already moved the agent.
		to = from
		expl = "cycle ended after operator stop"
	default:
		var err error
		to, expl, err = domain.Transition(from, res.Event())
		if err != nil {
			to, expl = domain.StatusError, err.Error()
		}
		s.applyResult(a, to, res, now)
	}
	a.Status = to
	a.UpdatedAt = now
	snapshot := a.Clone()
	s.mu.Unlock()

	if release != nil {
		release()
	}
	if shutdown {
		return
	}
	if to != from {
		s.observeTransition(from, to)
	}
	s.persist(ctx, snapshot)

	log := s.logger.With(slog.String("account_id", id), slog.String("correlation_id", res.CorrelationID))
	log.InfoContext(ctx, "cycle finished",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("stop_reason", snapshot.StopReason),
		slog.String("explanation", expl),
	)
	if to != from && to.Paused() {
		s.notify(ctx, snapshot, expl)
	}
}

// applyResult sets the stop, retry and schedule fields for the state a
// cycle ended in.
func (s *Scheduler) applyResult(a *domain.Agent, to domain.Status, res runner.Result, now time.Time) {
	switch to {
	case domain.StatusWaiting:
		a.StopReason = ""
		a.StopUntil = nil
		a.RetryCount = 0
		a.LastError = ""
		next := s.nextRun(a, now)
		a.NextRunAt = &next
	case domain.StatusPausedBudget:
		a.StopReason = res.StopReason
		until := domain.Day(now).Add(24 * time.Hour)
		a.StopUntil = &until
	case domain.StatusPausedSafety:
		a.StopReason = res.StopReason
		a.StopUntil = res.StopUntil
	case domain.StatusError:
		a.StopReason = domain.StopUnrecoverable
		if res.Err != nil {
			a.LastError = res.Err.Error()
		}
		next := now.Add(s.retryPolicy().Delay(a.RetryCount + 1))
		a.NextRunAt = &next
	}
}

// retryPolicy is the ERROR recovery backoff.
func (s *Scheduler) retryPolicy() retry.Policy {
	return retry.Policy{
		InitialInterval: s.config.RetryBase(),
		MaxInterval:     s.config.RetryMax(),
		Multiplier:      2,
	}
}

func (s *Scheduler) retriesExhausted(ctx context.Context, a *domain.Agent) {
	s.persist(ctx, a)
	s.logger.ErrorContext(ctx, "agent retries exhausted",
		slog.String("account_id", a.ID),
		slog.Int("retry_count", a.RetryCount),
		slog.String("last_error", a.LastError),
	)
	if s.metrics != nil {
		s.metrics.RetriesExhausted.Inc()
	}
	s.appendAudit(ctx, &domain.AuditEntry{
		AccountID:   a.ID,
		Source:      "scheduler",
		EventType:   "transition",
		ResultState: a.Status,
		StopReason:  domain.StopRetriesExhausted,
		Decisions: []domain.Decision{{
			Step:      "recovery",
			Action:    "stay in ERROR",
			Rationale: fmt.Sprintf("%d recovery attempts failed; last error: %s", a.RetryCount, a.LastError),
		}},
	})
	s.notify(ctx, a, "retry policy exhausted, operator resume required")
}

func (s *Scheduler) persist(ctx context.Context, a *domain.Agent) {
	if err := s.agents.Save(ctx, a); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist agent",
			slog.String("account_id", a.ID),
			slog.String("status", string(a.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) appendAudit(ctx context.Context, e *domain.AuditEntry) {
	if s.audit == nil {
		return
	}
	now := s.now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	e.Date = domain.Day(now)
	e.CreatedAt = now
	if err := s.audit.Append(context.WithoutCancel(ctx), e); err != nil {
		s.logger.ErrorContext(ctx, "failed to append audit entry",
			slog.String("account_id", e.AccountID),
			slog.String("event_type", e.EventType),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) notify(ctx context.Context, a *domain.Agent, explanation string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, notification.StatusMessage(a, explanation)); err != nil {
		s.logger.WarnContext(ctx, "status notification failed",
			slog.String("account_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) observeTransition(from, to domain.Status) {
	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

// ComputeNextRunFrom computes the next run time of a 5-field cron
// expression from a given reference time.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// errUnknownAgent wraps domain.ErrNotFound with the id.
func errUnknownAgent(id string) error {
	return fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
}
