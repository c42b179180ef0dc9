package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/xpilot/internal/budget"
	"github.com/jkaninda/xpilot/internal/clients"
	"github.com/jkaninda/xpilot/internal/clients/fake"
	"github.com/jkaninda/xpilot/internal/config"
	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/ledger"
	"github.com/jkaninda/xpilot/internal/notification"
	"github.com/jkaninda/xpilot/internal/ratelimit"
	"github.com/jkaninda/xpilot/internal/retry"
	"github.com/jkaninda/xpilot/internal/runner"
	"github.com/jkaninda/xpilot/internal/safety"
	"github.com/jkaninda/xpilot/internal/storage"
	"github.com/jkaninda/xpilot/internal/storage/sqlite"
)

var t0 = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// stubRunner returns a fixed result, or whatever run returns when set.
type stubRunner struct {
	mu    sync.Mutex
	calls int
	res   runner.Result
	run   func(ctx context.Context, a *domain.Agent) runner.Result
}

func (r *stubRunner) RunOnce(ctx context.Context, a *domain.Agent) runner.Result {
	r.mu.Lock()
	r.calls++
	res, run := r.res, r.run
	r.mu.Unlock()
	if run != nil {
		return run(ctx, a)
	}
	return res
}

func (r *stubRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *stubRunner) Set(res runner.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res = res
}

type stubNotifier struct {
	mu   sync.Mutex
	msgs []*notification.Message
}

func (n *stubNotifier) Notify(_ context.Context, m *notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, m)
	return nil
}

func (n *stubNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

type denyLock struct{}

func (denyLock) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

type harness struct {
	sched    *Scheduler
	runner   *stubRunner
	notifier *stubNotifier
	store    *sqlite.Store
	ledger   *ledger.Memory
	gate     *safety.Gate
	x        *fake.X
	clock    *clock
	metrics  *Metrics
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testAgent(id string) *domain.Agent {
	t := domain.DefaultToggles()
	t.AutoPost = true
	return &domain.Agent{
		ID:             id,
		Handle:         "h-" + id,
		Active:         true,
		Status:         domain.StatusIdle,
		DailyBudget:    domain.DailyBudget{Total: 50, X: 30, LLM: 20},
		Toggles:        t,
		WeeklyFocusKPI: "impressions",
		CreatedAt:      t0.Add(-48 * time.Hour),
		UpdatedAt:      t0.Add(-48 * time.Hour),
	}
}

type option func(*Deps, *config.SchedulerConfig)

func newHarness(t *testing.T, seeds []*domain.Agent, opts ...option) *harness {
	t.Helper()
	logger := discard()
	clk := &clock{now: t0}

	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "xpilot.db")}, logger)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	mem := ledger.NewMemory()
	guard := budget.New(mem, budget.DefaultCostTable(), logger, budget.WithClock(clk.Now))
	gate, err := safety.New(safety.Config{BurstMax: 3, BurstWindow: time.Hour, SimilarityThreshold: 0.9}, nil, logger)
	if err != nil {
		t.Fatalf("safety.New: %v", err)
	}
	gate.SetClock(clk.Now)

	x := fake.NewX()
	run := &stubRunner{}
	notifier := &stubNotifier{}
	metrics := NewMetrics(prometheus.NewRegistry())

	d := Deps{
		Agents:   store.Agents(),
		Audit:    store.Audit(),
		Posts:    store.Posts(),
		History:  store.Metrics(),
		Runner:   run,
		X:        x,
		Budget:   guard,
		Gate:     gate,
		Retry:    retry.Policy{MaxAttempts: 1, CallTimeout: time.Second, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   logger,
		Now:      clk.Now,
	}
	cfg := &config.SchedulerConfig{RetryMaxAttempts: 2, RetryBaseSeconds: 60, RetryMaxSeconds: 600}
	for _, o := range opts {
		o(&d, cfg)
	}

	s, err := New(context.Background(), d, cfg, seeds)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Shutdown)

	return &harness{sched: s, runner: run, notifier: notifier, store: store, ledger: mem, gate: gate, x: x, clock: clk, metrics: metrics}
}

// tick runs one tick at now and waits for the cycles it started.
func (h *harness) tick(t *testing.T, now time.Time) int {
	t.Helper()
	h.clock.Set(now)
	n := h.sched.Tick(context.Background(), now)
	h.sched.Wait()
	return n
}

func (h *harness) agent(t *testing.T, id string) *domain.Agent {
	t.Helper()
	a, err := h.sched.Agent(id)
	if err != nil {
		t.Fatalf("Agent(%s): %v", id, err)
	}
	return a
}

func (h *harness) audit(t *testing.T, id, eventType string) []*domain.AuditEntry {
	t.Helper()
	all, err := h.store.Audit().Query(context.Background(), id, 100)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	var out []*domain.AuditEntry
	for _, e := range all {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// --- New ---

func TestNew_SeedsAndRecoversInterruptedRuns(t *testing.T) {
	logger := discard()
	path := filepath.Join(t.TempDir(), "xpilot.db")
	store, err := sqlite.Open(sqlite.Config{Path: path}, logger)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	crashed := testAgent("crashed")
	crashed.Status = domain.StatusRunning
	if err := store.Agents().Save(ctx, crashed); err != nil {
		t.Fatalf("Save: %v", err)
	}

	seed := testAgent("fresh")
	seed.Status = ""
	dup := testAgent("crashed")
	dup.Handle = "overwritten"
	s, err := New(ctx, Deps{Agents: store.Agents(), Audit: store.Audit(), Runner: &stubRunner{}, Logger: logger, Now: func() time.Time { return t0 }},
		&config.SchedulerConfig{}, []*domain.Agent{seed, dup})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown()

	got, err := s.Agent("crashed")
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	if got.Status != domain.StatusError || got.LastError == "" {
		t.Errorf("crashed agent = %s %q, want ERROR with last error", got.Status, got.LastError)
	}
	if got.Handle != "h-crashed" {
		t.Errorf("handle = %q, want stored value kept over seed", got.Handle)
	}
	stored, err := store.Agents().Load(ctx, "fresh")
	if err != nil {
		t.Fatalf("Load seed: %v", err)
	}
	if stored.Status != domain.StatusIdle {
		t.Errorf("seed status = %s, want IDLE", stored.Status)
	}
	if n := len(s.ListAgents()); n != 2 {
		t.Errorf("agents = %d, want 2", n)
	}
}

// --- Tick ---

func TestTick_IdleRunsOnceUntilPollIntervalElapses(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})

	if n := h.tick(t, t0); n != 1 {
		t.Fatalf("started = %d, want 1", n)
	}
	a := h.agent(t, "a1")
	if a.Status != domain.StatusWaiting {
		t.Fatalf("status = %s, want WAITING", a.Status)
	}
	if a.LastRunAt == nil || !a.LastRunAt.Equal(t0) {
		t.Errorf("last run = %v, want %v", a.LastRunAt, t0)
	}
	if a.NextRunAt == nil || !a.NextRunAt.Equal(t0.Add(24*time.Hour)) {
		t.Errorf("next run = %v, want +24h", a.NextRunAt)
	}

	if n := h.tick(t, t0.Add(time.Hour)); n != 0 {
		t.Errorf("started before poll interval = %d, want 0", n)
	}
	if n := h.tick(t, t0.Add(24*time.Hour)); n != 1 {
		t.Errorf("started after poll interval = %d, want 1", n)
	}
	if got := testutil.ToFloat64(h.metrics.RunsStarted.WithLabelValues("tick")); got != 2 {
		t.Errorf("runs_started{tick} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(h.metrics.Transitions.WithLabelValues("RUNNING", "WAITING")); got != 2 {
		t.Errorf("transitions RUNNING->WAITING = %v, want 2", got)
	}
}

func TestTick_CronSchedule(t *testing.T) {
	a := testAgent("a1")
	a.Schedule = "0 9 * * *"
	last := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	a.LastRunAt = &last
	a.Status = domain.StatusWaiting
	h := newHarness(t, []*domain.Agent{a})

	if n := h.tick(t, t0); n != 0 {
		t.Errorf("started at 14:00 = %d, want 0", n)
	}
	if n := h.tick(t, last.Add(24*time.Hour)); n != 1 {
		t.Fatalf("started at next 09:00 = %d, want 1", n)
	}
	want := last.Add(48 * time.Hour)
	if got := h.agent(t, "a1").NextRunAt; got == nil || !got.Equal(want) {
		t.Errorf("next run = %v, want %v", got, want)
	}
}

func TestTick_InactiveAgentNeverRuns(t *testing.T) {
	a := testAgent("a1")
	a.Active = false
	h := newHarness(t, []*domain.Agent{a})
	if n := h.tick(t, t0); n != 0 {
		t.Errorf("started = %d, want 0", n)
	}
}

func TestTick_BudgetPauseRecoversAtNextDay(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})
	h.runner.Set(runner.Result{StopReason: domain.StopBudgetExceeded})

	h.tick(t, t0)
	a := h.agent(t, "a1")
	if a.Status != domain.StatusPausedBudget {
		t.Fatalf("status = %s, want PAUSED_BUDGET", a.Status)
	}
	midnight := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if a.StopUntil == nil || !a.StopUntil.Equal(midnight) {
		t.Errorf("stop_until = %v, want %v", a.StopUntil, midnight)
	}
	if h.notifier.Count() != 1 {
		t.Errorf("notifications = %d, want 1", h.notifier.Count())
	}

	h.runner.Set(runner.Result{})
	if n := h.tick(t, midnight.Add(-time.Minute)); n != 0 {
		t.Errorf("started before midnight = %d, want 0", n)
	}
	if n := h.tick(t, midnight); n != 1 {
		t.Fatalf("started at midnight = %d, want 1", n)
	}
	a = h.agent(t, "a1")
	if a.Status != domain.StatusWaiting || a.StopReason != "" || a.StopUntil != nil {
		t.Errorf("after recovery = %s %q %v, want WAITING with stop fields cleared", a.Status, a.StopReason, a.StopUntil)
	}
	if got := testutil.ToFloat64(h.metrics.RunsStarted.WithLabelValues("day_boundary")); got != 1 {
		t.Errorf("runs_started{day_boundary} = %v, want 1", got)
	}
}

func TestTick_SafetyPauseWaitsForStopUntil(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})
	until := t0.Add(2 * time.Hour)
	h.runner.Set(runner.Result{StopReason: domain.StopPostBurst, StopUntil: &until})

	h.tick(t, t0)
	a := h.agent(t, "a1")
	if a.Status != domain.StatusPausedSafety || a.StopReason != domain.StopPostBurst {
		t.Fatalf("agent = %s %q, want PAUSED_SAFETY post_burst", a.Status, a.StopReason)
	}

	h.runner.Set(runner.Result{})
	if n := h.tick(t, until.Add(-time.Second)); n != 0 {
		t.Errorf("started before stop_until = %d, want 0", n)
	}
	if n := h.tick(t, until); n != 1 {
		t.Errorf("started at stop_until = %d, want 1", n)
	}
}

func TestTick_SafetyPauseWithoutUntilStaysPaused(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})
	h.runner.Set(runner.Result{StopReason: domain.StopXAuthFailed})

	h.tick(t, t0)
	if n := h.tick(t, t0.Add(30*24*time.Hour)); n != 0 {
		t.Errorf("started = %d, want 0 until resumed", n)
	}
	if got := h.agent(t, "a1").Status; got != domain.StatusPausedSafety {
		t.Errorf("status = %s, want PAUSED_SAFETY", got)
	}
}

func TestTick_ErrorRetriesWithBackoffThenGivesUp(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})
	h.runner.Set(runner.Result{Err: domain.ErrUnrecoverable})

	h.tick(t, t0)
	a := h.agent(t, "a1")
	if a.Status != domain.StatusError || a.StopReason != domain.StopUnrecoverable {
		t.Fatalf("agent = %s %q, want ERROR unrecoverable", a.Status, a.StopReason)
	}
	if a.NextRunAt == nil || !a.NextRunAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("next retry = %v, want +1m", a.NextRunAt)
	}

	if n := h.tick(t, t0.Add(30*time.Second)); n != 0 {
		t.Errorf("started before backoff = %d, want 0", n)
	}
	if n := h.tick(t, t0.Add(time.Minute)); n != 1 {
		t.Fatalf("first retry started = %d, want 1", n)
	}
	a = h.agent(t, "a1")
	if a.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", a.RetryCount)
	}
	// Second delay doubles.
	if want := t0.Add(3 * time.Minute); a.NextRunAt == nil || !a.NextRunAt.Equal(want) {
		t.Errorf("next retry = %v, want %v", a.NextRunAt, want)
	}
	if n := h.tick(t, t0.Add(3*time.Minute)); n != 1 {
		t.Fatalf("second retry started = %d, want 1", n)
	}

	if n := h.tick(t, t0.Add(time.Hour)); n != 0 {
		t.Errorf("started after exhaustion = %d, want 0", n)
	}
	h.tick(t, t0.Add(2*time.Hour))
	a = h.agent(t, "a1")
	if a.Status != domain.StatusError || a.StopReason != domain.StopRetriesExhausted {
		t.Errorf("agent = %s %q, want ERROR retries_exhausted", a.Status, a.StopReason)
	}
	if h.runner.Calls() != 3 {
		t.Errorf("runner calls = %d, want 3", h.runner.Calls())
	}
	if got := testutil.ToFloat64(h.metrics.RetriesExhausted); got != 1 {
		t.Errorf("retries_exhausted = %v, want 1", got)
	}
	if entries := h.audit(t, "a1", "transition"); len(entries) != 1 || entries[0].StopReason != domain.StopRetriesExhausted {
		t.Errorf("transition audit = %+v, want one retries_exhausted entry", entries)
	}
}

func TestTick_RunLockHeldElsewhereSkips(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")}, func(d *Deps, _ *config.SchedulerConfig) {
		d.Lock = denyLock{}
	})
	if n := h.tick(t, t0); n != 0 {
		t.Fatalf("started = %d, want 0", n)
	}
	if h.sched.Running("a1") {
		t.Error("agent left marked running")
	}
	if got := h.agent(t, "a1").Status; got != domain.StatusIdle {
		t.Errorf("status = %s, want IDLE", got)
	}
	if got := testutil.ToFloat64(h.metrics.RunsSkipped.WithLabelValues("locked")); got != 1 {
		t.Errorf("runs_skipped{locked} = %v, want 1", got)
	}
}

func TestTick_AtMostOneRunPerAccount(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})
	started := make(chan struct{})
	release := make(chan struct{})
	h.runner.run = func(ctx context.Context, a *domain.Agent) runner.Result {
		close(started)
		<-release
		return runner.Result{}
	}

	if n := h.sched.Tick(context.Background(), t0); n != 1 {
		t.Fatalf("started = %d, want 1", n)
	}
	<-started
	if err := h.sched.RequestRun(context.Background(), "a1"); err != nil {
		t.Fatalf("RequestRun while running: %v", err)
	}
	if n := h.sched.Tick(context.Background(), t0.Add(48*time.Hour)); n != 0 {
		t.Errorf("second start while running = %d, want 0", n)
	}
	close(release)
	h.sched.Wait()
	if h.runner.Calls() != 1 {
		t.Errorf("runner calls = %d, want 1", h.runner.Calls())
	}
}

// Run with -race: ticks and manual runs race for the same accounts.
func TestTick_ConcurrentTicksAndRequestsKeepOneRunPerAccount(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1"), testAgent("a2")})
	var (
		mu       sync.Mutex
		inFlight = map[string]int{}
		maxSeen  = map[string]int{}
	)
	h.runner.run = func(ctx context.Context, a *domain.Agent) runner.Result {
		mu.Lock()
		inFlight[a.ID]++
		if inFlight[a.ID] > maxSeen[a.ID] {
			maxSeen[a.ID] = inFlight[a.ID]
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight[a.ID]--
		mu.Unlock()
		return runner.Result{}
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			h.sched.Tick(ctx, t0.Add(time.Duration(i)*48*time.Hour))
		}(i)
		go func(i int) {
			defer wg.Done()
			id := []string{"a1", "a2"}[i%2]
			if err := h.sched.RequestRun(ctx, id); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
				t.Errorf("RequestRun(%s): %v", id, err)
			}
		}(i)
	}
	wg.Wait()
	h.sched.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"a1", "a2"} {
		if maxSeen[id] > 1 {
			t.Errorf("%s had %d runs in flight, want at most 1", id, maxSeen[id])
		}
		if inFlight[id] != 0 {
			t.Errorf("%s still has %d runs in flight", id, inFlight[id])
		}
	}
	if h.runner.Calls() == 0 {
		t.Error("no run started")
	}
	for _, id := range []string{"a1", "a2"} {
		if a := h.agent(t, id); a.Status == domain.StatusRunning {
			t.Errorf("%s status = RUNNING after all runs returned", id)
		}
	}
}

// --- Operator commands ---

func TestStop_CancelsInFlightRun(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})
	started := make(chan struct{})
	var sawCancel bool
	h.runner.run = func(ctx context.Context, a *domain.Agent) runner.Result {
		close(started)
		<-ctx.Done()
		sawCancel = true
		return runner.Result{Stopped: true, StopReason: domain.StopManual, Partial: true}
	}

	h.sched.Tick(context.Background(), t0)
	<-started

	if _, err := h.sched.Resume(context.Background(), "a1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("Resume while running err = %v, want ErrInvalidTransition", err)
	}

	a, err := h.sched.Stop(context.Background(), "a1", "", nil)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Status != domain.StatusPausedSafety || a.StopReason != domain.StopManual {
		t.Errorf("after stop = %s %q, want PAUSED_SAFETY manual_stop", a.Status, a.StopReason)
	}
	h.sched.Wait()
	if !sawCancel {
		t.Error("run context was not cancelled")
	}
	a = h.agent(t, "a1")
	if a.Status != domain.StatusPausedSafety {
		t.Errorf("after run returned = %s, want PAUSED_SAFETY", a.Status)
	}
	stored, err := h.store.Agents().Load(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stored.Status != domain.StatusPausedSafety {
		t.Errorf("persisted status = %s, want PAUSED_SAFETY", stored.Status)
	}
}

func TestStop_Idempotent(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})
	ctx := context.Background()
	until := t0.Add(time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := h.sched.Stop(ctx, "a1", domain.StopManual, &until); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
	}
	if entries := h.audit(t, "a1", "stop"); len(entries) != 1 {
		t.Errorf("stop audit entries = %d, want 1", len(entries))
	}
	if _, err := h.sched.Stop(ctx, "nope", "", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown agent err = %v, want ErrNotFound", err)
	}
}

func TestResume_ClearsStopFields(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})
	ctx := context.Background()
	if _, err := h.sched.Stop(ctx, "a1", domain.StopNearDuplicate, nil); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	a, err := h.sched.Resume(ctx, "a1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if a.Status != domain.StatusIdle || a.StopReason != "" || a.StopUntil != nil || a.RetryCount != 0 {
		t.Errorf("after resume = %+v, want IDLE with cleared stop fields", a)
	}
	if n := h.tick(t, t0); n != 1 {
		t.Errorf("started after resume = %d, want 1", n)
	}
	if entries := h.audit(t, "a1", "resume"); len(entries) != 1 {
		t.Errorf("resume audit entries = %d, want 1", len(entries))
	}
}

func TestRequestRun(t *testing.T) {
	a := testAgent("a1")
	a.Status = domain.StatusWaiting
	a.LastRunAt = &t0
	h := newHarness(t, []*domain.Agent{a, testAgent("a2")})
	ctx := context.Background()
	h.clock.Set(t0)
	h.sched.Stop(ctx, "a2", "", nil)

	if err := h.sched.RequestRun(ctx, "a1"); err != nil {
		t.Fatalf("RequestRun: %v", err)
	}
	if n := h.tick(t, t0.Add(time.Minute)); n != 1 {
		t.Fatalf("started = %d, want 1", n)
	}
	if got := testutil.ToFloat64(h.metrics.RunsStarted.WithLabelValues("manual_run")); got != 1 {
		t.Errorf("runs_started{manual_run} = %v, want 1", got)
	}
	// The flag is consumed by the run.
	if n := h.tick(t, t0.Add(2*time.Minute)); n != 0 {
		t.Errorf("second tick started = %d, want 0", n)
	}

	if err := h.sched.RequestRun(ctx, "a2"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("RequestRun on stopped agent err = %v, want ErrInvalidTransition", err)
	}
	if err := h.sched.RequestRun(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("RequestRun unknown err = %v, want ErrNotFound", err)
	}
}

func TestPatchConfig_TogglesFallBack(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})
	ctx := context.Background()
	budgetPatch := &domain.DailyBudget{Total: 10, X: 6, LLM: 4}

	a, fallbacks, err := h.sched.PatchConfig(ctx, "a1", Patch{
		DailyBudget: budgetPatch,
		Toggles:     map[string]any{"posts_per_day": 99, "auto_post": false, "reply_daily_max": 4},
	})
	if err != nil {
		t.Fatalf("PatchConfig: %v", err)
	}
	if len(fallbacks) != 1 || fallbacks[0].Key != "posts_per_day" || fallbacks[0].Reason != "out_of_range" {
		t.Errorf("fallbacks = %+v, want posts_per_day out_of_range", fallbacks)
	}
	if a.Toggles.PostsPerDay != domain.DefaultToggles().PostsPerDay {
		t.Errorf("posts_per_day = %d, want default", a.Toggles.PostsPerDay)
	}
	if a.Toggles.AutoPost || a.Toggles.ReplyDailyMax != 4 {
		t.Errorf("toggles = %+v, want auto_post off and reply_daily_max 4", a.Toggles)
	}

	stored, err := h.store.Agents().Load(ctx, "a1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stored.DailyBudget != *budgetPatch {
		t.Errorf("persisted budget = %+v, want %+v", stored.DailyBudget, *budgetPatch)
	}
	if entries := h.audit(t, "a1", "patch"); len(entries) != 1 {
		t.Errorf("patch audit entries = %d, want 1", len(entries))
	}

	if _, _, err := h.sched.PatchConfig(ctx, "a1", Patch{DailyBudget: &domain.DailyBudget{X: -1}}); err == nil {
		t.Error("negative budget accepted")
	}
	bad := "not a cron"
	if _, _, err := h.sched.PatchConfig(ctx, "a1", Patch{Schedule: &bad}); err == nil {
		t.Error("invalid schedule accepted")
	}
}

func TestGetAuditLog_NewestFirst(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})
	ctx := context.Background()
	h.sched.Stop(ctx, "a1", "", nil)
	h.clock.Set(t0.Add(time.Minute))
	h.sched.Resume(ctx, "a1")

	entries, err := h.sched.GetAuditLog(ctx, "a1", 0)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(entries) != 2 || entries[0].EventType != "resume" || entries[1].EventType != "stop" {
		t.Errorf("entries = %+v, want resume then stop", entries)
	}
	if _, err := h.sched.GetAuditLog(ctx, "nope", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown agent err = %v, want ErrNotFound", err)
	}
}

// --- Posting dispatcher ---

func enqueue(t *testing.T, h *harness, accountID, text string, at time.Time) *domain.Post {
	t.Helper()
	p := clients.NewPost(accountID, clients.Draft{Text: text}, at, at)
	ok, err := h.store.Posts().Enqueue(context.Background(), p)
	if err != nil || !ok {
		t.Fatalf("Enqueue = %v, %v", ok, err)
	}
	return p
}

func TestDispatchDuePosts_Publishes(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})
	ctx := context.Background()
	enqueue(t, h, "a1", "a due post about go modules", t0.Add(-time.Minute))
	enqueue(t, h, "a1", "a later post about go generics", t0.Add(time.Hour))

	n, err := h.sched.DispatchDuePosts(ctx, t0)
	if err != nil {
		t.Fatalf("DispatchDuePosts: %v", err)
	}
	if n != 1 {
		t.Fatalf("posted = %d, want 1", n)
	}
	if got := h.x.Calls("create_post"); got != 1 {
		t.Errorf("create_post calls = %d, want 1", got)
	}
	posted, err := h.store.Posts().List(ctx, storage.PostFilter{AccountID: "a1", Posted: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(posted) != 1 || posted[0].ExternalID == "" {
		t.Fatalf("posted = %+v, want one with external id", posted)
	}
	entry, err := h.ledger.Entry(ctx, "a1", domain.Day(t0))
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if entry.PostCount != 1 || entry.XUsageUnits != 1 {
		t.Errorf("ledger = %+v, want one post costing 1", entry)
	}
	if entries := h.audit(t, "a1", "post"); len(entries) != 1 || entries[0].Source != "dispatcher" {
		t.Errorf("post audit = %+v, want one dispatcher entry", entries)
	}
	if got := testutil.ToFloat64(h.metrics.PostsDispatched.WithLabelValues(resultPosted)); got != 1 {
		t.Errorf("posts_dispatched{posted} = %v, want 1", got)
	}
}

func TestDispatchDuePosts_AutoPostDisabled(t *testing.T) {
	a := testAgent("a1")
	a.Toggles.AutoPost = false
	h := newHarness(t, []*domain.Agent{a})
	enqueue(t, h, "a1", "queued while auto post is off", t0.Add(-time.Minute))

	n, err := h.sched.DispatchDuePosts(context.Background(), t0)
	if err != nil || n != 0 {
		t.Fatalf("DispatchDuePosts = %d, %v, want 0", n, err)
	}
	if got := h.x.Calls("create_post"); got != 0 {
		t.Errorf("create_post calls = %d, want 0", got)
	}
}

func TestDispatchDuePosts_SkipReasons(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(h *harness)
		reason string
	}{
		{"agent stopped", func(h *harness) {
			h.sched.Stop(context.Background(), "a1", "", nil)
		}, domain.SkipAgentStopped},
		{"budget exceeded", func(h *harness) {
			h.sched.PatchConfig(context.Background(), "a1", Patch{DailyBudget: &domain.DailyBudget{Total: 0.5, X: 0.5}})
		}, domain.SkipBudgetExceeded},
		{"rate limited", func(h *harness) {
			h.x.FailOn("create_post", &ratelimit.Error{Key: "create_post", RetryAfter: time.Minute})
		}, domain.SkipRateLimited},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, []*domain.Agent{testAgent("a1")})
			ctx := context.Background()
			p := enqueue(t, h, "a1", "something worth saying about go", t0.Add(-time.Minute))
			c.setup(h)

			for i := 0; i < 2; i++ {
				if n, err := h.sched.DispatchDuePosts(ctx, t0); err != nil || n != 0 {
					t.Fatalf("DispatchDuePosts #%d = %d, %v, want 0", i, n, err)
				}
			}
			left, err := h.store.Posts().List(ctx, storage.PostFilter{AccountID: "a1"})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(left) != 1 || left[0].ID != p.ID || left[0].PostedAt != nil || left[0].LastError != c.reason {
				t.Fatalf("queue = %+v, want post kept with last_error %s", left, c.reason)
			}
			var skips int
			for _, e := range h.audit(t, "a1", "post") {
				if e.StopReason == c.reason {
					skips++
				}
			}
			if skips != 1 {
				t.Errorf("skip audit entries = %d, want 1 per reason", skips)
			}
		})
	}
}

func TestDispatchDuePosts_NearDuplicateStopsAgent(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})
	ctx := context.Background()
	text := "the same thought about error wrapping in go"
	h.gate.Record("a1", "earlier", text, t0.Add(-3*time.Hour))
	enqueue(t, h, "a1", text, t0.Add(-time.Minute))

	if n, _ := h.sched.DispatchDuePosts(ctx, t0); n != 0 {
		t.Fatalf("posted = %d, want 0", n)
	}
	a := h.agent(t, "a1")
	if a.Status != domain.StatusPausedSafety || a.StopReason != domain.StopNearDuplicate {
		t.Fatalf("agent = %s %q, want PAUSED_SAFETY near_duplicate", a.Status, a.StopReason)
	}
	if a.StopUntil == nil || !a.StopUntil.Equal(t0.Add(time.Hour)) {
		t.Errorf("stop_until = %v, want +1h cooldown", a.StopUntil)
	}
	if out, _ := h.ledger.Outstanding(ctx, "a1", domain.Day(t0)); !out.IsZero() {
		t.Errorf("outstanding = %+v, want reservation released", out)
	}
}

func TestDispatchDuePosts_AuthFailureStopsAgent(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})
	h.x.FailOn("create_post", domain.ErrUnauthorized)
	enqueue(t, h, "a1", "this will bounce off a revoked token", t0.Add(-time.Minute))

	h.sched.DispatchDuePosts(context.Background(), t0)
	a := h.agent(t, "a1")
	if a.Status != domain.StatusPausedSafety || a.StopReason != domain.StopXAuthFailed || a.StopUntil != nil {
		t.Errorf("agent = %s %q %v, want PAUSED_SAFETY x_auth_failed until resumed", a.Status, a.StopReason, a.StopUntil)
	}
	if h.notifier.Count() == 0 {
		t.Error("no notification sent")
	}
}

// --- Usage reconciliation ---

func TestReconcileUsage(t *testing.T) {
	h := newHarness(t, []*domain.Agent{testAgent("a1")})
	ctx := context.Background()
	h.x.Usage = 7

	h.sched.ReconcileUsage(ctx, t0)
	entry, err := h.ledger.Entry(ctx, "a1", domain.Day(t0))
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if entry.XUsageUnits != 7 {
		t.Errorf("x usage units = %v, want 7", entry.XUsageUnits)
	}
	if got := h.x.Calls("daily_usage"); got != 1 {
		t.Errorf("daily_usage calls = %d, want 1", got)
	}
}

// --- Helpers ---

func TestComputeNextRunFrom(t *testing.T) {
	next, err := ComputeNextRunFrom("30 8 * * *", t0)
	if err != nil {
		t.Fatalf("ComputeNextRunFrom: %v", err)
	}
	if want := time.Date(2026, 3, 11, 8, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
	if _, err := ComputeNextRunFrom("bogus", t0); err == nil {
		t.Error("invalid expression accepted")
	}
}
