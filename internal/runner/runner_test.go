package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/xpilot/internal/budget"
	"github.com/jkaninda/xpilot/internal/clients"
	"github.com/jkaninda/xpilot/internal/clients/fake"
	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/knowledge"
	"github.com/jkaninda/xpilot/internal/ledger"
	"github.com/jkaninda/xpilot/internal/observability"
	"github.com/jkaninda/xpilot/internal/ratelimit"
	"github.com/jkaninda/xpilot/internal/retry"
	"github.com/jkaninda/xpilot/internal/safety"
	"github.com/jkaninda/xpilot/internal/storage"
	"github.com/jkaninda/xpilot/internal/storage/sqlite"
)

var fixedNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

const analysisResponse = `Here is what the data shows:
[{"hypothesis":"short questions about go lift impressions","effect_size":0.8,"verification_count":3}]`

type harness struct {
	runner    *Runner
	x         *fake.X
	web       *fake.Web
	llm       *fake.LLM
	store     *sqlite.Store
	ledger    *ledger.Memory
	gate      *safety.Gate
	knowledge *knowledge.Store
	collector *observability.MetricsCollector
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := discard()
	now := func() time.Time { return fixedNow }

	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "xpilot.db")}, logger)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	collector := observability.NewMetricsCollector()
	mem := ledger.NewMemory()
	guard := budget.New(mem, budget.DefaultCostTable(), logger, budget.WithClock(now), budget.WithMetrics(collector))
	gate, err := safety.New(safety.Config{BurstMax: 3, BurstWindow: time.Hour, SimilarityThreshold: 0.9}, collector, logger)
	if err != nil {
		t.Fatalf("safety.New: %v", err)
	}
	gate.SetClock(now)
	know, err := knowledge.New(nil, 0, logger)
	if err != nil {
		t.Fatalf("knowledge.New: %v", err)
	}
	t.Cleanup(func() { know.Close() })

	x := fake.NewX()
	web := &fake.Web{}
	llm := &fake.LLM{Responses: map[string]string{
		clients.TaskAnalyze: analysisResponse,
		clients.TaskPlan:    `["ask one concrete question about go tooling"]`,
	}}

	r := New(Deps{
		X:         x,
		Search:    clients.Search{Web: web, Fetch: web, X: x},
		LLM:       llm,
		Budget:    guard,
		Gate:      gate,
		Knowledge: know,
		Posts:     store.Posts(),
		Metrics:   store.Metrics(),
		Audit:     store.Audit(),
		Targets:   store.Targets(),
		Collector: collector,
		Logger:    logger,
		Now:       now,
	}, Config{
		Retry: retry.Policy{MaxAttempts: 2, CallTimeout: time.Second, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	})

	return &harness{runner: r, x: x, web: web, llm: llm, store: store, ledger: mem, gate: gate, knowledge: know, collector: collector}
}

func testAgent() *domain.Agent {
	t := domain.DefaultToggles()
	t.PostsPerDay = 5
	t.AutoPost = true
	return &domain.Agent{
		ID:             "acct-1",
		Handle:         "builder",
		Active:         true,
		Status:         domain.StatusRunning,
		DailyBudget:    domain.DailyBudget{Total: 300, X: 100, LLM: 200},
		Toggles:        t,
		WeeklyFocusKPI: "impressions",
		Topics:         []string{"go"},
	}
}

func findStep(res Result, name string) (domain.StepSummary, bool) {
	for _, s := range res.Audit.Steps {
		if s.Step == name {
			return s, true
		}
	}
	return domain.StepSummary{}, false
}

func hasDecision(res Result, rationale string) bool {
	for _, d := range res.Audit.Decisions {
		if d.Rationale == rationale {
			return true
		}
	}
	return false
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// --- Full cycle ---

func TestRunOnce_FullCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.runner.RunOnce(ctx, testAgent())
	if res.Err != nil || res.StopReason != "" || res.Partial {
		t.Fatalf("result = err %v stop %q partial %v, want a clean cycle", res.Err, res.StopReason, res.Partial)
	}
	if res.Event() != domain.EventCycleCompleted {
		t.Errorf("Event = %s, want %s", res.Event(), domain.EventCycleCompleted)
	}
	if res.PartialData {
		t.Error("PartialData = true, want false")
	}

	// metrics 1.02 + search_x 0.50 + reply 1.00 + quote 1.00
	if !approx(res.Entry.XUsageUnits, 3.52) {
		t.Errorf("XUsageUnits = %v, want 3.52", res.Entry.XUsageUnits)
	}
	if res.Entry.ReplyCount != 1 || res.Entry.QuoteCount != 1 {
		t.Errorf("counters = %d replies %d quotes, want 1/1", res.Entry.ReplyCount, res.Entry.QuoteCount)
	}
	if !approx(res.Cost.Total(), res.Entry.TotalCost) {
		t.Errorf("cycle cost %v != ledger total %v", res.Cost.Total(), res.Entry.TotalCost)
	}

	for op, want := range map[string]int{"list_posts": 1, "get_post_metrics": 1, "search_x": 1, "reply": 1, "quote": 1} {
		if got := h.x.Calls(op); got != want {
			t.Errorf("x.%s calls = %d, want %d", op, got, want)
		}
	}
	if got := h.web.Calls("fetch"); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}

	scheduled := h.x.ScheduledPosts()
	if len(scheduled) != 3 {
		t.Fatalf("scheduled = %d, want 3 original posts", len(scheduled))
	}
	tomorrow := domain.Day(fixedNow).Add(24 * time.Hour)
	for i, p := range scheduled {
		if !domain.Day(p.ScheduledAt).Equal(tomorrow) {
			t.Errorf("post %d scheduled %v, want on %v", i, p.ScheduledAt, tomorrow)
		}
		if p.Kind != domain.PostTweet && p.Kind != domain.PostThread {
			t.Errorf("post %d kind = %s", i, p.Kind)
		}
	}
	if !scheduled[0].Experiment {
		t.Error("first scheduled post is not the experiment")
	}

	published := h.x.PublishedDrafts()
	if len(published) != 2 {
		t.Fatalf("published = %d, want reply + quote", len(published))
	}
	for _, d := range published {
		if d.TargetID != "target-go-1" && d.TargetID != "target-go-2" {
			t.Errorf("engaged %q, want a searched target", d.TargetID)
		}
	}

	shared, err := h.knowledge.SearchShared(ctx, "questions", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(shared) != 1 || shared[0].Evidence != domain.EvidenceConfirmed {
		t.Errorf("shared = %+v, want one confirmed finding", shared)
	}

	if len(res.Audit.Steps) != 7 {
		t.Errorf("steps = %d, want 7", len(res.Audit.Steps))
	}
	stored, err := h.store.Audit().Query(ctx, "acct-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].ResultState != domain.StatusWaiting || stored[0].CorrelationID != res.CorrelationID {
		t.Errorf("audit = %+v, want one WAITING entry", stored)
	}

	if got := counterValue(t, h.collector.Registry, "xpilot_runner_cycles_total", prometheus.Labels{"account_id": "acct-1", "result": "completed"}); got != 1 {
		t.Errorf("cycles_total = %v, want 1", got)
	}
}

// --- Metrics steps ---

func TestRunOnce_ConfirmedMetricsFetchedOnce(t *testing.T) {
	h := newHarness(t)
	a := testAgent()
	a.Toggles.PostsPerDay = 0

	h.runner.RunOnce(context.Background(), a)
	res := h.runner.RunOnce(context.Background(), a)
	if res.Err != nil || res.StopReason != "" {
		t.Fatalf("second run: err %v stop %q", res.Err, res.StopReason)
	}
	if got := h.x.Calls("get_post_metrics"); got != 1 {
		t.Errorf("get_post_metrics calls = %d, want 1", got)
	}
	stored, err := h.store.Metrics().Recent(context.Background(), "acct-1", domain.MetricsConfirmed, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 {
		t.Errorf("confirmed rows = %d, want 3", len(stored))
	}
}

func TestRunOnce_MetricsFailureIsPartialData(t *testing.T) {
	h := newHarness(t)
	h.x.FailOn("get_post_metrics", errors.New("503 service unavailable"))

	res := h.runner.RunOnce(context.Background(), testAgent())
	if res.Err != nil || res.StopReason != "" {
		t.Fatalf("result = err %v stop %q, want the cycle to continue", res.Err, res.StopReason)
	}
	if !res.PartialData {
		t.Error("PartialData = false, want true")
	}
	if got := h.x.Calls("get_post_metrics"); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if s, ok := findStep(res, StepMetrics); !ok || s.Status != "partial" {
		t.Errorf("metrics step = %+v, want partial", s)
	}
	if !approx(res.Entry.XUsageUnits, 0.50+2) {
		t.Errorf("XUsageUnits = %v, want only search and engagement charged", res.Entry.XUsageUnits)
	}
}

func TestRunOnce_SnapshotsStopAtFetchMax(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := testAgent()
	a.Toggles.PostsPerDay = 0

	posts := h.store.Posts()
	p := clients.NewPost("acct-1", clients.Draft{Kind: domain.PostTweet, Text: "does a question get replies", Experiment: true},
		fixedNow.Add(-24*time.Hour), fixedNow.Add(-25*time.Hour))
	if ok, err := posts.Enqueue(ctx, p); err != nil || !ok {
		t.Fatalf("Enqueue = %v, %v", ok, err)
	}
	if err := posts.MarkPosted(ctx, p.ID, "ext-1", fixedNow.Add(-24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < a.Toggles.SnapshotFetchMax-1; i++ {
		if err := posts.IncrementSnapshot(ctx, p.ID); err != nil {
			t.Fatal(err)
		}
	}

	res := h.runner.RunOnce(ctx, a)
	if s, ok := findStep(res, StepSnapshots); !ok || s.Status != "ok" || s.Actions != 1 {
		t.Errorf("snapshot step = %+v, want one fetch", s)
	}
	if got := h.x.Calls("get_post_metrics"); got != 2 {
		t.Errorf("get_post_metrics calls = %d, want confirmed + snapshot", got)
	}

	list, err := posts.List(ctx, storage.PostFilter{AccountID: "acct-1", Experiments: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].SnapshotFetches != a.Toggles.SnapshotFetchMax {
		t.Fatalf("posts = %+v, want fetches at max", list)
	}

	res = h.runner.RunOnce(ctx, a)
	if s, ok := findStep(res, StepSnapshots); !ok || s.Status != "skipped" {
		t.Errorf("second snapshot step = %+v, want skipped", s)
	}
	if got := h.x.Calls("get_post_metrics"); got != 2 {
		t.Errorf("get_post_metrics calls = %d, want no new fetch", got)
	}
}

// --- Halts ---

func TestRunOnce_BudgetDenialPausesBudget(t *testing.T) {
	h := newHarness(t)
	a := testAgent()
	a.DailyBudget = domain.DailyBudget{Total: 1.5, X: 1.0, LLM: 0.5}

	res := h.runner.RunOnce(context.Background(), a)
	if res.StopReason != domain.StopBudgetExceeded {
		t.Fatalf("StopReason = %q, want %q", res.StopReason, domain.StopBudgetExceeded)
	}
	if res.Event() != domain.EventBudgetDenied {
		t.Errorf("Event = %s, want %s", res.Event(), domain.EventBudgetDenied)
	}
	if !res.Partial || res.StopUntil != nil {
		t.Errorf("partial = %v stop_until = %v, want partial with no stop_until", res.Partial, res.StopUntil)
	}
	if len(res.Audit.Actions) != 1 || res.Audit.Actions[0].Outcome != domain.OutcomeDeniedBudget {
		t.Errorf("actions = %+v, want one budget denial", res.Audit.Actions)
	}
	if h.x.Calls("get_post_metrics") != 0 {
		t.Error("metrics fetched despite denial")
	}
	if res.Audit.ResultState != domain.StatusPausedBudget {
		t.Errorf("ResultState = %s, want %s", res.Audit.ResultState, domain.StatusPausedBudget)
	}
}

func TestRunOnce_StopKeepsCommittedSpend(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.x.OnCall(func(_ context.Context, op string) error {
		if op == "search_x" {
			cancel()
		}
		return nil
	})

	res := h.runner.RunOnce(ctx, testAgent())
	if !res.Stopped || res.StopReason != domain.StopManual {
		t.Fatalf("stopped = %v reason = %q, want manual_stop", res.Stopped, res.StopReason)
	}
	if res.Event() != domain.EventStop {
		t.Errorf("Event = %s, want %s", res.Event(), domain.EventStop)
	}
	if !approx(res.Entry.XUsageUnits, 1.52) {
		t.Errorf("XUsageUnits = %v, want metrics and search kept", res.Entry.XUsageUnits)
	}
	if h.web.Calls("search_web") != 0 {
		t.Error("web search ran after stop")
	}

	stored, err := h.store.Audit().Query(context.Background(), "acct-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || !stored[0].Partial || stored[0].StopReason != domain.StopManual {
		t.Errorf("audit = %+v, want a partial manual_stop entry", stored)
	}
	if stored[0].ResultState != domain.StatusPausedSafety {
		t.Errorf("ResultState = %s, want %s", stored[0].ResultState, domain.StatusPausedSafety)
	}
}

func TestRunOnce_UnauthorizedStopsAgent(t *testing.T) {
	h := newHarness(t)
	h.x.FailOn("list_posts", fmt.Errorf("%w: status 401", domain.ErrUnauthorized))

	res := h.runner.RunOnce(context.Background(), testAgent())
	if res.StopReason != domain.StopXAuthFailed {
		t.Fatalf("StopReason = %q, want %q", res.StopReason, domain.StopXAuthFailed)
	}
	if res.StopUntil != nil {
		t.Errorf("StopUntil = %v, want nil", res.StopUntil)
	}
	if res.Event() != domain.EventSafetyFired {
		t.Errorf("Event = %s, want %s", res.Event(), domain.EventSafetyFired)
	}
	if got := h.x.Calls("list_posts"); got != 1 {
		t.Errorf("list_posts calls = %d, want no retry", got)
	}
}

func TestRunOnce_NearDuplicateDraftHalts(t *testing.T) {
	h := newHarness(t)
	h.llm.Responses[clients.TaskDraft] = "the same draft text for every slot of the plan"

	res := h.runner.RunOnce(context.Background(), testAgent())
	if res.StopReason != domain.StopNearDuplicate {
		t.Fatalf("StopReason = %q, want %q", res.StopReason, domain.StopNearDuplicate)
	}
	if res.StopUntil == nil || !res.StopUntil.Equal(fixedNow.Add(time.Hour)) {
		t.Errorf("StopUntil = %v, want now+1h", res.StopUntil)
	}
	if got := len(h.x.ScheduledPosts()); got != 1 {
		t.Errorf("scheduled = %d, want only the first draft", got)
	}
	if h.x.Calls("reply") != 0 {
		t.Error("engagement ran after the gate fired")
	}
}

func TestRunOnce_DeniedReplyKeepsDraftSpend(t *testing.T) {
	h := newHarness(t)
	const seen = "which go tool do you reach for first when a build breaks"
	h.gate.Record("acct-1", "old-1", seen, fixedNow.Add(-2*time.Hour))
	h.llm.Responses[clients.TaskReply] = seen

	res := h.runner.RunOnce(context.Background(), testAgent())
	if res.StopReason != domain.StopNearDuplicate {
		t.Fatalf("StopReason = %q, want %q", res.StopReason, domain.StopNearDuplicate)
	}
	if h.llm.Calls(clients.TaskReply) != 1 || h.x.Calls("reply") != 0 {
		t.Fatalf("reply drafts = %d, x replies = %d, want 1 and 0", h.llm.Calls(clients.TaskReply), h.x.Calls("reply"))
	}

	var committed, draft domain.Cost
	for _, a := range res.Audit.Actions {
		switch {
		case a.Outcome == domain.OutcomeOK:
			committed = committed.Add(a.Actual)
		case a.Kind == domain.ActionReply:
			if a.Outcome != domain.OutcomeDeniedSafety {
				t.Errorf("reply outcome = %s, want %s", a.Outcome, domain.OutcomeDeniedSafety)
			}
			draft = a.Actual
		}
	}
	if draft.LLM <= 0 || draft.LLMTokens <= 0 || draft.X != 0 {
		t.Fatalf("denied reply actual = %+v, want LLM spend only", draft)
	}

	e, err := h.ledger.Entry(context.Background(), "acct-1", fixedNow)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if !approx(e.LLMCost, committed.LLM+draft.LLM) {
		t.Errorf("ledger LLMCost = %v, want %v including the draft", e.LLMCost, committed.LLM+draft.LLM)
	}
	if e.LLMTokens != committed.LLMTokens+draft.LLMTokens {
		t.Errorf("ledger LLMTokens = %d, want %d", e.LLMTokens, committed.LLMTokens+draft.LLMTokens)
	}
	if e.ReplyCount != 0 {
		t.Errorf("ReplyCount = %d, want 0", e.ReplyCount)
	}
	if !approx(res.Cost.LLM, e.LLMCost) {
		t.Errorf("cycle LLM cost = %v, ledger = %v", res.Cost.LLM, e.LLMCost)
	}
	if out, _ := h.ledger.Outstanding(context.Background(), "acct-1", fixedNow); !out.IsZero() {
		t.Errorf("Outstanding = %+v, want zero", out)
	}
}

func TestRunOnce_QuoteCapReachedMidCycle(t *testing.T) {
	h := newHarness(t)
	a := testAgent()
	// Another writer fills the quote cap while the reply is published.
	h.x.OnCall(func(ctx context.Context, op string) error {
		if op != "reply" {
			return ctx.Err()
		}
		res, err := h.ledger.Reserve(ctx, a.ID, fixedNow, domain.ActionQuote, domain.Cost{}, a.DailyBudget)
		if err != nil {
			return err
		}
		_, err = h.ledger.Commit(ctx, res, domain.Cost{}, domain.Counters{Quotes: a.Toggles.QuoteDailyMax}, a.DailyBudget)
		return err
	})

	res := h.runner.RunOnce(context.Background(), a)
	if res.StopReason != domain.StopQuoteCap {
		t.Fatalf("StopReason = %q, want %q", res.StopReason, domain.StopQuoteCap)
	}
	if h.x.Calls("reply") != 1 || h.x.Calls("quote") != 0 {
		t.Errorf("x replies/quotes = %d/%d, want 1/0", h.x.Calls("reply"), h.x.Calls("quote"))
	}
	if got := h.llm.Calls(clients.TaskReply); got != 1 {
		t.Errorf("drafts = %d, want only the reply drafted", got)
	}
	if want := domain.Day(fixedNow).Add(24 * time.Hour); res.StopUntil == nil || !res.StopUntil.Equal(want) {
		t.Errorf("StopUntil = %v, want %v", res.StopUntil, want)
	}
}

// --- Non-halting failures ---

func TestRunOnce_RateLimitedSearchIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.x.FailOn("search_x", &ratelimit.Error{Key: "acct-1:search", RetryAfter: time.Minute})

	res := h.runner.RunOnce(context.Background(), testAgent())
	if res.Err != nil || res.StopReason != "" {
		t.Fatalf("result = err %v stop %q, want completion", res.Err, res.StopReason)
	}
	found := false
	for _, a := range res.Audit.Actions {
		if a.Kind == domain.ActionSearchX {
			found = true
			if a.Outcome != domain.OutcomeSkipped || a.Error != domain.SkipRateLimited {
				t.Errorf("search_x record = %+v, want skipped rate_limited", a)
			}
		}
	}
	if !found {
		t.Error("no search_x record")
	}
	if h.x.Calls("search_x") != 1 {
		t.Errorf("search_x calls = %d, want no retry", h.x.Calls("search_x"))
	}
	if h.x.Calls("reply")+h.x.Calls("quote") != 0 {
		t.Error("engaged without targets")
	}
}

func TestRunOnce_PlanFailureSchedulesNothing(t *testing.T) {
	h := newHarness(t)
	h.llm.FailOn(clients.TaskPlan, errors.New("model overloaded"))

	res := h.runner.RunOnce(context.Background(), testAgent())
	if res.Err != nil || res.StopReason != "" {
		t.Fatalf("result = err %v stop %q, want completion", res.Err, res.StopReason)
	}
	if got := len(h.x.ScheduledPosts()); got != 0 {
		t.Errorf("scheduled = %d, want 0", got)
	}
	if s, ok := findStep(res, StepPlan); !ok || s.Status != "failed" {
		t.Errorf("plan step = %+v, want failed", s)
	}
	if h.x.Calls("reply") != 0 {
		t.Error("engagement ran without a plan")
	}
}

func TestRunOnce_AutoPostDisabledSkipsEngagement(t *testing.T) {
	h := newHarness(t)
	a := testAgent()
	a.Toggles.AutoPost = false

	res := h.runner.RunOnce(context.Background(), a)
	if res.Err != nil || res.StopReason != "" {
		t.Fatalf("result = err %v stop %q", res.Err, res.StopReason)
	}
	if h.x.Calls("reply")+h.x.Calls("quote") != 0 {
		t.Error("engagement published with auto_post off")
	}
	if !hasDecision(res, domain.SkipAutoPostDisabled) {
		t.Error("no auto_post_disabled decision")
	}
	if got := len(h.x.ScheduledPosts()); got != 3 {
		t.Errorf("scheduled = %d, want 3 queued for review", got)
	}
}

func TestRunOnce_EngagementRespectsUsedCaps(t *testing.T) {
	h := newHarness(t)
	a := testAgent()
	a.Toggles.ReplyQuoteDailyMax = 1

	res := h.runner.RunOnce(context.Background(), a)
	if res.StopReason != "" {
		t.Fatalf("StopReason = %q, want none", res.StopReason)
	}
	if got := h.x.Calls("reply") + h.x.Calls("quote"); got != 1 {
		t.Errorf("engagements = %d, want 1", got)
	}
}

func TestRunOnce_ReplyDraftRetriedUnderTimeout(t *testing.T) {
	h := newHarness(t)
	failures := 0
	h.llm.OnCall(func(ctx context.Context, op string) error {
		if op != clients.TaskReply {
			return ctx.Err()
		}
		if _, ok := ctx.Deadline(); !ok {
			t.Error("reply draft ran without a call timeout")
		}
		if failures == 0 {
			failures++
			return errors.New("upstream 503")
		}
		return ctx.Err()
	})

	res := h.runner.RunOnce(context.Background(), testAgent())
	if res.Err != nil || res.StopReason != "" {
		t.Fatalf("result = err %v stop %q, want completion", res.Err, res.StopReason)
	}
	if got := h.llm.Calls(clients.TaskReply); got != 3 {
		t.Errorf("reply drafts = %d, want 3 (one retried)", got)
	}
	for _, d := range h.x.PublishedDrafts() {
		if d.Kind == domain.PostReply && !strings.Contains(d.Text, "target:") {
			t.Errorf("reply text = %q, want the drafted text", d.Text)
		}
	}
}

func TestRunOnce_FailedReplyDraftUsesPlannedText(t *testing.T) {
	h := newHarness(t)
	h.llm.FailOn(clients.TaskReply, errors.New("upstream 503"))

	res := h.runner.RunOnce(context.Background(), testAgent())
	if res.Err != nil || res.StopReason != "" {
		t.Fatalf("result = err %v stop %q, want completion", res.Err, res.StopReason)
	}
	if h.x.Calls("reply") != 1 {
		t.Fatalf("x replies = %d, want 1", h.x.Calls("reply"))
	}
	for _, d := range h.x.PublishedDrafts() {
		if d.Kind == domain.PostReply && strings.Contains(d.Text, "target:") {
			t.Errorf("reply text = %q, want the planned text", d.Text)
		}
	}
}

// --- Research ---

func TestRunOnce_UsedTargetCandidateSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := testAgent()
	a.TargetHandles = []string{"peer"}

	used := &domain.TargetCandidate{AccountID: a.ID, Day: fixedNow, Handle: "peer", PostID: "target-from:peer-1", PostedAt: fixedNow.Add(-time.Hour)}
	if _, err := h.store.Targets().Add(ctx, used); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.store.Targets().MarkUsed(ctx, used.ID); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}

	res := h.runner.RunOnce(ctx, a)
	if res.Err != nil || res.StopReason != "" {
		t.Fatalf("result = err %v stop %q, want completion", res.Err, res.StopReason)
	}
	if got := h.x.Calls("search_x"); got != 2 {
		t.Errorf("search_x calls = %d, want topic and target account", got)
	}

	var replyTarget string
	for _, d := range h.x.PublishedDrafts() {
		if d.TargetID == used.PostID {
			t.Errorf("%s engaged with a used candidate", d.Kind)
		}
		if d.Kind == domain.PostReply {
			replyTarget = d.TargetID
		}
	}
	if replyTarget != "target-from:peer-2" {
		t.Errorf("reply target = %q, want the unused candidate first", replyTarget)
	}

	left, err := h.store.Targets().Unused(ctx, a.ID, fixedNow, 0)
	if err != nil {
		t.Fatalf("Unused: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("unused after the cycle = %+v, want the replied candidate marked used", left)
	}
}

func TestRunOnce_LongPagesAreSummarized(t *testing.T) {
	cases := []struct {
		name     string
		response string
		want     string
		dropped  bool
	}{
		{"safe", `{"summary":"Reproducible builds come from go modules.","key_points":["pin versions"],"confidence":0.8,"safe_to_use":true}`, "Reproducible builds come from go modules.", false},
		{"unsafe", `{"summary":"Buy followers now.","key_points":[],"confidence":0.9,"safe_to_use":false}`, "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t)
			h.web.Text = strings.Repeat("Go modules make builds reproducible. ", 60)
			h.llm.Responses[clients.TaskSummarize] = c.response

			res := h.runner.RunOnce(context.Background(), testAgent())
			if res.Err != nil || res.StopReason != "" {
				t.Fatalf("result = err %v stop %q, want completion", res.Err, res.StopReason)
			}
			fetches := h.web.Calls("fetch")
			if fetches == 0 {
				t.Fatal("no page fetched")
			}
			if got := h.llm.Calls(clients.TaskSummarize); got != fetches {
				t.Errorf("summaries = %d, want one per fetched page (%d)", got, fetches)
			}
			if in := h.llm.Inputs(clients.TaskSummarize); !strings.Contains(in[0], "url: https://example.com/") {
				t.Errorf("summarize input = %.80q, want the page url", in[0])
			}

			plans := h.llm.Inputs(clients.TaskPlan)
			if len(plans) != 1 {
				t.Fatalf("plan inputs = %d, want 1", len(plans))
			}
			if strings.Contains(plans[0], "Go modules make builds reproducible. Go modules") {
				t.Error("raw page text reached the plan")
			}
			if c.want != "" && !strings.Contains(plans[0], c.want) {
				t.Errorf("plan input lacks the summary %q", c.want)
			}
			if c.dropped {
				if strings.Contains(plans[0], "Buy followers") {
					t.Error("unsafe summary reached the plan")
				}
				found := false
				for _, d := range res.Audit.Decisions {
					if d.Action == "drop source" {
						found = true
					}
				}
				if !found {
					t.Error("no drop source decision")
				}
			}
		})
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want prometheus.Labels) bool {
	got := make(map[string]string, len(pairs))
	for _, p := range pairs {
		got[p.GetName()] = p.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
