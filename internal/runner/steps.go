package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jkaninda/xpilot/internal/clients"
	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/knowledge"
	"github.com/jkaninda/xpilot/internal/planner"
	"github.com/jkaninda/xpilot/internal/retry"
	"github.com/jkaninda/xpilot/internal/safety"
	"github.com/jkaninda/xpilot/internal/storage"
)

// recentMetrics is how many confirmed observations feed the negative
// reaction check.
const recentMetrics = 20

// --- Step 1: confirmed metrics ---

// stepConfirmedMetrics fetches final metrics for the posts of two UTC days
// ago. Failures degrade the cycle to partial data and never abort it,
// except for a rejected credential or a denial.
func (r *Runner) stepConfirmedMetrics(ctx context.Context, rc *RunContext) error {
	day := domain.Day(r.now()).Add(-48 * time.Hour)
	id := rc.Agent.ID

	stored, err := r.metrics.Recent(ctx, id, domain.MetricsConfirmed, 500)
	if err != nil {
		return fmt.Errorf("loading confirmed metrics: %w", err)
	}
	rc.recent = stored[:min(len(stored), recentMetrics)]
	known := make(map[string]domain.PostMetrics, len(stored))
	for _, m := range stored {
		known[m.ExternalID] = m
	}

	tweets, _, err := retry.Do(ctx, r.cfg.Retry, r.notify(ctx, rc, "list_posts"), func(ctx context.Context) ([]clients.Tweet, error) {
		return r.x.ListPosts(ctx, id, day, day.Add(24*time.Hour))
	})
	if err != nil {
		if ctx.Err() != nil {
			return errStopped
		}
		if errors.Is(err, domain.ErrUnauthorized) {
			return err
		}
		rc.markPartialData()
		rc.step(domain.StepSummary{Step: StepMetrics, Status: "partial", Detail: "listing posts: " + err.Error()})
		return nil
	}

	var pending []string
	for _, t := range tweets {
		if m, ok := known[t.ID]; ok {
			rc.confirmed = append(rc.confirmed, m)
			continue
		}
		pending = append(pending, t.ID)
	}

	var batches []domain.Action
	for i := 0; i < len(pending); i += r.cfg.MetricsBatch {
		batches = append(batches, domain.Action{
			Kind:  domain.ActionMetricsConfirmed,
			Items: min(r.cfg.MetricsBatch, len(pending)-i),
		})
	}

	before := rc.actionCount()
	status := "ok"
	for bi, a := range batches {
		start := bi * r.cfg.MetricsBatch
		ids := pending[start : start+a.Items]
		got, err := execute(ctx, r, rc, guarded[[]domain.PostMetrics]{
			step:   StepMetrics,
			action: a,
			rest:   r.estimates(batches, bi+1),
			call: func(ctx context.Context, _ domain.Action) ([]domain.PostMetrics, error) {
				return r.x.GetPostMetrics(ctx, id, ids, domain.MetricsConfirmed)
			},
		})
		if halts(err) {
			return err
		}
		if err != nil {
			status = "partial"
			rc.markPartialData()
			continue
		}
		if len(got) < len(ids) {
			status = "partial"
			rc.markPartialData()
		}
		for _, m := range got {
			m.Kind = domain.MetricsConfirmed
			if m.FetchedAt.IsZero() {
				m.FetchedAt = r.now()
			}
			if _, err := r.metrics.Save(ctx, id, m); err != nil {
				r.logger.WarnContext(ctx, "failed to save confirmed metrics",
					slog.String("account_id", id),
					slog.String("external_id", m.ExternalID),
					slog.String("error", err.Error()),
				)
			}
			rc.confirmed = append(rc.confirmed, m)
		}
	}

	rc.step(domain.StepSummary{
		Step:    StepMetrics,
		Status:  status,
		Detail:  fmt.Sprintf("%d posts on %s, %d fetched", len(tweets), day.Format(time.DateOnly), len(pending)),
		Actions: rc.actionsSince(before),
	})
	return nil
}

// --- Step 2: snapshot metrics ---

// stepSnapshots fetches interim metrics for recent experiment posts, up to
// SnapshotFetchMax fetches per post.
func (r *Runner) stepSnapshots(ctx context.Context, rc *RunContext) error {
	id := rc.Agent.ID
	limit := rc.Agent.Toggles.SnapshotFetchMax
	if limit <= 0 {
		rc.step(domain.StepSummary{Step: StepSnapshots, Status: "skipped", Detail: "snapshot fetches disabled"})
		return nil
	}

	posts, err := r.posts.List(ctx, storage.PostFilter{
		AccountID:   id,
		Since:       r.now().Add(-r.cfg.ExperimentWindow),
		Posted:      true,
		Experiments: true,
	})
	if err != nil {
		return fmt.Errorf("listing experiment posts: %w", err)
	}

	var due []*domain.Post
	var actions []domain.Action
	for _, p := range posts {
		if p.ExternalID == "" || p.SnapshotFetches >= limit {
			continue
		}
		due = append(due, p)
		actions = append(actions, domain.Action{Kind: domain.ActionMetricsSnapshot, TargetID: p.ExternalID})
	}
	if len(due) == 0 {
		rc.step(domain.StepSummary{Step: StepSnapshots, Status: "skipped", Detail: "no experiment posts due"})
		return nil
	}

	before := rc.actionCount()
	status := "ok"
	for i, p := range due {
		got, err := execute(ctx, r, rc, guarded[[]domain.PostMetrics]{
			step:   StepSnapshots,
			action: actions[i],
			rest:   r.estimates(actions, i+1),
			call: func(ctx context.Context, a domain.Action) ([]domain.PostMetrics, error) {
				return r.x.GetPostMetrics(ctx, id, []string{a.TargetID}, domain.MetricsSnapshot)
			},
		})
		if halts(err) {
			return err
		}
		if err != nil {
			status = "partial"
			continue
		}
		if err := r.posts.IncrementSnapshot(ctx, p.ID); err != nil {
			r.logger.WarnContext(ctx, "failed to count snapshot fetch",
				slog.String("account_id", id),
				slog.String("post_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
		for _, m := range got {
			m.Kind = domain.MetricsSnapshot
			if m.FetchedAt.IsZero() {
				m.FetchedAt = r.now()
			}
			if _, err := r.metrics.Save(ctx, id, m); err != nil {
				r.logger.WarnContext(ctx, "failed to save snapshot metrics",
					slog.String("account_id", id),
					slog.String("external_id", m.ExternalID),
					slog.String("error", err.Error()),
				)
			}
			rc.snapshots = append(rc.snapshots, m)
		}
	}

	rc.step(domain.StepSummary{
		Step:    StepSnapshots,
		Status:  status,
		Detail:  fmt.Sprintf("%d experiment posts", len(due)),
		Actions: rc.actionsSince(before),
	})
	return nil
}

// --- Step 3: research and analysis ---

func (r *Runner) queries(rc *RunContext) []string {
	var out []string
	for _, t := range rc.Agent.Topics {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		out = []string{strings.ReplaceAll(rc.KPI, "_", " ")}
	}
	return out
}

// researchPlan lists the search actions the caps allow, in execution
// order, followed by the analysis call. Summaries of long pages are added
// once the pages are fetched.
func (r *Runner) researchPlan(rc *RunContext, queries []string) []domain.Action {
	t := rc.Agent.Toggles
	var out []domain.Action
	for i := 0; i < min(t.XSearchMax, len(queries)); i++ {
		out = append(out, domain.Action{Kind: domain.ActionSearchX})
	}
	for i := 0; i < min(t.XSearchMax, len(rc.Agent.TargetHandles)); i++ {
		out = append(out, domain.Action{Kind: domain.ActionSearchX})
	}
	for i := 0; i < min(t.WebSearchMax, len(queries)); i++ {
		out = append(out, domain.Action{Kind: domain.ActionSearchWeb})
	}
	for i := 0; i < t.WebFetchMax; i++ {
		out = append(out, domain.Action{Kind: domain.ActionFetch})
	}
	return append(out, domain.Action{Kind: domain.ActionGenerate, MaxTokens: r.cfg.AnalyzeMaxTokens})
}

// stepAnalysis researches the account's topics, recalls shared findings
// and asks the model for hypotheses about the weekly KPI.
func (r *Runner) stepAnalysis(ctx context.Context, rc *RunContext) error {
	before := rc.actionCount()
	agent := rc.Agent
	queries := r.queries(rc)
	plan := r.researchPlan(rc, queries)
	next := 0

	seenTarget := map[string]bool{}
	for i := 0; i < min(agent.Toggles.XSearchMax, len(queries)); i++ {
		q := queries[i]
		tweets, err := execute(ctx, r, rc, guarded[[]clients.Tweet]{
			step:   StepAnalysis,
			action: plan[next],
			rest:   r.estimates(plan, next+1),
			call: func(ctx context.Context, _ domain.Action) ([]clients.Tweet, error) {
				return r.search.SearchX(ctx, q)
			},
		})
		next++
		if halts(err) {
			return err
		}
		for _, t := range tweets {
			if ownPost(agent, t) || seenTarget[t.ID] {
				continue
			}
			seenTarget[t.ID] = true
			rc.targets = append(rc.targets, t.ID)
			rc.facts = append(rc.facts, t.Text)
		}
	}

	var found []*domain.TargetCandidate
	for i := 0; i < min(agent.Toggles.XSearchMax, len(agent.TargetHandles)); i++ {
		handle := agent.TargetHandles[i]
		tweets, err := execute(ctx, r, rc, guarded[[]clients.Tweet]{
			step:   StepAnalysis,
			action: plan[next],
			rest:   r.estimates(plan, next+1),
			call: func(ctx context.Context, _ domain.Action) ([]clients.Tweet, error) {
				return r.search.SearchX(ctx, "from:"+handle)
			},
		})
		next++
		if halts(err) {
			return err
		}
		found = append(found, r.collectCandidates(ctx, rc, handle, tweets)...)
	}
	if len(agent.TargetHandles) > 0 {
		r.useCandidates(ctx, rc, found)
	}

	seenURL := map[string]bool{}
	for i := 0; i < min(agent.Toggles.WebSearchMax, len(queries)); i++ {
		q := queries[i]
		hits, err := execute(ctx, r, rc, guarded[[]clients.SearchResult]{
			step:   StepAnalysis,
			action: plan[next],
			rest:   r.estimates(plan, next+1),
			call: func(ctx context.Context, _ domain.Action) ([]clients.SearchResult, error) {
				return r.search.SearchWeb(ctx, q)
			},
		})
		next++
		if halts(err) {
			return err
		}
		for _, h := range hits {
			if h.Snippet != "" {
				rc.facts = append(rc.facts, h.Snippet)
			}
			if h.URL != "" && !seenURL[h.URL] {
				seenURL[h.URL] = true
				rc.urls = append(rc.urls, h.URL)
			}
		}
	}

	// Fetch slots the search results cannot fill are dropped from the plan.
	fetches := min(agent.Toggles.WebFetchMax, len(rc.urls))
	plan = append(plan[:next+fetches], plan[len(plan)-1])
	for i := 0; i < fetches; i++ {
		u := rc.urls[i]
		doc, err := execute(ctx, r, rc, guarded[*clients.Document]{
			step:   StepAnalysis,
			action: domain.Action{Kind: domain.ActionFetch, TargetID: u},
			rest:   r.estimates(plan, next+1),
			call: func(ctx context.Context, _ domain.Action) (*clients.Document, error) {
				return r.search.FetchReadable(ctx, u)
			},
		})
		next++
		if halts(err) {
			return err
		}
		if err != nil || doc == nil || doc.Text == "" {
			continue
		}
		if len(doc.Text) < r.cfg.SummarizeMinChars {
			rc.facts = append(rc.facts, doc.Text)
			continue
		}
		plan = slices.Insert(plan, next, domain.Action{Kind: domain.ActionGenerate, MaxTokens: r.cfg.SummarizeMaxTokens})
		facts, err := r.summarize(ctx, rc, plan[next], r.estimates(plan, next+1), doc)
		next++
		if halts(err) {
			return err
		}
		rc.facts = append(rc.facts, facts...)
	}

	if r.knowledge != nil {
		recalled, err := r.knowledge.SearchShared(ctx, strings.Join(append([]string{rc.KPI}, queries...), " "), r.cfg.RecallK)
		if err != nil {
			r.logger.WarnContext(ctx, "shared knowledge recall failed",
				slog.String("account_id", agent.ID),
				slog.String("error", err.Error()),
			)
		}
		for _, it := range recalled {
			if it.KPI == rc.KPI {
				rc.recalled = append(rc.recalled, it)
			}
		}
	}

	if len(rc.confirmed) == 0 && len(rc.snapshots) == 0 {
		rc.decide(StepAnalysis, "skip analyze", "no metrics to analyze")
		rc.step(domain.StepSummary{Step: StepAnalysis, Status: "skipped", Detail: "no metrics", Actions: rc.actionsSince(before)})
		return nil
	}

	findings, err := r.analyze(ctx, rc, plan[len(plan)-1])
	if halts(err) {
		return err
	}

	evidence := evidenceOf(len(rc.confirmed), len(rc.snapshots))
	recalled := map[string]bool{}
	for _, it := range rc.recalled {
		recalled[it.ID] = true
	}
	for _, f := range findings {
		item := domain.KnowledgeItem{
			AgentID:           agent.ID,
			Hypothesis:        f.Hypothesis,
			KPI:               rc.KPI,
			Evidence:          evidence,
			VerificationCount: f.VerificationCount,
			EffectSize:        f.EffectSize,
			CreatedAt:         r.now(),
		}
		if recalled[f.Supersedes] {
			item.Supersedes = f.Supersedes
		}
		rc.findings = append(rc.findings, item)
	}

	rc.step(domain.StepSummary{
		Step:    StepAnalysis,
		Status:  "ok",
		Detail:  fmt.Sprintf("%d facts, %d targets, %d recalled, %d findings", len(rc.facts), len(rc.targets), len(rc.recalled), len(rc.findings)),
		Actions: rc.actionsSince(before),
	})
	return nil
}

// analyze runs the analysis model. An abandoned call or an unusable
// response falls back to findings computed from the metrics alone.
func (r *Runner) analyze(ctx context.Context, rc *RunContext, a domain.Action) ([]finding, error) {
	metrics := rc.confirmed
	if len(metrics) == 0 {
		metrics = rc.snapshots
	}

	in := analysisInput{KPI: rc.KPI, Confirmed: rc.confirmed, Snapshots: rc.snapshots}
	for _, f := range rc.facts {
		in.Research = append(in.Research, domain.CleanText(f, 280))
	}
	for _, it := range rc.recalled {
		in.Shared = append(in.Shared, sharedFinding{ID: it.ID, Hypothesis: it.Hypothesis, Evidence: it.Evidence, Confidence: it.Confidence()})
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding analysis input: %w", err)
	}

	out, err := execute(ctx, r, rc, guarded[*clients.Output]{
		step:   StepAnalysis,
		action: a,
		call: func(ctx context.Context, a domain.Action) (*clients.Output, error) {
			return r.llm.Run(ctx, clients.Task{
				Type:        clients.TaskAnalyze,
				Model:       r.cfg.Model,
				Input:       string(payload),
				Constraints: clients.Constraints{MaxTokens: a.MaxTokens, JSON: true},
			})
		},
		actual: r.tokenCost,
	})
	if err != nil {
		if halts(err) {
			return nil, err
		}
		rc.decide(StepAnalysis, "baseline findings", "analysis call abandoned")
		return baselineFindings(metrics, rc.KPI), nil
	}

	findings, perr := parseFindings(out.Text)
	if perr != nil || len(findings) == 0 {
		reason := "analysis returned no findings"
		if perr != nil {
			reason = perr.Error()
		}
		rc.decide(StepAnalysis, "baseline findings", reason)
		return baselineFindings(metrics, rc.KPI), nil
	}
	return findings, nil
}

// tokenCost prices a model call by the tokens it reported.
func (r *Runner) tokenCost(o *clients.Output, est domain.Cost) domain.Cost {
	if o == nil || o.Tokens() == 0 {
		return est
	}
	return domain.Cost{LLM: r.budget.Table().PriceTokens(o.Tokens()), LLMTokens: o.Tokens()}
}

// --- Step 4: knowledge ---

// stepKnowledge records every finding locally and promotes the confident
// ones to the shared pool.
func (r *Runner) stepKnowledge(ctx context.Context, rc *RunContext) error {
	if r.knowledge == nil || len(rc.findings) == 0 {
		rc.step(domain.StepSummary{Step: StepKnowledge, Status: "skipped", Detail: "no findings"})
		return nil
	}

	promoted := 0
	for i, f := range rc.findings {
		if ctx.Err() != nil {
			return errStopped
		}
		item := r.knowledge.RecordLocal(ctx, rc.Agent.ID, f)
		rc.findings[i] = item

		if item.Confidence() <= r.knowledge.Threshold() {
			continue
		}
		var err error
		if item.Supersedes != "" {
			_, err = r.knowledge.Supersede(ctx, item.Supersedes, item)
		} else {
			_, err = r.knowledge.Promote(ctx, item)
		}
		switch {
		case err == nil:
			promoted++
			rc.findings[i].Promoted = true
			rc.decide(StepKnowledge, "promote", fmt.Sprintf("%q confidence %.2f", item.Hypothesis, item.Confidence()))
		case errors.Is(err, knowledge.ErrAlreadyPromoted):
			rc.decide(StepKnowledge, "keep local", "already in the shared pool")
		default:
			rc.decide(StepKnowledge, "keep local", err.Error())
		}
	}

	rc.step(domain.StepSummary{
		Step:   StepKnowledge,
		Status: "ok",
		Detail: fmt.Sprintf("%d recorded, %d promoted", len(rc.findings), promoted),
	})
	return nil
}

// --- Step 5: plan and drafts ---

// planInput is the document sent to the planning model.
type planInput struct {
	KPI         string   `json:"kpi"`
	PostsPerDay int      `json:"posts_per_day"`
	Findings    []string `json:"findings,omitempty"`
	Research    []string `json:"research,omitempty"`
}

// engagementCap is how many replies plus quotes are still allowed today.
func engagementCap(t domain.FeatureToggles, e domain.LedgerEntry) int {
	left := t.ReplyQuoteDailyMax - e.ReplyCount - e.QuoteCount
	split := max(t.ReplyDailyMax-e.ReplyCount, 0) + max(t.QuoteDailyMax-e.QuoteCount, 0)
	return max(min(left, split), 0)
}

// stepPlan asks the model for the day's angles, builds the plan and
// queues the original posts for tomorrow. Replies and quotes are kept for
// the engagement step.
func (r *Runner) stepPlan(ctx context.Context, rc *RunContext) error {
	before := rc.actionCount()
	agent := rc.Agent
	if agent.Toggles.PostsPerDay <= 0 {
		rc.step(domain.StepSummary{Step: StepPlan, Status: "skipped", Detail: "posts_per_day is 0"})
		return nil
	}

	in := planInput{KPI: rc.KPI, PostsPerDay: agent.Toggles.PostsPerDay}
	for _, f := range rc.findings {
		in.Findings = append(in.Findings, f.Hypothesis)
	}
	for _, f := range rc.facts {
		in.Research = append(in.Research, domain.CleanText(f, 280))
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding plan input: %w", err)
	}

	out, err := execute(ctx, r, rc, guarded[*clients.Output]{
		step:   StepPlan,
		action: domain.Action{Kind: domain.ActionPlan, MaxTokens: r.cfg.PlanMaxTokens},
		call: func(ctx context.Context, a domain.Action) (*clients.Output, error) {
			return r.llm.Run(ctx, clients.Task{
				Type:        clients.TaskPlan,
				Model:       r.cfg.Model,
				Input:       string(payload),
				Constraints: clients.Constraints{MaxTokens: a.MaxTokens, JSON: true},
			})
		},
	})
	if halts(err) {
		return err
	}
	if err != nil {
		r.logger.WarnContext(ctx, "plan generation failed, nothing scheduled",
			slog.String("account_id", agent.ID),
			slog.String("correlation_id", rc.CorrelationID),
			slog.String("error", err.Error()),
		)
		rc.decide(StepPlan, "schedule nothing", "plan generation failed")
		rc.step(domain.StepSummary{Step: StepPlan, Status: "failed", Detail: err.Error(), Actions: rc.actionsSince(before)})
		return nil
	}

	facts := append(parseAngles(out.Text), in.Findings...)
	facts = append(facts, rc.facts...)
	plan := planner.Build(r.cfg.Planner, planner.Input{
		AgentID:       agent.ID,
		Day:           domain.Day(r.now()).Add(24 * time.Hour),
		PostsPerDay:   agent.Toggles.PostsPerDay,
		EngagementCap: engagementCap(agent.Toggles, rc.Balance.Entry),
		Facts:         facts,
		Targets:       rc.targets,
	})
	rc.decide(StepPlan, "plan", fmt.Sprintf("%d tweets, %d threads, %d replies, %d quotes, search material %t",
		plan.Tweets, plan.Threads, plan.Replies, plan.Quotes, plan.UsedSearchMaterial))

	var originals []planner.Item
	var pending []domain.Action
	for _, it := range plan.Items {
		if it.Draft.Kind.ActionKind() == domain.ActionPost {
			originals = append(originals, it)
			pending = append(pending, domain.Action{Kind: domain.ActionGenerate, MaxTokens: r.cfg.DraftMaxTokens})
			continue
		}
		rc.engage = append(rc.engage, it)
	}
	for _, it := range rc.engage {
		pending = append(pending, domain.Action{Kind: it.Draft.Kind.ActionKind(), MaxTokens: r.cfg.ReplyMaxTokens})
	}

	scheduled := 0
	for i, it := range originals {
		d := it.Draft
		out, err := execute(ctx, r, rc, guarded[*clients.Output]{
			step:   StepPlan,
			action: pending[i],
			rest:   r.estimates(pending, i+1),
			call: func(ctx context.Context, a domain.Action) (*clients.Output, error) {
				return r.llm.Run(ctx, clients.Task{
					Type:        clients.TaskDraft,
					Model:       r.cfg.Model,
					Input:       d.Text,
					Constraints: clients.Constraints{MaxTokens: a.MaxTokens, MaxChars: planner.MaxChars},
				})
			},
			actual: r.tokenCost,
		})
		if halts(err) {
			return err
		}
		if err == nil {
			if text := domain.CleanText(out.Text, planner.MaxChars); text != "" {
				d.Text = text
			}
		}

		check := domain.Action{Kind: domain.ActionPost, Text: d.Text}
		if err := r.check(ctx, rc, StepPlan, check, r.estimates(pending, i+1), safety.StageAll, it.At, ""); err != nil {
			return err
		}

		p, err := r.x.SchedulePost(ctx, agent.ID, d, it.At)
		switch {
		case errors.Is(err, clients.ErrDuplicatePost):
			rc.record(domain.ActionRecord{Kind: domain.ActionPost, Outcome: domain.OutcomeSkipped, Error: domain.SkipDuplicateContent, At: r.now()}, domain.Cost{})
			rc.decide(StepPlan, "skip "+string(d.Kind), domain.SkipDuplicateContent)
		case err != nil:
			if ctx.Err() != nil {
				return errStopped
			}
			rc.record(domain.ActionRecord{Kind: domain.ActionPost, Outcome: domain.OutcomeFailed, Error: err.Error(), At: r.now()}, domain.Cost{})
			r.logger.WarnContext(ctx, "failed to schedule post",
				slog.String("account_id", agent.ID),
				slog.String("error", err.Error()),
			)
		default:
			scheduled++
			r.gate.Record(agent.ID, p.ID, p.Text, p.ScheduledAt)
			rc.decide(StepPlan, "schedule "+string(d.Kind), fmt.Sprintf("post %s at %s", p.ID, p.ScheduledAt.Format(time.RFC3339)))
		}
	}

	rc.step(domain.StepSummary{
		Step:    StepPlan,
		Status:  "ok",
		Detail:  fmt.Sprintf("%d scheduled, %d engagements planned", scheduled, len(rc.engage)),
		Actions: rc.actionsSince(before),
	})
	return nil
}

// parseAngles reads an optional JSON array of strings from the planning
// model. Anything else yields nothing.
func parseAngles(text string) []string {
	start := strings.IndexByte(text, '[')
	if start < 0 {
		return nil
	}
	end := matchingBracket(text, start)
	if end < 0 {
		return nil
	}
	var angles []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &angles); err != nil {
		return nil
	}
	out := angles[:0]
	for _, a := range angles {
		if a = domain.CleanText(a, planner.MaxChars); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// --- Step 6: engagement ---

// stepEngagement publishes the planned replies and quotes, each drafted
// and charged within its own reservation. The plan is sized to the caps left
// at the start of the cycle; the gate refuses any engagement past them.
func (r *Runner) stepEngagement(ctx context.Context, rc *RunContext) error {
	agent := rc.Agent
	if len(rc.engage) == 0 {
		rc.step(domain.StepSummary{Step: StepEngagement, Status: "skipped", Detail: "no engagement planned"})
		return nil
	}
	if !agent.Toggles.AutoPost {
		rc.decide(StepEngagement, "skip engagement", domain.SkipAutoPostDisabled)
		rc.step(domain.StepSummary{Step: StepEngagement, Status: "skipped", Detail: domain.SkipAutoPostDisabled})
		return nil
	}

	before := rc.actionCount()
	actions := make([]domain.Action, len(rc.engage))
	for i, it := range rc.engage {
		actions[i] = domain.Action{Kind: it.Draft.Kind.ActionKind(), TargetID: it.Draft.TargetID, MaxTokens: r.cfg.ReplyMaxTokens}
	}

	done := 0
	for i, it := range rc.engage {
		a := actions[i]
		template := it.Draft.Text
		tw, err := execute(ctx, r, rc, guarded[*clients.Tweet]{
			step:     StepEngagement,
			action:   a,
			rest:     r.estimates(actions, i+1),
			fallback: template,
			draft: func(ctx context.Context) (string, int64, error) {
				out, err := r.llm.Run(ctx, clients.Task{
					Type:        clients.TaskReply,
					Model:       r.cfg.Model,
					Input:       fmt.Sprintf("%s\ntarget: %s", template, a.TargetID),
					Constraints: clients.Constraints{MaxTokens: a.MaxTokens, MaxChars: planner.MaxChars},
				})
				if err != nil {
					return "", 0, err
				}
				text := domain.CleanText(out.Text, planner.MaxChars)
				if text == "" {
					text = template
				}
				return text, out.Tokens(), nil
			},
			call: func(ctx context.Context, a domain.Action) (*clients.Tweet, error) {
				if a.Kind == domain.ActionQuote {
					return r.x.Quote(ctx, agent.ID, a.TargetID, a.Text)
				}
				return r.x.Reply(ctx, agent.ID, a.TargetID, a.Text)
			},
		})
		if halts(err) {
			return err
		}
		if err != nil {
			continue
		}
		done++
		r.gate.Record(agent.ID, tw.ID, tw.Text, r.now())
		r.markUsed(ctx, rc, a.TargetID)
	}

	rc.step(domain.StepSummary{
		Step:    StepEngagement,
		Status:  "ok",
		Detail:  fmt.Sprintf("%d of %d engagements published", done, len(rc.engage)),
		Actions: rc.actionsSince(before),
	})
	return nil
}
