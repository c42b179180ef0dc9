// Package domain defines the entity types shared by the scheduler, runner,
// budget guard, safety gate and knowledge store.
package domain

import (
	"strings"
	"time"
)

// Agent is one autonomous operator bound to a single managed X account.
// Owned by the scheduler: every Status change goes through Transition.
type Agent struct {
	ID             string
	Handle         string // X username, without the leading @.
	Active         bool   // Inactive agents are never ticked.
	Status         Status
	DailyBudget    DailyBudget
	Toggles        FeatureToggles
	RawToggles     map[string]any // Operator-supplied values, before fallback rules.
	StopReason     string
	StopUntil      *time.Time
	WeeklyFocusKPI string
	Topics         []string // Research queries. Empty = the KPI itself.
	TargetHandles  []string // Accounts whose recent posts are engagement candidates.
	Schedule       string   // Optional 5-field cron expression. Empty = poll interval.
	RetryCount     int      // Consecutive ERROR recoveries attempted.
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a deep copy safe to hand to a run goroutine.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.StopUntil != nil {
		t := *a.StopUntil
		c.StopUntil = &t
	}
	if a.LastRunAt != nil {
		t := *a.LastRunAt
		c.LastRunAt = &t
	}
	if a.NextRunAt != nil {
		t := *a.NextRunAt
		c.NextRunAt = &t
	}
	c.Topics = append([]string(nil), a.Topics...)
	c.TargetHandles = append([]string(nil), a.TargetHandles...)
	if a.RawToggles != nil {
		c.RawToggles = make(map[string]any, len(a.RawToggles))
		for k, v := range a.RawToggles {
			c.RawToggles[k] = v
		}
	}
	return &c
}

// DailyBudget is the fixed per-day spend allowance of an account, split
// between X API usage and LLM usage. Exceeding either portion, or the
// total, denies a reservation.
type DailyBudget struct {
	Total float64 `json:"total"`
	X     float64 `json:"x"`
	LLM   float64 `json:"llm"`
}

// Limit returns the effective total, defaulting to X+LLM when unset.
func (b DailyBudget) Limit() float64 {
	if b.Total > 0 {
		return b.Total
	}
	return b.X + b.LLM
}

// Cost is an amount split across the two budget portions.
type Cost struct {
	X         float64 `json:"x"`
	LLM       float64 `json:"llm"`
	LLMTokens int64   `json:"llm_tokens,omitempty"`
}

// Total returns X + LLM.
func (c Cost) Total() float64 { return c.X + c.LLM }

// Add returns the component-wise sum.
func (c Cost) Add(o Cost) Cost {
	return Cost{X: c.X + o.X, LLM: c.LLM + o.LLM, LLMTokens: c.LLMTokens + o.LLMTokens}
}

// IsZero reports whether the cost has no spend in either portion.
func (c Cost) IsZero() bool { return c.X == 0 && c.LLM == 0 }

// Counters are the non-monetary per-day usage counters bumped on commit.
type Counters struct {
	Replies int `json:"replies,omitempty"`
	Quotes  int `json:"quotes,omitempty"`
	Posts   int `json:"posts,omitempty"`
}

// LedgerEntry is the per-account, per-UTC-day spend record.
// Counters only grow within a day and a new entry starts at the day boundary.
type LedgerEntry struct {
	AccountID   string    `json:"account_id"`
	Day         time.Time `json:"day"`
	XUsageUnits float64   `json:"x_usage_units"`
	LLMCost     float64   `json:"llm_cost"`
	LLMTokens   int64     `json:"llm_tokens"`
	ReplyCount  int       `json:"reply_count"`
	QuoteCount  int       `json:"quote_count"`
	PostCount   int       `json:"post_count"`
	TotalCost   float64   `json:"total_cost"`
	Overrun     float64   `json:"overrun,omitempty"` // Actual spend that could not be charged without breaking the limit.
	UpdatedAt   time.Time `json:"updated_at"`
}

// Spent returns the committed spend as a Cost.
func (e LedgerEntry) Spent() Cost {
	return Cost{X: e.XUsageUnits, LLM: e.LLMCost, LLMTokens: e.LLMTokens}
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// ActionKind identifies a costed (or free) operation of the runner.
type ActionKind string

const (
	ActionSearchWeb        ActionKind = "search_web"
	ActionSearchX          ActionKind = "search_x"
	ActionFetch            ActionKind = "fetch"
	ActionPost             ActionKind = "post"
	ActionReply            ActionKind = "reply"
	ActionQuote            ActionKind = "quote"
	ActionLike             ActionKind = "like"
	ActionMetricsConfirmed ActionKind = "metrics_confirmed"
	ActionMetricsSnapshot  ActionKind = "metrics_snapshot"
	ActionGenerate         ActionKind = "generate"
	ActionPlan             ActionKind = "plan"
)

// Counters returns the usage counter deltas an executed action adds.
func (k ActionKind) Counters() Counters {
	switch k {
	case ActionReply:
		return Counters{Replies: 1}
	case ActionQuote:
		return Counters{Quotes: 1}
	case ActionPost:
		return Counters{Posts: 1}
	}
	return Counters{}
}

// IsEngagement reports whether the kind counts toward reply/quote caps.
func (k ActionKind) IsEngagement() bool {
	return k == ActionReply || k == ActionQuote
}

// Action is a proposed action, the input to cost estimation.
type Action struct {
	Kind      ActionKind
	Items     int    // Batch size (e.g. post IDs for a metrics call). 0 = 1.
	MaxTokens int    // LLM output budget for generate/plan. 0 = table default.
	Text      string // Draft text for post/reply/quote, checked by the safety gate.
	TargetID  string // Target post for reply/quote/like.
}

// Outcome is the final state of an ActionRecord.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeDeniedBudget Outcome = "denied_budget"
	OutcomeDeniedSafety Outcome = "denied_safety"
	OutcomeFailed       Outcome = "failed"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeStopped      Outcome = "stopped"
)

// ActionRecord is an executed or rejected action as reported in the audit log.
type ActionRecord struct {
	Kind      ActionKind `json:"kind"`
	TargetID  string     `json:"target_id,omitempty"`
	Estimated Cost       `json:"estimated"`
	Actual    Cost       `json:"actual"`
	Outcome   Outcome    `json:"outcome"`
	Attempts  int        `json:"attempts,omitempty"`
	Error     string     `json:"error,omitempty"`
	At        time.Time  `json:"at"`
}

// Evidence labels the support strength of a knowledge finding.
type Evidence string

const (
	EvidenceSnapshot  Evidence = "snapshot"
	EvidenceConfirmed Evidence = "confirmed"
	EvidenceMixed     Evidence = "mixed"
)

// KnowledgeItem is a hypothesis produced during analysis.
type KnowledgeItem struct {
	ID                string    `json:"id"`
	AgentID           string    `json:"agent_id"`
	Hypothesis        string    `json:"hypothesis"`
	KPI               string    `json:"kpi"`
	Evidence          Evidence  `json:"evidence"`
	VerificationCount int       `json:"verification_count"`
	EffectSize        float64   `json:"effect_size"`
	Promoted          bool      `json:"promoted"`
	Supersedes        string    `json:"supersedes,omitempty"` // ID of the shared item this one replaces.
	Origin            string    `json:"origin,omitempty"`     // On a shared item, the local finding it was promoted from.
	CreatedAt         time.Time `json:"created_at"`
}

// Shared reports whether k belongs to the shared pool rather than an
// agent's local log.
func (k KnowledgeItem) Shared() bool { return k.Origin != "" }

// Confidence is verification_count multiplied by effect_size.
func (k KnowledgeItem) Confidence() float64 {
	return float64(k.VerificationCount) * k.EffectSize
}

// PostKind is the shape of a scheduled post.
type PostKind string

const (
	PostTweet  PostKind = "tweet"
	PostThread PostKind = "thread"
	PostReply  PostKind = "reply"
	PostQuote  PostKind = "quote"
)

// ActionKind maps a post kind to the costed action that publishes it.
func (k PostKind) ActionKind() ActionKind {
	switch k {
	case PostReply:
		return ActionReply
	case PostQuote:
		return ActionQuote
	}
	return ActionPost
}

// Post is a planned, scheduled or published item.
type Post struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"account_id"`
	Kind            PostKind   `json:"kind"`
	Text            string     `json:"text"`
	Parts           []string   `json:"parts,omitempty"` // Thread continuation.
	ContentHash     string     `json:"content_hash"`
	TargetID        string     `json:"target_id,omitempty"`
	ExternalID      string     `json:"external_id,omitempty"`
	Experiment      bool       `json:"experiment,omitempty"`
	SnapshotFetches int        `json:"snapshot_fetches,omitempty"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	PostedAt        *time.Time `json:"posted_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TargetCandidate is a recent post of a configured target account, kept
// per day until a reply or quote uses it.
type TargetCandidate struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Day       time.Time `json:"day"`
	Handle    string    `json:"handle"`
	PostID    string    `json:"post_id"`
	URL       string    `json:"url"`
	Text      string    `json:"text"`
	PostedAt  time.Time `json:"posted_at"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeHandle strips the leading @ and lower-cases an X username.
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

// NormalizeHandles normalizes hs, dropping empty and repeated handles.
func NormalizeHandles(hs []string) []string {
	var out []string
	seen := make(map[string]bool, len(hs))
	for _, h := range hs {
		if h = NormalizeHandle(h); h != "" && !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// MetricsKind distinguishes final from interim metrics.
type MetricsKind string

const (
	MetricsConfirmed MetricsKind = "confirmed"
	MetricsSnapshot  MetricsKind = "snapshot"
)

// PostMetrics is one metrics observation of a published post.
type PostMetrics struct {
	ExternalID  string      `json:"external_id"`
	Kind        MetricsKind `json:"kind"`
	Impressions int         `json:"impressions"`
	Likes       int         `json:"likes"`
	Replies     int         `json:"replies"`
	Reposts     int         `json:"reposts"`
	Clicks      int         `json:"clicks"`
	Negative    int         `json:"negative"` // Hides, mutes, reports and flagged replies.
	FetchedAt   time.Time   `json:"fetched_at"`
}

// Engagements sums the positive interactions.
func (m PostMetrics) Engagements() int {
	return m.Likes + m.Replies + m.Reposts + m.Clicks
}

// Metric returns the named KPI value. Unknown names return 0.
func (m PostMetrics) Metric(kpi string) float64 {
	switch kpi {
	case "impressions":
		return float64(m.Impressions)
	case "likes":
		return float64(m.Likes)
	case "replies":
		return float64(m.Replies)
	case "reposts", "retweets":
		return float64(m.Reposts)
	case "clicks":
		return float64(m.Clicks)
	case "engagement_rate":
		if m.Impressions == 0 {
			return 0
		}
		return float64(m.Engagements()) / float64(m.Impressions)
	}
	return 0
}

// NegativeRate returns negative reactions per impression.
func (m PostMetrics) NegativeRate() float64 {
	if m.Impressions == 0 {
		return 0
	}
	return float64(m.Negative) / float64(m.Impressions)
}

// Decision is one choice the runner made, with its rationale.
type Decision struct {
	Step      string `json:"step"`
	Action    string `json:"action"`
	Rationale string `json:"rationale"`
}

// StepSummary reports what one PDCA step did.
type StepSummary struct {
	Step    string `json:"step"`
	Status  string `json:"status"` // "ok", "partial", "skipped", "aborted", "failed"
	Detail  string `json:"detail,omitempty"`
	Actions int    `json:"actions,omitempty"`
}

// AuditEntry is the persisted record of one full or partial cycle, or of an
// operator command.
type AuditEntry struct {
	ID            string         `json:"id"`
	Date          time.Time      `json:"date"`
	AccountID     string         `json:"account_id"`
	CorrelationID string         `json:"correlation_id"`
	Source        string         `json:"source"`     // "runner", "scheduler", "operator", "dispatcher"
	EventType     string         `json:"event_type"` // "cycle", "stop", "resume", "patch", "transition", "post"
	Steps         []StepSummary  `json:"steps,omitempty"`
	Decisions     []Decision     `json:"decisions,omitempty"`
	Actions       []ActionRecord `json:"actions,omitempty"`
	Costs         Cost           `json:"costs"`
	ResultState   Status         `json:"result_state"`
	StopReason    string         `json:"stop_reason,omitempty"`
	Partial       bool           `json:"partial,omitempty"`
	PartialData   bool           `json:"partial_data,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Stop reasons. Machine-readable, persisted in Agent.StopReason and audit entries.
const (
	StopBudgetExceeded   = "stopped_budget_exceeded"
	StopBudgetProjection = "budget_projection_exceeded"
	StopReplyCap         = "reply_cap_reached"
	StopQuoteCap         = "quote_cap_reached"
	StopPostBurst        = "post_burst_detected"
	StopNearDuplicate    = "near_duplicate_content"
	StopNegativeSpike    = "negative_reaction_spike"
	StopManual           = "manual_stop"
	StopUnrecoverable    = "unrecoverable_fault"
	StopRetriesExhausted = "retries_exhausted"
	StopXAuthFailed      = "x_auth_failed"
	SkipRateLimited      = "rate_limited"
	SkipBudgetExceeded   = "budget_exceeded"
	SkipAgentStopped     = "agent_stopped"
	SkipAutoPostDisabled = "auto_post_disabled"
	SkipDuplicateContent = "duplicate_content"
)
