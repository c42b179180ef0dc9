package runner

import (
	"sync"

	"github.com/jkaninda/xpilot/internal/budget"
	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/planner"
)

// RunContext is the transient state of one cycle. It is discarded when the
// cycle ends; only the audit entry built from it survives.
type RunContext struct {
	CorrelationID string
	Agent         *domain.Agent
	Balance       budget.Balance // Snapshot taken at cycle start.
	KPI           string

	mu          sync.Mutex
	steps       []domain.StepSummary
	decisions   []domain.Decision
	actions     []domain.ActionRecord
	cost        domain.Cost
	partialData bool

	// Material passed between steps.
	confirmed []domain.PostMetrics
	snapshots []domain.PostMetrics
	recent    []domain.PostMetrics
	facts     []string
	urls      []string
	targets   []string
	recalled  []domain.KnowledgeItem
	findings  []domain.KnowledgeItem
	engage    []planner.Item // Replies and quotes of the plan, run in the engagement step.

	// candidates maps a target account post ID to its candidate ID. The ID
	// is empty when no TargetStore is configured.
	candidates map[string]string
}

func (rc *RunContext) step(s domain.StepSummary) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.steps = append(rc.steps, s)
}

func (rc *RunContext) decide(step, action, rationale string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.decisions = append(rc.decisions, domain.Decision{Step: step, Action: action, Rationale: rationale})
}

func (rc *RunContext) record(a domain.ActionRecord, charged domain.Cost) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.actions = append(rc.actions, a)
	rc.cost = rc.cost.Add(charged)
}

func (rc *RunContext) markPartialData() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.partialData = true
}

// Cost returns the spend committed so far.
func (rc *RunContext) Cost() domain.Cost {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.cost
}

// PartialData reports whether some metrics could not be fetched.
func (rc *RunContext) PartialData() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.partialData
}

// Steps returns the summaries recorded so far.
func (rc *RunContext) Steps() []domain.StepSummary {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]domain.StepSummary(nil), rc.steps...)
}

// Actions returns the action records so far.
func (rc *RunContext) Actions() []domain.ActionRecord {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]domain.ActionRecord(nil), rc.actions...)
}

// Decisions returns the decisions so far.
func (rc *RunContext) Decisions() []domain.Decision {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]domain.Decision(nil), rc.decisions...)
}

// actionsSince counts records added after index from.
func (rc *RunContext) actionsSince(from int) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.actions) - from
}

func (rc *RunContext) actionCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.actions)
}
