package postgres

import (
	"encoding/json"

	"github.com/jkaninda/xpilot/internal/domain"
)

// --- Agent ---

func toAgentModel(a *domain.Agent) AgentModel {
	toggles, _ := json.Marshal(a.Toggles)
	raw, _ := json.Marshal(a.RawToggles)
	if a.RawToggles == nil {
		raw = []byte("{}")
	}
	topics, _ := json.Marshal(a.Topics)
	if a.Topics == nil {
		topics = []byte("[]")
	}
	handles, _ := json.Marshal(a.TargetHandles)
	if a.TargetHandles == nil {
		handles = []byte("[]")
	}
	return AgentModel{
		ID:             a.ID,
		Handle:         a.Handle,
		Active:         a.Active,
		Status:         string(a.Status),
		BudgetTotal:    a.DailyBudget.Total,
		BudgetX:        a.DailyBudget.X,
		BudgetLLM:      a.DailyBudget.LLM,
		Toggles:        string(toggles),
		RawToggles:     string(raw),
		StopReason:     a.StopReason,
		StopUntil:      a.StopUntil,
		WeeklyFocusKPI: a.WeeklyFocusKPI,
		Topics:         string(topics),
		TargetHandles:  string(handles),
		Schedule:       a.Schedule,
		RetryCount:     a.RetryCount,
		LastRunAt:      a.LastRunAt,
		NextRunAt:      a.NextRunAt,
		LastError:      a.LastError,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func toAgentDomain(m *AgentModel) *domain.Agent {
	a := &domain.Agent{
		ID:     m.ID,
		Handle: m.Handle,
		Active: m.Active,
		Status: domain.Status(m.Status),
		DailyBudget: domain.DailyBudget{
			Total: m.BudgetTotal,
			X:     m.BudgetX,
			LLM:   m.BudgetLLM,
		},
		Toggles:        domain.DefaultToggles(),
		StopReason:     m.StopReason,
		StopUntil:      m.StopUntil,
		WeeklyFocusKPI: m.WeeklyFocusKPI,
		Schedule:       m.Schedule,
		RetryCount:     m.RetryCount,
		LastRunAt:      m.LastRunAt,
		NextRunAt:      m.NextRunAt,
		LastError:      m.LastError,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	_ = json.Unmarshal([]byte(m.Toggles), &a.Toggles)
	if m.RawToggles != "" && m.RawToggles != "{}" {
		_ = json.Unmarshal([]byte(m.RawToggles), &a.RawToggles)
	}
	if m.Topics != "" {
		_ = json.Unmarshal([]byte(m.Topics), &a.Topics)
	}
	if m.TargetHandles != "" && m.TargetHandles != "[]" {
		_ = json.Unmarshal([]byte(m.TargetHandles), &a.TargetHandles)
	}
	return a
}

// --- Audit ---

// auditPayload is the JSON body of an audit row.
type auditPayload struct {
	Steps     []domain.StepSummary  `json:"steps,omitempty"`
	Decisions []domain.Decision     `json:"decisions,omitempty"`
	Actions   []domain.ActionRecord `json:"actions,omitempty"`
	Tokens    int64                 `json:"llm_tokens,omitempty"`
}

func toAuditModel(e *domain.AuditEntry) AuditLogModel {
	payload, _ := json.Marshal(auditPayload{
		Steps:     e.Steps,
		Decisions: e.Decisions,
		Actions:   e.Actions,
		Tokens:    e.Costs.LLMTokens,
	})
	return AuditLogModel{
		ID:            e.ID,
		AccountID:     e.AccountID,
		CorrelationID: e.CorrelationID,
		Day:           domain.Day(e.Date),
		Source:        e.Source,
		EventType:     e.EventType,
		Status:        string(e.ResultState),
		Reason:        e.StopReason,
		Partial:       e.Partial,
		PartialData:   e.PartialData,
		CostX:         e.Costs.X,
		CostLLM:       e.Costs.LLM,
		Payload:       string(payload),
		CreatedAt:     e.CreatedAt,
	}
}

func toAuditDomain(m *AuditLogModel) *domain.AuditEntry {
	var p auditPayload
	_ = json.Unmarshal([]byte(m.Payload), &p)
	return &domain.AuditEntry{
		ID:            m.ID,
		Date:          m.Day,
		AccountID:     m.AccountID,
		CorrelationID: m.CorrelationID,
		Source:        m.Source,
		EventType:     m.EventType,
		Steps:         p.Steps,
		Decisions:     p.Decisions,
		Actions:       p.Actions,
		Costs:         domain.Cost{X: m.CostX, LLM: m.CostLLM, LLMTokens: p.Tokens},
		ResultState:   domain.Status(m.Status),
		StopReason:    m.Reason,
		Partial:       m.Partial,
		PartialData:   m.PartialData,
		CreatedAt:     m.CreatedAt,
	}
}

// --- Knowledge ---

func toKnowledgeModel(k *domain.KnowledgeItem) KnowledgeItemModel {
	return KnowledgeItemModel{
		ID:                k.ID,
		AgentID:           k.AgentID,
		Hypothesis:        k.Hypothesis,
		KPI:               k.KPI,
		Evidence:          string(k.Evidence),
		VerificationCount: k.VerificationCount,
		EffectSize:        k.EffectSize,
		Promoted:          k.Promoted,
		Supersedes:        k.Supersedes,
		Origin:            k.Origin,
		CreatedAt:         k.CreatedAt,
	}
}

func toKnowledgeDomain(m *KnowledgeItemModel) *domain.KnowledgeItem {
	return &domain.KnowledgeItem{
		ID:                m.ID,
		AgentID:           m.AgentID,
		Hypothesis:        m.Hypothesis,
		KPI:               m.KPI,
		Evidence:          domain.Evidence(m.Evidence),
		VerificationCount: m.VerificationCount,
		EffectSize:        m.EffectSize,
		Promoted:          m.Promoted,
		Supersedes:        m.Supersedes,
		Origin:            m.Origin,
		CreatedAt:         m.CreatedAt,
	}
}

// --- Post ---

func toPostModel(p *domain.Post) PostModel {
	parts, _ := json.Marshal(p.Parts)
	if p.Parts == nil {
		parts = []byte("[]")
	}
	return PostModel{
		ID:              p.ID,
		AccountID:       p.AccountID,
		Kind:            string(p.Kind),
		Text:            p.Text,
		Parts:           string(parts),
		ContentHash:     p.ContentHash,
		ScheduledDay:    domain.Day(p.ScheduledAt),
		TargetID:        p.TargetID,
		ExternalID:      p.ExternalID,
		Experiment:      p.Experiment,
		SnapshotFetches: p.SnapshotFetches,
		ScheduledAt:     p.ScheduledAt.UTC(),
		PostedAt:        p.PostedAt,
		LastError:       p.LastError,
		CreatedAt:       p.CreatedAt,
	}
}

func toPostDomain(m *PostModel) *domain.Post {
	p := &domain.Post{
		ID:              m.ID,
		AccountID:       m.AccountID,
		Kind:            domain.PostKind(m.Kind),
		Text:            m.Text,
		ContentHash:     m.ContentHash,
		TargetID:        m.TargetID,
		ExternalID:      m.ExternalID,
		Experiment:      m.Experiment,
		SnapshotFetches: m.SnapshotFetches,
		ScheduledAt:     m.ScheduledAt,
		PostedAt:        m.PostedAt,
		LastError:       m.LastError,
		CreatedAt:       m.CreatedAt,
	}
	if m.Parts != "" && m.Parts != "[]" {
		_ = json.Unmarshal([]byte(m.Parts), &p.Parts)
	}
	return p
}

// --- Metrics ---

func toMetricsDomain(m *PostMetricsModel) domain.PostMetrics {
	return domain.PostMetrics{
		ExternalID:  m.ExternalID,
		Kind:        domain.MetricsKind(m.Kind),
		Impressions: m.Impressions,
		Likes:       m.Likes,
		Replies:     m.Replies,
		Reposts:     m.Reposts,
		Clicks:      m.Clicks,
		Negative:    m.Negative,
		FetchedAt:   m.FetchedAt,
	}
}

// --- Ledger ---

func toEntryDomain(m *LedgerEntryModel) domain.LedgerEntry {
	return domain.LedgerEntry{
		AccountID:   m.AccountID,
		Day:         m.Day.UTC(),
		XUsageUnits: m.XUsageUnits,
		LLMCost:     m.LLMCost,
		LLMTokens:   m.LLMTokens,
		ReplyCount:  m.ReplyCount,
		QuoteCount:  m.QuoteCount,
		PostCount:   m.PostCount,
		TotalCost:   m.TotalCost,
		Overrun:     m.Overrun,
		UpdatedAt:   m.UpdatedAt,
	}
}

func applyEntry(m *LedgerEntryModel, e domain.LedgerEntry) {
	m.XUsageUnits = e.XUsageUnits
	m.LLMCost = e.LLMCost
	m.LLMTokens = e.LLMTokens
	m.ReplyCount = e.ReplyCount
	m.QuoteCount = e.QuoteCount
	m.PostCount = e.PostCount
	m.TotalCost = e.TotalCost
	m.Overrun = e.Overrun
	m.UpdatedAt = e.UpdatedAt
}

// --- Target candidates ---

func toTargetModel(c *domain.TargetCandidate) TargetCandidateModel {
	return TargetCandidateModel{
		ID:        c.ID,
		AccountID: c.AccountID,
		Day:       domain.Day(c.Day),
		PostID:    c.PostID,
		Handle:    c.Handle,
		URL:       c.URL,
		Text:      c.Text,
		PostedAt:  c.PostedAt.UTC(),
		Used:      c.Used,
		CreatedAt: c.CreatedAt,
	}
}

func toTargetDomain(m *TargetCandidateModel) *domain.TargetCandidate {
	return &domain.TargetCandidate{
		ID:        m.ID,
		AccountID: m.AccountID,
		Day:       m.Day.UTC(),
		Handle:    m.Handle,
		PostID:    m.PostID,
		URL:       m.URL,
		Text:      m.Text,
		PostedAt:  m.PostedAt.UTC(),
		Used:      m.Used,
		CreatedAt: m.CreatedAt,
	}
}
