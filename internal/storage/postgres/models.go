package postgres

import (
	"time"
)

// AgentModel maps to the "agents" table.
type AgentModel struct {
	ID             string     `gorm:"primaryKey"`
	Handle         string     `gorm:"not null;default:''"`
	Active         bool       `gorm:"not null;default:true"`
	Status         string     `gorm:"not null;default:'IDLE';index"`
	BudgetTotal    float64    `gorm:"type:numeric(14,6);not null;default:0"`
	BudgetX        float64    `gorm:"type:numeric(14,6);not null;default:0"`
	BudgetLLM      float64    `gorm:"type:numeric(14,6);not null;default:0"`
	Toggles        string     `gorm:"type:text;not null;default:'{}'"`
	RawToggles     string     `gorm:"type:text;not null;default:'{}'"`
	StopReason     string     `gorm:"not null;default:''"`
	StopUntil      *time.Time `gorm:"index"`
	WeeklyFocusKPI string     `gorm:"not null;default:''"`
	Topics         string     `gorm:"type:text;not null;default:'[]'"`
	TargetHandles  string     `gorm:"type:text;not null;default:'[]'"`
	Schedule       string     `gorm:"not null;default:''"`
	RetryCount     int        `gorm:"not null;default:0"`
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	LastError      string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (AgentModel) TableName() string { return "agents" }

// LedgerEntryModel maps to the "cost_ledger" table, one row per account
// per UTC day.
type LedgerEntryModel struct {
	AccountID   string    `gorm:"primaryKey"`
	Day         time.Time `gorm:"primaryKey"`
	XUsageUnits float64   `gorm:"type:numeric(14,6);not null;default:0"`
	LLMCost     float64   `gorm:"type:numeric(14,6);not null;default:0"`
	LLMTokens   int64     `gorm:"not null;default:0"`
	ReplyCount  int       `gorm:"not null;default:0"`
	QuoteCount  int       `gorm:"not null;default:0"`
	PostCount   int       `gorm:"not null;default:0"`
	TotalCost   float64   `gorm:"type:numeric(14,6);not null;default:0"`
	Overrun     float64   `gorm:"type:numeric(14,6);not null;default:0"`
	UpdatedAt   time.Time
}

func (LedgerEntryModel) TableName() string { return "cost_ledger" }

// LedgerReservationModel maps to the "ledger_reservations" table.
type LedgerReservationModel struct {
	ID             string    `gorm:"primaryKey"`
	AccountID      string    `gorm:"not null;index:idx_ledger_res_account_day"`
	Day            time.Time `gorm:"not null;index:idx_ledger_res_account_day"`
	Kind           string    `gorm:"not null"`
	EstimateX      float64   `gorm:"type:numeric(14,6);not null;default:0"`
	EstimateLLM    float64   `gorm:"type:numeric(14,6);not null;default:0"`
	EstimateTokens int64     `gorm:"not null;default:0"`
	LimitTotal     float64   `gorm:"type:numeric(14,6);not null;default:0"`
	LimitX         float64   `gorm:"type:numeric(14,6);not null;default:0"`
	LimitLLM       float64   `gorm:"type:numeric(14,6);not null;default:0"`
	CreatedAt      time.Time
	SettledAt      *time.Time // NULL = outstanding
}

func (LedgerReservationModel) TableName() string { return "ledger_reservations" }

// AuditLogModel maps to the "audit_logs" table.
// No UpdatedAt or DeletedAt: the audit log is append-only and immutable.
type AuditLogModel struct {
	ID            string    `gorm:"primaryKey"`
	AccountID     string    `gorm:"not null;index:idx_audit_account_created"`
	CorrelationID string    `gorm:"index"`
	Day           time.Time `gorm:"not null"`
	Source        string    `gorm:"not null"`
	EventType     string    `gorm:"not null"`
	Status        string    `gorm:"not null"` // Resulting agent state.
	Reason        string    `gorm:"not null;default:''"`
	Partial       bool      `gorm:"not null;default:false"`
	PartialData   bool      `gorm:"not null;default:false"`
	CostX         float64   `gorm:"type:numeric(14,6);not null;default:0"`
	CostLLM       float64   `gorm:"type:numeric(14,6);not null;default:0"`
	Payload       string    `gorm:"type:text;not null;default:'{}'"` // Steps, decisions and actions as JSON.
	CreatedAt     time.Time `gorm:"index:idx_audit_account_created"`
}

func (AuditLogModel) TableName() string { return "audit_logs" }

// KnowledgeItemModel maps to the "knowledge_items" table. Append-only.
type KnowledgeItemModel struct {
	ID                string  `gorm:"primaryKey"`
	AgentID           string  `gorm:"not null;index"`
	Hypothesis        string  `gorm:"type:text;not null"`
	KPI               string  `gorm:"not null;index"`
	Evidence          string  `gorm:"not null"`
	VerificationCount int     `gorm:"not null;default:0"`
	EffectSize        float64 `gorm:"not null;default:0"`
	Promoted          bool    `gorm:"not null;default:false;index"`
	Supersedes        string  `gorm:"not null;default:''"`
	Origin            string  `gorm:"not null;default:'';index"`
	CreatedAt         time.Time
}

func (KnowledgeItemModel) TableName() string { return "knowledge_items" }

// PostModel maps to the "posts" table. Content hashes are unique per
// account and day.
type PostModel struct {
	ID              string    `gorm:"primaryKey"`
	AccountID       string    `gorm:"not null;uniqueIndex:idx_posts_dedupe;index:idx_posts_due"`
	Kind            string    `gorm:"not null"`
	Text            string    `gorm:"type:text;not null"`
	Parts           string    `gorm:"type:text;not null;default:'[]'"`
	ContentHash     string    `gorm:"not null;uniqueIndex:idx_posts_dedupe"`
	ScheduledDay    time.Time `gorm:"not null;uniqueIndex:idx_posts_dedupe"`
	TargetID        string    `gorm:"not null;default:''"`
	ExternalID      string    `gorm:"not null;default:'';index"`
	Experiment      bool      `gorm:"not null;default:false"`
	SnapshotFetches int       `gorm:"not null;default:0"`
	ScheduledAt     time.Time `gorm:"not null;index:idx_posts_due"`
	PostedAt        *time.Time
	ClaimedUntil    *time.Time
	LastError       string `gorm:"type:text"`
	CreatedAt       time.Time
}

func (PostModel) TableName() string { return "posts" }

// PostMetricsModel maps to the "post_metrics" table. Confirmed rows carry
// ConfirmedKey = external id so a second insert is rejected; snapshot rows
// carry their own id.
type PostMetricsModel struct {
	ID           string    `gorm:"primaryKey"`
	AccountID    string    `gorm:"not null;index:idx_metrics_account_kind"`
	ExternalID   string    `gorm:"not null;index"`
	Kind         string    `gorm:"not null;index:idx_metrics_account_kind"`
	ConfirmedKey string    `gorm:"not null;uniqueIndex"`
	Impressions  int       `gorm:"not null;default:0"`
	Likes        int       `gorm:"not null;default:0"`
	Replies      int       `gorm:"not null;default:0"`
	Reposts      int       `gorm:"not null;default:0"`
	Clicks       int       `gorm:"not null;default:0"`
	Negative     int       `gorm:"not null;default:0"`
	FetchedAt    time.Time `gorm:"index"`
}

func (PostMetricsModel) TableName() string { return "post_metrics" }

// TargetCandidateModel maps to the "target_candidates" table. A post is
// kept once per account and day.
type TargetCandidateModel struct {
	ID        string    `gorm:"primaryKey"`
	AccountID string    `gorm:"not null;uniqueIndex:idx_targets_dedupe;index:idx_targets_unused"`
	Day       time.Time `gorm:"not null;uniqueIndex:idx_targets_dedupe;index:idx_targets_unused"`
	PostID    string    `gorm:"not null;uniqueIndex:idx_targets_dedupe"`
	Handle    string    `gorm:"not null"`
	URL       string    `gorm:"not null;default:''"`
	Text      string    `gorm:"type:text;not null;default:''"`
	PostedAt  time.Time `gorm:"not null"`
	Used      bool      `gorm:"not null;default:false;index:idx_targets_unused"`
	CreatedAt time.Time
}

func (TargetCandidateModel) TableName() string { return "target_candidates" }

// AllModels lists every table in migration order. The sqlite backend
// migrates the same models.
func AllModels() []any {
	return []any{
		&AgentModel{},
		&LedgerEntryModel{},
		&LedgerReservationModel{},
		&AuditLogModel{},
		&KnowledgeItemModel{},
		&PostModel{},
		&PostMetricsModel{},
		&TargetCandidateModel{},
	}
}
