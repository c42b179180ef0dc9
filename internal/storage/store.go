// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (production).
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/ledger"
)

// Store is the unified persistence interface for xpilot.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Sub-store accessors. The returned stores share one connection pool.
	Agents() AgentStore
	Ledger() ledger.Store
	Audit() AuditStore
	Knowledge() KnowledgeStore
	Posts() PostStore
	Metrics() MetricsStore
	Targets() TargetStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// AgentStore persists agents. Load returns domain.ErrNotFound for an
// unknown id.
type AgentStore interface {
	Load(ctx context.Context, id string) (*domain.Agent, error)
	Save(ctx context.Context, a *domain.Agent) error
	List(ctx context.Context) ([]*domain.Agent, error)
}

// AuditStore is append-only: no Update or Delete methods exist.
type AuditStore interface {
	Append(ctx context.Context, e *domain.AuditEntry) error
	// Query returns entries newest first. An empty accountID matches all.
	Query(ctx context.Context, accountID string, limit int) ([]*domain.AuditEntry, error)
}

// KnowledgeFilter narrows a knowledge listing. Zero fields match all.
type KnowledgeFilter struct {
	AgentID  string
	KPI      string
	Promoted *bool
	Shared   *bool // true = the shared pool, false = local findings.
	Limit    int
}

// KnowledgeStore is the append-only log of local and shared findings.
type KnowledgeStore interface {
	Append(ctx context.Context, item *domain.KnowledgeItem) error
	// MarkPromoted flags a local finding once its shared copy exists. It is
	// the only change made to a stored item.
	MarkPromoted(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.KnowledgeItem, error)
	// List returns matching items, oldest first.
	List(ctx context.Context, f KnowledgeFilter) ([]*domain.KnowledgeItem, error)
}

// PostFilter narrows a post listing. Zero fields match all.
type PostFilter struct {
	AccountID   string
	Since       time.Time // On scheduled_at.
	Until       time.Time
	Posted      bool // Only published posts.
	Experiments bool // Only experiment posts.
	Limit       int
}

// PostStore holds the posting queue and the published history.
type PostStore interface {
	// Enqueue stores p unless a post with the same content hash is already
	// scheduled for the account on the same UTC day; it then returns false.
	Enqueue(ctx context.Context, p *domain.Post) (bool, error)
	// ClaimDue leases up to limit unposted posts of the given accounts with
	// scheduled_at <= now. A claimed post is invisible to other claimers
	// until lease elapses or the claim is settled.
	ClaimDue(ctx context.Context, accountIDs []string, now time.Time, lease time.Duration, limit int) ([]*domain.Post, error)
	MarkPosted(ctx context.Context, id, externalID string, at time.Time) error
	// Unclaim returns a claimed post to the queue, recording reason.
	Unclaim(ctx context.Context, id, reason string) error
	IncrementSnapshot(ctx context.Context, id string) error
	// List returns matching posts ordered by scheduled_at.
	List(ctx context.Context, f PostFilter) ([]*domain.Post, error)
}

// MetricsStore holds metrics observations.
type MetricsStore interface {
	// Save stores m. Confirmed metrics are kept once per external id: a
	// repeat returns false and changes nothing.
	Save(ctx context.Context, accountID string, m domain.PostMetrics) (bool, error)
	// Recent returns up to limit observations of kind, newest first.
	Recent(ctx context.Context, accountID string, kind domain.MetricsKind, limit int) ([]domain.PostMetrics, error)
}

// TargetStore holds the daily engagement candidates found on target
// accounts.
type TargetStore interface {
	// Add stores c unless the account already has the post for that day; it
	// then returns false and leaves the stored candidate, and its used flag,
	// unchanged.
	Add(ctx context.Context, c *domain.TargetCandidate) (bool, error)
	// Unused returns the day's candidates that no reply or quote has used,
	// ordered by posted_at then id.
	Unused(ctx context.Context, accountID string, day time.Time, limit int) ([]*domain.TargetCandidate, error)
	MarkUsed(ctx context.Context, id string) error
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
