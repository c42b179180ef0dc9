// Package sqlite implements the unified Store interface using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Key differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - A single connection serializes writers; row locks are no-ops
//   - JSON columns use TEXT type (SQLite stores JSON as text natively)
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/xpilot/internal/ledger"
	"github.com/jkaninda/xpilot/internal/storage"
	pgstore "github.com/jkaninda/xpilot/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string

	// Sub-store instances (created lazily on first access).
	mu        sync.Mutex
	agents    storage.AgentStore
	ledger    ledger.Store
	audit     storage.AuditStore
	knowledge storage.KnowledgeStore
	posts     storage.PostStore
	metrics   storage.MetricsStore
	targets   storage.TargetStore
}

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	// Build DSN with pragmas.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: slogger,
		path:   cfg.Path,
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate to create/update tables.
// Uses the same models as the PostgreSQL backend.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(pgstore.AllModels()...)
}

// Ping checks the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

// GormDB returns the underlying GORM DB for sub-store construction.
func (s *Store) GormDB() *gorm.DB {
	return s.db
}

// --- Sub-store accessors ---
// All sub-stores reuse the PostgreSQL repository implementations since
// they operate on the same GORM models. GORM's SQLite dialect handles the
// SQL differences transparently.

func (s *Store) Agents() storage.AgentStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents == nil {
		s.agents = pgstore.NewAgentRepository(s.db)
	}
	return s.agents
}

func (s *Store) Ledger() ledger.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger == nil {
		s.ledger = pgstore.NewLedgerRepository(s.db)
	}
	return s.ledger
}

func (s *Store) Audit() storage.AuditStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = pgstore.NewAuditRepository(s.db)
	}
	return s.audit
}

func (s *Store) Knowledge() storage.KnowledgeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.knowledge == nil {
		s.knowledge = pgstore.NewKnowledgeRepository(s.db)
	}
	return s.knowledge
}

func (s *Store) Posts() storage.PostStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.posts == nil {
		s.posts = pgstore.NewPostRepository(s.db)
	}
	return s.posts
}

func (s *Store) Metrics() storage.MetricsStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == nil {
		s.metrics = pgstore.NewMetricsRepository(s.db)
	}
	return s.metrics
}

func (s *Store) Targets() storage.TargetStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.targets == nil {
		s.targets = pgstore.NewTargetRepository(s.db)
	}
	return s.targets
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
