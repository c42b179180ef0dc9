package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/xpilot/internal/ledger"
	"github.com/jkaninda/xpilot/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu        sync.Mutex
	agents    storage.AgentStore
	ledger    ledger.Store
	audit     storage.AuditStore
	knowledge storage.KnowledgeStore
	posts     storage.PostStore
	metrics   storage.MetricsStore
	targets   storage.TargetStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// --- Sub-store accessors ---

func (s *Store) Agents() storage.AgentStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents == nil {
		s.agents = NewAgentRepository(s.pgDB.GormDB())
	}
	return s.agents
}

func (s *Store) Ledger() ledger.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger == nil {
		s.ledger = NewLedgerRepository(s.pgDB.GormDB())
	}
	return s.ledger
}

func (s *Store) Audit() storage.AuditStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.pgDB.GormDB())
	}
	return s.audit
}

func (s *Store) Knowledge() storage.KnowledgeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.knowledge == nil {
		s.knowledge = NewKnowledgeRepository(s.pgDB.GormDB())
	}
	return s.knowledge
}

func (s *Store) Posts() storage.PostStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.posts == nil {
		s.posts = NewPostRepository(s.pgDB.GormDB())
	}
	return s.posts
}

func (s *Store) Metrics() storage.MetricsStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == nil {
		s.metrics = NewMetricsRepository(s.pgDB.GormDB())
	}
	return s.metrics
}

func (s *Store) Targets() storage.TargetStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.targets == nil {
		s.targets = NewTargetRepository(s.pgDB.GormDB())
	}
	return s.targets
}

var _ storage.Store = (*Store)(nil)
