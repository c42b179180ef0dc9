package knowledge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/storage"
	"github.com/jkaninda/xpilot/internal/storage/sqlite"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(nil, 2.0, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func finding(hypothesis string, count int, effect float64) domain.KnowledgeItem {
	return domain.KnowledgeItem{
		Hypothesis:        hypothesis,
		KPI:               "replies",
		Evidence:          domain.EvidenceConfirmed,
		VerificationCount: count,
		EffectSize:        effect,
	}
}

// failingBackend rejects every write.
type failingBackend struct{}

func (failingBackend) Append(context.Context, *domain.KnowledgeItem) error {
	return errors.New("database is locked")
}
func (failingBackend) MarkPromoted(context.Context, string) error {
	return errors.New("database is locked")
}
func (failingBackend) Get(context.Context, string) (*domain.KnowledgeItem, error) {
	return nil, domain.ErrNotFound
}
func (failingBackend) List(context.Context, storage.KnowledgeFilter) ([]*domain.KnowledgeItem, error) {
	return nil, nil
}

// --- RecordLocal ---

func TestRecordLocal_AlwaysSucceeds(t *testing.T) {
	s, err := New(failingBackend{}, 0, discard())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got := s.RecordLocal(context.Background(), "acct-1", finding("questions earn replies", 1, 0.2))
	if got.ID == "" || got.AgentID != "acct-1" || got.Promoted {
		t.Errorf("recorded = %+v", got)
	}
	local, err := s.Local(context.Background(), "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(local) != 1 || local[0].ID != got.ID {
		t.Errorf("local = %+v, want the fallback item", local)
	}
	if s.Threshold() != DefaultThreshold {
		t.Errorf("Threshold = %v, want %v", s.Threshold(), DefaultThreshold)
	}
}

// --- Promote ---

func TestPromote_AboveThresholdKeepsEvidence(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	item := finding("threads outperform single posts", 3, 0.8)
	item.AgentID = "acct-1"
	item.Evidence = domain.EvidenceMixed
	shared, err := s.Promote(ctx, item)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if !shared.Promoted || shared.Evidence != domain.EvidenceMixed {
		t.Errorf("shared = %+v", shared)
	}

	if _, err := s.Promote(ctx, item); !errors.Is(err, ErrAlreadyPromoted) {
		t.Errorf("repeat Promote error = %v, want ErrAlreadyPromoted", err)
	}
}

func TestPromote_AtThresholdRejected(t *testing.T) {
	s := newMemStore(t)
	if _, err := s.Promote(context.Background(), finding("morning posts", 4, 0.5)); !errors.Is(err, ErrBelowThreshold) {
		t.Errorf("error = %v, want ErrBelowThreshold", err)
	}
}

func TestPromote_FlagsLocalFinding(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	local := s.RecordLocal(ctx, "acct-1", finding("threads outperform single posts", 3, 0.8))
	shared, err := s.Promote(ctx, local)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if shared.Origin != local.ID || shared.ID == local.ID {
		t.Errorf("shared = %+v, want a copy originating from %s", shared, local.ID)
	}

	items, err := s.Local(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || !items[0].Promoted {
		t.Errorf("local = %+v, want the finding flagged promoted", items)
	}
}

// --- Supersede & SearchShared ---

func TestSupersede_HidesOldFromSearch(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	old, err := s.Promote(ctx, finding("questions in the first line earn replies", 3, 0.8))
	if err != nil {
		t.Fatal(err)
	}
	hits, err := s.SearchShared(ctx, "questions replies", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != old.ID {
		t.Fatalf("hits = %+v", hits)
	}

	newer, err := s.Supersede(ctx, old.ID, finding("short questions in the first line earn replies", 5, 0.9))
	if err != nil {
		t.Fatalf("Supersede: %v", err)
	}
	if newer.Supersedes != old.ID {
		t.Errorf("Supersedes = %q, want %q", newer.Supersedes, old.ID)
	}

	hits, _ = s.SearchShared(ctx, "questions replies", 5)
	if len(hits) != 1 || hits[0].ID != newer.ID {
		t.Errorf("hits after supersede = %+v, want only the newer item", hits)
	}

	if _, err := s.Supersede(ctx, old.ID, finding("another take", 5, 0.9)); err == nil {
		t.Error("superseding twice should fail")
	}
	if _, err := s.Supersede(ctx, "missing", finding("x", 5, 0.9)); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Supersede(missing) = %v, want ErrNotFound", err)
	}
}

func TestSearchShared_NoMatch(t *testing.T) {
	s := newMemStore(t)
	hits, err := s.SearchShared(context.Background(), "anything", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("hits = %d, want 0", len(hits))
	}
}

// --- Backend ---

func TestLoad_RebuildsSharedPool(t *testing.T) {
	db, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "k.db")}, discard())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	first, _ := New(db.Knowledge(), 2.0, discard())
	first.RecordLocal(ctx, "acct-1", finding("local only", 1, 0.1))
	promoted, err := first.Promote(ctx, finding("lists of three get reposts", 3, 0.9))
	if err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, _ := New(db.Knowledge(), 2.0, discard())
	defer second.Close()
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	hits, _ := second.SearchShared(ctx, "reposts", 5)
	if len(hits) != 1 || hits[0].ID != promoted.ID {
		t.Errorf("hits = %+v", hits)
	}
	local, _ := second.Local(ctx, "acct-1")
	if len(local) != 1 {
		t.Errorf("local = %d, want 1", len(local))
	}
}

func TestPromote_FlagsStoredFinding(t *testing.T) {
	db, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "k.db")}, discard())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	s, _ := New(db.Knowledge(), 2.0, discard())
	defer s.Close()

	local := s.RecordLocal(ctx, "acct-1", finding("lists of three get reposts", 3, 0.9))
	if _, err := s.Promote(ctx, local); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	items, err := s.Local(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != local.ID || !items[0].Promoted {
		t.Errorf("local = %+v, want the stored finding flagged promoted", items)
	}
	hits, _ := s.SearchShared(ctx, "reposts", 5)
	if len(hits) != 1 || hits[0].Origin != local.ID {
		t.Errorf("hits = %+v", hits)
	}
}
