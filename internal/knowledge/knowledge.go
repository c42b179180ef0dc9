// Package knowledge keeps each agent's private log of findings and the
// shared pool of promoted findings other agents can recall.
//
// The shared pool is append-only. A promoted item is never rewritten; a
// newer item that references it supersedes it, and only the head of each
// chain is returned by SearchShared.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/google/uuid"

	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/storage"
)

var (
	ErrAlreadyPromoted = errors.New("finding already promoted")
	ErrBelowThreshold  = errors.New("confidence below promotion threshold")
	ErrNotPromoted     = errors.New("only promoted findings can be superseded")
)

// DefaultThreshold is the confidence a finding must exceed to be promoted.
const DefaultThreshold = 2.0

// Store records findings in a storage backend. When the backend is nil or
// rejects a write, items are kept in memory so recording never fails.
type Store struct {
	backend   storage.KnowledgeStore
	threshold float64
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	local      map[string][]domain.KnowledgeItem // agent ID -> fallback log
	shared     map[string]domain.KnowledgeItem   // promoted items by ID
	promoted   map[string]string                 // promotion key -> item ID
	superseded map[string]bool
	index      bleve.Index
}

// sharedDoc is the indexed view of a promoted item.
type sharedDoc struct {
	Hypothesis string `json:"hypothesis"`
	KPI        string `json:"kpi"`
}

// New creates a Store. A threshold <= 0 uses DefaultThreshold.
func New(backend storage.KnowledgeStore, threshold float64, logger *slog.Logger) (*Store, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating knowledge index: %w", err)
	}
	return &Store{
		backend:    backend,
		threshold:  threshold,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		local:      make(map[string][]domain.KnowledgeItem),
		shared:     make(map[string]domain.KnowledgeItem),
		promoted:   make(map[string]string),
		superseded: make(map[string]bool),
		index:      index,
	}, nil
}

// Threshold returns the promotion threshold.
func (s *Store) Threshold() float64 { return s.threshold }

// Load rebuilds the shared pool from the backend. Called once at start.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	shared := true
	items, err := s.backend.List(ctx, storage.KnowledgeFilter{Shared: &shared})
	if err != nil {
		return fmt.Errorf("loading shared knowledge: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if err := s.addSharedLocked(*it); err != nil {
			return err
		}
	}
	s.logger.Info("shared knowledge loaded", slog.Int("items", len(items)))
	return nil
}

// RecordLocal appends item to the agent's private log. It always succeeds:
// a failing backend is logged and the item is kept in memory.
func (s *Store) RecordLocal(ctx context.Context, agentID string, item domain.KnowledgeItem) domain.KnowledgeItem {
	item.AgentID = agentID
	item.Promoted = false
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}

	if s.backend != nil {
		stored := item
		err := s.backend.Append(ctx, &stored)
		if err == nil {
			return stored
		}
		s.logger.WarnContext(ctx, "knowledge backend unavailable, keeping finding in memory",
			slog.String("account_id", agentID),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	s.local[agentID] = append(s.local[agentID], item)
	s.mu.Unlock()
	return item
}

// Local returns the agent's private log, oldest first.
func (s *Store) Local(ctx context.Context, agentID string) ([]domain.KnowledgeItem, error) {
	var out []domain.KnowledgeItem
	if s.backend != nil {
		shared := false
		items, err := s.backend.List(ctx, storage.KnowledgeFilter{AgentID: agentID, Shared: &shared})
		if err != nil {
			return nil, fmt.Errorf("listing local knowledge: %w", err)
		}
		for _, it := range items {
			out = append(out, *it)
		}
	}
	s.mu.Lock()
	out = append(out, s.local[agentID]...)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Promote appends a promoted copy of item to the shared pool when its
// confidence exceeds the threshold. The evidence label is kept as is.
func (s *Store) Promote(ctx context.Context, item domain.KnowledgeItem) (domain.KnowledgeItem, error) {
	if c := item.Confidence(); c <= s.threshold {
		return domain.KnowledgeItem{}, fmt.Errorf("%w: %.2f <= %.2f", ErrBelowThreshold, c, s.threshold)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.promoted[promotionKey(item)]; dup {
		return domain.KnowledgeItem{}, ErrAlreadyPromoted
	}
	return s.appendSharedLocked(ctx, item, "")
}

// Supersede appends newItem to the shared pool as the replacement of the
// promoted item oldID. The old item stays in the pool's history.
func (s *Store) Supersede(ctx context.Context, oldID string, newItem domain.KnowledgeItem) (domain.KnowledgeItem, error) {
	if c := newItem.Confidence(); c <= s.threshold {
		return domain.KnowledgeItem{}, fmt.Errorf("%w: %.2f <= %.2f", ErrBelowThreshold, c, s.threshold)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.shared[oldID]
	if !ok {
		if s.backend == nil {
			return domain.KnowledgeItem{}, fmt.Errorf("superseding %s: %w", oldID, domain.ErrNotFound)
		}
		it, err := s.backend.Get(ctx, oldID)
		if err != nil {
			return domain.KnowledgeItem{}, fmt.Errorf("superseding %s: %w", oldID, err)
		}
		old = *it
	}
	if !old.Shared() {
		return domain.KnowledgeItem{}, ErrNotPromoted
	}
	if s.superseded[oldID] {
		return domain.KnowledgeItem{}, fmt.Errorf("superseding %s: already superseded", oldID)
	}
	return s.appendSharedLocked(ctx, newItem, oldID)
}

func (s *Store) appendSharedLocked(ctx context.Context, item domain.KnowledgeItem, supersedes string) (domain.KnowledgeItem, error) {
	shared := item
	shared.ID = uuid.NewString()
	shared.Promoted = true
	shared.Supersedes = supersedes
	shared.Origin = item.ID
	if shared.Origin == "" {
		shared.Origin = shared.ID
	}
	shared.CreatedAt = s.now()

	if s.backend != nil {
		if err := s.backend.Append(ctx, &shared); err != nil {
			return domain.KnowledgeItem{}, fmt.Errorf("appending shared finding: %w", err)
		}
	}
	if err := s.addSharedLocked(shared); err != nil {
		return domain.KnowledgeItem{}, err
	}
	s.logger.InfoContext(ctx, "finding promoted",
		slog.String("account_id", shared.AgentID),
		slog.String("kpi", shared.KPI),
		slog.String("evidence", string(shared.Evidence)),
		slog.Float64("confidence", shared.Confidence()),
		slog.String("supersedes", supersedes),
	)
	if item.ID != "" {
		s.markPromotedLocked(ctx, item.AgentID, item.ID)
	}
	return shared, nil
}

// markPromotedLocked flags the local finding id as promoted. A finding
// that was never recorded is left alone.
func (s *Store) markPromotedLocked(ctx context.Context, agentID, id string) {
	for i := range s.local[agentID] {
		if s.local[agentID][i].ID == id {
			s.local[agentID][i].Promoted = true
			return
		}
	}
	if s.backend == nil {
		return
	}
	if err := s.backend.MarkPromoted(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "failed to flag promoted finding",
			slog.String("account_id", agentID),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) addSharedLocked(it domain.KnowledgeItem) error {
	s.shared[it.ID] = it
	s.promoted[promotionKey(it)] = it.ID
	if it.Supersedes != "" {
		s.superseded[it.Supersedes] = true
		if err := s.index.Delete(it.Supersedes); err != nil {
			return fmt.Errorf("unindexing superseded finding: %w", err)
		}
	}
	if s.superseded[it.ID] {
		return nil
	}
	if err := s.index.Index(it.ID, sharedDoc{Hypothesis: it.Hypothesis, KPI: it.KPI}); err != nil {
		return fmt.Errorf("indexing shared finding: %w", err)
	}
	return nil
}

// SearchShared returns up to k promoted, non-superseded findings matching
// query, best match first.
func (s *Store) SearchShared(ctx context.Context, query string, k int) ([]domain.KnowledgeItem, error) {
	if k <= 0 {
		k = 5
	}
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, k, 0, false)
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("searching shared knowledge: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.KnowledgeItem, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if s.superseded[hit.ID] {
			continue
		}
		if it, ok := s.shared[hit.ID]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// Close releases the search index.
func (s *Store) Close() error {
	return s.index.Close()
}

func promotionKey(it domain.KnowledgeItem) string {
	return it.AgentID + "|" + it.KPI + "|" + domain.NormalizeText(it.Hypothesis)
}
