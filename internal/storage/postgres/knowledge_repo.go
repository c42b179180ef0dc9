package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/storage"
)

// KnowledgeRepository implements storage.KnowledgeStore. Rows are only
// updated to flag a promoted local finding; superseding appends a new row.
type KnowledgeRepository struct {
	db *gorm.DB
}

// NewKnowledgeRepository creates a KnowledgeRepository.
func NewKnowledgeRepository(db *gorm.DB) *KnowledgeRepository {
	return &KnowledgeRepository{db: db}
}

func (r *KnowledgeRepository) Append(ctx context.Context, item *domain.KnowledgeItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	m := toKnowledgeModel(item)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("appending knowledge item: %w", err)
	}
	return nil
}

func (r *KnowledgeRepository) MarkPromoted(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).
		Model(&KnowledgeItemModel{}).
		Where("id = ? AND origin = ''", id).
		Update("promoted", true)
	if res.Error != nil {
		return fmt.Errorf("marking knowledge item promoted: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("local knowledge item %q: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *KnowledgeRepository) Get(ctx context.Context, id string) (*domain.KnowledgeItem, error) {
	var m KnowledgeItemModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("knowledge item %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading knowledge item: %w", err)
	}
	return toKnowledgeDomain(&m), nil
}

func (r *KnowledgeRepository) List(ctx context.Context, f storage.KnowledgeFilter) ([]*domain.KnowledgeItem, error) {
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if f.KPI != "" {
		q = q.Where("kpi = ?", f.KPI)
	}
	if f.Promoted != nil {
		q = q.Where("promoted = ?", *f.Promoted)
	}
	if f.Shared != nil {
		if *f.Shared {
			q = q.Where("origin <> ''")
		} else {
			q = q.Where("origin = ''")
		}
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var models []KnowledgeItemModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing knowledge items: %w", err)
	}
	out := make([]*domain.KnowledgeItem, len(models))
	for i := range models {
		out[i] = toKnowledgeDomain(&models[i])
	}
	return out, nil
}
