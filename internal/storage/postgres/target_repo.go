package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/xpilot/internal/domain"
)

// TargetRepository implements storage.TargetStore.
type TargetRepository struct {
	db *gorm.DB
}

// NewTargetRepository creates a TargetRepository.
func NewTargetRepository(db *gorm.DB) *TargetRepository {
	return &TargetRepository{db: db}
}

// Add inserts c, relying on the (account, day, post) unique index so a
// candidate seen again keeps its used flag.
func (r *TargetRepository) Add(ctx context.Context, c *domain.TargetCandidate) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Day = domain.Day(c.Day)
	m := toTargetModel(c)
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&m)
	if res.Error != nil {
		return false, fmt.Errorf("adding target candidate: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *TargetRepository) Unused(ctx context.Context, accountID string, day time.Time, limit int) ([]*domain.TargetCandidate, error) {
	q := r.db.WithContext(ctx).
		Where("account_id = ? AND day = ? AND used = ?", accountID, domain.Day(day), false).
		Order("posted_at ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var models []TargetCandidateModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing target candidates: %w", err)
	}
	out := make([]*domain.TargetCandidate, len(models))
	for i := range models {
		out[i] = toTargetDomain(&models[i])
	}
	return out, nil
}

func (r *TargetRepository) MarkUsed(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).
		Model(&TargetCandidateModel{}).
		Where("id = ?", id).
		Update("used", true)
	if res.Error != nil {
		return fmt.Errorf("marking target candidate used: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("target candidate %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
