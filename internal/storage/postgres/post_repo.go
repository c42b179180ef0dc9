package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/storage"
)

// PostRepository implements storage.PostStore.
// ClaimDue uses SELECT ... FOR UPDATE SKIP LOCKED so that several
// dispatchers never publish the same post.
type PostRepository struct {
	db *gorm.DB
}

// NewPostRepository creates a PostRepository.
func NewPostRepository(db *gorm.DB) *PostRepository {
	return &PostRepository{db: db}
}

// Enqueue inserts p, relying on the (account, content hash, day) unique
// index for deduplication.
func (r *PostRepository) Enqueue(ctx context.Context, p *domain.Post) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.ContentHash == "" {
		p.ContentHash = domain.ContentHash(p.Text)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m := toPostModel(p)
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&m)
	if res.Error != nil {
		return false, fmt.Errorf("enqueueing post: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *PostRepository) ClaimDue(ctx context.Context, accountIDs []string, now time.Time, lease time.Duration, limit int) ([]*domain.Post, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	now = now.UTC()
	until := now.Add(lease)

	var models []PostModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("account_id IN ? AND posted_at IS NULL AND scheduled_at <= ?", accountIDs, now).
			Where("(claimed_until IS NULL OR claimed_until < ?)", now).
			Order("scheduled_at ASC").
			Limit(limit).
			Find(&models).Error; err != nil {
			return fmt.Errorf("selecting due posts: %w", err)
		}
		if len(models) == 0 {
			return nil
		}
		ids := make([]string, len(models))
		for i := range models {
			ids[i] = models[i].ID
			models[i].ClaimedUntil = &until
		}
		return tx.Model(&PostModel{}).
			Where("id IN ?", ids).
			Update("claimed_until", until).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claiming due posts: %w", err)
	}

	out := make([]*domain.Post, len(models))
	for i := range models {
		out[i] = toPostDomain(&models[i])
	}
	return out, nil
}

func (r *PostRepository) MarkPosted(ctx context.Context, id, externalID string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&PostModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"external_id":   externalID,
			"posted_at":     at.UTC(),
			"claimed_until": nil,
			"last_error":    "",
		}).Error
	if err != nil {
		return fmt.Errorf("marking post posted: %w", err)
	}
	return nil
}

func (r *PostRepository) Unclaim(ctx context.Context, id, reason string) error {
	err := r.db.WithContext(ctx).
		Model(&PostModel{}).
		Where("id = ? AND posted_at IS NULL", id).
		Updates(map[string]any{
			"claimed_until": nil,
			"last_error":    reason,
		}).Error
	if err != nil {
		return fmt.Errorf("unclaiming post: %w", err)
	}
	return nil
}

func (r *PostRepository) IncrementSnapshot(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Model(&PostModel{}).
		Where("id = ?", id).
		Update("snapshot_fetches", gorm.Expr("snapshot_fetches + 1")).Error
	if err != nil {
		return fmt.Errorf("counting snapshot fetch: %w", err)
	}
	return nil
}

func (r *PostRepository) List(ctx context.Context, f storage.PostFilter) ([]*domain.Post, error) {
	q := r.db.WithContext(ctx).Order("scheduled_at ASC")
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if !f.Since.IsZero() {
		q = q.Where("scheduled_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("scheduled_at < ?", f.Until.UTC())
	}
	if f.Posted {
		q = q.Where("posted_at IS NOT NULL")
	}
	if f.Experiments {
		q = q.Where("experiment = ?", true)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var models []PostModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing posts: %w", err)
	}
	out := make([]*domain.Post, len(models))
	for i := range models {
		out[i] = toPostDomain(&models[i])
	}
	return out, nil
}
