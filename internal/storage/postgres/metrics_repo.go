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

// MetricsRepository implements storage.MetricsStore.
type MetricsRepository struct {
	db *gorm.DB
}

// NewMetricsRepository creates a MetricsRepository.
func NewMetricsRepository(db *gorm.DB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// Save inserts m. Confirmed rows collide on ConfirmedKey, which makes a
// second save of the same post a no-op.
func (r *MetricsRepository) Save(ctx context.Context, accountID string, m domain.PostMetrics) (bool, error) {
	id := uuid.NewString()
	key := id
	if m.Kind == domain.MetricsConfirmed {
		key = "confirmed:" + m.ExternalID
	}
	if m.FetchedAt.IsZero() {
		m.FetchedAt = time.Now().UTC()
	}
	model := PostMetricsModel{
		ID:           id,
		AccountID:    accountID,
		ExternalID:   m.ExternalID,
		Kind:         string(m.Kind),
		ConfirmedKey: key,
		Impressions:  m.Impressions,
		Likes:        m.Likes,
		Replies:      m.Replies,
		Reposts:      m.Reposts,
		Clicks:       m.Clicks,
		Negative:     m.Negative,
		FetchedAt:    m.FetchedAt,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if res.Error != nil {
		return false, fmt.Errorf("saving post metrics: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *MetricsRepository) Recent(ctx context.Context, accountID string, kind domain.MetricsKind, limit int) ([]domain.PostMetrics, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []PostMetricsModel
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND kind = ?", accountID, string(kind)).
		Order("fetched_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("loading recent metrics: %w", err)
	}
	out := make([]domain.PostMetrics, len(models))
	for i := range models {
		out[i] = toMetricsDomain(&models[i])
	}
	return out, nil
}
