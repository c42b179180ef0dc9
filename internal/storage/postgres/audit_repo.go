package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/xpilot/internal/domain"
)

// AuditRepository implements storage.AuditStore.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit entry. This is the only write method;
// immutability is enforced at the interface level.
func (r *AuditRepository) Append(ctx context.Context, e *domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Date.IsZero() {
		e.Date = domain.Day(e.CreatedAt)
	}
	model := toAuditModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// Query returns audit entries newest first. If accountID is non-empty,
// filters to that account. Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, accountID string, limit int) ([]*domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)

	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}

	var models []AuditLogModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}

	entries := make([]*domain.AuditEntry, len(models))
	for i := range models {
		entries[i] = toAuditDomain(&models[i])
	}
	return entries, nil
}
