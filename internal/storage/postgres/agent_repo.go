package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/xpilot/internal/domain"
)

// AgentRepository implements storage.AgentStore.
type AgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository creates an AgentRepository.
func NewAgentRepository(db *gorm.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

func (r *AgentRepository) Load(ctx context.Context, id string) (*domain.Agent, error) {
	var m AgentModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("agent %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	return toAgentDomain(&m), nil
}

// Save upserts the agent row.
func (r *AgentRepository) Save(ctx context.Context, a *domain.Agent) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m := toAgentModel(a)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("saving agent: %w", err)
	}
	return nil
}

func (r *AgentRepository) List(ctx context.Context) ([]*domain.Agent, error) {
	var models []AgentModel
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	out := make([]*domain.Agent, len(models))
	for i := range models {
		out[i] = toAgentDomain(&models[i])
	}
	return out, nil
}
