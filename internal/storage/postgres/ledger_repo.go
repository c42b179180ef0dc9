package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/xpilot/internal/domain"
	"github.com/jkaninda/xpilot/internal/ledger"
)

// LedgerRepository implements ledger.Store.
// Uses SELECT ... FOR UPDATE on the day row for atomic reservation, plus an
// in-process per-account lock so a single process never races itself on
// drivers without row locks (sqlite).
type LedgerRepository struct {
	db    *gorm.DB
	locks sync.Map // account ID -> *sync.Mutex
}

// NewLedgerRepository creates a LedgerRepository.
func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) lock(accountID string) func() {
	v, _ := r.locks.LoadOrStore(accountID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Reserve atomically checks the remaining balance and creates a reservation.
func (r *LedgerRepository) Reserve(ctx context.Context, accountID string, day time.Time, kind domain.ActionKind, est domain.Cost, limit domain.DailyBudget) (*ledger.Reservation, error) {
	day = domain.Day(day)
	unlock := r.lock(accountID)
	defer unlock()

	var res *ledger.Reservation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. Lock the day row.
		entry, err := lockEntry(tx, accountID, day)
		if err != nil {
			return err
		}

		// 2. Sum outstanding reservations.
		out, err := outstanding(tx, accountID, day, "")
		if err != nil {
			return err
		}

		// 3. Check remaining.
		if err := ledger.CheckHeadroom(accountID, toEntryDomain(entry).Spent(), out, est, limit); err != nil {
			return err
		}

		// 4. Insert reservation.
		now := time.Now().UTC()
		m := LedgerReservationModel{
			ID:             uuid.NewString(),
			AccountID:      accountID,
			Day:            day,
			Kind:           string(kind),
			EstimateX:      est.X,
			EstimateLLM:    est.LLM,
			EstimateTokens: est.LLMTokens,
			LimitTotal:     limit.Total,
			LimitX:         limit.X,
			LimitLLM:       limit.LLM,
			CreatedAt:      now,
		}
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("inserting reservation: %w", err)
		}
		res = &ledger.Reservation{
			ID:        m.ID,
			AccountID: accountID,
			Day:       day,
			Kind:      kind,
			Estimate:  est,
			Limit:     limit,
			CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		var be *domain.BudgetError
		if errors.As(err, &be) {
			return nil, be
		}
		return nil, fmt.Errorf("reserving: %w", err)
	}
	return res, nil
}

// Commit charges actual against the day and settles the reservation.
func (r *LedgerRepository) Commit(ctx context.Context, res *ledger.Reservation, actual domain.Cost, counters domain.Counters, limit domain.DailyBudget) (domain.LedgerEntry, error) {
	unlock := r.lock(res.AccountID)
	defer unlock()

	var out domain.LedgerEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rm LedgerReservationModel
		err := tx.First(&rm, "id = ? AND settled_at IS NULL", res.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ErrUnknownReservation
		}
		if err != nil {
			return fmt.Errorf("finding reservation: %w", err)
		}

		entry, err := lockEntry(tx, res.AccountID, rm.Day)
		if err != nil {
			return err
		}
		other, err := outstanding(tx, res.AccountID, rm.Day, res.ID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		e := toEntryDomain(entry)
		charged, overrun := ledger.Charge(e.Spent(), other, actual, limit)
		ledger.Apply(&e, charged, counters, overrun, now)
		if err := saveEntry(tx, entry, e); err != nil {
			return err
		}
		if err := tx.Model(&LedgerReservationModel{}).
			Where("id = ?", res.ID).
			Update("settled_at", now).Error; err != nil {
			return fmt.Errorf("settling reservation: %w", err)
		}
		out = e
		return nil
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return out, nil
}

// Release marks a reservation settled without recording spend.
func (r *LedgerRepository) Release(ctx context.Context, res *ledger.Reservation) error {
	if res == nil {
		return nil
	}
	err := r.db.WithContext(ctx).
		Model(&LedgerReservationModel{}).
		Where("id = ? AND settled_at IS NULL", res.ID).
		Update("settled_at", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("releasing reservation: %w", err)
	}
	return nil
}

func (r *LedgerRepository) Entry(ctx context.Context, accountID string, day time.Time) (domain.LedgerEntry, error) {
	day = domain.Day(day)
	var m LedgerEntryModel
	err := r.db.WithContext(ctx).First(&m, "account_id = ? AND day = ?", accountID, day).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.LedgerEntry{AccountID: accountID, Day: day}, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("loading ledger entry: %w", err)
	}
	return toEntryDomain(&m), nil
}

func (r *LedgerRepository) Outstanding(ctx context.Context, accountID string, day time.Time) (domain.Cost, error) {
	return outstanding(r.db.WithContext(ctx), accountID, domain.Day(day), "")
}

func (r *LedgerRepository) History(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	q := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("day DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []LedgerEntryModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading ledger history: %w", err)
	}
	out := make([]domain.LedgerEntry, len(models))
	for i := range models {
		out[i] = toEntryDomain(&models[i])
	}
	return out, nil
}

func (r *LedgerRepository) ReconcileXUsage(ctx context.Context, accountID string, day time.Time, units float64, limit domain.DailyBudget) (domain.LedgerEntry, error) {
	day = domain.Day(day)
	unlock := r.lock(accountID)
	defer unlock()

	var out domain.LedgerEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := lockEntry(tx, accountID, day)
		if err != nil {
			return err
		}
		e := toEntryDomain(entry)
		if charged, overrun := ledger.ReconcileDelta(e, units, limit); !charged.IsZero() || overrun > 0 {
			ledger.Apply(&e, charged, domain.Counters{}, overrun, time.Now().UTC())
			if err := saveEntry(tx, entry, e); err != nil {
				return err
			}
		}
		out = e
		return nil
	})
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("reconciling x usage: %w", err)
	}
	return out, nil
}

// lockEntry creates the day row if absent and re-fetches it with FOR UPDATE.
func lockEntry(tx *gorm.DB, accountID string, day time.Time) (*LedgerEntryModel, error) {
	seed := LedgerEntryModel{AccountID: accountID, Day: day, UpdatedAt: time.Now().UTC()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("creating ledger entry: %w", err)
	}
	var m LedgerEntryModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&m, "account_id = ? AND day = ?", accountID, day).Error; err != nil {
		return nil, fmt.Errorf("locking ledger entry: %w", err)
	}
	return &m, nil
}

func saveEntry(tx *gorm.DB, m *LedgerEntryModel, e domain.LedgerEntry) error {
	applyEntry(m, e)
	if err := tx.Model(&LedgerEntryModel{}).
		Where("account_id = ? AND day = ?", m.AccountID, m.Day).
		Updates(map[string]any{
			"x_usage_units": m.XUsageUnits,
			"llm_cost":      m.LLMCost,
			"llm_tokens":    m.LLMTokens,
			"reply_count":   m.ReplyCount,
			"quote_count":   m.QuoteCount,
			"post_count":    m.PostCount,
			"total_cost":    m.TotalCost,
			"overrun":       m.Overrun,
			"updated_at":    m.UpdatedAt,
		}).Error; err != nil {
		return fmt.Errorf("updating ledger entry: %w", err)
	}
	return nil
}

// outstanding sums unsettled reservations of the day, skipping exclude.
func outstanding(db *gorm.DB, accountID string, day time.Time, exclude string) (domain.Cost, error) {
	var sums struct {
		X      float64
		LLM    float64
		Tokens int64
	}
	q := db.Model(&LedgerReservationModel{}).
		Where("account_id = ? AND day = ? AND settled_at IS NULL", accountID, day)
	if exclude != "" {
		q = q.Where("id <> ?", exclude)
	}
	if err := q.Select("COALESCE(SUM(estimate_x), 0) AS x, COALESCE(SUM(estimate_llm), 0) AS llm, COALESCE(SUM(estimate_tokens), 0) AS tokens").
		Scan(&sums).Error; err != nil {
		return domain.Cost{}, fmt.Errorf("summing reservations: %w", err)
	}
	return domain.Cost{X: sums.X, LLM: sums.LLM, LLMTokens: sums.Tokens}, nil
}

var _ ledger.Store = (*LedgerRepository)(nil)
