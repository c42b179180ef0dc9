package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/xpilot/internal/domain"
)

// Memory is an in-process Store. Each account has its own lock; the outer
// mutex only guards the account map.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*book
	now      func() time.Time
}

type book struct {
	mu           sync.Mutex
	days         map[time.Time]*domain.LedgerEntry
	reservations map[string]*Reservation
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*book),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) book(accountID string) *book {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.accounts[accountID]
	if !ok {
		b = &book{
			days:         make(map[time.Time]*domain.LedgerEntry),
			reservations: make(map[string]*Reservation),
		}
		m.accounts[accountID] = b
	}
	return b
}

func (b *book) entry(accountID string, day time.Time) *domain.LedgerEntry {
	e, ok := b.days[day]
	if !ok {
		e = &domain.LedgerEntry{AccountID: accountID, Day: day}
		b.days[day] = e
	}
	return e
}

func (b *book) outstanding(day time.Time, exclude string) domain.Cost {
	var sum domain.Cost
	for id, r := range b.reservations {
		if id != exclude && r.Day.Equal(day) {
			sum = sum.Add(r.Estimate)
		}
	}
	return sum
}

func (m *Memory) Reserve(_ context.Context, accountID string, day time.Time, kind domain.ActionKind, est domain.Cost, limit domain.DailyBudget) (*Reservation, error) {
	day = domain.Day(day)
	b := m.book(accountID)
	b.mu.Lock()
	defer b.mu.Unlock()

	var spent domain.Cost
	if e, ok := b.days[day]; ok {
		spent = e.Spent()
	}
	if err := CheckHeadroom(accountID, spent, b.outstanding(day, ""), est, limit); err != nil {
		return nil, err
	}
	r := &Reservation{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Day:       day,
		Kind:      kind,
		Estimate:  est,
		Limit:     limit,
		CreatedAt: m.now(),
	}
	b.reservations[r.ID] = r
	return r, nil
}

func (m *Memory) Commit(_ context.Context, res *Reservation, actual domain.Cost, counters domain.Counters, limit domain.DailyBudget) (domain.LedgerEntry, error) {
	b := m.book(res.AccountID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.reservations[res.ID]; !ok {
		return domain.LedgerEntry{}, ErrUnknownReservation
	}
	e := b.entry(res.AccountID, res.Day)
	charged, overrun := Charge(e.Spent(), b.outstanding(res.Day, res.ID), actual, limit)
	Apply(e, charged, counters, overrun, m.now())
	delete(b.reservations, res.ID)
	return *e, nil
}

func (m *Memory) Release(_ context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	b := m.book(res.AccountID)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.reservations, res.ID)
	return nil
}

func (m *Memory) Entry(_ context.Context, accountID string, day time.Time) (domain.LedgerEntry, error) {
	day = domain.Day(day)
	b := m.book(accountID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.days[day]; ok {
		return *e, nil
	}
	return domain.LedgerEntry{AccountID: accountID, Day: day}, nil
}

func (m *Memory) Outstanding(_ context.Context, accountID string, day time.Time) (domain.Cost, error) {
	b := m.book(accountID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outstanding(domain.Day(day), ""), nil
}

func (m *Memory) History(_ context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	b := m.book(accountID)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.LedgerEntry, 0, len(b.days))
	for _, e := range b.days {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.After(out[j].Day) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ReconcileXUsage(_ context.Context, accountID string, day time.Time, units float64, limit domain.DailyBudget) (domain.LedgerEntry, error) {
	day = domain.Day(day)
	b := m.book(accountID)
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(accountID, day)
	if charged, overrun := ReconcileDelta(*e, units, limit); !charged.IsZero() || overrun > 0 {
		Apply(e, charged, domain.Counters{}, overrun, m.now())
	}
	return *e, nil
}

var _ Store = (*Memory)(nil)
