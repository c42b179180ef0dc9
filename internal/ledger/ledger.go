// Package ledger implements the CostLedger: durable per-account, per-day
// spend and usage counters with a reservation protocol.
//
// Every Reserve is a compare-and-commit against the day's remaining balance
// (limit minus committed spend minus outstanding reservations), executed
// under a per-account lock. Accounts never contend with each other.
package ledger

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jkaninda/xpilot/internal/domain"
)

// ErrUnknownReservation is returned when committing a reservation that was
// already settled or never existed.
var ErrUnknownReservation = errors.New("unknown or settled reservation")

// Reservation is a provisional hold against an account's daily budget.
type Reservation struct {
	ID        string
	AccountID string
	Day       time.Time
	Kind      domain.ActionKind
	Estimate  domain.Cost
	Limit     domain.DailyBudget // Budget in force when the hold was taken.
	CreatedAt time.Time
}

// Store is the persistence boundary for ledger entries and reservations.
// Implementations must make Reserve atomic per account.
type Store interface {
	// Reserve holds est against the account's day if it fits within limit.
	// Returns a *domain.BudgetError when any portion would be exceeded.
	Reserve(ctx context.Context, accountID string, day time.Time, kind domain.ActionKind, est domain.Cost, limit domain.DailyBudget) (*Reservation, error)

	// Commit converts the hold into a durable ledger increment of actual,
	// bounded by the limit (see Charge). Returns the updated entry.
	Commit(ctx context.Context, res *Reservation, actual domain.Cost, counters domain.Counters, limit domain.DailyBudget) (domain.LedgerEntry, error)

	// Release discards the hold. Idempotent; never touches the entry.
	Release(ctx context.Context, res *Reservation) error

	// Entry returns the day's entry, or a zero entry if none exists yet.
	Entry(ctx context.Context, accountID string, day time.Time) (domain.LedgerEntry, error)

	// Outstanding sums the unsettled reservations of the day.
	Outstanding(ctx context.Context, accountID string, day time.Time) (domain.Cost, error)

	// History returns up to limit entries, newest day first.
	History(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error)

	// ReconcileXUsage raises the day's X usage to the provider-reported units.
	// It never lowers a counter; units beyond the limit land in Overrun.
	ReconcileXUsage(ctx context.Context, accountID string, day time.Time, units float64, limit domain.DailyBudget) (domain.LedgerEntry, error)
}

// CheckHeadroom reports whether est fits on top of spent and outstanding.
// The X portion, the LLM portion and the total are checked in that order.
func CheckHeadroom(accountID string, spent, outstanding, est domain.Cost, limit domain.DailyBudget) error {
	if remaining := limit.X - spent.X - outstanding.X; est.X > remaining+epsilon {
		return &domain.BudgetError{AccountID: accountID, Bucket: "x", Estimate: est.X, Remaining: math.Max(remaining, 0)}
	}
	if remaining := limit.LLM - spent.LLM - outstanding.LLM; est.LLM > remaining+epsilon {
		return &domain.BudgetError{AccountID: accountID, Bucket: "llm", Estimate: est.LLM, Remaining: math.Max(remaining, 0)}
	}
	if remaining := limit.Limit() - spent.Total() - outstanding.Total(); est.Total() > remaining+epsilon {
		return &domain.BudgetError{AccountID: accountID, Bucket: "total", Estimate: est.Total(), Remaining: math.Max(remaining, 0)}
	}
	return nil
}

// epsilon absorbs float rounding on sums of decimal unit prices.
const epsilon = 1e-9

// Charge computes how much of actual may be committed given the day's spent
// amount and the other outstanding reservations. The charged amount never
// pushes a portion or the total past its limit; the remainder is returned as
// overrun so it can be surfaced instead of silently breaking the invariant.
func Charge(spent, otherOutstanding, actual domain.Cost, limit domain.DailyBudget) (charged domain.Cost, overrun float64) {
	charged.LLMTokens = actual.LLMTokens
	charged.X = clamp(actual.X, limit.X-spent.X-otherOutstanding.X)
	charged.LLM = clamp(actual.LLM, limit.LLM-spent.LLM-otherOutstanding.LLM)

	totalHead := limit.Limit() - spent.Total() - otherOutstanding.Total()
	if excess := charged.Total() - totalHead; excess > epsilon {
		cut := math.Min(excess, charged.LLM)
		charged.LLM -= cut
		excess -= cut
		if excess > 0 {
			charged.X = math.Max(charged.X-excess, 0)
		}
	}
	overrun = actual.Total() - charged.Total()
	if overrun < epsilon {
		overrun = 0
	}
	return charged, overrun
}

func clamp(v, headroom float64) float64 {
	if headroom < 0 {
		headroom = 0
	}
	return math.Min(v, headroom)
}

// ReconcileDelta splits the X usage the provider reports beyond what the
// entry already holds into a chargeable part and an overrun.
func ReconcileDelta(e domain.LedgerEntry, units float64, limit domain.DailyBudget) (charged domain.Cost, overrun float64) {
	delta := units - e.XUsageUnits - e.Overrun
	if delta <= epsilon {
		return domain.Cost{}, 0
	}
	return Charge(e.Spent(), domain.Cost{}, domain.Cost{X: delta}, limit)
}

// Apply adds a charge and counter deltas to an entry.
func Apply(e *domain.LedgerEntry, charged domain.Cost, counters domain.Counters, overrun float64, now time.Time) {
	e.XUsageUnits += charged.X
	e.LLMCost += charged.LLM
	e.LLMTokens += charged.LLMTokens
	e.TotalCost += charged.Total()
	e.ReplyCount += counters.Replies
	e.QuoteCount += counters.Quotes
	e.PostCount += counters.Posts
	e.Overrun += overrun
	e.UpdatedAt = now
}
