/*
quota.go - Monthly free-entry allowance

PURPOSE:
  Free accounts get a fixed number of income/expense entries per calendar
  month; past that, each entry costs credits. Privileged accounts (admin,
  or an active subscription) are unlimited and never charged.

COUNTING:
  The count is derived from active entries in the current month, never
  cached: a voided entry stops counting, which matches what the user sees.
  The snapshot is advisory only - the charge coordinator re-validates at
  debit time, so two racing requests can't both slip under the limit.
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// DefaultMonthlyFreeEntries is the free-tier allowance per calendar month.
const DefaultMonthlyFreeEntries = 100

// DefaultEntryCost is the credit cost of one entry past the allowance.
var DefaultEntryCost = NewAmountFromInt(1)

// =============================================================================
// QUOTA TRACKER
// =============================================================================

// QuotaTracker reports where an account stands against its monthly
// free-entry allowance.
type QuotaTracker struct {
	store Store

	// MonthlyLimit is the free entries per month for non-privileged accounts.
	MonthlyLimit int
	// EntryCost is the credit charge per entry over the limit.
	EntryCost Amount

	now func() time.Time
}

func NewQuotaTracker(store Store) *QuotaTracker {
	return &QuotaTracker{
		store:        store,
		MonthlyLimit: DefaultMonthlyFreeEntries,
		EntryCost:    DefaultEntryCost,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Status returns the account's quota standing for the current month.
// Privileged accounts report Limit=-1 (unlimited).
func (q *QuotaTracker) Status(ctx context.Context, account *Account) (QuotaStatus, error) {
	now := q.now()
	monthKey := fmt.Sprintf("%04d-%02d", now.Year(), int(now.Month()))

	if account.Privileged(now) {
		return QuotaStatus{Limit: -1, Remaining: -1, MonthKey: monthKey}, nil
	}

	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	count, err := q.store.CountActiveEntries(ctx, account.ID,
		[]EntryKind{KindIncome, KindExpense}, start, end)
	if err != nil {
		return QuotaStatus{}, err
	}

	remaining := q.MonthlyLimit - count
	if remaining < 0 {
		remaining = 0
	}
	return QuotaStatus{
		Count:     count,
		Limit:     q.MonthlyLimit,
		Remaining: remaining,
		MonthKey:  monthKey,
	}, nil
}
