/*
balance.go - Per-account credit balance with atomic conditional movements

PURPOSE:
  The credit balance is the only truly shared mutable state in the engine.
  Every movement goes through Debit/Credit here, guarded by an optimistic
  version token: the store applies the delta only if the version it read is
  still current, so two concurrent writers to the same account serialize
  with no lost updates and no in-process lock held across store calls.

IDEMPOTENCY:
  Every movement carries a reference key. The applied delta is recorded as
  a credit_debit ledger entry in the same store transaction as the balance
  update, so the invariant "balance == sum of completed credit_debit
  entries" holds at every commit point. A repeated call with an already
  recorded key returns the recorded outcome without re-applying the delta.

RETRY:
  Version conflicts are retried a bounded number of times with jittered
  backoff; the budget exhausting surfaces as ConflictError.

SEE ALSO:
  - store.go: ApplyBalanceDelta contract
  - charge.go: the coordinator that debits through this type
*/
package ledger

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// =============================================================================
// BALANCE LEDGER
// =============================================================================

// BalanceLedger owns all movements of per-account credit balances.
type BalanceLedger struct {
	store Store

	// MaxAttempts bounds the optimistic-concurrency retry loop.
	MaxAttempts int
	// RetryBase is the backoff unit; attempt n sleeps up to n*RetryBase.
	RetryBase time.Duration

	now   func() time.Time
	sleep func(time.Duration)
}

func NewBalanceLedger(store Store) *BalanceLedger {
	return &BalanceLedger{
		store:       store,
		MaxAttempts: 4,
		RetryBase:   25 * time.Millisecond,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       time.Sleep,
	}
}

// Balance returns the current balance record for an account.
func (b *BalanceLedger) Balance(ctx context.Context, accountID AccountID) (*AccountBalance, error) {
	return b.store.GetBalance(ctx, accountID)
}

// Debit removes amount from the account's balance. Fails with
// InsufficientCreditsError when the balance cannot cover the amount and
// with ConflictError when concurrent writers exhaust the retry budget.
// Idempotent per referenceKey.
func (b *BalanceLedger) Debit(ctx context.Context, accountID AccountID, amount Amount, referenceKey, reason string) (*AccountBalance, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{Fields: map[string]string{"amount": "debit amount must be positive"}}
	}
	return b.apply(ctx, accountID, amount.Neg(), referenceKey, reason)
}

// Credit adds amount to the account's balance. Cannot fail on balance
// grounds. Idempotent per referenceKey.
func (b *BalanceLedger) Credit(ctx context.Context, accountID AccountID, amount Amount, referenceKey, reason string) (*AccountBalance, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{Fields: map[string]string{"amount": "credit amount must be positive"}}
	}
	return b.apply(ctx, accountID, amount, referenceKey, reason)
}

func (b *BalanceLedger) apply(ctx context.Context, accountID AccountID, delta Amount, referenceKey, reason string) (*AccountBalance, error) {
	if referenceKey == "" {
		return nil, &ValidationError{Fields: map[string]string{"referenceKey": "reference key is required"}}
	}

	// Replay path: the movement already landed under this key.
	if prior, err := b.store.FindEntryByReferenceKey(ctx, accountID, referenceKey); err != nil {
		return nil, err
	} else if prior != nil {
		if prior.Kind != KindCreditDebit || !prior.Amount.Equal(delta) {
			return nil, ErrDuplicateReferenceKey
		}
		return &AccountBalance{
			AccountID: accountID,
			Balance:   MustParseAmount(prior.Metadata["balance_after"]),
			UpdatedAt: prior.CreatedAt,
		}, nil
	}

	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		bal, err := b.store.GetBalance(ctx, accountID)
		if err != nil {
			return nil, err
		}

		next := bal.Balance.Add(delta)
		if next.IsNegative() {
			return nil, &InsufficientCreditsError{
				AccountID: accountID,
				Required:  delta.Neg(),
				Balance:   bal.Balance,
			}
		}

		now := b.now()
		record := Entry{
			ID:           NewEntryID(),
			AccountID:    accountID,
			Amount:       delta,
			Kind:         KindCreditDebit,
			Status:       StatusActive,
			Version:      1,
			Description:  reason,
			ReferenceKey: referenceKey,
			OccurredAt:   now,
			CreatedAt:    now,
			Metadata: map[string]string{
				"balance_before": bal.Balance.String(),
				"balance_after":  next.String(),
			},
			AuditTrail: []AuditEvent{{
				Action:    "balance_movement",
				Actor:     "system",
				Timestamp: now,
			}},
		}

		applied, err := b.store.ApplyBalanceDelta(ctx, accountID, delta, bal.Version, record)
		if err == nil {
			return applied, nil
		}
		if errors.Is(err, ErrDuplicateReferenceKey) {
			// A racing duplicate of the same operation won; replay it.
			return b.apply(ctx, accountID, delta, referenceKey, reason)
		}
		if !IsRetryable(err) {
			return nil, err
		}
		if attempt < b.MaxAttempts {
			b.sleep(jitteredBackoff(b.RetryBase, attempt))
		}
	}

	return nil, &ConflictError{AccountID: accountID, Attempts: b.MaxAttempts}
}

// jitteredBackoff returns a random duration in (0, base*attempt].
func jitteredBackoff(base time.Duration, attempt int) time.Duration {
	max := int64(base) * int64(attempt)
	return time.Duration(rand.Int63n(max) + 1)
}
