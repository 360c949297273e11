/*
charge.go - Atomic charge coordinator

PURPOSE:
  The single highest-risk operation in the engine: create a financial
  entry, charge credits for it only when the account is over its free
  allowance, and guarantee the entry and the charge can never disagree.
  Either both exist or neither is externally visible.

ALGORITHM (one request):
  1. Claim the idempotency key; replay the stored snapshot on a duplicate.
  2. Snapshot quota/privilege; fail fast on an obviously short balance
     (no entry is created for that rejection).
  3. Create the entry (active).
  4. Re-validate the quota AFTER the insert - the fresh count includes the
     new entry, so two racing requests can't both slide under the limit.
  5. If the entry is over the allowance, debit the balance. The debit
     itself re-validates the balance under the version token.
  6. On debit failure, synchronously void the just-created entry (reversal
     pair, nothing erased) before returning - the caller never observes a
     free entry that should have been charged.
  7. Finalize the idempotency record with the success or failure snapshot.

RESUMABILITY:
  If a previous attempt died after creating the entry, the retry resumes
  from the existing entry (found by reference key) instead of duplicating
  it; the debit is idempotent per its derived key.

SEE ALSO:
  - balance.go, idempotency.go, quota.go: the collaborators
  - reconcile/coordinator.go: the multi-aspect sibling of this type
*/
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// ChargeRequest is one "create an entry and charge if needed" operation.
type ChargeRequest struct {
	AccountID    AccountID
	Kind         EntryKind // KindIncome or KindExpense
	Amount       Amount
	Category     string
	Description  string
	OccurredAt   time.Time
	ReferenceKey string
	Metadata     map[string]string
	Actor        string
}

// ChargeResult is the response, also stored as the idempotency snapshot so
// retries receive byte-identical outcomes.
type ChargeResult struct {
	Entry        Entry       `json:"entry"`
	Charged      bool        `json:"charged"`
	ChargeAmount Amount      `json:"chargeAmount"`
	NewBalance   *Amount     `json:"newBalance,omitempty"`
	Quota        QuotaStatus `json:"quota"`
	Replayed     bool        `json:"-"`
}

// chargeSnapshot is the serialized terminal outcome, success or failure.
type chargeSnapshot struct {
	Result    *ChargeResult `json:"result,omitempty"`
	ErrorType string        `json:"errorType,omitempty"`
	Required  string        `json:"required,omitempty"`
	Balance   string        `json:"balance,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// =============================================================================
// CHARGE COORDINATOR
// =============================================================================

// ChargeCoordinator orchestrates entry creation with conditional charging.
type ChargeCoordinator struct {
	store     Store
	lifecycle *Lifecycle
	balances  *BalanceLedger
	guard     *Guard
	quota     *QuotaTracker

	now func() time.Time
}

func NewChargeCoordinator(store Store, lifecycle *Lifecycle, balances *BalanceLedger, guard *Guard, quota *QuotaTracker) *ChargeCoordinator {
	return &ChargeCoordinator{
		store:     store,
		lifecycle: lifecycle,
		balances:  balances,
		guard:     guard,
		quota:     quota,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Charge runs one atomic create-and-charge operation.
func (c *ChargeCoordinator) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.Kind != KindIncome && req.Kind != KindExpense {
		return nil, &ValidationError{Fields: map[string]string{"kind": "kind must be income or expense"}}
	}

	begin, err := c.guard.Begin(ctx, req.AccountID, req.ReferenceKey)
	if err != nil {
		return nil, err
	}
	if !begin.IsNew {
		// Business rejections and completed results replay verbatim; a
		// transient internal failure does not get pinned forever under its
		// key, the retry re-executes (resuming by reference key).
		if !retryableSnapshot(begin.CachedResult) {
			return replaySnapshot(req.AccountID, begin.CachedResult)
		}
	}

	result, err := c.execute(ctx, req)
	if err != nil {
		snap := failureSnapshot(err)
		if finErr := c.guard.Fail(ctx, req.AccountID, req.ReferenceKey, snap); finErr != nil {
			return nil, fmt.Errorf("charge failed (%w); finalize failed: %v", err, finErr)
		}
		return nil, err
	}

	snap, _ := json.Marshal(chargeSnapshot{Result: result})
	if finErr := c.guard.Complete(ctx, req.AccountID, req.ReferenceKey, snap); finErr != nil {
		// The operation applied; the in_progress record will be reclaimed
		// and a retry resumes idempotently from the existing entry.
		return result, nil
	}
	return result, nil
}

func (c *ChargeCoordinator) execute(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	account, err := c.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	quotaBefore, err := c.quota.Status(ctx, account)
	if err != nil {
		return nil, err
	}
	cost := c.quota.EntryCost

	// Fail fast before creating anything when the balance obviously cannot
	// cover the charge. The debit re-validates this later regardless.
	if quotaBefore.OverLimit() {
		bal, err := c.balances.Balance(ctx, req.AccountID)
		if err != nil {
			return nil, err
		}
		if bal.Balance.LessThan(cost) {
			// A dead previous attempt may have left an active entry under
			// this key. Rejecting here would strand it unpaid, so fall
			// through and resume instead: the debit either replays (the
			// charge already landed) or fails and rolls the entry back.
			existing, findErr := c.store.FindEntryByReferenceKey(ctx, req.AccountID, req.ReferenceKey)
			if findErr != nil {
				return nil, findErr
			}
			if existing == nil || existing.Status != StatusActive {
				return nil, &InsufficientCreditsError{
					AccountID: req.AccountID,
					Required:  cost,
					Balance:   bal.Balance,
				}
			}
		}
	}

	entry, err := c.createOrResume(ctx, req)
	if err != nil {
		return nil, err
	}

	// Quota decision is made on the count INCLUDING the new entry. Two
	// racing requests both under the limit beforehand resolve here: only
	// the one that pushed the count past the limit pays.
	quotaAfter := quotaBefore
	chargeRequired := false
	if !quotaBefore.Unlimited() {
		quotaAfter, err = c.quota.Status(ctx, account)
		if err != nil {
			return nil, c.rollback(ctx, entry, req.Actor, err)
		}
		chargeRequired = quotaAfter.Count > c.quota.MonthlyLimit
	}

	var newBalance *Amount
	if chargeRequired {
		bal, err := c.balances.Debit(ctx, req.AccountID, cost,
			req.ReferenceKey+":charge",
			fmt.Sprintf("Entry over monthly limit (%d/%d)", quotaAfter.Count, quotaAfter.Limit))
		if err != nil {
			return nil, c.rollback(ctx, entry, req.Actor, err)
		}
		newBalance = &bal.Balance

		// The charge itself is committed at this point; a lost audit tag
		// is recoverable from the credit_debit entry, so this best-effort
		// write does not fail the operation.
		_ = c.store.AppendAudit(ctx, entry.ID, AuditEvent{
			Action:        "charged",
			Actor:         "system",
			Timestamp:     c.now(),
			ChangedFields: []string{"chargeAmount"},
		})
	}

	res := &ChargeResult{
		Entry:   *entry,
		Charged: chargeRequired,
		Quota:   quotaAfter,
	}
	if chargeRequired {
		res.ChargeAmount = cost
		res.NewBalance = newBalance
	} else {
		res.ChargeAmount = ZeroAmount()
	}
	return res, nil
}

// createOrResume inserts the entry, or picks up the one a dead previous
// attempt already inserted under the same reference key.
func (c *ChargeCoordinator) createOrResume(ctx context.Context, req ChargeRequest) (*Entry, error) {
	entry, err := c.lifecycle.Create(ctx, CreateInput{
		AccountID:    req.AccountID,
		Amount:       req.Amount,
		Kind:         req.Kind,
		Category:     req.Category,
		Description:  req.Description,
		ReferenceKey: req.ReferenceKey,
		OccurredAt:   req.OccurredAt,
		Metadata:     req.Metadata,
		Actor:        req.Actor,
	})
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrDuplicateReferenceKey) {
		return nil, err
	}
	existing, findErr := c.store.FindEntryByReferenceKey(ctx, req.AccountID, req.ReferenceKey)
	if findErr != nil {
		return nil, findErr
	}
	if existing == nil || existing.Status != StatusActive {
		return nil, err
	}
	return existing, nil
}

// rollback voids the entry the failed charge created and returns the
// classified error. Insufficient balance at debit time surfaces as the
// business rejection; anything else as ChargeFailedError.
func (c *ChargeCoordinator) rollback(ctx context.Context, entry *Entry, actor string, cause error) error {
	if _, _, voidErr := c.lifecycle.Void(ctx, entry.ID, actor); voidErr != nil {
		return &ChargeFailedError{
			AccountID: entry.AccountID,
			EntryID:   entry.ID,
			Cause:     fmt.Errorf("%v; rollback also failed: %w", cause, voidErr),
		}
	}

	var insufficient *InsufficientCreditsError
	if errors.As(cause, &insufficient) {
		return insufficient
	}
	return &ChargeFailedError{AccountID: entry.AccountID, EntryID: entry.ID, Cause: cause}
}

// =============================================================================
// SNAPSHOT ENCODING
// =============================================================================

func failureSnapshot(err error) []byte {
	snap := chargeSnapshot{Message: err.Error()}
	var insufficient *InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		snap.ErrorType = "insufficient_credits"
		snap.Required = insufficient.Required.String()
		snap.Balance = insufficient.Balance.String()
	case errors.Is(err, ErrChargeFailed):
		snap.ErrorType = "charge_failed"
	case errors.Is(err, ErrValidation):
		snap.ErrorType = "validation"
	default:
		snap.ErrorType = "internal"
	}
	data, _ := json.Marshal(snap)
	return data
}

// retryableSnapshot reports whether a stored failure was transient (an
// internal fault rather than a business rejection).
func retryableSnapshot(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	var snap chargeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false
	}
	return snap.Result == nil && snap.ErrorType == "internal"
}

// replaySnapshot reconstructs a prior terminal outcome for a duplicate
// request: identical success payloads, identical typed failures.
func replaySnapshot(accountID AccountID, data []byte) (*ChargeResult, error) {
	var snap chargeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt idempotency snapshot: %w", err)
	}
	if snap.Result != nil {
		res := *snap.Result
		res.Replayed = true
		return &res, nil
	}
	switch snap.ErrorType {
	case "insufficient_credits":
		return nil, &InsufficientCreditsError{
			AccountID: accountID,
			Required:  MustParseAmount(snap.Required),
			Balance:   MustParseAmount(snap.Balance),
		}
	case "charge_failed":
		return nil, fmt.Errorf("%w: %s", ErrChargeFailed, snap.Message)
	case "validation":
		return nil, fmt.Errorf("%w: %s", ErrValidation, snap.Message)
	default:
		return nil, errors.New(snap.Message)
	}
}
