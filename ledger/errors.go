/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is/As; the API layer maps them
  to HTTP statuses.

ERROR CATEGORIES:
  1. Business rejections - insufficient credits, validation (never retried)
  2. Concurrency errors  - version conflicts, duplicate in-flight operations
                           (retried internally with backoff)
  3. Integrity errors    - charge rolled back, reconciliation incomplete

SEE ALSO:
  - balance.go: raises conflict/insufficient errors
  - charge.go: wraps debit failures as ChargeFailedError
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrEntryNotFound is returned when a referenced entry doesn't exist.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrEntryNotActive is returned when void/supersede targets an entry
	// that is already voided or superseded. Terminal versions never change.
	ErrEntryNotActive = errors.New("entry is not active")

	// ErrInsufficientCredits is returned when a debit exceeds the balance.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrConflict is returned when optimistic locking detects a concurrent
	// modification. Retryable.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrOperationInProgress is returned when a duplicate request arrives
	// while the original is still running. The client should back off and
	// retry; the engine never double-executes.
	ErrOperationInProgress = errors.New("operation already in progress")

	// ErrDuplicateReferenceKey is returned when a write with an already
	// finalized reference key would re-apply its effect.
	ErrDuplicateReferenceKey = errors.New("duplicate reference key")

	// ErrChargeFailed is returned when the entry was rolled back because
	// its credit charge could not complete.
	ErrChargeFailed = errors.New("charge failed, entry rolled back")

	// ErrValidation is returned for malformed input. Never retried.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError reports how short the account is.
type InsufficientCreditsError struct {
	AccountID AccountID
	Required  Amount
	Balance   Amount
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %s, have %s", e.Required, e.Balance)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// ConflictError reports an exhausted optimistic-concurrency retry budget.
type ConflictError struct {
	AccountID AccountID
	Attempts  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification on account %s after %d attempts", e.AccountID, e.Attempts)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ChargeFailedError reports that the created entry was voided because the
// debit step failed. Cause distinguishes a balance race from a store fault.
type ChargeFailedError struct {
	AccountID AccountID
	EntryID   EntryID
	Cause     error
}

func (e *ChargeFailedError) Error() string {
	return fmt.Sprintf("charge failed for entry %s: %v (entry rolled back)", e.EntryID, e.Cause)
}

func (e *ChargeFailedError) Unwrap() error { return ErrChargeFailed }

// ValidationError reports per-field input problems.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %d invalid field(s)", len(e.Fields))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to the client's request
// rather than an engine fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrEntryNotActive) ||
		errors.Is(err, ErrOperationInProgress) ||
		errors.Is(err, ErrDuplicateReferenceKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound) || errors.Is(err, ErrAccountNotFound)
}
