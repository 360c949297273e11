/*
store.go - Persistence interfaces for the ledger engine

PURPOSE:
  Defines the boundary between the engine and the database. Implementations
  exist for SQLite (store/sqlite) and in-memory (ledger/store).

APPEND-MOSTLY CONTRACT:
  Entries are inserted once and never rewritten. The only in-place writes
  are the status/link fields managed by the lifecycle state machine
  (MarkVoided, MarkSuperseded, Link*, Reactivate) and each of those is a
  conditional update guarded by the current status, so a lost race surfaces
  as ErrEntryNotActive instead of a silent overwrite.

ATOMICITY:
  Stores that can group writes implement TxStore. Components prefer
  TxStore.WithTx and fall back to two-phase writes with compensating
  updates when the store cannot provide transactions (see lifecycle.go).

SEE ALSO:
  - store/sqlite/sqlite.go: production implementation
  - ledger/store/memory.go: in-memory implementation with fault injection
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// ENTRY STORE
// =============================================================================

// EntryStore persists ledger entries.
type EntryStore interface {
	// InsertEntry persists a new entry. Returns ErrDuplicateReferenceKey if
	// another entry already carries the same non-empty reference key.
	InsertEntry(ctx context.Context, e Entry) error

	// GetEntry returns an entry by ID, or ErrEntryNotFound.
	GetEntry(ctx context.Context, id EntryID) (*Entry, error)

	// FindEntryByReferenceKey returns the entry recorded for
	// (accountID, referenceKey), or nil when none exists.
	FindEntryByReferenceKey(ctx context.Context, accountID AccountID, referenceKey string) (*Entry, error)

	// MarkVoided flips an active entry to voided. Conditional on
	// status=active; returns ErrEntryNotActive when the guard fails.
	MarkVoided(ctx context.Context, id EntryID, at time.Time, audit AuditEvent) error

	// MarkSuperseded flips an active entry to superseded. Same guard.
	MarkSuperseded(ctx context.Context, id EntryID, at time.Time, audit AuditEvent) error

	// LinkReversal sets the forward reference from a voided entry to its
	// reversal entry.
	LinkReversal(ctx context.Context, id EntryID, reversalID EntryID) error

	// LinkSuccessor sets the forward reference from a superseded entry to
	// the version that replaced it.
	LinkSuccessor(ctx context.Context, id EntryID, successorID EntryID) error

	// AppendAudit appends one event to an entry's audit trail.
	AppendAudit(ctx context.Context, id EntryID, audit AuditEvent) error

	// Reactivate is the compensating write: it returns a voided/superseded
	// entry to active and clears links and timestamps. Used only when the
	// second half of a two-phase void/supersede failed.
	Reactivate(ctx context.Context, id EntryID, audit AuditEvent) error

	// DeleteEntry removes an entry that was never externally visible.
	// Used only to unwind the insert half of a failed two-phase write.
	DeleteEntry(ctx context.Context, id EntryID) error

	// ListUnlinkedTerminal returns voided entries with no reversal link and
	// superseded entries with no successor link. These only exist when a
	// two-phase write was interrupted; the recovery sweep repairs them.
	ListUnlinkedTerminal(ctx context.Context) ([]Entry, error)

	// ListActiveEntries returns status=active entries for an account,
	// newest first, excluding internal kinds (credit_debit) and reversal
	// bookkeeping entries.
	ListActiveEntries(ctx context.Context, accountID AccountID) ([]Entry, error)

	// History returns every entry in a version/reversal chain,
	// chronologically.
	History(ctx context.Context, rootID EntryID) ([]Entry, error)

	// CountActiveEntries counts active entries of the given kinds whose
	// OccurredAt falls in [from, to). Used for quota tracking.
	CountActiveEntries(ctx context.Context, accountID AccountID, kinds []EntryKind, from, to time.Time) (int, error)

	// SumEntries sums signed amounts of active entries of a kind for an
	// account. Used by invariant checks (balance == sum of credit_debits).
	SumEntries(ctx context.Context, accountID AccountID, kind EntryKind) (Amount, error)
}

// =============================================================================
// BALANCE STORE
// =============================================================================

// BalanceStore persists per-account credit balances.
type BalanceStore interface {
	// GetBalance returns the balance record, creating a zero-balance record
	// the first time an account is seen.
	GetBalance(ctx context.Context, accountID AccountID) (*AccountBalance, error)

	// ApplyBalanceDelta applies delta to the balance if and only if the
	// stored version still equals expectedVersion and the resulting balance
	// would not go negative. The credit_debit entry recording the movement
	// is written in the same store transaction.
	//
	// Returns ErrConflict on a version mismatch and ErrInsufficientCredits
	// when the balance guard fails.
	ApplyBalanceDelta(ctx context.Context, accountID AccountID, delta Amount, expectedVersion int64, record Entry) (*AccountBalance, error)
}

// =============================================================================
// IDEMPOTENCY STORE
// =============================================================================

// IdempotencyStore persists operation dedup records.
type IdempotencyStore interface {
	// BeginIdempotent atomically claims (accountID, referenceKey). When no
	// record exists it inserts one with status=in_progress and returns
	// isNew=true. Otherwise it returns the existing record and isNew=false.
	BeginIdempotent(ctx context.Context, accountID AccountID, referenceKey string, now time.Time) (rec *IdempotencyRecord, isNew bool, err error)

	// FinalizeIdempotent transitions an in_progress record to a terminal
	// status and stores the result snapshot.
	FinalizeIdempotent(ctx context.Context, accountID AccountID, referenceKey string, status IdempotencyStatus, snapshot []byte, now time.Time) error

	// ReclaimStaleIdempotency marks in_progress records older than cutoff
	// as failed, freeing their keys for a clean retry. Returns how many
	// records were reclaimed.
	ReclaimStaleIdempotency(ctx context.Context, cutoff time.Time) (int, error)
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

// AccountStore persists the account fields the engine needs
// (privilege/subscription flags). Account lifecycle itself is external.
type AccountStore interface {
	GetAccount(ctx context.Context, id AccountID) (*Account, error)
	SaveAccount(ctx context.Context, a Account) error
}

// =============================================================================
// COMBINED STORE + TRANSACTIONS
// =============================================================================

// Store is the full persistence surface of the engine.
type Store interface {
	EntryStore
	BalanceStore
	IdempotencyStore
	AccountStore
}

// TxStore wraps Store with multi-write transaction support.
// If fn returns an error the transaction is rolled back.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}
