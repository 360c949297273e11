/*
Package ledger provides the core atomic ledger engine.

PURPOSE:
  This package contains the types and algorithms for recording financial
  facts (income, expense, credit transactions) with database-transaction-like
  guarantees on top of a store that may not provide them natively: atomicity
  of multi-record writes, idempotency of retried requests, and an immutable
  audit trail.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: exact decimal quantity (no float arithmetic on money)
  - Entry: one immutable financial fact with its version/reversal links
  - AccountBalance: per-account credit balance guarded by a version token
  - IdempotencyRecord: dedup record for a caller-supplied reference key

DESIGN PRINCIPLES:
  1. Immutability: entries are never edited in place, only superseded or
     reversed by new entries
  2. Precision: decimal.Decimal for every monetary value
  3. Type safety: distinct ID types so account/entry IDs can't be mixed
  4. Auditability: every entry carries its own ordered audit trail

SEE ALSO:
  - lifecycle.go: create/void/supersede state machine
  - balance.go: conditional debit/credit with optimistic concurrency
  - charge.go: the atomic create-and-charge coordinator
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Exact decimal money
// =============================================================================

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value float64) Amount {
	return Amount{Value: decimal.NewFromFloat(value)}
}

func NewAmountFromInt(value int) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value))}
}

func MustParseAmount(s string) Amount {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{Value: decimal.Zero}
	}
	return Amount{Value: d}
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount       { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount               { return Amount{Value: a.Value.Neg()} }
func (a Amount) MulInt(n int) Amount       { return Amount{Value: a.Value.Mul(decimal.NewFromInt(int64(n)))} }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool    { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool       { return a.Value.Equal(b.Value) }
func (a Amount) String() string            { return a.Value.String() }
func (a Amount) Float64() float64          { f, _ := a.Value.Float64(); return f }

// Amount serializes as a bare decimal string ("4.5"), not a struct.
func (a Amount) MarshalJSON() ([]byte, error) { return a.Value.MarshalJSON() }

func (a *Amount) UnmarshalJSON(data []byte) error { return a.Value.UnmarshalJSON(data) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntryID string
type AccountID string

// =============================================================================
// ENTRY - One immutable financial fact
// =============================================================================

type EntryKind string

const (
	KindIncome      EntryKind = "income"       // Revenue recorded by the account
	KindExpense     EntryKind = "expense"      // Spend recorded by the account
	KindCreditDebit EntryKind = "credit_debit" // Internal credit balance movement
	KindReversal    EntryKind = "reversal"     // Negated counterpart of a voided entry
)

// EntryStatus is the explicit lifecycle state. There are no ad hoc
// "isDeleted" booleans: every intermediate state is representable.
type EntryStatus string

const (
	StatusActive     EntryStatus = "active"     // Visible, counted in aggregates
	StatusVoided     EntryStatus = "voided"     // Cancelled via reversal entry
	StatusReversed   EntryStatus = "reversed"   // A reversal that has served its purpose
	StatusSuperseded EntryStatus = "superseded" // Replaced by a newer version
)

// Entry is one financial fact. Once created it is never mutated in place
// except for the status/link fields managed by the lifecycle state machine.
//
// INVARIANTS (checked by lifecycle.go and its tests):
//   - status=active      => SupersededBy == "" && ReversalEntryID == ""
//   - status=voided      => ReversalEntryID points at an active reversal
//     whose Amount is the negation of this entry's Amount
//   - status=superseded  => SupersededBy points at an active entry with
//     Version == this.Version+1 and the same root
type Entry struct {
	ID        EntryID
	AccountID AccountID
	Amount    Amount
	Kind      EntryKind
	Status    EntryStatus

	// Version chain. Version starts at 1; supersession bumps it.
	Version         int
	OriginalEntryID EntryID // root of the version/reversal chain; "" for originals
	SupersededBy    EntryID // set when status=superseded
	ReversalEntryID EntryID // set when status=voided

	// Caller-facing fields
	Category     string
	Description  string
	ReferenceKey string // idempotency key of the operation that produced this entry
	OccurredAt   time.Time
	Metadata     map[string]string

	CreatedAt    time.Time
	VoidedAt     *time.Time
	SupersededAt *time.Time

	AuditTrail []AuditEvent
}

// Root returns the ID identifying this entry's version/reversal chain.
func (e *Entry) Root() EntryID {
	if e.OriginalEntryID != "" {
		return e.OriginalEntryID
	}
	return e.ID
}

// IsTerminal reports whether this version can no longer change state.
func (e *Entry) IsTerminal() bool {
	return e.Status == StatusVoided || e.Status == StatusSuperseded
}

// AuditEvent is one step of an entry's ordered audit trail.
type AuditEvent struct {
	Action        string
	Actor         string
	Timestamp     time.Time
	ChangedFields []string
}

// =============================================================================
// ACCOUNT BALANCE - The only truly shared mutable state
// =============================================================================

// AccountBalance holds the credit balance for one account. Writers must go
// through BalanceLedger.Debit/Credit; the Version field is the optimistic
// concurrency token that serializes concurrent writers per account.
type AccountBalance struct {
	AccountID AccountID
	Balance   Amount
	Version   int64
	UpdatedAt time.Time
}

// =============================================================================
// ACCOUNT - Quota/privilege inputs for the charge coordinator
// =============================================================================

// Account carries the fields the charge coordinator needs. Authentication
// and profile management live outside this engine.
type Account struct {
	ID              AccountID
	Admin           bool
	Subscribed      bool
	SubscriptionEnd *time.Time
	CreatedAt       time.Time
}

// Privileged reports whether the account has an unlimited entry allowance.
func (a *Account) Privileged(now time.Time) bool {
	if a.Admin {
		return true
	}
	return a.Subscribed && a.SubscriptionEnd != nil && a.SubscriptionEnd.After(now)
}

// =============================================================================
// IDEMPOTENCY RECORD
// =============================================================================

type IdempotencyStatus string

const (
	IdemInProgress IdempotencyStatus = "in_progress"
	IdemCompleted  IdempotencyStatus = "completed"
	IdemFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord deduplicates one logical operation per
// (accountID, referenceKey). At most one terminal record ever exists.
type IdempotencyRecord struct {
	AccountID    AccountID
	ReferenceKey string
	Status       IdempotencyStatus
	// ResultSnapshot is the serialized response replayed to duplicate
	// requests after the operation reached a terminal state.
	ResultSnapshot []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the record can be replayed.
func (r *IdempotencyRecord) Terminal() bool {
	return r.Status == IdemCompleted || r.Status == IdemFailed
}

// =============================================================================
// QUOTA - Monthly free-entry allowance
// =============================================================================

// QuotaStatus reports where an account stands against its monthly free
// entry allowance. Limit < 0 means unlimited (privileged accounts).
type QuotaStatus struct {
	Count     int
	Limit     int
	Remaining int
	MonthKey  string // YYYY-MM
}

func (q QuotaStatus) Unlimited() bool { return q.Limit < 0 }

func (q QuotaStatus) OverLimit() bool {
	return !q.Unlimited() && q.Remaining <= 0
}
