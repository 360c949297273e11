/*
lifecycle.go - Entry lifecycle state machine

PURPOSE:
  Owns every mutation of ledger entries. No other component writes entries
  directly. The state machine is:

    active --void-->      voided     (terminal; paired with a reversal entry)
    active --supersede--> superseded (terminal; paired with the next version)

  Both transitions always produce a NEW active entry (the reversal or the
  next version). Nothing is ever erased.

ATOMICITY:
  Void and supersede are two-record writes (flip the target + insert the
  counterpart + link them). With a TxStore both happen in one transaction.
  Without one, the writes are ordered so that a failure between them can be
  compensated: the target is returned to active and the caller sees an
  error. The target is never left terminal without its counterpart.

SEE ALSO:
  - types.go: Entry, EntryStatus and the chain invariants
  - store.go: the conditional-update store contract this relies on
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LIFECYCLE MANAGER
// =============================================================================

// Lifecycle orchestrates create/void/supersede of ledger entries.
type Lifecycle struct {
	store Store

	now func() time.Time
}

func NewLifecycle(store Store) *Lifecycle {
	return &Lifecycle{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// NewEntryID returns a fresh opaque entry identifier.
func NewEntryID() EntryID {
	return EntryID(uuid.NewString())
}

// CreateInput carries the caller-supplied fields for a new entry.
type CreateInput struct {
	AccountID    AccountID
	Amount       Amount
	Kind         EntryKind
	Category     string
	Description  string
	ReferenceKey string
	OccurredAt   time.Time
	Metadata     map[string]string
	Actor        string
}

// Validate checks the input before any write happens.
func (in *CreateInput) Validate() error {
	fields := map[string]string{}
	if in.AccountID == "" {
		fields["accountId"] = "account is required"
	}
	if !in.Amount.IsPositive() {
		fields["amount"] = "amount must be positive"
	}
	switch in.Kind {
	case KindIncome, KindExpense, KindCreditDebit, KindReversal:
	default:
		fields["kind"] = fmt.Sprintf("unknown kind %q", in.Kind)
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Create inserts a new active entry at version 1.
func (l *Lifecycle) Create(ctx context.Context, in CreateInput) (*Entry, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := l.now()
	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	e := Entry{
		ID:           NewEntryID(),
		AccountID:    in.AccountID,
		Amount:       in.Amount,
		Kind:         in.Kind,
		Status:       StatusActive,
		Version:      1,
		Category:     in.Category,
		Description:  in.Description,
		ReferenceKey: in.ReferenceKey,
		OccurredAt:   occurredAt,
		Metadata:     in.Metadata,
		CreatedAt:    now,
		AuditTrail: []AuditEvent{{
			Action:    "created",
			Actor:     in.Actor,
			Timestamp: now,
		}},
	}

	if err := l.store.InsertEntry(ctx, e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Void atomically voids an active entry and creates its reversal: the
// target becomes voided, a new active entry with the negated amount is
// inserted, and the two are linked. Returns (voided target, reversal).
func (l *Lifecycle) Void(ctx context.Context, entryID EntryID, actor string) (*Entry, *Entry, error) {
	target, err := l.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, nil, err
	}
	if target.Status != StatusActive {
		return nil, nil, ErrEntryNotActive
	}

	now := l.now()
	reversal := Entry{
		ID:              NewEntryID(),
		AccountID:       target.AccountID,
		Amount:          target.Amount.Neg(),
		Kind:            KindReversal,
		Status:          StatusActive,
		Version:         1,
		OriginalEntryID: target.ID,
		Category:        target.Category,
		Description:     "Reversal: " + target.Description,
		OccurredAt:      now,
		CreatedAt:       now,
		AuditTrail: []AuditEvent{{
			Action:    "reversal_created",
			Actor:     actor,
			Timestamp: now,
		}},
	}
	reversal.Metadata = map[string]string{"root": string(target.Root())}

	voidAudit := AuditEvent{Action: "voided", Actor: actor, Timestamp: now}

	apply := func(s Store) error {
		if err := s.MarkVoided(ctx, target.ID, now, voidAudit); err != nil {
			return err
		}
		if err := s.InsertEntry(ctx, reversal); err != nil {
			return err
		}
		return s.LinkReversal(ctx, target.ID, reversal.ID)
	}

	if tx, ok := l.store.(TxStore); ok {
		err = tx.WithTx(ctx, apply)
	} else {
		err = l.voidTwoPhase(ctx, target.ID, reversal, now, voidAudit)
	}
	if err != nil {
		return nil, nil, err
	}

	voided := *target
	voided.Status = StatusVoided
	voided.VoidedAt = &now
	voided.ReversalEntryID = reversal.ID
	voided.AuditTrail = append(voided.AuditTrail, voidAudit)
	return &voided, &reversal, nil
}

// voidTwoPhase is the non-transactional path: flip first, insert second,
// link last. If the insert fails the flip is compensated so the target is
// never left voided without its reversal.
func (l *Lifecycle) voidTwoPhase(ctx context.Context, targetID EntryID, reversal Entry, now time.Time, audit AuditEvent) error {
	if err := l.store.MarkVoided(ctx, targetID, now, audit); err != nil {
		return err
	}
	if err := l.store.InsertEntry(ctx, reversal); err != nil {
		compErr := l.store.Reactivate(ctx, targetID, AuditEvent{
			Action:    "void_rolled_back",
			Actor:     audit.Actor,
			Timestamp: l.now(),
		})
		if compErr != nil {
			return fmt.Errorf("void failed (%w) and compensation failed: %v", err, compErr)
		}
		return fmt.Errorf("void failed, entry restored to active: %w", err)
	}
	if err := l.store.LinkReversal(ctx, targetID, reversal.ID); err != nil {
		// Flip and insert both landed; RecoverDangling completes the
		// link on the next sweep rather than unwinding two good writes.
		return err
	}
	return nil
}

// SupersedeInput carries the fields being replaced on the new version.
// Zero values leave the corresponding field unchanged.
type SupersedeInput struct {
	Amount      *Amount
	Category    string
	Description string
	OccurredAt  *time.Time
	Actor       string
}

func (in *SupersedeInput) changedFields() []string {
	var fields []string
	if in.Amount != nil {
		fields = append(fields, "amount")
	}
	if in.Category != "" {
		fields = append(fields, "category")
	}
	if in.Description != "" {
		fields = append(fields, "description")
	}
	if in.OccurredAt != nil {
		fields = append(fields, "occurredAt")
	}
	return fields
}

// Supersede atomically replaces an active entry with a new version: the
// target becomes superseded and a new active entry with version+1 carries
// the unchanged fields plus the updates. Returns the new version.
func (l *Lifecycle) Supersede(ctx context.Context, entryID EntryID, in SupersedeInput) (*Entry, error) {
	target, err := l.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if target.Status != StatusActive {
		return nil, ErrEntryNotActive
	}
	changed := in.changedFields()
	if len(changed) == 0 {
		return nil, &ValidationError{Fields: map[string]string{"body": "no fields to update"}}
	}
	if in.Amount != nil && !in.Amount.IsPositive() {
		return nil, &ValidationError{Fields: map[string]string{"amount": "amount must be positive"}}
	}

	now := l.now()
	next := *target
	next.ID = NewEntryID()
	next.Version = target.Version + 1
	next.OriginalEntryID = target.Root()
	next.Status = StatusActive
	next.SupersededBy = ""
	next.ReversalEntryID = ""
	// The reference key stays with the version it deduplicated; carrying
	// it forward would collide with the uniqueness guarantee.
	next.ReferenceKey = ""
	next.CreatedAt = now
	next.VoidedAt = nil
	next.SupersededAt = nil
	if in.Amount != nil {
		next.Amount = *in.Amount
	}
	if in.Category != "" {
		next.Category = in.Category
	}
	if in.Description != "" {
		next.Description = in.Description
	}
	if in.OccurredAt != nil {
		next.OccurredAt = *in.OccurredAt
	}
	next.AuditTrail = append(append([]AuditEvent{}, target.AuditTrail...), AuditEvent{
		Action:        "version_created",
		Actor:         in.Actor,
		Timestamp:     now,
		ChangedFields: changed,
	})

	supersedeAudit := AuditEvent{
		Action:        "superseded",
		Actor:         in.Actor,
		Timestamp:     now,
		ChangedFields: changed,
	}

	apply := func(s Store) error {
		if err := s.MarkSuperseded(ctx, target.ID, now, supersedeAudit); err != nil {
			return err
		}
		if err := s.InsertEntry(ctx, next); err != nil {
			return err
		}
		return s.LinkSuccessor(ctx, target.ID, next.ID)
	}

	if tx, ok := l.store.(TxStore); ok {
		err = tx.WithTx(ctx, apply)
	} else {
		err = l.supersedeTwoPhase(ctx, target.ID, next, now, supersedeAudit)
	}
	if err != nil {
		return nil, err
	}
	return &next, nil
}

func (l *Lifecycle) supersedeTwoPhase(ctx context.Context, targetID EntryID, next Entry, now time.Time, audit AuditEvent) error {
	if err := l.store.MarkSuperseded(ctx, targetID, now, audit); err != nil {
		return err
	}
	if err := l.store.InsertEntry(ctx, next); err != nil {
		compErr := l.store.Reactivate(ctx, targetID, AuditEvent{
			Action:    "supersede_rolled_back",
			Actor:     audit.Actor,
			Timestamp: l.now(),
		})
		if compErr != nil {
			return fmt.Errorf("supersede failed (%w) and compensation failed: %v", err, compErr)
		}
		return fmt.Errorf("supersede failed, entry restored to active: %w", err)
	}
	return l.store.LinkSuccessor(ctx, targetID, next.ID)
}

// RecoverDangling completes interrupted two-phase writes. A voided entry
// without a reversal link either gets linked to the reversal that did land
// or is returned to active when none exists; superseded entries are treated
// the same way with their successor. Returns how many entries were repaired.
func (l *Lifecycle) RecoverDangling(ctx context.Context) (int, error) {
	dangling, err := l.store.ListUnlinkedTerminal(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, e := range dangling {
		chain, err := l.store.History(ctx, e.Root())
		if err != nil {
			return repaired, err
		}

		var counterpart *Entry
		for i := range chain {
			c := &chain[i]
			switch e.Status {
			case StatusVoided:
				if c.Kind == KindReversal && c.OriginalEntryID == e.ID {
					counterpart = c
				}
			case StatusSuperseded:
				if c.Kind != KindReversal && c.Version == e.Version+1 && c.Root() == e.Root() {
					counterpart = c
				}
			}
		}

		if counterpart == nil {
			// The flip landed but the counterpart never did: compensate.
			err = l.store.Reactivate(ctx, e.ID, AuditEvent{
				Action:    "recovery_reactivated",
				Actor:     "system",
				Timestamp: l.now(),
			})
		} else if e.Status == StatusVoided {
			err = l.store.LinkReversal(ctx, e.ID, counterpart.ID)
		} else {
			err = l.store.LinkSuccessor(ctx, e.ID, counterpart.ID)
		}
		if err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

// Get returns an entry by ID.
func (l *Lifecycle) Get(ctx context.Context, id EntryID) (*Entry, error) {
	return l.store.GetEntry(ctx, id)
}

// ListActive returns the entries a client sees by default: status=active,
// internal bookkeeping excluded.
func (l *Lifecycle) ListActive(ctx context.Context, accountID AccountID) ([]Entry, error) {
	return l.store.ListActiveEntries(ctx, accountID)
}

// History returns the full version/reversal chain for a root entry.
func (l *Lifecycle) History(ctx context.Context, rootID EntryID) ([]Entry, error) {
	return l.store.History(ctx, rootID)
}
