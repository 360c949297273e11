package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/inventory"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/reconcile"
	"github.com/warp/ledger-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err, "opening an in-memory store should succeed")
	t.Cleanup(func() { s.Close() })
	return s
}

func testEntry(account ledger.AccountID, refKey string) ledger.Entry {
	now := time.Now().UTC()
	return ledger.Entry{
		ID:           ledger.NewEntryID(),
		AccountID:    account,
		Amount:       ledger.NewAmount(42.50),
		Kind:         ledger.KindExpense,
		Status:       ledger.StatusActive,
		Version:      1,
		Category:     "office",
		Description:  "printer paper",
		ReferenceKey: refKey,
		OccurredAt:   now,
		Metadata:     map[string]string{"source": "test"},
		CreatedAt:    now,
		AuditTrail: []ledger.AuditEvent{{
			Action:    "created",
			Actor:     string(account),
			Timestamp: now,
		}},
	}
}

// =============================================================================
// ENTRIES
// =============================================================================

func TestEntryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := testEntry("acct-1", "op-1")
	require.NoError(t, s.InsertEntry(ctx, entry))

	got, err := s.GetEntry(ctx, entry.ID)
	require.NoError(t, err)

	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, entry.AccountID, got.AccountID)
	assert.True(t, got.Amount.Equal(entry.Amount))
	assert.Equal(t, entry.Kind, got.Kind)
	assert.Equal(t, entry.Status, got.Status)
	assert.Equal(t, entry.ReferenceKey, got.ReferenceKey)
	assert.Equal(t, map[string]string{"source": "test"}, got.Metadata)
	require.Len(t, got.AuditTrail, 1)
	assert.Equal(t, "created", got.AuditTrail[0].Action)
	assert.True(t, got.OccurredAt.Equal(entry.OccurredAt), "timestamps must survive the round trip")
}

func TestGetMissingEntry(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetEntry(context.Background(), "nope")

	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestReferenceKeyIsUniquePerAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEntry(ctx, testEntry("acct-1", "op-1")))

	// Same key, same account: rejected.
	err := s.InsertEntry(ctx, testEntry("acct-1", "op-1"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateReferenceKey)

	// Same key, other account: fine.
	assert.NoError(t, s.InsertEntry(ctx, testEntry("acct-2", "op-1")))

	// No key at all: never collides.
	assert.NoError(t, s.InsertEntry(ctx, testEntry("acct-1", "")))
	assert.NoError(t, s.InsertEntry(ctx, testEntry("acct-1", "")))
}

func TestFindEntryByReferenceKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := testEntry("acct-1", "op-1")
	require.NoError(t, s.InsertEntry(ctx, entry))

	got, err := s.FindEntryByReferenceKey(ctx, "acct-1", "op-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.ID, got.ID)

	// Absent key is (nil, nil), not an error.
	got, err = s.FindEntryByReferenceKey(ctx, "acct-1", "other")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMarkVoidedIsConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := testEntry("acct-1", "")
	require.NoError(t, s.InsertEntry(ctx, entry))
	now := time.Now().UTC()
	voidAudit := ledger.AuditEvent{Action: "voided", Actor: "acct-1", Timestamp: now}

	// First flip wins.
	require.NoError(t, s.MarkVoided(ctx, entry.ID, now, voidAudit))

	// The lost race surfaces, it does not silently succeed.
	err := s.MarkVoided(ctx, entry.ID, now, voidAudit)
	assert.ErrorIs(t, err, ledger.ErrEntryNotActive)
	err = s.MarkSuperseded(ctx, entry.ID, now, voidAudit)
	assert.ErrorIs(t, err, ledger.ErrEntryNotActive)

	got, err := s.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusVoided, got.Status)
	require.NotNil(t, got.VoidedAt)
	assert.Equal(t, "voided", got.AuditTrail[len(got.AuditTrail)-1].Action)
}

func TestReactivateClearsTerminalState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := testEntry("acct-1", "")
	require.NoError(t, s.InsertEntry(ctx, entry))
	now := time.Now().UTC()
	require.NoError(t, s.MarkVoided(ctx, entry.ID, now,
		ledger.AuditEvent{Action: "voided", Actor: "acct-1", Timestamp: now}))

	require.NoError(t, s.Reactivate(ctx, entry.ID,
		ledger.AuditEvent{Action: "void_rolled_back", Actor: "acct-1", Timestamp: now}))

	got, err := s.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, got.Status)
	assert.Nil(t, got.VoidedAt)
	assert.Empty(t, got.ReversalEntryID)
}

func TestHistoryQueriesByRoot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// GIVEN: v1, v2 rooted at v1, and a reversal of v2 carrying the root in
	// its metadata
	v1 := testEntry("acct-1", "")
	require.NoError(t, s.InsertEntry(ctx, v1))

	v2 := testEntry("acct-1", "")
	v2.Version = 2
	v2.OriginalEntryID = v1.ID
	v2.CreatedAt = v1.CreatedAt.Add(time.Second)
	require.NoError(t, s.InsertEntry(ctx, v2))

	reversal := testEntry("acct-1", "")
	reversal.Kind = ledger.KindReversal
	reversal.Amount = v2.Amount.Neg()
	reversal.OriginalEntryID = v2.ID
	reversal.Metadata = map[string]string{"root": string(v1.ID)}
	reversal.CreatedAt = v1.CreatedAt.Add(2 * time.Second)
	require.NoError(t, s.InsertEntry(ctx, reversal))

	// Unrelated noise.
	require.NoError(t, s.InsertEntry(ctx, testEntry("acct-1", "")))

	// WHEN: the chain is fetched
	chain, err := s.History(ctx, v1.ID)
	require.NoError(t, err)

	// THEN: all three members come back oldest first
	require.Len(t, chain, 3)
	assert.Equal(t, v1.ID, chain[0].ID)
	assert.Equal(t, v2.ID, chain[1].ID)
	assert.Equal(t, reversal.ID, chain[2].ID)
}

func TestListActiveEntriesHidesInternalKinds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	visible := testEntry("acct-1", "")
	require.NoError(t, s.InsertEntry(ctx, visible))

	internal := testEntry("acct-1", "")
	internal.Kind = ledger.KindCreditDebit
	require.NoError(t, s.InsertEntry(ctx, internal))

	voided := testEntry("acct-1", "")
	require.NoError(t, s.InsertEntry(ctx, voided))
	now := time.Now().UTC()
	require.NoError(t, s.MarkVoided(ctx, voided.ID, now,
		ledger.AuditEvent{Action: "voided", Timestamp: now}))

	entries, err := s.ListActiveEntries(ctx, "acct-1")
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, visible.ID, entries[0].ID)
}

func TestCountActiveEntriesWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	inWindow := testEntry("acct-1", "")
	inWindow.OccurredAt = now
	require.NoError(t, s.InsertEntry(ctx, inWindow))

	before := testEntry("acct-1", "")
	before.OccurredAt = now.Add(-48 * time.Hour)
	require.NoError(t, s.InsertEntry(ctx, before))

	count, err := s.CountActiveEntries(ctx, "acct-1",
		[]ledger.EntryKind{ledger.KindIncome, ledger.KindExpense},
		now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 1, count)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := testEntry("acct-1", "")
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	// The insert never happened.
	_, err = s.GetEntry(ctx, entry.ID)
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestWithTxCommitsMultiRecordWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	target := testEntry("acct-1", "")
	require.NoError(t, s.InsertEntry(ctx, target))
	reversal := testEntry("acct-1", "")
	reversal.Kind = ledger.KindReversal
	reversal.OriginalEntryID = target.ID
	now := time.Now().UTC()

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.MarkVoided(ctx, target.ID, now,
			ledger.AuditEvent{Action: "voided", Timestamp: now}); err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, reversal); err != nil {
			return err
		}
		return tx.LinkReversal(ctx, target.ID, reversal.ID)
	})
	require.NoError(t, err)

	got, err := s.GetEntry(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusVoided, got.Status)
	assert.Equal(t, reversal.ID, got.ReversalEntryID)
}

// The lifecycle takes the transactional path on this store; the whole void
// runs or none of it does.
func TestLifecycleVoidOnSqliteIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lifecycle := ledger.NewLifecycle(s)

	entry, err := lifecycle.Create(ctx, ledger.CreateInput{
		AccountID: "acct-1",
		Amount:    ledger.NewAmount(10),
		Kind:      ledger.KindExpense,
		Actor:     "acct-1",
	})
	require.NoError(t, err)

	voided, reversal, err := lifecycle.Void(ctx, entry.ID, "acct-1")
	require.NoError(t, err)

	got, err := s.GetEntry(ctx, voided.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusVoided, got.Status)
	assert.Equal(t, reversal.ID, got.ReversalEntryID)

	gotReversal, err := s.GetEntry(ctx, reversal.ID)
	require.NoError(t, err)
	assert.True(t, gotReversal.Amount.Equal(ledger.NewAmount(-10)))
}

// =============================================================================
// BALANCES AND IDEMPOTENCY
// =============================================================================

func TestBalanceIsCreatedOnFirstRead(t *testing.T) {
	s := newTestStore(t)

	bal, err := s.GetBalance(context.Background(), "acct-1")
	require.NoError(t, err)

	assert.True(t, bal.Balance.IsZero())
	assert.Equal(t, int64(1), bal.Version)
}

func TestApplyBalanceDeltaEnforcesVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bal, err := s.GetBalance(ctx, "acct-1")
	require.NoError(t, err)

	record := testEntry("acct-1", "topup-1")
	record.Kind = ledger.KindCreditDebit
	record.Amount = ledger.NewAmountFromInt(10)

	// Correct version applies.
	applied, err := s.ApplyBalanceDelta(ctx, "acct-1", ledger.NewAmountFromInt(10), bal.Version, record)
	require.NoError(t, err)
	assert.True(t, applied.Balance.Equal(ledger.NewAmountFromInt(10)))
	assert.Equal(t, bal.Version+1, applied.Version)

	// Stale version conflicts.
	stale := testEntry("acct-1", "topup-2")
	stale.Kind = ledger.KindCreditDebit
	_, err = s.ApplyBalanceDelta(ctx, "acct-1", ledger.NewAmountFromInt(1), bal.Version, stale)
	assert.ErrorIs(t, err, ledger.ErrConflict)

	// The movement record landed with the balance update.
	movement, err := s.FindEntryByReferenceKey(ctx, "acct-1", "topup-1")
	require.NoError(t, err)
	require.NotNil(t, movement)
	assert.Equal(t, ledger.KindCreditDebit, movement.Kind)
}

func TestApplyBalanceDeltaRejectsOverdraft(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bal, err := s.GetBalance(ctx, "acct-1")
	require.NoError(t, err)

	record := testEntry("acct-1", "charge-1")
	record.Kind = ledger.KindCreditDebit
	_, err = s.ApplyBalanceDelta(ctx, "acct-1", ledger.NewAmountFromInt(-5), bal.Version, record)

	var insufficient *ledger.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Required.Equal(ledger.NewAmountFromInt(5)))

	// Nothing moved, nothing was recorded.
	after, err := s.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, after.Balance.IsZero())
	movement, err := s.FindEntryByReferenceKey(ctx, "acct-1", "charge-1")
	require.NoError(t, err)
	assert.Nil(t, movement)
}

func TestIdempotencyClaimFinalizeReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Fresh claim.
	rec, isNew, err := s.BeginIdempotent(ctx, "acct-1", "op-1", now)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, ledger.IdemInProgress, rec.Status)

	// Second claim sees the first.
	rec, isNew, err = s.BeginIdempotent(ctx, "acct-1", "op-1", now)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, ledger.IdemInProgress, rec.Status)

	// Finalize stores the snapshot.
	require.NoError(t, s.FinalizeIdempotent(ctx, "acct-1", "op-1",
		ledger.IdemCompleted, []byte(`{"ok":true}`), now))
	rec, isNew, err = s.BeginIdempotent(ctx, "acct-1", "op-1", now)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, ledger.IdemCompleted, rec.Status)
	assert.JSONEq(t, `{"ok":true}`, string(rec.ResultSnapshot))

	// Reclaim only touches stale in_progress records.
	_, _, err = s.BeginIdempotent(ctx, "acct-1", "op-stale", now.Add(-2*time.Minute))
	require.NoError(t, err)
	_, _, err = s.BeginIdempotent(ctx, "acct-1", "op-fresh", now)
	require.NoError(t, err)

	reclaimed, err := s.ReclaimStaleIdempotency(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	rec, _, err = s.BeginIdempotent(ctx, "acct-1", "op-stale", now)
	require.NoError(t, err)
	assert.Equal(t, ledger.IdemFailed, rec.Status)
	rec, _, err = s.BeginIdempotent(ctx, "acct-1", "op-fresh", now)
	require.NoError(t, err)
	assert.Equal(t, ledger.IdemInProgress, rec.Status)
}

func TestAccountUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	until := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Millisecond)
	require.NoError(t, s.SaveAccount(ctx, ledger.Account{
		ID:              "acct-1",
		Subscribed:      true,
		SubscriptionEnd: &until,
	}))

	got, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, got.Subscribed)
	require.NotNil(t, got.SubscriptionEnd)
	assert.True(t, got.SubscriptionEnd.Equal(until))

	// Saving again updates in place.
	require.NoError(t, s.SaveAccount(ctx, ledger.Account{ID: "acct-1", Admin: true}))
	got, err = s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, got.Admin)

	_, err = s.GetAccount(ctx, "acct-2")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

// =============================================================================
// RECONCILIATION ISSUES
// =============================================================================

func testIssue(id string, next time.Time) reconcile.Issue {
	now := time.Now().UTC()
	return reconcile.Issue{
		ID:               id,
		OperationID:      "op-" + id,
		OperationKind:    "inventory_sale",
		AccountID:        "acct-1",
		Actor:            "acct-1",
		OccurredAt:       now,
		Payload:          []byte(`{"itemId":"widget"}`),
		AspectsCompleted: []string{"stock"},
		AspectsPending:   []string{"revenue", "cogs"},
		Status:           reconcile.IssueOpen,
		LastError:        "ledger unavailable",
		NextAttemptAt:    next,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestIssueRoundTripAndDueFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := testIssue("due", now.Add(-time.Minute))
	due.CreatedAt = now.Add(-time.Hour)
	notYet := testIssue("later", now.Add(time.Hour))
	require.NoError(t, s.SaveIssue(ctx, due))
	require.NoError(t, s.SaveIssue(ctx, notYet))

	got, err := s.GetIssue(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, []string{"stock"}, got.AspectsCompleted)
	assert.Equal(t, []string{"revenue", "cogs"}, got.AspectsPending)
	assert.JSONEq(t, `{"itemId":"widget"}`, string(got.Payload))

	// Only the due one is picked up.
	dueList, err := s.ListDueIssues(ctx, now)
	require.NoError(t, err)
	require.Len(t, dueList, 1)
	assert.Equal(t, "due", dueList[0].ID)

	// Healed issues stop being due.
	got.Status = reconcile.IssueHealed
	got.AspectsPending = nil
	require.NoError(t, s.UpdateIssue(ctx, *got))
	dueList, err = s.ListDueIssues(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, dueList)

	healed, err := s.ListIssuesByStatus(ctx, reconcile.IssueHealed)
	require.NoError(t, err)
	require.Len(t, healed, 1)
	assert.Equal(t, "due", healed[0].ID)
}

func TestUpdateMissingIssue(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateIssue(context.Background(), testIssue("ghost", time.Now().UTC()))

	assert.ErrorIs(t, err, reconcile.ErrIssueNotFound)
}

// =============================================================================
// INVENTORY
// =============================================================================

func testItem(id string) inventory.Item {
	now := time.Now().UTC()
	return inventory.Item{
		ID:        id,
		AccountID: "acct-1",
		Name:      "Widget",
		Quantity:  10,
		UnitPrice: ledger.NewAmount(5),
		UnitCost:  ledger.NewAmount(3),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func movement(itemID, refKey string, delta int) inventory.Movement {
	return inventory.Movement{
		ID:           string(ledger.NewEntryID()),
		ItemID:       itemID,
		AccountID:    "acct-1",
		Delta:        delta,
		Reason:       "sale",
		ReferenceKey: refKey,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestAdjustStockDecrementsAndDedupes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveItem(ctx, testItem("widget")))

	// First application moves stock.
	require.NoError(t, s.AdjustStock(ctx, "widget", movement("widget", "sale-1:stock", -2)))
	item, err := s.GetItem(ctx, "widget")
	require.NoError(t, err)
	assert.Equal(t, 8, item.Quantity)

	// Replaying the same reference key is a no-op success.
	require.NoError(t, s.AdjustStock(ctx, "widget", movement("widget", "sale-1:stock", -2)))
	item, err = s.GetItem(ctx, "widget")
	require.NoError(t, err)
	assert.Equal(t, 8, item.Quantity)

	movements, err := s.ListMovements(ctx, "widget")
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestAdjustStockGuardsAgainstOversell(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveItem(ctx, testItem("widget")))

	err := s.AdjustStock(ctx, "widget", movement("widget", "sale-1:stock", -11))
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)

	// The failed movement left no trace; the key is reusable.
	item, err := s.GetItem(ctx, "widget")
	require.NoError(t, err)
	assert.Equal(t, 10, item.Quantity)
	require.NoError(t, s.AdjustStock(ctx, "widget", movement("widget", "sale-1:stock", -10)))

	err = s.AdjustStock(ctx, "ghost", movement("ghost", "sale-2:stock", -1))
	assert.ErrorIs(t, err, inventory.ErrItemNotFound)
}

// =============================================================================
// AUDIT EVENTS
// =============================================================================

func TestAuditEventRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := audit.NewEvent(audit.TypeEntryVoided,
		audit.WithAccount("acct-1"),
		audit.WithActor("acct-1"),
		audit.WithData(map[string]any{"entryId": "e-1"}),
		audit.WithMetadata(map[string]string{"requestId": "r-1"}),
	)
	require.NoError(t, s.SaveEvent(ctx, event))
	require.NoError(t, s.SaveEvent(ctx, audit.NewEvent(audit.TypeEntryCreated)))

	events, err := s.ListEventsByType(ctx, audit.TypeEntryVoided)
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
	assert.Equal(t, ledger.AccountID("acct-1"), events[0].AccountID)
	assert.Equal(t, "r-1", events[0].Metadata["requestId"])
}
