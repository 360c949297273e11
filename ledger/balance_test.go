package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
)

func newTestBalances(t *testing.T) (*ledger.BalanceLedger, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	return ledger.NewBalanceLedger(s), s
}

func TestBalanceStartsAtZero(t *testing.T) {
	balances, _ := newTestBalances(t)

	bal, err := balances.Balance(context.Background(), "acct-1")
	require.NoError(t, err)

	assert.True(t, bal.Balance.IsZero())
	assert.Equal(t, int64(1), bal.Version)
}

func TestCreditThenDebit(t *testing.T) {
	balances, _ := newTestBalances(t)
	ctx := context.Background()

	// GIVEN: 10 credits
	bal, err := balances.Credit(ctx, "acct-1", ledger.NewAmountFromInt(10), "topup-1", "initial grant")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(ledger.NewAmountFromInt(10)))

	// WHEN: 3 are debited
	bal, err = balances.Debit(ctx, "acct-1", ledger.NewAmountFromInt(3), "charge-1", "charge")
	require.NoError(t, err)

	// THEN: 7 remain, and the version moved twice
	assert.True(t, bal.Balance.Equal(ledger.NewAmountFromInt(7)))
	assert.Equal(t, int64(3), bal.Version)
}

func TestDebitBelowZeroIsRejected(t *testing.T) {
	balances, _ := newTestBalances(t)
	ctx := context.Background()

	// GIVEN: 5 credits
	_, err := balances.Credit(ctx, "acct-1", ledger.NewAmountFromInt(5), "topup-1", "grant")
	require.NoError(t, err)

	// WHEN: 6 are debited
	_, err = balances.Debit(ctx, "acct-1", ledger.NewAmountFromInt(6), "charge-1", "too big")

	// THEN: the structured rejection carries the shortfall, and the balance
	// is untouched
	var insufficient *ledger.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Required.Equal(ledger.NewAmountFromInt(6)))
	assert.True(t, insufficient.Balance.Equal(ledger.NewAmountFromInt(5)))
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	bal, err := balances.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(ledger.NewAmountFromInt(5)))
}

func TestMovementsRecordCreditDebitEntries(t *testing.T) {
	balances, mem := newTestBalances(t)
	ctx := context.Background()

	// GIVEN: a credit and a debit
	_, err := balances.Credit(ctx, "acct-1", ledger.NewAmountFromInt(10), "topup-1", "grant")
	require.NoError(t, err)
	_, err = balances.Debit(ctx, "acct-1", ledger.NewAmountFromInt(4), "charge-1", "charge")
	require.NoError(t, err)

	// THEN: the balance equals the sum of credit_debit entries
	sum, err := mem.SumEntries(ctx, "acct-1", ledger.KindCreditDebit)
	require.NoError(t, err)
	bal, err := balances.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, sum.Equal(bal.Balance),
		"balance must equal the sum of recorded movements")

	// AND: the movement entry keeps before/after snapshots
	entry, err := mem.FindEntryByReferenceKey(ctx, "acct-1", "charge-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, ledger.KindCreditDebit, entry.Kind)
	assert.Equal(t, "10", entry.Metadata["balance_before"])
	assert.Equal(t, "6", entry.Metadata["balance_after"])
}

func TestDebitReplaysByReferenceKey(t *testing.T) {
	balances, _ := newTestBalances(t)
	ctx := context.Background()

	// GIVEN: a completed debit
	_, err := balances.Credit(ctx, "acct-1", ledger.NewAmountFromInt(10), "topup-1", "grant")
	require.NoError(t, err)
	first, err := balances.Debit(ctx, "acct-1", ledger.NewAmountFromInt(4), "charge-1", "charge")
	require.NoError(t, err)

	// WHEN: the same movement retries
	replay, err := balances.Debit(ctx, "acct-1", ledger.NewAmountFromInt(4), "charge-1", "charge")
	require.NoError(t, err)

	// THEN: the recorded outcome comes back and nothing is re-applied
	assert.True(t, replay.Balance.Equal(first.Balance))
	bal, err := balances.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(ledger.NewAmountFromInt(6)))
	assert.Equal(t, int64(3), bal.Version, "replay must not bump the version")
}

func TestReusedKeyWithDifferentAmountIsRejected(t *testing.T) {
	balances, _ := newTestBalances(t)
	ctx := context.Background()

	_, err := balances.Credit(ctx, "acct-1", ledger.NewAmountFromInt(10), "topup-1", "grant")
	require.NoError(t, err)
	_, err = balances.Debit(ctx, "acct-1", ledger.NewAmountFromInt(4), "charge-1", "charge")
	require.NoError(t, err)

	// WHEN: the key is reused for a different movement
	_, err = balances.Debit(ctx, "acct-1", ledger.NewAmountFromInt(5), "charge-1", "charge")

	// THEN: it is a conflict, not a silent replay
	assert.ErrorIs(t, err, ledger.ErrDuplicateReferenceKey)
}

func TestMissingReferenceKeyIsRejected(t *testing.T) {
	balances, _ := newTestBalances(t)

	_, err := balances.Credit(context.Background(), "acct-1", ledger.NewAmountFromInt(1), "", "grant")

	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "referenceKey")
}

func TestConcurrentDebitsSerializeWithoutLostUpdates(t *testing.T) {
	balances, _ := newTestBalances(t)
	ctx := context.Background()

	// GIVEN: 20 credits and generous retry budget for the contention below
	balances.MaxAttempts = 50
	_, err := balances.Credit(ctx, "acct-1", ledger.NewAmountFromInt(20), "topup-1", "grant")
	require.NoError(t, err)

	// WHEN: 8 writers debit 1 each, concurrently
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = balances.Debit(ctx, "acct-1", ledger.NewAmountFromInt(1),
				fmt.Sprintf("charge-%d", i), "concurrent charge")
		}(i)
	}
	wg.Wait()

	// THEN: every writer succeeded and every debit landed exactly once
	for i, err := range errs {
		assert.NoError(t, err, "writer %d", i)
	}
	bal, err := balances.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(ledger.NewAmountFromInt(12)),
		"expected 20 - 8 = 12, got %s", bal.Balance)
}
