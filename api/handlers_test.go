package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/events"
	"github.com/warp/ledger-engine/inventory"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
	"github.com/warp/ledger-engine/reconcile"
)

const (
	userToken  = "user-token"
	adminToken = "admin-token"
)

type apiFixture struct {
	router      http.Handler
	ledgerStore *store.Memory
	items       *inventory.Memory
	issues      *reconcile.MemoryIssueStore
	quota       *ledger.QuotaTracker
	balances    *ledger.BalanceLedger
}

// newAPIFixture wires the full stack behind an httptest-able router: memory
// stores, real domain components, static tokens.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := &apiFixture{
		ledgerStore: store.NewMemory(),
		items:       inventory.NewMemory(),
		issues:      reconcile.NewMemoryIssueStore(),
	}
	lifecycle := ledger.NewLifecycle(f.ledgerStore)
	f.balances = ledger.NewBalanceLedger(f.ledgerStore)
	guard := ledger.NewGuard(f.ledgerStore)
	f.quota = ledger.NewQuotaTracker(f.ledgerStore)
	charges := ledger.NewChargeCoordinator(f.ledgerStore, lifecycle, f.balances, guard, f.quota)
	coordinator := reconcile.NewCoordinator(f.issues)
	sales := inventory.NewSales(f.items, charges, coordinator)

	handler := &api.Handler{
		Store:     f.ledgerStore,
		Lifecycle: lifecycle,
		Balances:  f.balances,
		Quota:     f.quota,
		Charges:   charges,
		Sales:     sales,
		Inventory: f.items,
		Issues:    f.issues,
		Reconcile: coordinator,
		Events:    events.Nop{},
	}
	f.router = api.NewRouter(handler, api.StaticTokenVerifier{
		userToken:  {AccountID: "acct-1"},
		adminToken: {AccountID: "admin", Admin: true},
	})

	ctx := context.Background()
	require.NoError(t, f.ledgerStore.SaveAccount(ctx, ledger.Account{ID: "acct-1"}))
	require.NoError(t, f.ledgerStore.SaveAccount(ctx, ledger.Account{ID: "admin", Admin: true}))
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out),
		"body: %s", rec.Body.String())
	return out
}

// =============================================================================
// AUTH
// =============================================================================

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/ledger/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/ledger/balance", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// =============================================================================
// CHARGE ENDPOINTS
// =============================================================================

func TestCreateExpenseReturnsCreated(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/ledger/expenses", userToken, map[string]any{
		"amount":       "42.50",
		"category":     "office",
		"description":  "printer paper",
		"referenceKey": "op-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	result := decode[ledger.ChargeResult](t, rec)
	assert.Equal(t, ledger.KindExpense, result.Entry.Kind)
	assert.Equal(t, ledger.StatusActive, result.Entry.Status)
	assert.True(t, result.Entry.Amount.Equal(ledger.NewAmount(42.50)))
	assert.False(t, result.Charged)
	assert.Equal(t, 1, result.Quota.Count)

	// A retry of the same request replays with 200, not 201.
	rec = f.do(t, http.MethodPost, "/ledger/expenses", userToken, map[string]any{
		"amount":       "42.50",
		"category":     "office",
		"description":  "printer paper",
		"referenceKey": "op-1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	replay := decode[ledger.ChargeResult](t, rec)
	assert.Equal(t, result.Entry.ID, replay.Entry.ID)
}

func TestCreateEntryOverQuotaWithoutCreditsIs402(t *testing.T) {
	f := newAPIFixture(t)
	f.quota.MonthlyLimit = 0

	rec := f.do(t, http.MethodPost, "/ledger/income", userToken, map[string]any{
		"amount":       "10",
		"referenceKey": "op-1",
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())

	resp := decode[api.ChargeErrorResponse](t, rec)
	assert.Equal(t, "insufficient_credits", resp.ErrorType)
	require.NotNil(t, resp.Required)
	assert.True(t, resp.Required.Equal(ledger.NewAmountFromInt(1)))
	require.NotNil(t, resp.Balance)
	assert.True(t, resp.Balance.IsZero())
}

func TestCreateEntryValidationIs400(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/ledger/expenses", userToken, map[string]any{
		"amount":       "-5",
		"referenceKey": "op-1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decode[api.ChargeErrorResponse](t, rec)
	assert.Equal(t, "validation", resp.ErrorType)
	assert.Contains(t, resp.Fields, "amount")
}

func TestCreateEntryMissingReferenceKeyIs400(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/ledger/expenses", userToken, map[string]any{
		"amount": "5",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decode[api.ChargeErrorResponse](t, rec)
	assert.Equal(t, "validation", resp.ErrorType)
	assert.Contains(t, resp.Fields, "referenceKey")
}

// =============================================================================
// LIFECYCLE ENDPOINTS
// =============================================================================

func createTestEntry(t *testing.T, f *apiFixture, refKey string) ledger.Entry {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/ledger/expenses", userToken, map[string]any{
		"amount":       "100",
		"category":     "office",
		"description":  "chair",
		"referenceKey": refKey,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[ledger.ChargeResult](t, rec).Entry
}

func TestVoidEntryEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	entry := createTestEntry(t, f, "op-1")

	rec := f.do(t, http.MethodPost, "/ledger/entries/"+string(entry.ID)+"/void", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[api.VoidResponse](t, rec)
	assert.Equal(t, ledger.StatusVoided, resp.Voided.Status)
	assert.True(t, resp.Reversal.Amount.Equal(ledger.NewAmount(-100)))

	// Voiding again conflicts.
	rec = f.do(t, http.MethodPost, "/ledger/entries/"+string(entry.ID)+"/void", userToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown entry is a 404.
	rec = f.do(t, http.MethodPost, "/ledger/entries/nope/void", userToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminCanVoidAnyEntry(t *testing.T) {
	f := newAPIFixture(t)
	entry := createTestEntry(t, f, "op-1")

	rec := f.do(t, http.MethodPost, "/ledger/entries/"+string(entry.ID)+"/void", adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSupersedeEntryEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	entry := createTestEntry(t, f, "op-1")

	rec := f.do(t, http.MethodPut, "/ledger/entries/"+string(entry.ID), userToken, map[string]any{
		"amount":      "120",
		"description": "chair (corrected)",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	next := decode[ledger.Entry](t, rec)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, entry.ID, next.OriginalEntryID)
	assert.True(t, next.Amount.Equal(ledger.NewAmount(120)))

	// An empty update is a validation error.
	rec = f.do(t, http.MethodPut, "/ledger/entries/"+string(next.ID), userToken, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEntriesAndHistory(t *testing.T) {
	f := newAPIFixture(t)
	entry := createTestEntry(t, f, "op-1")
	createTestEntry(t, f, "op-2")

	rec := f.do(t, http.MethodGet, "/ledger/entries", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]ledger.Entry](t, rec)
	assert.Len(t, entries, 2)

	// Another account's reads are scoped away.
	rec = f.do(t, http.MethodGet, "/ledger/entries?accountId=acct-1", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ledger.Entry](t, rec), 2)

	rec = f.do(t, http.MethodGet, "/ledger/entries?accountId=admin", userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// History of a voided chain shows all members.
	f.do(t, http.MethodPost, "/ledger/entries/"+string(entry.ID)+"/void", userToken, nil)
	rec = f.do(t, http.MethodGet, "/ledger/entries/"+string(entry.ID)+"/history", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	chain := decode[[]ledger.Entry](t, rec)
	assert.Len(t, chain, 2)

	rec = f.do(t, http.MethodGet, "/ledger/entries/nope/history", userToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// BALANCE & CREDITS
// =============================================================================

func TestTopUpRequiresAdmin(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/ledger/credits", userToken, map[string]any{
		"accountId":    "acct-1",
		"amount":       "10",
		"referenceKey": "topup-1",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTopUpAndReadBalance(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/ledger/credits", adminToken, map[string]any{
		"accountId":    "acct-1",
		"amount":       "10",
		"referenceKey": "topup-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	granted := decode[api.BalanceDTO](t, rec)
	assert.Equal(t, ledger.AccountID("acct-1"), granted.AccountID)
	assert.True(t, granted.Balance.Equal(ledger.NewAmountFromInt(10)))

	rec = f.do(t, http.MethodGet, "/ledger/balance", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[api.BalanceDTO](t, rec)
	assert.True(t, bal.Balance.Equal(ledger.NewAmountFromInt(10)))
	assert.Equal(t, int64(2), bal.Version)
}

func TestQuotaEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	createTestEntry(t, f, "op-1")

	rec := f.do(t, http.MethodGet, "/ledger/quota", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	status := decode[ledger.QuotaStatus](t, rec)
	assert.Equal(t, 1, status.Count)
	assert.Equal(t, ledger.DefaultMonthlyFreeEntries, status.Limit)
}

// =============================================================================
// SALES & ISSUES
// =============================================================================

func createTestItem(t *testing.T, f *apiFixture) inventory.Item {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/inventory/items", userToken, map[string]any{
		"name":      "Widget",
		"quantity":  10,
		"unitPrice": "5",
		"unitCost":  "3",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[inventory.Item](t, rec)
}

func TestSellEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	item := createTestItem(t, f)

	rec := f.do(t, http.MethodPost, "/reconciliation/sales", userToken, map[string]any{
		"itemId":       item.ID,
		"quantity":     2,
		"referenceKey": "sale-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result inventory.SaleResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.False(t, result.Degraded)
	assert.Equal(t, 2, result.Item.Quantity)

	// Stock went down.
	rec = f.do(t, http.MethodGet, "/inventory/items", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode[[]inventory.Item](t, rec)
	require.Len(t, items, 1)
	assert.Equal(t, 8, items[0].Quantity)
}

func TestSellRequiresReferenceKey(t *testing.T) {
	f := newAPIFixture(t)
	item := createTestItem(t, f)

	rec := f.do(t, http.MethodPost, "/reconciliation/sales", userToken, map[string]any{
		"itemId":   item.ID,
		"quantity": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOversellConflicts(t *testing.T) {
	f := newAPIFixture(t)
	item := createTestItem(t, f)

	rec := f.do(t, http.MethodPost, "/reconciliation/sales", userToken, map[string]any{
		"itemId":       item.ID,
		"quantity":     999,
		"referenceKey": "sale-1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestIssuesEndpointsRequireAdmin(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/reconciliation/issues", userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/reconciliation/issues", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]reconcile.Issue](t, rec))

	rec = f.do(t, http.MethodPost, "/reconciliation/issues/nope/resolve", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateItemValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/inventory/items", userToken, map[string]any{
		"quantity": 5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/inventory/items", userToken, map[string]any{
		"name":     "Widget",
		"quantity": -1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
