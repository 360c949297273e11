/*
handlers.go - HTTP API handlers for the ledger engine

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Ledger:
    POST   /ledger/income                Record income (charged past quota)
    POST   /ledger/expenses              Record expense (charged past quota)
    POST   /ledger/entries/{id}/void     Void entry, create reversal
    PUT    /ledger/entries/{id}          Supersede with a corrected version
    GET    /ledger/entries               Active entries for the account
    GET    /ledger/entries/{rootId}/history  Full version/reversal chain
    GET    /ledger/balance               Credit balance
    GET    /ledger/quota                 Monthly quota status
    POST   /ledger/credits               Credit top-up (admin)

  Reconciliation:
    POST   /reconciliation/sales         Multi-aspect inventory sale
    GET    /reconciliation/issues        Issues by status (default: open)
    POST   /reconciliation/issues/{id}/resolve  Manual resolution (admin)

  Inventory:
    POST   /inventory/items              Create/update item
    GET    /inventory/items              List items

ERROR HANDLING:
  Charge endpoints return the machine-readable errorType contract
  (insufficient_credits, charge_failed, validation, conflict). Everything
  else uses the generic error envelope:
  - 400: Validation errors, invalid input
  - 402: Insufficient credits
  - 404: Resource not found
  - 409: Conflict (idempotency in progress, lost race, stale state)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/events"
	"github.com/warp/ledger-engine/inventory"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/reconcile"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     ledger.Store
	Lifecycle *ledger.Lifecycle
	Balances  *ledger.BalanceLedger
	Quota     *ledger.QuotaTracker
	Charges   *ledger.ChargeCoordinator
	Sales     *inventory.Sales
	Inventory inventory.Store
	Issues    reconcile.IssueStore
	Reconcile *reconcile.Coordinator

	// Optional: nil-safe via events.Nop / a nil audit worker.
	Events events.Publisher
	Audit  *audit.Worker
}

func (h *Handler) publish(topic string, event any) {
	if h.Events == nil {
		return
	}
	h.Events.Publish(topic, event)
}

func (h *Handler) record(e audit.Event) {
	if h.Audit == nil {
		return
	}
	h.Audit.Record(e)
}

// =============================================================================
// CHARGE ENDPOINTS
// =============================================================================

// CreateIncome records an income entry.
// POST /ledger/income
func (h *Handler) CreateIncome(w http.ResponseWriter, r *http.Request) {
	h.createEntry(w, r, ledger.KindIncome)
}

// CreateExpense records an expense entry.
// POST /ledger/expenses
func (h *Handler) CreateExpense(w http.ResponseWriter, r *http.Request) {
	h.createEntry(w, r, ledger.KindExpense)
}

func (h *Handler) createEntry(w http.ResponseWriter, r *http.Request, kind ledger.EntryKind) {
	principal := principalFrom(r.Context())

	var req CreateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeChargeError(w, &ledger.ValidationError{Fields: map[string]string{"body": "invalid JSON"}})
		return
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != nil {
		occurredAt = req.OccurredAt.UTC()
	}

	result, err := h.Charges.Charge(r.Context(), ledger.ChargeRequest{
		AccountID:    principal.AccountID,
		Kind:         kind,
		Amount:       req.Amount,
		Category:     req.Category,
		Description:  req.Description,
		OccurredAt:   occurredAt,
		ReferenceKey: req.ReferenceKey,
		Metadata:     req.Metadata,
		Actor:        string(principal.AccountID),
	})
	if err != nil {
		// Client rejections are part of the contract; only engine faults
		// are worth a server-side log line.
		if !ledger.IsClientError(err) {
			log.Printf("[api] charge %s failed for %s: %v", req.ReferenceKey, principal.AccountID, err)
		}
		writeChargeError(w, err)
		return
	}

	if !result.Replayed {
		h.record(audit.NewEvent(audit.TypeEntryCreated,
			audit.WithAccount(principal.AccountID),
			audit.WithData(result.Entry),
		))
		h.publish(events.TopicChargeCompleted, events.ChargeCompleted{
			EntryID:    result.Entry.ID,
			AccountID:  principal.AccountID,
			Kind:       kind,
			Amount:     result.Entry.Amount,
			Charged:    result.Charged,
			NewBalance: result.NewBalance,
			OccurredAt: occurredAt,
		})
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// =============================================================================
// LIFECYCLE ENDPOINTS
// =============================================================================

// VoidEntry voids an entry and creates its reversal.
// POST /ledger/entries/{id}/void
func (h *Handler) VoidEntry(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	id := ledger.EntryID(chi.URLParam(r, "id"))

	entry, err := h.Lifecycle.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entry.AccountID != principal.AccountID && !principal.Admin {
		writeError(w, http.StatusNotFound, "Entry not found", nil)
		return
	}

	voided, reversal, err := h.Lifecycle.Void(r.Context(), id, string(principal.AccountID))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.record(audit.NewEvent(audit.TypeEntryVoided,
		audit.WithAccount(principal.AccountID),
		audit.WithData(VoidResponse{Voided: *voided, Reversal: *reversal}),
	))
	writeJSON(w, http.StatusOK, VoidResponse{Voided: *voided, Reversal: *reversal})
}

// SupersedeEntry replaces an entry with a corrected version.
// PUT /ledger/entries/{id}
func (h *Handler) SupersedeEntry(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	id := ledger.EntryID(chi.URLParam(r, "id"))

	var req SupersedeEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Lifecycle.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entry.AccountID != principal.AccountID && !principal.Admin {
		writeError(w, http.StatusNotFound, "Entry not found", nil)
		return
	}

	next, err := h.Lifecycle.Supersede(r.Context(), id, ledger.SupersedeInput{
		Amount:      req.Amount,
		Category:    req.Category,
		Description: req.Description,
		OccurredAt:  req.OccurredAt,
		Actor:       string(principal.AccountID),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.record(audit.NewEvent(audit.TypeEntrySuperseded,
		audit.WithAccount(principal.AccountID),
		audit.WithData(next),
	))
	writeJSON(w, http.StatusOK, next)
}

// ListEntries returns active entries for the caller's account.
// GET /ledger/entries?accountId=...
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.resolveAccount(w, r)
	if !ok {
		return
	}

	entries, err := h.Lifecycle.ListActive(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list entries", err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// EntryHistory returns the full version/reversal chain for a root entry.
// GET /ledger/entries/{rootId}/history
func (h *Handler) EntryHistory(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	rootID := ledger.EntryID(chi.URLParam(r, "rootId"))

	chain, err := h.Lifecycle.History(r.Context(), rootID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if len(chain) == 0 {
		writeError(w, http.StatusNotFound, "Entry not found", nil)
		return
	}
	if chain[0].AccountID != principal.AccountID && !principal.Admin {
		writeError(w, http.StatusNotFound, "Entry not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// =============================================================================
// BALANCE & QUOTA ENDPOINTS
// =============================================================================

// GetBalance returns the caller's credit balance.
// GET /ledger/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.resolveAccount(w, r)
	if !ok {
		return
	}

	bal, err := h.Balances.Balance(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: bal.AccountID,
		Balance:   bal.Balance,
		Version:   bal.Version,
		UpdatedAt: bal.UpdatedAt,
	})
}

// GetQuota returns the caller's monthly quota status.
// GET /ledger/quota
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.resolveAccount(w, r)
	if !ok {
		return
	}

	account, err := h.Store.GetAccount(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status, err := h.Quota.Status(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute quota", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// TopUpCredits grants credits to an account. Admin only.
// POST /ledger/credits
func (h *Handler) TopUpCredits(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if !principal.Admin {
		writeError(w, http.StatusForbidden, "Admin privileges required", nil)
		return
	}

	var req TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	target := req.AccountID
	if target == "" {
		target = principal.AccountID
	}
	reason := req.Reason
	if reason == "" {
		reason = "credit top-up"
	}

	bal, err := h.Balances.Credit(r.Context(), target, req.Amount, req.ReferenceKey, reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.record(audit.NewEvent(audit.TypeCreditToppedUp,
		audit.WithAccount(target),
		audit.WithActor(string(principal.AccountID)),
		audit.WithData(bal),
	))
	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: bal.AccountID,
		Balance:   bal.Balance,
		Version:   bal.Version,
		UpdatedAt: bal.UpdatedAt,
	})
}

// =============================================================================
// RECONCILIATION ENDPOINTS
// =============================================================================

// Sell runs the multi-aspect inventory sale.
// POST /reconciliation/sales
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ReferenceKey == "" {
		writeError(w, http.StatusBadRequest, "referenceKey is required", nil)
		return
	}

	result, err := h.Sales.Sell(r.Context(), principal.AccountID, req.ItemID, req.Quantity, req.ReferenceKey, string(principal.AccountID))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// Degraded is still success: the stock moved and the remainder heals
	// asynchronously.
	status := http.StatusCreated
	if result.Degraded {
		status = http.StatusAccepted
		h.record(audit.NewEvent(audit.TypeIssueOpened,
			audit.WithAccount(principal.AccountID),
			audit.WithData(result.Result),
		))
	}
	writeJSON(w, status, result)
}

// ListIssues returns reconciliation issues by status.
// GET /reconciliation/issues?status=open
func (h *Handler) ListIssues(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if !principal.Admin {
		writeError(w, http.StatusForbidden, "Admin privileges required", nil)
		return
	}

	status := reconcile.IssueStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = reconcile.IssueOpen
	}

	issues, err := h.Issues.ListIssuesByStatus(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list issues", err)
		return
	}
	if issues == nil {
		issues = []reconcile.Issue{}
	}
	writeJSON(w, http.StatusOK, issues)
}

// ResolveIssue closes an issue after manual operator intervention.
// POST /reconciliation/issues/{id}/resolve
func (h *Handler) ResolveIssue(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if !principal.Admin {
		writeError(w, http.StatusForbidden, "Admin privileges required", nil)
		return
	}

	issue, err := h.Reconcile.Resolve(r.Context(), chi.URLParam(r, "id"), string(principal.AccountID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

// =============================================================================
// INVENTORY ENDPOINTS
// =============================================================================

// CreateItem creates or updates an inventory item.
// POST /inventory/items
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	var req CreateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if req.Quantity < 0 {
		writeError(w, http.StatusBadRequest, "quantity cannot be negative", nil)
		return
	}

	now := time.Now().UTC()
	item := inventory.Item{
		ID:        req.ID,
		AccountID: principal.AccountID,
		Name:      req.Name,
		Quantity:  req.Quantity,
		UnitPrice: req.UnitPrice,
		UnitCost:  req.UnitCost,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	if err := h.Inventory.SaveItem(r.Context(), item); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save item", err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// ListItems lists the caller's inventory items.
// GET /inventory/items
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.resolveAccount(w, r)
	if !ok {
		return
	}

	items, err := h.Inventory.ListItems(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list items", err)
		return
	}
	if items == nil {
		items = []inventory.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

// =============================================================================
// HELPERS
// =============================================================================

// resolveAccount returns the account a read applies to: the caller's own,
// or any account for admins via ?accountId=.
func (h *Handler) resolveAccount(w http.ResponseWriter, r *http.Request) (ledger.AccountID, bool) {
	principal := principalFrom(r.Context())
	requested := ledger.AccountID(r.URL.Query().Get("accountId"))
	if requested == "" || requested == principal.AccountID {
		return principal.AccountID, true
	}
	if !principal.Admin {
		writeError(w, http.StatusForbidden, "Cannot read another account", nil)
		return "", false
	}
	return requested, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeChargeError maps the charge error taxonomy onto the errorType
// contract.
func writeChargeError(w http.ResponseWriter, err error) {
	var (
		validation   *ledger.ValidationError
		insufficient *ledger.InsufficientCreditsError
		conflict     *ledger.ConflictError
		failed       *ledger.ChargeFailedError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, ChargeErrorResponse{
			ErrorType: "validation",
			Message:   validation.Error(),
			Fields:    validation.Fields,
		})
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, ChargeErrorResponse{
			ErrorType: "insufficient_credits",
			Message:   insufficient.Error(),
			Required:  &insufficient.Required,
			Balance:   &insufficient.Balance,
		})
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeJSON(w, http.StatusPaymentRequired, ChargeErrorResponse{
			ErrorType: "insufficient_credits",
			Message:   err.Error(),
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ChargeErrorResponse{
			ErrorType: "conflict",
			Message:   conflict.Error(),
		})
	case errors.Is(err, ledger.ErrOperationInProgress):
		writeJSON(w, http.StatusConflict, ChargeErrorResponse{
			ErrorType: "in_progress",
			Message:   "an operation with this reference key is still in progress",
		})
	case errors.Is(err, ledger.ErrDuplicateReferenceKey):
		writeJSON(w, http.StatusConflict, ChargeErrorResponse{
			ErrorType: "duplicate_reference_key",
			Message:   err.Error(),
		})
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, ChargeErrorResponse{
			ErrorType: "not_found",
			Message:   err.Error(),
		})
	case errors.As(err, &failed):
		writeJSON(w, http.StatusInternalServerError, ChargeErrorResponse{
			ErrorType: "charge_failed",
			Message:   failed.Error(),
		})
	default:
		writeJSON(w, http.StatusInternalServerError, ChargeErrorResponse{
			ErrorType: "internal",
			Message:   err.Error(),
		})
	}
}

// writeDomainError maps non-charge domain errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var validation *ledger.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error(), nil)
	case ledger.IsNotFound(err),
		errors.Is(err, reconcile.ErrIssueNotFound),
		errors.Is(err, inventory.ErrItemNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrEntryNotActive):
		writeError(w, http.StatusConflict, "Entry is not active", err)
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "Insufficient credits", err)
	case errors.Is(err, ledger.ErrConflict),
		errors.Is(err, ledger.ErrOperationInProgress),
		errors.Is(err, ledger.ErrDuplicateReferenceKey),
		errors.Is(err, inventory.ErrInsufficientStock):
		writeError(w, http.StatusConflict, "Conflict", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
