/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and domain code, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateEntryRequest is the body of POST /ledger/income and
// POST /ledger/expenses.
type CreateEntryRequest struct {
	Amount       ledger.Amount     `json:"amount"`
	Category     string            `json:"category"`
	Description  string            `json:"description"`
	OccurredAt   *time.Time        `json:"occurredAt,omitempty"`
	ReferenceKey string            `json:"referenceKey"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SupersedeEntryRequest is the body of PUT /ledger/entries/{id}.
// Nil fields keep the prior version's value.
type SupersedeEntryRequest struct {
	Amount      *ledger.Amount `json:"amount,omitempty"`
	Category    string         `json:"category,omitempty"`
	Description string         `json:"description,omitempty"`
	OccurredAt  *time.Time     `json:"occurredAt,omitempty"`
}

// TopUpRequest is the body of POST /ledger/credits. AccountID is honored
// only for admin callers.
type TopUpRequest struct {
	AccountID    ledger.AccountID `json:"accountId,omitempty"`
	Amount       ledger.Amount    `json:"amount"`
	ReferenceKey string           `json:"referenceKey"`
	Reason       string           `json:"reason,omitempty"`
}

// SellRequest is the body of POST /reconciliation/sales.
type SellRequest struct {
	ItemID       string `json:"itemId"`
	Quantity     int    `json:"quantity"`
	ReferenceKey string `json:"referenceKey"`
}

// CreateItemRequest is the body of POST /inventory/items.
type CreateItemRequest struct {
	ID        string        `json:"id,omitempty"`
	Name      string        `json:"name"`
	Quantity  int           `json:"quantity"`
	UnitPrice ledger.Amount `json:"unitPrice"`
	UnitCost  ledger.Amount `json:"unitCost"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// VoidResponse returns both halves of a void: the voided entry and the
// reversal that cancels it.
type VoidResponse struct {
	Voided   ledger.Entry `json:"voided"`
	Reversal ledger.Entry `json:"reversal"`
}

// BalanceDTO is the credit balance view.
type BalanceDTO struct {
	AccountID ledger.AccountID `json:"accountId"`
	Balance   ledger.Amount    `json:"balance"`
	Version   int64            `json:"balanceVersion"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// ErrorResponse is the generic error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ChargeErrorResponse is the charge-endpoint error contract: errorType is
// machine-readable so clients can branch without parsing messages.
type ChargeErrorResponse struct {
	ErrorType string            `json:"errorType"`
	Message   string            `json:"message,omitempty"`
	Required  *ledger.Amount    `json:"required,omitempty"`
	Balance   *ledger.Amount    `json:"balance,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}
