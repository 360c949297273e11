/*
aspects.go - The sale operation and its reconciliation aspects

PURPOSE:
  Selling stock touches three ledgers at once: the item quantity goes
  down, a revenue entry goes in, and a cost-of-goods expense goes in.
  Each of those is an independently-retryable aspect; stock moves
  first because overselling is the failure worth stopping the whole
  operation for.

DESIGN:
  - Unit economics are frozen into the operation payload at sale time,
    so a healed revenue/cogs aspect uses the price that was in effect
    when the sale happened, not today's.
  - Revenue and cogs apply through the charge coordinator, whose
    idempotency guard makes them replay-safe under the aspect key.

SEE ALSO:
  - reconcile/coordinator.go: execution order, issue creation
*/
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/reconcile"
)

const (
	OpKindSale = "inventory_sale"

	AspectStock   = "stock"
	AspectRevenue = "revenue"
	AspectCOGS    = "cogs"
)

// SalePayload is the frozen parameters of one sale, stored verbatim on any
// reconciliation issue so healing replays the original economics.
type SalePayload struct {
	ItemID    string        `json:"itemId"`
	ItemName  string        `json:"itemName"`
	Quantity  int           `json:"quantity"`
	UnitPrice ledger.Amount `json:"unitPrice"`
	UnitCost  ledger.Amount `json:"unitCost"`
}

func (p SalePayload) Revenue() ledger.Amount { return p.UnitPrice.MulInt(p.Quantity) }
func (p SalePayload) Cost() ledger.Amount    { return p.UnitCost.MulInt(p.Quantity) }

// Sales runs sale operations through the reconciliation coordinator.
type Sales struct {
	store       Store
	charges     *ledger.ChargeCoordinator
	coordinator *reconcile.Coordinator
	now         func() time.Time
}

// NewSales wires the sale operation kind into the coordinator.
func NewSales(store Store, charges *ledger.ChargeCoordinator, coordinator *reconcile.Coordinator) *Sales {
	s := &Sales{
		store:       store,
		charges:     charges,
		coordinator: coordinator,
		now:         func() time.Time { return time.Now().UTC() },
	}
	coordinator.RegisterKind(OpKindSale,
		reconcile.AspectFunc{AspectName: AspectStock, Fn: s.applyStock},
		reconcile.AspectFunc{AspectName: AspectRevenue, Fn: s.applyRevenue},
		reconcile.AspectFunc{AspectName: AspectCOGS, Fn: s.applyCOGS},
	)
	return s
}

// SaleResult is what the caller sees: the coordinator outcome plus the item
// after the stock decrement.
type SaleResult struct {
	reconcile.Result
	Item SalePayload `json:"sale"`
}

// Sell decrements stock and records revenue and COGS as one logical unit.
// referenceKey becomes the operation id, so a client retry derives the same
// per-aspect idempotency keys and cannot double-apply. A degraded result
// means the stock moved but a financial aspect is queued for healing; the
// sale itself is never lost.
func (s *Sales) Sell(ctx context.Context, accountID ledger.AccountID, itemID string, quantity int, referenceKey, actor string) (*SaleResult, error) {
	if quantity <= 0 {
		return nil, &ledger.ValidationError{Fields: map[string]string{"quantity": "quantity must be positive"}}
	}
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.AccountID != accountID {
		return nil, ErrItemNotFound
	}
	// Oversell is caught by the stock aspect's conditional decrement, not
	// here: a pre-check would mis-report a retry of an already-applied
	// sale as out of stock.
	payload := SalePayload{
		ItemID:    item.ID,
		ItemName:  item.Name,
		Quantity:  quantity,
		UnitPrice: item.UnitPrice,
		UnitCost:  item.UnitCost,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	opID := referenceKey
	if opID == "" {
		opID = uuid.NewString()
	}
	res, err := s.coordinator.Execute(ctx, reconcile.Operation{
		ID:         opID,
		Kind:       OpKindSale,
		AccountID:  accountID,
		Actor:      actor,
		OccurredAt: s.now(),
		Payload:    raw,
	})
	if err != nil {
		return nil, err
	}
	return &SaleResult{Result: *res, Item: payload}, nil
}

// =============================================================================
// ASPECTS
// =============================================================================

func (s *Sales) applyStock(ctx context.Context, op reconcile.Operation, idemKey string) error {
	payload, err := decodeSale(op)
	if err != nil {
		return err
	}
	return s.store.AdjustStock(ctx, payload.ItemID, Movement{
		ID:           uuid.NewString(),
		ItemID:       payload.ItemID,
		AccountID:    op.AccountID,
		Delta:        -payload.Quantity,
		Reason:       "sale",
		ReferenceKey: idemKey,
		CreatedAt:    s.now(),
	})
}

func (s *Sales) applyRevenue(ctx context.Context, op reconcile.Operation, idemKey string) error {
	payload, err := decodeSale(op)
	if err != nil {
		return err
	}
	_, err = s.charges.Charge(ctx, ledger.ChargeRequest{
		AccountID:    op.AccountID,
		Kind:         ledger.KindIncome,
		Amount:       payload.Revenue(),
		Category:     "sales",
		Description:  fmt.Sprintf("Sale of %d x %s", payload.Quantity, payload.ItemName),
		OccurredAt:   op.OccurredAt,
		ReferenceKey: idemKey,
		Metadata:     map[string]string{"operation": op.ID, "itemId": payload.ItemID},
		Actor:        op.Actor,
	})
	return err
}

func (s *Sales) applyCOGS(ctx context.Context, op reconcile.Operation, idemKey string) error {
	payload, err := decodeSale(op)
	if err != nil {
		return err
	}
	if payload.Cost().IsZero() {
		return nil
	}
	_, err = s.charges.Charge(ctx, ledger.ChargeRequest{
		AccountID:    op.AccountID,
		Kind:         ledger.KindExpense,
		Amount:       payload.Cost(),
		Category:     "cogs",
		Description:  fmt.Sprintf("Cost of goods: %d x %s", payload.Quantity, payload.ItemName),
		OccurredAt:   op.OccurredAt,
		ReferenceKey: idemKey,
		Metadata:     map[string]string{"operation": op.ID, "itemId": payload.ItemID},
		Actor:        op.Actor,
	})
	return err
}

func decodeSale(op reconcile.Operation) (SalePayload, error) {
	var payload SalePayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return payload, fmt.Errorf("malformed sale payload for operation %s: %w", op.ID, err)
	}
	return payload, nil
}
