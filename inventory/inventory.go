/*
inventory.go - Minimal stock ledger

PURPOSE:
  Tracks item quantities and the movements that changed them. This is
  the "stock" side of a sale: the quantity decrement that must land
  together with the revenue and cost entries in the financial ledger.

DESIGN:
  - AdjustStock is conditional: it refuses to take quantity negative.
  - Every adjustment is keyed: a movement with an already-seen
    reference key is a no-op, which is what makes the stock aspect of
    a sale safe to retry during healing.

SEE ALSO:
  - aspects.go: the sale operation's stock/revenue/cogs aspects
  - store/sqlite: persistent implementation
*/
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/warp/ledger-engine/ledger"
)

var (
	ErrItemNotFound      = errors.New("inventory item not found")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Item is one stocked product with frozen unit economics.
type Item struct {
	ID        string           `json:"id"`
	AccountID ledger.AccountID `json:"accountId"`
	Name      string           `json:"name"`
	Quantity  int              `json:"quantity"`
	UnitPrice ledger.Amount    `json:"unitPrice"`
	UnitCost  ledger.Amount    `json:"unitCost"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Movement is one applied stock delta. ReferenceKey dedupes retries.
type Movement struct {
	ID           string           `json:"id"`
	ItemID       string           `json:"itemId"`
	AccountID    ledger.AccountID `json:"accountId"`
	Delta        int              `json:"delta"`
	Reason       string           `json:"reason"`
	ReferenceKey string           `json:"referenceKey"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// Store persists items and movements.
type Store interface {
	SaveItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, id string) (*Item, error)
	ListItems(ctx context.Context, accountID ledger.AccountID) ([]Item, error)

	// AdjustStock applies mv.Delta to the item's quantity, recording the
	// movement in the same write. Fails with ErrInsufficientStock when
	// the result would be negative. A movement whose ReferenceKey was
	// already applied is a no-op success.
	AdjustStock(ctx context.Context, itemID string, mv Movement) error

	ListMovements(ctx context.Context, itemID string) ([]Movement, error)
}
