// Package events publishes domain events (charge completed, issue healed)
// to downstream consumers. Publishing is best effort from the caller's side:
// a broker outage never fails the ledger operation.
package events

import (
	"time"

	"github.com/warp/ledger-engine/ledger"
)

const (
	TopicChargeCompleted = "ledger.charge_completed"
	TopicIssueHealed     = "ledger.issue_healed"
	TopicIssueFailed     = "ledger.issue_failed"
)

type Publisher interface {
	Publish(topic string, event any) error
}

// ChargeCompleted is emitted after a charged entry lands.
type ChargeCompleted struct {
	EntryID    ledger.EntryID   `json:"entry_id"`
	AccountID  ledger.AccountID `json:"account_id"`
	Kind       ledger.EntryKind `json:"kind"`
	Amount     ledger.Amount    `json:"amount"`
	Charged    bool             `json:"charged"`
	NewBalance *ledger.Amount   `json:"new_balance,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// IssueStateChanged is emitted when a reconciliation issue heals or is
// escalated.
type IssueStateChanged struct {
	IssueID       string           `json:"issue_id"`
	OperationID   string           `json:"operation_id"`
	OperationKind string           `json:"operation_kind"`
	AccountID     ledger.AccountID `json:"account_id"`
	Status        string           `json:"status"`
	Attempts      int              `json:"attempts"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// Nop discards events. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(string, any) error { return nil }
