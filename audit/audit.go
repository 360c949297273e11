// Package audit records operational events (entry created, voided, charged,
// issue healed) off the request path. Events are advisory: losing one never
// fails the operation that emitted it.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/warp/ledger-engine/ledger"
)

const (
	TypeEntryCreated    = "entry.created"
	TypeEntryVoided     = "entry.voided"
	TypeEntrySuperseded = "entry.superseded"
	TypeCreditCharged   = "credit.charged"
	TypeCreditToppedUp  = "credit.topped_up"
	TypeIssueOpened     = "reconciliation.issue_opened"
	TypeIssueHealed     = "reconciliation.issue_healed"
	TypeIssueFailed     = "reconciliation.issue_failed"
)

type Event struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	AccountID ledger.AccountID  `json:"accountId,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Data      any               `json:"data,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

type EventOption func(*Event)

func WithAccount(id ledger.AccountID) EventOption {
	return func(e *Event) { e.AccountID = id }
}

func WithActor(actor string) EventOption {
	return func(e *Event) { e.Actor = actor }
}

func WithData(data any) EventOption {
	return func(e *Event) { e.Data = data }
}

func WithMetadata(md map[string]string) EventOption {
	return func(e *Event) { e.Metadata = md }
}

func NewEvent(eventType string, opts ...EventOption) Event {
	e := Event{
		ID:        uuid.New(),
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Sink persists events. Implemented by the sqlite store.
type Sink interface {
	SaveEvent(ctx context.Context, e Event) error
	ListEventsByType(ctx context.Context, eventType string) ([]Event, error)
}
