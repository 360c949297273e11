/*
types.go - Multi-aspect reconciliation model

PURPOSE:
  A multi-aspect operation (e.g. an inventory sale touching stock,
  revenue, and COGS) must eventually be reflected in full, even when
  one aspect fails mid-flight. These types capture exactly which
  aspects completed and which remain so the healer can finish the job.

CRITICAL INVARIANTS:
  1. An Issue exists only for operations where at least one aspect
     succeeded - a total failure is the caller's problem to retry.
  2. AspectsCompleted and AspectsPending partition the operation's
     aspect list; an aspect never appears in both.
  3. Each aspect is applied under an idempotency key derived from the
     operation id and aspect name, so a healing retry can never
     double-apply a previously-successful aspect.

SEE ALSO:
  - coordinator.go: first-pass execution and issue creation
  - healer.go: background retry loop
*/
package reconcile

import (
	"context"
	"time"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// OPERATION
// =============================================================================

// Operation is one logical multi-aspect business event. Payload is an
// opaque kind-specific document (JSON) that each aspect knows how to read.
type Operation struct {
	ID         string           `json:"id"`
	Kind       string           `json:"kind"`
	AccountID  ledger.AccountID `json:"accountId"`
	Actor      string           `json:"actor,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
	Payload    []byte           `json:"payload"`
}

// AspectKey derives the idempotency key under which a single aspect of an
// operation is applied. Stable across retries.
func AspectKey(operationID, aspect string) string {
	return operationID + ":" + aspect
}

// Aspect is one independently-applicable slice of an operation. Apply must
// be idempotent under idemKey: a second call with the same key is a no-op
// returning the first call's outcome.
type Aspect interface {
	Name() string
	Apply(ctx context.Context, op Operation, idemKey string) error
}

// AspectFunc adapts a function to the Aspect interface.
type AspectFunc struct {
	AspectName string
	Fn         func(ctx context.Context, op Operation, idemKey string) error
}

func (a AspectFunc) Name() string { return a.AspectName }

func (a AspectFunc) Apply(ctx context.Context, op Operation, idemKey string) error {
	return a.Fn(ctx, op, idemKey)
}

// =============================================================================
// ISSUE
// =============================================================================

type IssueStatus string

const (
	IssueOpen              IssueStatus = "open"
	IssueHealed            IssueStatus = "healed"
	IssuePermanentlyFailed IssueStatus = "permanently_failed"
)

// Issue records a partially-applied operation awaiting repair.
type Issue struct {
	ID               string           `json:"id"`
	OperationID      string           `json:"operationId"`
	OperationKind    string           `json:"operationKind"`
	AccountID        ledger.AccountID `json:"accountId"`
	Actor            string           `json:"actor,omitempty"`
	OccurredAt       time.Time        `json:"occurredAt"`
	Payload          []byte           `json:"payload"`
	AspectsCompleted []string         `json:"aspectsCompleted"`
	AspectsPending   []string         `json:"aspectsPending"`
	Attempts         int              `json:"attempts"`
	LastError        string           `json:"lastError,omitempty"`
	Status           IssueStatus      `json:"status"`
	ResolvedBy       string           `json:"resolvedBy,omitempty"`
	NextAttemptAt    time.Time        `json:"nextAttemptAt"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func (i *Issue) Open() bool { return i.Status == IssueOpen }

// Operation reconstructs the pending operation from the stored issue.
func (i *Issue) Operation() Operation {
	return Operation{
		ID:         i.OperationID,
		Kind:       i.OperationKind,
		AccountID:  i.AccountID,
		Actor:      i.Actor,
		OccurredAt: i.OccurredAt,
		Payload:    i.Payload,
	}
}

// =============================================================================
// ISSUE STORE
// =============================================================================

// IssueStore persists reconciliation issues. The coordinator and healer are
// the only writers.
type IssueStore interface {
	SaveIssue(ctx context.Context, issue Issue) error
	UpdateIssue(ctx context.Context, issue Issue) error
	GetIssue(ctx context.Context, id string) (*Issue, error)

	// ListDueIssues returns open issues whose NextAttemptAt is at or
	// before now, oldest first.
	ListDueIssues(ctx context.Context, now time.Time) ([]Issue, error)
	ListIssuesByStatus(ctx context.Context, status IssueStatus) ([]Issue, error)
}
