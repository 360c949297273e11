/*
coordinator.go - First-pass multi-aspect execution

PURPOSE:
  Executes an operation's aspects in their registered priority order
  (real-world dependency order: reduce stock before recording revenue).
  On partial failure it persists an Issue and returns a degraded
  success - the caller's primary effect is recorded, the remainder is
  healed asynchronously.

DESIGN:
  - Aspects are registered per operation kind, order is significant.
  - Each aspect runs under AspectKey(opID, aspect), so retries by the
    healer cannot double-apply.
  - First-aspect failure is a hard error: nothing was applied, the
    caller retries the whole request.
  - Later-aspect failure creates an open Issue and reports Degraded.

SEE ALSO:
  - healer.go: retries the pending aspects of open issues
  - inventory/aspects.go: the stock/revenue/cogs aspects of a sale
*/
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Result reports how much of an operation took effect on the first pass.
type Result struct {
	OperationID      string   `json:"operationId"`
	AspectsCompleted []string `json:"aspectsCompleted"`
	AspectsPending   []string `json:"aspectsPending,omitempty"`
	Degraded         bool     `json:"degraded"`
	IssueID          string   `json:"issueId,omitempty"`
}

// Coordinator runs multi-aspect operations. Register each operation kind's
// aspects once at startup; Execute is safe for concurrent use.
type Coordinator struct {
	store IssueStore
	kinds map[string][]Aspect
	now   func() time.Time
}

func NewCoordinator(store IssueStore) *Coordinator {
	return &Coordinator{
		store: store,
		kinds: make(map[string][]Aspect),
		now:   time.Now,
	}
}

// RegisterKind binds an ordered aspect list to an operation kind.
func (c *Coordinator) RegisterKind(kind string, aspects ...Aspect) {
	c.kinds[kind] = aspects
}

// Aspects returns the registered aspect list for a kind, or nil.
func (c *Coordinator) Aspects(kind string) []Aspect {
	return c.kinds[kind]
}

// Execute applies every aspect of op in order. Returns a hard error only
// when no aspect succeeded; after the first success, failures degrade into
// an open Issue instead.
func (c *Coordinator) Execute(ctx context.Context, op Operation) (*Result, error) {
	aspects, ok := c.kinds[op.Kind]
	if !ok || len(aspects) == 0 {
		return nil, fmt.Errorf("no aspects registered for operation kind %q", op.Kind)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	res := &Result{OperationID: op.ID}
	for i, aspect := range aspects {
		err := aspect.Apply(ctx, op, AspectKey(op.ID, aspect.Name()))
		if err == nil {
			res.AspectsCompleted = append(res.AspectsCompleted, aspect.Name())
			continue
		}
		if i == 0 {
			// Nothing applied yet, fail the whole request.
			return nil, fmt.Errorf("operation %s aspect %s: %w", op.ID, aspect.Name(), err)
		}
		for _, rest := range aspects[i:] {
			res.AspectsPending = append(res.AspectsPending, rest.Name())
		}
		issue, saveErr := c.openIssue(ctx, op, res, err)
		if saveErr != nil {
			// Could not persist the repair record: the partial state
			// would be silently lost, so this does surface as an error.
			return nil, fmt.Errorf("operation %s partially applied and issue persistence failed: %v (aspect failure: %w)",
				op.ID, saveErr, err)
		}
		res.Degraded = true
		res.IssueID = issue.ID
		log.Printf("[reconcile] operation %s degraded: aspect %s failed (%v), issue %s opened",
			op.ID, aspect.Name(), err, issue.ID)
		return res, nil
	}
	return res, nil
}

// Resolve closes an issue after manual operator intervention. The operator
// asserts the remaining aspects were applied (or compensated) out of band.
func (c *Coordinator) Resolve(ctx context.Context, issueID, actor string) (*Issue, error) {
	issue, err := c.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if issue.Status == IssueHealed {
		return issue, nil
	}
	issue.Status = IssueHealed
	issue.ResolvedBy = actor
	issue.UpdatedAt = c.now()
	if err := c.store.UpdateIssue(ctx, *issue); err != nil {
		return nil, err
	}
	return issue, nil
}

func (c *Coordinator) openIssue(ctx context.Context, op Operation, res *Result, cause error) (*Issue, error) {
	now := c.now()
	issue := Issue{
		ID:               uuid.NewString(),
		OperationID:      op.ID,
		OperationKind:    op.Kind,
		AccountID:        op.AccountID,
		Actor:            op.Actor,
		OccurredAt:       op.OccurredAt,
		Payload:          op.Payload,
		AspectsCompleted: append([]string(nil), res.AspectsCompleted...),
		AspectsPending:   append([]string(nil), res.AspectsPending...),
		Attempts:         0,
		LastError:        cause.Error(),
		Status:           IssueOpen,
		NextAttemptAt:    now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.store.SaveIssue(ctx, issue); err != nil {
		return nil, err
	}
	return &issue, nil
}
