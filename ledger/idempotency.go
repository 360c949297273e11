/*
idempotency.go - Operation deduplication keyed by caller reference keys

PURPOSE:
  Guarantees a logical operation executes at most once per
  (accountID, referenceKey). The guard record doubles as a single-writer
  lock for the duration of one operation: a concurrent duplicate sees the
  in_progress record and is rejected rather than double-executing or
  blocking indefinitely.

LIFECYCLE:
  Begin  -> in_progress        (claims the key, or replays/rejects)
  Complete/Fail -> terminal    (stores the snapshot replayed to retries)
  Reclaim -> in_progress older than the timeout becomes failed, so a
             request that died mid-flight doesn't wedge its key forever.

SEE ALSO:
  - charge.go: primary consumer
  - reconcile/coordinator.go: per-aspect keys derive from the operation id
*/
package ledger

import (
	"context"
	"time"
)

// DefaultReclaimAfter is how long an in_progress record may sit before the
// sweep treats the operation as dead. Tunable via Guard.ReclaimAfter.
const DefaultReclaimAfter = 45 * time.Second

// =============================================================================
// IDEMPOTENCY GUARD
// =============================================================================

// Guard deduplicates operations through an IdempotencyStore.
type Guard struct {
	store Store

	// ReclaimAfter is the age past which in_progress records are treated
	// as failed by ReclaimStale.
	ReclaimAfter time.Duration

	now func() time.Time
}

func NewGuard(store Store) *Guard {
	return &Guard{
		store:        store,
		ReclaimAfter: DefaultReclaimAfter,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// BeginResult tells the caller what to do with the request.
type BeginResult struct {
	// IsNew is true when this call claimed the key and the caller must run
	// the business logic, then Complete or Fail.
	IsNew bool
	// CachedResult holds the stored snapshot when a terminal record exists;
	// the caller returns it without re-executing.
	CachedResult []byte
	// CachedStatus is the terminal status the snapshot was stored under.
	CachedStatus IdempotencyStatus
}

// Begin claims (accountID, referenceKey). Outcomes:
//   - fresh key:            IsNew=true, caller executes
//   - terminal record:      IsNew=false + snapshot, caller replays
//   - in_progress record:   ErrOperationInProgress, caller backs off
func (g *Guard) Begin(ctx context.Context, accountID AccountID, referenceKey string) (*BeginResult, error) {
	if referenceKey == "" {
		return nil, &ValidationError{Fields: map[string]string{"referenceKey": "reference key is required"}}
	}

	rec, isNew, err := g.store.BeginIdempotent(ctx, accountID, referenceKey, g.now())
	if err != nil {
		return nil, err
	}
	if isNew {
		return &BeginResult{IsNew: true}, nil
	}
	if rec.Terminal() {
		// A failed record with no snapshot is a reclaimed dead operation,
		// not a stored rejection: the retry re-executes (and resumes any
		// partial work by reference key).
		if rec.Status == IdemFailed && len(rec.ResultSnapshot) == 0 {
			return &BeginResult{IsNew: true}, nil
		}
		return &BeginResult{CachedResult: rec.ResultSnapshot, CachedStatus: rec.Status}, nil
	}
	return nil, ErrOperationInProgress
}

// Complete finalizes the record as completed with the snapshot future
// retries will receive.
func (g *Guard) Complete(ctx context.Context, accountID AccountID, referenceKey string, result []byte) error {
	return g.store.FinalizeIdempotent(ctx, accountID, referenceKey, IdemCompleted, result, g.now())
}

// Fail finalizes the record as failed. The snapshot carries the error
// payload so retries see the same rejection.
func (g *Guard) Fail(ctx context.Context, accountID AccountID, referenceKey string, result []byte) error {
	return g.store.FinalizeIdempotent(ctx, accountID, referenceKey, IdemFailed, result, g.now())
}

// ReclaimStale marks in_progress records older than ReclaimAfter as
// failed, letting the client retry cleanly. Run periodically.
func (g *Guard) ReclaimStale(ctx context.Context) (int, error) {
	return g.store.ReclaimStaleIdempotency(ctx, g.now().Add(-g.ReclaimAfter))
}
