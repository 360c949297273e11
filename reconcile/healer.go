/*
healer.go - Background repair of partially-applied operations

PURPOSE:
  Periodically re-attempts the pending aspects of open reconciliation
  issues until every aspect has applied or the retry budget is spent.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Retries only AspectsPending, under the same per-aspect idempotency
    keys as the first pass, so a retry can never double-apply
  - Exponential backoff between attempts per issue (NextAttemptAt)
  - After MaxAttempts the issue becomes permanently_failed and is left
    for operator review via the issues endpoint

CONFIGURATION:
  - Interval: how often due issues are polled (default: 15s)
  - MaxAttempts: retry budget per issue (default: 5)
  - BackoffBase: first retry delay, doubled each attempt (default: 30s)

USAGE:
  healer := NewHealer(store, coordinator)
  healer.Start()
  // ... later
  healer.Stop()

SEE ALSO:
  - coordinator.go: opens issues and registers aspects
*/
package reconcile

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	DefaultHealInterval = 15 * time.Second
	DefaultMaxAttempts  = 5
	DefaultBackoffBase  = 30 * time.Second
)

// Healer drains open issues toward healed or permanently_failed.
type Healer struct {
	Store       IssueStore
	Coordinator *Coordinator
	Interval    time.Duration
	MaxAttempts int
	BackoffBase time.Duration

	// OnHealed, when set, is invoked after an issue fully converges.
	OnHealed func(Issue)
	// OnFailed, when set, is invoked after an issue becomes
	// permanently_failed and needs operator review.
	OnFailed func(Issue)

	now    func() time.Time
	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewHealer(store IssueStore, coordinator *Coordinator) *Healer {
	return &Healer{
		Store:       store,
		Coordinator: coordinator,
		Interval:    DefaultHealInterval,
		MaxAttempts: DefaultMaxAttempts,
		BackoffBase: DefaultBackoffBase,
		now:         time.Now,
	}
}

// Start launches the background healing loop.
func (h *Healer) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stop != nil {
		return
	}
	h.stop = make(chan bool)
	h.ticker = time.NewTicker(h.Interval)
	h.wg.Add(1)

	go func() {
		defer h.wg.Done()
		log.Printf("[healer] started (interval=%s, maxAttempts=%d)", h.Interval, h.MaxAttempts)
		for {
			select {
			case <-h.ticker.C:
				if healed, failed, err := h.RunOnce(context.Background()); err != nil {
					log.Printf("[healer] pass failed: %v", err)
				} else if healed > 0 || failed > 0 {
					log.Printf("[healer] pass done: healed=%d permanently_failed=%d", healed, failed)
				}
			case <-h.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (h *Healer) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stop == nil {
		return
	}
	h.ticker.Stop()
	close(h.stop)
	h.stop = nil
	h.wg.Wait()
	log.Printf("[healer] stopped")
}

// RunOnce processes every due open issue and reports how many converged
// and how many exhausted their retry budget.
func (h *Healer) RunOnce(ctx context.Context) (healed, failed int, err error) {
	due, err := h.Store.ListDueIssues(ctx, h.now())
	if err != nil {
		return 0, 0, err
	}
	for _, issue := range due {
		status, healErr := h.healIssue(ctx, issue)
		if healErr != nil {
			log.Printf("[healer] issue %s: %v", issue.ID, healErr)
			continue
		}
		switch status {
		case IssueHealed:
			healed++
		case IssuePermanentlyFailed:
			failed++
		}
	}
	return healed, failed, nil
}

// healIssue retries the pending aspects of one issue and persists the new
// state. Returns the issue's status after this attempt.
func (h *Healer) healIssue(ctx context.Context, issue Issue) (IssueStatus, error) {
	aspects := h.Coordinator.Aspects(issue.OperationKind)
	if len(aspects) == 0 {
		// Kind no longer registered; nothing automated can fix this.
		return h.escalate(ctx, issue, "no aspects registered for kind "+issue.OperationKind)
	}

	registered := make(map[string]bool, len(aspects))
	for _, aspect := range aspects {
		registered[aspect.Name()] = true
	}
	pending := make(map[string]bool, len(issue.AspectsPending))
	for _, name := range issue.AspectsPending {
		// A pending aspect nobody registers anymore can never apply.
		// Escalate rather than silently declaring the work done.
		if !registered[name] {
			return h.escalate(ctx, issue, "pending aspect "+name+" not registered for kind "+issue.OperationKind)
		}
		pending[name] = true
	}

	op := issue.Operation()
	var firstErr error
	// Registered order, not stored order: dependency order must hold on
	// retries too.
	for _, aspect := range aspects {
		if !pending[aspect.Name()] {
			continue
		}
		if err := aspect.Apply(ctx, op, AspectKey(op.ID, aspect.Name())); err != nil {
			firstErr = err
			break
		}
		delete(pending, aspect.Name())
		issue.AspectsCompleted = append(issue.AspectsCompleted, aspect.Name())
	}

	issue.AspectsPending = issue.AspectsPending[:0]
	for _, aspect := range aspects {
		if pending[aspect.Name()] {
			issue.AspectsPending = append(issue.AspectsPending, aspect.Name())
		}
	}

	now := h.now()
	issue.Attempts++
	issue.UpdatedAt = now

	switch {
	case len(issue.AspectsPending) == 0:
		issue.Status = IssueHealed
		issue.LastError = ""
	case issue.Attempts >= h.MaxAttempts:
		issue.Status = IssuePermanentlyFailed
		issue.LastError = firstErr.Error()
	default:
		issue.LastError = firstErr.Error()
		issue.NextAttemptAt = now.Add(h.backoff(issue.Attempts))
	}

	if err := h.Store.UpdateIssue(ctx, issue); err != nil {
		return issue.Status, err
	}
	switch {
	case issue.Status == IssueHealed && h.OnHealed != nil:
		h.OnHealed(issue)
	case issue.Status == IssuePermanentlyFailed && h.OnFailed != nil:
		h.OnFailed(issue)
	}
	return issue.Status, nil
}

// escalate marks an issue permanently_failed outside the normal retry
// path and fires the failure hook.
func (h *Healer) escalate(ctx context.Context, issue Issue, reason string) (IssueStatus, error) {
	issue.Status = IssuePermanentlyFailed
	issue.LastError = reason
	issue.UpdatedAt = h.now()
	if err := h.Store.UpdateIssue(ctx, issue); err != nil {
		return issue.Status, err
	}
	if h.OnFailed != nil {
		h.OnFailed(issue)
	}
	return issue.Status, nil
}

// backoff doubles per attempt: 30s, 60s, 120s, ...
func (h *Healer) backoff(attempt int) time.Duration {
	d := h.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
