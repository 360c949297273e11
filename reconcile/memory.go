package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrIssueNotFound = errors.New("reconciliation issue not found")

// MemoryIssueStore is an in-memory IssueStore for tests and development.
type MemoryIssueStore struct {
	mu     sync.RWMutex
	issues map[string]*Issue
}

func NewMemoryIssueStore() *MemoryIssueStore {
	return &MemoryIssueStore{issues: make(map[string]*Issue)}
}

func (m *MemoryIssueStore) SaveIssue(_ context.Context, issue Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := cloneIssue(&issue)
	m.issues[issue.ID] = stored
	return nil
}

func (m *MemoryIssueStore) UpdateIssue(_ context.Context, issue Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.issues[issue.ID]; !ok {
		return ErrIssueNotFound
	}
	m.issues[issue.ID] = cloneIssue(&issue)
	return nil
}

func (m *MemoryIssueStore) GetIssue(_ context.Context, id string) (*Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	issue, ok := m.issues[id]
	if !ok {
		return nil, ErrIssueNotFound
	}
	return cloneIssue(issue), nil
}

func (m *MemoryIssueStore) ListDueIssues(_ context.Context, now time.Time) ([]Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Issue
	for _, issue := range m.issues {
		if issue.Status == IssueOpen && !issue.NextAttemptAt.After(now) {
			out = append(out, *cloneIssue(issue))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryIssueStore) ListIssuesByStatus(_ context.Context, status IssueStatus) ([]Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Issue
	for _, issue := range m.issues {
		if issue.Status == status {
			out = append(out, *cloneIssue(issue))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneIssue(i *Issue) *Issue {
	out := *i
	out.Payload = append([]byte(nil), i.Payload...)
	out.AspectsCompleted = append([]string(nil), i.AspectsCompleted...)
	out.AspectsPending = append([]string(nil), i.AspectsPending...)
	return &out
}
