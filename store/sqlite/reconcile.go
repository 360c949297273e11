package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/reconcile"
)

// =============================================================================
// ISSUE STORE (reconcile.IssueStore interface)
// =============================================================================

const issueColumns = `id, operation_id, operation_kind, account_id, actor,
	occurred_at, payload, aspects_completed_json, aspects_pending_json,
	attempts, last_error, status, resolved_by, next_attempt_at,
	created_at, updated_at`

func (s *Store) SaveIssue(ctx context.Context, issue reconcile.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed, _ := json.Marshal(issue.AspectsCompleted)
	pending, _ := json.Marshal(issue.AspectsPending)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconciliation_issues
		 (`+issueColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.OperationID, issue.OperationKind, string(issue.AccountID),
		issue.Actor, formatTime(issue.OccurredAt), issue.Payload,
		string(completed), string(pending),
		issue.Attempts, issue.LastError, string(issue.Status),
		nullString(issue.ResolvedBy), formatTime(issue.NextAttemptAt),
		formatTime(issue.CreatedAt), formatTime(issue.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save issue: %w", err)
	}
	return nil
}

func (s *Store) UpdateIssue(ctx context.Context, issue reconcile.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed, _ := json.Marshal(issue.AspectsCompleted)
	pending, _ := json.Marshal(issue.AspectsPending)

	res, err := s.db.ExecContext(ctx,
		`UPDATE reconciliation_issues SET
		   aspects_completed_json = ?, aspects_pending_json = ?,
		   attempts = ?, last_error = ?, status = ?, resolved_by = ?,
		   next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(completed), string(pending),
		issue.Attempts, issue.LastError, string(issue.Status),
		nullString(issue.ResolvedBy), formatTime(issue.NextAttemptAt),
		formatTime(issue.UpdatedAt), issue.ID)
	if err != nil {
		return fmt.Errorf("failed to update issue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return reconcile.ErrIssueNotFound
	}
	return nil
}

func (s *Store) GetIssue(ctx context.Context, id string) (*reconcile.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM reconciliation_issues WHERE id = ?`, id)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, reconcile.ErrIssueNotFound
	}
	return issue, err
}

func (s *Store) ListDueIssues(ctx context.Context, now time.Time) ([]reconcile.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryIssues(ctx,
		`SELECT `+issueColumns+` FROM reconciliation_issues
		 WHERE status = ? AND next_attempt_at <= ?
		 ORDER BY created_at`,
		string(reconcile.IssueOpen), formatTime(now))
}

func (s *Store) ListIssuesByStatus(ctx context.Context, status reconcile.IssueStatus) ([]reconcile.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryIssues(ctx,
		`SELECT `+issueColumns+` FROM reconciliation_issues
		 WHERE status = ? ORDER BY created_at`,
		string(status))
}

func scanIssue(row rowScanner) (*reconcile.Issue, error) {
	var (
		issue                reconcile.Issue
		accountID            string
		occurredAt           string
		completed, pending   string
		lastError, actor     sql.NullString
		resolvedBy           sql.NullString
		nextAt, created, upd string
		status               string
	)
	err := row.Scan(&issue.ID, &issue.OperationID, &issue.OperationKind, &accountID,
		&actor, &occurredAt, &issue.Payload, &completed, &pending,
		&issue.Attempts, &lastError, &status, &resolvedBy, &nextAt,
		&created, &upd)
	if err != nil {
		return nil, err
	}
	issue.AccountID = ledger.AccountID(accountID)
	issue.Actor = actor.String
	issue.OccurredAt = parseTime(occurredAt)
	issue.LastError = lastError.String
	issue.Status = reconcile.IssueStatus(status)
	issue.ResolvedBy = resolvedBy.String
	issue.NextAttemptAt = parseTime(nextAt)
	issue.CreatedAt = parseTime(created)
	issue.UpdatedAt = parseTime(upd)
	json.Unmarshal([]byte(completed), &issue.AspectsCompleted)
	json.Unmarshal([]byte(pending), &issue.AspectsPending)
	return &issue, nil
}

func (s *Store) queryIssues(ctx context.Context, query string, args ...any) ([]reconcile.Issue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		out = append(out, *issue)
	}
	return out, rows.Err()
}
