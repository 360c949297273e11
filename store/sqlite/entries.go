package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// ENTRY STORE (ledger.EntryStore interface)
// =============================================================================

const entryColumns = `id, account_id, amount, kind, status, version,
	original_entry_id, superseded_by, reversal_entry_id,
	category, description, reference_key, occurred_at,
	metadata_json, audit_json, created_at, voided_at, superseded_at`

func (s *Store) InsertEntry(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertEntry(ctx, s.db, e)
}

func (s *Store) insertEntry(ctx context.Context, db dbtx, e ledger.Entry) error {
	metadataJSON, _ := json.Marshal(e.Metadata)
	auditJSON, _ := json.Marshal(e.AuditTrail)

	// root_id denormalizes the chain root so History() is one indexed
	// lookup. Reversals carry the root in metadata because their
	// original_entry_id points at the voided version, not the root.
	rootID := string(e.Root())
	if r := e.Metadata["root"]; r != "" {
		rootID = r
	}

	query := `
		INSERT INTO entries
		(id, account_id, root_id, amount, kind, status, version,
		 original_entry_id, superseded_by, reversal_entry_id,
		 category, description, reference_key, occurred_at,
		 metadata_json, audit_json, created_at, voided_at, superseded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		string(e.ID),
		string(e.AccountID),
		rootID,
		e.Amount.String(),
		string(e.Kind),
		string(e.Status),
		e.Version,
		nullString(string(e.OriginalEntryID)),
		nullString(string(e.SupersededBy)),
		nullString(string(e.ReversalEntryID)),
		e.Category,
		e.Description,
		nullString(e.ReferenceKey),
		formatTime(e.OccurredAt),
		string(metadataJSON),
		string(auditJSON),
		formatTime(e.CreatedAt),
		nullTime(e.VoidedAt),
		nullTime(e.SupersededAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateReferenceKey
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEntry(ctx, s.db, id)
}

func (s *Store) getEntry(ctx context.Context, db dbtx, id ledger.EntryID) (*ledger.Entry, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE id = ?`, string(id))
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrEntryNotFound
	}
	return e, err
}

func (s *Store) FindEntryByReferenceKey(ctx context.Context, accountID ledger.AccountID, key string) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findEntryByReferenceKey(ctx, s.db, accountID, key)
}

func (s *Store) findEntryByReferenceKey(ctx context.Context, db dbtx, accountID ledger.AccountID, key string) (*ledger.Entry, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE account_id = ? AND reference_key = ?`,
		string(accountID), key)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *Store) MarkVoided(ctx context.Context, id ledger.EntryID, at time.Time, audit ledger.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markTerminal(ctx, s.db, id, ledger.StatusVoided, at, audit)
}

func (s *Store) MarkSuperseded(ctx context.Context, id ledger.EntryID, at time.Time, audit ledger.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markTerminal(ctx, s.db, id, ledger.StatusSuperseded, at, audit)
}

// markTerminal is the guarded status flip. The WHERE status='active' clause
// is the state machine: a concurrent void/supersede loses with
// ErrEntryNotActive instead of overwriting.
func (s *Store) markTerminal(ctx context.Context, db dbtx, id ledger.EntryID, to ledger.EntryStatus, at time.Time, audit ledger.AuditEvent) error {
	current, err := s.getEntry(ctx, db, id)
	if err != nil {
		return err
	}
	auditJSON, _ := json.Marshal(append(current.AuditTrail, audit))

	column := "voided_at"
	if to == ledger.StatusSuperseded {
		column = "superseded_at"
	}
	res, err := db.ExecContext(ctx,
		`UPDATE entries SET status = ?, `+column+` = ?, audit_json = ?
		 WHERE id = ? AND status = ?`,
		string(to), formatTime(at), string(auditJSON), string(id), string(ledger.StatusActive))
	if err != nil {
		return fmt.Errorf("failed to mark entry %s: %w", to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrEntryNotActive
	}
	return nil
}

func (s *Store) LinkReversal(ctx context.Context, id, reversalID ledger.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkColumn(ctx, s.db, id, "reversal_entry_id", reversalID)
}

func (s *Store) LinkSuccessor(ctx context.Context, id, successorID ledger.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkColumn(ctx, s.db, id, "superseded_by", successorID)
}

func (s *Store) linkColumn(ctx context.Context, db dbtx, id ledger.EntryID, column string, target ledger.EntryID) error {
	res, err := db.ExecContext(ctx,
		`UPDATE entries SET `+column+` = ? WHERE id = ?`,
		string(target), string(id))
	if err != nil {
		return fmt.Errorf("failed to link entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, id ledger.EntryID, audit ledger.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAudit(ctx, s.db, id, audit)
}

func (s *Store) appendAudit(ctx context.Context, db dbtx, id ledger.EntryID, audit ledger.AuditEvent) error {
	current, err := s.getEntry(ctx, db, id)
	if err != nil {
		return err
	}
	auditJSON, _ := json.Marshal(append(current.AuditTrail, audit))
	_, err = db.ExecContext(ctx,
		`UPDATE entries SET audit_json = ? WHERE id = ?`,
		string(auditJSON), string(id))
	if err != nil {
		return fmt.Errorf("failed to append audit: %w", err)
	}
	return nil
}

func (s *Store) Reactivate(ctx context.Context, id ledger.EntryID, audit ledger.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reactivate(ctx, s.db, id, audit)
}

func (s *Store) reactivate(ctx context.Context, db dbtx, id ledger.EntryID, audit ledger.AuditEvent) error {
	current, err := s.getEntry(ctx, db, id)
	if err != nil {
		return err
	}
	auditJSON, _ := json.Marshal(append(current.AuditTrail, audit))
	res, err := db.ExecContext(ctx,
		`UPDATE entries SET status = ?, voided_at = NULL, superseded_at = NULL,
		 reversal_entry_id = NULL, superseded_by = NULL, audit_json = ?
		 WHERE id = ?`,
		string(ledger.StatusActive), string(auditJSON), string(id))
	if err != nil {
		return fmt.Errorf("failed to reactivate entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, id ledger.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteEntry(ctx, s.db, id)
}

func (s *Store) deleteEntry(ctx context.Context, db dbtx, id ledger.EntryID) error {
	res, err := db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

func (s *Store) ListUnlinkedTerminal(ctx context.Context) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listUnlinkedTerminal(ctx, s.db)
}

func (s *Store) listUnlinkedTerminal(ctx context.Context, db dbtx) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, db,
		`SELECT `+entryColumns+` FROM entries
		 WHERE (status = ? AND reversal_entry_id IS NULL)
		    OR (status = ? AND superseded_by IS NULL)
		 ORDER BY created_at`,
		string(ledger.StatusVoided), string(ledger.StatusSuperseded))
}

func (s *Store) ListActiveEntries(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listActiveEntries(ctx, s.db, accountID)
}

func (s *Store) listActiveEntries(ctx context.Context, db dbtx, accountID ledger.AccountID) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, db,
		`SELECT `+entryColumns+` FROM entries
		 WHERE account_id = ? AND status = ? AND kind NOT IN (?, ?)
		 ORDER BY created_at DESC`,
		string(accountID), string(ledger.StatusActive),
		string(ledger.KindCreditDebit), string(ledger.KindReversal))
}

func (s *Store) History(ctx context.Context, rootID ledger.EntryID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history(ctx, s.db, rootID)
}

func (s *Store) history(ctx context.Context, db dbtx, rootID ledger.EntryID) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, db,
		`SELECT `+entryColumns+` FROM entries
		 WHERE root_id = ? ORDER BY created_at`,
		string(rootID))
}

func (s *Store) CountActiveEntries(ctx context.Context, accountID ledger.AccountID, kinds []ledger.EntryKind, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countActiveEntries(ctx, s.db, accountID, kinds, from, to)
}

func (s *Store) countActiveEntries(ctx context.Context, db dbtx, accountID ledger.AccountID, kinds []ledger.EntryKind, from, to time.Time) (int, error) {
	if len(kinds) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM entries
		WHERE account_id = ? AND status = ? AND occurred_at >= ? AND occurred_at < ?
		AND kind IN (?` + repeatPlaceholder(len(kinds)-1) + `)`
	args := []any{string(accountID), string(ledger.StatusActive), formatTime(from), formatTime(to)}
	for _, k := range kinds {
		args = append(args, string(k))
	}

	var count int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

func (s *Store) SumEntries(ctx context.Context, accountID ledger.AccountID, kind ledger.EntryKind) (ledger.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumEntries(ctx, s.db, accountID, kind)
}

func (s *Store) sumEntries(ctx context.Context, db dbtx, accountID ledger.AccountID, kind ledger.EntryKind) (ledger.Amount, error) {
	// Decimal amounts are stored as text, so the sum happens in Go.
	entries, err := s.queryEntries(ctx, db,
		`SELECT `+entryColumns+` FROM entries
		 WHERE account_id = ? AND kind = ? AND status = ?`,
		string(accountID), string(kind), string(ledger.StatusActive))
	if err != nil {
		return ledger.ZeroAmount(), err
	}
	sum := ledger.ZeroAmount()
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	return sum, nil
}

// =============================================================================
// SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*ledger.Entry, error) {
	var (
		e                               ledger.Entry
		id, accountID, amount           string
		kind, status                    string
		originalID, successor, reversal sql.NullString
		referenceKey                    sql.NullString
		occurredAt, createdAt           string
		metadataJSON, auditJSON         sql.NullString
		voidedAt, supersededAt          sql.NullString
	)
	err := row.Scan(&id, &accountID, &amount, &kind, &status, &e.Version,
		&originalID, &successor, &reversal,
		&e.Category, &e.Description, &referenceKey, &occurredAt,
		&metadataJSON, &auditJSON, &createdAt, &voidedAt, &supersededAt)
	if err != nil {
		return nil, err
	}

	e.ID = ledger.EntryID(id)
	e.AccountID = ledger.AccountID(accountID)
	e.Amount = ledger.MustParseAmount(amount)
	e.Kind = ledger.EntryKind(kind)
	e.Status = ledger.EntryStatus(status)
	e.OriginalEntryID = ledger.EntryID(originalID.String)
	e.SupersededBy = ledger.EntryID(successor.String)
	e.ReversalEntryID = ledger.EntryID(reversal.String)
	e.ReferenceKey = referenceKey.String
	e.OccurredAt = parseTime(occurredAt)
	e.CreatedAt = parseTime(createdAt)
	e.VoidedAt = parseTimePtr(voidedAt)
	e.SupersededAt = parseTimePtr(supersededAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
	}
	if auditJSON.Valid && auditJSON.String != "" {
		json.Unmarshal([]byte(auditJSON.String), &e.AuditTrail)
	}
	return &e, nil
}

func (s *Store) queryEntries(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
