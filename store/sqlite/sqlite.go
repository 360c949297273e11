/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements all persistence interfaces (ledger.TxStore,
  reconcile.IssueStore, inventory.Store, audit.Sink) using SQLite. In
  production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

IMMUTABILITY ENFORCEMENT:
  Entries are insert-once. The only UPDATE statements touch the
  status/link/audit columns, and the status flips are conditional on
  status='active', so a lost race surfaces as ErrEntryNotActive rather
  than a silent overwrite.

KEY TABLES:
  entries:                Immutable ledger entries with lifecycle columns
  account_balances:       One row per account, versioned for optimistic CAS
  idempotency_records:    (account_id, reference_key) dedup records
  accounts:               Privilege/subscription flags
  reconciliation_issues:  Partially-applied multi-aspect operations
  inventory_items:        Stock levels with frozen unit economics
  inventory_movements:    Applied stock deltas, keyed for retry dedup
  audit_events:           Operational event log (async worker sink)

INDEXES:
  - idx_entries_reference: UNIQUE (account_id, reference_key) - this is
    what makes idempotent replay findable after a duplicate-key insert
  - idx_entries_root: history-chain reads
  - idx_entries_account_occurred: quota counting (hot path)
  - idx_issues_due: healer poll

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: interface definitions and contracts
  - ledger/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/ledger-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger entries (insert-once, lifecycle columns mutable under guard)
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		root_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		original_entry_id TEXT,
		superseded_by TEXT,
		reversal_entry_id TEXT,
		category TEXT,
		description TEXT,
		reference_key TEXT,
		occurred_at TEXT NOT NULL,
		metadata_json TEXT,
		audit_json TEXT,
		created_at TEXT NOT NULL,
		voided_at TEXT,
		superseded_at TEXT
	);

	-- CRITICAL: one entry per (account, reference key). Idempotent
	-- replay relies on losing inserts being able to find the winner.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_reference
		ON entries(account_id, reference_key) WHERE reference_key IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_entries_root
		ON entries(root_id);
	CREATE INDEX IF NOT EXISTS idx_entries_account_status
		ON entries(account_id, status);
	CREATE INDEX IF NOT EXISTS idx_entries_account_occurred
		ON entries(account_id, occurred_at);

	-- Account balances (optimistic concurrency via version)
	CREATE TABLE IF NOT EXISTS account_balances (
		account_id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Idempotency records
	CREATE TABLE IF NOT EXISTS idempotency_records (
		account_id TEXT NOT NULL,
		reference_key TEXT NOT NULL,
		status TEXT NOT NULL,
		result_snapshot BLOB,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (account_id, reference_key)
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_status
		ON idempotency_records(status, created_at);

	-- Accounts (privilege flags only; account lifecycle is external)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		subscribed BOOLEAN NOT NULL DEFAULT FALSE,
		subscription_end TEXT,
		created_at TEXT NOT NULL
	);

	-- Reconciliation issues
	CREATE TABLE IF NOT EXISTS reconciliation_issues (
		id TEXT PRIMARY KEY,
		operation_id TEXT NOT NULL,
		operation_kind TEXT NOT NULL,
		account_id TEXT NOT NULL,
		actor TEXT,
		occurred_at TEXT NOT NULL,
		payload BLOB,
		aspects_completed_json TEXT NOT NULL,
		aspects_pending_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		status TEXT NOT NULL,
		resolved_by TEXT,
		next_attempt_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_issues_due
		ON reconciliation_issues(status, next_attempt_at);

	-- Inventory
	CREATE TABLE IF NOT EXISTS inventory_items (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		unit_cost TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_account
		ON inventory_items(account_id);

	CREATE TABLE IF NOT EXISTS inventory_movements (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reason TEXT,
		reference_key TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_reference
		ON inventory_movements(reference_key) WHERE reference_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_movements_item
		ON inventory_movements(item_id);

	-- Audit events (async worker sink)
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		account_id TEXT,
		actor TEXT,
		data_json TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_type
		ON audit_events(event_type, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every ledger.Store call on one *sql.Tx. The parent's mutex
// is already held by WithTx, so no method here re-locks.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) InsertEntry(ctx context.Context, e ledger.Entry) error {
	return ts.parent.insertEntry(ctx, ts.tx, e)
}

func (ts *txStore) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return ts.parent.getEntry(ctx, ts.tx, id)
}

func (ts *txStore) FindEntryByReferenceKey(ctx context.Context, accountID ledger.AccountID, key string) (*ledger.Entry, error) {
	return ts.parent.findEntryByReferenceKey(ctx, ts.tx, accountID, key)
}

func (ts *txStore) MarkVoided(ctx context.Context, id ledger.EntryID, at time.Time, audit ledger.AuditEvent) error {
	return ts.parent.markTerminal(ctx, ts.tx, id, ledger.StatusVoided, at, audit)
}

func (ts *txStore) MarkSuperseded(ctx context.Context, id ledger.EntryID, at time.Time, audit ledger.AuditEvent) error {
	return ts.parent.markTerminal(ctx, ts.tx, id, ledger.StatusSuperseded, at, audit)
}

func (ts *txStore) LinkReversal(ctx context.Context, id, reversalID ledger.EntryID) error {
	return ts.parent.linkColumn(ctx, ts.tx, id, "reversal_entry_id", reversalID)
}

func (ts *txStore) LinkSuccessor(ctx context.Context, id, successorID ledger.EntryID) error {
	return ts.parent.linkColumn(ctx, ts.tx, id, "superseded_by", successorID)
}

func (ts *txStore) AppendAudit(ctx context.Context, id ledger.EntryID, audit ledger.AuditEvent) error {
	return ts.parent.appendAudit(ctx, ts.tx, id, audit)
}

func (ts *txStore) Reactivate(ctx context.Context, id ledger.EntryID, audit ledger.AuditEvent) error {
	return ts.parent.reactivate(ctx, ts.tx, id, audit)
}

func (ts *txStore) DeleteEntry(ctx context.Context, id ledger.EntryID) error {
	return ts.parent.deleteEntry(ctx, ts.tx, id)
}

func (ts *txStore) ListUnlinkedTerminal(ctx context.Context) ([]ledger.Entry, error) {
	return ts.parent.listUnlinkedTerminal(ctx, ts.tx)
}

func (ts *txStore) ListActiveEntries(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	return ts.parent.listActiveEntries(ctx, ts.tx, accountID)
}

func (ts *txStore) History(ctx context.Context, rootID ledger.EntryID) ([]ledger.Entry, error) {
	return ts.parent.history(ctx, ts.tx, rootID)
}

func (ts *txStore) CountActiveEntries(ctx context.Context, accountID ledger.AccountID, kinds []ledger.EntryKind, from, to time.Time) (int, error) {
	return ts.parent.countActiveEntries(ctx, ts.tx, accountID, kinds, from, to)
}

func (ts *txStore) SumEntries(ctx context.Context, accountID ledger.AccountID, kind ledger.EntryKind) (ledger.Amount, error) {
	return ts.parent.sumEntries(ctx, ts.tx, accountID, kind)
}

func (ts *txStore) GetBalance(ctx context.Context, accountID ledger.AccountID) (*ledger.AccountBalance, error) {
	return ts.parent.getBalance(ctx, ts.tx, accountID)
}

func (ts *txStore) ApplyBalanceDelta(ctx context.Context, accountID ledger.AccountID, delta ledger.Amount, expectedVersion int64, record ledger.Entry) (*ledger.AccountBalance, error) {
	return ts.parent.applyBalanceDelta(ctx, ts.tx, accountID, delta, expectedVersion, record)
}

func (ts *txStore) BeginIdempotent(ctx context.Context, accountID ledger.AccountID, key string, now time.Time) (*ledger.IdempotencyRecord, bool, error) {
	return ts.parent.beginIdempotent(ctx, ts.tx, accountID, key, now)
}

func (ts *txStore) FinalizeIdempotent(ctx context.Context, accountID ledger.AccountID, key string, status ledger.IdempotencyStatus, snapshot []byte, now time.Time) error {
	return ts.parent.finalizeIdempotent(ctx, ts.tx, accountID, key, status, snapshot, now)
}

func (ts *txStore) ReclaimStaleIdempotency(ctx context.Context, cutoff time.Time) (int, error) {
	return ts.parent.reclaimStaleIdempotency(ctx, ts.tx, cutoff)
}

func (ts *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return ts.parent.getAccount(ctx, ts.tx, id)
}

func (ts *txStore) SaveAccount(ctx context.Context, a ledger.Account) error {
	return ts.parent.saveAccount(ctx, ts.tx, a)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
