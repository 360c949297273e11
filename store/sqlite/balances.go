package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// BALANCE STORE (ledger.BalanceStore interface)
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, accountID ledger.AccountID) (*ledger.AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBalance(ctx, s.db, accountID)
}

func (s *Store) getBalance(ctx context.Context, db dbtx, accountID ledger.AccountID) (*ledger.AccountBalance, error) {
	// First sight of an account creates its zero-balance row.
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO account_balances (account_id, balance, version, updated_at)
		 VALUES (?, '0', 1, ?)`,
		string(accountID), formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to init balance: %w", err)
	}

	var (
		balance   string
		version   int64
		updatedAt string
	)
	err = db.QueryRowContext(ctx,
		`SELECT balance, version, updated_at FROM account_balances WHERE account_id = ?`,
		string(accountID)).Scan(&balance, &version, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return &ledger.AccountBalance{
		AccountID: accountID,
		Balance:   ledger.MustParseAmount(balance),
		Version:   version,
		UpdatedAt: parseTime(updatedAt),
	}, nil
}

func (s *Store) ApplyBalanceDelta(ctx context.Context, accountID ledger.AccountID, delta ledger.Amount, expectedVersion int64, record ledger.Entry) (*ledger.AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	bal, err := s.applyBalanceDelta(ctx, sqlTx, accountID, delta, expectedVersion, record)
	if err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit balance delta: %w", err)
	}
	return bal, nil
}

// applyBalanceDelta is the CAS write: the balance row moves and the
// credit_debit record lands in the same transaction or not at all.
func (s *Store) applyBalanceDelta(ctx context.Context, db dbtx, accountID ledger.AccountID, delta ledger.Amount, expectedVersion int64, record ledger.Entry) (*ledger.AccountBalance, error) {
	current, err := s.getBalance(ctx, db, accountID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, ledger.ErrConflict
	}
	next := current.Balance.Add(delta)
	if next.IsNegative() {
		return nil, &ledger.InsufficientCreditsError{
			AccountID: accountID,
			Required:  delta.Neg(),
			Balance:   current.Balance,
		}
	}

	now := record.CreatedAt
	res, err := db.ExecContext(ctx,
		`UPDATE account_balances SET balance = ?, version = version + 1, updated_at = ?
		 WHERE account_id = ? AND version = ?`,
		next.String(), formatTime(now), string(accountID), expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ledger.ErrConflict
	}

	if err := s.insertEntry(ctx, db, record); err != nil {
		return nil, err
	}

	return &ledger.AccountBalance{
		AccountID: accountID,
		Balance:   next,
		Version:   expectedVersion + 1,
		UpdatedAt: now,
	}, nil
}

// =============================================================================
// IDEMPOTENCY STORE (ledger.IdempotencyStore interface)
// =============================================================================

func (s *Store) BeginIdempotent(ctx context.Context, accountID ledger.AccountID, key string, now time.Time) (*ledger.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginIdempotent(ctx, s.db, accountID, key, now)
}

func (s *Store) beginIdempotent(ctx context.Context, db dbtx, accountID ledger.AccountID, key string, now time.Time) (*ledger.IdempotencyRecord, bool, error) {
	_, err := db.ExecContext(ctx,
		`INSERT INTO idempotency_records (account_id, reference_key, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		string(accountID), key, string(ledger.IdemInProgress),
		formatTime(now), formatTime(now))
	if err == nil {
		return &ledger.IdempotencyRecord{
			AccountID:    accountID,
			ReferenceKey: key,
			Status:       ledger.IdemInProgress,
			CreatedAt:    now,
			UpdatedAt:    now,
		}, true, nil
	}
	if !isUniqueConstraintError(err) {
		return nil, false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}

	rec, err := s.getIdempotencyRecord(ctx, db, accountID, key)
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

func (s *Store) getIdempotencyRecord(ctx context.Context, db dbtx, accountID ledger.AccountID, key string) (*ledger.IdempotencyRecord, error) {
	var (
		status               string
		snapshot             []byte
		createdAt, updatedAt string
	)
	err := db.QueryRowContext(ctx,
		`SELECT status, result_snapshot, created_at, updated_at
		 FROM idempotency_records WHERE account_id = ? AND reference_key = ?`,
		string(accountID), key).Scan(&status, &snapshot, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}
	return &ledger.IdempotencyRecord{
		AccountID:      accountID,
		ReferenceKey:   key,
		Status:         ledger.IdempotencyStatus(status),
		ResultSnapshot: snapshot,
		CreatedAt:      parseTime(createdAt),
		UpdatedAt:      parseTime(updatedAt),
	}, nil
}

func (s *Store) FinalizeIdempotent(ctx context.Context, accountID ledger.AccountID, key string, status ledger.IdempotencyStatus, snapshot []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizeIdempotent(ctx, s.db, accountID, key, status, snapshot, now)
}

func (s *Store) finalizeIdempotent(ctx context.Context, db dbtx, accountID ledger.AccountID, key string, status ledger.IdempotencyStatus, snapshot []byte, now time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE idempotency_records SET status = ?, result_snapshot = ?, updated_at = ?
		 WHERE account_id = ? AND reference_key = ?`,
		string(status), snapshot, formatTime(now), string(accountID), key)
	if err != nil {
		return fmt.Errorf("failed to finalize idempotency record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

func (s *Store) ReclaimStaleIdempotency(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reclaimStaleIdempotency(ctx, s.db, cutoff)
}

func (s *Store) reclaimStaleIdempotency(ctx context.Context, db dbtx, cutoff time.Time) (int, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE idempotency_records SET status = ?, updated_at = ?
		 WHERE status = ? AND created_at < ?`,
		string(ledger.IdemFailed), formatTime(cutoff),
		string(ledger.IdemInProgress), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim idempotency records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// ACCOUNT STORE (ledger.AccountStore interface)
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccount(ctx, s.db, id)
}

func (s *Store) getAccount(ctx context.Context, db dbtx, id ledger.AccountID) (*ledger.Account, error) {
	var (
		a               ledger.Account
		subscriptionEnd sql.NullString
		createdAt       string
	)
	err := db.QueryRowContext(ctx,
		`SELECT id, is_admin, subscribed, subscription_end, created_at
		 FROM accounts WHERE id = ?`, string(id)).
		Scan(&a.ID, &a.Admin, &a.Subscribed, &subscriptionEnd, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read account: %w", err)
	}
	a.SubscriptionEnd = parseTimePtr(subscriptionEnd)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func (s *Store) SaveAccount(ctx context.Context, a ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveAccount(ctx, s.db, a)
}

func (s *Store) saveAccount(ctx context.Context, db dbtx, a ledger.Account) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO accounts (id, is_admin, subscribed, subscription_end, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   is_admin = excluded.is_admin,
		   subscribed = excluded.subscribed,
		   subscription_end = excluded.subscription_end`,
		string(a.ID), a.Admin, a.Subscribed, nullTime(a.SubscriptionEnd), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}
