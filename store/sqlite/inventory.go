package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/inventory"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// INVENTORY STORE (inventory.Store interface)
// =============================================================================

func (s *Store) SaveItem(ctx context.Context, item inventory.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inventory_items (id, account_id, name, quantity, unit_price, unit_cost, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   quantity = excluded.quantity,
		   unit_price = excluded.unit_price,
		   unit_cost = excluded.unit_cost,
		   updated_at = excluded.updated_at`,
		item.ID, string(item.AccountID), item.Name, item.Quantity,
		item.UnitPrice.String(), item.UnitCost.String(),
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, id string) (*inventory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getItem(ctx, s.db, id)
}

func (s *Store) getItem(ctx context.Context, db dbtx, id string) (*inventory.Item, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, account_id, name, quantity, unit_price, unit_cost, created_at, updated_at
		 FROM inventory_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, inventory.ErrItemNotFound
	}
	return item, err
}

func (s *Store) ListItems(ctx context.Context, accountID ledger.AccountID) ([]inventory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, name, quantity, unit_price, unit_cost, created_at, updated_at
		 FROM inventory_items WHERE account_id = ? ORDER BY name`, string(accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var out []inventory.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// AdjustStock applies the movement and the quantity change in one
// transaction. A replay (same reference key) is detected by the unique
// movement index and treated as success.
func (s *Store) AdjustStock(ctx context.Context, itemID string, mv inventory.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx,
		`INSERT INTO inventory_movements (id, item_id, account_id, delta, reason, reference_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		mv.ID, mv.ItemID, string(mv.AccountID), mv.Delta, mv.Reason,
		nullString(mv.ReferenceKey), formatTime(mv.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			// Already applied under this key.
			return nil
		}
		return fmt.Errorf("failed to record movement: %w", err)
	}

	// The quantity guard lives in the WHERE clause: the decrement only
	// lands when stock covers it.
	res, err := sqlTx.ExecContext(ctx,
		`UPDATE inventory_items SET quantity = quantity + ?, updated_at = ?
		 WHERE id = ? AND quantity + ? >= 0`,
		mv.Delta, formatTime(mv.CreatedAt), itemID, mv.Delta)
	if err != nil {
		return fmt.Errorf("failed to adjust stock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.getItem(ctx, sqlTx, itemID); err != nil {
			return err
		}
		return inventory.ErrInsufficientStock
	}

	return sqlTx.Commit()
}

func (s *Store) ListMovements(ctx context.Context, itemID string) ([]inventory.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, account_id, delta, reason, reference_key, created_at
		 FROM inventory_movements WHERE item_id = ? ORDER BY created_at`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var out []inventory.Movement
	for rows.Next() {
		var (
			mv        inventory.Movement
			accountID string
			refKey    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&mv.ID, &mv.ItemID, &accountID, &mv.Delta, &mv.Reason, &refKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		mv.AccountID = ledger.AccountID(accountID)
		mv.ReferenceKey = refKey.String
		mv.CreatedAt = parseTime(createdAt)
		out = append(out, mv)
	}
	return out, rows.Err()
}

func scanItem(row rowScanner) (*inventory.Item, error) {
	var (
		item                 inventory.Item
		accountID            string
		price, cost          string
		createdAt, updatedAt string
	)
	err := row.Scan(&item.ID, &accountID, &item.Name, &item.Quantity,
		&price, &cost, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	item.AccountID = ledger.AccountID(accountID)
	item.UnitPrice = ledger.MustParseAmount(price)
	item.UnitCost = ledger.MustParseAmount(cost)
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	return &item, nil
}

// =============================================================================
// AUDIT SINK (audit.Sink interface)
// =============================================================================

func (s *Store) SaveEvent(ctx context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dataJSON, _ := json.Marshal(e.Data)
	metadataJSON, _ := json.Marshal(e.Metadata)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, event_type, account_id, actor, data_json, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Type, string(e.AccountID), e.Actor,
		string(dataJSON), string(metadataJSON), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save audit event: %w", err)
	}
	return nil
}

func (s *Store) ListEventsByType(ctx context.Context, eventType string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, account_id, actor, data_json, metadata_json, created_at
		 FROM audit_events WHERE event_type = ? ORDER BY created_at`, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			e                      audit.Event
			id, accountID          string
			dataJSON, metadataJSON sql.NullString
			createdAt              string
		)
		if err := rows.Scan(&id, &e.Type, &accountID, &e.Actor, &dataJSON, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.ID, _ = uuid.Parse(id)
		e.AccountID = ledger.AccountID(accountID)
		e.CreatedAt = parseTime(createdAt)
		if dataJSON.Valid && dataJSON.String != "" && dataJSON.String != "null" {
			var data any
			json.Unmarshal([]byte(dataJSON.String), &data)
			e.Data = data
		}
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
