package inventory

import (
	"context"
	"sync"

	"github.com/warp/ledger-engine/ledger"
)

// Memory is an in-memory Store for tests and development. FailAdjust, when
// set, aborts the next AdjustStock with its error.
type Memory struct {
	mu        sync.RWMutex
	items     map[string]*Item
	movements []Movement
	applied   map[string]bool

	FailAdjust func() error
}

func NewMemory() *Memory {
	return &Memory{
		items:   make(map[string]*Item),
		applied: make(map[string]bool),
	}
}

func (m *Memory) SaveItem(_ context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := item
	m.items[item.ID] = &stored
	return nil
}

func (m *Memory) GetItem(_ context.Context, id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	out := *item
	return &out, nil
}

func (m *Memory) ListItems(_ context.Context, accountID ledger.AccountID) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Item
	for _, item := range m.items {
		if item.AccountID == accountID {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (m *Memory) AdjustStock(_ context.Context, itemID string, mv Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAdjust != nil {
		if err := m.FailAdjust(); err != nil {
			return err
		}
	}
	if mv.ReferenceKey != "" && m.applied[mv.ReferenceKey] {
		return nil
	}
	item, ok := m.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	next := item.Quantity + mv.Delta
	if next < 0 {
		return ErrInsufficientStock
	}
	item.Quantity = next
	item.UpdatedAt = mv.CreatedAt
	m.movements = append(m.movements, mv)
	if mv.ReferenceKey != "" {
		m.applied[mv.ReferenceKey] = true
	}
	return nil
}

func (m *Memory) ListMovements(_ context.Context, itemID string) ([]Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Movement
	for _, mv := range m.movements {
		if mv.ItemID == itemID {
			out = append(out, mv)
		}
	}
	return out, nil
}
