// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Store without transactions, which makes it the
// natural fixture for the two-phase/compensation paths. The Fail* hooks
// inject faults at exact points so rollback behavior is testable.
type Memory struct {
	mu       sync.RWMutex
	entries  map[ledger.EntryID]*ledger.Entry
	order    []ledger.EntryID
	byRef    map[refKey]ledger.EntryID
	balances map[ledger.AccountID]*ledger.AccountBalance
	idem     map[refKey]*ledger.IdempotencyRecord
	accounts map[ledger.AccountID]*ledger.Account

	// FailInsert, when set, is consulted before every entry insert; a
	// non-nil return aborts the insert with that error.
	FailInsert func(e ledger.Entry) error
	// FailApplyDelta, when set, aborts the next ApplyBalanceDelta.
	FailApplyDelta func() error
}

type refKey struct {
	AccountID ledger.AccountID
	Key       string
}

func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[ledger.EntryID]*ledger.Entry),
		byRef:    make(map[refKey]ledger.EntryID),
		balances: make(map[ledger.AccountID]*ledger.AccountBalance),
		idem:     make(map[refKey]*ledger.IdempotencyRecord),
		accounts: make(map[ledger.AccountID]*ledger.Account),
	}
}

// =============================================================================
// ENTRY STORE
// =============================================================================

func (m *Memory) InsertEntry(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailInsert != nil {
		if err := m.FailInsert(e); err != nil {
			return err
		}
	}
	if e.ReferenceKey != "" {
		if _, exists := m.byRef[refKey{e.AccountID, e.ReferenceKey}]; exists {
			return ledger.ErrDuplicateReferenceKey
		}
	}

	stored := cloneEntry(&e)
	m.entries[e.ID] = stored
	m.order = append(m.order, e.ID)
	if e.ReferenceKey != "" {
		m.byRef[refKey{e.AccountID, e.ReferenceKey}] = e.ID
	}
	return nil
}

func (m *Memory) GetEntry(_ context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	return cloneEntry(e), nil
}

func (m *Memory) FindEntryByReferenceKey(_ context.Context, accountID ledger.AccountID, key string) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[refKey{accountID, key}]
	if !ok {
		return nil, nil
	}
	return cloneEntry(m.entries[id]), nil
}

func (m *Memory) MarkVoided(_ context.Context, id ledger.EntryID, at time.Time, audit ledger.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	if e.Status != ledger.StatusActive {
		return ledger.ErrEntryNotActive
	}
	e.Status = ledger.StatusVoided
	t := at
	e.VoidedAt = &t
	e.AuditTrail = append(e.AuditTrail, audit)
	return nil
}

func (m *Memory) MarkSuperseded(_ context.Context, id ledger.EntryID, at time.Time, audit ledger.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	if e.Status != ledger.StatusActive {
		return ledger.ErrEntryNotActive
	}
	e.Status = ledger.StatusSuperseded
	t := at
	e.SupersededAt = &t
	e.AuditTrail = append(e.AuditTrail, audit)
	return nil
}

func (m *Memory) LinkReversal(_ context.Context, id, reversalID ledger.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	e.ReversalEntryID = reversalID
	return nil
}

func (m *Memory) LinkSuccessor(_ context.Context, id, successorID ledger.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	e.SupersededBy = successorID
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, id ledger.EntryID, audit ledger.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	e.AuditTrail = append(e.AuditTrail, audit)
	return nil
}

func (m *Memory) Reactivate(_ context.Context, id ledger.EntryID, audit ledger.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	e.Status = ledger.StatusActive
	e.VoidedAt = nil
	e.SupersededAt = nil
	e.ReversalEntryID = ""
	e.SupersededBy = ""
	e.AuditTrail = append(e.AuditTrail, audit)
	return nil
}

func (m *Memory) DeleteEntry(_ context.Context, id ledger.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	delete(m.entries, id)
	if e.ReferenceKey != "" {
		delete(m.byRef, refKey{e.AccountID, e.ReferenceKey})
	}
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) ListUnlinkedTerminal(_ context.Context) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Entry
	for _, id := range m.order {
		e := m.entries[id]
		if (e.Status == ledger.StatusVoided && e.ReversalEntryID == "") ||
			(e.Status == ledger.StatusSuperseded && e.SupersededBy == "") {
			out = append(out, *cloneEntry(e))
		}
	}
	return out, nil
}

func (m *Memory) ListActiveEntries(_ context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Entry
	for _, id := range m.order {
		e := m.entries[id]
		if e.AccountID != accountID || e.Status != ledger.StatusActive {
			continue
		}
		if e.Kind == ledger.KindCreditDebit || e.Kind == ledger.KindReversal {
			continue
		}
		out = append(out, *cloneEntry(e))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) History(_ context.Context, rootID ledger.EntryID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inChain := map[ledger.EntryID]bool{rootID: true}
	var out []ledger.Entry
	// Two passes: versions attach to the root, reversals attach to the
	// version they cancel.
	for _, id := range m.order {
		e := m.entries[id]
		if e.ID == rootID || (e.OriginalEntryID != "" && e.OriginalEntryID == rootID) {
			inChain[e.ID] = true
		}
	}
	for _, id := range m.order {
		e := m.entries[id]
		if inChain[e.ID] || (e.OriginalEntryID != "" && inChain[e.OriginalEntryID]) {
			out = append(out, *cloneEntry(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) CountActiveEntries(_ context.Context, accountID ledger.AccountID, kinds []ledger.EntryKind, from, to time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	kindSet := make(map[ledger.EntryKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	count := 0
	for _, e := range m.entries {
		if e.AccountID != accountID || e.Status != ledger.StatusActive || !kindSet[e.Kind] {
			continue
		}
		if e.OccurredAt.Before(from) || !e.OccurredAt.Before(to) {
			continue
		}
		count++
	}
	return count, nil
}

func (m *Memory) SumEntries(_ context.Context, accountID ledger.AccountID, kind ledger.EntryKind) (ledger.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := ledger.ZeroAmount()
	for _, e := range m.entries {
		if e.AccountID == accountID && e.Kind == kind && e.Status == ledger.StatusActive {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

// =============================================================================
// BALANCE STORE
// =============================================================================

func (m *Memory) GetBalance(_ context.Context, accountID ledger.AccountID) (*ledger.AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(accountID), nil
}

func (m *Memory) balanceLocked(accountID ledger.AccountID) *ledger.AccountBalance {
	bal, ok := m.balances[accountID]
	if !ok {
		bal = &ledger.AccountBalance{AccountID: accountID, Balance: ledger.ZeroAmount(), Version: 1}
		m.balances[accountID] = bal
	}
	out := *bal
	return &out
}

func (m *Memory) ApplyBalanceDelta(_ context.Context, accountID ledger.AccountID, delta ledger.Amount, expectedVersion int64, record ledger.Entry) (*ledger.AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailApplyDelta != nil {
		if err := m.FailApplyDelta(); err != nil {
			return nil, err
		}
	}

	bal, ok := m.balances[accountID]
	if !ok {
		bal = &ledger.AccountBalance{AccountID: accountID, Balance: ledger.ZeroAmount(), Version: 1}
		m.balances[accountID] = bal
	}
	if bal.Version != expectedVersion {
		return nil, ledger.ErrConflict
	}
	next := bal.Balance.Add(delta)
	if next.IsNegative() {
		return nil, &ledger.InsufficientCreditsError{
			AccountID: accountID,
			Required:  delta.Neg(),
			Balance:   bal.Balance,
		}
	}
	if record.ReferenceKey != "" {
		if _, exists := m.byRef[refKey{accountID, record.ReferenceKey}]; exists {
			return nil, ledger.ErrDuplicateReferenceKey
		}
	}

	bal.Balance = next
	bal.Version++
	bal.UpdatedAt = record.CreatedAt

	stored := cloneEntry(&record)
	m.entries[record.ID] = stored
	m.order = append(m.order, record.ID)
	if record.ReferenceKey != "" {
		m.byRef[refKey{accountID, record.ReferenceKey}] = record.ID
	}

	out := *bal
	return &out, nil
}

// =============================================================================
// IDEMPOTENCY STORE
// =============================================================================

func (m *Memory) BeginIdempotent(_ context.Context, accountID ledger.AccountID, key string, now time.Time) (*ledger.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := refKey{accountID, key}
	if rec, ok := m.idem[k]; ok {
		out := *rec
		return &out, false, nil
	}
	rec := &ledger.IdempotencyRecord{
		AccountID:    accountID,
		ReferenceKey: key,
		Status:       ledger.IdemInProgress,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.idem[k] = rec
	out := *rec
	return &out, true, nil
}

func (m *Memory) FinalizeIdempotent(_ context.Context, accountID ledger.AccountID, key string, status ledger.IdempotencyStatus, snapshot []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.idem[refKey{accountID, key}]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	rec.Status = status
	rec.ResultSnapshot = append([]byte(nil), snapshot...)
	rec.UpdatedAt = now
	return nil
}

func (m *Memory) ReclaimStaleIdempotency(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reclaimed := 0
	for _, rec := range m.idem {
		if rec.Status == ledger.IdemInProgress && rec.CreatedAt.Before(cutoff) {
			rec.Status = ledger.IdemFailed
			rec.UpdatedAt = cutoff
			reclaimed++
		}
	}
	return reclaimed, nil
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	out := *a
	return &out, nil
}

func (m *Memory) SaveAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := a
	m.accounts[a.ID] = &stored
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneEntry(e *ledger.Entry) *ledger.Entry {
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	out.AuditTrail = append([]ledger.AuditEvent(nil), e.AuditTrail...)
	if e.VoidedAt != nil {
		t := *e.VoidedAt
		out.VoidedAt = &t
	}
	if e.SupersededAt != nil {
		t := *e.SupersededAt
		out.SupersededAt = &t
	}
	return &out
}
