// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	customers map[ledger.CustomerID]ledger.Customer
	vouchers  map[ledger.VoucherCode]ledger.Voucher
	history   map[ledger.CustomerID][]ledger.HistoryEntry
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		customers: make(map[ledger.CustomerID]ledger.Customer),
		vouchers:  make(map[ledger.VoucherCode]ledger.Voucher),
		history:   make(map[ledger.CustomerID][]ledger.HistoryEntry),
	}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// ListCustomerIDs returns all customer ids in id order.
func (m *Memory) ListCustomerIDs(ctx context.Context) ([]ledger.CustomerID, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Unavailable("memory: list customers", err)
	}

	m.mu.RLock()
	ids := make([]ledger.CustomerID, 0, len(m.customers))
	for id := range m.customers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn against a write buffer. Reads see the committed state
// plus the transaction's own writes. On success the buffer is applied under
// the write lock in one step; on error (or panic) it is discarded.
//
// The write lock is held only while applying, so transactions for different
// customers run concurrently. The Ledger's keyed locks keep transactions on
// the same customer or voucher from interleaving.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return ledger.Unavailable("memory: begin", err)
	}

	view := &txMemoryView{
		parent:        m,
		customers:     make(map[ledger.CustomerID]ledger.Customer),
		vouchers:      make(map[ledger.VoucherCode]ledger.Voucher),
		readCustomers: make(map[ledger.CustomerID]customerRead),
		readVouchers:  make(map[ledger.VoucherCode]voucherRead),
	}
	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ledger.Unavailable("memory: commit", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := view.validateLocked(); err != nil {
		return ledger.Unavailable("memory: commit", err)
	}
	view.commitLocked()
	return nil
}

// ErrWriteConflict aborts a transaction whose reads changed before commit.
// Ledger operations never see it; writers that bypass the Ledger's locks,
// such as voucher imports, can.
var ErrWriteConflict = errors.New("memory: write conflict")

// appendLocked keeps history in commit order; timestamps are not consulted.
func (m *Memory) appendLocked(e ledger.HistoryEntry) {
	m.history[e.CustomerID] = append(m.history[e.CustomerID], e)
}

type txMemoryView struct {
	parent    *Memory
	customers map[ledger.CustomerID]ledger.Customer
	vouchers  map[ledger.VoucherCode]ledger.Voucher
	history   []ledger.HistoryEntry

	// What each key looked like in the parent when first read.
	readCustomers map[ledger.CustomerID]customerRead
	readVouchers  map[ledger.VoucherCode]voucherRead
}

type customerRead struct {
	c     ledger.Customer
	found bool
}

type voucherRead struct {
	v     ledger.Voucher
	found bool
}

func (tv *txMemoryView) GetCustomer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Customer{}, ledger.Unavailable("memory: get customer", err)
	}
	if c, ok := tv.customers[id]; ok {
		return c, nil
	}

	tv.parent.mu.RLock()
	defer tv.parent.mu.RUnlock()
	c, ok := tv.parent.customers[id]
	if _, seen := tv.readCustomers[id]; !seen {
		tv.readCustomers[id] = customerRead{c: c, found: ok}
	}
	if !ok {
		return ledger.Customer{}, ledger.ErrCustomerNotFound
	}
	return c, nil
}

func (tv *txMemoryView) PutCustomer(ctx context.Context, c ledger.Customer) error {
	if err := ctx.Err(); err != nil {
		return ledger.Unavailable("memory: put customer", err)
	}
	tv.customers[c.ID] = c
	return nil
}

func (tv *txMemoryView) GetVoucher(ctx context.Context, code ledger.VoucherCode) (ledger.Voucher, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Voucher{}, ledger.Unavailable("memory: get voucher", err)
	}
	if v, ok := tv.vouchers[code]; ok {
		return v, nil
	}

	tv.parent.mu.RLock()
	defer tv.parent.mu.RUnlock()
	v, ok := tv.parent.vouchers[code]
	if _, seen := tv.readVouchers[code]; !seen {
		tv.readVouchers[code] = voucherRead{v: v, found: ok}
	}
	if !ok {
		return ledger.Voucher{}, ledger.ErrVoucherNotFound
	}
	return v, nil
}

func (tv *txMemoryView) PutVoucher(ctx context.Context, v ledger.Voucher) error {
	if err := ctx.Err(); err != nil {
		return ledger.Unavailable("memory: put voucher", err)
	}
	tv.vouchers[v.Code] = v
	return nil
}

func (tv *txMemoryView) AppendHistory(ctx context.Context, e ledger.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return ledger.Unavailable("memory: append history", err)
	}
	tv.history = append(tv.history, e)
	return nil
}

func (tv *txMemoryView) ListHistory(ctx context.Context, id ledger.CustomerID) ([]ledger.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Unavailable("memory: list history", err)
	}

	tv.parent.mu.RLock()
	committed := tv.parent.history[id]
	result := make([]ledger.HistoryEntry, len(committed), len(committed)+len(tv.history))
	copy(result, committed)
	tv.parent.mu.RUnlock()

	for _, e := range tv.history {
		if e.CustomerID == id {
			result = append(result, e)
		}
	}
	return result, nil
}

// validateLocked fails if a key this transaction read and then wrote was
// changed by another commit in the meantime.
func (tv *txMemoryView) validateLocked() error {
	for id := range tv.customers {
		r, seen := tv.readCustomers[id]
		if !seen {
			continue
		}
		cur, ok := tv.parent.customers[id]
		if ok != r.found || cur != r.c {
			return ErrWriteConflict
		}
	}
	for code := range tv.vouchers {
		r, seen := tv.readVouchers[code]
		if !seen {
			continue
		}
		cur, ok := tv.parent.vouchers[code]
		if ok != r.found || cur != r.v {
			return ErrWriteConflict
		}
	}
	return nil
}

func (tv *txMemoryView) commitLocked() {
	for id, c := range tv.customers {
		tv.parent.customers[id] = c
	}
	for code, v := range tv.vouchers {
		tv.parent.vouchers[code] = v
	}
	for _, e := range tv.history {
		tv.parent.appendLocked(e)
	}
}
