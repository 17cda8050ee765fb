package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

var errLockOrder = errors.New("lock order violated")

// memoryRow is one product plus its row lock. The lock is a one-slot channel
// so acquiring it can be abandoned when the context is done.
type memoryRow struct {
	lock    chan struct{}
	product domain.Product
}

// MemoryAdapter is an in-process transactional store. A transaction locks the
// products it fetches, in sorted id order, until it commits or rolls back.
// Writes are buffered in the transaction and applied on commit.
type MemoryAdapter struct {
	mu        sync.RWMutex
	products  map[string]*memoryRow
	orders    map[string]domain.Order
	lineItems map[string][]domain.OrderLineItem
}

var _ port.DatabaseRepository = (*MemoryAdapter)(nil)

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		products:  make(map[string]*memoryRow),
		orders:    make(map[string]domain.Order),
		lineItems: make(map[string][]domain.OrderLineItem),
	}
}

// SeedProducts inserts or replaces catalog entries. Replacing a product that
// a running transaction holds is not supported.
func (m *MemoryAdapter) SeedProducts(products ...domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, p := range products {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		if row, ok := m.products[p.ID]; ok {
			row.product = p
			continue
		}
		m.products[p.ID] = &memoryRow{lock: make(chan struct{}, 1), product: p}
	}
}

func (m *MemoryAdapter) Product(id string) (domain.Product, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.products[id]
	if !ok {
		return domain.Product{}, false
	}
	return row.product, true
}

func (m *MemoryAdapter) OrderCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}

func (m *MemoryAdapter) LineItemCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, items := range m.lineItems {
		n += len(items)
	}
	return n
}

func (m *MemoryAdapter) BeginTx(ctx context.Context) (port.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTx{store: m, held: make(map[string]*memoryRow)}, nil
}

func (m *MemoryAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	order.Items = slices.Clone(m.lineItems[orderID])
	return &order, nil
}

type memoryTx struct {
	store   *MemoryAdapter
	held    map[string]*memoryRow
	lockSeq []*memoryRow
	lockIDs []string
	order   *domain.Order
	updates []domain.StockUpdate
	lines   []domain.OrderLineItem
	done    bool
}

// FetchProductsByIDs locks the found products in sorted id order. A later
// fetch in the same transaction may only add ids that sort after every id
// already locked; anything else fails with errLockOrder.
func (t *memoryTx) FetchProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	if t.done {
		return nil, port.ErrTxClosed
	}

	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	t.store.mu.RLock()
	found := make([]string, 0, len(sorted))
	rows := make(map[string]*memoryRow, len(sorted))
	for _, id := range sorted {
		if row, ok := t.store.products[id]; ok {
			found = append(found, id)
			rows[id] = row
		}
	}
	t.store.mu.RUnlock()

	for _, id := range found {
		if _, ok := t.held[id]; ok {
			continue
		}
		if n := len(t.lockIDs); n > 0 && id < t.lockIDs[n-1] {
			return nil, fmt.Errorf("product %s would be locked after %s: %w", id, t.lockIDs[n-1], errLockOrder)
		}
		row := rows[id]
		select {
		case row.lock <- struct{}{}:
			t.held[id] = row
			t.lockSeq = append(t.lockSeq, row)
			t.lockIDs = append(t.lockIDs, id)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	products := make(map[string]domain.Product, len(found))
	for _, id := range found {
		products[id] = rows[id].product
	}
	return products, nil
}

func (t *memoryTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	if t.done {
		return port.ErrTxClosed
	}
	if t.order != nil {
		return fmt.Errorf("order already inserted in this transaction")
	}
	order.ID = uuid.NewString()
	staged := *order
	staged.Items = nil
	t.order = &staged
	return nil
}

func (t *memoryTx) BatchUpdateProducts(ctx context.Context, updates []domain.StockUpdate) error {
	if t.done {
		return port.ErrTxClosed
	}
	for _, u := range updates {
		if _, ok := t.held[u.ProductID]; !ok {
			return fmt.Errorf("product %s not locked by this transaction", u.ProductID)
		}
	}
	t.updates = append(t.updates, updates...)
	return nil
}

func (t *memoryTx) BatchInsertLineItems(ctx context.Context, items []domain.OrderLineItem) error {
	if t.done {
		return port.ErrTxClosed
	}
	if t.order == nil {
		return fmt.Errorf("line items inserted before order")
	}
	for _, item := range items {
		if item.OrderID != t.order.ID {
			return fmt.Errorf("line item %d references unknown order %q", item.LineNo, item.OrderID)
		}
	}
	t.lines = append(t.lines, items...)
	return nil
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if t.done {
		return port.ErrTxClosed
	}
	t.done = true
	defer t.unlock()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for _, u := range t.updates {
		row := t.held[u.ProductID]
		if row.product.Stock < u.Quantity {
			return fmt.Errorf("product %s: %w", u.ProductID, port.ErrConflict)
		}
	}

	now := time.Now().UTC()
	for _, u := range t.updates {
		row := t.held[u.ProductID]
		row.product.Stock -= u.Quantity
		row.product.Version++
		row.product.UpdatedAt = now
	}
	if t.order != nil {
		t.store.orders[t.order.ID] = *t.order
		t.store.lineItems[t.order.ID] = slices.Clone(t.lines)
	}
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	if t.done {
		return port.ErrTxClosed
	}
	t.done = true
	t.unlock()
	return nil
}

func (t *memoryTx) unlock() {
	for i := len(t.lockSeq) - 1; i >= 0; i-- {
		<-t.lockSeq[i].lock
	}
	t.lockSeq = nil
	t.lockIDs = nil
	t.held = nil
}
