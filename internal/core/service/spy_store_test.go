package service

import (
	"context"
	"slices"
	"sync"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

const (
	stepFetch       = "fetch"
	stepInsertOrder = "insert_order"
	stepUpdate      = "batch_update"
	stepLines       = "batch_insert"
	stepCommit      = "commit"
)

// spyDB wraps a real store, counts every call that reaches it and can fail
// or panic at a chosen step.
type spyDB struct {
	inner port.DatabaseRepository

	mu          sync.Mutex
	begins      int
	fetches     int
	updateCalls int
	lineCalls   int
	commits     int
	rollbacks   int
	fetchedIDs  [][]string
	updateSizes []int
	lineSizes   []int

	failOn    string
	failErr   error
	failTimes int // 0 means every time
	failed    int
	panicOn   string
	hook      func(step string)
}

func newSpyDB(inner port.DatabaseRepository) *spyDB {
	return &spyDB{inner: inner}
}

func (s *spyDB) step(name string) error {
	s.mu.Lock()
	hook := s.hook
	shouldPanic := s.panicOn == name
	var err error
	if s.failOn == name && (s.failTimes == 0 || s.failed < s.failTimes) {
		s.failed++
		err = s.failErr
	}
	s.mu.Unlock()

	if hook != nil {
		hook(name)
	}
	if shouldPanic {
		panic("injected panic at " + name)
	}
	return err
}

func (s *spyDB) count(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *spyDB) BeginTx(ctx context.Context) (port.Tx, error) {
	tx, err := s.inner.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	s.count(func() { s.begins++ })
	return &spyTx{db: s, inner: tx}, nil
}

func (s *spyDB) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.inner.GetOrder(ctx, orderID)
}

type spyTx struct {
	db    *spyDB
	inner port.Tx
}

func (t *spyTx) FetchProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	if err := t.db.step(stepFetch); err != nil {
		return nil, err
	}
	t.db.count(func() {
		t.db.fetches++
		t.db.fetchedIDs = append(t.db.fetchedIDs, slices.Clone(ids))
	})
	return t.inner.FetchProductsByIDs(ctx, ids)
}

func (t *spyTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	if err := t.db.step(stepInsertOrder); err != nil {
		return err
	}
	return t.inner.InsertOrder(ctx, order)
}

func (t *spyTx) BatchUpdateProducts(ctx context.Context, updates []domain.StockUpdate) error {
	if err := t.db.step(stepUpdate); err != nil {
		return err
	}
	t.db.count(func() {
		t.db.updateCalls++
		t.db.updateSizes = append(t.db.updateSizes, len(updates))
	})
	return t.inner.BatchUpdateProducts(ctx, updates)
}

func (t *spyTx) BatchInsertLineItems(ctx context.Context, items []domain.OrderLineItem) error {
	if err := t.db.step(stepLines); err != nil {
		return err
	}
	t.db.count(func() {
		t.db.lineCalls++
		t.db.lineSizes = append(t.db.lineSizes, len(items))
	})
	return t.inner.BatchInsertLineItems(ctx, items)
}

func (t *spyTx) Commit(ctx context.Context) error {
	if err := t.db.step(stepCommit); err != nil {
		return err
	}
	if err := t.inner.Commit(ctx); err != nil {
		return err
	}
	t.db.count(func() { t.db.commits++ })
	return nil
}

func (t *spyTx) Rollback(ctx context.Context) error {
	t.db.count(func() { t.db.rollbacks++ })
	return t.inner.Rollback(ctx)
}

// mockCacheRepo mirrors the redis adapter in memory.
type mockCacheRepo struct {
	mu             sync.Mutex
	idempotencySet map[string]bool
	stock          map[string][2]int // stock, version
	released       []string
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{
		idempotencySet: make(map[string]bool),
		stock:          make(map[string][2]int),
	}
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.idempotencySet[key] {
		return false, nil
	}
	m.idempotencySet[key] = true
	return true, nil
}

func (m *mockCacheRepo) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotencySet, key)
	m.released = append(m.released, key)
	return nil
}

func (m *mockCacheRepo) SetStock(ctx context.Context, productID string, stock, version int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.stock[productID]; ok && cur[1] >= version {
		return false, nil
	}
	m.stock[productID] = [2]int{stock, version}
	return true, nil
}
