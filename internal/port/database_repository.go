package port

import (
	"context"
	"errors"

	"github.com/rl1809/order-placement/internal/core/domain"
)

var (
	// ErrConflict reports a transaction that lost a race (deadlock, serialization
	// failure, or a guarded update that matched fewer rows than staged). The whole
	// transaction may be retried.
	ErrConflict = errors.New("transaction conflict")

	// ErrTxClosed is returned by any call on a transaction after Commit or Rollback.
	ErrTxClosed = errors.New("transaction already closed")
)

type DatabaseRepository interface {
	// BeginTx opens a transaction scope. The caller must end it with Commit or Rollback.
	BeginTx(ctx context.Context) (Tx, error)

	// GetOrder loads an order and its line items. Returns nil, nil when absent.
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
}

// Tx is a transaction handle. All writes made through it become visible
// together on Commit or not at all.
type Tx interface {
	// FetchProductsByIDs reads every requested product in one call and locks
	// them for the rest of the transaction. Missing ids are absent from the map.
	FetchProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)

	// InsertOrder stores the order header and assigns order.ID.
	InsertOrder(ctx context.Context, order *domain.Order) error

	// BatchUpdateProducts applies all stock decrements in one write.
	BatchUpdateProducts(ctx context.Context, updates []domain.StockUpdate) error

	// BatchInsertLineItems stores all line items in one write.
	BatchInsertLineItems(ctx context.Context, items []domain.OrderLineItem) error

	Commit(ctx context.Context) error

	// Rollback is safe to call after Commit; it then returns ErrTxClosed.
	Rollback(ctx context.Context) error
}
