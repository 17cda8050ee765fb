package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

type txState int

const (
	txIdle txState = iota
	txOpen
	txCommitted
	txRolledBack
)

func (s txState) String() string {
	switch s {
	case txIdle:
		return "idle"
	case txOpen:
		return "open"
	case txCommitted:
		return "committed"
	case txRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("txState(%d)", int(s))
	}
}

// txScope wraps a store transaction and tracks its state. Once committed or
// rolled back it refuses every further call with port.ErrTxClosed.
type txScope struct {
	tx    port.Tx
	state txState
}

var _ port.Tx = (*txScope)(nil)

func beginScope(ctx context.Context, db port.DatabaseRepository) (*txScope, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &txScope{tx: tx, state: txOpen}, nil
}

func (s *txScope) FetchProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	if s.state != txOpen {
		return nil, port.ErrTxClosed
	}
	return s.tx.FetchProductsByIDs(ctx, ids)
}

func (s *txScope) InsertOrder(ctx context.Context, order *domain.Order) error {
	if s.state != txOpen {
		return port.ErrTxClosed
	}
	return s.tx.InsertOrder(ctx, order)
}

func (s *txScope) BatchUpdateProducts(ctx context.Context, updates []domain.StockUpdate) error {
	if s.state != txOpen {
		return port.ErrTxClosed
	}
	return s.tx.BatchUpdateProducts(ctx, updates)
}

func (s *txScope) BatchInsertLineItems(ctx context.Context, items []domain.OrderLineItem) error {
	if s.state != txOpen {
		return port.ErrTxClosed
	}
	return s.tx.BatchInsertLineItems(ctx, items)
}

// Commit leaves the scope open when the store rejects the commit, so the
// deferred release still rolls it back.
func (s *txScope) Commit(ctx context.Context) error {
	if s.state != txOpen {
		return port.ErrTxClosed
	}
	if err := s.tx.Commit(ctx); err != nil {
		return err
	}
	s.state = txCommitted
	return nil
}

func (s *txScope) Rollback(ctx context.Context) error {
	if s.state != txOpen {
		return port.ErrTxClosed
	}
	s.state = txRolledBack
	return s.tx.Rollback(ctx)
}

// release rolls back a scope that is still open. It is a no-op otherwise.
// The rollback runs on a context detached from cancellation so a cancelled
// caller still gets its locks released. A store that already ended the
// transaction after a failed commit reports port.ErrTxClosed, which is fine.
func (s *txScope) release(ctx context.Context) (bool, error) {
	if s == nil || s.state != txOpen {
		return false, nil
	}
	err := s.Rollback(context.WithoutCancel(ctx))
	if errors.Is(err, port.ErrTxClosed) {
		err = nil
	}
	return true, err
}
