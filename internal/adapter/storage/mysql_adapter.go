package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

type MySQLAdapter struct {
	db *sql.DB
}

var _ port.DatabaseRepository = (*MySQLAdapter)(nil)

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the products, orders and order_line_items tables.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	stmts, err := schemaStatements("mysql.sql")
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SeedProducts upserts catalog rows, resetting stock and version.
func (m *MySQLAdapter) SeedProducts(ctx context.Context, products ...domain.Product) error {
	for _, p := range products {
		_, err := m.db.ExecContext(ctx, `
			INSERT INTO products (id, name, price, stock, version) VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE name = VALUES(name), price = VALUES(price),
				stock = VALUES(stock), version = VALUES(version), updated_at = NOW(6)`,
			p.ID, p.Name, p.Price, p.Stock, p.Version,
		)
		if err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}
	return nil
}

func (m *MySQLAdapter) BeginTx(ctx context.Context) (port.Tx, error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", classifyMySQLError(err))
	}
	return &mysqlTx{tx: tx}, nil
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := m.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, total_amount, created_at
		FROM orders WHERE id = ?`, orderID,
	).Scan(&order.ID, &order.BuyerID, &order.TotalAmount, &order.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT order_id, line_no, product_id, quantity, unit_price
		FROM order_line_items WHERE order_id = ? ORDER BY line_no`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query line items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderLineItem
		if err := rows.Scan(&item.OrderID, &item.LineNo, &item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate line items: %w", err)
	}

	return &order, nil
}

type mysqlTx struct {
	tx *sql.Tx
}

// FetchProductsByIDs locks the rows with FOR UPDATE. Ordering by id keeps the
// lock order the same for every transaction.
func (t *mysqlTx) FetchProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	products := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return products, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, name, price, stock, version, created_at, updated_at
		FROM products WHERE id IN (`+placeholders(len(ids))+`)
		ORDER BY id FOR UPDATE`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", classifyMySQLError(err))
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", classifyMySQLError(err))
	}
	return products, nil
}

func (t *mysqlTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	id := uuid.NewString()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, buyer_id, total_amount, created_at)
		VALUES (?, ?, ?, ?)`,
		id, order.BuyerID, order.TotalAmount, order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", classifyMySQLError(err))
	}
	order.ID = id
	return nil
}

// BatchUpdateProducts decrements every product in a single UPDATE. The
// stock >= quantity guard makes a short row count a conflict instead of
// negative stock.
func (t *mysqlTx) BatchUpdateProducts(ctx context.Context, updates []domain.StockUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	var cases strings.Builder
	caseArgs := make([]any, 0, len(updates)*2)
	inArgs := make([]any, 0, len(updates))
	for _, u := range updates {
		cases.WriteString(" WHEN ? THEN ?")
		caseArgs = append(caseArgs, u.ProductID, u.Quantity)
		inArgs = append(inArgs, u.ProductID)
	}
	quantityByID := "CASE id" + cases.String() + " END"

	args := slices.Concat(caseArgs, inArgs, caseArgs)
	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - `+quantityByID+`, version = version + 1, updated_at = NOW(6)
		WHERE id IN (`+placeholders(len(updates))+`) AND stock >= `+quantityByID,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update products: %w", classifyMySQLError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update products: %w", err)
	}
	if rows != int64(len(updates)) {
		return fmt.Errorf("update products: %d of %d rows matched: %w", rows, len(updates), port.ErrConflict)
	}
	return nil
}

func (t *mysqlTx) BatchInsertLineItems(ctx context.Context, items []domain.OrderLineItem) error {
	if len(items) == 0 {
		return nil
	}

	values := make([]string, len(items))
	args := make([]any, 0, len(items)*5)
	for i, item := range items {
		values[i] = "(?, ?, ?, ?, ?)"
		args = append(args, item.OrderID, item.LineNo, item.ProductID, item.Quantity, item.UnitPrice)
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_line_items (order_id, line_no, product_id, quantity, unit_price)
		VALUES `+strings.Join(values, ", "),
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert line items: %w", classifyMySQLError(err))
	}
	return nil
}

func (t *mysqlTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return port.ErrTxClosed
		}
		return classifyMySQLError(err)
	}
	return nil
}

func (t *mysqlTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return port.ErrTxClosed
		}
		return err
	}
	return nil
}

// classifyMySQLError marks deadlocks and lock wait timeouts as conflicts so
// the caller can retry the transaction.
func classifyMySQLError(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrDeadlock, mysqlErrLockWaitTimeout:
			return fmt.Errorf("%w: %w", port.ErrConflict, err)
		}
	}
	return err
}
