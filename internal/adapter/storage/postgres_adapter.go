package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

// SQLSTATE codes treated as a lost race.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

type PostgresAdapter struct {
	pool *pgxpool.Pool
}

var _ port.DatabaseRepository = (*PostgresAdapter)(nil)

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool}
}

func (p *PostgresAdapter) Migrate(ctx context.Context) error {
	stmts, err := schemaStatements("postgres.sql")
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresAdapter) SeedProducts(ctx context.Context, products ...domain.Product) error {
	batch := &pgx.Batch{}
	for _, pr := range products {
		batch.Queue(`INSERT INTO products (id, name, price, stock, version) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET name = $2, price = $3, stock = $4, version = $5, updated_at = now()`,
			pr.ID, pr.Name, toNumeric(pr.Price), pr.Stock, pr.Version)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed products: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) BeginTx(ctx context.Context) (port.Tx, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", classifyPgError(err))
	}
	return &pgTx{tx: tx}, nil
}

func (p *PostgresAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	id, err := uuid.Parse(orderID)
	if err != nil {
		return nil, nil
	}

	var (
		order domain.Order
		total pgtype.Numeric
	)
	err = p.pool.QueryRow(ctx, `SELECT id::text, buyer_id, total_amount, created_at FROM orders WHERE id = $1`, id).
		Scan(&order.ID, &order.BuyerID, &total, &order.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	order.TotalAmount = fromNumeric(total)

	rows, err := p.pool.Query(ctx, `SELECT order_id::text, line_no, product_id, quantity, unit_price
		FROM order_line_items WHERE order_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return nil, fmt.Errorf("query line items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item  domain.OrderLineItem
			price pgtype.Numeric
		)
		if err := rows.Scan(&item.OrderID, &item.LineNo, &item.ProductID, &item.Quantity, &price); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		item.UnitPrice = fromNumeric(price)
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate line items: %w", err)
	}
	return &order, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) FetchProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	products := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return products, nil
	}

	rows, err := t.tx.Query(ctx, `
		SELECT id, name, price, stock, version, created_at, updated_at
		FROM products WHERE id = ANY($1)
		ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", classifyPgError(err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			pr    domain.Product
			price pgtype.Numeric
		)
		if err := rows.Scan(&pr.ID, &pr.Name, &price, &pr.Stock, &pr.Version, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		pr.Price = fromNumeric(price)
		products[pr.ID] = pr
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", classifyPgError(err))
	}
	return products, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	id := uuid.New()
	_, err := t.tx.Exec(ctx, `INSERT INTO orders (id, buyer_id, total_amount, created_at) VALUES ($1, $2, $3, $4)`,
		id, order.BuyerID, toNumeric(order.TotalAmount), order.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", classifyPgError(err))
	}
	order.ID = id.String()
	return nil
}

func (t *pgTx) BatchUpdateProducts(ctx context.Context, updates []domain.StockUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	ids := make([]string, len(updates))
	quantities := make([]int32, len(updates))
	for i, u := range updates {
		ids[i] = u.ProductID
		quantities[i] = int32(u.Quantity)
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE products AS p
		SET stock = p.stock - v.qty, version = p.version + 1, updated_at = now()
		FROM unnest($1::text[], $2::int[]) AS v(id, qty)
		WHERE p.id = v.id AND p.stock >= v.qty`, ids, quantities)
	if err != nil {
		return fmt.Errorf("update products: %w", classifyPgError(err))
	}
	if tag.RowsAffected() != int64(len(updates)) {
		return fmt.Errorf("update products: %d of %d rows matched: %w", tag.RowsAffected(), len(updates), port.ErrConflict)
	}
	return nil
}

// BatchInsertLineItems streams every line item with one COPY.
func (t *pgTx) BatchInsertLineItems(ctx context.Context, items []domain.OrderLineItem) error {
	if len(items) == 0 {
		return nil
	}

	rows := make([][]any, len(items))
	for i, item := range items {
		orderID, err := uuid.Parse(item.OrderID)
		if err != nil {
			return fmt.Errorf("line item %d: order id: %w", item.LineNo, err)
		}
		rows[i] = []any{orderID, int32(item.LineNo), item.ProductID, int32(item.Quantity), toNumeric(item.UnitPrice)}
	}

	n, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"order_line_items"},
		[]string{"order_id", "line_no", "product_id", "quantity", "unit_price"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy line items: %w", classifyPgError(err))
	}
	if n != int64(len(items)) {
		return fmt.Errorf("copy line items: wrote %d of %d", n, len(items))
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return port.ErrTxClosed
		}
		return classifyPgError(err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return port.ErrTxClosed
		}
		return err
	}
	return nil
}

func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return fmt.Errorf("%w: %w", port.ErrConflict, err)
		}
	}
	return err
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(new(big.Int).Set(n.Int), n.Exp)
}
