package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

var (
	errMissingSnapshot = errors.New("product snapshot missing after validation")
	errNegativePrice   = errors.New("negative price")
	errNegativeStock   = errors.New("stock would go negative")
)

// Plan holds everything a placement will write. Order.ID is empty until the
// store assigns it.
type Plan struct {
	Order   domain.Order
	Lines   []domain.OrderLineItem
	Updates []domain.StockUpdate
}

type Mutator struct {
	now func() time.Time
}

func NewMutator(now func() time.Time) *Mutator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Mutator{now: now}
}

// Plan prices every line and stages one stock update per product from the
// snapshots that were validated. It writes nothing.
func (m *Mutator) Plan(buyerID string, items []domain.OrderItemRequest, products map[string]domain.Product) (Plan, error) {
	lines := make([]domain.OrderLineItem, 0, len(items))
	total := decimal.Zero
	for i, item := range items {
		product, ok := products[item.ProductID]
		if !ok {
			return Plan{}, domain.NewInternalConsistencyError(item.ProductID, errMissingSnapshot)
		}
		if product.Price.IsNegative() {
			return Plan{}, domain.NewInternalConsistencyError(item.ProductID, errNegativePrice)
		}

		line := domain.OrderLineItem{
			LineNo:    i + 1,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: product.Price,
		}
		lines = append(lines, line)
		total = total.Add(line.Amount())
	}

	ids, totals := aggregateQuantities(items)
	updates := make([]domain.StockUpdate, 0, len(ids))
	for _, id := range ids {
		product := products[id]
		remaining := product.Stock - totals[id]
		if remaining < 0 {
			return Plan{}, domain.NewInternalConsistencyError(id, errNegativeStock)
		}
		updates = append(updates, domain.StockUpdate{
			ProductID:     id,
			Quantity:      totals[id],
			PreviousStock: product.Stock,
			NewStock:      remaining,
			Version:       product.Version + 1,
		})
	}

	return Plan{
		Order: domain.Order{
			BuyerID:     buyerID,
			TotalAmount: total,
			CreatedAt:   m.now(),
		},
		Lines:   lines,
		Updates: updates,
	}, nil
}

// Apply plans the placement and issues its writes on tx: the order header,
// then one batch of stock updates and one batch of line items.
func (m *Mutator) Apply(ctx context.Context, tx port.Tx, buyerID string, items []domain.OrderItemRequest, products map[string]domain.Product) (domain.Order, []domain.StockUpdate, error) {
	plan, err := m.Plan(buyerID, items, products)
	if err != nil {
		return domain.Order{}, nil, err
	}

	order := plan.Order
	if err := tx.InsertOrder(ctx, &order); err != nil {
		return domain.Order{}, nil, fmt.Errorf("insert order: %w", err)
	}
	if order.ID == "" {
		return domain.Order{}, nil, domain.NewInternalConsistencyError("", errors.New("store assigned no order id"))
	}

	lines := make([]domain.OrderLineItem, len(plan.Lines))
	for i, line := range plan.Lines {
		line.OrderID = order.ID
		lines[i] = line
	}

	if err := tx.BatchUpdateProducts(ctx, plan.Updates); err != nil {
		return domain.Order{}, nil, fmt.Errorf("update products: %w", err)
	}
	if err := tx.BatchInsertLineItems(ctx, lines); err != nil {
		return domain.Order{}, nil, fmt.Errorf("insert line items: %w", err)
	}

	order.Items = lines
	return order, plan.Updates, nil
}
