package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderItemRequest is what the caller asks for. It is never stored as-is.
type OrderItemRequest struct {
	ProductID string
	Quantity  int
}

type Order struct {
	ID          string
	BuyerID     string
	TotalAmount decimal.Decimal
	Items       []OrderLineItem
	CreatedAt   time.Time
}

// OrderLineItem is created together with its order and never updated.
// UnitPrice is the product price at the time of purchase.
type OrderLineItem struct {
	OrderID   string
	LineNo    int
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
}

func (l OrderLineItem) Amount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}
