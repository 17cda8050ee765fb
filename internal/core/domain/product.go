package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Stock     int
	Version   int // bumped on every stock write
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StockUpdate is one staged stock decrement. Quantity is the total ordered
// against the product in a single placement, so a product appears at most
// once per batch.
type StockUpdate struct {
	ProductID     string
	Quantity      int
	PreviousStock int
	NewStock      int
	Version       int // product version after the write
}
