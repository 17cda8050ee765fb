package service

import (
	"math"
	"slices"

	"github.com/rl1809/order-placement/internal/core/domain"
)

// DistinctProductIDs returns every referenced product id once, sorted. It is
// the key set for the single bulk fetch.
func DistinctProductIDs(items []domain.OrderItemRequest) []string {
	ids, _ := aggregateQuantities(items)
	ids = slices.Clone(ids)
	slices.Sort(ids)
	return ids
}

// aggregateQuantities sums requested quantities per product. ids keeps the
// order in which products first appear in the request. Callers run
// ValidateRequest first so the sums cannot overflow.
func aggregateQuantities(items []domain.OrderItemRequest) (ids []string, totals map[string]int) {
	totals = make(map[string]int, len(items))
	ids = make([]string, 0, len(items))
	for _, item := range items {
		if _, seen := totals[item.ProductID]; !seen {
			ids = append(ids, item.ProductID)
		}
		totals[item.ProductID] += item.Quantity
	}
	return ids, totals
}

// ValidateRequest runs the structural checks that need no product data. A
// product whose summed quantity would overflow int is rejected.
func ValidateRequest(items []domain.OrderItemRequest) error {
	if len(items) == 0 {
		return domain.NewEmptyOrderError()
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return domain.NewInvalidQuantityError(item.ProductID, item.Quantity)
		}
	}

	totals := make(map[string]int, len(items))
	for _, item := range items {
		if totals[item.ProductID] > math.MaxInt-item.Quantity {
			return domain.NewInvalidQuantityError(item.ProductID, item.Quantity)
		}
		totals[item.ProductID] += item.Quantity
	}
	return nil
}

// Validate checks the request against the fetched products. Quantities for a
// product listed more than once are summed into one stock check. It has no
// side effects.
func Validate(items []domain.OrderItemRequest, products map[string]domain.Product) error {
	if err := ValidateRequest(items); err != nil {
		return err
	}

	ids, totals := aggregateQuantities(items)
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			return domain.NewProductNotFoundError(id)
		}
	}
	for _, id := range ids {
		available := products[id].Stock
		if requested := totals[id]; requested > available {
			return domain.NewOutOfStockError(id, requested, available)
		}
	}
	return nil
}
