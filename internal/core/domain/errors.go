package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error kinds. Match them with errors.Is; the structured fields live on *OrderError.
var (
	ErrEmptyOrder          = errors.New("empty order")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrInvalidBuyer        = errors.New("invalid buyer")
	ErrProductNotFound     = errors.New("product not found")
	ErrOutOfStock          = errors.New("out of stock")
	ErrInternalConsistency = errors.New("internal consistency error")
	ErrStoreFailure        = errors.New("store failure")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrOrderNotFound       = errors.New("order not found")
)

// OrderError is the single error type returned by order placement.
// Kind is one of the sentinels above. Err, when set, is the underlying cause.
type OrderError struct {
	Kind      error
	ProductID string
	OrderID   string
	Requested int
	Available int
	Err       error
}

func (e *OrderError) Error() string {
	var b strings.Builder
	if e.Kind == nil {
		b.WriteString("order error")
	} else {
		b.WriteString(e.Kind.Error())
	}

	switch e.Kind {
	case ErrInvalidQuantity:
		fmt.Fprintf(&b, ": product %s quantity %d", e.ProductID, e.Requested)
	case ErrProductNotFound:
		fmt.Fprintf(&b, ": product %s", e.ProductID)
	case ErrOutOfStock:
		fmt.Fprintf(&b, ": product %s requested %d available %d", e.ProductID, e.Requested, e.Available)
	case ErrOrderNotFound:
		fmt.Fprintf(&b, ": order %s", e.OrderID)
	default:
		if e.ProductID != "" {
			fmt.Fprintf(&b, ": product %s", e.ProductID)
		}
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *OrderError) Is(target error) bool {
	return e.Kind == target
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// GRPCStatus lets status.FromError report a precise code for each kind.
func (e *OrderError) GRPCStatus() *status.Status {
	return status.New(e.code(), e.Error())
}

func (e *OrderError) code() codes.Code {
	switch e.Kind {
	case ErrEmptyOrder, ErrInvalidQuantity, ErrInvalidBuyer:
		return codes.InvalidArgument
	case ErrProductNotFound, ErrOrderNotFound:
		return codes.NotFound
	case ErrOutOfStock:
		return codes.FailedPrecondition
	case ErrDuplicateRequest:
		return codes.AlreadyExists
	case ErrStoreFailure:
		switch {
		case errors.Is(e.Err, context.Canceled):
			return codes.Canceled
		case errors.Is(e.Err, context.DeadlineExceeded):
			return codes.DeadlineExceeded
		}
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func NewEmptyOrderError() *OrderError {
	return &OrderError{Kind: ErrEmptyOrder}
}

func NewInvalidQuantityError(productID string, quantity int) *OrderError {
	return &OrderError{Kind: ErrInvalidQuantity, ProductID: productID, Requested: quantity}
}

func NewProductNotFoundError(productID string) *OrderError {
	return &OrderError{Kind: ErrProductNotFound, ProductID: productID}
}

func NewOutOfStockError(productID string, requested, available int) *OrderError {
	return &OrderError{Kind: ErrOutOfStock, ProductID: productID, Requested: requested, Available: available}
}

func NewInternalConsistencyError(productID string, err error) *OrderError {
	return &OrderError{Kind: ErrInternalConsistency, ProductID: productID, Err: err}
}

func NewStoreFailureError(err error) *OrderError {
	return &OrderError{Kind: ErrStoreFailure, Err: err}
}

func NewOrderNotFoundError(orderID string) *OrderError {
	return &OrderError{Kind: ErrOrderNotFound, OrderID: orderID}
}

// AsOrderError returns err as an *OrderError, wrapping anything else as a
// store failure. A nil err stays nil.
func AsOrderError(err error) *OrderError {
	if err == nil {
		return nil
	}
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe
	}
	return NewStoreFailureError(err)
}
