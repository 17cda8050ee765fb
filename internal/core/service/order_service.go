package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

const (
	defaultConflictRetries = 3
	stockPublishTimeout    = 2 * time.Second
)

type OrderService struct {
	db              port.DatabaseRepository
	cache           port.CacheRepository
	log             *slog.Logger
	mutator         *Mutator
	conflictRetries int
	timeout         time.Duration
	now             func() time.Time
}

type Option func(*OrderService)

// WithConflictRetries sets how many times a transaction that lost a race is
// re-run from the fetch. Zero disables retries.
func WithConflictRetries(n int) Option {
	return func(s *OrderService) {
		if n >= 0 {
			s.conflictRetries = n
		}
	}
}

// WithTimeout bounds each placement, retries included.
func WithTimeout(d time.Duration) Option {
	return func(s *OrderService) { s.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *OrderService) { s.now = now }
}

// NewOrderService wires the placement workflow. cache may be nil, in which
// case idempotency keys and stock publishing are disabled.
func NewOrderService(log *slog.Logger, db port.DatabaseRepository, cache port.CacheRepository, opts ...Option) *OrderService {
	if log == nil {
		log = slog.Default()
	}
	s := &OrderService{
		db:              db,
		cache:           cache,
		log:             log,
		conflictRetries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mutator = NewMutator(s.now)
	return s
}

// PlaceOrder validates the request, decrements stock, records the order with
// its line items and returns it. Either every effect is committed or none is.
// Failures are always *domain.OrderError.
func (s *OrderService) PlaceOrder(ctx context.Context, buyerID string, items []domain.OrderItemRequest) (domain.Order, error) {
	if buyerID == "" {
		return domain.Order{}, &domain.OrderError{Kind: domain.ErrInvalidBuyer}
	}
	if err := ValidateRequest(items); err != nil {
		return domain.Order{}, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ids := DistinctProductIDs(items)
	for attempt := 0; ; attempt++ {
		order, updates, err := s.placeOnce(ctx, buyerID, items, ids)
		if err == nil {
			s.log.Info("order placed",
				"order_id", order.ID,
				"buyer_id", buyerID,
				"lines", len(order.Items),
				"total", order.TotalAmount.String(),
				"attempt", attempt+1,
			)
			s.publishStock(ctx, updates)
			return order, nil
		}

		if errors.Is(err, port.ErrConflict) && attempt < s.conflictRetries && ctx.Err() == nil {
			s.log.Warn("order transaction conflict, retrying",
				"buyer_id", buyerID,
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}
		return domain.Order{}, domain.AsOrderError(err)
	}
}

func (s *OrderService) placeOnce(ctx context.Context, buyerID string, items []domain.OrderItemRequest, ids []string) (order domain.Order, updates []domain.StockUpdate, err error) {
	scope, err := beginScope(ctx, s.db)
	if err != nil {
		return domain.Order{}, nil, err
	}
	defer func() {
		r := recover()
		rolledBack, rbErr := scope.release(ctx)
		if rolledBack {
			cause := err
			if r != nil {
				cause = fmt.Errorf("panic: %v", r)
			}
			s.log.Warn("order transaction rolled back", "buyer_id", buyerID, "error", cause)
		}
		if rbErr != nil {
			s.log.Error("rollback failed", "buyer_id", buyerID, "error", rbErr)
		}
		if r != nil {
			panic(r)
		}
	}()

	products, err := scope.FetchProductsByIDs(ctx, ids)
	if err != nil {
		return domain.Order{}, nil, fmt.Errorf("fetch products: %w", err)
	}
	if err = Validate(items, products); err != nil {
		return domain.Order{}, nil, err
	}

	order, updates, err = s.mutator.Apply(ctx, scope, buyerID, items, products)
	if err != nil {
		return domain.Order{}, nil, err
	}

	if err = ctx.Err(); err != nil {
		return domain.Order{}, nil, err
	}
	if err = scope.Commit(ctx); err != nil {
		return domain.Order{}, nil, fmt.Errorf("commit: %w", err)
	}
	return order, updates, nil
}

// PlaceOrderOnce is PlaceOrder guarded by an idempotency key derived from the
// buyer and requestID. A second call with the same key fails with
// domain.ErrDuplicateRequest. A failed placement releases the key.
func (s *OrderService) PlaceOrderOnce(ctx context.Context, requestID, buyerID string, items []domain.OrderItemRequest) (domain.Order, error) {
	if s.cache == nil || requestID == "" {
		return s.PlaceOrder(ctx, buyerID, items)
	}

	key := fmt.Sprintf("order:%s:%s", buyerID, requestID)
	ok, err := s.cache.SetIdempotency(ctx, key)
	if err != nil {
		return domain.Order{}, domain.NewStoreFailureError(fmt.Errorf("idempotency check failed: %w", err))
	}
	if !ok {
		return domain.Order{}, &domain.OrderError{Kind: domain.ErrDuplicateRequest}
	}

	order, err := s.PlaceOrder(ctx, buyerID, items)
	if err != nil {
		if relErr := s.cache.ReleaseIdempotency(context.WithoutCancel(ctx), key); relErr != nil {
			s.log.Error("release idempotency key failed", "key", key, "error", relErr)
		}
		return domain.Order{}, err
	}
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, domain.NewStoreFailureError(fmt.Errorf("get order: %w", err))
	}
	if order == nil {
		return domain.Order{}, domain.NewOrderNotFoundError(orderID)
	}
	return *order, nil
}

// publishStock pushes committed stock levels to the cache. The order is
// already durable, so failures are only logged.
func (s *OrderService) publishStock(ctx context.Context, updates []domain.StockUpdate) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stockPublishTimeout)
	defer cancel()

	for _, u := range updates {
		if _, err := s.cache.SetStock(ctx, u.ProductID, u.NewStock, u.Version); err != nil {
			s.log.Warn("publish stock failed", "product_id", u.ProductID, "error", err)
		}
	}
}
