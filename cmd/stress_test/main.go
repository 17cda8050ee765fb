package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/order-placement/internal/adapter/storage"
	"github.com/rl1809/order-placement/internal/config"
	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/core/service"
	"github.com/rl1809/order-placement/internal/port"
	"github.com/rl1809/order-placement/pkg/logging"
)

const (
	productID     = "flash-sale-item"
	initialStock  = 20
	totalRequests = 50
)

// stockReader is implemented by every store this command can open.
type stockReader interface {
	port.DatabaseRepository
	currentStock(ctx context.Context) (int, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	log.Info("store ready", "driver", cfg.StoreDriver)

	var cache port.CacheRepository
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, running without cache", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer rdb.Close()
			cache = storage.NewRedisAdapter(rdb)
		}
	}

	orderService := service.NewOrderService(log, store, cache,
		service.WithConflictRetries(cfg.ConflictRetries),
		service.WithTimeout(cfg.OrderTimeout),
	)

	// request ids are unique per run so idempotency keys left in redis by an
	// earlier run do not reject this one
	runID := uuid.NewString()

	var successCount, outOfStockCount, failCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(buyer int) {
			defer wg.Done()

			buyerID := fmt.Sprintf("buyer-%d", buyer)
			_, err := orderService.PlaceOrderOnce(ctx, fmt.Sprintf("%s-%d", runID, buyer), buyerID, []domain.OrderItemRequest{
				{ProductID: productID, Quantity: 1},
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrOutOfStock):
				outOfStockCount.Add(1)
			default:
				failCount.Add(1)
				log.Error("unexpected placement failure", "buyer_id", buyerID, "error", err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	finalStock, err := store.currentStock(ctx)
	if err != nil {
		log.Error("failed to read final stock", "error", err)
		os.Exit(1)
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Store:            %s\n", cfg.StoreDriver)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", successCount.Load())
	fmt.Printf("Out of stock:     %d\n", outOfStockCount.Load())
	fmt.Printf("Other failures:   %d\n", failCount.Load())
	fmt.Printf("Final Stock:      %d\n", finalStock)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if successCount.Load() != initialStock || finalStock != 0 || failCount.Load() != 0 {
		fmt.Printf("FAIL: expected %d orders and stock 0\n", initialStock)
		os.Exit(1)
	}
	fmt.Printf("PASS: exactly %d orders succeeded, stock depleted to 0\n", initialStock)
}

func seedProduct() domain.Product {
	return domain.Product{
		ID:    productID,
		Name:  "Flash sale item",
		Price: decimal.RequireFromString("19.99"),
		Stock: initialStock,
	}
}

func openStore(ctx context.Context, cfg config.Config) (stockReader, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}

		adapter := storage.NewMySQLAdapter(db)
		if err := adapter.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		if err := adapter.SeedProducts(ctx, seedProduct()); err != nil {
			db.Close()
			return nil, nil, err
		}
		reader := &mysqlStock{MySQLAdapter: adapter, db: db}
		return reader, func() { db.Close() }, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}

		adapter := storage.NewPostgresAdapter(pool)
		if err := adapter.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := adapter.SeedProducts(ctx, seedProduct()); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return &postgresStock{PostgresAdapter: adapter, pool: pool}, pool.Close, nil

	default:
		adapter := storage.NewMemoryAdapter()
		adapter.SeedProducts(seedProduct())
		return &memoryStock{MemoryAdapter: adapter}, func() {}, nil
	}
}

type mysqlStock struct {
	*storage.MySQLAdapter
	db *sql.DB
}

func (s *mysqlStock) currentStock(ctx context.Context) (int, error) {
	var stock int
	err := s.db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = ?`, productID).Scan(&stock)
	return stock, err
}

type postgresStock struct {
	*storage.PostgresAdapter
	pool *pgxpool.Pool
}

func (s *postgresStock) currentStock(ctx context.Context) (int, error) {
	var stock int
	err := s.pool.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock)
	return stock, err
}

type memoryStock struct {
	*storage.MemoryAdapter
}

func (s *memoryStock) currentStock(ctx context.Context) (int, error) {
	p, ok := s.Product(productID)
	if !ok {
		return 0, fmt.Errorf("product %s missing", productID)
	}
	return p.Stock, nil
}
