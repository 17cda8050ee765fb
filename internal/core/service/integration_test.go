package service_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/order-placement/internal/adapter/storage"
	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/core/service"
)

type testEnv struct {
	redis   *redis.Client
	mysql   *sql.DB
	cache   *storage.RedisAdapter
	db      *storage.MySQLAdapter
	cleanup func()
}

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/flashsale?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		rdb.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		rdb.Close()
		db.Close()
		t.Skipf("MySQL not available: %v", err)
	}

	adapter := storage.NewMySQLAdapter(db)
	if err := adapter.Migrate(context.Background()); err != nil {
		rdb.Close()
		db.Close()
		t.Fatalf("migrate failed: %v", err)
	}

	return &testEnv{
		redis: rdb,
		mysql: db,
		cache: storage.NewRedisAdapter(rdb),
		db:    adapter,
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

func (e *testEnv) seed(t *testing.T, price string, stock int) string {
	ctx := context.Background()
	productID := "it-" + uuid.NewString()[:8]
	err := e.db.SeedProducts(ctx, domain.Product{
		ID: productID, Name: "integration item", Price: decimal.RequireFromString(price), Stock: stock,
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	t.Cleanup(func() {
		e.mysql.ExecContext(ctx, `DELETE FROM order_line_items WHERE product_id = ?`, productID)
		e.mysql.ExecContext(ctx, `DELETE FROM orders WHERE buyer_id LIKE ?`, productID+"%")
		e.mysql.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, productID)
		e.redis.Del(ctx, "stock:"+productID)
	})
	return productID
}

func newService(env *testEnv) *service.OrderService {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return service.NewOrderService(log, env.db, env.cache)
}

func TestIntegration_ConcurrentPlacement(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	initialStock := 10
	productID := env.seed(t, "9.99", initialStock)
	svc := newService(env)

	var successCount, outOfStock atomic.Int32
	var wg sync.WaitGroup
	totalRequests := 20

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PlaceOrderOnce(ctx, uuid.NewString(), productID+"-buyer", []domain.OrderItemRequest{
				{ProductID: productID, Quantity: 1},
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrOutOfStock):
				outOfStock.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d successful orders, got %d", initialStock, successCount.Load())
	}
	if outOfStock.Load() != int32(totalRequests-initialStock) {
		t.Errorf("expected %d out of stock, got %d", totalRequests-initialStock, outOfStock.Load())
	}

	// Verify MySQL
	var orderCount, stock int
	env.mysql.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_line_items WHERE product_id = ?`, productID).Scan(&orderCount)
	env.mysql.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = ?`, productID).Scan(&stock)
	if orderCount != initialStock {
		t.Errorf("expected %d line items, got %d", initialStock, orderCount)
	}
	if stock != 0 {
		t.Errorf("expected stock 0, got %d", stock)
	}

	// Verify the published snapshot
	cached, version, ok, err := env.cache.GetStock(ctx, productID)
	if err != nil || !ok {
		t.Fatalf("expected cached stock, got ok=%v err=%v", ok, err)
	}
	if cached != 0 || version != initialStock {
		t.Errorf("expected cached stock 0 version %d, got %d %d", initialStock, cached, version)
	}
}

func TestIntegration_FailedOrderLeavesNoTrace(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	enough := env.seed(t, "1.00", 5)
	scarce := env.seed(t, "2.00", 1)
	svc := newService(env)

	_, err := svc.PlaceOrder(ctx, enough+"-buyer", []domain.OrderItemRequest{
		{ProductID: enough, Quantity: 2},
		{ProductID: scarce, Quantity: 3},
	})
	if !errors.Is(err, domain.ErrOutOfStock) {
		t.Fatalf("expected out of stock, got %v", err)
	}

	var stock, orders int
	env.mysql.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = ?`, enough).Scan(&stock)
	env.mysql.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE buyer_id = ?`, enough+"-buyer").Scan(&orders)
	if stock != 5 {
		t.Errorf("expected stock 5, got %d", stock)
	}
	if orders != 0 {
		t.Errorf("expected no orders, got %d", orders)
	}
}

func TestIntegration_IdempotencyPreventsDoubleOrder(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	productID := env.seed(t, "3.00", 10)
	requestID := "same-request-id-" + uuid.NewString()
	buyerID := productID + "-buyer"
	defer env.redis.Del(ctx, "order:"+buyerID+":"+requestID)

	svc := newService(env)
	items := []domain.OrderItemRequest{{ProductID: productID, Quantity: 1}}

	order, err := svc.PlaceOrderOnce(ctx, requestID, buyerID, items)
	if err != nil {
		t.Fatalf("first placement failed: %v", err)
	}

	_, err = svc.PlaceOrderOnce(ctx, requestID, buyerID, items)
	if !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got: %v", err)
	}

	stored, err := svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if len(stored.Items) != 1 || !stored.TotalAmount.Equal(decimal.RequireFromString("3.00")) {
		t.Errorf("unexpected stored order %+v", stored)
	}

	var stock int
	env.mysql.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = ?`, productID).Scan(&stock)
	if stock != 9 {
		t.Errorf("expected stock 9, got %d", stock)
	}
}
