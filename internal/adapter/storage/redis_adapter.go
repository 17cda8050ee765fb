package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/order-placement/internal/port"
)

const (
	stockKeyPrefix    = "stock:"
	idempotencyKeyTTL = 24 * time.Hour
)

var _ port.CacheRepository = (*RedisAdapter)(nil)

// setStockScript stores stock and version in a hash unless the cached
// version is already at or past the new one, so out-of-order publishes from
// concurrent commits cannot roll the snapshot back.
var setStockScript = redis.NewScript(`
local key = KEYS[1]
local stock = ARGV[1]
local version = tonumber(ARGV[2])

local current = redis.call('HGET', key, 'version')
if current and tonumber(current) >= version then
	return 0
end

redis.call('HSET', key, 'stock', stock, 'version', version)
return 1
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisAdapter) SetStock(ctx context.Context, productID string, stock, version int) (bool, error) {
	key := stockKeyPrefix + productID

	result, err := setStockScript.Run(ctx, r.client, []string{key}, stock, version).Int()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

// GetStock reads the cached snapshot. ok is false when nothing was published.
func (r *RedisAdapter) GetStock(ctx context.Context, productID string) (stock, version int, ok bool, err error) {
	key := stockKeyPrefix + productID

	cmd := r.client.HMGet(ctx, key, "stock", "version")
	values, err := cmd.Result()
	if err != nil {
		return 0, 0, false, err
	}
	if values[0] == nil || values[1] == nil {
		return 0, 0, false, nil
	}

	var snap struct {
		Stock   int `redis:"stock"`
		Version int `redis:"version"`
	}
	if err := cmd.Scan(&snap); err != nil {
		return 0, 0, false, err
	}
	return snap.Stock, snap.Version, true, nil
}
