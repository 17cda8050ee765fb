package port

import "context"

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency removes a claimed key so a failed request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error

	// SetStock publishes a committed stock level. Writes carrying a version
	// older than the cached one are ignored; the result reports whether it was stored.
	SetStock(ctx context.Context, productID string, stock, version int) (bool, error)
}
