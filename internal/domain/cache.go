package domain

import (
	"context"
	"time"
)

// ComparisonCache stores ranked comparisons keyed by product. Every
// InvalidateProduct advances the product's generation; Set stores cmp only
// while the generation still equals gen, so a comparison built from listings
// read before an invalidation is never cached after it.
type ComparisonCache interface {
	Generation(ctx context.Context, productID int64) (int64, error)
	Set(ctx context.Context, key string, productID, gen int64, cmp Comparison) error
	Get(ctx context.Context, key string) (Comparison, error)
	InvalidateProduct(ctx context.Context, productID int64) error
}

// RateLimiter provides distributed request-count limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
