package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

//go:embed scripts/min_interval.lua
var minIntervalLua string

// RateLimiter implements domain.RateLimiter with a sliding window kept in a
// sorted set and updated by an atomic Lua script. The HTTP API uses it to
// throttle clients.
type RateLimiter struct {
	c             *Client
	rdb           *redis.Client
	slidingWindow *redis.Script
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		c:             c,
		rdb:           c.Underlying(),
		slidingWindow: redis.NewScript(slidingWindowLua),
	}
}

// Allow reports whether a request for key fits in the window and counts it
// when it does.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	result, err := rl.slidingWindow.Run(
		ctx,
		rl.rdb,
		[]string{rl.c.Key("ratelimit", key)},
		time.Now().UnixMicro(),
		window.Microseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}
	return result[0] == 1, nil
}

// Pacer implements domain.Pacer across processes: every request to a
// platform reserves the next slot at least one interval after the previous
// one, so all workers sharing the Redis instance respect the same spacing.
type Pacer struct {
	c           *Client
	rdb         *redis.Client
	minInterval *redis.Script
	intervals   map[domain.PlatformID]time.Duration
	fallback    time.Duration
}

// NewPacer creates a Pacer. Platforms absent from intervals use fallback;
// a zero interval disables pacing for that platform.
func NewPacer(c *Client, fallback time.Duration, intervals map[domain.PlatformID]time.Duration) (*Pacer, error) {
	if fallback < 0 {
		return nil, fmt.Errorf("redis: pacer: negative default interval %s", fallback)
	}
	copied := make(map[domain.PlatformID]time.Duration, len(intervals))
	for id, d := range intervals {
		if d < 0 {
			return nil, fmt.Errorf("redis: pacer: negative interval %s for %s", d, id)
		}
		copied[id] = d
	}
	return &Pacer{
		c:           c,
		rdb:         c.Underlying(),
		minInterval: redis.NewScript(minIntervalLua),
		intervals:   copied,
		fallback:    fallback,
	}, nil
}

// Acquire reserves the platform's next slot and sleeps until it arrives. A
// cancelled ctx abandons the wait; the reserved slot is not returned.
func (p *Pacer) Acquire(ctx context.Context, platform domain.PlatformID) error {
	interval, ok := p.intervals[platform]
	if !ok {
		interval = p.fallback
	}
	if interval <= 0 {
		return ctx.Err()
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= 0 {
		return context.DeadlineExceeded
	}

	waitMicros, err := p.minInterval.Run(
		ctx,
		p.rdb,
		[]string{p.c.Key("pace", string(platform))},
		time.Now().UnixMicro(),
		interval.Microseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis: pace %s: %w", platform, err)
	}
	if waitMicros <= 0 {
		return nil
	}

	wait := time.Duration(waitMicros) * time.Microsecond
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
		return context.DeadlineExceeded
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Compile-time interface checks.
var (
	_ domain.RateLimiter = (*RateLimiter)(nil)
	_ domain.Pacer       = (*Pacer)(nil)
)
