// Package ratelimit paces outbound requests per platform.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// Local enforces a minimum interval between granted acquisitions for each
// platform, inside one process. Platforms are independent: waiting on one
// never delays another.
type Local struct {
	mu          sync.Mutex
	limiters    map[domain.PlatformID]*rate.Limiter
	intervals   map[domain.PlatformID]time.Duration
	defaultRate time.Duration
}

var _ domain.Pacer = (*Local)(nil)

// NewLocal creates a pacer. Platforms missing from intervals use
// defaultInterval. A zero interval disables pacing for that platform; a
// negative one is a configuration error.
func NewLocal(defaultInterval time.Duration, intervals map[domain.PlatformID]time.Duration) (*Local, error) {
	if defaultInterval < 0 {
		return nil, fmt.Errorf("ratelimit: negative default interval %s", defaultInterval)
	}
	m := make(map[domain.PlatformID]time.Duration, len(intervals))
	for id, d := range intervals {
		if d < 0 {
			return nil, fmt.Errorf("ratelimit: negative interval %s for platform %s", d, id)
		}
		m[id] = d
	}
	return &Local{
		limiters:    make(map[domain.PlatformID]*rate.Limiter),
		intervals:   m,
		defaultRate: defaultInterval,
	}, nil
}

// Interval returns the configured interval for a platform.
func (l *Local) Interval(platform domain.PlatformID) time.Duration {
	if d, ok := l.intervals[platform]; ok {
		return d
	}
	return l.defaultRate
}

// Acquire blocks until the platform's interval has elapsed since its last
// granted acquisition, or ctx is done. It never rejects a request.
func (l *Local) Acquire(ctx context.Context, platform domain.PlatformID) error {
	if err := l.limiter(platform).Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// Wait fails early when the deadline cannot cover the delay.
		return context.DeadlineExceeded
	}
	return nil
}

func (l *Local) limiter(platform domain.PlatformID) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[platform]
	if !ok {
		every := rate.Inf
		if d := l.Interval(platform); d > 0 {
			every = rate.Every(d)
		}
		lim = rate.NewLimiter(every, 1)
		l.limiters[platform] = lim
	}
	return lim
}
