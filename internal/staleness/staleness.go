// Package staleness decides whether a listing must be refreshed and hands out
// exclusive refresh claims per (product, platform) key.
package staleness

import (
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// IsStale reports whether a listing last refreshed at last is due for a
// refresh. A zero last is always stale, and an age exactly equal to maxAge
// counts as stale.
func IsStale(last time.Time, maxAge time.Duration, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= maxAge
}

// Controller applies per-platform cache durations.
type Controller struct {
	defaultAge  time.Duration
	perPlatform map[domain.PlatformID]time.Duration
	now         func() time.Time
}

// NewController creates a Controller. Platforms missing from perPlatform use
// defaultAge.
func NewController(defaultAge time.Duration, perPlatform map[domain.PlatformID]time.Duration) *Controller {
	m := make(map[domain.PlatformID]time.Duration, len(perPlatform))
	for id, d := range perPlatform {
		m[id] = d
	}
	return &Controller{defaultAge: defaultAge, perPlatform: m, now: time.Now}
}

// WithClock overrides the controller's time source.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// CacheDuration returns the configured cache duration for a platform.
func (c *Controller) CacheDuration(platform domain.PlatformID) time.Duration {
	if d, ok := c.perPlatform[platform]; ok && d > 0 {
		return d
	}
	return c.defaultAge
}

// Stale reports whether rec needs a refresh now.
func (c *Controller) Stale(rec domain.ListingRecord) bool {
	return IsStale(rec.LastRefreshedAt, c.CacheDuration(rec.Snapshot.PlatformID), c.now())
}

// StaleAt is Stale for an explicit platform and timestamp, used when no
// record exists yet.
func (c *Controller) StaleAt(platform domain.PlatformID, last time.Time) bool {
	return IsStale(last, c.CacheDuration(platform), c.now())
}
