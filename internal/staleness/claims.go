package staleness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// ReclaimObserver is notified when an abandoned claim is forcibly taken over.
type ReclaimObserver func(key domain.ListingKey, held time.Duration)

// ClaimTable is the in-process claim registry. At most one live claim exists
// per key; a claim held longer than maxHold is treated as abandoned and may be
// taken by the next caller.
type ClaimTable struct {
	mu      sync.Mutex
	claims  map[domain.ListingKey]domain.Claim
	maxHold time.Duration
	now     func() time.Time
	logger  *slog.Logger

	onReclaim ReclaimObserver
}

var _ domain.Claimer = (*ClaimTable)(nil)

// NewClaimTable creates an empty ClaimTable. A non-positive maxHold disables
// forcible reclaim.
func NewClaimTable(maxHold time.Duration, logger *slog.Logger) *ClaimTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaimTable{
		claims:  make(map[domain.ListingKey]domain.Claim),
		maxHold: maxHold,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "claim_table")),
	}
}

// WithClock overrides the table's time source.
func (t *ClaimTable) WithClock(now func() time.Time) *ClaimTable {
	t.now = now
	return t
}

// OnReclaim registers a callback fired after a forcible reclaim.
func (t *ClaimTable) OnReclaim(fn ReclaimObserver) {
	t.onReclaim = fn
}

// TryClaim grants a claim for key or returns domain.ErrAlreadyInFlight.
func (t *ClaimTable) TryClaim(_ context.Context, key domain.ListingKey) (domain.Claim, error) {
	now := t.now()

	t.mu.Lock()
	existing, held := t.claims[key]
	var heldFor time.Duration
	reclaimed := false
	if held {
		heldFor = now.Sub(existing.AcquiredAt)
		if t.maxHold <= 0 || heldFor < t.maxHold {
			t.mu.Unlock()
			return domain.Claim{}, domain.ErrAlreadyInFlight
		}
		reclaimed = true
	}
	c := domain.Claim{Key: key, Token: uuid.New().String(), AcquiredAt: now}
	t.claims[key] = c
	t.mu.Unlock()

	if reclaimed {
		t.logger.Warn("reclaimed abandoned refresh claim",
			slog.Int64("product_id", key.ProductID),
			slog.String("platform", string(key.PlatformID)),
			slog.Duration("held", heldFor),
		)
		if t.onReclaim != nil {
			t.onReclaim(key, heldFor)
		}
	}
	return c, nil
}

// Holds reports whether c is still the live claim for its key. A claim that
// outlived maxHold still holds until someone reclaims it.
func (t *ClaimTable) Holds(_ context.Context, c domain.Claim) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.claims[c.Key]
	return ok && cur.Token == c.Token, nil
}

// Release drops the claim if it is still the live one for its key. Releasing
// a claim that was reclaimed by someone else is a no-op.
func (t *ClaimTable) Release(_ context.Context, c domain.Claim) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.claims[c.Key]; ok && cur.Token == c.Token {
		delete(t.claims, c.Key)
	}
	return nil
}

// InFlight returns the number of live claims.
func (t *ClaimTable) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.claims)
}
