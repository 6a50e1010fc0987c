package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/claim_listing.lua
var claimListingLua string

//go:embed scripts/release_claim.lua
var releaseClaimLua string

var (
	claimScript        = redis.NewScript(claimListingLua)
	releaseClaimScript = redis.NewScript(releaseClaimLua)
)

// ClaimStore implements domain.Claimer with one Redis key per listing.
// The key expires after maxHold, so a claim abandoned by a crashed worker is
// reclaimable without manual cleanup. A holder record outlives the claim key so
// that taking over an expired, never-released claim can be logged.
//
// Key schema:
//
//	claim:{productID}:{platformID}        - holder token, PX maxHold
//	claim:holder:{productID}:{platformID} - "token|acquiredMs", PX 4*maxHold
type ClaimStore struct {
	c       *Client
	rdb     *redis.Client
	maxHold time.Duration
	now     func() time.Time
	logger  *slog.Logger

	onReclaim func(key domain.ListingKey, held time.Duration)
}

// NewClaimStore creates a ClaimStore. maxHold must be positive.
func NewClaimStore(c *Client, maxHold time.Duration, logger *slog.Logger) (*ClaimStore, error) {
	if maxHold <= 0 {
		return nil, fmt.Errorf("redis: claim store: max hold must be positive, got %s", maxHold)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaimStore{
		c:       c,
		rdb:     c.Underlying(),
		maxHold: maxHold,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "redis_claims")),
	}, nil
}

// OnReclaim registers a callback fired after an expired claim is taken over.
func (cs *ClaimStore) OnReclaim(fn func(key domain.ListingKey, held time.Duration)) {
	cs.onReclaim = fn
}

func (cs *ClaimStore) key(k domain.ListingKey) string {
	return cs.c.Key("claim", strconv.FormatInt(k.ProductID, 10), string(k.PlatformID))
}

func (cs *ClaimStore) holderKey(k domain.ListingKey) string {
	return cs.c.Key("claim", "holder", strconv.FormatInt(k.ProductID, 10), string(k.PlatformID))
}

// TryClaim takes the claim for key or returns domain.ErrAlreadyInFlight.
func (cs *ClaimStore) TryClaim(ctx context.Context, key domain.ListingKey) (domain.Claim, error) {
	token := uuid.NewString()
	now := cs.now()
	prev, err := claimScript.Run(ctx, cs.rdb,
		[]string{cs.key(key), cs.holderKey(key)},
		token,
		cs.maxHold.Milliseconds(),
		now.UnixMilli(),
		(4 * cs.maxHold).Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return domain.Claim{}, fmt.Errorf("redis: claim %d/%s: %w", key.ProductID, key.PlatformID, domain.ErrAlreadyInFlight)
	}
	if err != nil {
		return domain.Claim{}, fmt.Errorf("redis: claim %d/%s: %w", key.ProductID, key.PlatformID, err)
	}
	if prev != "" {
		cs.reclaimed(key, prev, now)
	}
	return domain.Claim{Key: key, Token: token, AcquiredAt: now}, nil
}

// reclaimed reports a takeover of a claim whose holder never released it.
func (cs *ClaimStore) reclaimed(key domain.ListingKey, prev string, now time.Time) {
	var held time.Duration
	if _, ms, ok := strings.Cut(prev, "|"); ok {
		if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
			held = now.Sub(time.UnixMilli(v))
		}
	}
	cs.logger.Warn("reclaimed abandoned refresh claim",
		slog.Int64("product_id", key.ProductID),
		slog.String("platform", string(key.PlatformID)),
		slog.Duration("held", held),
	)
	if cs.onReclaim != nil {
		cs.onReclaim(key, held)
	}
}

// Holds reports whether claim is still the live holder of its key.
func (cs *ClaimStore) Holds(ctx context.Context, claim domain.Claim) (bool, error) {
	cur, err := cs.rdb.Get(ctx, cs.key(claim.Key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: holds claim %d/%s: %w", claim.Key.ProductID, claim.Key.PlatformID, err)
	}
	return cur == claim.Token, nil
}

// Release frees claim if it is still the live holder. Releasing a claim that
// expired and was taken by someone else is a no-op.
func (cs *ClaimStore) Release(ctx context.Context, claim domain.Claim) error {
	err := releaseClaimScript.Run(ctx, cs.rdb,
		[]string{cs.key(claim.Key), cs.holderKey(claim.Key)}, claim.Token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: release claim %d/%s: %w", claim.Key.ProductID, claim.Key.PlatformID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.Claimer = (*ClaimStore)(nil)
