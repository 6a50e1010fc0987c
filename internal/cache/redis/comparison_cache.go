package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/set_if_generation.lua
var setIfGenerationLua string

var setIfGenerationScript = redis.NewScript(setIfGenerationLua)

// ComparisonCache implements domain.ComparisonCache. Each entry is indexed
// under its product so a refresh can drop every weight variant at once.
//
// Key schema:
//
//	cmp:{key}                 - JSON comparison, PX ttl
//	cmp:product:{productID}   - set of cmp keys for the product
//	cmp:gen:{productID}       - invalidation counter, no expiry
type ComparisonCache struct {
	c   *Client
	rdb *redis.Client
	ttl time.Duration
}

// NewComparisonCache creates a ComparisonCache whose entries live for ttl.
func NewComparisonCache(c *Client, ttl time.Duration) *ComparisonCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ComparisonCache{c: c, rdb: c.Underlying(), ttl: ttl}
}

func (cc *ComparisonCache) entryKey(key string) string { return cc.c.Key("cmp", key) }
func (cc *ComparisonCache) indexKey(productID int64) string {
	return cc.c.Key("cmp", "product", strconv.FormatInt(productID, 10))
}

func (cc *ComparisonCache) genKey(productID int64) string {
	return cc.c.Key("cmp", "gen", strconv.FormatInt(productID, 10))
}

// Generation returns the product's invalidation counter, 0 if never invalidated.
func (cc *ComparisonCache) Generation(ctx context.Context, productID int64) (int64, error) {
	gen, err := cc.rdb.Get(ctx, cc.genKey(productID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: comparison generation %d: %w", productID, err)
	}
	return gen, nil
}

// Set stores cmp under key and indexes it by product, unless the product was
// invalidated since gen was read.
func (cc *ComparisonCache) Set(ctx context.Context, key string, productID, gen int64, cmp domain.Comparison) error {
	data, err := json.Marshal(cmp)
	if err != nil {
		return fmt.Errorf("redis: marshal comparison %s: %w", key, err)
	}

	err = setIfGenerationScript.Run(ctx, cc.rdb,
		[]string{cc.entryKey(key), cc.indexKey(productID), cc.genKey(productID)},
		strconv.FormatInt(gen, 10),
		data,
		cc.ttl.Milliseconds(),
		key,
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set comparison %s: %w", key, err)
	}
	return nil
}

// Get returns the cached comparison or domain.ErrNotFound.
func (cc *ComparisonCache) Get(ctx context.Context, key string) (domain.Comparison, error) {
	data, err := cc.rdb.Get(ctx, cc.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Comparison{}, domain.ErrNotFound
		}
		return domain.Comparison{}, fmt.Errorf("redis: get comparison %s: %w", key, err)
	}
	var cmp domain.Comparison
	if err := json.Unmarshal(data, &cmp); err != nil {
		return domain.Comparison{}, fmt.Errorf("redis: unmarshal comparison %s: %w", key, err)
	}
	return cmp, nil
}

// InvalidateProduct advances the product's generation and drops every cached
// comparison of productID.
func (cc *ComparisonCache) InvalidateProduct(ctx context.Context, productID int64) error {
	if err := cc.rdb.Incr(ctx, cc.genKey(productID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate product %d: %w", productID, err)
	}
	idx := cc.indexKey(productID)
	keys, err := cc.rdb.SMembers(ctx, idx).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: invalidate product %d: %w", productID, err)
	}

	pipe := cc.rdb.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, cc.entryKey(k))
	}
	pipe.Del(ctx, idx)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate product %d: %w", productID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ComparisonCache = (*ComparisonCache)(nil)
