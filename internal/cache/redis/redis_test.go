package redis

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// newTestClient connects to PRICEWATCH_TEST_REDIS_ADDR under a random key
// prefix, or skips the test.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("PRICEWATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PRICEWATCH_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := New(ctx, ClientConfig{Addr: addr, KeyPrefix: "pwtest:" + uuid.NewString()[:8]})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKeyPrefix(t *testing.T) {
	c := NewFromRedis(nil, "pw")
	if got := c.Key("claim", "1", "amazon"); got != "pw:claim:1:amazon" {
		t.Errorf("Key() = %q", got)
	}
	if got := NewFromRedis(nil, "").Key("lock", "x"); got != "lock:x" {
		t.Errorf("Key() without prefix = %q", got)
	}
}

func TestClaimStoreSingleHolder(t *testing.T) {
	c := newTestClient(t)
	cs, err := NewClaimStore(c, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	key := domain.ListingKey{ProductID: 7, PlatformID: "amazon"}

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cs.TryClaim(ctx, key); err == nil {
				granted.Add(1)
			} else if !errors.Is(err, domain.ErrAlreadyInFlight) {
				t.Errorf("TryClaim() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if granted.Load() != 1 {
		t.Fatalf("granted = %d, want 1", granted.Load())
	}
}

func TestClaimStoreExpiryAndStaleRelease(t *testing.T) {
	c := newTestClient(t)
	cs, err := NewClaimStore(c, 100*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	key := domain.ListingKey{ProductID: 8, PlatformID: "flipkart"}

	old, err := cs.TryClaim(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	fresh, err := cs.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("reclaim after expiry: %v", err)
	}
	if err := cs.Release(ctx, old); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.TryClaim(ctx, key); !errors.Is(err, domain.ErrAlreadyInFlight) {
		t.Fatalf("stale release freed the live claim: %v", err)
	}
	if err := cs.Release(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.TryClaim(ctx, key); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestPacerSpacesRequests(t *testing.T) {
	c := newTestClient(t)
	p, err := NewPacer(c, 0, map[domain.PlatformID]time.Duration{"amazon": 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Acquire(ctx, "amazon"); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("3 acquisitions took %s, want >= ~100ms", elapsed)
	}
	// Unpaced platform returns immediately.
	if err := p.Acquire(ctx, "other"); err != nil {
		t.Fatal(err)
	}
}

func TestComparisonCacheInvalidate(t *testing.T) {
	c := newTestClient(t)
	cc := NewComparisonCache(c, time.Minute)
	ctx := context.Background()

	cmp := domain.Comparison{Product: domain.Product{ID: 3, Name: "Phone"}}
	for _, k := range []string{"3:default", "3:price-heavy"} {
		if err := cc.Set(ctx, k, 3, 0, cmp); err != nil {
			t.Fatal(err)
		}
	}
	got, err := cc.Get(ctx, "3:default")
	if err != nil || got.Product.Name != "Phone" {
		t.Fatalf("Get() = %+v, %v", got, err)
	}
	if err := cc.InvalidateProduct(ctx, 3); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"3:default", "3:price-heavy"} {
		if _, err := cc.Get(ctx, k); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Get(%q) after invalidate error = %v, want ErrNotFound", k, err)
		}
	}
}

func TestComparisonCacheDropsSetFromOldGeneration(t *testing.T) {
	c := newTestClient(t)
	cc := NewComparisonCache(c, time.Minute)
	ctx := context.Background()

	gen, err := cc.Generation(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	// A refresh lands after the listings were read but before the write.
	if err := cc.InvalidateProduct(ctx, 4); err != nil {
		t.Fatal(err)
	}
	cmp := domain.Comparison{Product: domain.Product{ID: 4, Name: "Laptop"}}
	if err := cc.Set(ctx, "4:default", 4, gen, cmp); err != nil {
		t.Fatal(err)
	}
	if _, err := cc.Get(ctx, "4:default"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get() after stale Set error = %v, want ErrNotFound", err)
	}

	cur, err := cc.Generation(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if cur != gen+1 {
		t.Fatalf("Generation() = %d, want %d", cur, gen+1)
	}
	if err := cc.Set(ctx, "4:default", 4, cur, cmp); err != nil {
		t.Fatal(err)
	}
	if _, err := cc.Get(ctx, "4:default"); err != nil {
		t.Fatalf("Get() after current Set error = %v", err)
	}
}

func TestClaimStoreHolds(t *testing.T) {
	c := newTestClient(t)
	cs, err := NewClaimStore(c, 100*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	var reclaims atomic.Int32
	cs.OnReclaim(func(domain.ListingKey, time.Duration) { reclaims.Add(1) })
	ctx := context.Background()
	key := domain.ListingKey{ProductID: 9, PlatformID: "amazon"}

	old, err := cs.TryClaim(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := cs.Holds(ctx, old); err != nil || !ok {
		t.Fatalf("Holds(live) = %v, %v", ok, err)
	}
	time.Sleep(150 * time.Millisecond)
	fresh, err := cs.TryClaim(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := cs.Holds(ctx, old); ok {
		t.Error("Holds(reclaimed) = true")
	}
	if ok, _ := cs.Holds(ctx, fresh); !ok {
		t.Error("Holds(new holder) = false")
	}
	if reclaims.Load() != 1 {
		t.Errorf("reclaims = %d, want 1", reclaims.Load())
	}

	// A released claim is not a reclaim for the next taker.
	if err := cs.Release(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	next, err := cs.TryClaim(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if reclaims.Load() != 1 {
		t.Errorf("reclaims after release = %d, want 1", reclaims.Load())
	}
	_ = cs.Release(ctx, next)
}

func TestRateLimiterAllow(t *testing.T) {
	c := newTestClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "client", 3, time.Minute)
		if err != nil || !ok {
			t.Fatalf("request %d: allowed=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := rl.Allow(ctx, "client", 3, time.Minute); ok {
		t.Error("fourth request allowed")
	}
}
