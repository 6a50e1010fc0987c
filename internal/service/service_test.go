package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/alanyoungcy/pricewatch/internal/platform"
	"github.com/alanyoungcy/pricewatch/internal/platform/mock"
	"github.com/alanyoungcy/pricewatch/internal/ranking"
	"github.com/alanyoungcy/pricewatch/internal/staleness"
	"github.com/alanyoungcy/pricewatch/internal/store/memory"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type mapCache struct {
	mu      sync.Mutex
	entries map[string]domain.Comparison
	gens    map[int64]int64
	sets    int
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string]domain.Comparison{}, gens: map[int64]int64{}}
}

func (c *mapCache) Generation(_ context.Context, productID int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[productID], nil
}

func (c *mapCache) Set(_ context.Context, key string, productID, gen int64, cmp domain.Comparison) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[productID] != gen {
		return nil
	}
	c.sets++
	c.entries[key] = cmp
	return nil
}

func (c *mapCache) Get(_ context.Context, key string) (domain.Comparison, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmp, ok := c.entries[key]
	if !ok {
		return domain.Comparison{}, domain.ErrNotFound
	}
	return cmp, nil
}

func (c *mapCache) InvalidateProduct(_ context.Context, productID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[productID]++
	c.entries = map[string]domain.Comparison{}
	return nil
}

// racingListings invalidates the cache after the listings are read, the way
// a refresh committing mid-Compare would.
type racingListings struct {
	domain.ListingStore
	cache *mapCache
}

func (r racingListings) ListByProduct(ctx context.Context, productID int64, activeOnly bool) ([]domain.ListingRecord, error) {
	recs, err := r.ListingStore.ListByProduct(ctx, productID, activeOnly)
	if err != nil {
		return nil, err
	}
	return recs, r.cache.InvalidateProduct(ctx, productID)
}

type hitCounter struct{ hits, misses int }

func (h *hitCounter) ObserveCacheLookup(hit bool) {
	if hit {
		h.hits++
	} else {
		h.misses++
	}
}

func seed(t *testing.T, store *memory.Store, refreshed time.Time) domain.Product {
	t.Helper()
	ctx := context.Background()
	p, err := store.CreateProduct(ctx, domain.Product{Name: "kettle"})
	if err != nil {
		t.Fatal(err)
	}
	for platform, price := range map[domain.PlatformID]string{"amazon": "1200", "flipkart": "999"} {
		_, err := store.UpsertListing(ctx, domain.ListingRecord{
			Snapshot: domain.ListingSnapshot{
				ProductID:        p.ID,
				PlatformID:       platform,
				Currency:         "INR",
				CurrentPrice:     decimal.RequireFromString(price),
				DeliveryEstimate: "2 days",
				CapturedAt:       refreshed,
			},
			LastRefreshedAt: refreshed,
			Active:          true,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return p
}

func newComparison(t *testing.T, store *memory.Store, cache domain.ComparisonCache, now func() time.Time) *ComparisonService {
	t.Helper()
	engine, err := ranking.NewEngine(ranking.Config{})
	if err != nil {
		t.Fatal(err)
	}
	stale := staleness.NewController(24*time.Hour, nil).WithClock(now)
	return NewComparisonService(store, store, cache, engine, stale, discardLogger())
}

func TestCompareRanksAndFlagsStaleness(t *testing.T) {
	store := memory.New()
	refreshed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	p := seed(t, store, refreshed)
	now := refreshed.Add(time.Hour)
	svc := newComparison(t, store, nil, func() time.Time { return now })

	cmp, err := svc.Compare(context.Background(), p.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cmp.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(cmp.Entries))
	}
	if cmp.Entries[0].Listing.Snapshot.PlatformID != "flipkart" || cmp.Entries[0].Rank != 1 {
		t.Errorf("first entry = %s rank %d, want flipkart rank 1", cmp.Entries[0].Listing.Snapshot.PlatformID, cmp.Entries[0].Rank)
	}
	for _, e := range cmp.Entries {
		if e.Stale {
			t.Errorf("%s flagged stale one hour after refresh", e.Listing.Snapshot.PlatformID)
		}
	}
	if cmp.Weights != ranking.DefaultWeights {
		t.Errorf("weights = %+v", cmp.Weights)
	}
}

func TestCompareCacheHitRecomputesStaleness(t *testing.T) {
	store := memory.New()
	refreshed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	p := seed(t, store, refreshed)
	now := refreshed.Add(time.Hour)
	cache := newMapCache()
	counter := &hitCounter{}
	svc := newComparison(t, store, cache, func() time.Time { return now }).WithObserver(counter)

	if _, err := svc.Compare(context.Background(), p.ID, nil); err != nil {
		t.Fatal(err)
	}
	now = refreshed.Add(48 * time.Hour)
	cmp, err := svc.Compare(context.Background(), p.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if counter.hits != 1 || counter.misses != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", counter.hits, counter.misses)
	}
	for _, e := range cmp.Entries {
		if !e.Stale {
			t.Errorf("%s not flagged stale on cached read", e.Listing.Snapshot.PlatformID)
		}
	}
}

func TestCompareProportionalWeightsShareCacheEntry(t *testing.T) {
	store := memory.New()
	p := seed(t, store, time.Now())
	cache := newMapCache()
	svc := newComparison(t, store, cache, time.Now)

	w := domain.ScoreWeights{Price: 1, Discount: 1, Rating: 1, Delivery: 1}
	if _, err := svc.Compare(context.Background(), p.ID, &w); err != nil {
		t.Fatal(err)
	}
	scaled := w.Scale(3)
	if _, err := svc.Compare(context.Background(), p.ID, &scaled); err != nil {
		t.Fatal(err)
	}
	if cache.sets != 1 {
		t.Errorf("cache sets = %d, want 1", cache.sets)
	}
}

func TestCompareSkipsCacheWhenInvalidatedMidCompute(t *testing.T) {
	store := memory.New()
	refreshed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	p := seed(t, store, refreshed)
	cache := newMapCache()
	engine, err := ranking.NewEngine(ranking.Config{})
	if err != nil {
		t.Fatal(err)
	}
	stale := staleness.NewController(24*time.Hour, nil)
	svc := NewComparisonService(store, racingListings{ListingStore: store, cache: cache}, cache, engine, stale, discardLogger())

	if _, err := svc.Compare(context.Background(), p.ID, nil); err != nil {
		t.Fatal(err)
	}
	if cache.sets != 0 || len(cache.entries) != 0 {
		t.Fatalf("cached %d comparisons built from pre-invalidation listings", len(cache.entries))
	}

	// Without a concurrent invalidation the result is cached.
	svc = newComparison(t, store, cache, time.Now)
	if _, err := svc.Compare(context.Background(), p.ID, nil); err != nil {
		t.Fatal(err)
	}
	if cache.sets != 1 {
		t.Errorf("sets = %d, want 1", cache.sets)
	}
}

func TestCompareErrors(t *testing.T) {
	store := memory.New()
	svc := newComparison(t, store, nil, time.Now)

	if _, err := svc.Compare(context.Background(), 99, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown product error = %v", err)
	}
	bad := domain.ScoreWeights{Price: -1, Rating: 2}
	if _, err := svc.Compare(context.Background(), 1, &bad); !errors.Is(err, domain.ErrInvalidWeights) {
		t.Errorf("bad weights error = %v", err)
	}

	p, _ := store.CreateProduct(context.Background(), domain.Product{Name: "empty"})
	cmp, err := svc.Compare(context.Background(), p.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cmp.Entries == nil || len(cmp.Entries) != 0 {
		t.Errorf("entries = %#v, want empty slice", cmp.Entries)
	}
}

func TestHistory(t *testing.T) {
	store := memory.New()
	p := seed(t, store, time.Now())
	svc := newComparison(t, store, nil, time.Now)
	rec, _ := store.GetListing(context.Background(), p.ID, "amazon")
	_ = store.AppendHistory(context.Background(), domain.HistoryEntryFor(rec))

	got, err := svc.History(context.Background(), rec.ID, domain.ListOpts{})
	if err != nil || len(got) != 1 {
		t.Fatalf("History() = %v, %v", got, err)
	}
	if _, err := svc.History(context.Background(), 404, domain.ListOpts{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown listing error = %v", err)
	}
}

type countingPacer struct{ n atomic.Int32 }

func (p *countingPacer) Acquire(context.Context, domain.PlatformID) error {
	p.n.Add(1)
	return nil
}

type recordingRefresher struct {
	mu    sync.Mutex
	calls [][]domain.Candidate
}

func (r *recordingRefresher) RefreshStale(_ context.Context, cands []domain.Candidate, _ int) []domain.RefreshOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cands)
	out := make([]domain.RefreshOutcome, len(cands))
	for i, c := range cands {
		out[i] = domain.RefreshOutcome{ProductID: c.ProductID, PlatformID: c.PlatformID, Status: domain.RefreshSuccess}
	}
	return out
}

type failingSearch struct{ id domain.PlatformID }

func (f failingSearch) Platform() domain.PlatformID { return f.id }
func (f failingSearch) Search(context.Context, string, int) ([]domain.SearchResult, error) {
	return nil, domain.NewAdapterError(domain.AdapterBlocked, f.id, "", nil)
}
func (f failingSearch) FetchDetail(context.Context, string) (domain.RawFields, error) {
	return nil, domain.NewAdapterError(domain.AdapterBlocked, f.id, "", nil)
}

func newCatalog(t *testing.T) (*CatalogService, *memory.Store, *countingPacer, *recordingRefresher) {
	t.Helper()
	reg := platform.NewRegistry()
	for _, a := range []domain.PlatformAdapter{
		mock.New(mock.Options{Platform: "amazon"}),
		mock.New(mock.Options{Platform: "flipkart"}),
		failingSearch{id: "ebay"},
	} {
		if err := reg.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	store := memory.New()
	pacer := &countingPacer{}
	ref := &recordingRefresher{}
	return NewCatalogService(store, reg, pacer, ref, discardLogger()), store, pacer, ref
}

func TestTrackSearchesEveryPlatform(t *testing.T) {
	svc, store, pacer, ref := newCatalog(t)
	res, err := svc.Track(context.Background(), TrackRequest{
		Name:       "usb cable",
		Refs:       map[domain.PlatformID]string{"flipkart": "itm123"},
		RefreshNow: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Product.ID == 0 {
		t.Fatal("product not created")
	}
	if len(res.Sources) != 2 {
		t.Errorf("sources = %+v, want amazon and flipkart", res.Sources)
	}
	if _, ok := res.Misses["ebay"]; !ok || len(res.Misses) != 1 {
		t.Errorf("misses = %v, want only ebay", res.Misses)
	}
	// amazon and ebay searched; flipkart used the explicit ref.
	if got := pacer.n.Load(); got != 2 {
		t.Errorf("pacer acquisitions = %d, want 2", got)
	}
	sources, _ := store.ListSources(context.Background(), res.Product.ID)
	for _, s := range sources {
		if s.PlatformID == "flipkart" && s.Ref != "itm123" {
			t.Errorf("flipkart ref = %q", s.Ref)
		}
	}
	if len(ref.calls) != 1 || len(ref.calls[0]) != 2 || len(res.Outcomes) != 2 {
		t.Errorf("refresh calls = %+v outcomes = %d", ref.calls, len(res.Outcomes))
	}
}

func TestTrackValidation(t *testing.T) {
	svc, _, _, _ := newCatalog(t)
	if _, err := svc.Track(context.Background(), TrackRequest{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("empty request error = %v", err)
	}
	if _, err := svc.Track(context.Background(), TrackRequest{ProductID: 7}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown product error = %v", err)
	}
	res, err := svc.Track(context.Background(), TrackRequest{Name: "x", Platforms: []domain.PlatformID{"nope"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Misses["nope"] != domain.ErrUnknownPlatform.Error() {
		t.Errorf("misses = %v", res.Misses)
	}
}

func TestRefreshProductAndCandidates(t *testing.T) {
	svc, _, _, ref := newCatalog(t)
	res, err := svc.Track(context.Background(), TrackRequest{Name: "kettle", Platforms: []domain.PlatformID{"amazon"}})
	if err != nil {
		t.Fatal(err)
	}
	outcomes, err := svc.RefreshProduct(context.Background(), res.Product.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].PlatformID != "amazon" {
		t.Errorf("outcomes = %+v", outcomes)
	}
	if ref.calls[0][0].Ref != res.Sources[0].Ref {
		t.Errorf("candidate ref = %q, want %q", ref.calls[0][0].Ref, res.Sources[0].Ref)
	}
	if _, err := svc.RefreshProduct(context.Background(), 1234); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown product error = %v", err)
	}
	cands, err := svc.Candidates(context.Background())
	if err != nil || len(cands) != 1 {
		t.Errorf("Candidates() = %v, %v", cands, err)
	}
}
