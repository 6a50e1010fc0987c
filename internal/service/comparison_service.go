package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/alanyoungcy/pricewatch/internal/ranking"
	"github.com/alanyoungcy/pricewatch/internal/staleness"
)

// CacheObserver is told whether each comparison lookup hit the cache.
type CacheObserver interface {
	ObserveCacheLookup(hit bool)
}

// ComparisonService builds ranked, staleness-flagged comparisons of a
// product's active listings.
type ComparisonService struct {
	products  domain.ProductStore
	listings  domain.ListingStore
	cache     domain.ComparisonCache
	engine    *ranking.Engine
	staleness *staleness.Controller
	observer  CacheObserver
	logger    *slog.Logger
	now       func() time.Time
}

// NewComparisonService creates a ComparisonService. cache may be nil.
func NewComparisonService(
	products domain.ProductStore,
	listings domain.ListingStore,
	cache domain.ComparisonCache,
	engine *ranking.Engine,
	stale *staleness.Controller,
	logger *slog.Logger,
) *ComparisonService {
	return &ComparisonService{
		products:  products,
		listings:  listings,
		cache:     cache,
		engine:    engine,
		staleness: stale,
		logger:    logger.With(slog.String("component", "comparison_service")),
		now:       time.Now,
	}
}

// WithObserver sets the cache lookup observer.
func (s *ComparisonService) WithObserver(o CacheObserver) *ComparisonService {
	s.observer = o
	return s
}

// Compare ranks the product's active listings. A nil weights pointer uses
// the engine defaults. Entries carry a stale flag computed at call time, so a
// cached comparison never reports outdated freshness.
func (s *ComparisonService) Compare(ctx context.Context, productID int64, weights *domain.ScoreWeights) (domain.Comparison, error) {
	w := s.engine.Weights()
	if weights != nil {
		if err := ranking.ValidateWeights(*weights); err != nil {
			return domain.Comparison{}, fmt.Errorf("comparison_service: %w", err)
		}
		w = *weights
	}

	key := cacheKey(productID, w)
	if s.cache != nil {
		cmp, err := s.cache.Get(ctx, key)
		switch {
		case err == nil:
			s.observe(true)
			s.flagStale(&cmp)
			return cmp, nil
		case !errors.Is(err, domain.ErrNotFound):
			s.logger.WarnContext(ctx, "comparison cache get failed",
				slog.Int64("product_id", productID),
				slog.String("error", err.Error()),
			)
		}
		s.observe(false)
	}

	// The generation is read before the listings so that an invalidation
	// landing in between causes the Set below to be dropped.
	var gen int64
	cacheable := s.cache != nil
	if cacheable {
		var err error
		if gen, err = s.cache.Generation(ctx, productID); err != nil {
			cacheable = false
			s.logger.WarnContext(ctx, "comparison cache generation failed",
				slog.Int64("product_id", productID),
				slog.String("error", err.Error()),
			)
		}
	}

	product, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		return domain.Comparison{}, fmt.Errorf("comparison_service: get product %d: %w", productID, err)
	}
	records, err := s.listings.ListByProduct(ctx, productID, true)
	if err != nil {
		return domain.Comparison{}, fmt.Errorf("comparison_service: list listings %d: %w", productID, err)
	}
	ranked, err := s.engine.Rank(records, w)
	if err != nil {
		return domain.Comparison{}, fmt.Errorf("comparison_service: rank product %d: %w", productID, err)
	}

	byID := make(map[int64]domain.ListingRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	cmp := domain.Comparison{
		Product:     product,
		Weights:     w,
		Entries:     make([]domain.ComparisonEntry, 0, len(ranked)),
		GeneratedAt: s.now().UTC(),
	}
	for _, r := range ranked {
		cmp.Entries = append(cmp.Entries, domain.ComparisonEntry{RankedResult: r, Listing: byID[r.ListingID]})
	}
	s.flagStale(&cmp)

	if cacheable {
		if err := s.cache.Set(ctx, key, productID, gen, cmp); err != nil {
			s.logger.WarnContext(ctx, "comparison cache set failed",
				slog.Int64("product_id", productID),
				slog.String("error", err.Error()),
			)
		}
	}
	return cmp, nil
}

// History returns the price history of one listing.
func (s *ComparisonService) History(ctx context.Context, listingID int64, opts domain.ListOpts) ([]domain.PriceHistoryEntry, error) {
	if _, err := s.listings.GetListingByID(ctx, listingID); err != nil {
		return nil, fmt.Errorf("comparison_service: get listing %d: %w", listingID, err)
	}
	entries, err := s.listings.GetHistory(ctx, listingID, opts)
	if err != nil {
		return nil, fmt.Errorf("comparison_service: history %d: %w", listingID, err)
	}
	return entries, nil
}

func (s *ComparisonService) flagStale(cmp *domain.Comparison) {
	for i := range cmp.Entries {
		cmp.Entries[i].Stale = s.staleness.Stale(cmp.Entries[i].Listing)
	}
}

func (s *ComparisonService) observe(hit bool) {
	if s.observer != nil {
		s.observer.ObserveCacheLookup(hit)
	}
}

// cacheKey normalizes weights to unit sum so proportional weight sets, which
// rank identically, share an entry.
func cacheKey(productID int64, w domain.ScoreWeights) string {
	n := w.Scale(1 / w.Sum())
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	return strconv.FormatInt(productID, 10) + ":" + f(n.Price) + "," + f(n.Discount) + "," + f(n.Rating) + "," + f(n.Delivery)
}
