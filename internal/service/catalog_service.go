package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// AdapterLister resolves and enumerates registered platform adapters.
type AdapterLister interface {
	Adapter(id domain.PlatformID) (domain.PlatformAdapter, bool)
	Platforms() []domain.PlatformID
}

// Refresher runs a refresh cycle over explicit candidates.
type Refresher interface {
	RefreshStale(ctx context.Context, candidates []domain.Candidate, maxConcurrency int) []domain.RefreshOutcome
}

// TrackRequest registers a product on one or more platforms. When ProductID
// is zero a product is created from Name. Platforms with an entry in Refs are
// tracked by that ref; the others are searched with Query (default Name).
type TrackRequest struct {
	ProductID  int64                        `json:"product_id,omitempty"`
	Name       string                       `json:"name,omitempty"`
	Brand      string                       `json:"brand,omitempty"`
	Category   string                       `json:"category,omitempty"`
	Query      string                       `json:"query,omitempty"`
	Platforms  []domain.PlatformID          `json:"platforms,omitempty"`
	Refs       map[domain.PlatformID]string `json:"refs,omitempty"`
	RefreshNow bool                         `json:"refresh_now,omitempty"`
}

// TrackResult reports what Track registered.
type TrackResult struct {
	Product  domain.Product               `json:"product"`
	Sources  []domain.ListingSource       `json:"sources"`
	Misses   map[domain.PlatformID]string `json:"misses,omitempty"`
	Outcomes []domain.RefreshOutcome      `json:"outcomes,omitempty"`
}

// CatalogService manages products and their tracked listing sources.
type CatalogService struct {
	products  domain.ProductStore
	adapters  AdapterLister
	pacer     domain.Pacer
	refresher Refresher
	logger    *slog.Logger
}

// NewCatalogService creates a CatalogService.
func NewCatalogService(products domain.ProductStore, adapters AdapterLister, pacer domain.Pacer, refresher Refresher, logger *slog.Logger) *CatalogService {
	return &CatalogService{
		products:  products,
		adapters:  adapters,
		pacer:     pacer,
		refresher: refresher,
		logger:    logger.With(slog.String("component", "catalog_service")),
	}
}

// GetProduct returns one product.
func (s *CatalogService) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	p, err := s.products.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, fmt.Errorf("catalog_service: get product %d: %w", id, err)
	}
	return p, nil
}

// ListProducts returns a page of products.
func (s *CatalogService) ListProducts(ctx context.Context, opts domain.ListOpts) ([]domain.Product, error) {
	ps, err := s.products.ListProducts(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("catalog_service: list products: %w", err)
	}
	return ps, nil
}

// Track resolves a listing ref on each requested platform and records it as a
// source. A platform whose search fails or finds nothing is reported in
// Misses and does not fail the call.
func (s *CatalogService) Track(ctx context.Context, req TrackRequest) (TrackResult, error) {
	product, err := s.resolveProduct(ctx, req)
	if err != nil {
		return TrackResult{}, err
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		query = product.Name
	}

	platforms := req.Platforms
	if len(platforms) == 0 {
		platforms = s.adapters.Platforms()
	}

	res := TrackResult{Product: product, Misses: map[domain.PlatformID]string{}}
	var mu sync.Mutex
	miss := func(id domain.PlatformID, reason string) {
		mu.Lock()
		res.Misses[id] = reason
		mu.Unlock()
	}

	var g errgroup.Group
	for _, id := range platforms {
		g.Go(func() error {
			adapter, ok := s.adapters.Adapter(id)
			if !ok {
				miss(id, domain.ErrUnknownPlatform.Error())
				return nil
			}
			ref := strings.TrimSpace(req.Refs[id])
			if ref == "" {
				found, err := s.search(ctx, adapter, query)
				if err != nil {
					s.logger.WarnContext(ctx, "platform search failed",
						slog.String("platform", string(id)),
						slog.String("query", query),
						slog.String("error", err.Error()),
					)
					miss(id, err.Error())
					return nil
				}
				if found == "" {
					miss(id, "no search results")
					return nil
				}
				ref = found
			}
			src := domain.ListingSource{ProductID: product.ID, PlatformID: id, Ref: ref}
			if err := s.products.AddSource(ctx, src); err != nil {
				return fmt.Errorf("catalog_service: add source %d/%s: %w", product.ID, id, err)
			}
			mu.Lock()
			res.Sources = append(res.Sources, src)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	s.logger.InfoContext(ctx, "product tracked",
		slog.Int64("product_id", product.ID),
		slog.Int("sources", len(res.Sources)),
		slog.Int("misses", len(res.Misses)),
	)

	if req.RefreshNow && len(res.Sources) > 0 {
		res.Outcomes = s.refresher.RefreshStale(ctx, candidatesFor(res.Sources), 0)
	}
	return res, nil
}

// RefreshProduct refreshes every tracked source of a product and returns the
// outcomes in source order.
func (s *CatalogService) RefreshProduct(ctx context.Context, productID int64) ([]domain.RefreshOutcome, error) {
	if _, err := s.products.GetProduct(ctx, productID); err != nil {
		return nil, fmt.Errorf("catalog_service: get product %d: %w", productID, err)
	}
	sources, err := s.products.ListSources(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("catalog_service: list sources %d: %w", productID, err)
	}
	return s.refresher.RefreshStale(ctx, candidatesFor(sources), 0), nil
}

// Candidates returns a refresh candidate for every tracked source.
func (s *CatalogService) Candidates(ctx context.Context) ([]domain.Candidate, error) {
	sources, err := s.products.ListAllSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog_service: list sources: %w", err)
	}
	return candidatesFor(sources), nil
}

func (s *CatalogService) resolveProduct(ctx context.Context, req TrackRequest) (domain.Product, error) {
	if req.ProductID != 0 {
		return s.GetProduct(ctx, req.ProductID)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Product{}, fmt.Errorf("catalog_service: product name is required: %w", domain.ErrInvalidInput)
	}
	p, err := s.products.CreateProduct(ctx, domain.Product{Name: name, Brand: req.Brand, Category: req.Category})
	if err != nil {
		return domain.Product{}, fmt.Errorf("catalog_service: create product: %w", err)
	}
	return p, nil
}

// search returns the first result's ref, or "" when there is none.
func (s *CatalogService) search(ctx context.Context, adapter domain.PlatformAdapter, query string) (string, error) {
	if err := s.pacer.Acquire(ctx, adapter.Platform()); err != nil {
		return "", fmt.Errorf("pace: %w", err)
	}
	results, err := adapter.Search(ctx, query, 1)
	if err != nil {
		return "", err
	}
	for _, r := range results {
		if ref := strings.TrimSpace(r.Ref); ref != "" {
			return ref, nil
		}
	}
	return "", nil
}

func candidatesFor(sources []domain.ListingSource) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(sources))
	for _, src := range sources {
		out = append(out, domain.Candidate{ProductID: src.ProductID, PlatformID: src.PlatformID, Ref: src.Ref})
	}
	return out
}
