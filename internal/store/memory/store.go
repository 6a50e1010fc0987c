// Package memory is a process-local implementation of the listing, product
// and audit stores. It backs runs without a database and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	nextListing int64
	listings    map[domain.ListingKey]domain.ListingRecord
	history     []domain.PriceHistoryEntry

	nextProduct int64
	products    map[int64]domain.Product
	platforms   map[domain.PlatformID]domain.Platform
	sources     map[domain.ListingKey]domain.ListingSource

	audit []domain.AuditEntry

	now func() time.Time
}

var (
	_ domain.ListingStore        = (*Store)(nil)
	_ domain.RefreshWriter       = (*Store)(nil)
	_ domain.HistoryArchiveStore = (*Store)(nil)
	_ domain.ProductStore        = (*Store)(nil)
	_ domain.AuditStore          = (*Store)(nil)
)

// New creates an empty Store.
func New() *Store {
	return &Store{
		listings:  make(map[domain.ListingKey]domain.ListingRecord),
		products:  make(map[int64]domain.Product),
		platforms: make(map[domain.PlatformID]domain.Platform),
		sources:   make(map[domain.ListingKey]domain.ListingSource),
		now:       time.Now,
	}
}

// GetListing returns the record for the pair or ErrNotFound.
func (s *Store) GetListing(_ context.Context, productID int64, platformID domain.PlatformID) (domain.ListingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.listings[domain.ListingKey{ProductID: productID, PlatformID: platformID}]
	if !ok {
		return domain.ListingRecord{}, fmt.Errorf("memory: listing %d/%s: %w", productID, platformID, domain.ErrNotFound)
	}
	return rec, nil
}

// GetListingByID returns the record with the given id or ErrNotFound.
func (s *Store) GetListingByID(_ context.Context, id int64) (domain.ListingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.listings {
		if rec.ID == id {
			return rec, nil
		}
	}
	return domain.ListingRecord{}, fmt.Errorf("memory: listing %d: %w", id, domain.ErrNotFound)
}

// UpsertListing inserts or replaces the record for its pair.
func (s *Store) UpsertListing(_ context.Context, rec domain.ListingRecord) (domain.ListingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsert(rec)
}

func (s *Store) upsert(rec domain.ListingRecord) (domain.ListingRecord, error) {
	if _, ok := s.products[rec.Snapshot.ProductID]; !ok {
		return domain.ListingRecord{}, fmt.Errorf("memory: upsert listing: product %d: %w", rec.Snapshot.ProductID, domain.ErrNotFound)
	}
	now := s.now().UTC()
	key := rec.Key()
	if cur, ok := s.listings[key]; ok {
		if !rec.LastRefreshedAt.IsZero() && cur.LastRefreshedAt.After(rec.LastRefreshedAt) {
			return domain.ListingRecord{}, fmt.Errorf("memory: upsert listing %d/%s: %w", rec.Snapshot.ProductID, rec.Snapshot.PlatformID, domain.ErrStaleWrite)
		}
		rec.ID = cur.ID
		rec.CreatedAt = cur.CreatedAt
		if rec.Snapshot.SourceURL == "" {
			rec.Snapshot.SourceURL = cur.Snapshot.SourceURL
		}
		if rec.Snapshot.PlatformProductID == "" {
			rec.Snapshot.PlatformProductID = cur.Snapshot.PlatformProductID
		}
	} else {
		s.nextListing++
		rec.ID = s.nextListing
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.listings[key] = rec
	return rec, nil
}

// SaveRefresh upserts rec and appends its history row atomically.
func (s *Store) SaveRefresh(_ context.Context, rec domain.ListingRecord) (domain.ListingRecord, domain.PriceHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved, err := s.upsert(rec)
	if err != nil {
		return domain.ListingRecord{}, domain.PriceHistoryEntry{}, err
	}
	entry := s.appendHistory(domain.HistoryEntryFor(saved))
	return saved, entry, nil
}

// AppendHistory appends an immutable history entry.
func (s *Store) AppendHistory(_ context.Context, entry domain.PriceHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendHistory(entry)
	return nil
}

func (s *Store) appendHistory(entry domain.PriceHistoryEntry) domain.PriceHistoryEntry {
	entry.ID = int64(len(s.history) + 1)
	s.history = append(s.history, entry)
	return entry
}

// GetHistory returns a listing's entries, oldest first, filtered by opts.
func (s *Store) GetHistory(_ context.Context, listingID int64, opts domain.ListOpts) ([]domain.PriceHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.PriceHistoryEntry{}
	for _, e := range s.history {
		if e.ListingID != listingID {
			continue
		}
		if opts.Since != nil && e.RecordedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.RecordedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return page(out, opts), nil
}

// ListHistoryBetween returns entries with from <= recorded_at < to.
func (s *Store) ListHistoryBetween(_ context.Context, from, to time.Time) ([]domain.PriceHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.PriceHistoryEntry{}
	for _, e := range s.history {
		if !e.RecordedAt.Before(from) && e.RecordedAt.Before(to) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// ListByProduct returns the product's records ordered by platform.
func (s *Store) ListByProduct(_ context.Context, productID int64, activeOnly bool) ([]domain.ListingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.ListingRecord{}
	for k, rec := range s.listings {
		if k.ProductID != productID || (activeOnly && !rec.Active) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Snapshot.PlatformID < out[j].Snapshot.PlatformID })
	return out, nil
}

// Deactivate clears the active flag of the pair's record.
func (s *Store) Deactivate(_ context.Context, productID int64, platformID domain.PlatformID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.ListingKey{ProductID: productID, PlatformID: platformID}
	rec, ok := s.listings[key]
	if !ok {
		return fmt.Errorf("memory: deactivate %d/%s: %w", productID, platformID, domain.ErrNotFound)
	}
	rec.Active = false
	rec.UpdatedAt = s.now().UTC()
	s.listings[key] = rec
	return nil
}

// CreateProduct stores p with a fresh id.
func (s *Store) CreateProduct(_ context.Context, p domain.Product) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProduct++
	now := s.now().UTC()
	p.ID = s.nextProduct
	p.CreatedAt, p.UpdatedAt = now, now
	s.products[p.ID] = p
	return p, nil
}

// GetProduct returns the product or ErrNotFound.
func (s *Store) GetProduct(_ context.Context, id int64) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return domain.Product{}, fmt.Errorf("memory: product %d: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// ListProducts returns products ordered by id.
func (s *Store) ListProducts(_ context.Context, opts domain.ListOpts) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, opts), nil
}

// UpsertPlatform stores or replaces a platform row.
func (s *Store) UpsertPlatform(_ context.Context, p domain.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.platforms[p.ID] = p
	return nil
}

// AddSource records or replaces the ref tracked for a (product, platform).
func (s *Store) AddSource(_ context.Context, src domain.ListingSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[src.ProductID]; !ok {
		return fmt.Errorf("memory: add source: product %d: %w", src.ProductID, domain.ErrNotFound)
	}
	key := domain.ListingKey{ProductID: src.ProductID, PlatformID: src.PlatformID}
	if cur, ok := s.sources[key]; ok {
		src.CreatedAt = cur.CreatedAt
	} else {
		src.CreatedAt = s.now().UTC()
	}
	s.sources[key] = src
	return nil
}

// ListSources returns a product's sources ordered by platform.
func (s *Store) ListSources(_ context.Context, productID int64) ([]domain.ListingSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.ListingSource{}
	for k, src := range s.sources {
		if k.ProductID == productID {
			out = append(out, src)
		}
	}
	sortSources(out)
	return out, nil
}

// ListAllSources returns every source ordered by product then platform.
func (s *Store) ListAllSources(_ context.Context) ([]domain.ListingSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ListingSource, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sortSources(out)
	return out, nil
}

// Log appends an audit entry.
func (s *Store) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        int64(len(s.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	})
	return nil
}

// List returns audit entries newest first.
func (s *Store) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		out = append(out, s.audit[i])
	}
	return page(out, opts), nil
}

// ListBetween returns audit entries with from <= created_at < to.
func (s *Store) ListBetween(_ context.Context, from, to time.Time) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.AuditEntry{}
	for _, e := range s.audit {
		if !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func sortSources(src []domain.ListingSource) {
	sort.Slice(src, func(i, j int) bool {
		if src[i].ProductID != src[j].ProductID {
			return src[i].ProductID < src[j].ProductID
		}
		return src[i].PlatformID < src[j].PlatformID
	})
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return items[:0]
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
