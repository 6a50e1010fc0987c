package refresh

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// memStore is an in-memory ListingStore.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[domain.ListingKey]domain.ListingRecord
	history []domain.PriceHistoryEntry
}

func newMemStore() *memStore {
	return &memStore{records: make(map[domain.ListingKey]domain.ListingRecord)}
}

func (s *memStore) GetListing(_ context.Context, productID int64, platformID domain.PlatformID) (domain.ListingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[domain.ListingKey{ProductID: productID, PlatformID: platformID}]
	if !ok {
		return domain.ListingRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) GetListingByID(_ context.Context, id int64) (domain.ListingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.ListingRecord{}, domain.ErrNotFound
}

func (s *memStore) UpsertListing(_ context.Context, rec domain.ListingRecord) (domain.ListingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.Key()
	if cur, ok := s.records[key]; ok {
		if !rec.LastRefreshedAt.IsZero() && cur.LastRefreshedAt.After(rec.LastRefreshedAt) {
			return domain.ListingRecord{}, domain.ErrStaleWrite
		}
		rec.ID = cur.ID
		rec.CreatedAt = cur.CreatedAt
	} else {
		s.nextID++
		rec.ID = s.nextID
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = time.Now()
	s.records[key] = rec
	return rec, nil
}

func (s *memStore) AppendHistory(_ context.Context, e domain.PriceHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.history) + 1)
	s.history = append(s.history, e)
	return nil
}

func (s *memStore) GetHistory(_ context.Context, listingID int64, _ domain.ListOpts) ([]domain.PriceHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PriceHistoryEntry
	for _, e := range s.history {
		if e.ListingID == listingID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (s *memStore) ListByProduct(_ context.Context, productID int64, activeOnly bool) ([]domain.ListingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ListingRecord
	for _, r := range s.records {
		if r.Snapshot.ProductID == productID && (!activeOnly || r.Active) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) Deactivate(_ context.Context, productID int64, platformID domain.PlatformID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.ListingKey{ProductID: productID, PlatformID: platformID}
	rec, ok := s.records[key]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Active = false
	s.records[key] = rec
	return nil
}

func (s *memStore) historyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// fakeAdapter delegates FetchDetail to fn.
type fakeAdapter struct {
	id domain.PlatformID
	fn func(ctx context.Context, ref string) (domain.RawFields, error)
}

func (a *fakeAdapter) Platform() domain.PlatformID { return a.id }

func (a *fakeAdapter) Search(context.Context, string, int) ([]domain.SearchResult, error) {
	return nil, nil
}

func (a *fakeAdapter) FetchDetail(ctx context.Context, ref string) (domain.RawFields, error) {
	return a.fn(ctx, ref)
}

type adapterMap map[domain.PlatformID]domain.PlatformAdapter

func (m adapterMap) Adapter(id domain.PlatformID) (domain.PlatformAdapter, bool) {
	a, ok := m[id]
	return a, ok
}

type freePacer struct{}

func (freePacer) Acquire(ctx context.Context, _ domain.PlatformID) error { return ctx.Err() }

// blockingPacer never grants until ctx is done.
type blockingPacer struct{}

func (blockingPacer) Acquire(ctx context.Context, _ domain.PlatformID) error {
	<-ctx.Done()
	return ctx.Err()
}

type captureSink struct {
	mu       sync.Mutex
	outcomes []domain.RefreshOutcome
}

func (s *captureSink) Publish(_ context.Context, outcomes []domain.RefreshOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcomes...)
	return nil
}

// hookClaims runs onClaim after every granted claim.
type hookClaims struct {
	domain.Claimer
	onClaim func()
}

func (h hookClaims) TryClaim(ctx context.Context, key domain.ListingKey) (domain.Claim, error) {
	c, err := h.Claimer.TryClaim(ctx, key)
	if err == nil && h.onClaim != nil {
		h.onClaim()
	}
	return c, err
}
