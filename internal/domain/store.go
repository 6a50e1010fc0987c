package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ListingStore persists listing records and their price history. It enforces
// (product, platform) uniqueness.
type ListingStore interface {
	// GetListing returns ErrNotFound when no record exists for the pair.
	GetListing(ctx context.Context, productID int64, platformID PlatformID) (ListingRecord, error)
	GetListingByID(ctx context.Context, id int64) (ListingRecord, error)
	// UpsertListing inserts or updates the record for its (product, platform)
	// pair and returns it with ID and timestamps populated. It returns
	// ErrStaleWrite when the stored record was refreshed after rec.
	UpsertListing(ctx context.Context, rec ListingRecord) (ListingRecord, error)
	AppendHistory(ctx context.Context, entry PriceHistoryEntry) error
	// GetHistory returns entries ordered by RecordedAt ascending.
	GetHistory(ctx context.Context, listingID int64, opts ListOpts) ([]PriceHistoryEntry, error)
	ListByProduct(ctx context.Context, productID int64, activeOnly bool) ([]ListingRecord, error)
	Deactivate(ctx context.Context, productID int64, platformID PlatformID) error
}

// RefreshWriter writes a listing update and its history row as one unit.
// Stores that can do this transactionally implement it in addition to
// ListingStore.
type RefreshWriter interface {
	SaveRefresh(ctx context.Context, rec ListingRecord) (ListingRecord, PriceHistoryEntry, error)
}

// HistoryArchiveStore provides read access to history for archival. The
// window is half-open: from <= recorded_at < to.
type HistoryArchiveStore interface {
	ListHistoryBetween(ctx context.Context, from, to time.Time) ([]PriceHistoryEntry, error)
}

// ProductStore persists the product catalogue and tracked listing sources.
type ProductStore interface {
	CreateProduct(ctx context.Context, p Product) (Product, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	ListProducts(ctx context.Context, opts ListOpts) ([]Product, error)
	UpsertPlatform(ctx context.Context, p Platform) error
	AddSource(ctx context.Context, src ListingSource) error
	ListSources(ctx context.Context, productID int64) ([]ListingSource, error)
	ListAllSources(ctx context.Context) ([]ListingSource, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	// ListBetween returns entries with from <= created_at < to, oldest first.
	ListBetween(ctx context.Context, from, to time.Time) ([]AuditEntry, error)
}
