package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ListingStore implements domain.ListingStore, domain.RefreshWriter and
// domain.HistoryArchiveStore using PostgreSQL.
type ListingStore struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ListingStore        = (*ListingStore)(nil)
	_ domain.RefreshWriter       = (*ListingStore)(nil)
	_ domain.HistoryArchiveStore = (*ListingStore)(nil)
)

// NewListingStore creates a new ListingStore backed by the given connection pool.
func NewListingStore(pool *pgxpool.Pool) *ListingStore {
	return &ListingStore{pool: pool}
}

const listingColumns = `
	id, product_id, platform_id, platform_product_id, source_url,
	name, brand, category, description, image_url,
	currency, current_price, original_price, discount_percent,
	availability, rating, rating_count, seller_rating, seller_name,
	delivery_estimate, delivery_charge, offers, warnings,
	captured_at, last_refreshed_at, active, created_at, updated_at`

// GetListing returns the record for (productID, platformID).
func (s *ListingStore) GetListing(ctx context.Context, productID int64, platformID domain.PlatformID) (domain.ListingRecord, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE product_id = $1 AND platform_id = $2`
	rec, err := scanListing(s.pool.QueryRow(ctx, query, productID, string(platformID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ListingRecord{}, fmt.Errorf("postgres: listing %d/%s: %w", productID, platformID, domain.ErrNotFound)
		}
		return domain.ListingRecord{}, fmt.Errorf("postgres: get listing %d/%s: %w", productID, platformID, err)
	}
	return rec, nil
}

// GetListingByID returns the record with the given id.
func (s *ListingStore) GetListingByID(ctx context.Context, id int64) (domain.ListingRecord, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`
	rec, err := scanListing(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ListingRecord{}, fmt.Errorf("postgres: listing %d: %w", id, domain.ErrNotFound)
		}
		return domain.ListingRecord{}, fmt.Errorf("postgres: get listing %d: %w", id, err)
	}
	return rec, nil
}

// UpsertListing inserts or replaces the record for its (product, platform)
// pair. An empty locator never overwrites a known one.
func (s *ListingStore) UpsertListing(ctx context.Context, rec domain.ListingRecord) (domain.ListingRecord, error) {
	return upsertListing(ctx, s.pool, rec)
}

// SaveRefresh upserts rec and appends its price history row in one
// transaction.
func (s *ListingStore) SaveRefresh(ctx context.Context, rec domain.ListingRecord) (domain.ListingRecord, domain.PriceHistoryEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.ListingRecord{}, domain.PriceHistoryEntry{}, fmt.Errorf("postgres: begin refresh tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	saved, err := upsertListing(ctx, tx, rec)
	if err != nil {
		return domain.ListingRecord{}, domain.PriceHistoryEntry{}, err
	}
	entry := domain.HistoryEntryFor(saved)
	if entry.ID, err = insertHistory(ctx, tx, entry); err != nil {
		return domain.ListingRecord{}, domain.PriceHistoryEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ListingRecord{}, domain.PriceHistoryEntry{}, fmt.Errorf("postgres: commit refresh tx: %w", err)
	}
	return saved, entry, nil
}

func upsertListing(ctx context.Context, q querier, rec domain.ListingRecord) (domain.ListingRecord, error) {
	snap := rec.Snapshot
	offers, err := json.Marshal(nonNilOffers(snap.Offers))
	if err != nil {
		return domain.ListingRecord{}, fmt.Errorf("postgres: marshal offers: %w", err)
	}
	warnings, err := json.Marshal(nonNilWarnings(snap.Warnings))
	if err != nil {
		return domain.ListingRecord{}, fmt.Errorf("postgres: marshal warnings: %w", err)
	}

	const query = `
		INSERT INTO listings (
			product_id, platform_id, platform_product_id, source_url,
			name, brand, category, description, image_url,
			currency, current_price, original_price, discount_percent,
			availability, rating, rating_count, seller_rating, seller_name,
			delivery_estimate, delivery_charge, offers, warnings,
			captured_at, last_refreshed_at, active, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, $22,
			$23, $24, $25, NOW(), NOW()
		)
		ON CONFLICT (product_id, platform_id) DO UPDATE SET
			platform_product_id = COALESCE(NULLIF(EXCLUDED.platform_product_id, ''), listings.platform_product_id),
			source_url          = COALESCE(NULLIF(EXCLUDED.source_url, ''), listings.source_url),
			name                = EXCLUDED.name,
			brand               = EXCLUDED.brand,
			category            = EXCLUDED.category,
			description         = EXCLUDED.description,
			image_url           = EXCLUDED.image_url,
			currency            = EXCLUDED.currency,
			current_price       = EXCLUDED.current_price,
			original_price      = EXCLUDED.original_price,
			discount_percent    = EXCLUDED.discount_percent,
			availability        = EXCLUDED.availability,
			rating              = EXCLUDED.rating,
			rating_count        = EXCLUDED.rating_count,
			seller_rating       = EXCLUDED.seller_rating,
			seller_name         = EXCLUDED.seller_name,
			delivery_estimate   = EXCLUDED.delivery_estimate,
			delivery_charge     = EXCLUDED.delivery_charge,
			offers              = EXCLUDED.offers,
			warnings            = EXCLUDED.warnings,
			captured_at         = EXCLUDED.captured_at,
			last_refreshed_at   = EXCLUDED.last_refreshed_at,
			active              = EXCLUDED.active,
			updated_at          = NOW()
		WHERE $26 OR listings.last_refreshed_at IS NULL
			OR listings.last_refreshed_at <= EXCLUDED.last_refreshed_at
		RETURNING ` + listingColumns

	saved, err := scanListing(q.QueryRow(ctx, query,
		snap.ProductID, string(snap.PlatformID), snap.PlatformProductID, snap.SourceURL,
		snap.Name, snap.Brand, snap.Category, snap.Description, snap.ImageURL,
		snap.Currency, snap.CurrentPrice, snap.OriginalPrice, snap.DiscountPercent,
		string(snap.Availability), snap.Rating, snap.RatingCount, snap.SellerRating, snap.SellerName,
		snap.DeliveryEstimate, snap.DeliveryCharge, offers, warnings,
		snap.CapturedAt, rec.LastRefreshedAt, rec.Active,
		rec.LastRefreshedAt.IsZero(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflict row was refreshed after rec; DO UPDATE was skipped.
		return domain.ListingRecord{}, fmt.Errorf("postgres: upsert listing %d/%s: %w", snap.ProductID, snap.PlatformID, domain.ErrStaleWrite)
	}
	if err != nil {
		return domain.ListingRecord{}, fmt.Errorf("postgres: upsert listing %d/%s: %w", snap.ProductID, snap.PlatformID, mapConstraint(err))
	}
	return saved, nil
}

// AppendHistory inserts one immutable history row.
func (s *ListingStore) AppendHistory(ctx context.Context, entry domain.PriceHistoryEntry) error {
	_, err := insertHistory(ctx, s.pool, entry)
	return err
}

func insertHistory(ctx context.Context, q querier, e domain.PriceHistoryEntry) (int64, error) {
	const query = `
		INSERT INTO price_history (listing_id, currency, price, original_price, discount_percent, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	var id int64
	err := q.QueryRow(ctx, query,
		e.ListingID, e.Currency, e.Price, e.OriginalPrice, e.DiscountPercent, e.RecordedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: append history for listing %d: %w", e.ListingID, mapConstraint(err))
	}
	return id, nil
}

// GetHistory returns history rows for listingID in recorded order.
func (s *ListingStore) GetHistory(ctx context.Context, listingID int64, opts domain.ListOpts) ([]domain.PriceHistoryEntry, error) {
	query, args := listQuery(historyColumns+` WHERE listing_id = @listing_id`,
		pgx.NamedArgs{"listing_id": listingID}, "recorded_at", "recorded_at ASC, id ASC", opts)
	return s.queryHistory(ctx, query, args)
}

// ListHistoryBetween returns history rows with from <= recorded_at < to.
func (s *ListingStore) ListHistoryBetween(ctx context.Context, from, to time.Time) ([]domain.PriceHistoryEntry, error) {
	return s.queryHistory(ctx,
		historyColumns+` WHERE recorded_at >= $1 AND recorded_at < $2 ORDER BY recorded_at ASC, id ASC`,
		from, to)
}

const historyColumns = `SELECT id, listing_id, currency, price, original_price, discount_percent, recorded_at
		FROM price_history`

func (s *ListingStore) queryHistory(ctx context.Context, query string, args ...any) ([]domain.PriceHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query history: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PriceHistoryEntry, error) {
		var e domain.PriceHistoryEntry
		err := row.Scan(&e.ID, &e.ListingID, &e.Currency, &e.Price, &e.OriginalPrice, &e.DiscountPercent, &e.RecordedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan history: %w", err)
	}
	return entries, nil
}

// ListByProduct returns the product's listings ordered by platform.
func (s *ListingStore) ListByProduct(ctx context.Context, productID int64, activeOnly bool) ([]domain.ListingRecord, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE product_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY platform_id`

	rows, err := s.pool.Query(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list listings for product %d: %w", productID, err)
	}
	defer rows.Close()

	out := []domain.ListingRecord{}
	for rows.Next() {
		rec, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan listing: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list listings rows: %w", err)
	}
	return out, nil
}

// Deactivate flags the listing inactive; its data and history are kept.
func (s *ListingStore) Deactivate(ctx context.Context, productID int64, platformID domain.PlatformID) error {
	const query = `UPDATE listings SET active = FALSE, updated_at = NOW()
		WHERE product_id = $1 AND platform_id = $2`
	tag, err := s.pool.Exec(ctx, query, productID, string(platformID))
	if err != nil {
		return fmt.Errorf("postgres: deactivate listing %d/%s: %w", productID, platformID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: deactivate listing %d/%s: %w", productID, platformID, domain.ErrNotFound)
	}
	return nil
}

func scanListing(row pgx.Row) (domain.ListingRecord, error) {
	var (
		rec          domain.ListingRecord
		platformID   string
		availability string
		offers       []byte
		warnings     []byte
	)
	snap := &rec.Snapshot
	err := row.Scan(
		&rec.ID, &snap.ProductID, &platformID, &snap.PlatformProductID, &snap.SourceURL,
		&snap.Name, &snap.Brand, &snap.Category, &snap.Description, &snap.ImageURL,
		&snap.Currency, &snap.CurrentPrice, &snap.OriginalPrice, &snap.DiscountPercent,
		&availability, &snap.Rating, &snap.RatingCount, &snap.SellerRating, &snap.SellerName,
		&snap.DeliveryEstimate, &snap.DeliveryCharge, &offers, &warnings,
		&snap.CapturedAt, &rec.LastRefreshedAt, &rec.Active, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.ListingRecord{}, err
	}
	snap.PlatformID = domain.PlatformID(platformID)
	snap.Availability = domain.Availability(availability)
	if len(offers) > 0 {
		if err := json.Unmarshal(offers, &snap.Offers); err != nil {
			return domain.ListingRecord{}, fmt.Errorf("unmarshal offers: %w", err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &snap.Warnings); err != nil {
			return domain.ListingRecord{}, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	return rec, nil
}

func nonNilOffers(o []domain.Offer) []domain.Offer {
	if o == nil {
		return []domain.Offer{}
	}
	return o
}

func nonNilWarnings(w []domain.DataQualityWarning) []domain.DataQualityWarning {
	if w == nil {
		return []domain.DataQualityWarning{}
	}
	return w
}

// mapConstraint translates integrity violations into domain errors.
func mapConstraint(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23503":
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, domain.ErrNotFound)
	case "23505":
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, domain.ErrAlreadyExists)
	}
	return err
}
