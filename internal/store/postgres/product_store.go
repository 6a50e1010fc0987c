package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// ProductStore implements domain.ProductStore using PostgreSQL.
type ProductStore struct {
	pool *pgxpool.Pool
}

var _ domain.ProductStore = (*ProductStore)(nil)

// NewProductStore creates a new ProductStore backed by the given connection pool.
func NewProductStore(pool *pgxpool.Pool) *ProductStore {
	return &ProductStore{pool: pool}
}

// CreateProduct inserts p and returns it with ID and timestamps set.
func (s *ProductStore) CreateProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	const query = `
		INSERT INTO products (name, brand, category, description, image_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`
	err := s.pool.QueryRow(ctx, query, p.Name, p.Brand, p.Category, p.Description, p.ImageURL).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Product{}, fmt.Errorf("postgres: create product %q: %w", p.Name, err)
	}
	return p, nil
}

// GetProduct returns the product with the given id.
func (s *ProductStore) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	const query = `SELECT id, name, brand, category, description, image_url, created_at, updated_at
		FROM products WHERE id = $1`
	var p domain.Product
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.Brand, &p.Category, &p.Description, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, fmt.Errorf("postgres: product %d: %w", id, domain.ErrNotFound)
		}
		return domain.Product{}, fmt.Errorf("postgres: get product %d: %w", id, err)
	}
	return p, nil
}

// ListProducts returns products newest first.
func (s *ProductStore) ListProducts(ctx context.Context, opts domain.ListOpts) ([]domain.Product, error) {
	query, args := listQuery(`SELECT id, name, brand, category, description, image_url, created_at, updated_at
		FROM products WHERE true`, nil, "created_at", "id DESC", opts)

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("postgres: list products: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Product, error) {
		var p domain.Product
		err := row.Scan(&p.ID, &p.Name, &p.Brand, &p.Category, &p.Description, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan products: %w", err)
	}
	return out, nil
}

// UpsertPlatform registers or renames a platform.
func (s *ProductStore) UpsertPlatform(ctx context.Context, p domain.Platform) error {
	const query = `
		INSERT INTO platforms (id, name, base_url) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name     = EXCLUDED.name,
			base_url = EXCLUDED.base_url`
	if _, err := s.pool.Exec(ctx, query, string(p.ID), p.Name, p.BaseURL); err != nil {
		return fmt.Errorf("postgres: upsert platform %s: %w", p.ID, err)
	}
	return nil
}

// AddSource tracks src, replacing the ref of an existing pair.
func (s *ProductStore) AddSource(ctx context.Context, src domain.ListingSource) error {
	const query = `
		INSERT INTO listing_sources (product_id, platform_id, ref) VALUES ($1, $2, $3)
		ON CONFLICT (product_id, platform_id) DO UPDATE SET ref = EXCLUDED.ref`
	if _, err := s.pool.Exec(ctx, query, src.ProductID, string(src.PlatformID), src.Ref); err != nil {
		return fmt.Errorf("postgres: add source %d/%s: %w", src.ProductID, src.PlatformID, mapConstraint(err))
	}
	return nil
}

// ListSources returns the tracked sources of one product.
func (s *ProductStore) ListSources(ctx context.Context, productID int64) ([]domain.ListingSource, error) {
	const query = `SELECT product_id, platform_id, ref, created_at FROM listing_sources
		WHERE product_id = $1 ORDER BY platform_id`
	return s.querySources(ctx, query, productID)
}

// ListAllSources returns every tracked source.
func (s *ProductStore) ListAllSources(ctx context.Context) ([]domain.ListingSource, error) {
	const query = `SELECT product_id, platform_id, ref, created_at FROM listing_sources
		ORDER BY product_id, platform_id`
	return s.querySources(ctx, query)
}

func (s *ProductStore) querySources(ctx context.Context, query string, args ...any) ([]domain.ListingSource, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sources: %w", err)
	}
	defer rows.Close()

	out := []domain.ListingSource{}
	for rows.Next() {
		var (
			src      domain.ListingSource
			platform string
		)
		if err := rows.Scan(&src.ProductID, &platform, &src.Ref, &src.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan source: %w", err)
		}
		src.PlatformID = domain.PlatformID(platform)
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list sources rows: %w", err)
	}
	return out, nil
}
