package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aitkaci/souq-coupons/internal/domain/catalog"
	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
)

const getListingSQL = `SELECT id, kind, title, price, category_id, wilaya, merchant_id
	FROM listings WHERE id = $1`

var _ catalog.Repository = (*CatalogRepository)(nil)

// CatalogRepository provides read-only listing lookups backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// GetByID returns the listing, or catalog.ErrNotFound.
func (r *CatalogRepository) GetByID(ctx context.Context, id string) (*catalog.Listing, error) {
	rows, err := r.pool.Query(ctx, getListingSQL, id)
	if err != nil {
		return nil, fmt.Errorf("finding listing %q: %w", id, err)
	}

	l, err := pgx.CollectExactlyOneRow(rows, scanListing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("finding listing %q: %w", id, err)
	}
	return &l, nil
}

func scanListing(row pgx.CollectableRow) (catalog.Listing, error) {
	var (
		l    catalog.Listing
		kind string
	)
	err := row.Scan(&l.ID, &kind, &l.Title, &l.Price, &l.CategoryID, &l.Wilaya, &l.MerchantID)
	l.Kind = coupon.Domain(kind)
	return l, err
}
