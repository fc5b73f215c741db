package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aitkaci/souq-coupons/internal/domain/auth"
	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
)

const getAPIKeyByHashSQL = `SELECT id, key_hash, user_id, role, name
	FROM api_keys WHERE key_hash = $1`

var _ auth.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository provides API key lookups backed by PostgreSQL.
type APIKeyRepository struct {
	pool *pgxpool.Pool
}

// NewAPIKeyRepository returns an APIKeyRepository that uses the given pool.
func NewAPIKeyRepository(pool *pgxpool.Pool) *APIKeyRepository {
	return &APIKeyRepository{pool: pool}
}

// FindByHash looks up an API key by its HMAC-SHA256 hash.
// Returns an error wrapping pgx.ErrNoRows when no matching key exists.
func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.Identity, error) {
	var (
		id   auth.Identity
		role string
	)
	err := r.pool.QueryRow(ctx, getAPIKeyByHashSQL, hash).Scan(
		&id.KeyID, &id.KeyHash, &id.UserID, &role, &id.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("api key not found: %w", err)
		}
		return nil, fmt.Errorf("finding api key by hash: %w", err)
	}
	id.Role = coupon.Role(role)
	return &id, nil
}
