package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
)

const couponColumns = `id, merchant_id, code, title, discount_type, discount_value,
	applies_to, audience, starts_at, ends_at, max_total_uses, max_uses_per_user,
	current_uses, min_purchase, is_active, is_public, created_at`

const (
	insertCouponSQL = `INSERT INTO coupons (id, merchant_id, code, title, discount_type,
		discount_value, applies_to, audience, starts_at, ends_at, max_total_uses,
		max_uses_per_user, min_purchase, is_active, is_public)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	insertRuleSQL = `INSERT INTO coupon_rules (id, coupon_id, kind, target_ids, wilayas)
		VALUES ($1, $2, $3, $4, $5)`

	toggleCouponSQL = `UPDATE coupons SET is_active = NOT is_active
		WHERE id = $1 AND merchant_id = $2 RETURNING is_active`

	deleteCouponSQL = `DELETE FROM coupons WHERE id = $1 AND merchant_id = $2`

	listPublicCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons
		WHERE is_public = TRUE AND is_active = TRUE ORDER BY created_at DESC`

	listMerchantCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons
		WHERE merchant_id = $1 ORDER BY created_at DESC`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements the coupon management operations. Coupons are
// immutable post-creation apart from the active toggle and deletion.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// Create persists a coupon and its restriction rules in one transaction.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon, rules []coupon.Rule) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create coupon: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx, insertCouponSQL,
		c.ID, c.MerchantID, c.Code, c.Title, string(c.Type), c.Value,
		string(c.AppliesTo), string(c.Audience), c.StartsAt, c.EndsAt,
		c.MaxTotalUses, c.MaxUsesPerUser, c.MinPurchase, c.Active, c.Public,
	)
	if err != nil {
		return fmt.Errorf("inserting coupon %q: %w", c.ID, err)
	}

	for _, rule := range rules {
		_, err = tx.Exec(ctx, insertRuleSQL,
			rule.ID, c.ID, string(rule.Kind), rule.TargetIDs, rule.Wilayas)
		if err != nil {
			return fmt.Errorf("inserting rule %q for coupon %q: %w", rule.ID, c.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create coupon: %w", err)
	}
	return nil
}

// Toggle flips the coupon's active flag and returns the new value.
// Returns coupon.ErrNotOwned when the coupon does not belong to the merchant.
func (r *CouponRepository) Toggle(ctx context.Context, id, merchantID string) (bool, error) {
	var active bool
	err := r.pool.QueryRow(ctx, toggleCouponSQL, id, merchantID).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, coupon.ErrNotOwned
		}
		return false, fmt.Errorf("toggling coupon %q: %w", id, err)
	}
	return active, nil
}

// Delete removes the coupon and, via cascade, its rules and wallet entries.
// Returns coupon.ErrNotOwned when the coupon does not belong to the merchant
// and coupon.ErrHasRedemptions when usage rows still reference it.
func (r *CouponRepository) Delete(ctx context.Context, id, merchantID string) error {
	tag, err := r.pool.Exec(ctx, deleteCouponSQL, id, merchantID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return coupon.ErrHasRedemptions
		}
		return fmt.Errorf("deleting coupon %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotOwned
	}
	return nil
}

// ListPublic returns active public coupons, newest first.
func (r *CouponRepository) ListPublic(ctx context.Context) ([]coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, listPublicCouponsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing public coupons: %w", err)
	}
	return pgx.CollectRows(rows, scanCoupon)
}

// ListByMerchant returns every coupon owned by the merchant, newest first.
func (r *CouponRepository) ListByMerchant(ctx context.Context, merchantID string) ([]coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, listMerchantCouponsSQL, merchantID)
	if err != nil {
		return nil, fmt.Errorf("listing coupons for merchant %q: %w", merchantID, err)
	}
	return pgx.CollectRows(rows, scanCoupon)
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		code         *string
		discountType string
		appliesTo    string
		audience     string
		startsAt     *time.Time
		endsAt       *time.Time
		minPurchase  decimal.Decimal
	)
	err := row.Scan(
		&c.ID, &c.MerchantID, &code, &c.Title, &discountType, &c.Value,
		&appliesTo, &audience, &startsAt, &endsAt, &c.MaxTotalUses,
		&c.MaxUsesPerUser, &c.CurrentUses, &minPurchase, &c.Active, &c.Public,
		&c.CreatedAt,
	)
	if code != nil {
		c.Code = *code
	}
	c.Type = coupon.DiscountType(discountType)
	c.AppliesTo = coupon.AppliesTo(appliesTo)
	c.Audience = coupon.Audience(audience)
	c.StartsAt = startsAt
	c.EndsAt = endsAt
	c.MinPurchase = minPurchase
	return c, err
}
