package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
	"github.com/aitkaci/souq-coupons/internal/domain/wallet"
)

const (
	saveWalletEntrySQL = `INSERT INTO wallet_entries (user_id, coupon_id)
		VALUES ($1, $2) ON CONFLICT (user_id, coupon_id) DO NOTHING`

	listWalletSQL = `SELECT w.user_id, w.saved_at, ` + prefixedCouponColumns + `
		FROM wallet_entries w JOIN coupons c ON c.id = w.coupon_id
		WHERE w.user_id = $1 ORDER BY w.saved_at DESC`
)

const prefixedCouponColumns = `c.id, c.merchant_id, c.code, c.title, c.discount_type,
	c.discount_value, c.applies_to, c.audience, c.starts_at, c.ends_at,
	c.max_total_uses, c.max_uses_per_user, c.current_uses, c.min_purchase,
	c.is_active, c.is_public, c.created_at`

var _ wallet.Repository = (*WalletRepository)(nil)

// WalletRepository persists offer-wallet bookmarks.
type WalletRepository struct {
	pool *pgxpool.Pool
}

// NewWalletRepository returns a WalletRepository that uses the given pool.
func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{pool: pool}
}

// Save bookmarks the coupon for the user. Saving twice is a no-op; an
// unknown coupon id is reported as wallet.ErrUnknownCoupon.
func (r *WalletRepository) Save(ctx context.Context, userID, couponID string) error {
	_, err := r.pool.Exec(ctx, saveWalletEntrySQL, userID, couponID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return wallet.ErrUnknownCoupon
		}
		return fmt.Errorf("saving coupon %q to wallet of %q: %w", couponID, userID, err)
	}
	return nil
}

// ListByUser returns the user's saved coupons, newest first.
func (r *WalletRepository) ListByUser(ctx context.Context, userID string) ([]wallet.Entry, error) {
	rows, err := r.pool.Query(ctx, listWalletSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing wallet of %q: %w", userID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (wallet.Entry, error) {
		var (
			e            wallet.Entry
			code         *string
			discountType string
			appliesTo    string
			audience     string
		)
		err := row.Scan(
			&e.UserID, &e.SavedAt,
			&e.Coupon.ID, &e.Coupon.MerchantID, &code, &e.Coupon.Title,
			&discountType, &e.Coupon.Value, &appliesTo, &audience,
			&e.Coupon.StartsAt, &e.Coupon.EndsAt, &e.Coupon.MaxTotalUses,
			&e.Coupon.MaxUsesPerUser, &e.Coupon.CurrentUses, &e.Coupon.MinPurchase,
			&e.Coupon.Active, &e.Coupon.Public, &e.Coupon.CreatedAt,
		)
		if code != nil {
			e.Coupon.Code = *code
		}
		e.Coupon.Type = coupon.DiscountType(discountType)
		e.Coupon.AppliesTo = coupon.AppliesTo(appliesTo)
		e.Coupon.Audience = coupon.Audience(audience)
		return e, err
	})
}
