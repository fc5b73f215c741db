package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
	"github.com/aitkaci/souq-coupons/internal/domain/redemption"
)

const (
	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons
		WHERE code IS NOT NULL AND UPPER(code) = UPPER($1)`

	listAutoApplySQL = `SELECT ` + couponColumns + ` FROM coupons
		WHERE code IS NULL AND is_active = TRUE ORDER BY created_at`

	rulesForCouponSQL = `SELECT id, coupon_id, kind, target_ids, wilayas
		FROM coupon_rules WHERE coupon_id = $1`

	countUsagesSQL = `SELECT COUNT(*) FROM coupon_usages
		WHERE coupon_id = $1 AND user_id = $2`

	findUsageByOrderSQL = `SELECT id, coupon_id, user_id, domain, target_id,
		order_id, discount_amount, used_at
		FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2 AND order_id = $3`

	lockCouponSQL = `SELECT is_active, starts_at, ends_at, max_total_uses,
		max_uses_per_user, current_uses
		FROM coupons WHERE id = $1 FOR UPDATE`

	insertUsageSQL = `INSERT INTO coupon_usages
		(id, coupon_id, user_id, domain, target_id, order_id, discount_amount, used_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`

	bumpCouponUsesSQL = `UPDATE coupons SET current_uses = current_uses + 1 WHERE id = $1`
)

// uniqueViolation is the PostgreSQL error code raised by the partial unique
// index on (coupon_id, user_id, order_id).
const uniqueViolation = "23505"

var _ redemption.Store = (*RedemptionStore)(nil)

// RedemptionStore implements redemption.Store backed by PostgreSQL. Commit
// atomicity comes from a transaction that locks the coupon's counter row.
type RedemptionStore struct {
	pool *pgxpool.Pool
}

// NewRedemptionStore returns a RedemptionStore that uses the given pool.
func NewRedemptionStore(pool *pgxpool.Pool) *RedemptionStore {
	return &RedemptionStore{pool: pool}
}

// FindByCode looks up a coupon by its code, case-insensitively. Inactive
// coupons are returned so the evaluator can report the precise reason.
// Returns redemption.ErrNotFound when no coupon carries the code.
func (s *RedemptionStore) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := s.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, redemption.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &c, nil
}

// ListAutoApply returns active codeless coupons in creation order.
func (s *RedemptionStore) ListAutoApply(ctx context.Context) ([]coupon.Coupon, error) {
	rows, err := s.pool.Query(ctx, listAutoApplySQL)
	if err != nil {
		return nil, fmt.Errorf("listing auto-apply coupons: %w", err)
	}
	return pgx.CollectRows(rows, scanCoupon)
}

// RulesFor returns the restriction rules attached to the coupon.
func (s *RedemptionStore) RulesFor(ctx context.Context, couponID string) ([]coupon.Rule, error) {
	rows, err := s.pool.Query(ctx, rulesForCouponSQL, couponID)
	if err != nil {
		return nil, fmt.Errorf("loading rules for coupon %q: %w", couponID, err)
	}
	return pgx.CollectRows(rows, scanRule)
}

// CountUsages counts the user's lifetime redemptions of the coupon.
func (s *RedemptionStore) CountUsages(ctx context.Context, couponID, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, countUsagesSQL, couponID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting usages of coupon %q by user %q: %w", couponID, userID, err)
	}
	return n, nil
}

// FindUsageByOrder returns the usage row for the (coupon, user, order) key,
// or nil when none exists.
func (s *RedemptionStore) FindUsageByOrder(ctx context.Context, couponID, userID, orderID string) (*redemption.Usage, error) {
	rows, err := s.pool.Query(ctx, findUsageByOrderSQL, couponID, userID, orderID)
	if err != nil {
		return nil, fmt.Errorf("finding usage for order %q: %w", orderID, err)
	}

	u, err := pgx.CollectExactlyOneRow(rows, scanUsage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding usage for order %q: %w", orderID, err)
	}
	return &u, nil
}

// CommitUsage atomically re-checks the coupon's state and caps, records the
// usage row, and increments the usage counter. The SELECT ... FOR UPDATE on
// the coupon row linearizes commits for the same coupon; commits for
// different coupons proceed in parallel.
func (s *RedemptionStore) CommitUsage(ctx context.Context, u *redemption.Usage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit usage: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var (
		active         bool
		startsAt       *time.Time
		endsAt         *time.Time
		maxTotalUses   int
		maxUsesPerUser int
		currentUses    int
	)
	err = tx.QueryRow(ctx, lockCouponSQL, u.CouponID).Scan(
		&active, &startsAt, &endsAt, &maxTotalUses, &maxUsesPerUser, &currentUses)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return redemption.ErrNotFound
		}
		return fmt.Errorf("locking coupon %q: %w", u.CouponID, err)
	}

	// Deactivation, expiry, and exhaustion are absorbing for commits.
	switch {
	case !active:
		return coupon.Reject(coupon.ReasonInactive)
	case startsAt != nil && u.UsedAt.Before(*startsAt):
		return coupon.Reject(coupon.ReasonNotYetStarted)
	case endsAt != nil && u.UsedAt.After(*endsAt):
		return coupon.Reject(coupon.ReasonExpired)
	case maxTotalUses > 0 && currentUses >= maxTotalUses:
		return coupon.Reject(coupon.ReasonUsageLimitReached)
	}

	var prior int
	if err := tx.QueryRow(ctx, countUsagesSQL, u.CouponID, u.UserID).Scan(&prior); err != nil {
		return fmt.Errorf("counting usages in commit: %w", err)
	}
	if prior >= maxUsesPerUser {
		return coupon.Reject(coupon.ReasonPerUserLimitReached)
	}

	_, err = tx.Exec(ctx, insertUsageSQL,
		u.ID, u.CouponID, u.UserID, string(u.Domain), u.TargetID, u.OrderID,
		u.Amount, u.UsedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return redemption.ErrDuplicateOrder
		}
		return fmt.Errorf("inserting usage %q: %w", u.ID, err)
	}

	if _, err := tx.Exec(ctx, bumpCouponUsesSQL, u.CouponID); err != nil {
		return fmt.Errorf("incrementing uses of coupon %q: %w", u.CouponID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	return nil
}

func scanRule(row pgx.CollectableRow) (coupon.Rule, error) {
	var (
		r    coupon.Rule
		kind string
	)
	err := row.Scan(&r.ID, &r.CouponID, &kind, &r.TargetIDs, &r.Wilayas)
	r.Kind = coupon.RuleKind(kind)
	return r, err
}

func scanUsage(row pgx.CollectableRow) (redemption.Usage, error) {
	var (
		u       redemption.Usage
		domain  string
		orderID *string
	)
	err := row.Scan(&u.ID, &u.CouponID, &u.UserID, &domain, &u.TargetID,
		&orderID, &u.Amount, &u.UsedAt)
	u.Domain = coupon.Domain(domain)
	if orderID != nil {
		u.OrderID = *orderID
	}
	return u, err
}
