// Package redemption bridges the pure coupon evaluator to persistent state.
// The coordinator guarantees that concurrent redemptions can never exceed a
// coupon's global or per-user caps: the authoritative cap check happens inside
// the store's atomic commit, not at validate time.
package redemption

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
)

// ErrNotFound is returned by stores when no coupon matches a code.
var ErrNotFound = errors.New("coupon not found")

// ErrDuplicateOrder is returned by stores when a usage row already exists for
// the commit's (coupon, user, order) key. The coordinator resolves it into an
// idempotent replay.
var ErrDuplicateOrder = errors.New("usage already recorded for order")

// Usage is one immutable redemption audit record.
type Usage struct {
	ID       string
	CouponID string
	UserID   string
	Domain   coupon.Domain
	TargetID string
	// OrderID is empty when the redemption is not tied to an order.
	OrderID string
	Amount  decimal.Decimal
	UsedAt  time.Time
}

// Store is the persistence surface the coordinator requires.
//
// CommitUsage must be atomic: re-check the coupon's state and caps, insert
// the usage row, and increment current_uses as one indivisible step. Cap and
// state failures are reported as *coupon.RejectionError; a duplicate
// (coupon, user, order) key as ErrDuplicateOrder.
type Store interface {
	FindByCode(ctx context.Context, code string) (*coupon.Coupon, error)
	ListAutoApply(ctx context.Context) ([]coupon.Coupon, error)
	RulesFor(ctx context.Context, couponID string) ([]coupon.Rule, error)
	CountUsages(ctx context.Context, couponID, userID string) (int, error)
	FindUsageByOrder(ctx context.Context, couponID, userID, orderID string) (*Usage, error)
	CommitUsage(ctx context.Context, u *Usage) error
}

// CommitRequest holds the input for committing a redemption.
type CommitRequest struct {
	CouponID string
	UserID   string
	Context  coupon.Context
	Amount   decimal.Decimal
	// OrderID, when set, is the idempotency key together with the coupon and
	// user ids.
	OrderID string
}

// CommitResult holds the persisted outcome of a commit.
type CommitResult struct {
	UsageID string
	Amount  decimal.Decimal
	// Replayed is true when an identical earlier commit was found and
	// returned instead of double-counting.
	Replayed bool
}
