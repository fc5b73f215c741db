// Package wallet holds the offer-wallet bookmarks. Saving a coupon is a
// bookmarking action only; redemption happens exclusively through the
// redemption coordinator.
package wallet

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
)

// ErrUnknownCoupon is returned by Save when the coupon does not exist.
var ErrUnknownCoupon = errors.New("coupon does not exist")

// Entry is one saved coupon in a user's wallet.
type Entry struct {
	UserID  string
	Coupon  coupon.Coupon
	SavedAt time.Time
}

// Repository defines persistence for wallet bookmarks.
type Repository interface {
	Save(ctx context.Context, userID, couponID string) error
	ListByUser(ctx context.Context, userID string) ([]Entry, error)
}
