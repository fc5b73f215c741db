// Package catalog exposes the read-only listing lookup the coupon engine
// consumes when a preview context omits the transaction amount.
package catalog

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
)

// ErrNotFound is returned when a requested listing does not exist.
var ErrNotFound = errors.New("listing not found")

// Listing is a product, event, or service offered on the marketplace.
type Listing struct {
	ID         string
	Kind       coupon.Domain
	Title      string
	Price      decimal.Decimal
	CategoryID string
	Wilaya     int32
	MerchantID string
}

// Repository defines read operations over the listing catalog.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Listing, error)
}
