package auth

import (
	"context"

	"github.com/aitkaci/souq-coupons/internal/domain/coupon"
)

// Identity is the authenticated caller resolved from an API key.
type Identity struct {
	KeyID   string
	KeyHash string
	UserID  string
	Role    coupon.Role
	Name    string
}

// Repository provides lookup of API keys by their HMAC-SHA256 hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*Identity, error)
}
