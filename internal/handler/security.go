package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/aitkaci/souq-coupons/internal/domain/auth"
)

// identityKey is the context key for the authenticated identity.
type identityKey struct{}

// IdentityFromContext extracts the authenticated identity from the context.
func IdentityFromContext(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(identityKey{}).(*auth.Identity)
	return id
}

// SecurityMiddleware authenticates requests via HMAC-SHA256 hashed API keys
// carried in the api_key header and injects the resolved identity into the
// request context. The stored hash is compared in constant time.
func SecurityMiddleware(apikeys auth.Repository, pepper []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("api_key")
			if key == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			mac := hmac.New(sha256.New, pepper)
			mac.Write([]byte(key))
			hash := mac.Sum(nil)

			identity, err := apikeys.FindByHash(r.Context(), hex.EncodeToString(hash))
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			stored, err := hex.DecodeString(identity.KeyHash)
			if err != nil || subtle.ConstantTimeCompare(hash, stored) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
