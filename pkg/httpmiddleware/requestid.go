package httpmiddleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestIDFromContext returns the request ID stored by the RequestID
// middleware, or an empty string.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID returns a middleware that tags each request with a unique ID,
// reusing a well-formed incoming X-Request-ID header when present. The ID is
// echoed on the response and stored in the request context.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if !wellFormedID(id) {
				id = uuid.New().String()
			}
			w.Header().Set(requestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

// wellFormedID accepts IDs of up to 128 bytes of printable ASCII. Anything
// else is replaced rather than echoed back into logs and headers.
func wellFormedID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
