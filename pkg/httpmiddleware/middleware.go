// Package httpmiddleware provides the HTTP middleware chain for the coupon
// API: panic recovery, CORS, rate limiting, request IDs, logger injection,
// and OpenTelemetry instrumentation.
package httpmiddleware

import "net/http"

// Middleware wraps an http.Handler with additional behaviour.
type Middleware func(http.Handler) http.Handler

// Wrap applies the middlewares to h so that the first middleware in the list
// is the outermost one at request time.
func Wrap(h http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
