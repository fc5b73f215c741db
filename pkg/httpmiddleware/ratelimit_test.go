package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func limited(max int, keyFunc func(*http.Request) string) http.Handler {
	return RateLimit(RateLimitConfig{
		Max:     max,
		Window:  time.Minute,
		KeyFunc: keyFunc,
	})(okHandler())
}

func hit(handler http.Handler, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestRateLimitAllowsUpToMax(t *testing.T) {
	handler := limited(5, nil)

	for i := 0; i < 5; i++ {
		w := hit(handler, "192.168.1.1:12345", nil)
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}

	w := hit(handler, "192.168.1.1:12345", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "RATE_LIMITED", body["reason"])
	assert.NotEmpty(t, body["message"])
}

func TestRateLimitKeysClientsIndependently(t *testing.T) {
	handler := limited(1, nil)

	assert.Equal(t, http.StatusOK, hit(handler, "10.0.0.1:1234", nil).Code)
	assert.Equal(t, http.StatusOK, hit(handler, "10.0.0.2:1234", nil).Code)
	// Same client, different ephemeral port: still the same key.
	assert.Equal(t, http.StatusTooManyRequests, hit(handler, "10.0.0.1:5678", nil).Code)
}

func TestRateLimitCustomKeyFunc(t *testing.T) {
	handler := limited(1, func(r *http.Request) string {
		return r.Header.Get("api_key")
	})

	assert.Equal(t, http.StatusOK, hit(handler, "1.1.1.1:1", map[string]string{"api_key": "a"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(handler, "2.2.2.2:2", map[string]string{"api_key": "a"}).Code)
	assert.Equal(t, http.StatusOK, hit(handler, "1.1.1.1:1", map[string]string{"api_key": "b"}).Code)
}

func TestRateLimitWindowBaseIsAligned(t *testing.T) {
	l := newLimiter(RateLimitConfig{Max: 6, Window: time.Minute})

	base := time.Date(2026, 8, 31, 12, 30, 0, 0, time.UTC)
	mid := base.Add(40 * time.Second)

	_, resetAt, ok := l.take("client", mid)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), resetAt, "fresh buckets align to the window grid")

	for i := 0; i < 5; i++ {
		_, _, ok := l.take("client", mid)
		require.True(t, ok, "request %d", i+2)
	}
	_, _, ok = l.take("client", mid)
	require.False(t, ok)

	// 10s into the next window the previous count weighs in at its remaining
	// 50s overlap: 6 * 5/6 = 5 used, so exactly one request fits.
	next := base.Add(70 * time.Second)
	_, resetAt, ok = l.take("client", next)
	require.True(t, ok)
	assert.Equal(t, base.Add(2*time.Minute), resetAt)

	_, _, ok = l.take("client", next)
	assert.False(t, ok)
}

func TestRateLimitUsesForwardedFor(t *testing.T) {
	handler := limited(1, nil)

	forwarded := map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"}
	assert.Equal(t, http.StatusOK, hit(handler, "192.168.1.1:4444", forwarded).Code)
	// Different socket, same forwarded client.
	assert.Equal(t, http.StatusTooManyRequests, hit(handler, "192.168.1.2:5555", forwarded).Code)
}
