package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/jx"
)

// RateLimitConfig configures the per-client sliding window rate limiter.
type RateLimitConfig struct {
	// Max requests allowed per window.
	Max int
	// Window is the sliding window length.
	Window time.Duration
	// KeyFunc derives the limiter key from a request. Nil uses the client IP.
	KeyFunc func(*http.Request) string
}

// bucket tracks a client's counts in the current and previous windows. The
// previous window's count is weighted by its remaining overlap with the
// sliding window, which smooths bursts at window boundaries.
type bucket struct {
	prev      float64
	curr      float64
	currStart time.Time
}

type limiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiter(cfg RateLimitConfig) *limiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = clientIP
	}
	return &limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

func (l *limiter) take(key string, now time.Time) (remaining int, resetAt time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Window starts are always aligned to multiples of the window length so
	// the weighting below uses the same base for fresh and rolled buckets.
	b := l.buckets[key]
	if b == nil {
		b = &bucket{currStart: now.Truncate(l.cfg.Window)}
		l.buckets[key] = b
	}

	if elapsed := now.Sub(b.currStart); elapsed >= l.cfg.Window {
		if elapsed >= 2*l.cfg.Window {
			b.prev = 0
		} else {
			b.prev = b.curr
		}
		b.curr = 0
		b.currStart = now.Truncate(l.cfg.Window)
	}

	weight := 1 - now.Sub(b.currStart).Seconds()/l.cfg.Window.Seconds()
	if weight < 0 {
		weight = 0
	}
	used := b.prev*weight + b.curr
	resetAt = b.currStart.Add(l.cfg.Window)

	if used >= float64(l.cfg.Max) {
		return 0, resetAt, false
	}

	b.curr++
	remaining = int(float64(l.cfg.Max) - used - 1)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, resetAt, true
}

func (l *limiter) evictStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.currStart) >= 2*l.cfg.Window {
			delete(l.buckets, key)
		}
	}
}

// RateLimit returns a middleware enforcing a per-key sliding window limit.
// Rejected requests get a 429 with the API's reason envelope and a
// Retry-After header; every response carries X-RateLimit-* headers.
func RateLimit(cfg RateLimitConfig) Middleware {
	return limitMiddleware(newLimiter(cfg))
}

// RateLimitWithCleanup is RateLimit plus a background goroutine that evicts
// idle clients; it stops when ctx is cancelled.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go func() {
		ticker := time.NewTicker(2 * l.cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.evictStale(now)
			}
		}
	}()
	return limitMiddleware(l)
}

func limitMiddleware(l *limiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remaining, resetAt, ok := l.take(l.cfg.KeyFunc(r), time.Now())

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Max))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !ok {
				retryAfter := math.Ceil(time.Until(resetAt).Seconds())
				if retryAfter < 0 {
					retryAfter = 0
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter)))

				e := &jx.Encoder{}
				e.ObjStart()
				e.FieldStart("reason")
				e.Str("RATE_LIMITED")
				e.FieldStart("message")
				e.Str("Trop de requêtes, veuillez réessayer plus tard")
				e.ObjEnd()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write(e.Bytes())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the limiter key from proxy headers before falling back
// to the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
