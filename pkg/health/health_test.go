package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passing() CheckFunc {
	return func(_ context.Context) error { return nil }
}

func failing(msg string) CheckFunc {
	return func(_ context.Context) error { return errors.New(msg) }
}

type probeBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func probe(t *testing.T, fn http.HandlerFunc) (int, probeBody) {
	t.Helper()
	w := httptest.NewRecorder()
	fn(w, httptest.NewRequest(http.MethodGet, "/", nil))
	var body probeBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func runAll(h *Health) {
	for _, c := range h.checks {
		c.run(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, passing())
	runAll(h)

	code, body := probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
}

func TestLiveEndpointReportsFailure(t *testing.T) {
	h := New()
	h.AddLivenessCheck("db", time.Second, failing("connection refused"))
	runAll(h)

	code, body := probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "connection refused", body.Checks["db"])
}

func TestReadyEndpointNeedsExplicitReady(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passing())
	runAll(h)

	code, body := probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body.Checks, "_readiness")

	h.SetReady(true)
	code, body = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)

	// Draining during shutdown flips it back.
	h.SetReady(false)
	code, _ = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestReadyEndpointSeparatesProbeKinds(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, failing("leak"))
	h.AddReadinessCheck("postgres", time.Second, passing())
	h.SetReady(true)
	runAll(h)

	// The failing liveness check must not affect readiness.
	code, body := probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)

	code, body = probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body.Checks, "goroutines")
}

func TestCheckRecovers(t *testing.T) {
	down := true
	h := New()
	h.AddReadinessCheck("flaky", time.Second, func(_ context.Context) error {
		if down {
			return errors.New("down")
		}
		return nil
	})
	h.SetReady(true)

	runAll(h)
	assert.False(t, h.IsReady())

	down = false
	runAll(h)
	assert.True(t, h.IsReady())
}

func TestStartAndStop(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, passing())
	h.AddReadinessCheck("postgres", time.Second, passing())
	h.SetReady(true)

	h.Start(context.Background(), 10*time.Millisecond)
	defer h.Stop()

	require.Eventually(t, h.IsReady, time.Second, 5*time.Millisecond)

	// Stop is idempotent.
	h.Stop()
	h.Stop()
}

func TestConcurrentProbes(t *testing.T) {
	h := New()
	h.AddLivenessCheck("flaky", time.Second, failing("err"))
	h.AddReadinessCheck("postgres", time.Second, passing())
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, 5*time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.IsReady()
				w := httptest.NewRecorder()
				h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))
				w = httptest.NewRecorder()
				h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))
			}
		}()
	}
	wg.Wait()
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))
	assert.Error(t, GoroutineCountCheck(0)(context.Background()))
}
