// Package health provides Kubernetes-style liveness and readiness probes.
// Registered checks run periodically in the background; probe endpoints
// report the last observed state and never block on the checked dependency.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc probes one component. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// probeKind separates liveness checks from readiness checks.
type probeKind int

const (
	liveness probeKind = iota
	readiness
)

// check holds one registered probe and its last observed outcome. The state
// field is written only by the single background goroutine running the check
// and read by HTTP handlers.
type check struct {
	name    string
	kind    probeKind
	timeout time.Duration
	fn      CheckFunc

	state atomic.Pointer[checkState]
}

type checkState struct {
	err error
}

func (c *check) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	c.state.Store(&checkState{err: c.fn(ctx)})
}

func (c *check) failure() (string, bool) {
	s := c.state.Load()
	if s == nil || s.err == nil {
		return "", false
	}
	return s.err.Error(), true
}

// Health tracks the service's probes and its explicit ready flag.
type Health struct {
	ready atomic.Bool

	mu     sync.Mutex
	checks []*check
	cancel context.CancelFunc
}

// New creates a Health in the not-ready state. Call SetReady(true) once
// startup completes.
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a liveness probe. A failing liveness check means
// the process itself is broken and should be restarted.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.add(&check{name: name, kind: liveness, timeout: timeout, fn: fn})
}

// AddReadinessCheck registers a readiness probe. A failing readiness check
// means the service should be taken out of rotation until the dependency
// recovers.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.add(&check{name: name, kind: readiness, timeout: timeout, fn: fn})
}

func (h *Health) add(c *check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// Start launches one goroutine per registered check, each running at the
// given interval until the context is cancelled or Stop is called.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	checks := make([]*check, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	for _, c := range checks {
		go func(c *check) {
			c.run(ctx)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.run(ctx)
				}
			}
		}(c)
	}
}

// Stop cancels the background check goroutines. Safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the explicit ready flag. Set it to false at the start of
// graceful shutdown so load balancers drain the instance.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the service is marked ready and every readiness
// check is passing.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	return len(h.failures(readiness)) == 0
}

func (h *Health) failures(kind probeKind) map[string]string {
	h.mu.Lock()
	checks := make([]*check, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	out := make(map[string]string)
	for _, c := range checks {
		if c.kind != kind {
			continue
		}
		if msg, failed := c.failure(); failed {
			out[c.name] = msg
		}
	}
	return out
}

// LiveEndpoint serves the /livez probe: 200 while all liveness checks pass,
// 503 with the failing checks otherwise.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, h.failures(liveness))
}

// ReadyEndpoint serves the /readyz probe: 200 only when the service is
// marked ready and all readiness checks pass.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := h.failures(readiness)
	if !h.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	writeProbe(w, failures)
}

func writeProbe(w http.ResponseWriter, failures map[string]string) {
	w.Header().Set("Content-Type", "application/json")

	body := struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks,omitempty"`
	}{Status: "ok"}

	status := http.StatusOK
	if len(failures) > 0 {
		status = http.StatusServiceUnavailable
		body.Status = "unhealthy"
		body.Checks = failures
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
