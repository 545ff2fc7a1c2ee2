package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/hazelcart/fulfillment/internal/platform/httpx"
)

const readinessCheckTimeout = 2 * time.Second

// ReadinessCheck probes one dependency; a non-nil error marks it unready.
type ReadinessCheck func(ctx context.Context) error

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	startedAt time.Time
	clock     func() time.Time
	checks    map[string]ReadinessCheck
}

// HealthOption customises the health handlers before construction.
type HealthOption func(*HealthHandlers)

// WithHealthClock overrides the clock used for uptime and timestamps.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithReadinessCheck registers a named dependency probe for /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) HealthOption {
	return func(h *HealthHandlers) {
		if name != "" && check != nil {
			h.checks[name] = check
		}
	}
}

// NewHealthHandlers constructs health handlers with the given options.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock:  time.Now,
		checks: make(map[string]ReadinessCheck),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.startedAt = h.clock()
	return h
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock().UTC()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.startedAt).String(),
		"timestamp": now.Format(time.RFC3339),
	})
}

// Readyz probes registered dependencies and fails with 503 on any error.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	checks := make(map[string]any, len(h.checks))
	ready := true

	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), readinessCheckTimeout)
		start := time.Now()
		err := check(ctx)
		cancel()

		entry := map[string]any{
			"status":  "ok",
			"latency": time.Since(start).String(),
		}
		if err != nil {
			ready = false
			entry["status"] = "unavailable"
			entry["error"] = err.Error()
		}
		checks[name] = entry
	}

	status := http.StatusOK
	state := "ok"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}
	httpx.WriteJSON(w, status, map[string]any{
		"status":    state,
		"checks":    checks,
		"timestamp": now.Format(time.RFC3339),
	})
}
