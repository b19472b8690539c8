package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/cassiomorais/venuepay/internal/payment"
)

const readinessTimeout = 2 * time.Second

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type HealthController struct {
	checks []HealthCheck
	router *payment.Router
}

func NewHealthController(router *payment.Router, checks ...HealthCheck) *HealthController {
	return &HealthController{checks: checks, router: router}
}

func (h *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthController) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Readiness requires every dependency and the stable processor. A canary
// that is not ready is reported but does not fail the probe.
func (h *HealthController) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": c.Name + " unavailable",
			})
			return
		}
	}

	processors := make(map[string]bool)
	for _, p := range h.router.Processors() {
		processors[p.Variant()] = p.Ready()
	}
	if !h.router.Stable().Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "not ready",
			"reason":     "payment gateway unavailable",
			"processors": processors,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "processors": processors})
}
