package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Build information, set via -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

// ReadinessChecks holds the dependency probes evaluated by the readiness
// endpoint. Nil probes are skipped.
type ReadinessChecks struct {
	Store       func(context.Context) error
	Idempotency func(context.Context) error
}

// HealthChecker serves liveness and readiness endpoints.
type HealthChecker struct {
	checks  ReadinessChecks
	logger  *zap.Logger
	timeout time.Duration
}

// NewHealthChecker creates a HealthChecker with the given dependency probes.
func NewHealthChecker(checks ReadinessChecks, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		checks:  checks,
		logger:  logger,
		timeout: 2 * time.Second,
	}
}

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Commit  string            `json:"commit"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HandleHealth is the liveness probe. It always returns 200 while the
// process can serve HTTP.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeHealthJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: Version,
		Commit:  Commit,
	})
}

// HandleReady is the readiness probe. It returns 503 if any dependency
// probe fails.
func (h *HealthChecker) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	results := map[string]string{}
	healthy := true

	probe := func(name string, fn func(context.Context) error) {
		if fn == nil {
			return
		}
		if err := fn(ctx); err != nil {
			healthy = false
			results[name] = err.Error()
			h.logger.Warn("readiness check failed",
				zap.String("check", name), zap.Error(err))
			return
		}
		results[name] = "ok"
	}

	probe("store", h.checks.Store)
	probe("idempotency", h.checks.Idempotency)

	status := http.StatusOK
	overall := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	writeHealthJSON(w, status, healthResponse{
		Status:  overall,
		Version: Version,
		Commit:  Commit,
		Checks:  results,
	})
}

func writeHealthJSON(w http.ResponseWriter, status int, body healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
