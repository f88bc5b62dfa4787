package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/fulfillment/internal/platform/httpx"
	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
	"github.com/hanko-field/fulfillment/internal/repositories"
)

// BuildInfo identifies the running binary in health responses.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	repo  repositories.HealthRepository
	build BuildInfo
	clock func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthRepository sets the dependency prober used by /readyz.
func WithHealthRepository(repo repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) {
		h.repo = repo
	}
}

// WithHealthBuildInfo sets the build metadata reported by both probes.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock overrides the clock used for uptime.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs the probes. Without a repository /readyz reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

// Healthz reports liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.payload(repositories.HealthStatusOK))
}

// Readyz probes dependencies. Degraded dependencies still report ready; failed ones return 503.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		httpx.WriteJSON(w, http.StatusOK, h.payload(repositories.HealthStatusOK))
		return
	}
	report, err := h.repo.Collect(r.Context())
	if err != nil {
		requestctx.Logger(r.Context()).Error("readiness probe failed", zap.Error(err))
		httpx.WriteError(r.Context(), w, httpx.NewError("health_unavailable", "readiness probe failed", http.StatusServiceUnavailable))
		return
	}
	payload := h.payload(report.Status)
	payload["checks"] = report.Checks
	payload["generatedAt"] = report.GeneratedAt.UTC().Format(time.RFC3339)

	status := http.StatusOK
	if report.Status == repositories.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, payload)
}

func (h *HealthHandlers) payload(status repositories.HealthStatus) map[string]any {
	now := h.clock().UTC()
	payload := map[string]any{
		"status":    status,
		"uptime":    now.Sub(h.build.StartedAt).Round(time.Second).String(),
		"timestamp": now.Format(time.RFC3339),
	}
	if h.build.Version != "" {
		payload["version"] = h.build.Version
	}
	if h.build.CommitSHA != "" {
		payload["commitSha"] = h.build.CommitSHA
	}
	if h.build.Environment != "" {
		payload["environment"] = h.build.Environment
	}
	return payload
}
