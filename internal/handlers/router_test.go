package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/fulfillment/internal/repositories"
)

type stubHealthRepository struct {
	report repositories.HealthReport
	err    error
}

func (s *stubHealthRepository) Collect(context.Context) (repositories.HealthReport, error) {
	return s.report, s.err
}

func TestNewRouter_DefaultMounts(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(30 * time.Second)
	repo := &stubHealthRepository{report: repositories.HealthReport{
		Status:      repositories.HealthStatusOK,
		GeneratedAt: now,
		Checks: map[string]repositories.HealthCheck{
			"firestore": {Status: repositories.HealthStatusOK},
		},
	}}
	health := NewHealthHandlers(
		WithHealthRepository(repo),
		WithHealthBuildInfo(BuildInfo{Version: "1.0.0", CommitSHA: "abc123", Environment: "prod", StartedAt: start}),
		WithHealthClock(func() time.Time { return now }),
	)
	router := NewRouter(WithHealthHandlers(health))

	t.Run("healthz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if body["status"] != "ok" || body["version"] != "1.0.0" || body["uptime"] != "30s" {
			t.Fatalf("unexpected body %v", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		checks, _ := body["checks"].(map[string]any)
		if _, ok := checks["firestore"]; !ok {
			t.Fatalf("expected firestore check, got %v", body)
		}
	})

	t.Run("readyz failing dependency", func(t *testing.T) {
		repo.report.Status = repositories.HealthStatusError
		defer func() { repo.report.Status = repositories.HealthStatusOK }()
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("unregistered groups", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/shipments/advance", nil))
		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("expected status 501, got %d", rr.Code)
		}
	})

	t.Run("unknown route", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestNewRouter_GroupMiddlewares(t *testing.T) {
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	router := NewRouter(
		WithInternalMiddlewares(deny),
		WithInternalRoutes(func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
		}),
		WithWebhookRoutes(func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
		}),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal/ping", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected internal middleware to reject, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/internal/ping", nil)
	req.Header.Set("Authorization", "Bearer token")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhooks/ping", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("webhooks must not use internal middleware, got %d", rr.Code)
	}
}

func TestNewRouter_GroupTimeouts(t *testing.T) {
	deadlines := map[string]time.Duration{}
	record := func(name string) RouteRegistrar {
		return func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, req *http.Request) {
				if deadline, ok := req.Context().Deadline(); ok {
					deadlines[name] = time.Until(deadline)
				}
				w.WriteHeader(http.StatusNoContent)
			})
		}
	}
	router := NewRouter(
		WithWebhookRoutes(record("webhooks")),
		WithInternalRoutes(record("internal")),
		WithInternalTimeout(0),
	)

	for _, path := range []string{"/webhooks/ping", "/internal/ping"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s: expected 204, got %d", path, rr.Code)
		}
	}
	if got, ok := deadlines["webhooks"]; !ok || got > defaultWebhookTimeout {
		t.Fatalf("expected webhook deadline within %s, got %s (set=%v)", defaultWebhookTimeout, got, ok)
	}
	if _, ok := deadlines["internal"]; ok {
		t.Fatalf("expected no deadline on internal routes when disabled")
	}
}
