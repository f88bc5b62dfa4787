package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/fulfillment/internal/platform/httpx"
)

const (
	// Webhooks must be acknowledged before partners redeliver; internal commands may wait on a
	// carrier call.
	defaultWebhookTimeout  = 20 * time.Second
	defaultInternalTimeout = 60 * time.Second
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routeGroup struct {
	path        string
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
	timeout     time.Duration
}

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	webhooks    routeGroup
	internal    routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the chi router: probes at the root, partner callbacks under /webhooks and
// scheduler/operator commands under /internal.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		middlewares: []func(http.Handler) http.Handler{middleware.RequestID, middleware.RealIP},
		webhooks:    routeGroup{path: "/webhooks", timeout: defaultWebhookTimeout},
		internal:    routeGroup{path: "/internal", timeout: defaultInternalTimeout},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	for _, group := range []routeGroup{cfg.webhooks, cfg.internal} {
		mountGroup(r, group)
	}
	return r
}

func mountGroup(r chi.Router, group routeGroup) {
	r.Route(group.path, func(sub chi.Router) {
		if group.timeout > 0 {
			sub.Use(middleware.Timeout(group.timeout))
		}
		for _, mw := range group.middlewares {
			if mw != nil {
				sub.Use(mw)
			}
		}
		if group.registrar == nil {
			unavailable := func(w http.ResponseWriter, req *http.Request) {
				httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes are not configured", group.path), http.StatusNotImplemented))
			}
			sub.HandleFunc("/*", unavailable)
			sub.HandleFunc("/", unavailable)
			return
		}
		group.registrar(sub)
	})
}

// WithMiddlewares appends global middleware, applied before the group middleware.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithWebhookRoutes registers the gateway and carrier callbacks.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks.registrar = reg
	}
}

// WithWebhookMiddlewares adds middleware to the /webhooks group.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks.middlewares = append(cfg.webhooks.middlewares, mw...)
	}
}

// WithWebhookTimeout overrides the /webhooks request timeout. Zero disables it.
func WithWebhookTimeout(timeout time.Duration) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks.timeout = timeout
	}
}

// WithInternalRoutes registers the shipment command endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.internal.registrar = reg
	}
}

// WithInternalMiddlewares adds middleware to the /internal group, typically OIDC verification.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.internal.middlewares = append(cfg.internal.middlewares, mw...)
	}
}

// WithInternalTimeout overrides the /internal request timeout. Zero disables it.
func WithInternalTimeout(timeout time.Duration) Option {
	return func(cfg *routerConfig) {
		cfg.internal.timeout = timeout
	}
}
