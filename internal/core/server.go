package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tiergate/internal/config"
	"tiergate/internal/types"
)

// defaultRequestTimeout is the soft deadline applied to every request
// context. TierGate handlers fall back to cached state long before this
// fires; the deadline exists to bound pathological processor calls.
const defaultRequestTimeout = 25 * time.Second

// RouteRegistrar mounts a domain handler's routes onto the v1 router group.
// Handlers register themselves through this indirection so core never imports
// the handler packages.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the dependencies of the TierGate API, allowing
// injection during testing and distinct configuration per environment.
type Server struct {
	Config    *config.Config
	Logger    types.Logger
	Audit     types.AuditSink
	Validator *Validator

	// HealthProbes are checked by the /health endpoint.
	HealthProbes []HealthProbe

	// V1RouteRegistrars are populated by the application entry point before
	// MountRoutes is called. Routes registered here sit behind APIKeyAuth.
	V1RouteRegistrars []RouteRegistrar

	// PublicRouteRegistrars mount outside the authenticated group. Used for
	// processor webhooks, which authenticate via signature instead.
	PublicRouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer initializes the chassis and performs fail-fast checks on
// critical dependencies. The caller mounts routes via MountRoutes after
// registering handlers.
func NewServer(cfg *config.Config, logger types.Logger, audit types.AuditSink) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Audit:     audit,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// MountRoutes registers the global middleware chain, the authenticated /v1
// group, and the unauthenticated health endpoint.
//
// Middleware order is strict:
//  1. Recoverer       - outermost so it catches panics from everything below.
//  2. ContextTimeout  - soft deadline before the platform hard timeout.
//  3. RequestID       - correlation ID for logs and error envelopes.
//  4. SecurityHeaders - applied to every response including errors.
//  5. RequestLogger   - structured completion log with final status.
//  6. APIKeyAuth      - only inside /v1; health stays unauthenticated.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeout(defaultRequestTimeout))
	s.router.Use(RequestID)
	s.router.Use(SecurityHeaders)
	s.router.Use(s.RequestLogger)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.APIKeyAuth)
		for _, registrar := range s.V1RouteRegistrars {
			registrar(r)
		}
	})

	for _, registrar := range s.PublicRouteRegistrars {
		registrar(s.router)
	}

	s.router.Get("/health", s.HandleHealth)
}

// ContextTimeout sets a deadline on the request context. Downstream handlers
// receive a cancelled context when it fires; the response shape is up to the
// handler.
func ContextTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown flushes server-held resources. Database pools and the audit sink
// are owned by main and closed there; the server itself holds no connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown complete")
	return nil
}
