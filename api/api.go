// Package api serves the host's local administration surface: issuing,
// inspecting and revoking resumable sessions, plus health and metrics.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/hostlink/internal/logging"
	"github.com/jmcleod/hostlink/internal/metrics"
	"github.com/jmcleod/hostlink/session"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	store       *session.Store
	metrics     *metrics.Metrics
	log         *slog.Logger
	token       string
	rateLimiter *tokenRateLimiter
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.log = logger
		}
	}
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *API) {
		a.metrics = m
	}
}

// WithToken sets the bearer token required by the session routes. Without
// one, every session route answers 401.
func WithToken(token string) Option {
	return func(a *API) {
		a.token = token
	}
}

// New creates a new API instance over store.
func New(store *session.Store, opts ...Option) *API {
	a := &API{
		store:       store,
		log:         logging.Discard(),
		rateLimiter: newTokenRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "admin")
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Get("/health", a.Health)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		a.metrics.Handler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)
		r.Use(a.RequireToken)

		r.Post("/sessions", a.IssueSession)
		r.Get("/sessions/{id}", a.GetSession)
		r.Delete("/sessions/{id}", a.DeleteSession)
		r.Get("/users/{username}/sessions", a.CountSessions)
		r.Delete("/users/{username}/sessions", a.InvalidateSessions)
	})

	return r
}
