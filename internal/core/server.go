// Package core provides the API chassis for the reconciliation service: a
// chi router with the cross-cutting middleware chain (panic recovery, request
// IDs, structured request logging), standard JSON envelopes, and request
// validation. Domain handlers register their routes against it.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"subsync/internal/config"
)

// RouteRegistrar mounts a handler's routes on the given router. The entry
// point collects registrars from each handler package; the indirection keeps
// core free of handler imports.
type RouteRegistrar func(r chi.Router)

// Server bundles the router with the dependencies every request needs.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	router *chi.Mux
}

// NewServer builds the server chassis. Routes are mounted separately via
// MountRoutes so tests can customize registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// MountRoutes registers the global middleware chain, the versioned API
// group, and the health endpoint.
//
// Middleware order matters: Recoverer is outermost so panics anywhere in the
// chain are caught; RequestID runs before the logger so every log line
// carries a correlation ID.
func (s *Server) MountRoutes(public []RouteRegistrar, v1 []RouteRegistrar) {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))

	for _, register := range public {
		register(s.router)
	}

	s.router.Route("/v1", func(r chi.Router) {
		for _, register := range v1 {
			register(r)
		}
	})

	s.router.Get("/health", s.handleHealth)
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports process liveness. It deliberately performs no
// dependency checks; a failing Stripe account must not take the webhook
// ingress out of rotation.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Shutdown releases server-held resources. Database pools are owned by the
// entry point and closed there.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown complete")
	return nil
}
