package httpserver

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sheetscrub/backend/internal/config"
	"github.com/sheetscrub/backend/internal/handlers"
	"github.com/sheetscrub/backend/internal/middleware"
	"github.com/sheetscrub/backend/internal/worker"
)

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	sweeper    *worker.Sweeper
}

// New constructs an HTTP server using the provided configuration and handlers.
// The identity middleware runs on every route; the webhook and health routes
// simply never read the resolved user.
func New(cfg config.Config, authn *middleware.Authenticator, stripeHandler *handlers.StripeHandler, cleanHandler *handlers.CleanHandler, entitlements handlers.EntitlementReader, sweeper *worker.Sweeper) *Server {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)

	if authn != nil {
		router.Use(authn.Middleware())
	}

	router.Get("/healthz", handlers.Health)
	router.Get("/api/entitlement", handlers.Entitlement(entitlements))

	if cleanHandler != nil {
		router.Post("/clean", cleanHandler.Clean())
	}

	// Checkout / webhook / verification endpoints
	if stripeHandler != nil {
		stripeHandler.RegisterRoutes(router)
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, sweeper: sweeper}
}

// Start begins serving HTTP traffic and starts the sweeper.
func (s *Server) Start() error {
	if s.sweeper != nil {
		log.Println("[server] Starting intent sweeper...")
		s.sweeper.Start(context.Background())
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and sweeper.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sweeper != nil {
		log.Println("[server] Shutting down intent sweeper...")
		if err := s.sweeper.Stop(ctx); err != nil {
			log.Printf("[server] Sweeper shutdown error: %v", err)
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
