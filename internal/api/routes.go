package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	// Rate limiter for purge operations: burst of 20, refill 1 per second.
	// Purges are permanent; a runaway client should hit this wall before
	// it empties a collection.
	purgeRateLimiter := NewPurgeRateLimiter(20, time.Second)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)
		r.Get("/time", h.ServerTime)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Use(ScopeMiddleware)
			r.Post("/sync/write", h.Write)
			r.Get("/sync/delta", h.Delta)
			r.Get("/sync/feed", h.Feed)
			// Purge is permanent and has additional rate limiting
			r.With(purgeRateLimiter.Middleware).Post("/sync/purge", h.Purge)
		})
	})

	return r
}
