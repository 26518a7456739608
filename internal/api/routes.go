package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and configures the HTTP router. metrics may be nil.
func NewRouter(handlers *Handlers, authMiddleware *AuthMiddleware, loggingMiddleware *LoggingMiddleware, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware - ORDER MATTERS!
	r.Use(middleware.RequestID)      // Generate request ID first
	r.Use(middleware.RealIP)         // Extract real IP
	r.Use(loggingMiddleware.Handler) // Add logger to context with request ID
	r.Use(middleware.Recoverer)      // Panic recovery

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"}, // Expose request ID
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check and metrics (no auth required)
	r.Get("/health", handlers.Health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	// API v1 routes (with authentication)
	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.With(middleware.Timeout(60*time.Second)).Get("/repos", handlers.ListRepos)

		r.Route("/repos/{repo}", func(r chi.Router) {
			r.Use(handlers.RepoContext)

			// Event stream stays open, so it is outside the timeout group
			r.Get("/events", handlers.StreamEvents)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(60 * time.Second))

				// Pushes
				r.Get("/pushes", handlers.ListPushes)
				r.Post("/pushes/next", handlers.FetchNext)
				r.Get("/pushes/{push_id}", handlers.GetPush)
				r.Get("/pushes/{push_id}/view", handlers.PushView)

				// Jobs
				r.Get("/jobs/{job_id}", handlers.GetJob)
				r.Post("/jobs/{job_id}/cancel", handlers.CancelJob)
			})
		})
	})

	return r
}
