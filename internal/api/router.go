package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/blazecatch/internal/api/auth"
	"github.com/good-yellow-bee/blazecatch/internal/api/middleware"
	"github.com/good-yellow-bee/blazecatch/internal/api/sessions"
	"github.com/good-yellow-bee/blazecatch/internal/api/settings"
)

// setupRouter creates and configures the chi router with all routes.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestLogger(s.logger, s.config.Verbose))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.PrometheusMiddleware)

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	sessionHandler := sessions.NewHandler(s.manager, s.config.Stream, s.logger)
	settingsHandler := settings.NewHandler(s.manager, s.logger)

	r.Route("/api/v1", func(r chi.Router) {
		if len(s.config.JWTSecret) > 0 {
			jwtService := auth.NewJWTService(s.config.JWTSecret, 0)
			r.Use(middleware.JWTAuth(jwtService, s.logger))
		}

		// Read endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(auth.ScopeRead))
			r.Get("/sessions", sessionHandler.List)
			r.Get("/sessions/{id}", sessionHandler.Get)
			r.Get("/sessions/{id}/events", sessionHandler.Events)
			r.Get("/sessions/{id}/stream", sessionHandler.Stream)
			r.Get("/rules", settingsHandler.ListRules)
			r.Get("/settings", settingsHandler.Get)
			r.Get("/settings/export", settingsHandler.Export)
		})

		// Write endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(auth.ScopeWrite))
			r.Post("/sessions", sessionHandler.Start)
			r.Delete("/sessions/{id}", sessionHandler.End)
			r.Post("/sessions/{id}/clear", sessionHandler.Clear)
			r.With(middleware.RateLimitByClient(s.limiter)).
				Post("/sessions/{id}/captures/{kind}", sessionHandler.Capture)

			r.Post("/events/{id}/pin", sessionHandler.Pin)
			r.Delete("/events/{id}/pin", sessionHandler.Unpin)

			r.Post("/rules", settingsHandler.CreateRule)
			r.Delete("/rules/{id}", settingsHandler.DeleteRule)
			r.Put("/settings", settingsHandler.Update)
			r.Post("/settings/import", settingsHandler.Import)
		})
	})

	// Probes stay public.
	r.Get("/health", s.healthHandler.Health)
	r.Get("/ready", s.healthHandler.Ready)

	return r
}
