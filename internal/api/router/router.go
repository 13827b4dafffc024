// Package router wires the HTTP surface together.
package router

import (
	"net/http"

	"github.com/carebridge-health/intake-engine/internal/http/handlers"
	httpmiddleware "github.com/carebridge-health/intake-engine/internal/http/middleware"
	"github.com/carebridge-health/intake-engine/pkg/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config holds router configuration.
type Config struct {
	Logger             *logging.Logger
	IntakeHandler      *handlers.IntakeHandler
	AdminHandler       *handlers.AdminHandler
	MetricsHandler     http.Handler
	AdminAuthSecret    string
	CORSAllowedOrigins []string
}

// New creates a new Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints: the provider webhook, status polling, health.
	r.Group(func(public chi.Router) {
		public.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		if cfg.IntakeHandler != nil {
			public.Post("/webhook", cfg.IntakeHandler.HandleWebhook)
			public.Get("/intake/{id}", cfg.IntakeHandler.HandleRecordStatus)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Admin endpoints behind the HMAC JWT.
	if cfg.AdminHandler != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Get("/dead-letters", cfg.AdminHandler.HandleDeadLetters)
			admin.Post("/dead-letters/redrive", cfg.AdminHandler.HandleRedrive)
			admin.Get("/errors", cfg.AdminHandler.HandleListErrors)
			admin.Post("/records/{id}/requeue", cfg.AdminHandler.HandleRequeue)
		})
	}

	return r
}
