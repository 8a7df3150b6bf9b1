package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/planguard/control-plane/internal/api/handlers"
	"github.com/planguard/control-plane/internal/api/middleware"
	"github.com/planguard/control-plane/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.Auth.APIKeys).Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		// Prompts → plans
		r.Post("/prompts", h.SubmitPrompt)
		r.Get("/prompts/{promptId}", h.GetPrompt)

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Route("/{planId}", func(r chi.Router) {
				r.Get("/", h.GetPlan)
				r.Post("/validate", h.ValidatePlan)
				r.Post("/approve", h.ApprovePlan)
				r.Post("/execute", h.ExecutePlan)
				r.Get("/events", h.PlanEvents)
				r.Get("/lineage", h.PlanLineage)
			})
		})

		r.Route("/entities", func(r chi.Router) {
			r.Get("/", h.ListEntities)
			r.Post("/", h.CreateEntity)
			r.Get("/{entityId}", h.GetEntity)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Get("/stream", h.StreamEvents)
		})

		r.Route("/capabilities", func(r chi.Router) {
			r.Get("/", h.ListCapabilities)
			r.Post("/", h.CreateCapability)
			r.Route("/{capabilityId}", func(r chi.Router) {
				r.Get("/", h.GetCapability)
				r.Put("/", h.UpdateCapability)
				r.Delete("/", h.DeleteCapability)
			})
		})

		r.Route("/operations", func(r chi.Router) {
			r.Get("/", h.ListOperations)
			r.Put("/{op}", h.PutOperation)
		})

		// Tool providers (MCP servers)
		r.Route("/tool-providers", func(r chi.Router) {
			r.Get("/", h.ListToolProviders)
			r.Post("/", h.AddToolProvider)
			r.Get("/tools", h.ListTools)
			r.Delete("/{name}", h.RemoveToolProvider)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "planguard-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "planguard-control-plane",
		})
	}
}
