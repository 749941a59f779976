package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecgard/tollbooth/internal/auth"
	"github.com/alecgard/tollbooth/internal/metrics"
	"github.com/alecgard/tollbooth/internal/sandbox"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Sandbox        *sandbox.Sandbox
	Auth           *auth.Service
	Metrics        *metrics.Metrics // optional
	Archive        AuditArchive     // optional; enables the export listing
	MaxRequestSize int64
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	var httpMetrics HTTPMetrics
	if deps.Metrics != nil {
		httpMetrics = deps.Metrics
	}

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(requestLogger(httpMetrics))
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))

	tools := newToolsHandler(deps.Sandbox, deps.MaxRequestSize)
	logs := newAuditHandler(deps.Sandbox, deps.Archive)
	breakers := newBreakerHandler(deps.Sandbox)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"tools":  len(deps.Sandbox.Tools()),
		})
	})

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// Admin routes (basic auth).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(auth.AdminAuthMiddleware(deps.Auth))

		if deps.Metrics != nil {
			ar.Get("/metrics", deps.Metrics.Handler())
		}

		ar.Get("/tools/{toolID}/breaker", breakers.GetBreaker)
		ar.Delete("/tools/{toolID}", breakers.UnregisterTool)

		ar.Get("/audit", logs.ListLogs)
		ar.Delete("/audit", logs.ClearLogs)
		if deps.Archive != nil {
			ar.Get("/audit/export", logs.ListArchived)
		}
	})

	// Caller routes (API key).
	r.Route("/api/v1", func(cr chi.Router) {
		cr.Use(auth.CallerAuthMiddleware(deps.Auth))

		cr.Get("/tools", tools.ListTools)
		cr.Get("/tools/{toolID}", tools.GetTool)
		cr.Post("/tools/{toolID}/invoke", tools.Invoke)
		cr.Get("/logs", logs.ListOwnLogs)
	})

	return r
}
