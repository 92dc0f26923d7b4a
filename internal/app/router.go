package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ai-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-orchestrator/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(60 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit the generation endpoint per client IP
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.HTTPRateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/generate", srv.GenerateHandler())
	})
	// Read-only endpoints
	r.Get("/v1/providers/health", srv.ProvidersHealthHandler())
	r.Get("/v1/stats", srv.StatsHandler())

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	// Admin API
	if cfg.AdminEnabled() {
		r.Route("/admin", func(ar chi.Router) {
			ar.Use(httpserver.AdminGuard(cfg))

			ar.Post("/cache/invalidate", srv.AdminCacheInvalidateHandler())
			ar.Post("/cache/clear", srv.AdminCacheClearHandler())
			ar.Post("/cache/warm", srv.AdminCacheWarmHandler())
			ar.Post("/cache/schedule", srv.AdminCacheScheduleHandler())
			ar.Get("/cache/rules", srv.AdminCacheRulesHandler())
			ar.Put("/cache/rules/{name}", srv.AdminCacheSetRuleHandler())

			ar.Get("/quota/{userID}", srv.AdminQuotaHandler())
			ar.Put("/quota/{userID}/limits", srv.AdminSetQuotaHandler())
			ar.Delete("/quota/{userID}", srv.AdminResetQuotaHandler())

			ar.Get("/ratelimit/{userID}", srv.AdminRateLimitHandler())
			ar.Put("/ratelimit/{userID}/limits", srv.AdminSetRateLimitHandler())
			ar.Delete("/ratelimit/{userID}", srv.AdminResetRateLimitHandler())

			ar.Get("/breakers", srv.AdminBreakersHandler())
			ar.Post("/breakers/{id}/{action}", srv.AdminBreakerActionHandler())

			ar.Post("/providers/probe", srv.AdminProbeHandler())
			ar.Post("/telemetry/reset", srv.AdminTelemetryResetHandler())
		})
	}

	return httpserver.SecurityHeaders(r)
}
