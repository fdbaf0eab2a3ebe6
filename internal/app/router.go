package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/woo-catalog-sync/internal/adapter/httpserver"
	"github.com/fairyhunter13/woo-catalog-sync/internal/adapter/observability"
	"github.com/fairyhunter13/woo-catalog-sync/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// An empty list or a wildcard anywhere yields ["*"].
func ParseOrigins(s string) []string {
	wildcard := []string{"*"}
	var out []string
	for _, part := range strings.Split(s, ",") {
		switch p := strings.TrimSpace(part); p {
		case "":
		case "*":
			return wildcard
		default:
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return wildcard
	}
	return out
}

func corsOptions(cfg config.Config) cors.Options {
	return cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}
}

// BuildRouter constructs the dashboard HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()

	// Order matters: recovery first, then request identity, deadline,
	// tracing, and access logging before any rate limiting kicks in.
	r.Use(
		httpserver.Recoverer(),
		httpserver.RequestID(),
		httpserver.TimeoutMiddleware(30*time.Second),
		httpserver.TraceMiddleware,
		httpserver.AccessLog(),
		observability.HTTPMetricsMiddleware,
		cors.Handler(corsOptions(cfg)),
		httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute),
	)

	// Progress, read-only
	r.Get("/v1/progress", srv.ProgressHandler())
	r.Get("/v1/progress/{feedKey}", srv.FeedProgressHandler())

	// Checkpoint mutation requires admin credentials
	if cfg.AdminEnabled() {
		r.Group(func(ar chi.Router) {
			ar.Use(srv.AdminAPIGuard())
			ar.Post("/admin/checkpoint/reset", srv.CheckpointResetHandler())
		})
	}

	// Liveness, scrape endpoint, readiness
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
