package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mailgenius/dispatch/internal/config"
	"github.com/mailgenius/dispatch/internal/pkg/httputil"
)

// SetupRoutes builds the HTTP surface: an unauthenticated health probe, the
// bearer-token /api group, and the shared-secret /cron group.
func SetupRoutes(h *Handlers, cfg config.APIConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Cron-Secret"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireBearer(cfg.Token))

		r.Post("/campaigns/{id}/send", h.SendCampaign)

		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", h.GetJob)
			r.Post("/cancel", h.CancelJob)
			r.Post("/retry", h.RetryJob)
			r.Get("/progress", h.GetJobProgress)
		})

		r.Get("/progress", h.ListProgress)
		r.Delete("/progress/{id}", h.DeleteProgress)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", h.QueueStats)
			r.Post("/pause", h.PauseQueue)
			r.Post("/resume", h.ResumeQueue)
			r.Post("/cleanup", h.CleanupQueue)
		})

		r.Get("/workers", h.ListWorkers)
		r.Post("/workers/scale", h.ScaleWorkers)

		r.Get("/ratelimits/usage", h.RateLimitUsage)
		r.Post("/ratelimits/reset", h.ResetRateLimit)
	})

	r.Route("/cron", func(r chi.Router) {
		r.Use(requireCronSecret(cfg.CronSecret))

		r.Post("/process-scheduled", h.ProcessScheduled)
		r.Post("/retry-sweep", h.RetrySweep)
		r.Post("/cleanup", h.CronCleanup)
	})

	return r
}

// requireBearer guards the /api group. An empty configured token refuses
// every request instead of allowing every request.
func requireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				httputil.Unauthorized(w, "api token not configured")
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != token {
				httputil.Unauthorized(w, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireCronSecret guards the /cron group with the X-Cron-Secret header the
// scheduler host sends. Mismatches get 403 so probes can tell auth failures
// from missing routes.
func requireCronSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || r.Header.Get("X-Cron-Secret") != secret {
				httputil.Forbidden(w, "invalid cron secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
