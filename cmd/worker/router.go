package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phrazzld/shelf/internal/api"
	apiMiddleware "github.com/phrazzld/shelf/internal/api/middleware"
)

// setupRouter builds the admin router: public health and metrics endpoints
// and the authenticated, rate limited /api tree.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))
	r.Use(app.httpMetrics.Middleware)

	r.Get("/health", api.Health)
	r.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		if limit := app.config.Server.RateLimitPerMinute; limit > 0 {
			r.Use(httprate.LimitByIP(limit, time.Minute))
		}
		r.Use(app.auth.Authenticate)

		r.Get("/jobs/{id}", app.handler.GetJob)
		r.Route("/queues/{name}", func(r chi.Router) {
			r.Get("/stats", app.handler.Stats)
			r.Get("/jobs", app.handler.ListJobs)
			r.Post("/retry-failed", app.handler.RetryFailed)
			r.Post("/purge-failed", app.handler.PurgeFailed)
		})
	})

	return r
}
