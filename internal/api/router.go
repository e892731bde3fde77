// Package api serves the process probes and metrics of the worker and
// the monitor.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubot-paas/orchestrator/internal/api/handlers"
	mw "github.com/hubot-paas/orchestrator/internal/api/middleware"
	"github.com/hubot-paas/orchestrator/internal/metrics"
)

type Dependencies struct {
	// Checks gate readiness, keyed by dependency name.
	Checks map[string]handlers.Check
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(chimid.Compress(5))

	hh := handlers.NewHealthHandler(dep.Checks)
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return r
}
