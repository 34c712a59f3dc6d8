package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter builds the admin HTTP surface: liveness, Prometheus metrics,
// and read/operate endpoints over the gateway's registry, router, and
// invariant checker.
func NewRouter(ops GatewayOps, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthz)
	r.Handle("/metrics", promhttp.HandlerFor(ops.Gatherer(), promhttp.HandlerOpts{}))

	h := &handlers{ops: ops}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/registry", h.listRegistry)
		r.Get("/invariants", h.checkInvariants)
		r.Get("/channel-bindings", h.listChannelBindings)
		r.Post("/nodes/{id}/drain", h.drainNode)
	})

	return r
}
