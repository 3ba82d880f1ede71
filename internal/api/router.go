package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripmail/internal/metrics"
)

// NewRouter wires the operator API, health and metrics endpoints.
func NewRouter(handler *Handler, health http.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Recoverer(logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sequences/{id}/enrollments", handler.CreateEnrollment)
		r.Get("/ongoing/{id}", handler.GetOngoing)
	})

	r.Method(http.MethodGet, "/health", health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
