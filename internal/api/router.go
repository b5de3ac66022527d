// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

// Package api exposes the detection engine over HTTP using chi.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/trailwatch/internal/middleware"
)

// NewRouter builds the HTTP handler. The API is served under /api/v1 and,
// for clients of the original service, at the root as well.
func NewRouter(h *Handler, cfg MiddlewareConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.AccessLog)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware(cfg))

	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.MethodNotAllowed)

	r.Handle("/metrics", promhttp.Handler())

	routes := func(r chi.Router) {
		r.Use(rateLimitMiddleware(cfg))
		r.Use(middleware.PrometheusMetrics)
		r.Use(chimiddleware.Compress(5, "application/json"))

		r.Get("/health", h.Health)
		r.Post("/check_anomaly", h.CheckAnomaly)
		r.Post("/analyze_batch", h.AnalyzeBatch)
		r.Get("/tourist_history/{id}", h.TouristHistory)
		r.Get("/tourists/{id}/patterns", h.TouristPatterns)
		r.Get("/stats", h.Stats)
		r.Get("/model", h.Model)
		r.Post("/model/retrain", h.Retrain)
	}
	r.Route("/api/v1", routes)
	r.Group(routes)

	return r
}
