// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/database"
	"github.com/tomtom215/segue/internal/dispatch"
	"github.com/tomtom215/segue/internal/fetch"
	"github.com/tomtom215/segue/internal/gold"
	"github.com/tomtom215/segue/internal/logging"
	"github.com/tomtom215/segue/internal/metrics"
	"github.com/tomtom215/segue/internal/operational"
	"github.com/tomtom215/segue/internal/silver"
)

// Router holds the handler dependencies.
type Router struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	canon      *silver.Canonicalizer
	agg        *gold.Aggregator
	mat        *operational.Materializer
	db         *database.DB
	client     *fetch.Client
}

// NewRouter wires the handlers onto their dependencies.
func NewRouter(
	cfg *config.Config,
	dispatcher *dispatch.Dispatcher,
	canon *silver.Canonicalizer,
	agg *gold.Aggregator,
	mat *operational.Materializer,
	db *database.DB,
	client *fetch.Client,
) *Router {
	return &Router{
		cfg:        cfg,
		dispatcher: dispatcher,
		canon:      canon,
		agg:        agg,
		mat:        mat,
		db:         db,
		client:     client,
	}
}

// Handler builds the chi mux with the full middleware stack.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(requestContext)
	r.Use(chimiddleware.Recoverer)
	r.Use(instrument)

	if len(rt.cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   rt.cfg.Server.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	if rt.cfg.Server.RateLimitReqs > 0 {
		r.Use(httprate.LimitByIP(rt.cfg.Server.RateLimitReqs, rt.cfg.Server.RateLimitWindow))
	}

	// Core scraping surface lives at the root, alongside the operational
	// endpoints.
	r.Get("/health", rt.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/scrape", rt.handleScrape)
	r.Get("/jobs", rt.handleJobs)
	r.Get("/jobs/{id}", rt.handleJob)
	r.Delete("/jobs/{id}", rt.handleCancelJob)
	r.Get("/stats", rt.handleStats)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/dlq", rt.handleDLQ)

		r.Get("/graph/nodes", rt.handleGraphNodes)
		r.Get("/graph/edges", rt.handleGraphEdges)

		r.Get("/admin/targets", rt.handleTargets)
		r.Post("/admin/targets", rt.handleAddTarget)
		r.Delete("/admin/targets/{id}", rt.handleDeleteTarget)
		r.Post("/admin/rebuild/{layer}", rt.handleRebuild)
	})

	return r
}

// requestContext copies chi's request ID into the logging context so
// handlers and everything below them log with it.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reqID := chimiddleware.GetReqID(ctx); reqID != "" {
			ctx = logging.ContextWithRequestID(ctx, reqID)
		}
		ctx = logging.ContextWithNewCorrelationID(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// instrument records request logs and Prometheus metrics.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.RecordAPIRequest(r.Method, pattern, strconv.Itoa(ww.Status()), elapsed)
		logging.Ctx(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Msg("http request")
	})
}
