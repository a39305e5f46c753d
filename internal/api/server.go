// ABOUTME: HTTP server struct, constructor, and handler wiring for the ops API.
// ABOUTME: Read paths for dashboards plus operator actions (replay, cancel, rollback).
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/caseq/caseq/internal/config"
	"github.com/caseq/caseq/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store    *store.Store
	cfg      *config.Config
	registry *prometheus.Registry
	// replayLimiter throttles operator replays across the process so a
	// runaway script cannot flood the queue with resurrected dead letters.
	replayLimiter *rate.Limiter
}

// NewServer creates a Server. registry may be nil, in which case /metrics is
// not mounted.
func NewServer(s *store.Store, cfg *config.Config, registry *prometheus.Registry) *Server {
	return &Server{
		store:    s,
		cfg:      cfg,
		registry: registry,
		// 10 replays per hour, small burst.
		replayLimiter: rate.NewLimiter(rate.Every(6*time.Minute), 10),
	}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Security headers first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// 1 MB global body limit: enqueue payloads are the only bodies accepted.
	r.Use(middleware.RequestSize(1 << 20))

	r.Get("/healthz", srv.healthzHandler)
	if srv.registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(srv.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(srv.requireToken)

		r.Get("/queue/stats", srv.queueStatsHandler)
		r.Get("/workers", srv.listWorkersHandler)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", srv.enqueueJobHandler)
			r.Get("/", srv.listJobsHandler)
			r.Get("/{id}", srv.getJobHandler)
			r.Post("/{id}/replay", srv.replayJobHandler)
			r.Post("/{id}/cancel", srv.cancelJobHandler)
		})

		r.Route("/outbox", func(r chi.Router) {
			r.Post("/", srv.enqueueOutboxHandler)
			r.Get("/", srv.listOutboxHandler)
			r.Get("/{id}", srv.getOutboxHandler)
			r.Post("/{id}/replay", srv.replayOutboxHandler)
		})

		r.Route("/import-runs/{id}", func(r chi.Router) {
			r.Get("/", srv.getImportRunHandler)
			r.Get("/reconcile", srv.reconcileImportRunHandler)
			r.Post("/rollback", srv.rollbackImportRunHandler)
		})
	})

	return r
}

func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := srv.store.Pool().Ping(ctx); err != nil {
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes v as a JSON response. Encoding failures after the header
// is out can only be logged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
