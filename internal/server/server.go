// Package server exposes the operational HTTP surface: health, probe
// and metrics endpoints consumed by the load balancer, the orchestrator
// and the metrics scraper. Probe responses always carry a transport-
// level success code; trouble is communicated in the payload so
// monitors parse structured status instead of transport failures.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scriptd/scriptd/internal/engine"
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wraps a chi router with the probe endpoints.
type Server struct {
	router chi.Router
	http   *http.Server
	health *engine.HealthAggregator
}

// New creates a Server over the given health aggregator.
func New(cfg Config, health *engine.HealthAggregator) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &Server{health: health}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Get("/health/live", s.handleLive)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/debug/metrics", s.handleDebugMetrics)

	s.router = r
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	slog.Info("ops server listening", slog.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.health.Check())
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{"ready": s.health.Ready()})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{"alive": s.health.Alive()})
}

// handleDebugMetrics serves the plain-text counter dump for curl-level
// debugging, next to the prometheus endpoint.
func (s *Server) handleDebugMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(engine.FormatMetrics()))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", slog.Any("error", err))
	}
}
