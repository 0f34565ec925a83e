// Package api implements ArqonBus's HTTP admin facade: status, version,
// Prometheus metrics, and shutdown/restart control, per §6.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arqonbus/bus/internal/config"
	"github.com/arqonbus/bus/internal/middleware"
)

// Version identifies the running build for the /version endpoint.
const Version = "1.0.0"

// Controller is the subset of process lifecycle control the admin facade
// needs; cmd/server wires it to the real shutdown/restart channels.
type Controller interface {
	Shutdown()
	Restart()
}

// Server is the gorilla/mux-routed HTTP admin facade. It is deliberately
// separate from the socket bus's own listener: admin routes never touch
// envelope traffic.
type Server struct {
	cfg        *config.Config
	controller Controller
	limiter    *middleware.RateLimiter
	logger     *slog.Logger

	requestCount atomic.Int64
	errorCounts  map[string]*atomic.Int64
}

// New returns a Server. controller may be nil in tests that only exercise
// the read-only routes.
func New(cfg *config.Config, controller Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		controller: controller,
		limiter:    middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		logger:     logger,
		errorCounts: map[string]*atomic.Int64{
			"status": {}, "version": {}, "metrics": {}, "shutdown": {}, "restart": {},
		},
	}
}

// Router builds the mux.Router an http.Server should serve, with CORS,
// rate limiting, and X-API-Key authorization applied to every route the
// way the corsMiddleware/authMiddleware chain of a typical ocx-style
// admin facade does.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.limiter.Middleware)

	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/metrics/prometheus", s.handleMetrics).Methods(http.MethodGet)

	admin := r.NewRoute().Subrouter()
	admin.Use(s.apiKeyMiddleware)
	admin.HandleFunc("/admin/shutdown", s.handleShutdown).Methods(http.MethodPost)
	admin.HandleFunc("/admin/restart", s.handleRestart).Methods(http.MethodPost)

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return middleware.APIKey(s.cfg.Security.AdminAPIKey, next)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.requestCount.Add(1)
	s.writeJSON(w, map[string]any{"service": "arqonbus", "status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.requestCount.Add(1)
	s.writeJSON(w, map[string]any{"service": "arqonbus", "version": Version})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.requestCount.Add(1)
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.requestCount.Add(1)
	if s.controller == nil {
		s.errorCounts["shutdown"].Add(1)
		http.Error(w, "shutdown controller not wired", http.StatusServiceUnavailable)
		return
	}
	s.logger.Warn("api: admin-triggered shutdown requested")
	s.writeJSON(w, map[string]any{"service": "arqonbus", "status": "shutting_down"})
	go s.controller.Shutdown()
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.requestCount.Add(1)
	if s.controller == nil {
		s.errorCounts["restart"].Add(1)
		http.Error(w, "restart controller not wired", http.StatusServiceUnavailable)
		return
	}
	s.logger.Warn("api: admin-triggered restart requested")
	s.writeJSON(w, map[string]any{"service": "arqonbus", "status": "restarting"})
	go s.controller.Restart()
}

func (s *Server) writeJSON(w http.ResponseWriter, v map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("api: failed to encode response", "error", err)
	}
}
