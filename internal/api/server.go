// Package api exposes the engine over HTTP: task lifecycle, plans,
// safety checks, drift, rollback and a websocket event stream. Every
// response uses the inter-service envelope and error kinds map onto
// status codes via internal/errors.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/nimbusops/nimbus/internal/api/middleware"
	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/config"
	"github.com/nimbusops/nimbus/internal/drift"
	"github.com/nimbusops/nimbus/internal/engine/orchestrator"
	"github.com/nimbusops/nimbus/internal/engine/planner"
	"github.com/nimbusops/nimbus/internal/engine/rollback"
	"github.com/nimbusops/nimbus/internal/engine/safety"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/events"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/storage"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

// Deps are the engine components the API surfaces.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Planner      *planner.Planner
	Safety       *safety.Engine
	Rollback     *rollback.Manager
	Detector     *drift.Detector
	Analyzer     *drift.Analyzer
	Store        storage.Store
	Bus          *events.Bus
}

// Server is the engine's HTTP front.
type Server struct {
	cfg     *config.Config
	deps    Deps
	hub     *streamHub
	httpSrv *http.Server
	log     logger.Logger
	started time.Time
}

// New assembles the server around the engine components.
func New(cfg *config.Config, deps Deps) *Server {
	return &Server{
		cfg:     cfg,
		deps:    deps,
		hub:     newStreamHub(deps.Bus),
		log:     logger.New("api"),
		started: time.Now(),
	}
}

// Handler builds the routing tree. Health and metrics sit outside the
// authenticated /api subtree.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(
		middleware.Recovery(s.log),
		middleware.RequestLogger(s.log),
		middleware.Metrics(telemetry.GetMetrics()),
	)
	r.NotFoundHandler = http.HandlerFunc(handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Auth(middleware.AuthConfig{
		ServiceToken: s.cfg.Capabilities.ServiceToken,
		JWTSecret:    s.cfg.Capabilities.JWTSecret,
	}, s.log))
	limiter := middleware.NewRateLimiter(s.cfg.Capabilities.RateLimitPerMin, s.cfg.Capabilities.RateBurst)
	api.Use(limiter.Middleware())

	api.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/execute", s.handleExecuteTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/resume", s.handleResumeTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/approve", s.handleApproveTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/events", s.handleTaskEvents).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/rollback", s.handleRollbackTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/rollback/check", s.handleRollbackCheck).Methods(http.MethodGet)

	api.HandleFunc("/plans/generate", s.handleGeneratePlan).Methods(http.MethodPost)
	api.HandleFunc("/plans/{id}", s.handleGetPlan).Methods(http.MethodGet)
	api.HandleFunc("/plans/{id}/validate", s.handleValidatePlan).Methods(http.MethodPost)
	api.HandleFunc("/plans/{id}/optimize", s.handleOptimizePlan).Methods(http.MethodPost)

	api.HandleFunc("/safety/check", s.handleSafetyCheck).Methods(http.MethodPost)
	api.HandleFunc("/safety/checks", s.handleSafetyChecks).Methods(http.MethodGet)

	api.HandleFunc("/drift/detect", s.handleDriftDetect).Methods(http.MethodPost)
	api.HandleFunc("/drift/plan", s.handleDriftPlan).Methods(http.MethodPost)
	api.HandleFunc("/drift/fix", s.handleDriftFix).Methods(http.MethodPost)
	api.HandleFunc("/drift/compliance", s.handleDriftCompliance).Methods(http.MethodPost)
	api.HandleFunc("/drift/format", s.handleDriftFormat).Methods(http.MethodPost)

	api.HandleFunc("/rollback/states", s.handleRollbackStates).Methods(http.MethodGet)
	api.HandleFunc("/rollback/cleanup", s.handleRollbackCleanup).Methods(http.MethodPost)

	api.HandleFunc("/events/stream", s.hub.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	return cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", capability.HeaderServiceToken, capability.HeaderIdempotencyKey},
		MaxAge:         300,
	}).Handler(r)
}

func (s *Server) corsOrigins() []string {
	if len(s.cfg.Server.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.Server.CORSOrigins
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:     s.Handler(),
		ReadTimeout: time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		// Execute, resume, rollback and fix hold the connection while a
		// plan runs and lift their own deadline; this bounds the rest.
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.Info("api listening", logger.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// fail logs server faults and writes the failure envelope.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := errors.KindOf(err)
	if errors.HTTPStatus(kind) >= http.StatusInternalServerError {
		s.log.Error("request failed",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.String("error_kind", string(kind)),
			logger.Err(err))
	}
	respondError(w, err)
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, errors.NotFound("route", r.Method+" "+r.URL.Path))
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, envelope{
		Success: false,
		Error:   "method_not_allowed",
		Message: fmt.Sprintf("%s is not supported on %s", r.Method, r.URL.Path),
	})
}

// handleHealth reports liveness plus a storage probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int64(time.Since(s.started).Seconds())
	if _, err := s.deps.Store.Stats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, envelope{
			Success: false,
			Error:   string(errors.KindStorageUnavailable),
			Message: "storage probe failed",
			Details: map[string]interface{}{"uptime_seconds": uptime},
		})
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": uptime,
	})
}

// handleStats returns engine-wide counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Orchestrator.Statistics(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, stats)
}
