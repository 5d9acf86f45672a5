// Package httpserver provides the HTTP REST API server for the paper
// pipeline service.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/repository"
)

// SessionRunner launches and cancels background pipeline sessions.
// Satisfied by pipeline.Runner.
type SessionRunner interface {
	Start(session *domain.Session) error
	Cancel(sessionID uuid.UUID) bool
}

// healthChecker reports database health. Satisfied by database.DB.
type healthChecker interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP REST API server.
type Server struct {
	router       chi.Router
	httpServer   *http.Server
	runner       SessionRunner
	sessionRepo  repository.SessionRepository
	paperRepo    repository.PaperRepository
	artifactRepo repository.ArtifactRepository
	db           healthChecker
	defaults     domain.SessionConfig
	logger       zerolog.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// MetricsEnabled mounts the Prometheus handler at MetricsPath.
	MetricsEnabled bool
	MetricsPath    string
}

// NewServer creates a new HTTP server with all dependencies. defaults are
// the service-wide session settings that individual requests may override.
func NewServer(
	cfg Config,
	runner SessionRunner,
	sessionRepo repository.SessionRepository,
	paperRepo repository.PaperRepository,
	artifactRepo repository.ArtifactRepository,
	db healthChecker,
	defaults domain.SessionConfig,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		runner:       runner,
		sessionRepo:  sessionRepo,
		paperRepo:    paperRepo,
		artifactRepo: artifactRepo,
		db:           db,
		defaults:     defaults,
		logger:       logger.With().Str("component", "http-server").Logger(),
	}

	s.router = s.buildRouter(cfg)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter(cfg Config) chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)

	// Health and metrics endpoints
	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)
	if cfg.MetricsEnabled {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(jsonContentTypeMiddleware)

		r.Post("/sessions", s.createSession)
		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{sessionID}", s.getSession)
		r.Post("/sessions/{sessionID}/cancel", s.cancelSession)
		r.Get("/sessions/{sessionID}/papers", s.getSessionPapers)
		r.Get("/sessions/{sessionID}/artifacts", s.listSessionArtifacts)
		r.Get("/sessions/{sessionID}/artifacts/{stage}", s.getSessionArtifact)
	})

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler returns basic liveness status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "unhealthy",
			"database": "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "healthy"})
}

// readinessHandler returns readiness status.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "not_ready",
			"database": "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"database": "healthy",
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort log; headers already sent.
		_ = err
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
