package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/domain"
)

// Orchestrator is the run management surface served over HTTP.
type Orchestrator interface {
	CreateRun(ctx context.Context, repositoryID, revision string, jc domain.JobConfigurations) (*domain.Run, error)
	StartRun(ctx context.Context, runID string) (*domain.Run, error)
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRunsForRepository(ctx context.Context, repositoryID string) ([]*domain.Run, error)
	ListJobs(ctx context.Context, runID string) ([]*domain.Job, error)
	CancelRun(ctx context.Context, runID string) (*domain.Run, error)
	DeleteRun(ctx context.Context, runID string) error
	RetryJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetResolvedConfiguration(ctx context.Context, runID string) (*domain.ResolvedConfiguration, error)
}

// Provenances records and resolves package provenances.
type Provenances interface {
	Record(ctx context.Context, rec domain.PackageProvenanceRecord) (int64, error)
	FindProvenance(ctx context.Context, pkg domain.Package) (domain.Provenance, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server
type Server struct {
	router       *gin.Engine
	server       *http.Server
	orchestrator Orchestrator
	provenances  Provenances
	checks       map[string]HealthCheck
	logger       *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Addr         string
	Orchestrator Orchestrator
	// Provenances is optional; the provenance routes are only mounted when set.
	Provenances  Provenances
	HealthChecks map[string]HealthCheck
	// Gatherer serves /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:       router,
		orchestrator: cfg.Orchestrator,
		provenances:  cfg.Provenances,
		checks:       cfg.HealthChecks,
		logger:       cfg.Logger,
	}

	s.setupRoutes(cfg.Gatherer)

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", s.handleHealth)

	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	} else {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/repositories/:id/runs", s.handleCreateRun)
		v1.GET("/repositories/:id/runs", s.handleListRuns)

		v1.GET("/runs/:id", s.handleGetRun)
		v1.GET("/runs/:id/jobs", s.handleListJobs)
		v1.GET("/runs/:id/resolved-configuration", s.handleGetResolvedConfiguration)
		v1.POST("/runs/:id/start", s.handleStartRun)
		v1.POST("/runs/:id/cancel", s.handleCancelRun)
		v1.DELETE("/runs/:id", s.handleDeleteRun)

		v1.POST("/jobs/:id/retry", s.handleRetryJob)

		if s.provenances != nil {
			v1.POST("/provenances", s.handleRecordProvenance)
			v1.POST("/provenances/resolve", s.handleResolveProvenance)
		}
	}
}

// SetupWebSocket mounts the run status stream.
func (s *Server) SetupWebSocket(handler interface {
	HandleRunStream(*gin.Context)
}) {
	s.router.GET("/api/v1/runs/:id/ws", handler.HandleRunStream)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
