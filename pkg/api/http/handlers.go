package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/domain"
)

// CreateRunRequest represents a run creation request
type CreateRunRequest struct {
	Revision          string                   `json:"revision" binding:"required"`
	JobConfigurations domain.JobConfigurations `json:"jobConfigurations"`
	// Start schedules the first stage right after creation.
	Start bool `json:"start"`
}

// RunResponse represents a run with its jobs
type RunResponse struct {
	*domain.Run
	Jobs []*domain.Job `json:"jobs"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{}
	healthy := true
	for name, check := range s.checks {
		if err := check(c.Request.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// handleCreateRun handles run creation for a repository
func (s *Server) handleCreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	ctx := c.Request.Context()
	run, err := s.orchestrator.CreateRun(ctx, c.Param("id"), req.Revision, req.JobConfigurations)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if req.Start {
		if run, err = s.orchestrator.StartRun(ctx, run.ID); err != nil {
			s.writeError(c, err)
			return
		}
	}

	c.JSON(http.StatusCreated, run)
}

// handleListRuns handles listing the runs of a repository
func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.orchestrator.ListRunsForRepository(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"total": len(runs),
	})
}

// handleGetRun handles getting a run with its jobs
func (s *Server) handleGetRun(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := s.orchestrator.GetRun(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	jobs, err := s.orchestrator.ListJobs(ctx, run.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}

	c.JSON(http.StatusOK, RunResponse{Run: run, Jobs: jobs})
}

// handleListJobs handles listing the jobs of a run
func (s *Server) handleListJobs(c *gin.Context) {
	jobs, err := s.orchestrator.ListJobs(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// handleGetResolvedConfiguration handles getting the resolved configuration of a run
func (s *Server) handleGetResolvedConfiguration(c *gin.Context) {
	cfg, err := s.orchestrator.GetResolvedConfiguration(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, cfg)
}

// handleStartRun handles starting a run
func (s *Server) handleStartRun(c *gin.Context) {
	run, err := s.orchestrator.StartRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, run)
}

// handleCancelRun handles run cancellation
func (s *Server) handleCancelRun(c *gin.Context) {
	run, err := s.orchestrator.CancelRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, run)
}

// handleDeleteRun handles run deletion
func (s *Server) handleDeleteRun(c *gin.Context) {
	if err := s.orchestrator.DeleteRun(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// handleRetryJob handles a manual job retry
func (s *Server) handleRetryJob(c *gin.Context) {
	job, err := s.orchestrator.RetryJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, job)
}

// handleRecordProvenance handles storing a package provenance row
func (s *Server) handleRecordProvenance(c *gin.Context) {
	var rec domain.PackageProvenanceRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	id, err := s.provenances.Record(c.Request.Context(), rec)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// handleResolveProvenance handles resolving the provenance of a package
func (s *Server) handleResolveProvenance(c *gin.Context) {
	var pkg domain.Package
	if err := c.ShouldBindJSON(&pkg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	provenance, err := s.provenances.FindProvenance(c.Request.Context(), pkg)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, provenance)
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: err.Error(),
		},
	})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidConfiguration):
		return http.StatusBadRequest, "INVALID_CONFIGURATION"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrStatusMismatch):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, domain.ErrConfigurationResolutionFailed):
		return http.StatusUnprocessableEntity, "CONFIGURATION_RESOLUTION_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
