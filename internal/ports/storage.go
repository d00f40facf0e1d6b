package ports

import (
	"context"

	"github.com/aescanero/scapipe/internal/domain"
)

// RunStore persists runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	// ListRunsForRepository returns the runs of a repository in creation order.
	ListRunsForRepository(ctx context.Context, repositoryID string) ([]*domain.Run, error)
	// UpdateRun applies mutate if the run is in one of the expected statuses and
	// fails with domain.ErrStatusMismatch otherwise.
	UpdateRun(ctx context.Context, id string, expected []domain.RunStatus, mutate func(*domain.Run)) (*domain.Run, error)
	// DeleteRun removes the run, its jobs and its resolved configuration. It fails
	// with a *domain.ConflictError while a job of the run is not terminal.
	DeleteRun(ctx context.Context, id string) error
}

// JobStore persists jobs.
type JobStore interface {
	// CreateJob fails with domain.ErrAlreadyExists if the run already has a job for the stage.
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	GetJobForStage(ctx context.Context, runID string, stage domain.Stage) (*domain.Job, error)
	// ListJobs returns the jobs of a run in pipeline order.
	ListJobs(ctx context.Context, runID string) ([]*domain.Job, error)
	// UpdateJob applies mutate if the job is in one of the expected statuses and
	// fails with domain.ErrStatusMismatch otherwise.
	UpdateJob(ctx context.Context, id string, expected []domain.JobStatus, mutate func(*domain.Job)) (*domain.Job, error)
}

// ResolvedConfigurationStore persists resolved configurations keyed by run.
type ResolvedConfigurationStore interface {
	// SaveResolvedConfiguration fails with domain.ErrAlreadyExists if the run already has one.
	SaveResolvedConfiguration(ctx context.Context, runID string, cfg *domain.ResolvedConfiguration) error
	GetResolvedConfiguration(ctx context.Context, runID string) (*domain.ResolvedConfiguration, error)
}

// Store is the single source of truth for runs, jobs and resolved configurations.
type Store interface {
	RunStore
	JobStore
	ResolvedConfigurationStore
}

// ProvenanceStore persists package provenance rows.
type ProvenanceStore interface {
	RecordPackageProvenance(ctx context.Context, rec domain.PackageProvenanceRecord) (int64, error)
	// FindPackageProvenances returns the rows for the package identifier whose
	// artifact or VCS location matches the declared ones, ordered by id.
	FindPackageProvenances(ctx context.Context, pkg domain.Package) ([]domain.PackageProvenanceRecord, error)
}

// SecretStorage reads and writes secret values by path.
type SecretStorage interface {
	// ReadSecret returns false if no secret is stored under path.
	ReadSecret(ctx context.Context, path string) (string, bool, error)
	WriteSecret(ctx context.Context, path, value string) error
	RemoveSecret(ctx context.Context, path string) error
}
