package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/aescanero/scapipe/internal/domain"
)

// Store implements ports.Store using in-memory maps.
type Store struct {
	mu       sync.RWMutex
	runs     map[string]*domain.Run
	jobs     map[string]*domain.Job
	runJobs  map[string]map[domain.Stage]string
	resolved map[string][]byte
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		runs:     make(map[string]*domain.Run),
		jobs:     make(map[string]*domain.Job),
		runJobs:  make(map[string]map[domain.Stage]string),
		resolved: make(map[string][]byte),
	}
}

// CreateRun stores a new run.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, domain.ErrAlreadyExists)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun returns a copy of the run.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return run.Clone(), nil
}

// ListRunsForRepository returns the repository's runs in creation order.
func (s *Store) ListRunsForRepository(ctx context.Context, repositoryID string) ([]*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*domain.Run, 0)
	for _, run := range s.runs {
		if run.RepositoryID == repositoryID {
			runs = append(runs, run.Clone())
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}

// UpdateRun applies mutate under the store lock if the status matches.
func (s *Store) UpdateRun(ctx context.Context, id string, expected []domain.RunStatus, mutate func(*domain.Run)) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if !slices.Contains(expected, run.Status) {
		return nil, fmt.Errorf("run %s is %s: %w", id, run.Status, domain.ErrStatusMismatch)
	}

	updated := run.Clone()
	mutate(updated)
	updated.ID = id
	s.runs[id] = updated
	return updated.Clone(), nil
}

// DeleteRun removes the run with its jobs and resolved configuration.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	for _, jobID := range s.runJobs[id] {
		if job := s.jobs[jobID]; job != nil && !job.Status.Terminal() {
			return &domain.ConflictError{Entity: "run", ID: id, Reference: "job " + job.ID}
		}
	}
	for _, jobID := range s.runJobs[id] {
		delete(s.jobs, jobID)
	}
	delete(s.runJobs, id)
	delete(s.resolved, id)
	delete(s.runs, id)
	return nil
}

// CreateJob stores a new job unless its run already has one for the stage.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[job.RunID]; !ok {
		return fmt.Errorf("run %s: %w", job.RunID, domain.ErrNotFound)
	}
	stages := s.runJobs[job.RunID]
	if stages == nil {
		stages = make(map[domain.Stage]string)
		s.runJobs[job.RunID] = stages
	}
	if existing, ok := stages[job.Stage]; ok {
		return fmt.Errorf("job %s for run %s stage %s: %w", existing, job.RunID, job.Stage, domain.ErrAlreadyExists)
	}
	stages[job.Stage] = job.ID
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob returns a copy of the job.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return job.Clone(), nil
}

// GetJobForStage returns the run's job for the stage.
func (s *Store) GetJobForStage(ctx context.Context, runID string, stage domain.Stage) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobID, ok := s.runJobs[runID][stage]
	if !ok {
		return nil, fmt.Errorf("job for run %s stage %s: %w", runID, stage, domain.ErrNotFound)
	}
	return s.jobs[jobID].Clone(), nil
}

// ListJobs returns the run's jobs in pipeline order.
func (s *Store) ListJobs(ctx context.Context, runID string) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*domain.Job, 0)
	for _, stage := range domain.Pipeline {
		if jobID, ok := s.runJobs[runID][stage]; ok {
			jobs = append(jobs, s.jobs[jobID].Clone())
		}
	}
	return jobs, nil
}

// UpdateJob applies mutate under the store lock if the status matches.
func (s *Store) UpdateJob(ctx context.Context, id string, expected []domain.JobStatus, mutate func(*domain.Job)) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if !slices.Contains(expected, job.Status) {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, domain.ErrStatusMismatch)
	}

	updated := job.Clone()
	mutate(updated)
	updated.ID, updated.RunID, updated.Stage = job.ID, job.RunID, job.Stage
	s.jobs[id] = updated
	return updated.Clone(), nil
}

// SaveResolvedConfiguration stores the configuration unless the run already has one.
func (s *Store) SaveResolvedConfiguration(ctx context.Context, runID string, cfg *domain.ResolvedConfiguration) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal resolved configuration: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resolved[runID]; ok {
		return fmt.Errorf("resolved configuration for run %s: %w", runID, domain.ErrAlreadyExists)
	}
	s.resolved[runID] = data
	return nil
}

// GetResolvedConfiguration returns a copy of the stored configuration.
func (s *Store) GetResolvedConfiguration(ctx context.Context, runID string) (*domain.ResolvedConfiguration, error) {
	s.mu.RLock()
	data, ok := s.resolved[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("resolved configuration for run %s: %w", runID, domain.ErrNotFound)
	}
	var cfg domain.ResolvedConfiguration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resolved configuration: %w", err)
	}
	return &cfg, nil
}
