// Package storagetest holds the behaviour every ports.Store implementation must share.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/scapipe/internal/domain"
	"github.com/aescanero/scapipe/internal/ports"
)

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) ports.Store) {
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, newStore(t)) })
	t.Run("ListRunsForRepository", func(t *testing.T) { testListRuns(t, newStore(t)) })
	t.Run("ConditionalRunUpdate", func(t *testing.T) { testConditionalRunUpdate(t, newStore(t)) })
	t.Run("JobPerStage", func(t *testing.T) { testJobPerStage(t, newStore(t)) })
	t.Run("ConcurrentJobTransition", func(t *testing.T) { testConcurrentJobTransition(t, newStore(t)) })
	t.Run("ResolvedConfigurationOnce", func(t *testing.T) { testResolvedConfigurationOnce(t, newStore(t)) })
	t.Run("DeleteRun", func(t *testing.T) { testDeleteRun(t, newStore(t)) })
}

// NewRun returns a CREATED run for tests.
func NewRun(id, repositoryID string, createdAt time.Time) *domain.Run {
	return &domain.Run{
		ID:           id,
		RepositoryID: repositoryID,
		Revision:     "main",
		JobConfigurations: domain.JobConfigurations{
			Analyzer: &domain.AnalyzerJobConfiguration{},
		},
		Status:    domain.RunStatusCreated,
		TraceID:   "trace-" + id,
		CreatedAt: createdAt,
	}
}

// NewJob returns a CREATED job for tests.
func NewJob(id, runID string, stage domain.Stage) *domain.Job {
	return &domain.Job{
		ID:        id,
		RunID:     runID,
		Stage:     stage,
		Status:    domain.JobStatusCreated,
		CreatedAt: time.Now().UTC(),
	}
}

func testRunLifecycle(t *testing.T, store ports.Store) {
	ctx := context.Background()
	run := NewRun("run-1", "repo-1", time.Now().UTC())

	require.NoError(t, store.CreateRun(ctx, run))
	assert.ErrorIs(t, store.CreateRun(ctx, run), domain.ErrAlreadyExists)

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "repo-1", got.RepositoryID)
	assert.Equal(t, domain.RunStatusCreated, got.Status)
	require.NotNil(t, got.JobConfigurations.Analyzer)

	_, err = store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testListRuns(t *testing.T, store ports.Store) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateRun(ctx, NewRun("b", "repo-1", base.Add(2*time.Second))))
	require.NoError(t, store.CreateRun(ctx, NewRun("a", "repo-1", base.Add(time.Second))))
	require.NoError(t, store.CreateRun(ctx, NewRun("c", "repo-2", base)))

	runs, err := store.ListRunsForRepository(ctx, "repo-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)

	runs, err = store.ListRunsForRepository(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func testConditionalRunUpdate(t *testing.T, store ports.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, NewRun("run-1", "repo-1", time.Now().UTC())))

	updated, err := store.UpdateRun(ctx, "run-1", []domain.RunStatus{domain.RunStatusCreated}, func(r *domain.Run) {
		r.Status = domain.RunStatusActive
		r.ActiveStage = domain.StageAnalyze
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusActive, updated.Status)

	_, err = store.UpdateRun(ctx, "run-1", []domain.RunStatus{domain.RunStatusCreated}, func(r *domain.Run) {
		r.Status = domain.RunStatusFailed
	})
	assert.ErrorIs(t, err, domain.ErrStatusMismatch)

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusActive, got.Status)
	assert.Equal(t, domain.StageAnalyze, got.ActiveStage)

	_, err = store.UpdateRun(ctx, "missing", []domain.RunStatus{domain.RunStatusCreated}, func(*domain.Run) {})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testJobPerStage(t *testing.T, store ports.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, NewRun("run-1", "repo-1", time.Now().UTC())))

	assert.ErrorIs(t, store.CreateJob(ctx, NewJob("orphan", "missing", domain.StageAnalyze)), domain.ErrNotFound)

	require.NoError(t, store.CreateJob(ctx, NewJob("job-scan", "run-1", domain.StageScan)))
	require.NoError(t, store.CreateJob(ctx, NewJob("job-analyze", "run-1", domain.StageAnalyze)))
	assert.ErrorIs(t, store.CreateJob(ctx, NewJob("job-analyze-2", "run-1", domain.StageAnalyze)), domain.ErrAlreadyExists)

	job, err := store.GetJobForStage(ctx, "run-1", domain.StageAnalyze)
	require.NoError(t, err)
	assert.Equal(t, "job-analyze", job.ID)

	_, err = store.GetJobForStage(ctx, "run-1", domain.StageReport)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	jobs, err := store.ListJobs(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, domain.StageAnalyze, jobs[0].Stage)
	assert.Equal(t, domain.StageScan, jobs[1].Stage)
}

func testConcurrentJobTransition(t *testing.T, store ports.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, NewRun("run-1", "repo-1", time.Now().UTC())))
	require.NoError(t, store.CreateJob(ctx, NewJob("job-1", "run-1", domain.StageAnalyze)))

	var (
		wg       sync.WaitGroup
		winners  atomic.Int32
		mismatch atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateJob(ctx, "job-1", []domain.JobStatus{domain.JobStatusCreated}, func(j *domain.Job) {
				j.Status = domain.JobStatusScheduled
				j.Attempt++
			})
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, domain.ErrStatusMismatch):
				mismatch.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(9), mismatch.Load())

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScheduled, job.Status)
	assert.Equal(t, 1, job.Attempt)
}

func testResolvedConfigurationOnce(t *testing.T, store ports.Store) {
	ctx := context.Background()
	cfg := &domain.ResolvedConfiguration{
		PackageCurations: []domain.ResolvedPackageCurations{{
			Provider: domain.ProviderReference{Name: "p1"},
			Curations: []domain.PackageCuration{{
				ID:   domain.Identifier{Type: "Maven", Namespace: "org", Name: "lib", Version: "1.0"},
				Data: domain.PackageCurationData{Comment: "first"},
			}},
		}},
	}

	_, err := store.GetResolvedConfiguration(ctx, "run-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.SaveResolvedConfiguration(ctx, "run-1", cfg))
	assert.ErrorIs(t, store.SaveResolvedConfiguration(ctx, "run-1", &domain.ResolvedConfiguration{}), domain.ErrAlreadyExists)

	got, err := store.GetResolvedConfiguration(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got.PackageCurations, 1)
	assert.Equal(t, "first", got.PackageCurations[0].Curations[0].Data.Comment)
}

func testDeleteRun(t *testing.T, store ports.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, NewRun("run-1", "repo-1", time.Now().UTC())))
	require.NoError(t, store.CreateJob(ctx, NewJob("job-1", "run-1", domain.StageAnalyze)))
	require.NoError(t, store.SaveResolvedConfiguration(ctx, "run-1", &domain.ResolvedConfiguration{}))

	err := store.DeleteRun(ctx, "run-1")
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = store.UpdateJob(ctx, "job-1", []domain.JobStatus{domain.JobStatusCreated}, func(j *domain.Job) {
		j.Status = domain.JobStatusFailed
	})
	require.NoError(t, err)
	require.NoError(t, store.DeleteRun(ctx, "run-1"))

	_, err = store.GetRun(ctx, "run-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.GetResolvedConfiguration(ctx, "run-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	runs, err := store.ListRunsForRepository(ctx, "repo-1")
	require.NoError(t, err)
	assert.Empty(t, runs)

	assert.ErrorIs(t, store.DeleteRun(ctx, "run-1"), domain.ErrNotFound)
}
