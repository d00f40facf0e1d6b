package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/domain"
)

// maxTxRetries bounds optimistic transaction retries on concurrent writes.
const maxTxRetries = 32

// Store implements ports.Store using Redis. Conditional updates use
// WATCH/MULTI/EXEC so that concurrent writers never both win.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// NewStore creates a new Redis store
func NewStore(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
	}
}

// CreateRun stores a new run and indexes it by repository.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	key := runKey(run.ID)
	return s.transact(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to check run: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("run %s: %w", run.ID, domain.ErrAlreadyExists)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, repoRunsKey(run.RepositoryID), redis.Z{
				Score:  float64(run.CreatedAt.UnixMicro()),
				Member: run.ID,
			})
			return nil
		})
		return err
	}, key)
}

// GetRun loads a run.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	return getRun(ctx, s.client, id)
}

// ListRunsForRepository returns the repository's runs in creation order.
func (s *Store) ListRunsForRepository(ctx context.Context, repositoryID string) ([]*domain.Run, error) {
	ids, err := s.client.ZRange(ctx, repoRunsKey(repositoryID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*domain.Run, 0, len(ids))
	if len(ids) == 0 {
		return runs, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var run domain.Run
		if err := json.Unmarshal([]byte(str), &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, nil
}

// UpdateRun applies mutate if the stored status is one of expected.
func (s *Store) UpdateRun(ctx context.Context, id string, expected []domain.RunStatus, mutate func(*domain.Run)) (*domain.Run, error) {
	key := runKey(id)
	var updated *domain.Run

	err := s.transact(ctx, func(tx *redis.Tx) error {
		run, err := getRun(ctx, tx, id)
		if err != nil {
			return err
		}
		if !slices.Contains(expected, run.Status) {
			return fmt.Errorf("run %s is %s: %w", id, run.Status, domain.ErrStatusMismatch)
		}

		mutate(run)
		run.ID = id
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		updated = run
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteRun removes the run with its jobs and resolved configuration.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	key := runKey(id)
	jobsKey := runJobsKey(id)

	return s.transact(ctx, func(tx *redis.Tx) error {
		run, err := getRun(ctx, tx, id)
		if err != nil {
			return err
		}
		jobIDs, err := tx.HGetAll(ctx, jobsKey).Result()
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}

		jobKeys := make([]string, 0, len(jobIDs))
		for _, jobID := range jobIDs {
			jobKeys = append(jobKeys, jobKey(jobID))
		}
		if len(jobKeys) > 0 {
			if err := tx.Watch(ctx, jobKeys...).Err(); err != nil {
				return fmt.Errorf("failed to watch jobs: %w", err)
			}
		}
		for _, jobID := range jobIDs {
			job, err := getJob(ctx, tx, jobID)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !job.Status.Terminal() {
				return &domain.ConflictError{Entity: "run", ID: id, Reference: "job " + job.ID}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, append(jobKeys, key, jobsKey, resolvedKey(id))...)
			pipe.ZRem(ctx, repoRunsKey(run.RepositoryID), id)
			return nil
		})
		return err
	}, key, jobsKey)
}

// CreateJob stores a new job unless its run already has one for the stage.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	rKey := runKey(job.RunID)
	jobsKey := runJobsKey(job.RunID)
	return s.transact(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, rKey).Result()
		if err != nil {
			return fmt.Errorf("failed to check run: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("run %s: %w", job.RunID, domain.ErrNotFound)
		}
		existing, err := tx.HGet(ctx, jobsKey, string(job.Stage)).Result()
		if err == nil {
			return fmt.Errorf("job %s for run %s stage %s: %w", existing, job.RunID, job.Stage, domain.ErrAlreadyExists)
		}
		if err != redis.Nil {
			return fmt.Errorf("failed to check job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, jobsKey, string(job.Stage), job.ID)
			pipe.Set(ctx, jobKey(job.ID), data, 0)
			return nil
		})
		return err
	}, rKey, jobsKey)
}

// GetJob loads a job.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return getJob(ctx, s.client, id)
}

// GetJobForStage loads the run's job for the stage.
func (s *Store) GetJobForStage(ctx context.Context, runID string, stage domain.Stage) (*domain.Job, error) {
	jobID, err := s.client.HGet(ctx, runJobsKey(runID), string(stage)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("job for run %s stage %s: %w", runID, stage, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job id: %w", err)
	}
	return getJob(ctx, s.client, jobID)
}

// ListJobs returns the run's jobs in pipeline order.
func (s *Store) ListJobs(ctx context.Context, runID string) ([]*domain.Job, error) {
	jobIDs, err := s.client.HGetAll(ctx, runJobsKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(jobIDs))
	for _, stage := range domain.Pipeline {
		jobID, ok := jobIDs[string(stage)]
		if !ok {
			continue
		}
		job, err := getJob(ctx, s.client, jobID)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// UpdateJob applies mutate if the stored status is one of expected.
func (s *Store) UpdateJob(ctx context.Context, id string, expected []domain.JobStatus, mutate func(*domain.Job)) (*domain.Job, error) {
	key := jobKey(id)
	var updated *domain.Job

	err := s.transact(ctx, func(tx *redis.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !slices.Contains(expected, job.Status) {
			return fmt.Errorf("job %s is %s: %w", id, job.Status, domain.ErrStatusMismatch)
		}

		original := *job
		mutate(job)
		job.ID, job.RunID, job.Stage = original.ID, original.RunID, original.Stage
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		updated = job
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SaveResolvedConfiguration stores the configuration unless the run already has one.
func (s *Store) SaveResolvedConfiguration(ctx context.Context, runID string, cfg *domain.ResolvedConfiguration) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal resolved configuration: %w", err)
	}

	ok, err := s.client.SetNX(ctx, resolvedKey(runID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save resolved configuration: %w", err)
	}
	if !ok {
		return fmt.Errorf("resolved configuration for run %s: %w", runID, domain.ErrAlreadyExists)
	}

	s.logger.Debug("resolved configuration saved", zap.String("run_id", runID))
	return nil
}

// GetResolvedConfiguration loads the run's resolved configuration.
func (s *Store) GetResolvedConfiguration(ctx context.Context, runID string) (*domain.ResolvedConfiguration, error) {
	data, err := s.client.Get(ctx, resolvedKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("resolved configuration for run %s: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resolved configuration: %w", err)
	}

	var cfg domain.ResolvedConfiguration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resolved configuration: %w", err)
	}
	return &cfg, nil
}

// transact runs fn in a WATCH transaction, retrying when a watched key changed.
func (s *Store) transact(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if err != redis.TxFailedErr {
			return err
		}
		s.logger.Debug("redis transaction conflict, retrying",
			zap.Strings("keys", keys),
			zap.Int("attempt", i+1))
	}
	return fmt.Errorf("transaction on %v: too many concurrent writers: %w", keys, domain.ErrConflict)
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getRun(ctx context.Context, c getter, id string) (*domain.Run, error) {
	data, err := c.Get(ctx, runKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

func getJob(ctx context.Context, c getter, id string) (*domain.Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func runKey(id string) string {
	return fmt.Sprintf("scapipe:run:%s", id)
}

func repoRunsKey(repositoryID string) string {
	return "scapipe:repo-runs:" + repositoryID
}

func jobKey(id string) string {
	return fmt.Sprintf("scapipe:job:%s", id)
}

func runJobsKey(runID string) string {
	return "scapipe:run-jobs:" + runID
}

func resolvedKey(runID string) string {
	return "scapipe:resolved:" + runID
}
