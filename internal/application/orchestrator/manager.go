package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/domain"
	"github.com/aescanero/scapipe/internal/messages"
	"github.com/aescanero/scapipe/internal/ports"
)

// lockStripes is the number of mutexes run ids are hashed onto.
const lockStripes = 256

// ConfigResolver computes and serves a run's resolved configuration.
type ConfigResolver interface {
	Resolve(ctx context.Context, run *domain.Run) (*domain.ResolvedConfiguration, error)
	Get(ctx context.Context, runID string) (*domain.ResolvedConfiguration, error)
	Invalidate(runID string)
}

// Manager coordinates run execution
type Manager struct {
	store     ports.Store
	sender    ports.Sender
	resolver  ConfigResolver
	metrics   ports.MetricsCollector
	validator *Validator
	logger    *zap.Logger

	locks [lockStripes]sync.Mutex
}

// NewManager creates a new orchestrator manager
func NewManager(
	store ports.Store,
	sender ports.Sender,
	resolver ConfigResolver,
	metrics ports.MetricsCollector,
	validator *Validator,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		store:     store,
		sender:    sender,
		resolver:  resolver,
		metrics:   metrics,
		validator: validator,
		logger:    logger,
	}
}

// CreateRun validates the job configurations and persists a new CREATED run.
func (m *Manager) CreateRun(ctx context.Context, repositoryID, revision string, jc domain.JobConfigurations) (*domain.Run, error) {
	if err := m.validator.Validate(repositoryID, revision, jc); err != nil {
		m.logger.Warn("run validation failed",
			zap.String("repository_id", repositoryID),
			zap.Error(err))
		return nil, err
	}

	run := &domain.Run{
		ID:                uuid.New().String(),
		RepositoryID:      repositoryID,
		Revision:          revision,
		JobConfigurations: jc,
		Status:            domain.RunStatusCreated,
		TraceID:           uuid.New().String(),
		CreatedAt:         time.Now().UTC(),
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	m.metrics.RecordRunCreated()
	m.logger.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("repository_id", repositoryID),
		zap.String("revision", revision),
		zap.Int("stages", len(jc.EnabledStages())))

	return run, nil
}

// StartRun resolves the run's configuration and schedules its first enabled
// stage. Starting an ACTIVE run re-dispatches its active stage if that job has
// not been picked up yet.
func (m *Manager) StartRun(ctx context.Context, runID string) (*domain.Run, error) {
	unlock := m.lockRun(runID)
	defer unlock()

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	switch run.Status {
	case domain.RunStatusCreated:
	case domain.RunStatusActive:
		return m.scheduleStage(ctx, run, run.ActiveStage)
	default:
		return nil, fmt.Errorf("run %s is %s: %w", runID, run.Status, domain.ErrInvalidTransition)
	}

	if _, err := m.resolver.Resolve(ctx, run); err != nil {
		if !errors.Is(err, domain.ErrConfigurationResolutionFailed) && !errors.Is(err, domain.ErrInvalidConfiguration) {
			return nil, fmt.Errorf("failed to resolve configuration: %w", err)
		}
		if _, ferr := m.failRun(ctx, runID, err.Error()); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	stage, ok := run.JobConfigurations.FirstStage()
	if !ok {
		err := fmt.Errorf("%w: no stage enabled", domain.ErrInvalidConfiguration)
		if _, ferr := m.failRun(ctx, runID, err.Error()); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	m.logger.Info("starting run",
		zap.String("run_id", runID),
		zap.String("first_stage", string(stage)))

	return m.scheduleStage(ctx, run, stage)
}

// HandleJobFinished records a successful job and advances its run. Reports for
// jobs that already left SCHEDULED/RUNNING are absorbed.
func (m *Manager) HandleJobFinished(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	unlock := m.lockRun(job.RunID)
	defer unlock()

	run, err := m.store.GetRun(ctx, job.RunID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	finished, err := m.store.UpdateJob(ctx, jobID,
		[]domain.JobStatus{domain.JobStatusScheduled, domain.JobStatusRunning},
		func(j *domain.Job) {
			j.Status = domain.JobStatusFinished
			j.FinishedAt = &now
			j.ErrorMessage = ""
		})
	if errors.Is(err, domain.ErrStatusMismatch) {
		current, gerr := m.store.GetJob(ctx, jobID)
		if gerr != nil {
			return gerr
		}
		// A duplicate report only advances a run that never moved past the
		// job's stage, i.e. the first report stopped after finishing the job.
		if current.Status != domain.JobStatusFinished || run.Status != domain.RunStatusActive || run.ActiveStage != current.Stage {
			m.logger.Debug("ignoring finished report",
				zap.String("job_id", jobID),
				zap.String("job_status", string(current.Status)),
				zap.String("run_status", string(run.Status)),
				zap.String("active_stage", string(run.ActiveStage)))
			return nil
		}
		_, err = m.advance(ctx, run, current)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	m.metrics.RecordJobCompleted(string(finished.Stage), string(domain.JobStatusFinished), jobDuration(finished, now))
	m.logger.Info("job finished",
		zap.String("run_id", run.ID),
		zap.String("job_id", jobID),
		zap.String("stage", string(finished.Stage)))

	if run.Status != domain.RunStatusActive {
		m.logger.Info("late report for inactive run",
			zap.String("run_id", run.ID),
			zap.String("run_status", string(run.Status)))
		return nil
	}

	_, err = m.advance(ctx, run, finished)
	return err
}

// HandleJobFailed records a failed job and fails its run. Downstream stages are
// never created.
func (m *Manager) HandleJobFailed(ctx context.Context, jobID, cause string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	unlock := m.lockRun(job.RunID)
	defer unlock()

	now := time.Now().UTC()
	failed, err := m.store.UpdateJob(ctx, jobID, domain.NonTerminalJobStatuses, func(j *domain.Job) {
		j.Status = domain.JobStatusFailed
		j.ErrorMessage = cause
		j.FinishedAt = &now
	})
	if errors.Is(err, domain.ErrStatusMismatch) {
		current, gerr := m.store.GetJob(ctx, jobID)
		if gerr != nil {
			return gerr
		}
		if current.Status != domain.JobStatusFailed {
			m.logger.Debug("ignoring failed report",
				zap.String("job_id", jobID),
				zap.String("job_status", string(current.Status)))
			return nil
		}
		_, err = m.failRun(ctx, current.RunID, stageFailure(current))
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	m.metrics.RecordJobCompleted(string(failed.Stage), string(domain.JobStatusFailed), jobDuration(failed, now))
	m.logger.Warn("job failed",
		zap.String("run_id", failed.RunID),
		zap.String("job_id", jobID),
		zap.String("stage", string(failed.Stage)),
		zap.String("error", cause))

	_, err = m.failRun(ctx, failed.RunID, stageFailure(failed))
	return err
}

// HandleDeliveryFailed fails the job a dispatch was sent for when the
// transport gave up on delivering it. Dispatches of an earlier attempt are
// ignored.
func (m *Manager) HandleDeliveryFailed(ctx context.Context, msg ports.Message, reason string) error {
	env, err := messages.Decode(msg)
	if err != nil {
		m.logger.Error("dropping undeliverable message that cannot be decoded",
			zap.String("trace_id", msg.TraceID),
			zap.Error(err))
		return nil
	}
	if env.Type != messages.TypeJobDispatch {
		return nil
	}

	job, err := m.store.GetJob(ctx, env.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		m.logger.Warn("undeliverable dispatch for unknown job", zap.String("job_id", env.JobID))
		return nil
	}
	if err != nil {
		return err
	}
	if env.Attempt < job.Attempt {
		m.logger.Debug("ignoring undeliverable dispatch of an earlier attempt",
			zap.String("job_id", job.ID),
			zap.Int("attempt", env.Attempt),
			zap.Int("current_attempt", job.Attempt))
		return nil
	}

	return m.HandleJobFailed(ctx, job.ID, fmt.Sprintf("delivery to %s failed: %s", msg.Endpoint, reason))
}

// CancelRun stops scheduling further stages of a run and asks the workers of
// the active stage to abandon its job. Cancelling a CANCELLED run is a no-op.
func (m *Manager) CancelRun(ctx context.Context, runID string) (*domain.Run, error) {
	unlock := m.lockRun(runID)
	defer unlock()

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case domain.RunStatusCancelled:
		return run, nil
	case domain.RunStatusFinished, domain.RunStatusFailed:
		return nil, fmt.Errorf("run %s is %s: %w", runID, run.Status, domain.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	cancelled, err := m.store.UpdateRun(ctx, runID,
		[]domain.RunStatus{domain.RunStatusCreated, domain.RunStatusActive},
		func(r *domain.Run) {
			r.Status = domain.RunStatusCancelled
			r.ErrorMessage = "run cancelled"
			r.FinishedAt = &now
		})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel run: %w", err)
	}
	m.metrics.RecordRunCompleted(string(domain.RunStatusCancelled), now.Sub(run.CreatedAt))

	if run.Status == domain.RunStatusActive {
		m.cancelActiveJob(ctx, run, now)
	}

	m.logger.Info("run cancelled", zap.String("run_id", runID))
	return cancelled, nil
}

// cancelActiveJob signals the active stage's workers and fails its job. Both
// steps are best effort.
func (m *Manager) cancelActiveJob(ctx context.Context, run *domain.Run, now time.Time) {
	job, err := m.store.GetJobForStage(ctx, run.ID, run.ActiveStage)
	if err != nil {
		m.logger.Warn("no job for active stage",
			zap.String("run_id", run.ID),
			zap.String("stage", string(run.ActiveStage)),
			zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		return
	}

	if err := m.publish(ctx, run, job.Stage.Endpoint(), messages.Cancel(job)); err != nil {
		m.logger.Warn("failed to publish cancellation",
			zap.String("run_id", run.ID),
			zap.String("job_id", job.ID),
			zap.Error(err))
	}

	if _, err := m.store.UpdateJob(ctx, job.ID, domain.NonTerminalJobStatuses, func(j *domain.Job) {
		j.Status = domain.JobStatusFailed
		j.ErrorMessage = "run cancelled"
		j.FinishedAt = &now
	}); err != nil && !errors.Is(err, domain.ErrStatusMismatch) {
		m.logger.Warn("failed to fail cancelled job",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

// RetryJob moves a RUNNING job of an ACTIVE run back to SCHEDULED and
// dispatches it again.
func (m *Manager) RetryJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	unlock := m.lockRun(job.RunID)
	defer unlock()

	run, err := m.store.GetRun(ctx, job.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.RunStatusActive || run.ActiveStage != job.Stage {
		return nil, fmt.Errorf("job %s does not belong to the active stage of run %s: %w", jobID, run.ID, domain.ErrInvalidTransition)
	}

	retried, err := m.store.UpdateJob(ctx, jobID, []domain.JobStatus{domain.JobStatusRunning}, func(j *domain.Job) {
		j.Status = domain.JobStatusScheduled
		j.Attempt++
		j.StartedAt = nil
	})
	if errors.Is(err, domain.ErrStatusMismatch) {
		return nil, fmt.Errorf("only RUNNING jobs can be retried: %w", domain.ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retry job: %w", err)
	}

	m.metrics.RecordJobScheduled(string(retried.Stage))
	m.logger.Info("retrying job",
		zap.String("run_id", run.ID),
		zap.String("job_id", jobID),
		zap.Int("attempt", retried.Attempt))

	if err := m.publish(ctx, run, retried.Stage.Endpoint(), messages.Dispatch(retried)); err != nil {
		return nil, err
	}
	return retried, nil
}

// GetRun returns a run.
func (m *Manager) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return m.store.GetRun(ctx, runID)
}

// GetJob returns a job.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// ListRunsForRepository returns the runs of a repository in creation order.
func (m *Manager) ListRunsForRepository(ctx context.Context, repositoryID string) ([]*domain.Run, error) {
	return m.store.ListRunsForRepository(ctx, repositoryID)
}

// ListJobs returns the jobs of a run in pipeline order.
func (m *Manager) ListJobs(ctx context.Context, runID string) ([]*domain.Job, error) {
	if _, err := m.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return m.store.ListJobs(ctx, runID)
}

// GetResolvedConfiguration returns the configuration resolved when the run started.
func (m *Manager) GetResolvedConfiguration(ctx context.Context, runID string) (*domain.ResolvedConfiguration, error) {
	return m.resolver.Get(ctx, runID)
}

// DeleteRun removes a run whose jobs are all terminal.
func (m *Manager) DeleteRun(ctx context.Context, runID string) error {
	unlock := m.lockRun(runID)
	defer unlock()

	if err := m.store.DeleteRun(ctx, runID); err != nil {
		return err
	}
	m.resolver.Invalidate(runID)

	m.logger.Info("run deleted", zap.String("run_id", runID))
	return nil
}

// HandleMessage processes a report from the orchestrator endpoint. Malformed
// messages and reports for unknown jobs are dropped; other errors are returned
// so that the transport redelivers the message.
func (m *Manager) HandleMessage(ctx context.Context, msg ports.Message) error {
	env, err := messages.Decode(msg)
	if err != nil {
		m.logger.Error("dropping malformed message",
			zap.String("trace_id", msg.TraceID),
			zap.Error(err))
		return nil
	}

	switch env.Type {
	case messages.TypeJobFinished:
		err = m.HandleJobFinished(ctx, env.JobID)
	case messages.TypeJobFailed:
		err = m.HandleJobFailed(ctx, env.JobID, env.Error)
	default:
		m.logger.Warn("unexpected message type on orchestrator endpoint",
			zap.String("type", string(env.Type)),
			zap.String("job_id", env.JobID))
		return nil
	}

	if errors.Is(err, domain.ErrNotFound) {
		m.logger.Warn("report for unknown job",
			zap.String("job_id", env.JobID),
			zap.Error(err))
		return nil
	}
	return err
}

// Serve consumes the orchestrator endpoint until ctx is done.
func (m *Manager) Serve(ctx context.Context, receiver ports.Receiver) error {
	m.logger.Info("orchestrator consuming reports", zap.String("endpoint", domain.EndpointOrchestrator))
	return receiver.Receive(ctx, domain.EndpointOrchestrator, m.HandleMessage)
}

// advance schedules the stage after job or finishes the run.
func (m *Manager) advance(ctx context.Context, run *domain.Run, job *domain.Job) (*domain.Run, error) {
	if next, ok := run.JobConfigurations.NextStage(job.Stage); ok {
		return m.scheduleStage(ctx, run, next)
	}

	now := time.Now().UTC()
	finished, err := m.store.UpdateRun(ctx, run.ID, []domain.RunStatus{domain.RunStatusActive}, func(r *domain.Run) {
		r.Status = domain.RunStatusFinished
		r.FinishedAt = &now
	})
	if errors.Is(err, domain.ErrStatusMismatch) {
		return m.store.GetRun(ctx, run.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to finish run: %w", err)
	}

	m.metrics.RecordRunCompleted(string(domain.RunStatusFinished), now.Sub(run.CreatedAt))
	m.logger.Info("run finished", zap.String("run_id", run.ID))
	return finished, nil
}

// scheduleStage makes sure the stage has a job, marks it as the run's active
// stage and dispatches the job unless a worker already picked it up. Existing
// jobs are reused, so calling it again for the same stage only re-dispatches.
func (m *Manager) scheduleStage(ctx context.Context, run *domain.Run, stage domain.Stage) (*domain.Run, error) {
	job, err := m.ensureJob(ctx, run.ID, stage)
	if err != nil {
		return nil, err
	}

	active, err := m.store.UpdateRun(ctx, run.ID,
		[]domain.RunStatus{domain.RunStatusCreated, domain.RunStatusActive},
		func(r *domain.Run) {
			r.Status = domain.RunStatusActive
			if r.ActiveStage == "" || stage.Index() > r.ActiveStage.Index() {
				r.ActiveStage = stage
			}
		})
	if errors.Is(err, domain.ErrStatusMismatch) {
		m.logger.Info("run left active state before scheduling",
			zap.String("run_id", run.ID),
			zap.String("stage", string(stage)))
		return m.store.GetRun(ctx, run.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to activate run: %w", err)
	}

	switch job.Status {
	case domain.JobStatusCreated:
		job, err = m.store.UpdateJob(ctx, job.ID, []domain.JobStatus{domain.JobStatusCreated}, func(j *domain.Job) {
			j.Status = domain.JobStatusScheduled
			j.Attempt = 1
		})
		if errors.Is(err, domain.ErrStatusMismatch) {
			return active, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to schedule job: %w", err)
		}
		m.metrics.RecordJobScheduled(string(stage))
	case domain.JobStatusScheduled:
		m.logger.Info("re-dispatching scheduled job",
			zap.String("run_id", run.ID),
			zap.String("job_id", job.ID))
	default:
		return active, nil
	}

	if err := m.publish(ctx, active, stage.Endpoint(), messages.Dispatch(job)); err != nil {
		return nil, err
	}

	m.logger.Info("job scheduled",
		zap.String("run_id", run.ID),
		zap.String("job_id", job.ID),
		zap.String("stage", string(stage)),
		zap.String("endpoint", stage.Endpoint()))
	return active, nil
}

// ensureJob creates the stage's job or returns the existing one.
func (m *Manager) ensureJob(ctx context.Context, runID string, stage domain.Stage) (*domain.Job, error) {
	job := &domain.Job{
		ID:        uuid.New().String(),
		RunID:     runID,
		Stage:     stage,
		Status:    domain.JobStatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	err := m.store.CreateJob(ctx, job)
	if errors.Is(err, domain.ErrAlreadyExists) {
		return m.store.GetJobForStage(ctx, runID, stage)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// failRun moves a non-terminal run to FAILED with cause.
func (m *Manager) failRun(ctx context.Context, runID, cause string) (*domain.Run, error) {
	now := time.Now().UTC()
	failed, err := m.store.UpdateRun(ctx, runID,
		[]domain.RunStatus{domain.RunStatusCreated, domain.RunStatusActive},
		func(r *domain.Run) {
			r.Status = domain.RunStatusFailed
			r.ErrorMessage = cause
			r.FinishedAt = &now
		})
	if errors.Is(err, domain.ErrStatusMismatch) {
		return m.store.GetRun(ctx, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fail run: %w", err)
	}

	m.metrics.RecordRunCompleted(string(domain.RunStatusFailed), now.Sub(failed.CreatedAt))
	m.logger.Warn("run failed",
		zap.String("run_id", runID),
		zap.String("error", cause))
	return failed, nil
}

func (m *Manager) publish(ctx context.Context, run *domain.Run, endpoint string, env messages.Envelope) error {
	msg, err := messages.Encode(endpoint, run.TraceID, env)
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s for job %s: %w", env.Type, env.JobID, err)
	}
	m.metrics.RecordMessageSent(endpoint)
	return nil
}

// lockRun serializes the transitions of one run within this process.
func (m *Manager) lockRun(runID string) func() {
	h := fnv.New32a()
	h.Write([]byte(runID))
	mu := &m.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func stageFailure(job *domain.Job) string {
	return fmt.Sprintf("stage %s failed: %s", job.Stage, job.ErrorMessage)
}

func jobDuration(job *domain.Job, end time.Time) time.Duration {
	if job.StartedAt != nil {
		return end.Sub(*job.StartedAt)
	}
	return end.Sub(job.CreatedAt)
}
