package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/domain"
	"github.com/aescanero/scapipe/internal/messages"
	"github.com/aescanero/scapipe/internal/ports"
)

// ConfigGetter returns the resolved configuration of a run.
type ConfigGetter interface {
	Get(ctx context.Context, runID string) (*domain.ResolvedConfiguration, error)
}

// Options tunes a Runtime.
type Options struct {
	// JobTimeout bounds one execution of the stage routine. Zero disables it.
	JobTimeout time.Duration
	// MaxRetries is the number of extra attempts to publish a report.
	MaxRetries int
	RetryDelay time.Duration
	// PollInterval is the pause before receiving again after a receiver error.
	PollInterval time.Duration
}

// Runtime executes the jobs dispatched to one stage and reports their outcome
// to the orchestrator. A Runtime is safe for use by several receivers.
type Runtime struct {
	stage    domain.Stage
	store    ports.Store
	configs  ConfigGetter
	executor ports.StageExecutor
	sender   ports.Sender
	metrics  ports.MetricsCollector
	opts     Options
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewRuntime creates a runtime for stage
func NewRuntime(
	stage domain.Stage,
	store ports.Store,
	configs ConfigGetter,
	executor ports.StageExecutor,
	sender ports.Sender,
	metrics ports.MetricsCollector,
	opts Options,
	logger *zap.Logger,
) *Runtime {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Runtime{
		stage:    stage,
		store:    store,
		configs:  configs,
		executor: executor,
		sender:   sender,
		metrics:  metrics,
		opts:     opts,
		logger:   logger.With(zap.String("stage", string(stage))),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Stage returns the stage served by the runtime.
func (r *Runtime) Stage() domain.Stage {
	return r.stage
}

// Serve receives from the stage endpoint until ctx is done or the receiver is
// drained. Receiver errors are logged and receiving resumes after the poll
// interval.
func (r *Runtime) Serve(ctx context.Context, receiver ports.Receiver) error {
	return r.serve(ctx, receiver, r.Handle)
}

func (r *Runtime) serve(ctx context.Context, receiver ports.Receiver, handler ports.Handler) error {
	endpoint := r.stage.Endpoint()
	for {
		err := receiver.Receive(ctx, endpoint, handler)
		if errors.Is(err, ports.ErrReceiverDrained) || ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}

		r.logger.Error("receive failed",
			zap.String("endpoint", endpoint),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// RunOnce receives a single delivery, as done by a pod started for one job.
// Errors are returned so that the process can exit non-zero.
func (r *Runtime) RunOnce(ctx context.Context, receiver ports.Receiver) error {
	err := receiver.Receive(ctx, r.stage.Endpoint(), r.Handle)
	if errors.Is(err, ports.ErrReceiverDrained) {
		return nil
	}
	return err
}

// Handle processes one message of the stage endpoint. It returns an error only
// when the message should be delivered again.
func (r *Runtime) Handle(ctx context.Context, msg ports.Message) error {
	env, err := messages.Decode(msg)
	if err != nil {
		r.logger.Error("dropping malformed message",
			zap.String("trace_id", msg.TraceID),
			zap.Error(err))
		return nil
	}

	switch env.Type {
	case messages.TypeJobCancel:
		r.cancel(env.JobID)
		return nil
	case messages.TypeJobDispatch:
	default:
		r.logger.Warn("unexpected message type",
			zap.String("type", string(env.Type)),
			zap.String("job_id", env.JobID))
		return nil
	}

	if env.Stage != r.stage {
		r.logger.Warn("dispatch for another stage",
			zap.String("job_id", env.JobID),
			zap.String("job_stage", string(env.Stage)))
		return nil
	}

	return r.dispatch(ctx, env, msg.TraceID)
}

// HandleUndeliverable reports the job of a dispatch whose delivery attempts
// were exhausted as failed.
func (r *Runtime) HandleUndeliverable(ctx context.Context, msg ports.Message) {
	env, err := messages.Decode(msg)
	if err != nil || env.Type != messages.TypeJobDispatch {
		return
	}

	job := &domain.Job{ID: env.JobID, RunID: env.RunID, Stage: env.Stage}
	r.report(ctx, msg.TraceID, messages.Failed(job, "delivery attempts exhausted"))
}

func (r *Runtime) dispatch(ctx context.Context, env messages.Envelope, traceID string) error {
	logger := r.logger.With(
		zap.String("run_id", env.RunID),
		zap.String("job_id", env.JobID),
		zap.String("trace_id", traceID))

	job, err := r.store.GetJob(ctx, env.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("dispatched job does not exist")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	run, err := r.store.GetRun(ctx, job.RunID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("run of dispatched job does not exist")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run.Status.Terminal() {
		logger.Info("skipping job of terminal run", zap.String("run_status", string(run.Status)))
		return nil
	}
	if env.Attempt != 0 && env.Attempt < job.Attempt {
		logger.Info("skipping stale dispatch",
			zap.Int("attempt", env.Attempt),
			zap.Int("current_attempt", job.Attempt))
		return nil
	}

	now := time.Now().UTC()
	job, err = r.store.UpdateJob(ctx, job.ID, []domain.JobStatus{domain.JobStatusScheduled}, func(j *domain.Job) {
		j.Status = domain.JobStatusRunning
		j.StartedAt = &now
	})
	if errors.Is(err, domain.ErrStatusMismatch) {
		logger.Info("job already picked up")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}

	logger.Info("executing job", zap.Int("attempt", job.Attempt))

	execErr := r.execute(ctx, run, job)
	duration := time.Since(now)

	if execErr != nil {
		logger.Warn("job execution failed",
			zap.Duration("duration", duration),
			zap.Error(execErr))
		r.report(ctx, traceID, messages.Failed(job, execErr.Error()))
		return nil
	}

	logger.Info("job execution completed", zap.Duration("duration", duration))
	r.report(ctx, traceID, messages.Finished(job))
	return nil
}

// execute runs the stage routine under the job timeout and recovers its panics.
func (r *Runtime) execute(ctx context.Context, run *domain.Run, job *domain.Job) (err error) {
	resolved, err := r.configs.Get(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load resolved configuration: %w", err)
	}

	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.track(job.ID, func() { cancel(errJobCancelled) })
	defer r.untrack(job.ID)

	if r.opts.JobTimeout > 0 {
		var stop context.CancelFunc
		execCtx, stop = context.WithTimeoutCause(execCtx, r.opts.JobTimeout, errJobTimeout)
		defer stop()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage routine panicked: %v", p)
		}
	}()

	err = r.executor.Execute(execCtx, ports.JobContext{Run: run, Job: job, ResolvedConfiguration: resolved})
	if err != nil {
		if cause := context.Cause(execCtx); cause != nil && execCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: %w", cause, err)
		}
		return err
	}
	return nil
}

var (
	errJobCancelled = errors.New("job cancelled")
	errJobTimeout   = errors.New("job execution timed out")
)

// report publishes env to the orchestrator, retrying up to MaxRetries times.
// A report that cannot be published leaves the job RUNNING until it is retried.
func (r *Runtime) report(ctx context.Context, traceID string, env messages.Envelope) {
	msg, err := messages.Encode(domain.EndpointOrchestrator, traceID, env)
	if err != nil {
		r.logger.Error("failed to encode report", zap.Error(err))
		return
	}

	// Every attempt is made even if ctx is already done; only the waits
	// between attempts stop at shutdown.
	sendCtx := context.WithoutCancel(ctx)

retry:
	for attempt := 0; ; attempt++ {
		err = r.sender.Send(sendCtx, msg)
		if err == nil {
			r.metrics.RecordMessageSent(domain.EndpointOrchestrator)
			return
		}
		if attempt >= r.opts.MaxRetries {
			break
		}
		r.logger.Warn("failed to publish report, retrying",
			zap.String("job_id", env.JobID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			break retry
		case <-time.After(r.opts.RetryDelay):
		}
	}

	r.logger.Error("giving up on report",
		zap.String("job_id", env.JobID),
		zap.String("type", string(env.Type)),
		zap.Error(err))
}

func (r *Runtime) track(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.inflight[jobID] = cancel
	r.mu.Unlock()
}

func (r *Runtime) untrack(jobID string) {
	r.mu.Lock()
	delete(r.inflight, jobID)
	r.mu.Unlock()
}

// cancel aborts the job if it is executing in this process.
func (r *Runtime) cancel(jobID string) {
	r.mu.Lock()
	cancel, ok := r.inflight[jobID]
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("cancelled job not running here", zap.String("job_id", jobID))
		return
	}
	r.logger.Info("cancelling job", zap.String("job_id", jobID))
	cancel()
}
