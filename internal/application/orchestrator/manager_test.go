package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/application/resolvedconfig"
	"github.com/aescanero/scapipe/internal/domain"
	"github.com/aescanero/scapipe/internal/messages"
	"github.com/aescanero/scapipe/internal/ports"
	"github.com/aescanero/scapipe/pkg/adapters/storage/memory"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []ports.Message
	err  error
}

func (s *recordingSender) Send(ctx context.Context, msg ports.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

// envelopes returns the decoded messages sent to endpoint.
func (s *recordingSender) envelopes(t *testing.T, endpoint string) []messages.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []messages.Envelope
	for _, msg := range s.sent {
		if msg.Endpoint != endpoint {
			continue
		}
		env, err := messages.Decode(msg)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

type staticSource []byte

func (s staticSource) Fetch(ctx context.Context) ([]byte, error) {
	return s, nil
}

type failingSource struct{}

func (failingSource) Fetch(ctx context.Context) ([]byte, error) {
	return nil, errors.New("connection refused")
}

// sourceFactory serves an empty document, or an error for providers named "broken".
type sourceFactory struct{}

func (sourceFactory) NewSource(ctx context.Context, cfg domain.ProviderConfig) (resolvedconfig.Source, error) {
	if cfg.Name == "broken" {
		return failingSource{}, nil
	}
	return staticSource("[]"), nil
}

type fixture struct {
	manager *Manager
	store   *memory.Store
	sender  *recordingSender
}

func newFixture() *fixture {
	store := memory.NewStore()
	sender := &recordingSender{}
	resolver := resolvedconfig.NewService(store, sourceFactory{}, ports.NopMetrics{}, zap.NewNop())
	return &fixture{
		manager: NewManager(store, sender, resolver, ports.NopMetrics{}, NewValidator(), zap.NewNop()),
		store:   store,
		sender:  sender,
	}
}

func configsFor(stages ...domain.Stage) domain.JobConfigurations {
	var jc domain.JobConfigurations
	for _, s := range stages {
		switch s {
		case domain.StageAnalyze:
			jc.Analyzer = &domain.AnalyzerJobConfiguration{}
		case domain.StageAdvise:
			jc.Advisor = &domain.AdvisorJobConfiguration{}
		case domain.StageScan:
			jc.Scanner = &domain.ScannerJobConfiguration{}
		case domain.StageEvaluate:
			jc.Evaluator = &domain.EvaluatorJobConfiguration{}
		case domain.StageReport:
			jc.Reporter = &domain.ReporterJobConfiguration{}
		}
	}
	return jc
}

func (f *fixture) startRun(t *testing.T, jc domain.JobConfigurations) *domain.Run {
	t.Helper()
	ctx := context.Background()
	run, err := f.manager.CreateRun(ctx, "repo-1", "main", jc)
	require.NoError(t, err)
	run, err = f.manager.StartRun(ctx, run.ID)
	require.NoError(t, err)
	return run
}

func (f *fixture) jobFor(t *testing.T, runID string, stage domain.Stage) *domain.Job {
	t.Helper()
	job, err := f.store.GetJobForStage(context.Background(), runID, stage)
	require.NoError(t, err)
	return job
}

func TestCreateRun_RejectsEmptyConfiguration(t *testing.T) {
	f := newFixture()

	_, err := f.manager.CreateRun(context.Background(), "repo-1", "main", domain.JobConfigurations{})
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	runs, err := f.manager.ListRunsForRepository(context.Background(), "repo-1")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestCreateRun(t *testing.T) {
	f := newFixture()

	run, err := f.manager.CreateRun(context.Background(), "repo-1", "main", configsFor(domain.StageAnalyze))
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.NotEmpty(t, run.TraceID)
	assert.Equal(t, domain.RunStatusCreated, run.Status)
	assert.Empty(t, f.sender.sent)
}

func TestRun_AnalyzeThenScan(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageAnalyze, domain.StageScan))
	assert.Equal(t, domain.RunStatusActive, run.Status)
	assert.Equal(t, domain.StageAnalyze, run.ActiveStage)

	analyze := f.jobFor(t, run.ID, domain.StageAnalyze)
	assert.Equal(t, domain.JobStatusScheduled, analyze.Status)
	assert.Equal(t, 1, analyze.Attempt)

	dispatched := f.sender.envelopes(t, "analyzer")
	require.Len(t, dispatched, 1)
	assert.Equal(t, messages.TypeJobDispatch, dispatched[0].Type)
	assert.Equal(t, analyze.ID, dispatched[0].JobID)

	require.NoError(t, f.manager.HandleJobFinished(ctx, analyze.ID))

	run, err := f.manager.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageScan, run.ActiveStage)
	assert.Len(t, f.sender.envelopes(t, "scanner"), 1)
	assert.Empty(t, f.sender.envelopes(t, "advisor"))

	scan := f.jobFor(t, run.ID, domain.StageScan)
	require.NoError(t, f.manager.HandleJobFinished(ctx, scan.ID))

	run, err = f.manager.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFinished, run.Status)
	assert.NotNil(t, run.FinishedAt)

	jobs, err := f.manager.ListJobs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, domain.StageAnalyze, jobs[0].Stage)
	assert.Equal(t, domain.StageScan, jobs[1].Stage)
}

func TestHandleJobFinished_DuplicateReportIsNoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageAnalyze, domain.StageScan))
	analyze := f.jobFor(t, run.ID, domain.StageAnalyze)

	require.NoError(t, f.manager.HandleJobFinished(ctx, analyze.ID))
	require.Len(t, f.sender.envelopes(t, "scanner"), 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.manager.HandleJobFinished(ctx, analyze.ID))
	}

	jobs, err := f.manager.ListJobs(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	assert.Len(t, f.sender.envelopes(t, "scanner"), 1)

	scan := f.jobFor(t, run.ID, domain.StageScan)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.manager.HandleJobFinished(ctx, scan.ID))
	}
	run, err = f.manager.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFinished, run.Status)
	assert.Len(t, f.sender.envelopes(t, "scanner"), 1)
}

func TestHandleJobFinished_RedeliveredReportCompletesAdvance(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageAnalyze, domain.StageScan))
	analyze := f.jobFor(t, run.ID, domain.StageAnalyze)

	// The first report finished the job but stopped before the run advanced.
	_, err := f.store.UpdateJob(ctx, analyze.ID, domain.NonTerminalJobStatuses, func(j *domain.Job) {
		j.Status = domain.JobStatusFinished
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.HandleJobFinished(ctx, analyze.ID))

	run, err = f.manager.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageScan, run.ActiveStage)
	assert.Len(t, f.sender.envelopes(t, "scanner"), 1)
}

func TestHandleJobFinished_ConcurrentDuplicates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageAnalyze, domain.StageAdvise))
	analyze := f.jobFor(t, run.ID, domain.StageAnalyze)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.manager.HandleJobFinished(ctx, analyze.ID))
		}()
	}
	wg.Wait()

	jobs, err := f.manager.ListJobs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, domain.StageAdvise, jobs[1].Stage)
	assert.Equal(t, 1, jobs[1].Attempt)
}

func TestHandleJobFailed_SkipsDownstreamStages(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageAnalyze, domain.StageScan))
	analyze := f.jobFor(t, run.ID, domain.StageAnalyze)

	require.NoError(t, f.manager.HandleJobFailed(ctx, analyze.ID, "exit status 1"))

	run, err := f.manager.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "ANALYZE")
	assert.Contains(t, run.ErrorMessage, "exit status 1")

	_, err = f.store.GetJobForStage(ctx, run.ID, domain.StageScan)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// A late success report does not resurrect the run.
	require.NoError(t, f.manager.HandleJobFinished(ctx, analyze.ID))
	run, err = f.manager.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
}

func TestHandleDeliveryFailed_FailsDispatchedJob(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageAnalyze, domain.StageScan))
	f.sender.mu.Lock()
	dispatch := f.sender.sent[0]
	f.sender.mu.Unlock()

	require.NoError(t, f.manager.HandleDeliveryFailed(ctx, dispatch, "BackoffLimitExceeded"))

	analyze := f.jobFor(t, run.ID, domain.StageAnalyze)
	assert.Equal(t, domain.JobStatusFailed, analyze.Status)
	assert.Contains(t, analyze.ErrorMessage, "BackoffLimitExceeded")

	run, err := f.manager.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)

	_, err = f.store.GetJobForStage(ctx, run.ID, domain.StageScan)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHandleDeliveryFailed_IgnoresEarlierAttempt(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageScan))
	scan := f.jobFor(t, run.ID, domain.StageScan)
	_, err := f.store.UpdateJob(ctx, scan.ID, []domain.JobStatus{domain.JobStatusScheduled}, func(j *domain.Job) {
		j.Status = domain.JobStatusRunning
	})
	require.NoError(t, err)
	_, err = f.manager.RetryJob(ctx, scan.ID)
	require.NoError(t, err)

	envs := f.sender.envelopes(t, "scanner")
	require.Len(t, envs, 2)
	first, err := messages.Encode("scanner", run.TraceID, envs[0])
	require.NoError(t, err)

	require.NoError(t, f.manager.HandleDeliveryFailed(ctx, first, "BackoffLimitExceeded"))
	assert.Equal(t, domain.JobStatusScheduled, f.jobFor(t, run.ID, domain.StageScan).Status)

	run, err = f.manager.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusActive, run.Status)
}

func TestHandleDeliveryFailed_IgnoresOtherMessages(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageScan))
	scan := f.jobFor(t, run.ID, domain.StageScan)

	cancel, err := messages.Encode("scanner", run.TraceID, messages.Cancel(scan))
	require.NoError(t, err)
	require.NoError(t, f.manager.HandleDeliveryFailed(ctx, cancel, "BackoffLimitExceeded"))

	garbage := ports.Message{Endpoint: "scanner", Payload: []byte("not json")}
	require.NoError(t, f.manager.HandleDeliveryFailed(ctx, garbage, "BackoffLimitExceeded"))

	unknown, err := messages.Encode("scanner", run.TraceID, messages.Dispatch(&domain.Job{ID: "missing", RunID: run.ID, Stage: domain.StageScan}))
	require.NoError(t, err)
	require.NoError(t, f.manager.HandleDeliveryFailed(ctx, unknown, "BackoffLimitExceeded"))

	assert.Equal(t, domain.JobStatusScheduled, f.jobFor(t, run.ID, domain.StageScan).Status)
}

func TestHandleDeliveryFailed_FinishedJobStaysFinished(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageScan))
	f.sender.mu.Lock()
	dispatch := f.sender.sent[0]
	f.sender.mu.Unlock()

	scan := f.jobFor(t, run.ID, domain.StageScan)
	require.NoError(t, f.manager.HandleJobFinished(ctx, scan.ID))
	require.NoError(t, f.manager.HandleDeliveryFailed(ctx, dispatch, "DeadlineExceeded"))

	assert.Equal(t, domain.JobStatusFinished, f.jobFor(t, run.ID, domain.StageScan).Status)
	run, err := f.manager.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFinished, run.Status)
}

func TestStartRun_ResolutionFailureFailsRun(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	jc := domain.JobConfigurations{Analyzer: &domain.AnalyzerJobConfiguration{
		PackageCurationProviders: []domain.ProviderConfig{{Type: domain.ProviderTypeFile, Name: "broken", Path: "/nowhere"}},
	}}
	run, err := f.manager.CreateRun(ctx, "repo-1", "main", jc)
	require.NoError(t, err)

	_, err = f.manager.StartRun(ctx, run.ID)
	assert.ErrorIs(t, err, domain.ErrConfigurationResolutionFailed)

	run, err = f.manager.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.ErrorMessage)

	jobs, err := f.manager.ListJobs(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, f.sender.sent)
}

func TestStartRun_TerminalRun(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageReport))
	require.NoError(t, f.manager.HandleJobFinished(ctx, f.jobFor(t, run.ID, domain.StageReport).ID))

	_, err := f.manager.StartRun(ctx, run.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStartRun_ActiveRunRedispatchesScheduledJob(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageAdvise))
	_, err := f.manager.StartRun(ctx, run.ID)
	require.NoError(t, err)

	dispatched := f.sender.envelopes(t, "advisor")
	require.Len(t, dispatched, 2)
	assert.Equal(t, dispatched[0].JobID, dispatched[1].JobID)
}

func TestStartRun_SendFailureKeepsJobScheduled(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.sender.err = errors.New("broker down")

	run, err := f.manager.CreateRun(ctx, "repo-1", "main", configsFor(domain.StageScan))
	require.NoError(t, err)
	_, err = f.manager.StartRun(ctx, run.ID)
	require.Error(t, err)

	assert.Equal(t, domain.JobStatusScheduled, f.jobFor(t, run.ID, domain.StageScan).Status)

	f.sender.err = nil
	_, err = f.manager.StartRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, f.sender.envelopes(t, "scanner"), 1)
}

func TestCancelRun(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageAnalyze, domain.StageEvaluate))
	analyze := f.jobFor(t, run.ID, domain.StageAnalyze)

	cancelled, err := f.manager.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, cancelled.Status)

	envs := f.sender.envelopes(t, "analyzer")
	require.Len(t, envs, 2)
	assert.Equal(t, messages.TypeJobCancel, envs[1].Type)
	assert.Equal(t, domain.JobStatusFailed, f.jobFor(t, run.ID, domain.StageAnalyze).Status)

	// Late report from the worker is absorbed.
	require.NoError(t, f.manager.HandleJobFinished(ctx, analyze.ID))
	_, err = f.store.GetJobForStage(ctx, run.ID, domain.StageEvaluate)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	again, err := f.manager.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, again.Status)
}

func TestCancelRun_FinishedRun(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageReport))
	require.NoError(t, f.manager.HandleJobFinished(ctx, f.jobFor(t, run.ID, domain.StageReport).ID))

	_, err := f.manager.CancelRun(ctx, run.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRetryJob(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageScan))
	scan := f.jobFor(t, run.ID, domain.StageScan)

	_, err := f.manager.RetryJob(ctx, scan.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.store.UpdateJob(ctx, scan.ID, []domain.JobStatus{domain.JobStatusScheduled}, func(j *domain.Job) {
		j.Status = domain.JobStatusRunning
	})
	require.NoError(t, err)

	retried, err := f.manager.RetryJob(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScheduled, retried.Status)
	assert.Equal(t, 2, retried.Attempt)
	assert.Nil(t, retried.StartedAt)

	envs := f.sender.envelopes(t, "scanner")
	require.Len(t, envs, 2)
	assert.Equal(t, 2, envs[1].Attempt)
}

func TestRun_EveryStageSubset(t *testing.T) {
	for mask := 1; mask < 1<<len(domain.Pipeline); mask++ {
		var stages []domain.Stage
		for i, s := range domain.Pipeline {
			if mask&(1<<i) != 0 {
				stages = append(stages, s)
			}
		}

		f := newFixture()
		ctx := context.Background()
		run := f.startRun(t, configsFor(stages...))

		for _, stage := range stages {
			current, err := f.manager.GetRun(ctx, run.ID)
			require.NoError(t, err)
			require.Equal(t, stage, current.ActiveStage, "stages %v", stages)
			require.NoError(t, f.manager.HandleJobFinished(ctx, f.jobFor(t, run.ID, stage).ID))
		}

		run, err := f.manager.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusFinished, run.Status, "stages %v", stages)

		jobs, err := f.manager.ListJobs(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, jobs, len(stages))
		for i, job := range jobs {
			assert.Equal(t, stages[i], job.Stage)
			assert.Equal(t, domain.JobStatusFinished, job.Status)
		}
	}
}

func TestHandleMessage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageAnalyze))
	analyze := f.jobFor(t, run.ID, domain.StageAnalyze)

	assert.NoError(t, f.manager.HandleMessage(ctx, ports.Message{Endpoint: domain.EndpointOrchestrator, Payload: []byte("{")}))

	unknown, err := messages.Encode(domain.EndpointOrchestrator, "t", messages.Envelope{Type: messages.TypeJobFinished, JobID: "missing"})
	require.NoError(t, err)
	assert.NoError(t, f.manager.HandleMessage(ctx, unknown))

	failed, err := messages.Encode(domain.EndpointOrchestrator, run.TraceID, messages.Failed(analyze, "boom"))
	require.NoError(t, err)
	require.NoError(t, f.manager.HandleMessage(ctx, failed))

	run, err = f.manager.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
}

func TestDeleteRun(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	run := f.startRun(t, configsFor(domain.StageAnalyze))

	err := f.manager.DeleteRun(ctx, run.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, f.manager.HandleJobFinished(ctx, f.jobFor(t, run.ID, domain.StageAnalyze).ID))
	_, err = f.manager.GetResolvedConfiguration(ctx, run.ID)
	require.NoError(t, err)

	require.NoError(t, f.manager.DeleteRun(ctx, run.ID))
	_, err = f.manager.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.manager.GetResolvedConfiguration(ctx, run.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
