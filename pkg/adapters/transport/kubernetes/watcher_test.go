package kubernetes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/aescanero/scapipe/internal/ports"
)

type failureRecorder struct {
	msgs    []ports.Message
	reasons []string
	err     error
}

func (r *failureRecorder) record(_ context.Context, msg ports.Message, reason string) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	r.reasons = append(r.reasons, reason)
	return nil
}

func createJob(t *testing.T, client k8s.Interface, msg ports.Message, conditions ...batchv1.JobCondition) *batchv1.Job {
	t.Helper()
	sender, err := NewSender(client, Config{
		Namespace: "ort", ImageName: "img", ImagePullPolicy: "Never", RestartPolicy: "OnFailure",
	}, zap.NewNop())
	require.NoError(t, err)

	job := sender.buildJob(msg)
	job.Status.Conditions = conditions
	created, err := client.BatchV1().Jobs("ort").Create(context.Background(), job, metav1.CreateOptions{})
	require.NoError(t, err)
	return created
}

func backoffExceeded() batchv1.JobCondition {
	return batchv1.JobCondition{
		Type:    batchv1.JobFailed,
		Status:  corev1.ConditionTrue,
		Reason:  "BackoffLimitExceeded",
		Message: "Job has reached the specified backoff limit",
	}
}

func TestWatcher_ReportsFailedJobOnce(t *testing.T) {
	client := fake.NewSimpleClientset()
	msg := ports.Message{Endpoint: "scanner", Payload: []byte(`{"jobId":"j1"}`), TraceID: "trace-1"}
	job := createJob(t, client, msg, backoffExceeded())

	rec := &failureRecorder{}
	w := NewWatcher(client, []string{"ort"}, time.Minute, rec.record, zap.NewNop())

	require.NoError(t, w.Sweep(context.Background()))
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, msg, rec.msgs[0])
	assert.Equal(t, "BackoffLimitExceeded: Job has reached the specified backoff limit", rec.reasons[0])

	got, err := client.BatchV1().Jobs("ort").Get(context.Background(), job.Name, metav1.GetOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, got.Annotations[annotationFailureReported])

	require.NoError(t, w.Sweep(context.Background()))
	assert.Len(t, rec.msgs, 1)
}

func TestWatcher_IgnoresRunningAndCompletedJobs(t *testing.T) {
	client := fake.NewSimpleClientset()
	createJob(t, client, ports.Message{Endpoint: "analyzer", Payload: []byte("a"), TraceID: "t1"})
	createJob(t, client, ports.Message{Endpoint: "analyzer", Payload: []byte("b"), TraceID: "t2"},
		batchv1.JobCondition{Type: batchv1.JobComplete, Status: corev1.ConditionTrue})
	createJob(t, client, ports.Message{Endpoint: "analyzer", Payload: []byte("c"), TraceID: "t3"},
		batchv1.JobCondition{Type: batchv1.JobFailed, Status: corev1.ConditionFalse})

	rec := &failureRecorder{}
	w := NewWatcher(client, []string{"ort"}, time.Minute, rec.record, zap.NewNop())

	require.NoError(t, w.Sweep(context.Background()))
	assert.Empty(t, rec.msgs)
}

func TestWatcher_RetriesFailedReport(t *testing.T) {
	client := fake.NewSimpleClientset()
	msg := ports.Message{Endpoint: "reporter", Payload: []byte("r"), TraceID: "t"}
	job := createJob(t, client, msg, backoffExceeded())

	rec := &failureRecorder{err: errors.New("store unavailable")}
	w := NewWatcher(client, []string{"ort"}, time.Minute, rec.record, zap.NewNop())

	err := w.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")

	got, err := client.BatchV1().Jobs("ort").Get(context.Background(), job.Name, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, got.Annotations[annotationFailureReported])

	rec.err = nil
	require.NoError(t, w.Sweep(context.Background()))
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, msg, rec.msgs[0])
}

func TestWatcher_IgnoresForeignJobs(t *testing.T) {
	client := fake.NewSimpleClientset(&batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "other", Namespace: "ort"},
		Status:     batchv1.JobStatus{Conditions: []batchv1.JobCondition{backoffExceeded()}},
	})

	rec := &failureRecorder{}
	w := NewWatcher(client, []string{"ort"}, time.Minute, rec.record, zap.NewNop())

	require.NoError(t, w.Sweep(context.Background()))
	assert.Empty(t, rec.msgs)
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	client := fake.NewSimpleClientset()
	createJob(t, client, ports.Message{Endpoint: "scanner", Payload: []byte("s"), TraceID: "t"}, backoffExceeded())

	reported := make(chan struct{}, 1)
	onFailure := func(context.Context, ports.Message, string) error {
		reported <- struct{}{}
		return nil
	}
	w := NewWatcher(client, []string{"ort"}, time.Hour, onFailure, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-reported:
	case <-time.After(5 * time.Second):
		t.Fatal("failed job was not reported")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
