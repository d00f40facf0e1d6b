package kubernetes

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/aescanero/scapipe/internal/ports"
)

// annotationFailureReported marks a failed Job whose failure was handed over.
const annotationFailureReported = "scapipe.io/failure-reported"

// FailureFunc is called with the message a failed Job was started for.
type FailureFunc func(ctx context.Context, msg ports.Message, reason string) error

// Watcher polls the Jobs created by Sender and reports the ones Kubernetes
// gave up on. Pods that exhausted their backoff never report a failure
// themselves.
type Watcher struct {
	client     k8s.Interface
	namespaces []string
	interval   time.Duration
	onFailure  FailureFunc
	logger     *zap.Logger
}

// NewWatcher creates a watcher for the Jobs in namespaces.
func NewWatcher(client k8s.Interface, namespaces []string, interval time.Duration, onFailure FailureFunc, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{
		client:     client,
		namespaces: namespaces,
		interval:   interval,
		onFailure:  onFailure,
		logger:     logger,
	}
}

// Run sweeps until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("kubernetes job watcher started",
		zap.Strings("namespaces", w.namespaces),
		zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("job sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.logger.Info("kubernetes job watcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep reports every failed Job not reported yet. A Job whose report fails
// is retried on the next sweep.
func (w *Watcher) Sweep(ctx context.Context) error {
	var errs []error
	for _, ns := range w.namespaces {
		list, err := w.client.BatchV1().Jobs(ns).List(ctx, metav1.ListOptions{
			LabelSelector: labelApp + "=scapipe",
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list jobs in %s: %w", ns, err))
			continue
		}
		for i := range list.Items {
			if err := w.check(ctx, &list.Items[i]); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (w *Watcher) check(ctx context.Context, job *batchv1.Job) error {
	if job.Annotations[annotationFailureReported] != "" {
		return nil
	}
	reason, failed := failedCondition(job)
	if !failed {
		return nil
	}

	msg, err := messageFromJob(job)
	if err != nil {
		w.logger.Error("failed job carries no message",
			zap.String("job", job.Name),
			zap.Error(err))
		return w.markReported(ctx, job)
	}

	w.logger.Warn("kubernetes job failed",
		zap.String("job", job.Name),
		zap.String("endpoint", msg.Endpoint),
		zap.String("trace_id", msg.TraceID),
		zap.String("reason", reason))

	if err := w.onFailure(ctx, msg, reason); err != nil {
		return fmt.Errorf("failed to report job %s: %w", job.Name, err)
	}
	return w.markReported(ctx, job)
}

func (w *Watcher) markReported(ctx context.Context, job *batchv1.Job) error {
	updated := job.DeepCopy()
	if updated.Annotations == nil {
		updated.Annotations = make(map[string]string)
	}
	updated.Annotations[annotationFailureReported] = time.Now().UTC().Format(time.RFC3339)

	if _, err := w.client.BatchV1().Jobs(job.Namespace).Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to annotate job %s: %w", job.Name, err)
	}
	return nil
}

func failedCondition(job *batchv1.Job) (string, bool) {
	for _, c := range job.Status.Conditions {
		if c.Type != batchv1.JobFailed || c.Status != corev1.ConditionTrue {
			continue
		}
		switch {
		case c.Reason == "":
			return c.Message, true
		case c.Message == "":
			return c.Reason, true
		default:
			return c.Reason + ": " + c.Message, true
		}
	}
	return "", false
}

// messageFromJob rebuilds the message from the environment Sender gave the pod.
func messageFromJob(job *batchv1.Job) (ports.Message, error) {
	containers := job.Spec.Template.Spec.Containers
	if len(containers) == 0 {
		return ports.Message{}, fmt.Errorf("job %s has no containers", job.Name)
	}

	vars := make(map[string]string)
	for _, v := range containers[0].Env {
		vars[v.Name] = v.Value
	}
	endpoint, ok := vars[EnvEndpoint]
	if !ok {
		return ports.Message{}, fmt.Errorf("job %s: %s not set", job.Name, EnvEndpoint)
	}
	payload, err := base64.StdEncoding.DecodeString(vars[EnvPayload])
	if err != nil {
		return ports.Message{}, fmt.Errorf("job %s: invalid payload: %w", job.Name, err)
	}
	return ports.Message{Endpoint: endpoint, Payload: payload, TraceID: vars[EnvTraceID]}, nil
}
