package kubernetes

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/aescanero/scapipe/internal/ports"
)

// Environment variables carrying the message into the started pod.
const (
	EnvEndpoint = "TRANSPORT_ENDPOINT"
	EnvTraceID  = "TRANSPORT_TRACE_ID"
	EnvPayload  = "TRANSPORT_PAYLOAD"
)

const (
	labelApp      = "app.kubernetes.io/name"
	labelEndpoint = "scapipe.io/endpoint"
)

// Sender delivers each message by creating a Job that runs the endpoint image.
type Sender struct {
	client k8s.Interface
	cfg    Config
	logger *zap.Logger
}

// NewSender creates a sender for the endpoint configured by cfg.
func NewSender(client k8s.Interface, cfg Config, logger *zap.Logger) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sender{client: client, cfg: cfg, logger: logger}, nil
}

// Send creates the Job for msg. A Job that already exists for the same message
// counts as delivered.
func (s *Sender) Send(ctx context.Context, msg ports.Message) error {
	job := s.buildJob(msg)

	_, err := s.client.BatchV1().Jobs(s.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		s.logger.Debug("job already exists",
			zap.String("job", job.Name),
			zap.String("endpoint", msg.Endpoint))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.Name, err)
	}

	s.logger.Info("job created",
		zap.String("job", job.Name),
		zap.String("namespace", s.cfg.Namespace),
		zap.String("endpoint", msg.Endpoint),
		zap.String("trace_id", msg.TraceID))
	return nil
}

func (s *Sender) buildJob(msg ports.Message) *batchv1.Job {
	labels := map[string]string{
		labelApp:      "scapipe",
		labelEndpoint: msg.Endpoint,
	}
	backoff := s.cfg.BackoffLimit
	ttl := s.cfg.TTLSecondsAfterFinished

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(msg),
			Namespace: s.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicy(s.cfg.RestartPolicy),
					ServiceAccountName: s.cfg.ServiceAccount,
					Containers: []corev1.Container{{
						Name:            msg.Endpoint,
						Image:           s.cfg.ImageName,
						ImagePullPolicy: corev1.PullPolicy(s.cfg.ImagePullPolicy),
						Command:         s.cfg.Commands,
						Env: []corev1.EnvVar{
							{Name: EnvEndpoint, Value: msg.Endpoint},
							{Name: EnvTraceID, Value: msg.TraceID},
							{Name: EnvPayload, Value: base64.StdEncoding.EncodeToString(msg.Payload)},
						},
					}},
				},
			},
		},
	}
}

// JobName derives a stable DNS-1123 name from the message.
func JobName(msg ports.Message) string {
	h := sha256.New()
	h.Write([]byte(msg.Endpoint))
	h.Write([]byte{0})
	h.Write([]byte(msg.TraceID))
	h.Write([]byte{0})
	h.Write(msg.Payload)
	return fmt.Sprintf("%s-%s", msg.Endpoint, hex.EncodeToString(h.Sum(nil))[:20])
}
