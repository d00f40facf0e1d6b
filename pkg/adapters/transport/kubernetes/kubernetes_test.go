package kubernetes

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/aescanero/scapipe/internal/ports"
)

func TestSplitCommands(t *testing.T) {
	cases := map[string][]string{
		`foo "bar baz" qux`:     {"foo", "bar baz", "qux"},
		`/bin/sh -c "echo hi"`:  {"/bin/sh", "-c", "echo hi"},
		"  spaced   out  ":      {"spaced", "out"},
		`""`:                    nil,
		``:                      nil,
		`a"b c"d`:               {`a"b c"d`},
		"tab\tseparated\nlines": {"tab", "separated", "lines"},
		`foo "bar baz`:          {`foo "bar`, "baz"},
		`say "x  y" z`:          {"say", "x  y", "z"},
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, SplitCommands(in))
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("ANALYZER_KUBERNETES_", map[string]string{
		"ANALYZER_KUBERNETES_NAMESPACE":  "ort",
		"ANALYZER_KUBERNETES_IMAGE_NAME": "scapipe/worker:latest",
		"ANALYZER_KUBERNETES_COMMANDS":   `/worker --stage "ANALYZE"`,
	})
	require.NoError(t, err)

	assert.Equal(t, "ort", cfg.Namespace)
	assert.Equal(t, "scapipe/worker:latest", cfg.ImageName)
	assert.Equal(t, "Never", cfg.ImagePullPolicy)
	assert.Equal(t, "OnFailure", cfg.RestartPolicy)
	assert.Equal(t, int32(2), cfg.BackoffLimit)
	assert.Equal(t, int32(86400), cfg.TTLSecondsAfterFinished)
	assert.Equal(t, Commands{"/worker", "--stage", "ANALYZE"}, cfg.Commands)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Namespace: "ns", ImageName: "img", ImagePullPolicy: "Never", RestartPolicy: "OnFailure", BackoffLimit: 2}
	require.NoError(t, valid.Validate())

	mutations := map[string]func(*Config){
		"no namespace":   func(c *Config) { c.Namespace = "" },
		"no image":       func(c *Config) { c.ImageName = "" },
		"pull policy":    func(c *Config) { c.ImagePullPolicy = "Sometimes" },
		"restart policy": func(c *Config) { c.RestartPolicy = "Always" },
		"backoff":        func(c *Config) { c.BackoffLimit = -1 },
		"ttl":            func(c *Config) { c.TTLSecondsAfterFinished = -1 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSender_CreatesJob(t *testing.T) {
	client := fake.NewSimpleClientset()
	sender, err := NewSender(client, Config{
		Namespace:               "ort",
		ImageName:               "scapipe/worker:1",
		ImagePullPolicy:         "IfNotPresent",
		RestartPolicy:           "OnFailure",
		BackoffLimit:            3,
		TTLSecondsAfterFinished: 600,
		Commands:                Commands{"/worker", "--stage", "SCAN"},
	}, zap.NewNop())
	require.NoError(t, err)

	msg := ports.Message{Endpoint: "scanner", Payload: []byte(`{"jobId":"j1"}`), TraceID: "trace-1"}
	require.NoError(t, sender.Send(context.Background(), msg))

	job, err := client.BatchV1().Jobs("ort").Get(context.Background(), JobName(msg), metav1.GetOptions{})
	require.NoError(t, err)

	require.NotNil(t, job.Spec.BackoffLimit)
	assert.Equal(t, int32(3), *job.Spec.BackoffLimit)
	require.NotNil(t, job.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, int32(600), *job.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, "scanner", job.Labels[labelEndpoint])

	pod := job.Spec.Template.Spec
	assert.Equal(t, corev1.RestartPolicyOnFailure, pod.RestartPolicy)
	require.Len(t, pod.Containers, 1)
	c := pod.Containers[0]
	assert.Equal(t, "scapipe/worker:1", c.Image)
	assert.Equal(t, corev1.PullIfNotPresent, c.ImagePullPolicy)
	assert.Equal(t, []string{"/worker", "--stage", "SCAN"}, c.Command)

	env := make(map[string]string)
	for _, v := range c.Env {
		env[v.Name] = v.Value
	}
	assert.Equal(t, "scanner", env[EnvEndpoint])
	assert.Equal(t, "trace-1", env[EnvTraceID])
	assert.Equal(t, base64.StdEncoding.EncodeToString(msg.Payload), env[EnvPayload])
}

func TestSender_DuplicateMessageIsDelivered(t *testing.T) {
	client := fake.NewSimpleClientset()
	sender, err := NewSender(client, Config{
		Namespace: "ort", ImageName: "img", ImagePullPolicy: "Never", RestartPolicy: "Never",
	}, zap.NewNop())
	require.NoError(t, err)

	msg := ports.Message{Endpoint: "analyzer", Payload: []byte("p"), TraceID: "t"}
	require.NoError(t, sender.Send(context.Background(), msg))
	require.NoError(t, sender.Send(context.Background(), msg))

	jobs, err := client.BatchV1().Jobs("ort").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, jobs.Items, 1)
}

func TestNewSender_RejectsInvalidConfig(t *testing.T) {
	_, err := NewSender(fake.NewSimpleClientset(), Config{ImageName: "img"}, zap.NewNop())
	assert.Error(t, err)
}

func TestJobName(t *testing.T) {
	a := JobName(ports.Message{Endpoint: "reporter", Payload: []byte("1"), TraceID: "t"})
	b := JobName(ports.Message{Endpoint: "reporter", Payload: []byte("2"), TraceID: "t"})

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, JobName(ports.Message{Endpoint: "reporter", Payload: []byte("1"), TraceID: "t"}))
	assert.Regexp(t, `^reporter-[0-9a-f]{20}$`, a)
}

func TestEnvReceiver(t *testing.T) {
	payload := []byte(`{"jobId":"j1"}`)
	r := NewEnvReceiverFromMap(map[string]string{
		EnvEndpoint: "advisor",
		EnvTraceID:  "trace-9",
		EnvPayload:  base64.StdEncoding.EncodeToString(payload),
	})

	var got ports.Message
	err := r.Receive(context.Background(), "advisor", func(ctx context.Context, msg ports.Message) error {
		got = msg
		return nil
	})
	assert.ErrorIs(t, err, ports.ErrReceiverDrained)
	assert.Equal(t, ports.Message{Endpoint: "advisor", Payload: payload, TraceID: "trace-9"}, got)
}

func TestEnvReceiver_Errors(t *testing.T) {
	handlerErr := errors.New("stage failed")
	ok := func(ctx context.Context, msg ports.Message) error { return nil }

	assert.Error(t, NewEnvReceiverFromMap(nil).Receive(context.Background(), "advisor", ok))
	assert.Error(t, NewEnvReceiverFromMap(map[string]string{EnvEndpoint: "scanner"}).Receive(context.Background(), "advisor", ok))
	assert.Error(t, NewEnvReceiverFromMap(map[string]string{EnvEndpoint: "advisor", EnvPayload: "%%%"}).Receive(context.Background(), "advisor", ok))

	err := NewEnvReceiverFromMap(map[string]string{EnvEndpoint: "advisor"}).Receive(context.Background(), "advisor",
		func(ctx context.Context, msg ports.Message) error { return handlerErr })
	assert.ErrorIs(t, err, handlerErr)
}
