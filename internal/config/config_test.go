package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/scapipe/internal/transport"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.GetHTTPAddr())
	assert.Equal(t, ":9090", cfg.GetGRPCAddr())
	assert.Equal(t, "redis", cfg.Storage)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5, cfg.Workers.PoolSize)
	assert.Equal(t, 5, cfg.Workers.MaxDeliveries)

	for name, ep := range cfg.Transport.Endpoints() {
		assert.Equal(t, transport.KindRedis, ep.Transport, name)
		assert.Equal(t, "Never", ep.Kubernetes.ImagePullPolicy, name)
		assert.Equal(t, int32(2), ep.Kubernetes.BackoffLimit, name)
	}
	assert.Len(t, cfg.Transport.Endpoints(), 6)
	assert.Equal(t, 30*time.Second, cfg.Transport.KubernetesWatchInterval)
}

func TestLoadFrom_KubernetesEndpoint(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"SCANNER_TRANSPORT":                  "kubernetes",
		"SCANNER_KUBERNETES_NAMESPACE":       "ort",
		"SCANNER_KUBERNETES_IMAGE_NAME":      "scapipe/scanner:1",
		"SCANNER_KUBERNETES_RESTART_POLICY":  "Never",
		"SCANNER_KUBERNETES_COMMANDS":        `/scapipe worker --stage "SCAN"`,
		"SCANNER_KUBERNETES_BACKOFF_LIMIT":   "4",
		"ANALYZER_KUBERNETES_NAMESPACE":      "ignored",
		"ORCHESTRATOR_KUBERNETES_IMAGE_NAME": "ignored",
	})
	require.NoError(t, err)

	scanner := cfg.Transport.Scanner
	assert.Equal(t, transport.KindKubernetes, scanner.Transport)
	assert.Equal(t, "ort", scanner.Kubernetes.Namespace)
	assert.Equal(t, "Never", scanner.Kubernetes.RestartPolicy)
	assert.Equal(t, int32(4), scanner.Kubernetes.BackoffLimit)
	assert.Equal(t, []string{"/scapipe", "worker", "--stage", "SCAN"}, []string(scanner.Kubernetes.Commands))
	assert.Equal(t, transport.KindRedis, cfg.Transport.Analyzer.Transport)
}

func TestLoadFrom_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"http port":         {"SCAPIPE_HTTP_PORT": "70000"},
		"log level":         {"LOG_LEVEL": "verbose"},
		"storage":           {"SCAPIPE_STORAGE": "etcd"},
		"pool size":         {"WORKER_POOL_SIZE": "0"},
		"unknown transport": {"ADVISOR_TRANSPORT": "smtp"},
		"kubernetes":        {"REPORTER_TRANSPORT": "kubernetes"},
	}
	for name, environ := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(environ)
			assert.Error(t, err)
		})
	}
}
