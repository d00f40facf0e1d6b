package cmd

import (
	"context"
	"fmt"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/aescanero/scapipe/internal/config"
	"github.com/aescanero/scapipe/internal/ports"
	"github.com/aescanero/scapipe/internal/transport"
	"github.com/aescanero/scapipe/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/scapipe/pkg/adapters/storage/redis"
	membus "github.com/aescanero/scapipe/pkg/adapters/transport/memory"
)

// infra holds the clients shared by the components of one process.
type infra struct {
	redis *goredis.Client
	store ports.Store
	bus   *membus.Bus
	kube  k8s.Interface
}

// newInfra connects to the backends the configuration refers to.
func newInfra(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*infra, error) {
	in := &infra{bus: membus.NewBus(logger)}

	needsRedis := cfg.Storage == "redis"
	needsKube := false
	for _, ep := range cfg.Transport.Endpoints() {
		switch ep.Transport {
		case transport.KindRedis:
			needsRedis = true
		case transport.KindKubernetes:
			needsKube = true
		}
	}

	if needsRedis {
		in.redis = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		if err := in.redis.Ping(ctx).Err(); err != nil {
			_ = in.redis.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Storage == "redis" {
		in.store = redisstorage.NewStore(in.redis, logger)
	} else {
		in.store = memory.NewStore()
	}

	if needsKube {
		client, err := newKubernetesClient()
		if err != nil {
			in.close(logger)
			return nil, err
		}
		in.kube = client
	}

	return in, nil
}

// backends returns the transport factory input for consumerName.
func (in *infra) backends(cfg *config.Config, consumerName string, deadLetter ports.DeadLetterFunc, logger *zap.Logger) transport.Backends {
	return transport.Backends{
		Redis:         in.redis,
		Kubernetes:    in.kube,
		Memory:        in.bus,
		Logger:        logger,
		ConsumerGroup: cfg.Workers.ConsumerGroup,
		ConsumerName:  consumerName,
		PollInterval:  cfg.Workers.PollInterval,
		ClaimMinIdle:  cfg.Workers.ClaimMinIdle,
		MaxDeliveries: cfg.Workers.MaxDeliveries,
		DeadLetter:    deadLetter,
	}
}

func (in *infra) close(logger *zap.Logger) {
	in.bus.Close()
	if in.redis == nil {
		return
	}
	if err := in.redis.Close(); err != nil {
		logger.Error("Redis close error", zap.Error(err))
	}
}

// newKubernetesClient uses the in-cluster service account, or KUBECONFIG
// outside of a cluster.
func newKubernetesClient() (k8s.Interface, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		restConfig, err = clientcmd.BuildConfigFromFlags("", os.Getenv("KUBECONFIG"))
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}

	client, err := k8s.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, nil
}

func consumerName(role string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "scapipe"
	}
	return fmt.Sprintf("%s-%s-%d", role, host, os.Getpid())
}
