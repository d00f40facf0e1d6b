// Package transport selects the message transport backend of every endpoint
// from configuration.
package transport

import (
	"context"
	"fmt"
	"slices"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/aescanero/scapipe/internal/ports"
	"github.com/aescanero/scapipe/pkg/adapters/transport/kubernetes"
	"github.com/aescanero/scapipe/pkg/adapters/transport/memory"
	"github.com/aescanero/scapipe/pkg/adapters/transport/redis"
)

// Kind names a transport backend.
type Kind string

const (
	KindRedis      Kind = "redis"
	KindKubernetes Kind = "kubernetes"
	KindMemory     Kind = "memory"
)

// EndpointConfig selects and configures the backend of one endpoint.
type EndpointConfig struct {
	Transport  Kind              `env:"TRANSPORT" envDefault:"redis"`
	Kubernetes kubernetes.Config `envPrefix:"KUBERNETES_"`
}

// Validate checks the backend settings.
func (c EndpointConfig) Validate() error {
	switch c.Transport {
	case KindRedis, KindMemory:
		return nil
	case KindKubernetes:
		return c.Kubernetes.Validate()
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
}

// Backends holds the shared clients and receiver tuning the factories draw from.
type Backends struct {
	Redis      *goredis.Client
	Kubernetes k8s.Interface
	Memory     *memory.Bus
	Logger     *zap.Logger

	ConsumerGroup string
	ConsumerName  string
	PollInterval  time.Duration
	ClaimMinIdle  time.Duration
	MaxDeliveries int
	DeadLetter    ports.DeadLetterFunc
}

// NewSender creates the sender for an endpoint.
func NewSender(cfg EndpointConfig, b Backends) (ports.Sender, error) {
	switch cfg.Transport {
	case KindRedis:
		if b.Redis == nil {
			return nil, fmt.Errorf("redis transport requires a redis client")
		}
		return redis.NewSender(b.Redis, b.Logger), nil
	case KindKubernetes:
		if b.Kubernetes == nil {
			return nil, fmt.Errorf("kubernetes transport requires a kubernetes client")
		}
		return kubernetes.NewSender(b.Kubernetes, cfg.Kubernetes, b.Logger)
	case KindMemory:
		if b.Memory == nil {
			return nil, fmt.Errorf("memory transport requires a bus")
		}
		return b.Memory, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// NewReceiver creates the receiver for an endpoint.
func NewReceiver(cfg EndpointConfig, b Backends) (ports.Receiver, error) {
	switch cfg.Transport {
	case KindRedis:
		if b.Redis == nil {
			return nil, fmt.Errorf("redis transport requires a redis client")
		}
		return redis.NewReceiver(b.Redis, redis.ReceiverConfig{
			ConsumerGroup: b.ConsumerGroup,
			ConsumerName:  b.ConsumerName,
			Block:         b.PollInterval,
			ClaimMinIdle:  b.ClaimMinIdle,
			MaxDeliveries: int64(b.MaxDeliveries),
			DeadLetter:    b.DeadLetter,
		}, b.Logger), nil
	case KindKubernetes:
		return kubernetes.NewEnvReceiver(), nil
	case KindMemory:
		if b.Memory == nil {
			return nil, fmt.Errorf("memory transport requires a bus")
		}
		return b.Memory.NewReceiver(memory.ReceiverOptions{
			MaxDeliveries: b.MaxDeliveries,
			DeadLetter:    b.DeadLetter,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// KubernetesNamespaces returns the sorted namespaces Jobs are created in.
func KubernetesNamespaces(endpoints map[string]EndpointConfig) []string {
	var namespaces []string
	for _, cfg := range endpoints {
		if cfg.Transport == KindKubernetes && !slices.Contains(namespaces, cfg.Kubernetes.Namespace) {
			namespaces = append(namespaces, cfg.Kubernetes.Namespace)
		}
	}
	slices.Sort(namespaces)
	return namespaces
}

// Router sends every message through the sender of its endpoint.
type Router struct {
	senders map[string]ports.Sender
}

// NewRouter creates a sender per configured endpoint.
func NewRouter(endpoints map[string]EndpointConfig, b Backends) (*Router, error) {
	r := &Router{senders: make(map[string]ports.Sender, len(endpoints))}
	for name, cfg := range endpoints {
		sender, err := NewSender(cfg, b)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
		r.senders[name] = sender
	}
	return r, nil
}

// Send implements ports.Sender.
func (r *Router) Send(ctx context.Context, msg ports.Message) error {
	sender, ok := r.senders[msg.Endpoint]
	if !ok {
		return fmt.Errorf("no transport configured for endpoint %q", msg.Endpoint)
	}
	return sender.Send(ctx, msg)
}
