package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/aescanero/scapipe/internal/domain"
	"github.com/aescanero/scapipe/internal/transport"
)

// Config holds all configuration for the pipeline orchestrator and its workers
type Config struct {
	// Server configuration
	HTTPPort int    `env:"SCAPIPE_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"SCAPIPE_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage selects the run store backend: redis or memory
	Storage string `env:"SCAPIPE_STORAGE" envDefault:"redis"`

	// Redis configuration
	Redis RedisConfig

	// Postgres configuration for package provenances
	Postgres PostgresConfig

	// Secrets configuration
	Secrets SecretsConfig

	// Worker configuration
	Workers WorkerConfig

	// Timeouts
	Timeouts TimeoutConfig

	// Transport configuration per endpoint
	Transport TransportConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// PostgresConfig holds the provenance database connection. An empty DSN keeps
// provenances in memory.
type PostgresConfig struct {
	DSN string `env:"POSTGRES_DSN"`
}

// SecretsConfig locates the file-based secret storage.
type SecretsConfig struct {
	File string `env:"SECRETS_FILE"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	MaxRetries          int           `env:"WORKER_MAX_RETRIES" envDefault:"3"`
	RetryDelay          time.Duration `env:"WORKER_RETRY_DELAY" envDefault:"5s"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	PollInterval        time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	ClaimMinIdle        time.Duration `env:"WORKER_CLAIM_MIN_IDLE" envDefault:"5m"`
	MaxDeliveries       int           `env:"WORKER_MAX_DELIVERIES" envDefault:"5"`
	ConsumerGroup       string        `env:"WORKER_CONSUMER_GROUP" envDefault:"scapipe"`
	// StageCommand is the external command executing a stage.
	StageCommand string `env:"WORKER_STAGE_COMMAND"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	JobExecutionTimeout time.Duration `env:"TIMEOUT_JOB_EXECUTION" envDefault:"3600s"`
	ShutdownTimeout     time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// TransportConfig selects the transport of every endpoint.
type TransportConfig struct {
	Orchestrator transport.EndpointConfig `envPrefix:"ORCHESTRATOR_"`
	Analyzer     transport.EndpointConfig `envPrefix:"ANALYZER_"`
	Advisor      transport.EndpointConfig `envPrefix:"ADVISOR_"`
	Scanner      transport.EndpointConfig `envPrefix:"SCANNER_"`
	Evaluator    transport.EndpointConfig `envPrefix:"EVALUATOR_"`
	Reporter     transport.EndpointConfig `envPrefix:"REPORTER_"`

	// How often the orchestrator looks for failed Kubernetes Jobs.
	KubernetesWatchInterval time.Duration `env:"KUBERNETES_WATCH_INTERVAL" envDefault:"30s"`
}

// Endpoints maps endpoint names to their transport configuration.
func (t TransportConfig) Endpoints() map[string]transport.EndpointConfig {
	return map[string]transport.EndpointConfig{
		domain.EndpointOrchestrator:     t.Orchestrator,
		domain.StageAnalyze.Endpoint():  t.Analyzer,
		domain.StageAdvise.Endpoint():   t.Advisor,
		domain.StageScan.Endpoint():     t.Scanner,
		domain.StageEvaluate.Endpoint(): t.Evaluator,
		domain.StageReport.Endpoint():   t.Reporter,
	}
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom reads configuration from the given variables instead of the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	return load(env.Options{Environment: environ})
}

func load(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.Storage {
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage: %s (must be redis or memory)", c.Storage)
	}

	// Validate worker config
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.MaxRetries < 0 {
		return fmt.Errorf("worker max retries must not be negative")
	}
	if c.Workers.PollInterval <= 0 {
		return fmt.Errorf("worker poll interval must be positive")
	}

	for name, ep := range c.Transport.Endpoints() {
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("transport for endpoint %s: %w", name, err)
		}
		if ep.Transport == transport.KindRedis && c.Redis.Addr == "" {
			return fmt.Errorf("transport for endpoint %s: redis address is required", name)
		}
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
