package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/application/orchestrator"
	"github.com/aescanero/scapipe/internal/application/provenance"
	"github.com/aescanero/scapipe/internal/application/resolvedconfig"
	"github.com/aescanero/scapipe/internal/application/workers"
	"github.com/aescanero/scapipe/internal/config"
	"github.com/aescanero/scapipe/internal/domain"
	"github.com/aescanero/scapipe/internal/ports"
	"github.com/aescanero/scapipe/internal/secrets"
	"github.com/aescanero/scapipe/internal/transport"
	prommetrics "github.com/aescanero/scapipe/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/scapipe/pkg/adapters/storage/memory"
	"github.com/aescanero/scapipe/pkg/adapters/storage/postgres"
	"github.com/aescanero/scapipe/pkg/adapters/transport/kubernetes"
	apigrpc "github.com/aescanero/scapipe/pkg/api/grpc"
	apihttp "github.com/aescanero/scapipe/pkg/api/http"
	"github.com/aescanero/scapipe/pkg/api/websocket"
)

var orchestratorWithWorkers bool

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Serve the run API and drive runs through their stages",
	Long: `Serve the HTTP, WebSocket and gRPC health APIs and consume job reports from
the orchestrator endpoint.

With --with-workers the process also runs a worker pool for every stage whose
endpoint does not use the kubernetes transport. Together with
SCAPIPE_STORAGE=memory and <ENDPOINT>_TRANSPORT=memory this runs the whole
pipeline in one process.`,
	RunE: runOrchestrator,
}

func init() {
	orchestratorCmd.Flags().BoolVar(&orchestratorWithWorkers, "with-workers", false, "Run stage workers in this process")

	rootCmd.AddCommand(orchestratorCmd)
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Transport.Orchestrator.Transport == transport.KindKubernetes {
		return fmt.Errorf("the orchestrator endpoint needs a queue transport")
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting scapipe orchestrator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	in, err := newInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer in.close(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewCollector(reg)

	var secretStorage ports.SecretStorage
	if cfg.Secrets.File != "" {
		secretStorage = secrets.NewFileStorage(cfg.Secrets.File, logger)
	}
	configs := resolvedconfig.NewService(in.store, resolvedconfig.NewDefaultSourceFactory(secretStorage, nil), metrics, logger)

	router, err := transport.NewRouter(cfg.Transport.Endpoints(), in.backends(cfg, "", nil, logger))
	if err != nil {
		return err
	}
	manager := orchestrator.NewManager(in.store, router, configs, metrics, orchestrator.NewValidator(), logger)

	var watcher *kubernetes.Watcher
	if namespaces := transport.KubernetesNamespaces(cfg.Transport.Endpoints()); len(namespaces) > 0 {
		watcher = kubernetes.NewWatcher(in.kube, namespaces, cfg.Transport.KubernetesWatchInterval, manager.HandleDeliveryFailed, logger)
	}

	provenanceStore, closeProvenance, err := newProvenanceStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeProvenance()

	receiver, err := transport.NewReceiver(cfg.Transport.Orchestrator, in.backends(cfg, consumerName("orchestrator"), nil, logger))
	if err != nil {
		return err
	}

	checks := map[string]apihttp.HealthCheck{}
	if in.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return in.redis.Ping(ctx).Err() }
	}

	httpServer := apihttp.NewServer(&apihttp.Config{
		Addr:         cfg.GetHTTPAddr(),
		Orchestrator: manager,
		Provenances:  provenance.NewResolver(provenanceStore, logger),
		HealthChecks: checks,
		Gatherer:     reg,
		Logger:       logger,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(manager, time.Second, logger))

	grpcServer, err := apigrpc.NewServer(&apigrpc.Config{
		Addr:   cfg.GetGRPCAddr(),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 4)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- err
		}
	}()

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	go func() {
		if err := manager.Serve(serveCtx, receiver); err != nil {
			errCh <- fmt.Errorf("orchestrator endpoint: %w", err)
		}
	}()

	if watcher != nil {
		go func() {
			if err := watcher.Run(serveCtx); err != nil {
				errCh <- fmt.Errorf("kubernetes job watcher: %w", err)
			}
		}()
	}

	var pools []*workers.Pool
	if orchestratorWithWorkers {
		pools, err = startAllStagePools(serveCtx, cfg, in, configs, metrics, logger)
		if err != nil {
			return err
		}
	}

	grpcServer.SetServing(true)
	logger.Info("scapipe orchestrator started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pools", len(pools)))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		logger.Error("orchestrator component failed", zap.Error(runErr))
	}

	grpcServer.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	stopServing()
	for _, pool := range pools {
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.Error("worker pool shutdown error", zap.Error(err))
		}
	}

	logger.Info("scapipe orchestrator shut down complete")
	return runErr
}

// newProvenanceStore uses Postgres when a DSN is configured.
func newProvenanceStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ports.ProvenanceStore, func(), error) {
	if cfg.Postgres.DSN == "" {
		logger.Warn("POSTGRES_DSN not set, keeping package provenances in memory")
		return memory.NewProvenanceStore(), func() {}, nil
	}

	store, err := postgres.Connect(ctx, cfg.Postgres.DSN, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

// startAllStagePools starts a pool for every stage served by a queue transport.
func startAllStagePools(ctx context.Context, cfg *config.Config, in *infra, configs workers.ConfigGetter, metrics ports.MetricsCollector, logger *zap.Logger) ([]*workers.Pool, error) {
	endpoints := cfg.Transport.Endpoints()

	var pools []*workers.Pool
	for _, stage := range domain.Pipeline {
		if endpoints[stage.Endpoint()].Transport == transport.KindKubernetes {
			continue
		}

		stageLogger := logger.With(zap.String("endpoint", stage.Endpoint()))
		rt, err := newStageRuntime(stage, cfg, in, configs, metrics, stageLogger)
		if err != nil {
			return nil, err
		}
		pool, err := startStagePool(ctx, rt, cfg, in, metrics, stageLogger)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, nil
}
