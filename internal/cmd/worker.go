package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/application/resolvedconfig"
	"github.com/aescanero/scapipe/internal/application/stages"
	"github.com/aescanero/scapipe/internal/application/workers"
	"github.com/aescanero/scapipe/internal/config"
	"github.com/aescanero/scapipe/internal/domain"
	"github.com/aescanero/scapipe/internal/ports"
	"github.com/aescanero/scapipe/internal/transport"
	prommetrics "github.com/aescanero/scapipe/pkg/adapters/metrics/prometheus"
)

var workerStage string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute the jobs of one pipeline stage",
	Long: `Execute the jobs dispatched to one stage endpoint.

With a queue transport the worker runs WORKER_POOL_SIZE consumers until it is
stopped. With the kubernetes transport the worker handles the single job its
pod was created for and exits.

Every job runs WORKER_STAGE_COMMAND with RUN_ID, JOB_ID, STAGE, REPOSITORY_ID,
REVISION and RESOLVED_CONFIGURATION_FILE set.

Example:
  WORKER_STAGE_COMMAND="/opt/analyzer/bin/analyze --format json" scapipe worker --stage analyzer`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerStage, "stage", "", "Stage endpoint to serve (analyzer, advisor, scanner, evaluator, reporter)")
	_ = workerCmd.MarkFlagRequired("stage")

	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	stage, err := domain.StageForEndpoint(workerStage)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Storage == "memory" {
		return fmt.Errorf("a standalone worker needs the shared redis storage")
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("endpoint", stage.Endpoint()))

	logger.Info("starting worker",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("stage", string(stage)))

	in, err := newInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer in.close(logger)

	reg := prometheus.NewRegistry()
	metrics := prommetrics.NewCollector(reg)
	configs := resolvedconfig.NewService(in.store, nil, metrics, logger)

	rt, err := newStageRuntime(stage, cfg, in, configs, metrics, logger)
	if err != nil {
		return err
	}

	endpoint := cfg.Transport.Endpoints()[stage.Endpoint()]
	if endpoint.Transport == transport.KindKubernetes {
		receiver, err := transport.NewReceiver(endpoint, in.backends(cfg, "", nil, logger))
		if err != nil {
			return err
		}
		return rt.RunOnce(ctx, receiver)
	}

	pool, err := startStagePool(ctx, rt, cfg, in, metrics, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           workerRouter(pool, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("worker HTTP server failed", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-pool.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker HTTP server shutdown error", zap.Error(err))
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
		return err
	}

	logger.Info("worker shut down complete")
	return nil
}

// newStageRuntime wires the runtime of stage: the stage command, the reports
// sender and the job timeout.
func newStageRuntime(stage domain.Stage, cfg *config.Config, in *infra, configs workers.ConfigGetter, metrics ports.MetricsCollector, logger *zap.Logger) (*workers.Runtime, error) {
	executor, err := stages.NewCommandExecutor(cfg.Workers.StageCommand, logger)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", stage, err)
	}

	sender, err := transport.NewSender(cfg.Transport.Orchestrator, in.backends(cfg, "", nil, logger))
	if err != nil {
		return nil, fmt.Errorf("orchestrator endpoint: %w", err)
	}

	return workers.NewRuntime(stage, in.store, configs, executor, sender, metrics, workers.Options{
		JobTimeout:   cfg.Timeouts.JobExecutionTimeout,
		MaxRetries:   cfg.Workers.MaxRetries,
		RetryDelay:   cfg.Workers.RetryDelay,
		PollInterval: cfg.Workers.PollInterval,
	}, logger), nil
}

// startStagePool starts WORKER_POOL_SIZE consumers of the runtime's endpoint.
func startStagePool(ctx context.Context, rt *workers.Runtime, cfg *config.Config, in *infra, metrics ports.MetricsCollector, logger *zap.Logger) (*workers.Pool, error) {
	endpoint := cfg.Transport.Endpoints()[rt.Stage().Endpoint()]
	prefix := consumerName(rt.Stage().Endpoint())

	pool := workers.NewPool(cfg.Workers.PoolSize, rt, func(workerID string) (ports.Receiver, error) {
		return transport.NewReceiver(endpoint, in.backends(cfg, prefix+"-"+workerID, rt.HandleUndeliverable, logger))
	}, metrics, logger, cfg.Workers.HealthCheckInterval)

	if err := pool.Start(ctx); err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", rt.Stage().Endpoint(), err)
	}
	return pool, nil
}

func workerRouter(pool *workers.Pool, gatherer prometheus.Gatherer) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/health", func(c *gin.Context) {
		status := pool.Health().GetStatus()
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	return router
}
