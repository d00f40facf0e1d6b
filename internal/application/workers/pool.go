package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/ports"
)

// ReceiverFactory creates the receiver of one pool worker. Each worker gets its
// own consumer name so that the backend balances deliveries across them.
type ReceiverFactory func(workerID string) (ports.Receiver, error)

// Pool runs a fixed number of workers sharing one Runtime
type Pool struct {
	size        int
	runtime     *Runtime
	newReceiver ReceiverFactory
	metrics     ports.MetricsCollector
	logger      *zap.Logger
	health      *HealthMonitor

	workers []*worker
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	done    chan struct{}
}

// worker represents a single worker goroutine
type worker struct {
	id       string
	pool     *Pool
	receiver ports.Receiver
	status   WorkerStatus
	mu       sync.RWMutex
	lastJob  time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool
func NewPool(
	size int,
	runtime *Runtime,
	newReceiver ReceiverFactory,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	pool := &Pool{
		size:        size,
		runtime:     runtime,
		newReceiver: newReceiver,
		metrics:     metrics,
		logger:      logger,
		workers:     make([]*worker, size),
		done:        make(chan struct{}),
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Start starts the workers. They stop when ctx is done, Shutdown is called or
// their receiver is drained. No worker starts unless every receiver could be
// created.
func (p *Pool) Start(ctx context.Context) error {
	if p.size < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}

	workers := make([]*worker, 0, p.size)
	for i := 0; i < p.size; i++ {
		id := fmt.Sprintf("%s-worker-%d", p.runtime.Stage().Endpoint(), i)
		receiver, err := p.newReceiver(id)
		if err != nil {
			return fmt.Errorf("failed to create receiver for %s: %w", id, err)
		}
		workers = append(workers, &worker{
			id:       id,
			pool:     p,
			receiver: receiver,
			status:   WorkerStatusIdle,
			lastJob:  time.Now(),
		})
	}
	p.workers = workers

	p.logger.Info("starting worker pool",
		zap.Int("size", p.size),
		zap.String("stage", string(p.runtime.Stage())))

	ctx, p.cancel = context.WithCancel(ctx)

	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run(ctx)
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Done is closed once every worker has stopped.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Shutdown gracefully shuts down the worker pool
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()

	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Info("worker started", zap.String("worker_id", w.id))

	if err := w.pool.runtime.serve(ctx, w.receiver, w.track(w.pool.runtime.Handle)); err != nil {
		w.pool.logger.Error("worker stopped with error",
			zap.String("worker_id", w.id),
			zap.Error(err))
	}

	w.setStatus(WorkerStatusStopped)
	w.pool.logger.Info("worker stopped", zap.String("worker_id", w.id))
}

// track marks the worker busy while handler runs.
func (w *worker) track(handler ports.Handler) ports.Handler {
	return func(ctx context.Context, msg ports.Message) error {
		w.mu.Lock()
		w.status = WorkerStatusBusy
		w.lastJob = time.Now()
		w.mu.Unlock()

		defer w.setStatus(WorkerStatusIdle)

		return handler(ctx, msg)
	}
}

func (w *worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}
