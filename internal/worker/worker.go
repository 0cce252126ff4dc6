package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// JobExecutor runs one sync job. A nil error means the job reached a
// terminal state; an error asks for redelivery.
type JobExecutor interface {
	Execute(ctx context.Context, job *domain.SyncJob) error
}

// Poller is a background loop started and stopped with the worker.
type Poller interface {
	Start(ctx context.Context) error
	Stop()
}

// Worker pulls sync jobs from the job queue and executes them.
type Worker struct {
	queue     driven.JobQueue
	executor  JobExecutor
	scheduler Poller
	logger    *slog.Logger

	// Configuration
	concurrency    int
	dequeueTimeout time.Duration
	busyDelay      time.Duration
	retryDelay     time.Duration

	// Internal state
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WorkerConfig holds configuration for the worker.
type WorkerConfig struct {
	Queue          driven.JobQueue
	Executor       JobExecutor
	Scheduler      Poller // Optional: polling loop run alongside the workers
	Logger         *slog.Logger
	Concurrency    int           // Number of concurrent job processors
	DequeueTimeout time.Duration // How long to wait for a job before checking again (default: 5s)
	BusyDelay      time.Duration // Redelivery delay when the connection is locked elsewhere (default: 15s)
	RetryDelay     time.Duration // Redelivery delay after other execution errors (default: 5s)
}

// NewWorker creates a new job worker.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	dequeueTimeout := cfg.DequeueTimeout
	if dequeueTimeout <= 0 {
		dequeueTimeout = 5 * time.Second
	}
	busyDelay := cfg.BusyDelay
	if busyDelay <= 0 {
		busyDelay = 15 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}

	return &Worker{
		queue:          cfg.Queue,
		executor:       cfg.Executor,
		scheduler:      cfg.Scheduler,
		logger:         logger,
		concurrency:    concurrency,
		dequeueTimeout: dequeueTimeout,
		busyDelay:      busyDelay,
		retryDelay:     retryDelay,
	}
}

// Start begins the worker loop.
// It runs until Stop is called or context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("worker starting",
		"concurrency", w.concurrency,
		"dequeue_timeout", w.dequeueTimeout,
	)

	// Start the scheduler if provided
	if w.scheduler != nil {
		if err := w.scheduler.Start(ctx); err != nil {
			w.logger.Error("failed to start scheduler", "error", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.processLoop(ctx, workerID)
		}(i)
	}

	go func() {
		wg.Wait()
		close(w.doneCh)
	}()

	return nil
}

// Stop gracefully stops the worker. Jobs in flight run to completion.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	if w.scheduler != nil {
		w.scheduler.Stop()
	}

	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopped")
}

// Wait blocks until the worker stops.
func (w *Worker) Wait() {
	<-w.doneCh
}

// processLoop is the main processing loop for a worker goroutine.
func (w *Worker) processLoop(ctx context.Context, workerID int) {
	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Debug("worker stop signal received")
			return
		default:
		}

		job, err := w.queue.DequeueWithTimeout(ctx, w.dequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Error("failed to dequeue job", "error", err)
			select {
			case <-ctx.Done():
			case <-w.stopCh:
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		w.processJob(ctx, job, logger)
	}
}

// processJob executes a single job and acks or redelivers it.
func (w *Worker) processJob(ctx context.Context, job *domain.SyncJob, logger *slog.Logger) {
	logger = logger.With("job_id", job.ID, "connection_id", job.ConnectionID, "kind", job.Kind)
	startTime := time.Now()

	err := w.executor.Execute(ctx, job)
	duration := time.Since(startTime)

	// Queue bookkeeping outlives shutdown so the job is not lost.
	qctx := context.WithoutCancel(ctx)
	if err != nil {
		delay := w.retryDelay
		if errors.Is(err, domain.ErrSyncInProgress) {
			delay = w.busyDelay
			logger.Debug("connection busy, redelivering job", "delay", delay)
		} else {
			logger.Warn("job execution deferred", "duration", duration, "delay", delay, "error", err)
		}
		if nackErr := w.queue.Nack(qctx, job.ID, delay); nackErr != nil {
			logger.Error("failed to nack job", "nack_error", nackErr)
		}
		return
	}

	logger.Debug("job processed", "duration", duration)
	if ackErr := w.queue.Ack(qctx, job.ID); ackErr != nil {
		logger.Error("failed to ack job", "ack_error", ackErr)
	}
}

// Health returns health status of the worker.
type Health struct {
	Running     bool               `json:"running"`
	QueueHealth bool               `json:"queue_health"`
	Queue       *driven.QueueStats `json:"queue,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Health returns the health status of the worker.
func (w *Worker) Health(ctx context.Context) Health {
	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()

	health := Health{
		Running: running,
	}

	if err := w.queue.Ping(ctx); err != nil {
		health.QueueHealth = false
		health.Error = err.Error()
		return health
	}
	health.QueueHealth = true
	if stats, err := w.queue.Stats(ctx); err == nil {
		health.Queue = stats
	}

	return health
}
