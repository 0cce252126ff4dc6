package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driving"
)

// Ensure Scheduler implements the driving ports
var (
	_ driving.SyncService = (*Scheduler)(nil)
	_ driving.LeaseEvents = (*Scheduler)(nil)
)

// errDisconnected cancels or fences a run whose connection was revoked.
var errDisconnected = domain.NewSyncError(domain.ErrorKindInternal, "sync",
	"connection disconnected during sync", domain.ErrConnectionHalted)

// LeaseTeardown removes a connection's webhook subscription.
type LeaseTeardown interface {
	Teardown(ctx context.Context, connectionID string) error
}

// Scheduler owns the sync job lifecycle. It admits at most one queued or
// running job per connection, executes jobs handed out by the worker pool,
// retries failures with jittered backoff and halts connections that keep
// failing.
//
// On worker nodes it also runs a polling loop that requests delta syncs for
// connections that have not synced within SyncInterval. For multi-instance
// deployments, configure a DistributedLock so only one instance polls and
// only one worker runs a given connection at a time.
type Scheduler struct {
	connections driven.ConnectionStore
	jobs        driven.JobStore
	checkpoints driven.CheckpointStore
	leases      driven.LeaseStore
	queue       driven.JobQueue
	lock        driven.DistributedLock
	connectors  driven.ConnectorFactory
	reconciler  *Reconciler
	sink        MutationSink
	teardown    LeaseTeardown
	logger      *slog.Logger

	backoff      domain.Backoff
	maxFailures  int
	jobTimeout   time.Duration
	maxStaleness time.Duration
	syncInterval time.Duration

	// Internal state
	mu       sync.RWMutex
	runs     map[string]*activeRun
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	interval time.Duration

	// Lock configuration
	lockTTL      time.Duration
	lockRequired bool
}

// activeRun is a job executing on this instance.
type activeRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	Connections driven.ConnectionStore
	Jobs        driven.JobStore
	Checkpoints driven.CheckpointStore
	Leases      driven.LeaseStore // Optional: lease fields of GetStatus stay empty when nil
	Queue       driven.JobQueue
	Lock        driven.DistributedLock // Optional: distributed lock for multi-instance coordination
	Connectors  driven.ConnectorFactory
	Reconciler  *Reconciler
	Sink        MutationSink
	Logger      *slog.Logger

	Backoff                domain.Backoff // Retry delay for failed jobs (default: 5s..10m, 50% jitter)
	MaxConsecutiveFailures int            // Failures before a connection halts (default: 5)
	JobTimeout             time.Duration  // Deadline of a single job (default: 30m)
	MaxStaleness           time.Duration  // Upper bound of a catch-up window (default: 24h)
	SyncInterval           time.Duration  // Age after which the poller requests a delta sync (default: 15m)
	PollInterval           time.Duration  // How often to check for stale connections (default: 1m)
	LockTTL                time.Duration  // TTL for distributed locks (default: 2m)
	LockRequired           bool           // If true, skip polling when the lock cannot be acquired (default: true)
}

// NewScheduler creates a new scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backoff := cfg.Backoff
	if backoff.Base <= 0 {
		backoff = domain.DefaultBackoff()
	}
	maxFailures := cfg.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Minute
	}
	maxStaleness := cfg.MaxStaleness
	if maxStaleness <= 0 {
		maxStaleness = 24 * time.Hour
	}
	syncInterval := cfg.SyncInterval
	if syncInterval <= 0 {
		syncInterval = 15 * time.Minute
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}

	// A provided lock is always required unless explicitly relaxed
	lockRequired := cfg.LockRequired
	if cfg.Lock != nil && !cfg.LockRequired {
		lockRequired = true
	}

	return &Scheduler{
		connections:  cfg.Connections,
		jobs:         cfg.Jobs,
		checkpoints:  cfg.Checkpoints,
		leases:       cfg.Leases,
		queue:        cfg.Queue,
		lock:         cfg.Lock,
		connectors:   cfg.Connectors,
		reconciler:   cfg.Reconciler,
		sink:         cfg.Sink,
		logger:       logger,
		backoff:      backoff,
		maxFailures:  maxFailures,
		jobTimeout:   jobTimeout,
		maxStaleness: maxStaleness,
		syncInterval: syncInterval,
		interval:     interval,
		lockTTL:      lockTTL,
		lockRequired: lockRequired,
		runs:         make(map[string]*activeRun),
	}
}

// SetLeaseTeardown wires the lease manager used by Disconnect.
func (s *Scheduler) SetLeaseTeardown(t LeaseTeardown) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown = t
}

// RequestSync enqueues a sync job. When the connection already has a queued
// or running job, that job's ID is returned instead.
func (s *Scheduler) RequestSync(ctx context.Context, connectionID string, kind domain.JobKind) (string, error) {
	return s.admit(ctx, connectionID, kind, 0)
}

// OnLeaseLapsed enqueues one catch-up job covering the time since missedSince,
// bounded by MaxStaleness.
func (s *Scheduler) OnLeaseLapsed(ctx context.Context, connectionID string, missedSince time.Time) (string, error) {
	window := time.Since(missedSince)
	if window < 0 {
		window = 0
	}
	if window > s.maxStaleness {
		window = s.maxStaleness
	}
	return s.admit(ctx, connectionID, domain.JobKindCatchUp, window)
}

func (s *Scheduler) admit(ctx context.Context, connectionID string, kind domain.JobKind, window time.Duration) (string, error) {
	switch kind {
	case domain.JobKindFull, domain.JobKindDelta, domain.JobKindCatchUp:
	default:
		return "", fmt.Errorf("%w: job kind %q", domain.ErrInvalidInput, kind)
	}

	conn, err := s.connections.Get(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if conn.Halted() {
		return "", domain.ErrConnectionHalted
	}

	job := domain.NewSyncJob(conn, kind, s.jobTimeout)
	job.StalenessWindow = window

	current, created, err := s.jobs.CreateIfIdle(ctx, job)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if !created {
		s.logger.Debug("sync request coalesced",
			"connection_id", connectionID,
			"requested_kind", kind,
			"job_id", current.ID,
			"job_kind", current.Kind,
		)
		return current.ID, nil
	}

	if err := s.enqueue(ctx, current); err != nil {
		return "", err
	}
	s.logger.Info("sync job queued",
		"connection_id", connectionID,
		"job_id", current.ID,
		"kind", kind,
		"staleness_window", window,
	)
	return current.ID, nil
}

// enqueue hands a stored job to the queue. A job that cannot be queued is
// failed so it does not hold the connection's slot.
func (s *Scheduler) enqueue(ctx context.Context, job *domain.SyncJob) error {
	if err := s.queue.Enqueue(ctx, job); err != nil {
		job.MarkFailed(domain.ErrorKindInternal, "job could not be queued")
		if uerr := s.jobs.Update(context.WithoutCancel(ctx), job); uerr != nil {
			s.logger.Error("failed to release unqueued job", "job_id", job.ID, "error", uerr)
		}
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// GetStatus reports the connection's sync state, its last finished job and
// any queued or running job with live counters.
func (s *Scheduler) GetStatus(ctx context.Context, connectionID string) (*domain.SyncStatus, error) {
	conn, err := s.connections.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	state, phase := s.reconciler.State(connectionID)
	status := &domain.SyncStatus{
		ConnectionID:     connectionID,
		ConnectionStatus: conn.Status,
		State:            state,
		CursorKind:       domain.CursorKindNone,
	}

	if last, err := s.jobs.LastTerminal(ctx, connectionID); err == nil {
		status.LastJob = last
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load last job: %w", err)
	}
	if active, err := s.jobs.Active(ctx, connectionID); err == nil {
		status.ActiveJob = active
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load active job: %w", err)
	}

	if cp, err := s.checkpoints.Get(ctx, connectionID); err == nil {
		status.CursorKind = cp.CursorKind
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if state == domain.ReconcilerSyncing && phase == domain.CursorKindFullInProgress {
		status.CursorKind = domain.CursorKindFullInProgress
	}

	if s.leases != nil {
		if lease, err := s.leases.Get(ctx, connectionID); err == nil {
			expires := lease.ExpiresAt
			status.LeaseExpiresAt = &expires
			status.LeaseLapsed = lease.Lapsed
		}
	}
	return status, nil
}

// Disconnect revokes the connection and drops its lease and checkpoint.
// Indexed data is kept. A job running on this instance is cancelled and
// awaited first; one running elsewhere sees the revoked status before its
// next checkpoint write and stops.
func (s *Scheduler) Disconnect(ctx context.Context, connectionID string) error {
	conn, err := s.connections.Get(ctx, connectionID)
	if err != nil {
		return err
	}

	conn.Status = domain.ConnectionStatusRevoked
	conn.UpdatedAt = time.Now()
	if err := s.connections.Save(ctx, conn); err != nil {
		return fmt.Errorf("save connection: %w", err)
	}

	if err := s.stopRun(ctx, connectionID); err != nil {
		return err
	}

	s.mu.RLock()
	teardown := s.teardown
	s.mu.RUnlock()
	if teardown != nil {
		if err := teardown.Teardown(ctx, connectionID); err != nil {
			s.logger.Warn("webhook teardown failed", "connection_id", connectionID, "error", err)
		}
	} else if s.leases != nil {
		if err := s.leases.Delete(ctx, connectionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("delete lease: %w", err)
		}
	}

	if err := s.checkpoints.Delete(ctx, connectionID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	s.reconciler.Forget(connectionID)

	s.logger.Info("connection disconnected", "connection_id", connectionID)
	return nil
}

// stopRun cancels the connection's job running on this instance, if any, and
// waits for it to record its outcome.
func (s *Scheduler) stopRun(ctx context.Context, connectionID string) error {
	s.mu.RLock()
	run := s.runs[connectionID]
	s.mu.RUnlock()
	if run == nil {
		return nil
	}

	run.cancel(errDisconnected)
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers a running job; the returned func unregisters it.
func (s *Scheduler) track(connectionID string, cancel context.CancelCauseFunc) func() {
	run := &activeRun{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.runs[connectionID] = run
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if s.runs[connectionID] == run {
			delete(s.runs, connectionID)
		}
		s.mu.Unlock()
		close(run.done)
	}
}

// Reset returns a connection in error state to active so syncing resumes.
func (s *Scheduler) Reset(ctx context.Context, connectionID string) error {
	conn, err := s.connections.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.Status == domain.ConnectionStatusRevoked {
		return domain.ErrConnectionHalted
	}
	conn.Reset(time.Now())
	if err := s.connections.Save(ctx, conn); err != nil {
		return fmt.Errorf("save connection: %w", err)
	}
	s.logger.Info("connection reset", "connection_id", connectionID)
	return nil
}

// Execute runs a queued job to completion. It returns nil once the job is
// terminal in the audit log, and an error when the job could not be run now
// and should be redelivered.
func (s *Scheduler) Execute(ctx context.Context, queued *domain.SyncJob) error {
	job, err := s.jobs.Get(ctx, queued.ID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Terminal() {
		return nil
	}
	logger := s.logger.With("job_id", job.ID, "connection_id", job.ConnectionID, "kind", job.Kind)

	conn, err := s.connections.Get(ctx, job.ConnectionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.finish(ctx, job, domain.ErrorKindInternal, "connection no longer exists", logger)
			return nil
		}
		return fmt.Errorf("load connection: %w", err)
	}
	if conn.Halted() {
		s.finish(ctx, job, domain.ErrorKindInternal, fmt.Sprintf("connection is %s", conn.Status), logger)
		return nil
	}

	release, err := s.acquireConnection(ctx, conn.ID, logger)
	if err != nil {
		return err
	}
	defer release()

	job.MarkRunning()
	if err := s.jobs.Update(ctx, job); err != nil {
		if errors.Is(err, domain.ErrJobFinalized) {
			return nil
		}
		return fmt.Errorf("mark job running: %w", err)
	}
	logger.Info("sync job started", "attempt", job.Attempt)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	finished := s.track(conn.ID, cancel)
	defer finished()
	if deadline := job.Deadline(); !deadline.IsZero() {
		var stop context.CancelFunc
		runCtx, stop = context.WithDeadline(runCtx, deadline)
		defer stop()
	}

	stats, runErr := s.run(runCtx, conn, job, logger)
	if runErr == nil {
		s.succeed(ctx, conn, job, stats, logger)
		return nil
	}

	kind := domain.KindOf(runErr)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		kind = domain.ErrorKindTimeout
	}
	if errors.Is(context.Cause(runCtx), errDisconnected) {
		runErr = errDisconnected
		kind = domain.ErrorKindInternal
	}
	s.fail(ctx, conn, job, kind, runErr, logger)
	return nil
}

func (s *Scheduler) run(ctx context.Context, conn *domain.Connection, job *domain.SyncJob, logger *slog.Logger) (*ReconcileStats, error) {
	connector, err := s.connectors.Create(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("create connector: %w", err)
	}
	if err := connector.Authenticate(ctx); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	persist := func() {
		mu.Lock()
		snapshot := *job
		snapshot.Errors = append([]domain.JobError(nil), job.Errors...)
		mu.Unlock()
		if err := s.jobs.Update(ctx, &snapshot); err != nil {
			logger.Warn("failed to persist job progress", "error", err)
		}
	}

	return s.reconciler.Run(ctx, ReconcileRequest{
		Connection: conn,
		Connector:  connector,
		Kind:       job.Kind,
		Sink:       s.sink,
		OnPage: func(st ReconcileStats) {
			mu.Lock()
			job.DocumentsProcessed = st.Processed
			job.DocumentsFailed = st.Failed
			mu.Unlock()
			persist()
		},
		OnDocumentError: func(documentID string, err error) {
			mu.Lock()
			job.AddError(domain.JobError{
				Kind:       domain.KindOf(err),
				Message:    domain.MessageOf(err),
				DocumentID: documentID,
			})
			mu.Unlock()
		},
		BeforeCommit: func(ctx context.Context) error {
			current, err := s.connections.Get(ctx, conn.ID)
			if err != nil {
				return fmt.Errorf("load connection: %w", err)
			}
			if current.Status == domain.ConnectionStatusRevoked {
				return errDisconnected
			}
			return nil
		},
	})
}

// reload returns the stored connection so outcomes are recorded against
// changes made while the job ran, such as a disconnect. It falls back to
// the copy the job started with.
func (s *Scheduler) reload(ctx context.Context, conn *domain.Connection, logger *slog.Logger) *domain.Connection {
	current, err := s.connections.Get(ctx, conn.ID)
	if err != nil {
		logger.Warn("failed to reload connection", "error", err)
		return conn
	}
	return current
}

func (s *Scheduler) succeed(ctx context.Context, conn *domain.Connection, job *domain.SyncJob, stats *ReconcileStats, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	job.DocumentsProcessed = stats.Processed
	job.DocumentsFailed = stats.Failed
	job.MarkSucceeded()
	if err := s.jobs.Update(ctx, job); err != nil {
		logger.Error("failed to record job success", "error", err)
	}

	conn = s.reload(ctx, conn, logger)
	if conn.Status == domain.ConnectionStatusRevoked {
		// The last commit may have landed after Disconnect dropped the checkpoint.
		if err := s.checkpoints.Delete(ctx, conn.ID); err != nil {
			logger.Error("failed to drop checkpoint of disconnected connection", "error", err)
		}
		logger.Info("connection disconnected during sync, status left revoked")
	} else {
		conn.RecordSuccess(time.Now())
		if err := s.connections.Save(ctx, conn); err != nil {
			logger.Error("failed to save connection", "error", err)
		}
	}

	logger.Info("sync job succeeded",
		"documents_processed", stats.Processed,
		"documents_failed", stats.Failed,
		"pages", stats.Pages,
		"checkpoint_writes", stats.CheckpointWrites,
		"full_resync", stats.FullResync,
	)
}

// fail records a failed job, updates the connection's failure count and
// schedules a retry unless the failure is fatal or the connection halted.
func (s *Scheduler) fail(ctx context.Context, conn *domain.Connection, job *domain.SyncJob, kind domain.ErrorKind, cause error, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	message := domain.MessageOf(cause)
	s.finish(ctx, job, kind, message, logger)

	conn = s.reload(ctx, conn, logger)
	if conn.Status == domain.ConnectionStatusRevoked {
		logger.Info("sync job stopped, connection disconnected", "error", cause)
		return
	}

	conn.RecordFailure(message, kind == domain.ErrorKindAuth, s.maxFailures, time.Now())
	if err := s.connections.Save(ctx, conn); err != nil {
		logger.Error("failed to save connection", "error", err)
	}

	logger.Error("sync job failed",
		"failure_kind", kind,
		"consecutive_failures", conn.ConsecutiveFailures,
		"error", cause,
	)

	switch {
	case conn.Halted():
		logger.Error("connection halted, automatic sync suspended until reset",
			"consecutive_failures", conn.ConsecutiveFailures,
		)
		return
	case !kind.Retryable():
		logger.Error("non-retryable sync failure, not retrying", "failure_kind", kind)
		return
	}

	delay := s.backoff.Delay(job.Attempt)
	retry := job.NextAttempt(delay)
	current, created, err := s.jobs.CreateIfIdle(ctx, retry)
	if err != nil {
		logger.Error("failed to create retry job", "error", err)
		return
	}
	if !created {
		logger.Debug("retry superseded by queued job", "queued_job_id", current.ID)
		return
	}
	if err := s.enqueue(ctx, current); err != nil {
		logger.Error("failed to queue retry job", "error", err)
		return
	}
	logger.Info("sync retry scheduled",
		"retry_job_id", current.ID,
		"attempt", current.Attempt,
		"delay", delay,
	)
}

func (s *Scheduler) finish(ctx context.Context, job *domain.SyncJob, kind domain.ErrorKind, message string, logger *slog.Logger) {
	job.MarkFailed(kind, message)
	if err := s.jobs.Update(context.WithoutCancel(ctx), job); err != nil && !errors.Is(err, domain.ErrJobFinalized) {
		logger.Error("failed to record job failure", "error", err)
	}
}

// acquireConnection takes the per-connection lock and keeps extending it
// until the returned release func is called.
func (s *Scheduler) acquireConnection(ctx context.Context, connectionID string, logger *slog.Logger) (func(), error) {
	if s.lock == nil {
		return func() {}, nil
	}

	name := "sync:" + connectionID
	acquired, err := s.lock.Acquire(ctx, name, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire connection lock: %w", err)
	}
	if !acquired {
		return nil, domain.ErrSyncInProgress
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.lock.Extend(ctx, name, s.lockTTL); err != nil {
					logger.Warn("failed to extend connection lock", "error", err)
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		if err := s.lock.Release(context.WithoutCancel(ctx), name); err != nil {
			logger.Warn("failed to release connection lock", "error", err)
		}
	}, nil
}

// Start begins the polling loop.
// It runs until Stop is called or context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting", "poll_interval", s.interval, "sync_interval", s.syncInterval)

	go s.loop(ctx)

	return nil
}

// Stop gracefully stops the polling loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.checkAndEnqueue(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler context cancelled")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkAndEnqueue(ctx)
		}
	}
}

// checkAndEnqueue requests delta syncs for active connections whose last
// successful sync is older than SyncInterval. With a distributed lock only
// one instance polls per cycle.
func (s *Scheduler) checkAndEnqueue(ctx context.Context) {
	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx, "scheduler", s.lockTTL)
		if err != nil {
			s.logger.Warn("failed to acquire scheduler lock", "error", err)
			if s.lockRequired {
				return
			}
		} else if !acquired {
			s.logger.Debug("scheduler lock held by another instance, skipping cycle")
			return
		} else {
			defer func() {
				if err := s.lock.Release(context.WithoutCancel(ctx), "scheduler"); err != nil {
					s.logger.Warn("failed to release scheduler lock", "error", err)
				}
			}()
		}
	}

	conns, err := s.connections.List(ctx, domain.ConnectionStatusActive)
	if err != nil {
		s.logger.Error("failed to list connections", "error", err)
		return
	}

	cutoff := time.Now().Add(-s.syncInterval)
	for _, conn := range conns {
		if conn.LastSyncAt != nil && conn.LastSyncAt.After(cutoff) {
			continue
		}
		if _, err := s.RequestSync(ctx, conn.ID, domain.JobKindDelta); err != nil {
			s.logger.Error("failed to request scheduled sync",
				"connection_id", conn.ID,
				"error", err,
			)
		}
	}
}
