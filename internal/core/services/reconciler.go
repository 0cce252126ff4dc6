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
	"github.com/custodia-labs/evergreen-sync/internal/logging"
)

// MutationSink consumes the ordered mutation stream of a reconcile run.
// An error fails that document only; the run continues.
type MutationSink interface {
	Apply(ctx context.Context, conn *domain.Connection, m *domain.DocumentMutation) error
}

// ReconcileStats are the running counters of one reconcile run
type ReconcileStats struct {
	Pages            int
	Processed        int
	Failed           int
	CheckpointWrites int
	FullResync       bool
	Cursor           string
}

// ReconcileRequest describes one reconcile run
type ReconcileRequest struct {
	Connection *domain.Connection
	Connector  driven.Connector
	Kind       domain.JobKind
	Sink       MutationSink

	// OnPage is called after every applied page
	OnPage func(ReconcileStats)

	// OnDocumentError is called for every document the sink rejected
	OnDocumentError func(documentID string, err error)

	// BeforeCommit is called right before every checkpoint write. An error
	// aborts the run without writing.
	BeforeCommit func(ctx context.Context) error
}

// Reconciler drives the per-connection sync state machine
// (idle -> syncing -> indexed, syncing -> error -> idle).
//
// A full enumeration writes the checkpoint once, after the last page, so an
// interrupted full pass restarts from scratch. A delta run writes the new
// cursor after every page with compare-and-swap against the version it read;
// losing a CAS means another writer touched the checkpoint, which is an
// invariant violation and aborts the run.
type Reconciler struct {
	checkpoints     driven.CheckpointStore
	limiter         *RateLimiter
	backoff         domain.Backoff
	maxPageAttempts int
	logger          *slog.Logger

	mu     sync.Mutex
	states map[string]reconcilerEntry
}

type reconcilerEntry struct {
	state domain.ReconcilerState
	phase domain.CursorKind
}

// ReconcilerConfig holds configuration for the reconciler.
type ReconcilerConfig struct {
	Checkpoints     driven.CheckpointStore
	Limiter         *RateLimiter
	PageBackoff     domain.Backoff // Delay between transient page failures (default: 1s..30s)
	MaxPageAttempts int            // Attempts per page before failing (default: 4)
	Logger          *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxPageAttempts
	if attempts <= 0 {
		attempts = 4
	}
	backoff := cfg.PageBackoff
	if backoff.Base <= 0 {
		backoff = domain.Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.2}
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(RateLimiterConfig{Logger: logger})
	}
	return &Reconciler{
		checkpoints:     cfg.Checkpoints,
		limiter:         limiter,
		backoff:         backoff,
		maxPageAttempts: attempts,
		logger:          logger,
		states:          make(map[string]reconcilerEntry),
	}
}

// State returns the state machine position and the cursor phase of a connection.
func (r *Reconciler) State(connectionID string) (domain.ReconcilerState, domain.CursorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.states[connectionID]
	if !ok {
		return domain.ReconcilerIdle, domain.CursorKindNone
	}
	return e.state, e.phase
}

// Forget drops in-memory state of a disconnected connection.
func (r *Reconciler) Forget(connectionID string) {
	r.mu.Lock()
	delete(r.states, connectionID)
	r.mu.Unlock()
	r.limiter.Forget(connectionID)
}

func (r *Reconciler) transition(connectionID string, to domain.ReconcilerState, phase domain.CursorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.states[connectionID]
	if !ok {
		cur = reconcilerEntry{state: domain.ReconcilerIdle}
	}
	if cur.state == domain.ReconcilerError && to == domain.ReconcilerSyncing {
		cur.state = domain.ReconcilerIdle
	}
	if cur.state != to && !cur.state.CanTransition(to) {
		r.logger.Error("invalid reconciler transition",
			"connection_id", connectionID,
			"from", cur.state,
			"to", to,
		)
	}
	r.states[connectionID] = reconcilerEntry{state: to, phase: phase}
}

// Run performs one reconcile pass for the request's connection.
func (r *Reconciler) Run(ctx context.Context, req ReconcileRequest) (*ReconcileStats, error) {
	conn := req.Connection
	logger := r.logger.With("connection_id", conn.ID, "tenant_id", conn.TenantID, "kind", req.Kind)
	stats := &ReconcileStats{}

	cp, err := r.checkpoints.Get(ctx, conn.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return stats, fmt.Errorf("load checkpoint: %w", err)
		}
		cp = &domain.SyncCheckpoint{ConnectionID: conn.ID, CursorKind: domain.CursorKindNone}
	}

	if req.Kind == domain.JobKindFull || !cp.HasDeltaCursor() {
		r.transition(conn.ID, domain.ReconcilerSyncing, domain.CursorKindFullInProgress)
		err = r.runFull(ctx, req, cp.Version, stats, logger)
	} else {
		r.transition(conn.ID, domain.ReconcilerSyncing, domain.CursorKindDelta)
		err = r.runDelta(ctx, req, cp, stats, logger)
	}

	if err != nil {
		r.transition(conn.ID, domain.ReconcilerError, domain.CursorKindNone)
		return stats, err
	}
	r.transition(conn.ID, domain.ReconcilerIndexed, domain.CursorKindDelta)
	return stats, nil
}

func (r *Reconciler) runFull(ctx context.Context, req ReconcileRequest, expectedVersion int64, stats *ReconcileStats, logger *slog.Logger) error {
	conn := req.Connection
	logger.Info("starting full enumeration")

	pageToken := ""
	for {
		page, err := fetchWithRetry(ctx, r, conn, "fetch_full", func(ctx context.Context) (*driven.FullPage, error) {
			return req.Connector.FetchFull(ctx, pageToken)
		})
		if err != nil {
			return err
		}

		for _, m := range page.Mutations {
			if m.Op != domain.MutationDelete {
				m.Op = domain.MutationCreate
			}
			if err := r.apply(ctx, req, m, stats); err != nil {
				return err
			}
		}
		stats.Pages++
		if req.OnPage != nil {
			req.OnPage(*stats)
		}

		if page.NextPageToken == "" {
			cp := &domain.SyncCheckpoint{
				ConnectionID:  conn.ID,
				Cursor:        page.DeltaCursor,
				CursorKind:    domain.CursorKindDelta,
				LastAppliedAt: time.Now(),
			}
			if page.DeltaCursor == "" {
				cp.CursorKind = domain.CursorKindNone
			}
			if _, err := r.commit(ctx, req, cp, expectedVersion, stats); err != nil {
				return err
			}
			logger.Info("full enumeration complete",
				"pages", stats.Pages,
				"documents", stats.Processed,
			)
			return nil
		}
		pageToken = page.NextPageToken
	}
}

func (r *Reconciler) runDelta(ctx context.Context, req ReconcileRequest, cp *domain.SyncCheckpoint, stats *ReconcileStats, logger *slog.Logger) error {
	conn := req.Connection
	cursor := cp.Cursor
	version := cp.Version

	for {
		page, err := fetchWithRetry(ctx, r, conn, "fetch_delta", func(ctx context.Context) (*driven.DeltaPage, error) {
			return req.Connector.FetchDelta(ctx, cursor)
		})
		if err != nil {
			if domain.KindOf(err) == domain.ErrorKindCursorInvalid {
				return r.resync(ctx, req, version, stats, logger)
			}
			return err
		}

		for _, m := range page.Mutations {
			if err := r.apply(ctx, req, m, stats); err != nil {
				return err
			}
		}
		stats.Pages++

		if page.NextCursor != "" {
			next := &domain.SyncCheckpoint{
				ConnectionID:  conn.ID,
				Cursor:        page.NextCursor,
				CursorKind:    domain.CursorKindDelta,
				LastAppliedAt: time.Now(),
			}
			if version, err = r.commit(ctx, req, next, version, stats); err != nil {
				return err
			}
			cursor = page.NextCursor
		}
		if req.OnPage != nil {
			req.OnPage(*stats)
		}

		if !page.HasMore || page.NextCursor == "" {
			return nil
		}
	}
}

// resync clears an invalidated cursor and falls back to full enumeration.
func (r *Reconciler) resync(ctx context.Context, req ReconcileRequest, version int64, stats *ReconcileStats, logger *slog.Logger) error {
	logger.Log(ctx, logging.LevelNotice, "delta cursor invalidated by provider, starting full resync")
	stats.FullResync = true

	cleared := &domain.SyncCheckpoint{
		ConnectionID: req.Connection.ID,
		CursorKind:   domain.CursorKindNone,
	}
	version, err := r.commit(ctx, req, cleared, version, stats)
	if err != nil {
		return err
	}
	r.transition(req.Connection.ID, domain.ReconcilerSyncing, domain.CursorKindFullInProgress)
	return r.runFull(ctx, req, version, stats, logger)
}

func (r *Reconciler) commit(ctx context.Context, req ReconcileRequest, cp *domain.SyncCheckpoint, expectedVersion int64, stats *ReconcileStats) (int64, error) {
	if req.BeforeCommit != nil {
		if err := req.BeforeCommit(ctx); err != nil {
			return 0, err
		}
	}
	version, err := r.checkpoints.CompareAndSwap(ctx, cp, expectedVersion)
	if err != nil {
		if errors.Is(err, domain.ErrCheckpointConflict) {
			r.logger.Error("checkpoint compare-and-swap conflict",
				"connection_id", cp.ConnectionID,
				"expected_version", expectedVersion,
			)
			return 0, domain.NewSyncError(domain.ErrorKindInvariant, "checkpoint", "checkpoint modified concurrently", err)
		}
		return 0, fmt.Errorf("write checkpoint: %w", err)
	}
	stats.CheckpointWrites++
	stats.Cursor = cp.Cursor
	return version, nil
}

func (r *Reconciler) apply(ctx context.Context, req ReconcileRequest, m *domain.DocumentMutation, stats *ReconcileStats) error {
	m.EnsureFingerprint()
	if err := req.Sink.Apply(ctx, req.Connection, m); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, domain.ErrWriteUnrecorded) {
			// Nothing will retry this document, so the cursor must not move past it.
			return err
		}
		stats.Failed++
		if req.OnDocumentError != nil {
			req.OnDocumentError(m.NativeID, err)
		}
		return nil
	}
	stats.Processed++
	return nil
}

// fetchWithRetry calls fetch through the rate limiter, retrying transient
// and throttled failures with backoff.
func fetchWithRetry[T any](ctx context.Context, r *Reconciler, conn *domain.Connection, op string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= r.maxPageAttempts; attempt++ {
		if err := r.limiter.Wait(ctx, conn.ID, conn.Provider); err != nil {
			return zero, err
		}

		page, err := fetch(ctx)
		if err == nil {
			return page, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		lastErr = err

		switch domain.KindOf(err) {
		case domain.ErrorKindThrottled:
			r.limiter.Throttle(conn.ID, conn.Provider, domain.RetryAfterOf(err))
		case domain.ErrorKindTransient:
			r.logger.Warn("transient provider error",
				"connection_id", conn.ID,
				"op", op,
				"attempt", attempt,
				"error", err,
			)
			if attempt < r.maxPageAttempts {
				if err := sleepCtx(ctx, r.backoff.Delay(attempt)); err != nil {
					return zero, err
				}
			}
		default:
			return zero, err
		}
	}
	return zero, fmt.Errorf("%s: attempts exhausted: %w", op, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
