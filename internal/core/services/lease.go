package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driving"
)

// Ensure LeaseManager implements NotificationSink
var _ driving.NotificationSink = (*LeaseManager)(nil)

// SyncRequester is the part of the scheduler the lease manager drives.
type SyncRequester interface {
	driving.LeaseEvents
	RequestSync(ctx context.Context, connectionID string, kind domain.JobKind) (string, error)
}

// LeaseManager keeps webhook subscriptions alive. Leases are renewed once
// half of the provider's maximum lease has elapsed. A lease found expired is
// flagged lapsed and the scheduler is asked for exactly one catch-up sync
// covering the time since expiry, even when the resubscribe succeeds. A
// failing lease that would expire before the next sweep is rechecked at its
// expiry instead.
type LeaseManager struct {
	leases          driven.LeaseStore
	connections     driven.ConnectionStore
	connectors      driven.ConnectorFactory
	issuer          driven.ClientStateIssuer
	scheduler       SyncRequester
	notificationURL string
	backoff         domain.Backoff
	maxAttempts     int
	interval        time.Duration
	logger          *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	rechecks map[string]*time.Timer
	runCtx   context.Context
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// LeaseManagerConfig holds configuration for the lease manager.
type LeaseManagerConfig struct {
	Leases           driven.LeaseStore
	Connections      driven.ConnectionStore
	Connectors       driven.ConnectorFactory
	Issuer           driven.ClientStateIssuer
	Scheduler        SyncRequester
	NotificationURL  string         // Public URL of the webhook receiver
	Backoff          domain.Backoff // Delay between renewal attempts (default: 1s..30s)
	MaxRenewAttempts int            // Renewal attempts per cycle (default: 3)
	SweepInterval    time.Duration  // How often all leases are checked (default: 5m)
	Logger           *slog.Logger
}

// NewLeaseManager creates a lease manager.
func NewLeaseManager(cfg LeaseManagerConfig) *LeaseManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := cfg.Backoff
	if backoff.Base <= 0 {
		backoff = domain.Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.2}
	}
	attempts := cfg.MaxRenewAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &LeaseManager{
		leases:          cfg.Leases,
		connections:     cfg.Connections,
		connectors:      cfg.Connectors,
		issuer:          cfg.Issuer,
		scheduler:       cfg.Scheduler,
		notificationURL: cfg.NotificationURL,
		backoff:         backoff,
		maxAttempts:     attempts,
		interval:        interval,
		logger:          logger,
		rechecks:        make(map[string]*time.Timer),
	}
}

// EnsureLease subscribes or renews the connection's webhook as needed.
// Concurrent calls for one connection share a single renewal.
func (m *LeaseManager) EnsureLease(ctx context.Context, connectionID string) (*domain.WebhookLease, error) {
	v, err, _ := m.group.Do(connectionID, func() (interface{}, error) {
		return m.ensure(ctx, connectionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.WebhookLease), nil
}

func (m *LeaseManager) ensure(ctx context.Context, connectionID string) (*domain.WebhookLease, error) {
	conn, err := m.connections.Get(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	if conn.Halted() {
		return nil, domain.ErrConnectionHalted
	}
	connector, err := m.connectors.Create(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("create connector: %w", err)
	}
	caps := connector.Capabilities()
	if !caps.Push {
		return nil, domain.ErrLeaseUnsupported
	}

	lease, err := m.leases.Get(ctx, connectionID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		lease = &domain.WebhookLease{ConnectionID: connectionID}
	case err != nil:
		return nil, fmt.Errorf("load lease: %w", err)
	}

	now := time.Now()
	fresh := lease.SubscriptionID == "" || lease.Lapsed || lease.Expired(now)
	if !fresh && !lease.RenewDue(now, caps.MaxLease) {
		return lease, nil
	}
	// Notifications may already have been missed, whatever the renewal does.
	missed := !lease.Lapsed && lease.SubscriptionID != "" && lease.Expired(now)
	missedSince := lease.ExpiresAt

	logger := m.logger.With("connection_id", connectionID, "subscription_id", lease.SubscriptionID)
	sub, attempts, err := m.renewWithRetry(ctx, connector, conn, lease, fresh, caps.MaxLease)
	if err == nil {
		if lease.Lapsed {
			logger.Info("webhook lease restored", "subscription_id", sub.ID)
		}
		lease.MarkRenewed(sub.ID, sub.ExpiresAt, time.Now())
		if sub.Resource != "" {
			lease.Resource = sub.Resource
		}
		if err := m.leases.Save(ctx, lease); err != nil {
			return nil, fmt.Errorf("save lease: %w", err)
		}
		if missed {
			if _, lerr := m.catchUp(ctx, connectionID, missedSince, logger); lerr != nil {
				logger.Error("failed to schedule catch-up for expired lease", "error", lerr)
			}
		}
		logger.Debug("webhook lease renewed", "expires_at", lease.ExpiresAt)
		return lease, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	lease.RenewalAttempts += attempts
	logger.Warn("webhook lease renewal failed",
		"attempts", lease.RenewalAttempts,
		"expires_at", lease.ExpiresAt,
		"error", err,
	)

	now = time.Now()
	switch {
	case lease.Lapsed || lease.SubscriptionID == "":
	case lease.Expired(now):
		if _, lerr := m.catchUp(ctx, connectionID, lease.ExpiresAt, logger); lerr != nil {
			// Lapsed stays false so the next sweep signals again.
			logger.Error("failed to schedule catch-up for lapsed lease", "error", lerr)
		} else {
			lease.Lapsed = true
		}
	case lease.ExpiresAt.Before(now.Add(m.interval)):
		m.recheckAt(connectionID, lease.ExpiresAt)
		logger.Warn("webhook lease expires before the next sweep, recheck scheduled", "expires_at", lease.ExpiresAt)
	}
	if serr := m.leases.Save(ctx, lease); serr != nil {
		return nil, fmt.Errorf("save lease: %w", serr)
	}
	return lease, fmt.Errorf("renew webhook lease: %w", err)
}

// recheckAt runs EnsureLease for the connection once at. Pending rechecks
// are dropped by Stop.
func (m *LeaseManager) recheckAt(connectionID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rechecks[connectionID]; ok {
		return
	}
	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	m.rechecks[connectionID] = time.AfterFunc(time.Until(at)+10*time.Millisecond, func() {
		m.mu.Lock()
		delete(m.rechecks, connectionID)
		m.mu.Unlock()
		if _, err := m.EnsureLease(ctx, connectionID); err != nil {
			m.logger.Debug("lease recheck failed", "connection_id", connectionID, "error", err)
		}
	})
}

func (m *LeaseManager) catchUp(ctx context.Context, connectionID string, missedSince time.Time, logger *slog.Logger) (string, error) {
	jobID, err := m.scheduler.OnLeaseLapsed(ctx, connectionID, missedSince)
	if err != nil {
		return "", err
	}
	logger.Warn("webhook lease lapsed, catch-up scheduled",
		"missed_since", missedSince,
		"job_id", jobID,
	)
	return jobID, nil
}

// renewWithRetry renews an existing subscription, or creates one when there
// is none or the old one has expired at the provider.
func (m *LeaseManager) renewWithRetry(ctx context.Context, connector driven.Connector, conn *domain.Connection, lease *domain.WebhookLease, fresh bool, maxLease time.Duration) (*driven.Subscription, int, error) {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		expiresAt := time.Now().Add(maxLease)
		var sub *driven.Subscription
		var err error
		if fresh {
			sub, err = m.subscribe(ctx, connector, conn, lease.Resource, expiresAt)
		} else {
			sub, err = connector.RenewWebhook(ctx, lease.SubscriptionID, expiresAt)
		}
		if err == nil {
			return sub, attempt, nil
		}
		lastErr = err
		if domain.KindOf(err) == domain.ErrorKindAuth {
			return nil, attempt, err
		}
		if attempt < m.maxAttempts {
			if err := sleepCtx(ctx, m.backoff.Delay(attempt)); err != nil {
				return nil, attempt, err
			}
		}
	}
	return nil, m.maxAttempts, lastErr
}

func (m *LeaseManager) subscribe(ctx context.Context, connector driven.Connector, conn *domain.Connection, resource string, expiresAt time.Time) (*driven.Subscription, error) {
	state, err := m.issuer.Issue(conn.ID, conn.TenantID)
	if err != nil {
		return nil, fmt.Errorf("issue client state: %w", err)
	}
	return connector.SubscribeWebhook(ctx, driven.SubscriptionRequest{
		NotificationURL: m.notificationURL,
		Resource:        resource,
		ClientState:     state,
		ExpiresAt:       expiresAt,
	})
}

// Notify turns a webhook hint into a delta sync request.
func (m *LeaseManager) Notify(ctx context.Context, connectionID string) error {
	jobID, err := m.scheduler.RequestSync(ctx, connectionID, domain.JobKindDelta)
	if err != nil {
		return err
	}
	m.logger.Debug("webhook notification accepted", "connection_id", connectionID, "job_id", jobID)
	return nil
}

// Teardown unsubscribes the connection's webhook (best effort) and drops the lease.
func (m *LeaseManager) Teardown(ctx context.Context, connectionID string) error {
	lease, err := m.leases.Get(ctx, connectionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load lease: %w", err)
	}

	if lease.SubscriptionID != "" {
		if err := m.unsubscribe(ctx, connectionID, lease.SubscriptionID); err != nil {
			m.logger.Warn("failed to unsubscribe webhook",
				"connection_id", connectionID,
				"subscription_id", lease.SubscriptionID,
				"error", err,
			)
		}
	}
	if err := m.leases.Delete(ctx, connectionID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

func (m *LeaseManager) unsubscribe(ctx context.Context, connectionID, subscriptionID string) error {
	conn, err := m.connections.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	connector, err := m.connectors.Create(ctx, conn)
	if err != nil {
		return err
	}
	return connector.UnsubscribeWebhook(ctx, subscriptionID)
}

// Sweep checks every active connection once.
func (m *LeaseManager) Sweep(ctx context.Context) {
	conns, err := m.connections.List(ctx, domain.ConnectionStatusActive)
	if err != nil {
		m.logger.Error("failed to list connections for lease sweep", "error", err)
		return
	}
	for _, conn := range conns {
		if ctx.Err() != nil {
			return
		}
		_, err := m.EnsureLease(ctx, conn.ID)
		if err != nil && !errors.Is(err, domain.ErrLeaseUnsupported) {
			m.logger.Warn("lease sweep failed", "connection_id", conn.ID, "error", err)
		}
	}
}

// Start runs Sweep every SweepInterval until Stop is called or ctx is cancelled.
func (m *LeaseManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.runCtx = ctx
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("lease manager starting", "sweep_interval", m.interval)

	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.Sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Stop stops the sweep loop.
func (m *LeaseManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	for id, t := range m.rechecks {
		t.Stop()
		delete(m.rechecks, id)
	}
	m.mu.Unlock()

	<-m.doneCh

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.logger.Info("lease manager stopped")
}
