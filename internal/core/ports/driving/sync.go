package driving

import (
	"context"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// SyncService is the control surface of the sync engine
type SyncService interface {
	// RequestSync enqueues a sync for a connection. Concurrent requests for a
	// connection that already has a queued or running job return that job's ID.
	RequestSync(ctx context.Context, connectionID string, kind domain.JobKind) (string, error)

	// GetStatus returns the last finished job and any running job
	GetStatus(ctx context.Context, connectionID string) (*domain.SyncStatus, error)

	// Disconnect tears down the webhook lease and checkpoint of a connection
	Disconnect(ctx context.Context, connectionID string) error

	// Reset clears the error state of a connection so automatic syncing resumes
	Reset(ctx context.Context, connectionID string) error
}

// LeaseEvents receives urgency signals from the webhook lease manager
type LeaseEvents interface {
	// OnLeaseLapsed enqueues one catch-up job covering notifications missed since missedSince
	OnLeaseLapsed(ctx context.Context, connectionID string, missedSince time.Time) (string, error)
}

// NotificationSink accepts webhook hints. Notifications carry no payload
// semantics; they only trigger a delta sync.
type NotificationSink interface {
	Notify(ctx context.Context, connectionID string) error
}
