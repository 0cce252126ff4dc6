package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// Connector talks to one provider on behalf of one connection.
// Errors are classified with domain.SyncError: throttled errors carry the
// provider's retry hint, rejected delta cursors wrap domain.ErrCursorInvalid,
// and revoked credentials are ErrorKindAuth.
type Connector interface {
	// Capabilities describes what the provider supports.
	Capabilities() ConnectorCapabilities

	// Authenticate verifies that the connection's credentials are usable.
	Authenticate(ctx context.Context) error

	// FetchFull returns one page of a full enumeration.
	// Pass an empty page token for the first page.
	FetchFull(ctx context.Context, pageToken string) (*FullPage, error)

	// FetchDelta returns the changes since cursor.
	FetchDelta(ctx context.Context, cursor string) (*DeltaPage, error)

	// SubscribeWebhook creates a push subscription.
	SubscribeWebhook(ctx context.Context, req SubscriptionRequest) (*Subscription, error)

	// RenewWebhook extends an existing subscription.
	RenewWebhook(ctx context.Context, subscriptionID string, expiresAt time.Time) (*Subscription, error)

	// UnsubscribeWebhook deletes a subscription. Missing subscriptions are not an error.
	UnsubscribeWebhook(ctx context.Context, subscriptionID string) error
}

// ConnectorCapabilities describes a provider
type ConnectorCapabilities struct {
	// Push is true when the provider can deliver change notifications
	Push bool

	// MaxLease is the longest subscription the provider grants
	MaxLease time.Duration
}

// FullPage is one page of a full enumeration
type FullPage struct {
	Mutations []*domain.DocumentMutation

	// NextPageToken is empty on the last page
	NextPageToken string

	// DeltaCursor is set on the last page and resumes incremental sync from
	// the point the enumeration started
	DeltaCursor string
}

// DeltaPage is one page of changes since a cursor
type DeltaPage struct {
	Mutations []*domain.DocumentMutation

	// NextCursor resumes after this page
	NextCursor string

	// HasMore is true when more changes are immediately available
	HasMore bool
}

// SubscriptionRequest asks the provider to push notifications
type SubscriptionRequest struct {
	NotificationURL string

	// Resource overrides the connector's default resource when set
	Resource    string
	ClientState string
	ExpiresAt   time.Time
}

// Subscription is a provider push subscription
type Subscription struct {
	ID        string
	Resource  string
	ExpiresAt time.Time
}

// ConnectorBuilder creates connectors for one provider kind.
type ConnectorBuilder interface {
	// Provider returns the provider kind this builder creates.
	Provider() domain.ProviderKind

	// Build creates a connector bound to the connection's credentials.
	Build(ctx context.Context, conn *domain.Connection) (Connector, error)
}

// ConnectorFactory manages connector builders and creates connectors.
type ConnectorFactory interface {
	// Register registers a connector builder for a provider kind.
	Register(builder ConnectorBuilder)

	// Create creates a connector for the given connection.
	Create(ctx context.Context, conn *domain.Connection) (Connector, error)

	// SupportedProviders returns all registered provider kinds.
	SupportedProviders() []domain.ProviderKind
}

// CredentialResolver turns a connection's credential reference into a bearer token.
type CredentialResolver interface {
	AccessToken(ctx context.Context, credentialRef string) (string, error)
}
