package domain

import "time"

// ProviderKind identifies the remote source behind a connection
type ProviderKind string

const (
	ProviderMicrosoft365 ProviderKind = "microsoft365"
	ProviderGoogle       ProviderKind = "google"
	ProviderSlack        ProviderKind = "slack"
)

// ConnectionStatus represents the lifecycle state of a connection
type ConnectionStatus string

const (
	ConnectionStatusPending ConnectionStatus = "pending"
	ConnectionStatusActive  ConnectionStatus = "active"
	ConnectionStatusError   ConnectionStatus = "error"
	ConnectionStatusRevoked ConnectionStatus = "revoked"
)

// Connection is a tenant's authorized link to one remote source.
type Connection struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	Provider      ProviderKind     `json:"provider"`
	CredentialRef string           `json:"credential_ref"`
	Status        ConnectionStatus `json:"status"`

	// LastError is the status-safe message of the last failure
	LastError string `json:"last_error,omitempty"`

	// ConsecutiveFailures counts failed jobs since the last success
	ConsecutiveFailures int `json:"consecutive_failures"`

	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Halted reports whether automatic syncing is suspended for the connection.
func (c *Connection) Halted() bool {
	return c.Status == ConnectionStatusError || c.Status == ConnectionStatusRevoked
}

// RecordSuccess clears failure tracking after a successful job.
func (c *Connection) RecordSuccess(at time.Time) {
	c.ConsecutiveFailures = 0
	c.LastError = ""
	c.LastSyncAt = &at
	if c.Status == ConnectionStatusPending {
		c.Status = ConnectionStatusActive
	}
	c.UpdatedAt = at
}

// RecordFailure counts a failed job and moves the connection to error once
// maxFailures consecutive failures have been seen. Fatal errors halt at once.
func (c *Connection) RecordFailure(message string, fatal bool, maxFailures int, at time.Time) {
	c.ConsecutiveFailures++
	c.LastError = message
	c.UpdatedAt = at
	if fatal || (maxFailures > 0 && c.ConsecutiveFailures >= maxFailures) {
		c.Status = ConnectionStatusError
	}
}

// Reset returns an errored connection to active and clears its failure count.
func (c *Connection) Reset(at time.Time) {
	if c.Status == ConnectionStatusError {
		c.Status = ConnectionStatusActive
	}
	c.ConsecutiveFailures = 0
	c.LastError = ""
	c.UpdatedAt = at
}
