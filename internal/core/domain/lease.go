package domain

import "time"

// WebhookLease tracks the push subscription of one connection.
type WebhookLease struct {
	ConnectionID   string    `json:"connection_id"`
	SubscriptionID string    `json:"subscription_id"`
	Resource       string    `json:"resource"`
	ExpiresAt      time.Time `json:"expires_at"`
	RenewedAt      time.Time `json:"renewed_at"`

	// RenewalAttempts counts failed renewals since the last success
	RenewalAttempts int `json:"renewal_attempts"`

	// LastKnownGood is the last instant the subscription was confirmed live
	LastKnownGood time.Time `json:"last_known_good"`

	// Lapsed is set once the lease expired without a successful renewal
	Lapsed bool `json:"lapsed"`
}

// RenewDue reports whether the lease has passed half of the provider's
// maximum lease duration since it was last renewed.
func (l *WebhookLease) RenewDue(now time.Time, maxLease time.Duration) bool {
	if maxLease <= 0 {
		return !now.Before(l.ExpiresAt)
	}
	return !now.Before(l.RenewedAt.Add(maxLease / 2))
}

// Expired reports whether the subscription is no longer delivering.
func (l *WebhookLease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// MarkRenewed records a successful subscribe or renew.
func (l *WebhookLease) MarkRenewed(subscriptionID string, expiresAt, now time.Time) {
	l.SubscriptionID = subscriptionID
	l.ExpiresAt = expiresAt
	l.RenewedAt = now
	l.LastKnownGood = now
	l.RenewalAttempts = 0
	l.Lapsed = false
}
