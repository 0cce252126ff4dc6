package microsoft365

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.Connector = (*Connector)(nil)

// messageFields are the message properties requested from Graph.
var messageFields = []string{
	"subject", "body", "from", "toRecipients", "ccRecipients",
	"receivedDateTime", "lastModifiedDateTime", "conversationId", "webLink",
}

// Connector syncs one mailbox through Graph delta queries.
type Connector struct {
	client   *client
	resource string
	pageSize int
}

type emailAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type message struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	From                 *emailAddress  `json:"from"`
	ToRecipients         []emailAddress `json:"toRecipients"`
	CcRecipients         []emailAddress `json:"ccRecipients"`
	ReceivedDateTime     time.Time      `json:"receivedDateTime"`
	LastModifiedDateTime time.Time      `json:"lastModifiedDateTime"`
	ConversationID       string         `json:"conversationId"`
	WebLink              string         `json:"webLink"`
	Removed              *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type deltaResponse struct {
	Value     []message `json:"value"`
	NextLink  string    `json:"@odata.nextLink"`
	DeltaLink string    `json:"@odata.deltaLink"`
}

type subscriptionBody struct {
	ID                 string    `json:"id,omitempty"`
	ChangeType         string    `json:"changeType,omitempty"`
	NotificationURL    string    `json:"notificationUrl,omitempty"`
	Resource           string    `json:"resource,omitempty"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState,omitempty"`
}

// Capabilities reports push support and the Graph mail subscription limit.
func (c *Connector) Capabilities() driven.ConnectorCapabilities {
	return driven.ConnectorCapabilities{Push: true, MaxLease: MaxLease}
}

// Authenticate checks the token against /me.
func (c *Connector) Authenticate(ctx context.Context) error {
	var me struct {
		ID string `json:"id"`
	}
	return c.client.do(ctx, "authenticate", http.MethodGet, "me?$select=id", nil, nil, &me)
}

// FetchFull enumerates the mailbox. The enumeration is an initial delta
// round, so the last page carries the delta link to continue from.
func (c *Connector) FetchFull(ctx context.Context, pageToken string) (*driven.FullPage, error) {
	target := pageToken
	if target == "" {
		target = c.initialDeltaPath()
	}

	resp, err := c.fetch(ctx, "fetch_full", target)
	if err != nil {
		return nil, err
	}

	page := &driven.FullPage{NextPageToken: resp.NextLink}
	if resp.NextLink == "" {
		page.DeltaCursor = resp.DeltaLink
	}
	for i := range resp.Value {
		m := &resp.Value[i]
		if m.Removed != nil {
			continue
		}
		page.Mutations = append(page.Mutations, toMutation(m, domain.MutationCreate))
	}
	return page, nil
}

// FetchDelta returns the changes since cursor. The cursor is a Graph
// nextLink or deltaLink.
func (c *Connector) FetchDelta(ctx context.Context, cursor string) (*driven.DeltaPage, error) {
	if cursor == "" {
		return nil, domain.NewSyncError(domain.ErrorKindCursorInvalid, "fetch_delta", "no delta cursor", domain.ErrCursorInvalid)
	}

	resp, err := c.fetch(ctx, "fetch_delta", cursor)
	if err != nil {
		return nil, err
	}

	page := &driven.DeltaPage{NextCursor: resp.DeltaLink}
	if resp.NextLink != "" {
		page.NextCursor = resp.NextLink
		page.HasMore = true
	}
	for i := range resp.Value {
		m := &resp.Value[i]
		if m.Removed != nil {
			page.Mutations = append(page.Mutations, &domain.DocumentMutation{
				Op:         domain.MutationDelete,
				NativeID:   m.ID,
				ModifiedAt: time.Now().UTC(),
			})
			continue
		}
		page.Mutations = append(page.Mutations, toMutation(m, domain.MutationUpdate))
	}
	return page, nil
}

func (c *Connector) fetch(ctx context.Context, op, target string) (*deltaResponse, error) {
	header := http.Header{}
	header.Set("Prefer", "odata.maxpagesize="+strconv.Itoa(c.pageSize))

	var resp deltaResponse
	if err := c.client.do(ctx, op, http.MethodGet, target, nil, header, &resp); err != nil {
		return nil, err
	}
	if resp.NextLink == "" && resp.DeltaLink == "" {
		return nil, domain.NewSyncError(domain.ErrorKindInternal, op, "graph page has neither next nor delta link", nil)
	}
	return &resp, nil
}

func (c *Connector) initialDeltaPath() string {
	q := url.Values{}
	q.Set("$select", strings.Join(messageFields, ","))
	return c.resource + "/delta?" + q.Encode()
}

// SubscribeWebhook creates a change notification subscription. The expiry
// is clamped to the Graph maximum.
func (c *Connector) SubscribeWebhook(ctx context.Context, req driven.SubscriptionRequest) (*driven.Subscription, error) {
	resource := req.Resource
	if resource == "" {
		resource = c.resource
	}
	body := subscriptionBody{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    req.NotificationURL,
		Resource:           resource,
		ExpirationDateTime: clampExpiry(req.ExpiresAt),
		ClientState:        req.ClientState,
	}

	var out subscriptionBody
	if err := c.client.do(ctx, "subscribe", http.MethodPost, "subscriptions", body, nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, domain.NewSyncError(domain.ErrorKindInternal, "subscribe", "graph returned no subscription id", nil)
	}
	return &driven.Subscription{ID: out.ID, Resource: out.Resource, ExpiresAt: out.ExpirationDateTime}, nil
}

// RenewWebhook extends a subscription. A subscription Graph no longer knows
// returns domain.ErrNotFound.
func (c *Connector) RenewWebhook(ctx context.Context, subscriptionID string, expiresAt time.Time) (*driven.Subscription, error) {
	body := subscriptionBody{ExpirationDateTime: clampExpiry(expiresAt)}

	var out subscriptionBody
	err := c.client.do(ctx, "renew", http.MethodPatch, "subscriptions/"+url.PathEscape(subscriptionID), body, nil, &out)
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = subscriptionID
	}
	return &driven.Subscription{ID: out.ID, Resource: out.Resource, ExpiresAt: out.ExpirationDateTime}, nil
}

// UnsubscribeWebhook deletes a subscription.
func (c *Connector) UnsubscribeWebhook(ctx context.Context, subscriptionID string) error {
	err := c.client.do(ctx, "unsubscribe", http.MethodDelete, "subscriptions/"+url.PathEscape(subscriptionID), nil, nil, nil)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

func clampExpiry(at time.Time) time.Time {
	limit := time.Now().Add(MaxLease).UTC()
	if at.IsZero() || at.After(limit) {
		return limit
	}
	return at.UTC()
}

// toMutation converts a message. Participants are written as header lines
// ahead of the body so extraction sees them.
func toMutation(m *message, op domain.MutationOp) *domain.DocumentMutation {
	var b strings.Builder
	if m.From != nil {
		fmt.Fprintf(&b, "From: %s\n", formatAddress(*m.From))
	}
	if len(m.ToRecipients) > 0 {
		fmt.Fprintf(&b, "To: %s\n", formatAddresses(m.ToRecipients))
	}
	if len(m.CcRecipients) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", formatAddresses(m.CcRecipients))
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(m.Body.Content)

	mime := "text/plain"
	if strings.EqualFold(m.Body.ContentType, "html") {
		mime = "text/html"
	}

	modified := m.LastModifiedDateTime
	if modified.IsZero() {
		modified = m.ReceivedDateTime
	}

	mut := &domain.DocumentMutation{
		Op:         op,
		NativeID:   m.ID,
		PayloadRef: m.WebLink,
		Title:      m.Subject,
		Content:    b.String(),
		MimeType:   mime,
		ModifiedAt: modified,
	}
	mut.EnsureFingerprint()
	return mut
}

func formatAddress(a emailAddress) string {
	if a.EmailAddress.Name == "" {
		return a.EmailAddress.Address
	}
	return fmt.Sprintf("%s <%s>", a.EmailAddress.Name, a.EmailAddress.Address)
}

func formatAddresses(as []emailAddress) string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = formatAddress(a)
	}
	return strings.Join(out, ", ")
}
