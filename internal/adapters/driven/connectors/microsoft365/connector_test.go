package microsoft365

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

type staticToken struct {
	token string
	err   error
}

func (s staticToken) AccessToken(ctx context.Context, ref string) (string, error) {
	return s.token, s.err
}

func newTestConnector(t *testing.T, handler http.HandlerFunc) (*Connector, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	b := NewBuilder(Config{GraphURL: srv.URL, PageSize: 2}, staticToken{token: "tok"})
	c, err := b.Build(context.Background(), &domain.Connection{ID: "c1", Provider: domain.ProviderMicrosoft365, CredentialRef: "cred-1"})
	require.NoError(t, err)
	return c.(*Connector), srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestBuilder_RequiresCredentialRef(t *testing.T) {
	b := NewBuilder(Config{}, staticToken{})
	assert.Equal(t, domain.ProviderMicrosoft365, b.Provider())

	_, err := b.Build(context.Background(), &domain.Connection{ID: "c1"})
	assert.Error(t, err)
}

func TestConnector_Capabilities(t *testing.T) {
	c, _ := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {})
	caps := c.Capabilities()
	assert.True(t, caps.Push)
	assert.Equal(t, 4230*time.Minute, caps.MaxLease)
}

func TestConnector_FetchFull_Pages(t *testing.T) {
	var srvURL string
	c, srv := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "odata.maxpagesize=2", r.Header.Get("Prefer"))

		switch {
		case strings.HasSuffix(r.URL.Path, "/messages/delta") && r.URL.Query().Get("page") == "":
			assert.Contains(t, r.URL.Query().Get("$select"), "subject")
			writeJSON(w, map[string]any{
				"value": []map[string]any{
					{
						"id":      "m1",
						"subject": "Quarterly plan",
						"body":    map[string]any{"contentType": "html", "content": "<p>Hello</p>"},
						"from":    map[string]any{"emailAddress": map[string]any{"name": "Ada", "address": "ada@example.com"}},
						"webLink": "https://outlook/m1",
						"lastModifiedDateTime": "2026-01-02T03:04:05Z",
					},
				},
				"@odata.nextLink": srvURL + "/me/mailFolders('Inbox')/messages/delta?page=2",
			})
		default:
			writeJSON(w, map[string]any{
				"value": []map[string]any{
					{"id": "m2", "subject": "Re", "body": map[string]any{"contentType": "text", "content": "ok"}},
					{"id": "gone", "@removed": map[string]any{"reason": "deleted"}},
				},
				"@odata.deltaLink": srvURL + "/me/mailFolders('Inbox')/messages/delta?deltatoken=abc",
			})
		}
	})
	srvURL = srv.URL

	first, err := c.FetchFull(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, first.Mutations, 1)
	m := first.Mutations[0]
	assert.Equal(t, domain.MutationCreate, m.Op)
	assert.Equal(t, "m1", m.NativeID)
	assert.Equal(t, "text/html", m.MimeType)
	assert.Equal(t, "https://outlook/m1", m.PayloadRef)
	assert.Contains(t, m.Content, "From: Ada <ada@example.com>")
	assert.NotEmpty(t, m.Fingerprint)
	assert.NotEmpty(t, first.NextPageToken)
	assert.Empty(t, first.DeltaCursor)

	second, err := c.FetchFull(context.Background(), first.NextPageToken)
	require.NoError(t, err)
	require.Len(t, second.Mutations, 1, "removed items are skipped during enumeration")
	assert.Equal(t, "text/plain", second.Mutations[0].MimeType)
	assert.Empty(t, second.NextPageToken)
	assert.Contains(t, second.DeltaCursor, "deltatoken=abc")
}

func TestConnector_FetchDelta(t *testing.T) {
	var srvURL string
	c, srv := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("deltatoken") == "abc" {
			writeJSON(w, map[string]any{
				"value": []map[string]any{
					{"id": "m1", "subject": "edited", "body": map[string]any{"contentType": "text", "content": "v2"}},
					{"id": "m2", "@removed": map[string]any{"reason": "deleted"}},
				},
				"@odata.nextLink": srvURL + "/me/messages/delta?skiptoken=s1",
			})
			return
		}
		writeJSON(w, map[string]any{
			"value":            []map[string]any{},
			"@odata.deltaLink": srvURL + "/me/messages/delta?deltatoken=def",
		})
	})
	srvURL = srv.URL

	page, err := c.FetchDelta(context.Background(), srv.URL+"/me/messages/delta?deltatoken=abc")
	require.NoError(t, err)
	require.Len(t, page.Mutations, 2)
	assert.Equal(t, domain.MutationUpdate, page.Mutations[0].Op)
	assert.Equal(t, domain.MutationDelete, page.Mutations[1].Op)
	assert.Empty(t, page.Mutations[1].Fingerprint)
	assert.True(t, page.HasMore)

	page, err = c.FetchDelta(context.Background(), page.NextCursor)
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	assert.Contains(t, page.NextCursor, "deltatoken=def")
}

func TestConnector_FetchDelta_RejectsForeignLink(t *testing.T) {
	c, _ := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	})

	_, err := c.FetchDelta(context.Background(), "https://attacker.example/steal")
	assert.ErrorIs(t, err, domain.ErrCursorInvalid)

	_, err = c.FetchDelta(context.Background(), "")
	assert.Equal(t, domain.ErrorKindCursorInvalid, domain.KindOf(err))
}

func TestConnector_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "gone is cursor invalid",
			status: http.StatusGone,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, domain.ErrCursorInvalid)
				assert.Equal(t, domain.ErrorKindCursorInvalid, domain.KindOf(err))
			},
		},
		{
			name:   "sync state not found is cursor invalid",
			status: http.StatusBadRequest,
			body:   `{"error":{"code":"SyncStateNotFound","message":"expired"}}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, domain.ErrCursorInvalid)
			},
		},
		{
			name:   "too many requests is throttled with hint",
			status: http.StatusTooManyRequests,
			header: map[string]string{"Retry-After": "7"},
			check: func(t *testing.T, err error) {
				assert.Equal(t, domain.ErrorKindThrottled, domain.KindOf(err))
				assert.Equal(t, 7*time.Second, domain.RetryAfterOf(err))
			},
		},
		{
			name:   "service unavailable is throttled",
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, err error) {
				assert.Equal(t, domain.ErrorKindThrottled, domain.KindOf(err))
			},
		},
		{
			name:   "unauthorized is auth",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				assert.Equal(t, domain.ErrorKindAuth, domain.KindOf(err))
				assert.ErrorIs(t, err, domain.ErrTokenInvalid)
			},
		},
		{
			name:   "server error is transient",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				assert.Equal(t, domain.ErrorKindTransient, domain.KindOf(err))
			},
		},
		{
			name:   "bad request is internal",
			status: http.StatusBadRequest,
			body:   `{"error":{"code":"BadRequest","message":"nope"}}`,
			check: func(t *testing.T, err error) {
				assert.Equal(t, domain.ErrorKindInternal, domain.KindOf(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.FetchDelta(context.Background(), srv.URL+"/me/messages/delta?deltatoken=x")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestConnector_CredentialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	}))
	defer srv.Close()

	authErr := domain.NewSyncError(domain.ErrorKindAuth, "credentials", "credential expired", domain.ErrTokenInvalid)
	b := NewBuilder(Config{GraphURL: srv.URL}, staticToken{err: authErr})
	c, err := b.Build(context.Background(), &domain.Connection{ID: "c1", CredentialRef: "cred-1"})
	require.NoError(t, err)

	err = c.Authenticate(context.Background())
	assert.Equal(t, domain.ErrorKindAuth, domain.KindOf(err))
}

func TestConnector_Subscriptions(t *testing.T) {
	var created subscriptionBody
	c, _ := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/subscriptions":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&created))
			created.ID = "sub-1"
			writeJSON(w, created)
		case r.Method == http.MethodPatch && r.URL.Path == "/subscriptions/sub-1":
			var body subscriptionBody
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			writeJSON(w, map[string]any{"id": "sub-1", "resource": created.Resource, "expirationDateTime": body.ExpirationDateTime})
		case r.Method == http.MethodPatch:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	sub, err := c.SubscribeWebhook(context.Background(), driven.SubscriptionRequest{
		NotificationURL: "https://hooks.example/notify",
		ClientState:     "state",
		ExpiresAt:       time.Now().Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)
	assert.Equal(t, DefaultResource, created.Resource)
	assert.Equal(t, "created,updated,deleted", created.ChangeType)
	assert.Equal(t, "state", created.ClientState)
	assert.True(t, sub.ExpiresAt.Before(time.Now().Add(MaxLease+time.Minute)), "expiry is clamped")

	renewAt := time.Now().Add(time.Hour).Truncate(time.Second)
	renewed, err := c.RenewWebhook(context.Background(), "sub-1", renewAt)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.Equal(renewAt))

	_, err = c.RenewWebhook(context.Background(), "sub-missing", renewAt)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	assert.NoError(t, c.UnsubscribeWebhook(context.Background(), "sub-1"))
}
