package microsoft365

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// client is a thin Graph HTTP client that classifies failures into
// domain.SyncError kinds.
type client struct {
	baseURL    string
	httpClient *http.Client
	token      func(ctx context.Context) (string, error)
}

// graphError is the Graph error envelope.
type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// resolve turns a relative path into a Graph URL. Absolute links returned by
// Graph (nextLink, deltaLink) must point at the same endpoint, otherwise the
// bearer token would leave the tenant's Graph host.
func (c *client) resolve(pathOrURL string) (string, error) {
	if strings.HasPrefix(pathOrURL, "https://") || strings.HasPrefix(pathOrURL, "http://") {
		if !strings.HasPrefix(pathOrURL, c.baseURL+"/") {
			return "", fmt.Errorf("%w: link outside %s", domain.ErrCursorInvalid, c.baseURL)
		}
		return pathOrURL, nil
	}
	return c.baseURL + "/" + strings.TrimPrefix(pathOrURL, "/"), nil
}

// do sends a request and decodes a JSON response into out when non-nil.
func (c *client) do(ctx context.Context, op, method, pathOrURL string, body any, header http.Header, out any) error {
	target, err := c.resolve(pathOrURL)
	if err != nil {
		return domain.NewSyncError(domain.ErrorKindCursorInvalid, op, "delta link rejected", err)
	}

	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return domain.NewSyncError(domain.ErrorKindTransient, op, "graph unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return classify(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewSyncError(domain.ErrorKindInternal, op, "malformed graph response", err)
	}
	return nil
}

func classify(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ge graphError
	_ = json.Unmarshal(raw, &ge)
	cause := fmt.Errorf("graph returned %s: %s %s", resp.Status, ge.Error.Code, ge.Error.Message)

	switch {
	case resp.StatusCode == http.StatusGone, isResyncCode(ge.Error.Code):
		return domain.NewSyncError(domain.ErrorKindCursorInvalid, op, "delta token expired",
			fmt.Errorf("%w: %v", domain.ErrCursorInvalid, cause))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		te := domain.Throttled(op, retryAfter(resp.Header.Get("Retry-After")))
		te.Err = cause
		return te
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return domain.NewSyncError(domain.ErrorKindAuth, op, "graph rejected credentials",
			fmt.Errorf("%w: %v", domain.ErrTokenInvalid, cause))
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %v", domain.ErrNotFound, cause)
	case resp.StatusCode >= 500:
		return domain.NewSyncError(domain.ErrorKindTransient, op, "graph unavailable", cause)
	default:
		return domain.NewSyncError(domain.ErrorKindInternal, op, "graph rejected request", cause)
	}
}

func isResyncCode(code string) bool {
	switch strings.ToLower(code) {
	case "syncstatenotfound", "syncstateinvalid", "resyncrequired":
		return true
	}
	return false
}

// retryAfter parses Retry-After as seconds or an HTTP date.
func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
