// Package portalapi implements the HTTP transport for the portal backend's
// session crypto endpoints. Credentials ride on transport cookies, so the
// default client carries a cookie jar; callers already holding an
// authenticated *http.Client can supply their own.
package portalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/caresphere/portalcrypt"
)

const (
	establishPath  = "/crypto/establish-session"
	invalidatePath = "/crypto/invalidate-session"
	bindPath       = "/crypto/bind-session"
)

// DefaultTimeout bounds each call so an unresponsive backend cannot hang a
// handshake indefinitely.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of a response body is read for parsing and
// diagnostics.
const maxResponseBytes = 1 << 20

// Client talks to the portal backend's crypto endpoints.
type Client struct {
	baseURL string
	client  *http.Client
}

// Verify Client implements the transport interface.
var _ portalcrypt.SessionEndpoint = (*Client)(nil)

// Option is used to configure additional options on a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The replacement
// should carry a cookie jar when the backend authenticates the handshake
// via session cookies.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// WithTimeout overrides the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// New creates a Client for the portal backend rooted at baseURL, e.g.
// "https://portal.example.com/api".
func New(baseURL string, opts ...Option) *Client {
	jar, _ := cookiejar.New(nil)

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: DefaultTimeout,
			Jar:     jar,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// EstablishSession POSTs the client's ephemeral public key and device id to
// the establish endpoint. Non-2xx responses and transport failures are both
// returned as *portalcrypt.EstablishmentError.
func (c *Client) EstablishSession(ctx context.Context, req *portalcrypt.EstablishRequest) (*portalcrypt.EstablishResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &portalcrypt.EstablishmentError{Err: errors.Wrap(err, "error serializing establish request")}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+establishPath, bytes.NewReader(body))
	if err != nil {
		return nil, &portalcrypt.EstablishmentError{Err: err}
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &portalcrypt.EstablishmentError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &portalcrypt.EstablishmentError{Err: errors.Wrap(err, "error reading establish response")}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &portalcrypt.EstablishmentError{
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}

	var er portalcrypt.EstablishResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		return nil, &portalcrypt.EstablishmentError{Err: errors.Wrap(err, "error parsing establish response")}
	}

	return &er, nil
}

// InvalidateSession POSTs an invalidation for the given session id. The
// response body is ignored; callers treat any returned error as best-effort
// feedback.
func (c *Client) InvalidateSession(ctx context.Context, sessionID string) error {
	return c.postWithSession(ctx, invalidatePath, sessionID)
}

// BindSession associates the session with the authenticated user after
// login. Failures are expected to be treated as non-fatal by callers.
func (c *Client) BindSession(ctx context.Context, sessionID string) error {
	return c.postWithSession(ctx, bindPath, sessionID)
}

func (c *Client) postWithSession(ctx context.Context, path, sessionID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}

	httpReq.Header.Set(portalcrypt.HeaderSessionID, sessionID)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return errors.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	return nil
}
