// Package remote speaks to the sync backend: auth, event batches, sessions,
// heartbeats, and config pulls. Transient failures retry with backoff;
// 401/403 classify as auth errors and never retry in-band
package remote

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	perr "flowsync/internal/platform/errors"
	"flowsync/internal/platform/logger"
	"flowsync/internal/platform/retry"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "FlowSync-Agent/1.0"
)

// Options configures the Client
type Options struct {
	APIURL     string
	WebBaseURL string // explicit web app origin; derived from APIURL when empty
	Token      string
	DeviceID   string
	Compress   bool
	Timeout    time.Duration
	Retry      retry.Policy
}

// Client is the backend HTTP client. Credentials may be swapped at runtime
// (re-login) while calls are in flight
type Client struct {
	http    *http.Client
	apiURL  string
	webBase string
	comp    bool
	policy  retry.Policy

	mu       sync.RWMutex
	token    string
	deviceID string

	log logger.Logger
	now func() time.Time
}

// New creates a Client with sane defaults
func New(o Options) *Client {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = retry.DefaultPolicy()
	}
	return &Client{
		http:     &http.Client{Timeout: o.Timeout},
		apiURL:   strings.TrimRight(o.APIURL, "/"),
		webBase:  strings.TrimRight(o.WebBaseURL, "/"),
		comp:     o.Compress,
		policy:   o.Retry,
		token:    o.Token,
		deviceID: o.DeviceID,
		log:      *logger.Named("remote"),
		now:      time.Now,
	}
}

// Close releases pooled connections
func (c *Client) Close() { c.http.CloseIdleConnections() }

// SetCredentials installs a new token and device id
func (c *Client) SetCredentials(token, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.deviceID = deviceID
}

// ClearCredentials removes authentication state
func (c *Client) ClearCredentials() { c.SetCredentials("", "") }

// HasCredentials reports whether a token is installed
func (c *Client) HasCredentials() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// WebBaseURL returns the web app origin, derived from the API URL when not
// set explicitly. "https://flow.example/api/agent" -> "https://flow.example".
// localhost is rewritten to the loopback IP; some local setups route the
// hostname differently
func (c *Client) WebBaseURL() string {
	if c.webBase != "" {
		return c.webBase
	}
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return c.apiURL
	}
	host := u.Hostname()
	port := ""
	if p := u.Port(); p != "" {
		port = ":" + p
	}
	if host == "localhost" {
		return u.Scheme + "://127.0.0.1" + port
	}
	return u.Scheme + "://" + u.Host
}

func (c *Client) headers(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	c.mu.RLock()
	token, deviceID := c.token, c.deviceID
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if deviceID != "" {
		req.Header.Set("X-Device-ID", deviceID)
	}
}

// request performs one API call, unwrapping the {success, data, meta}
// envelope. compress applies only to non-empty POST bodies
func (c *Client) request(ctx context.Context, method, endpoint string, body any, compress, withRetry bool) (json.RawMessage, error) {
	u := c.apiURL + "/" + strings.TrimLeft(endpoint, "/")

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeJSON, "encode request body")
		}
	}
	gzipped := compress && c.comp && method == http.MethodPost && len(payload) > 0
	if gzipped {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeUnknown, "gzip request body")
		}
		if err := zw.Close(); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeUnknown, "gzip request body")
		}
		payload = buf.Bytes()
	}

	do := func(ctx context.Context) (json.RawMessage, error) {
		var rdr io.Reader
		if len(payload) > 0 {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rdr)
		if err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeUnknown, "new request")
		}
		c.headers(req)
		if len(payload) > 0 {
			req.Header.Set("Content-Type", "application/json")
			if gzipped {
				req.Header.Set("Content-Encoding", "gzip")
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeTransient, "cannot reach api at %s", c.apiURL)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeTransient, "read response")
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, perr.Authf("invalid or expired api token")
		case resp.StatusCode == http.StatusForbidden:
			return nil, perr.Authf("device not authorized")
		case resp.StatusCode >= 500:
			return nil, perr.Transientf("server error %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, perr.Permanentf("api error (%d): %s", resp.StatusCode, errorMessage(raw))
		}

		return unwrapEnvelope(raw), nil
	}

	if !withRetry {
		return do(ctx)
	}
	var out json.RawMessage
	err := retry.Do(ctx, c.policy, nil, func(ctx context.Context) error {
		var err error
		out, err = do(ctx)
		return err
	})
	return out, err
}

// unwrapEnvelope strips the backend's {success, data, meta} wrapper
func unwrapEnvelope(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Data != nil {
		return env.Data
	}
	return raw
}

// errorMessage digs a human-readable message out of an error body
func errorMessage(raw []byte) string {
	var doc struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &doc); err == nil && doc.Message != "" {
		return doc.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsNetwork reports whether err means the backend is unreachable (as opposed
// to rejecting the request); such batches divert to the offline queue
func IsNetwork(err error) bool {
	code := perr.CodeOf(err)
	return code == perr.ErrorCodeTransient || code == perr.ErrorCodeRetryExhausted
}
