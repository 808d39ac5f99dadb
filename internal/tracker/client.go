package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	perr "flowsync/internal/platform/errors"
	"flowsync/internal/platform/logger"
)

const (
	defaultTimeout = 10 * time.Second
	defaultLimit   = 1000
)

// Options configures the Client
type Options struct {
	BaseURL string // tracker origin, e.g. http://localhost:5600
	Timeout time.Duration
}

// Client reads from the local tracker server's /api/0 surface
type Client struct {
	http *http.Client
	base string
	log  logger.Logger
	now  func() time.Time
}

// New creates a Client with sane defaults
func New(o Options) *Client {
	if o.BaseURL == "" {
		o.BaseURL = "http://localhost:5600"
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	return &Client{
		http: &http.Client{Timeout: o.Timeout},
		base: o.BaseURL + "/api/0",
		log:  *logger.Named("tracker"),
		now:  time.Now,
	}
}

// get issues a GET and decodes the JSON body into out
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeUnknown, "tracker new request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeTrackerUnreachable, "tracker unreachable at %s", c.base)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return perr.Trackerf("tracker api %s returned %d: %s", path, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeJSON, "decode tracker response for %s", path)
	}
	return nil
}

// Info returns the server info document (version, hostname, ...)
func (c *Client) Info(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.get(ctx, "/info", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsRunning reports whether the tracker server answers /info
func (c *Client) IsRunning(ctx context.Context) bool {
	_, err := c.Info(ctx)
	return err == nil
}

// Hostname returns the hostname the tracker reports, or "unknown"
func (c *Client) Hostname(ctx context.Context) string {
	info, err := c.Info(ctx)
	if err != nil {
		return "unknown"
	}
	if h, ok := info["hostname"].(string); ok && h != "" {
		return h
	}
	return "unknown"
}

// Buckets returns all buckets keyed by id
func (c *Client) Buckets(ctx context.Context) (map[string]Bucket, error) {
	var raw map[string]bucketDoc
	if err := c.get(ctx, "/buckets/", nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]Bucket, len(raw))
	for id, doc := range raw {
		b, err := bucketFromDoc(id, doc)
		if err != nil {
			c.log.Warn().Err(err).Str("bucket", id).Msg("skipping malformed bucket")
			continue
		}
		out[id] = b
	}
	return out, nil
}

// bucketsOfKind filters Buckets by normalized kind
func (c *Client) bucketsOfKind(ctx context.Context, kind Kind) ([]Bucket, error) {
	all, err := c.Buckets(ctx)
	if err != nil {
		return nil, err
	}
	var out []Bucket
	for _, b := range all {
		if b.Kind() == kind {
			out = append(out, b)
		}
	}
	return out, nil
}

// WindowBuckets returns all window watcher buckets
func (c *Client) WindowBuckets(ctx context.Context) ([]Bucket, error) {
	return c.bucketsOfKind(ctx, KindWindow)
}

// AFKBuckets returns all afk watcher buckets
func (c *Client) AFKBuckets(ctx context.Context) ([]Bucket, error) {
	return c.bucketsOfKind(ctx, KindAFK)
}

// WebBuckets returns all web watcher buckets
func (c *Client) WebBuckets(ctx context.Context) ([]Bucket, error) {
	return c.bucketsOfKind(ctx, KindWeb)
}

// InputBuckets returns all input watcher buckets
func (c *Client) InputBuckets(ctx context.Context) ([]Bucket, error) {
	return c.bucketsOfKind(ctx, KindInput)
}

// Events returns events from a bucket, newest first as the tracker serves
// them. Zero start/end mean unbounded; limit <= 0 uses the default
func (c *Client) Events(ctx context.Context, bucketID string, start, end time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	q := url.Values{"limit": []string{strconv.Itoa(limit)}}
	if !start.IsZero() {
		q.Set("start", start.UTC().Format(time.RFC3339Nano))
	}
	if !end.IsZero() {
		q.Set("end", end.UTC().Format(time.RFC3339Nano))
	}
	var out []Event
	if err := c.get(ctx, fmt.Sprintf("/buckets/%s/events", url.PathEscape(bucketID)), q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EventsSince returns events between since and now; convenience for
// incremental pulls
func (c *Client) EventsSince(ctx context.Context, bucketID string, since time.Time, limit int) ([]Event, error) {
	return c.Events(ctx, bucketID, since, c.now(), limit)
}
