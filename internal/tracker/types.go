// Package tracker reads buckets and events from the local tracker HTTP API
package tracker

import (
	"encoding/json"
	"time"

	perr "flowsync/internal/platform/errors"
)

// Bucket type strings as reported by the tracker server. The rust server
// reports "aw-watcher-window"/"aw-watcher-afk"; older servers report
// "currentwindow"/"afkstatus"
const (
	BucketTypeWindow    = "currentwindow"
	BucketTypeWindowAlt = "aw-watcher-window"
	BucketTypeAFK       = "afkstatus"
	BucketTypeAFKAlt    = "aw-watcher-afk"
	BucketTypeWeb       = "aw-watcher-web"
	BucketTypeInput     = "aw-watcher-input"
)

// Kind is the normalized bucket classification
type Kind string

// Normalized bucket kinds
const (
	KindWindow  Kind = "window"
	KindWeb     Kind = "web"
	KindAFK     Kind = "afk"
	KindInput   Kind = "input"
	KindUnknown Kind = "unknown"
)

// KindOf normalizes a raw bucket type string, honoring legacy aliases
func KindOf(bucketType string) Kind {
	switch bucketType {
	case BucketTypeWindow, BucketTypeWindowAlt:
		return KindWindow
	case BucketTypeAFK, BucketTypeAFKAlt:
		return KindAFK
	case BucketTypeWeb:
		return KindWeb
	case BucketTypeInput:
		return KindInput
	default:
		return KindUnknown
	}
}

// Event is a single tracker observation. A currently-open event may be
// re-observed with a longer duration on later reads
type Event struct {
	ID        int64
	Timestamp time.Time
	Duration  float64 // seconds
	Data      map[string]any
}

type eventDoc struct {
	ID        int64          `json:"id"`
	Timestamp string         `json:"timestamp"`
	Duration  float64        `json:"duration"`
	Data      map[string]any `json:"data"`
}

// UnmarshalJSON decodes the tracker wire form, parsing ISO-8601 timestamps
func (e *Event) UnmarshalJSON(b []byte) error {
	var doc eventDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return perr.Wrap(err, perr.ErrorCodeJSON, "decode event")
	}
	ts, err := ParseTimestamp(doc.Timestamp)
	if err != nil {
		return err
	}
	e.ID = doc.ID
	e.Timestamp = ts
	e.Duration = doc.Duration
	e.Data = doc.Data
	return nil
}

// MarshalJSON encodes back to the tracker wire form with a UTC timestamp
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventDoc{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Duration:  e.Duration,
		Data:      e.Data,
	})
}

// EndTime returns the instant the event's observed span ends
func (e Event) EndTime() time.Time {
	return e.Timestamp.Add(time.Duration(e.Duration * float64(time.Second)))
}

// App returns data.app, or ""
func (e Event) App() string { return e.str("app") }

// Title returns data.title, or ""
func (e Event) Title() string { return e.str("title") }

// URL returns data.url, or ""
func (e Event) URL() string { return e.str("url") }

// Status returns data.status ("afk" / "not-afk"), or ""
func (e Event) Status() string { return e.str("status") }

// Presses returns data.presses as an int
func (e Event) Presses() int { return e.num("presses") }

// Clicks returns data.clicks as an int
func (e Event) Clicks() int { return e.num("clicks") }

// Scrolls returns data.scrolls as an int
func (e Event) Scrolls() int { return e.num("scrolls") }

func (e Event) str(key string) string {
	if e.Data == nil {
		return ""
	}
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

func (e Event) num(key string) int {
	if e.Data == nil {
		return 0
	}
	switch v := e.Data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Bucket describes one tracker event stream
type Bucket struct {
	ID       string
	Name     string
	Type     string
	Client   string
	Hostname string
	Created  time.Time
}

// Kind returns the normalized classification of the bucket
func (b Bucket) Kind() Kind { return KindOf(b.Type) }

type bucketDoc struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Client   string `json:"client"`
	Hostname string `json:"hostname"`
	Created  string `json:"created"`
}

func bucketFromDoc(id string, doc bucketDoc) (Bucket, error) {
	b := Bucket{
		ID:       id,
		Name:     doc.Name,
		Type:     doc.Type,
		Client:   doc.Client,
		Hostname: doc.Hostname,
	}
	if b.Name == "" {
		b.Name = id
	}
	if doc.Created != "" {
		ts, err := ParseTimestamp(doc.Created)
		if err != nil {
			return Bucket{}, err
		}
		b.Created = ts
	}
	return b, nil
}

// timestamp layouts accepted from tracker servers, tried in order
var timestampLayouts = []string{
	time.RFC3339Nano,                // Z or numeric offsets, with or without fraction
	"2006-01-02T15:04:05.999999999", // naive, treated as UTC
	"2006-01-02 15:04:05.999999999", // space separator variant
}

// ParseTimestamp parses an ISO-8601 instant as produced by tracker servers.
// Offset-less values are taken as UTC. The result is always in UTC
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, perr.Newf(perr.ErrorCodeJSON, "unparseable timestamp %q", s)
}
