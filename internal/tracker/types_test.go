package tracker

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2026-08-25T10:00:00Z", time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)},
		{"2026-08-25T10:00:00.500Z", time.Date(2026, 8, 25, 10, 0, 0, 500_000_000, time.UTC)},
		{"2026-08-25T12:00:00+02:00", time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)},
		{"2026-08-25T08:30:00-01:30", time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)},
		{"2026-08-25T10:00:00", time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)},
		{"2026-08-25 10:00:00.25", time.Date(2026, 8, 25, 10, 0, 0, 250_000_000, time.UTC)},
	}
	for _, c := range cases {
		got, err := ParseTimestamp(c.in)
		if err != nil {
			t.Fatalf("ParseTimestamp(%q): %v", c.in, err)
		}
		if !got.Equal(c.want) {
			t.Fatalf("ParseTimestamp(%q) = %v, want %v", c.in, got, c.want)
		}
		if got.Location() != time.UTC {
			t.Fatalf("ParseTimestamp(%q) not normalized to UTC", c.in)
		}
	}

	if _, err := ParseTimestamp("yesterday-ish"); err == nil {
		t.Fatalf("garbage timestamp should error")
	}
}

func TestKindOfAliases(t *testing.T) {
	cases := map[string]Kind{
		"currentwindow":     KindWindow,
		"aw-watcher-window": KindWindow,
		"afkstatus":         KindAFK,
		"aw-watcher-afk":    KindAFK,
		"aw-watcher-web":    KindWeb,
		"aw-watcher-input":  KindInput,
		"something-else":    KindUnknown,
	}
	for in, want := range cases {
		if got := KindOf(in); got != want {
			t.Fatalf("KindOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEventUnmarshalAndAccessors(t *testing.T) {
	raw := `{
		"id": 42,
		"timestamp": "2026-08-25T10:00:00Z",
		"duration": 12.5,
		"data": {"app": "Safari", "title": "Docs", "url": "https://x.test", "status": "not-afk",
			"presses": 7, "clicks": 2, "scrolls": 3}
	}`
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.ID != 42 || e.Duration != 12.5 {
		t.Fatalf("event = %+v", e)
	}
	if e.App() != "Safari" || e.Title() != "Docs" || e.URL() != "https://x.test" || e.Status() != "not-afk" {
		t.Fatalf("string accessors: %+v", e)
	}
	if e.Presses() != 7 || e.Clicks() != 2 || e.Scrolls() != 3 {
		t.Fatalf("numeric accessors: %+v", e)
	}
	wantEnd := time.Date(2026, 8, 25, 10, 0, 12, 500_000_000, time.UTC)
	if !e.EndTime().Equal(wantEnd) {
		t.Fatalf("EndTime = %v, want %v", e.EndTime(), wantEnd)
	}

	// missing keys are zero values, not panics
	var empty Event
	if empty.App() != "" || empty.Presses() != 0 {
		t.Fatalf("empty event accessors: %+v", empty)
	}
}

func TestEventMarshalRoundTrip(t *testing.T) {
	e := Event{
		ID:        7,
		Timestamp: time.Date(2026, 8, 25, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
		Duration:  1.5,
		Data:      map[string]any{"app": "Terminal"},
	}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Event
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Timestamp.Equal(e.Timestamp) {
		t.Fatalf("timestamp drifted: %v vs %v", back.Timestamp, e.Timestamp)
	}
	if back.Timestamp.Location() != time.UTC {
		t.Fatalf("marshal should normalize to UTC")
	}
}
