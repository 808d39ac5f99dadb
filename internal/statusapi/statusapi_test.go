package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"flowsync/internal/engine"
	"flowsync/internal/tracker"
)

func startServer(t *testing.T, o Options) *Server {
	t.Helper()
	o.Addr = "127.0.0.1:0"
	s := New(o)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func get(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestHealthz(t *testing.T) {
	s := startServer(t, Options{Version: "1.2.3"})

	var doc map[string]string
	resp := get(t, "http://"+s.Addr()+"/healthz", &doc)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if doc["status"] != "ok" {
		t.Fatalf("body = %v", doc)
	}
}

func TestStatusDocument(t *testing.T) {
	s := startServer(t, Options{
		Version: "1.2.3",
		Source: Source{
			Status: func(context.Context) engine.StatusReport {
				return engine.StatusReport{Paused: true, QueueSize: 7}
			},
			Children: func() map[string]tracker.ChildState {
				return map[string]tracker.ChildState{tracker.ServerBinary: tracker.StateRunning}
			},
			TodayActive: func() time.Duration { return 90 * time.Second },
			TrayState:   func() string { return "PAUSED" },
		},
	})

	var doc struct {
		Service   string `json:"service"`
		Version   string `json:"version"`
		TrayState string `json:"tray_state"`
		Engine    struct {
			Paused    bool `json:"paused"`
			QueueSize int  `json:"queue_size"`
		} `json:"engine"`
		Tracker            map[string]string `json:"tracker"`
		TodayActiveSeconds float64           `json:"today_active_seconds"`
	}
	resp := get(t, "http://"+s.Addr()+"/status", &doc)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if doc.Service != "flowsync-agent" || doc.Version != "1.2.3" {
		t.Fatalf("identity = %s/%s", doc.Service, doc.Version)
	}
	if doc.TrayState != "PAUSED" {
		t.Fatalf("tray_state = %q", doc.TrayState)
	}
	if !doc.Engine.Paused || doc.Engine.QueueSize != 7 {
		t.Fatalf("engine = %+v", doc.Engine)
	}
	if doc.Tracker[tracker.ServerBinary] != string(tracker.StateRunning) {
		t.Fatalf("tracker = %v", doc.Tracker)
	}
	if doc.TodayActiveSeconds != 90 {
		t.Fatalf("today_active_seconds = %v", doc.TodayActiveSeconds)
	}
}

func TestStatusOmitsMissingSources(t *testing.T) {
	s := startServer(t, Options{Version: "1.2.3"})

	var doc map[string]any
	get(t, "http://"+s.Addr()+"/status", &doc)
	for _, key := range []string{"engine", "tracker", "today_active_seconds", "tray_state"} {
		if _, ok := doc[key]; ok {
			t.Fatalf("%s present without a source", key)
		}
	}
}

func TestShutdownIdempotent(t *testing.T) {
	s := startServer(t, Options{})
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
