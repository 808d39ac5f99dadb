package remote

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	perr "flowsync/internal/platform/errors"
	"flowsync/internal/platform/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newClient(url string) *Client {
	return New(Options{APIURL: url, Token: "tok-1", DeviceID: "dev-1", Compress: true, Retry: fastPolicy()})
}

func TestSendEventsGzipAndHeaders(t *testing.T) {
	var gotAuth, gotDevice, gotEncoding string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Device-ID")
		gotEncoding = r.Header.Get("Content-Encoding")
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("body not gzipped: %v", err)
			return
		}
		gotBody, _ = io.ReadAll(zr)
		_, _ = w.Write([]byte(`{"success":true,"data":{"processed":2,"failed":0},"meta":{}}`))
	}))
	t.Cleanup(srv.Close)

	c := newClient(srv.URL)
	res, err := c.SendEvents(context.Background(), []json.RawMessage{
		json.RawMessage(`{"n":1}`), json.RawMessage(`{"n":2}`),
	})
	if err != nil {
		t.Fatalf("SendEvents: %v", err)
	}
	if res.Processed != 2 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if gotAuth != "Bearer tok-1" || gotDevice != "dev-1" || gotEncoding != "gzip" {
		t.Fatalf("headers = %q %q %q", gotAuth, gotDevice, gotEncoding)
	}
	var doc struct {
		Events []map[string]int `json:"events"`
	}
	if err := json.Unmarshal(gotBody, &doc); err != nil || len(doc.Events) != 2 {
		t.Fatalf("decoded body = %s (%v)", gotBody, err)
	}
}

func TestSendEventsLegacyResponseAlias(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"synced":5,"queued":1}}`))
	}))
	t.Cleanup(srv.Close)

	res, err := newClient(srv.URL).SendEvents(context.Background(), []json.RawMessage{json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("SendEvents: %v", err)
	}
	if res.Processed != 5 || res.Failed != 1 {
		t.Fatalf("legacy alias not honored: %+v", res)
	}
}

func TestAuthErrorsNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		}))

		_, err := newClient(srv.URL).SendEvents(context.Background(), []json.RawMessage{json.RawMessage(`{}`)})
		srv.Close()
		if !perr.IsAuth(err) {
			t.Fatalf("status %d should be an auth error, got %v", status, err)
		}
		if calls.Load() != 1 {
			t.Fatalf("status %d retried %d times", status, calls.Load())
		}
	}
}

func TestServerErrorsRetryThenExhaust(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	_, err := newClient(srv.URL).SendEvents(context.Background(), []json.RawMessage{json.RawMessage(`{}`)})
	if calls.Load() != 3 {
		t.Fatalf("5xx should retry to exhaustion, calls=%d", calls.Load())
	}
	if perr.CodeOf(err) != perr.ErrorCodeRetryExhausted {
		t.Fatalf("CodeOf = %v", perr.CodeOf(err))
	}
	if !IsNetwork(err) {
		t.Fatalf("exhausted retries should classify as network")
	}
}

func TestPermanent4xxNoRetryNoQueue(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"malformed batch"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := newClient(srv.URL).SendEvents(context.Background(), []json.RawMessage{json.RawMessage(`{}`)})
	if calls.Load() != 1 {
		t.Fatalf("4xx must not retry, calls=%d", calls.Load())
	}
	if perr.CodeOf(err) != perr.ErrorCodePermanent {
		t.Fatalf("CodeOf = %v (err=%v)", perr.CodeOf(err), err)
	}
	if IsNetwork(err) {
		t.Fatalf("permanent errors must not queue")
	}
}

func TestHeartbeatAndCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var doc map[string]string
		_ = json.NewDecoder(r.Body).Decode(&doc)
		if doc["agent_version"] == "" || doc["timezone"] == "" {
			t.Errorf("heartbeat body incomplete: %v", doc)
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{
			"commands":[{"type":"pause"}],
			"config_updated":true,
			"minimum_agent_version":"2.0.0"}}`))
	}))
	t.Cleanup(srv.Close)

	hb, err := newClient(srv.URL).Heartbeat(context.Background(), "1.4.0", "Europe/Berlin")
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if len(hb.Commands) != 1 || hb.Commands[0].Type != CommandPause {
		t.Fatalf("commands = %+v", hb.Commands)
	}
	if !hb.ConfigUpdated || hb.MinimumAgentVersion != "2.0.0" {
		t.Fatalf("heartbeat = %+v", hb)
	}
}

func TestGetStatusEnvelopeUnwrap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{
			"active_session":{"id":9,"started_at":"2026-08-25T08:00:00Z"},
			"today_summary":{"total_seconds":5400}}}`))
	}))
	t.Cleanup(srv.Close)

	st, err := newClient(srv.URL).GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.ActiveSession == nil || st.ActiveSession.ID != 9 {
		t.Fatalf("session = %+v", st.ActiveSession)
	}
	if st.TodaySummary.TotalSeconds != 5400 {
		t.Fatalf("summary = %+v", st.TodaySummary)
	}
}

func TestGetCategoriesShapes(t *testing.T) {
	bare := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"Xcode":"development"}}`))
	}))
	t.Cleanup(bare.Close)
	got, err := newClient(bare.URL).GetCategories(context.Background())
	if err != nil || got["Xcode"] != "development" {
		t.Fatalf("bare map = %v, %v", got, err)
	}
}

func TestIsReachableFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	t.Cleanup(srv.Close)

	if !newClient(srv.URL).IsReachable(context.Background()) {
		t.Fatalf("should fall back to events/status")
	}

	down := New(Options{APIURL: "http://127.0.0.1:1", Retry: fastPolicy(), Timeout: 200 * time.Millisecond})
	if down.IsReachable(context.Background()) {
		t.Fatalf("unreachable backend reported reachable")
	}
}

func TestWebBaseURLDerivation(t *testing.T) {
	cases := []struct{ api, want string }{
		{"https://flow.example.com/api/agent", "https://flow.example.com"},
		{"https://flow.example.com:8443/api/agent", "https://flow.example.com:8443"},
		{"http://localhost:8001/api/agent", "http://127.0.0.1:8001"},
	}
	for _, c := range cases {
		got := New(Options{APIURL: c.api}).WebBaseURL()
		if got != c.want {
			t.Fatalf("WebBaseURL(%q) = %q, want %q", c.api, got, c.want)
		}
	}
	explicit := New(Options{APIURL: "http://localhost:8001/api/agent", WebBaseURL: "https://web.example.com/"})
	if got := explicit.WebBaseURL(); got != "https://web.example.com" {
		t.Fatalf("explicit WebBaseURL = %q", got)
	}
}

func TestExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sync/auth/token" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var doc map[string]string
		_ = json.NewDecoder(r.Body).Decode(&doc)
		if doc["code"] != "abc" || doc["device_name"] == "" || doc["machine_id"] == "" {
			t.Errorf("auth body incomplete: %v", doc)
		}
		if doc["code_verifier"] != "ver-1" {
			t.Errorf("code_verifier missing: %v", doc)
		}
		_, _ = w.Write([]byte(`{"access_token":"tok-xyz","user":{"email":"u@example.com","name":"U"}}`))
	}))
	t.Cleanup(srv.Close)

	c := New(Options{APIURL: srv.URL + "/api/agent", WebBaseURL: srv.URL})
	device := CollectDevice("1.4.0")
	res, err := c.ExchangeCode(context.Background(), "abc", device.DeviceName(), "ver-1", device)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if res.AccessToken != "tok-xyz" || res.UserEmail != "u@example.com" {
		t.Fatalf("result = %+v", res)
	}
}

func TestExchangeCodeUserFacingErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"code already used"}`))
	}))
	t.Cleanup(srv.Close)

	c := New(Options{APIURL: srv.URL, WebBaseURL: srv.URL})
	_, err := c.ExchangeCode(context.Background(), "abc", "dev", "", CollectDevice("1.4.0"))
	if err == nil || err.Error() != "code already used" {
		t.Fatalf("err = %v, want server message", err)
	}
}

func TestCredentialSwap(t *testing.T) {
	var lastAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	t.Cleanup(srv.Close)

	c := New(Options{APIURL: srv.URL, Retry: fastPolicy()})
	if c.HasCredentials() {
		t.Fatalf("fresh client should have no credentials")
	}
	_ = c.StartSession(context.Background())
	if lastAuth.Load().(string) != "" {
		t.Fatalf("no token should mean no Authorization header")
	}

	c.SetCredentials("tok-2", "dev-2")
	_ = c.StartSession(context.Background())
	if lastAuth.Load().(string) != "Bearer tok-2" {
		t.Fatalf("Authorization after SetCredentials = %q", lastAuth.Load())
	}

	c.ClearCredentials()
	if c.HasCredentials() {
		t.Fatalf("ClearCredentials should drop token")
	}
}

func TestDeviceInfo(t *testing.T) {
	d := CollectDevice("1.4.0")
	if d.Hostname == "" || d.AgentVersion != "1.4.0" {
		t.Fatalf("device = %+v", d)
	}
	if len(d.MachineID()) != 32 {
		t.Fatalf("MachineID length = %d", len(d.MachineID()))
	}
	if d.MachineID() != d.MachineID() {
		t.Fatalf("MachineID must be stable")
	}
	switch d.PlatformKey() {
	case "darwin", "win32", "linux":
	default:
		t.Fatalf("PlatformKey = %q", d.PlatformKey())
	}
}
