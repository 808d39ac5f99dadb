package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"flowsync/internal/config"
	perr "flowsync/internal/platform/errors"
)

// Session end reasons accepted by the backend
const (
	ReasonAppQuit          = "app_quit"
	ReasonUserLogout       = "user_logout"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonCrashRecovery    = "crash_recovery"
	ReasonPrivateTime      = "private_time"
	ReasonServerPause      = "server_pause"
	ReasonServerDeregister = "server_deregister"
	ReasonUserPaused       = "user_paused"
)

// Heartbeat command types
const (
	CommandPause      = "pause"
	CommandDeregister = "deregister"
)

// SendResult reports the outcome of an event batch upload
type SendResult struct {
	Processed int
	Failed    int
}

// HeartbeatResult carries server commands and flags back to the engine
type HeartbeatResult struct {
	Commands            []Command `json:"commands"`
	ConfigUpdated       bool      `json:"config_updated"`
	MinimumAgentVersion string    `json:"minimum_agent_version"`
}

// Command is a server-issued instruction delivered via heartbeat
type Command struct {
	Type string `json:"type"`
}

// Status is the backend's view of this device
type Status struct {
	ActiveSession *ActiveSession `json:"active_session"`
	TodaySummary  TodaySummary   `json:"today_summary"`
}

// ActiveSession describes a running server-side session
type ActiveSession struct {
	ID        int64  `json:"id"`
	StartedAt string `json:"started_at"`
}

// TodaySummary is today's tracked total
type TodaySummary struct {
	TotalSeconds float64 `json:"total_seconds"`
}

// Project is a backend project available for app mapping
type Project struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// AuthResult is a successful code exchange
type AuthResult struct {
	AccessToken string
	DeviceID    string
	UserEmail   string
	UserName    string
}

// IsReachable probes the backend without retrying; used to decide between
// direct upload and queueing
func (c *Client) IsReachable(ctx context.Context) bool {
	if _, err := c.request(ctx, http.MethodGet, "health", nil, false, false); err == nil {
		return true
	}
	_, err := c.request(ctx, http.MethodGet, "events/status", nil, false, false)
	return err == nil
}

// SendEvents uploads a batch. Events are pre-serialized documents so queued
// rows can be resent byte-identically
func (c *Client) SendEvents(ctx context.Context, events []json.RawMessage) (SendResult, error) {
	if len(events) == 0 {
		return SendResult{}, nil
	}
	raw, err := c.request(ctx, http.MethodPost, "events/batch", map[string]any{"events": events}, true, true)
	if err != nil {
		return SendResult{}, err
	}
	// canonical keys are processed/failed; older backends said synced/queued
	var doc struct {
		Processed *int `json:"processed"`
		Failed    *int `json:"failed"`
		Synced    *int `json:"synced"`
		Queued    *int `json:"queued"`
	}
	res := SendResult{Processed: len(events)}
	if err := json.Unmarshal(raw, &doc); err == nil {
		switch {
		case doc.Processed != nil:
			res.Processed = *doc.Processed
			if doc.Failed != nil {
				res.Failed = *doc.Failed
			}
		case doc.Synced != nil:
			res.Processed = *doc.Synced
			if doc.Queued != nil {
				res.Failed = *doc.Queued
			}
		}
	}
	return res, nil
}

// StartSession opens a tracking session
func (c *Client) StartSession(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodPost, "sessions/start", nil, false, true)
	return err
}

// EndSession closes the current tracking session
func (c *Client) EndSession(ctx context.Context, reason string) error {
	_, err := c.request(ctx, http.MethodPost, "sessions/end", map[string]string{"reason": reason}, false, true)
	return err
}

// Heartbeat reports liveness and picks up server commands
func (c *Client) Heartbeat(ctx context.Context, agentVersion, timezone string) (HeartbeatResult, error) {
	raw, err := c.request(ctx, http.MethodPost, "heartbeat",
		map[string]string{"agent_version": agentVersion, "timezone": timezone}, false, true)
	if err != nil {
		return HeartbeatResult{}, err
	}
	var out HeartbeatResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return HeartbeatResult{}, perr.Wrap(err, perr.ErrorCodeJSON, "decode heartbeat")
		}
	}
	return out, nil
}

// GetStatus returns the backend's device status
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	raw, err := c.request(ctx, http.MethodGet, "events/status", nil, false, true)
	if err != nil {
		return Status{}, err
	}
	var out Status
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return Status{}, perr.Wrap(err, perr.ErrorCodeJSON, "decode status")
		}
	}
	return out, nil
}

// GetConfig pulls the device configuration overrides
func (c *Client) GetConfig(ctx context.Context) (config.ServerOverrides, error) {
	raw, err := c.request(ctx, http.MethodGet, "config", nil, false, true)
	if err != nil {
		return config.ServerOverrides{}, err
	}
	var out config.ServerOverrides
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return config.ServerOverrides{}, perr.Wrap(err, perr.ErrorCodeJSON, "decode server config")
		}
	}
	return out, nil
}

// GetProjects lists projects available for app mapping
func (c *Client) GetProjects(ctx context.Context) ([]Project, error) {
	raw, err := c.request(ctx, http.MethodGet, "projects", nil, false, true)
	if err != nil {
		return nil, err
	}
	var out []Project
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeJSON, "decode projects")
		}
	}
	return out, nil
}

// GetCategories pulls the app category map. Accepts either a bare map or a
// {categories: {...}} wrapper
func (c *Client) GetCategories(ctx context.Context) (map[string]string, error) {
	raw, err := c.request(ctx, http.MethodGet, "categories", nil, false, true)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err == nil {
		return out, nil
	}
	var wrapped struct {
		Categories map[string]string `json:"categories"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeJSON, "decode categories")
	}
	if wrapped.Categories != nil {
		return wrapped.Categories, nil
	}
	return out, nil
}

// GetTrends returns the trends document for display; the agent treats it
// as opaque
func (c *Client) GetTrends(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, "trends", nil, false, true)
}

// UpdateProjectMapping assigns an app to a project
func (c *Client) UpdateProjectMapping(ctx context.Context, appName string, projectID int64) error {
	_, err := c.request(ctx, http.MethodPost, "config/project-mapping",
		map[string]any{"app_name": appName, "project_id": projectID}, false, true)
	return err
}

// Revoke invalidates this device's token; best effort
func (c *Client) Revoke(ctx context.Context) bool {
	if _, err := c.request(ctx, http.MethodPost, "revoke", nil, false, true); err != nil {
		c.log.Warn().Err(err).Msg("token revoke failed")
		return false
	}
	return true
}

// ExchangeCode trades a browser authorization code for an API token.
// Not retried; 4xx responses surface as user-facing errors
func (c *Client) ExchangeCode(ctx context.Context, code, deviceName, codeVerifier string, device DeviceInfo) (AuthResult, error) {
	body := map[string]string{
		"code":          code,
		"device_name":   deviceName,
		"platform":      device.PlatformKey(),
		"os_version":    device.OSVersion,
		"machine_id":    device.MachineID(),
		"agent_version": device.AgentVersion,
	}
	if codeVerifier != "" {
		body["code_verifier"] = codeVerifier
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return AuthResult{}, perr.Wrap(err, perr.ErrorCodeJSON, "encode auth request")
	}

	u := c.WebBaseURL() + "/api/v1/sync/auth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return AuthResult{}, perr.Wrap(err, perr.ErrorCodeUnknown, "new auth request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return AuthResult{}, perr.Wrap(err, perr.ErrorCodeTransient, "cannot reach auth endpoint")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AuthResult{}, perr.Wrap(err, perr.ErrorCodeTransient, "read auth response")
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
		return AuthResult{}, perr.Authf("%s", errorMessage(raw))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return AuthResult{}, perr.Permanentf("auth error (%d): %s", resp.StatusCode, errorMessage(raw))
	}

	var doc struct {
		AccessToken string `json:"access_token"`
		User        struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"user"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return AuthResult{}, perr.Wrap(err, perr.ErrorCodeJSON, "decode auth response")
	}
	if doc.AccessToken == "" {
		return AuthResult{}, perr.Permanentf("auth response missing access token")
	}
	return AuthResult{
		AccessToken: doc.AccessToken,
		DeviceID:    deviceName,
		UserEmail:   doc.User.Email,
		UserName:    doc.User.Name,
	}, nil
}
