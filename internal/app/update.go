package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"flowsync/internal/engine"
	perr "flowsync/internal/platform/errors"
	"flowsync/internal/platform/logger"
)

// Release channels
const (
	ChannelStable = "stable"
	ChannelBeta   = "beta"
	ChannelCanary = "canary"
)

const releasesAPI = "https://api.github.com/repos/flowsync-app/flowsync-agent/releases"

// Release is the subset of the GitHub release document we read
type Release struct {
	TagName    string `json:"tag_name"`
	HTMLURL    string `json:"html_url"`
	Prerelease bool   `json:"prerelease"`
	Draft      bool   `json:"draft"`
}

// UpdateChecker polls GitHub releases for a newer agent build
type UpdateChecker struct {
	client   *http.Client
	baseURL  string
	current  string
	channel  string
	onUpdate func(version, url string)

	log logger.Logger
}

// NewUpdateChecker builds a checker for the given channel; an empty
// channel means stable
func NewUpdateChecker(current, channel string, onUpdate func(version, url string)) *UpdateChecker {
	if channel == "" {
		channel = ChannelStable
	}
	return &UpdateChecker{
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  releasesAPI,
		current:  current,
		channel:  channel,
		onUpdate: onUpdate,
		log:      *logger.Named("update"),
	}
}

// Check fetches releases once and invokes the callback when a newer build
// matches the channel
func (u *UpdateChecker) Check(ctx context.Context) error {
	rel, err := u.latest(ctx)
	if err != nil {
		return err
	}
	if rel == nil {
		return nil
	}
	version := strings.TrimPrefix(rel.TagName, "v")
	if engine.CompareVersions(version, u.current) > 0 {
		u.log.Info().
			Str("current", u.current).
			Str("available", version).
			Msg("update available")
		if u.onUpdate != nil {
			u.onUpdate(version, rel.HTMLURL)
		}
	}
	return nil
}

func (u *UpdateChecker) latest(ctx context.Context) (*Release, error) {
	url := u.baseURL
	if u.channel == ChannelStable {
		url += "/latest"
	} else {
		url += "?per_page=20"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeUnknown, "build releases request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeTransient, "fetch releases")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, perr.Transientf("releases api returned %d", resp.StatusCode)
	}

	if u.channel == ChannelStable {
		var rel Release
		if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeJSON, "decode release")
		}
		if rel.Draft {
			return nil, nil
		}
		return &rel, nil
	}

	// releases come newest first; the first channel match wins
	var all []Release
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeJSON, "decode releases")
	}
	for i := range all {
		if matchesChannel(all[i], u.channel) {
			return &all[i], nil
		}
	}
	return nil, nil
}

// matchesChannel applies the channel policy: beta sees stable builds plus
// prereleases tagged beta or rc, canary sees everything that is not a draft
func matchesChannel(rel Release, channel string) bool {
	if rel.Draft {
		return false
	}
	switch channel {
	case ChannelCanary:
		return true
	case ChannelBeta:
		if !rel.Prerelease {
			return true
		}
		tag := strings.ToLower(rel.TagName)
		return strings.Contains(tag, "beta") || strings.Contains(tag, "rc")
	default:
		return !rel.Prerelease
	}
}
