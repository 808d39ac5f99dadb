// Package config owns the persisted agent configuration (config.json).
// It loads with defaults, migrates legacy fields, validates, and merges
// server-pushed overrides with local floors and caps
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	perr "flowsync/internal/platform/errors"
	"flowsync/internal/platform/logger"
	"flowsync/internal/platform/paths"

	"github.com/go-playground/validator/v10"
)

// Remote endpoints
const (
	DefaultAPIURL = "http://127.0.0.1:8001/api/agent"
	StagingAPIURL = "https://staging.betterflow.eu/api/agent"
)

// Tracker defaults
const (
	DefaultTrackerHost = "localhost"
	DefaultTrackerPort = 5600
)

// Sync bounds
const (
	DefaultSyncInterval = 60 // seconds
	MinSyncInterval     = 30 // floor applied to server-pushed intervals
	DefaultBatchSize    = 100
	MaxBatchSize        = 1000
	MaxQueueSize        = 100000 // roughly a week of events
)

// PrivacySettings declares what leaves the machine
type PrivacySettings struct {
	HashTitles          bool     `json:"hash_titles"`
	TitleAllowlist      []string `json:"title_allowlist"`
	DomainOnlyURLs      bool     `json:"domain_only_urls"`
	CollectFullURLs     bool     `json:"collect_full_urls"`
	CollectPageCategory bool     `json:"collect_page_category"`
	ExcludeApps         []string `json:"exclude_apps"`
}

// SyncSettings tunes the sync loop
type SyncSettings struct {
	IntervalSeconds int  `json:"interval_seconds" validate:"gte=5"`
	BatchSize       int  `json:"batch_size" validate:"gte=1,lte=1000"`
	Compress        bool `json:"compress"`
}

// ReminderSettings tunes break and private-time reminders
type ReminderSettings struct {
	BreakEnabled           bool `json:"break_reminders_enabled"`
	BreakIntervalHours     int  `json:"break_interval_hours" validate:"gte=0"`
	PrivateEnabled         bool `json:"private_reminders_enabled"`
	PrivateIntervalMinutes int  `json:"private_interval_minutes" validate:"gte=0"`
}

// TrackerSettings locates the local tracker HTTP API
type TrackerSettings struct {
	Host              string `json:"host" validate:"required"`
	Port              int    `json:"port" validate:"gte=1,lte=65535"`
	AFKTimeoutMinutes int    `json:"afk_timeout_minutes" validate:"gte=1"`
}

// BaseURL returns the tracker API origin
func (t TrackerSettings) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", t.Host, t.Port)
}

// Config is the full persisted configuration
type Config struct {
	APIURL        string           `json:"api_url" validate:"required,url"`
	DeviceID      string           `json:"device_id,omitempty"`
	Tracker       TrackerSettings  `json:"tracker"`
	Sync          SyncSettings     `json:"sync"`
	Privacy       PrivacySettings  `json:"privacy"`
	Reminders     ReminderSettings `json:"reminders"`
	SetupComplete bool             `json:"setup_complete"`
	AutoStart     bool             `json:"auto_start"`
	CheckUpdates  bool             `json:"check_updates"`
	DebugMode     bool             `json:"debug_mode"`
}

// Default returns the configuration used when no file exists yet
func Default() Config {
	return Config{
		APIURL:  DefaultAPIURL,
		Tracker: TrackerSettings{
			Host:              DefaultTrackerHost,
			Port:              DefaultTrackerPort,
			AFKTimeoutMinutes: 5,
		},
		Sync: SyncSettings{
			IntervalSeconds: DefaultSyncInterval,
			BatchSize:       DefaultBatchSize,
			Compress:        true,
		},
		Privacy: PrivacySettings{
			HashTitles: true,
			TitleAllowlist: []string{
				"Visual Studio Code",
				"PyCharm",
				"IntelliJ IDEA",
				"WebStorm",
				"Terminal",
				"iTerm2",
				"Windows Terminal",
				"Cursor",
			},
			DomainOnlyURLs:      true,
			CollectFullURLs:     false,
			CollectPageCategory: true,
			ExcludeApps: []string{
				"1Password",
				"Keychain Access",
				"System Preferences",
				"System Settings",
			},
		},
		Reminders: ReminderSettings{
			BreakEnabled:           true,
			BreakIntervalHours:     2,
			PrivateEnabled:         true,
			PrivateIntervalMinutes: 20,
		},
		CheckUpdates: true,
	}
}

var validate = validator.New()

// Validate checks structural constraints on the configuration
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return perr.Wrap(err, perr.ErrorCodeValidation, "invalid configuration")
	}
	return nil
}

// legacy api_url values normalized to the current default so old installs
// don't stay pinned to a moved local backend
var legacyAPIURLs = map[string]bool{
	"http://localhost:8000/api/agent": true,
	"http://127.0.0.1:8000/api/agent": true,
	"http://localhost:8001/api/agent": true,
}

// migrate normalizes a raw decoded document before typed decoding
func migrate(doc map[string]json.RawMessage) {
	// older releases stored tracker settings under "aw"
	if _, ok := doc["tracker"]; !ok {
		if v, ok := doc["aw"]; ok {
			doc["tracker"] = v
		}
	}
	delete(doc, "aw")

	if v, ok := doc["api_url"]; ok {
		var u string
		if json.Unmarshal(v, &u) == nil && legacyAPIURLs[u] {
			b, _ := json.Marshal(DefaultAPIURL)
			doc["api_url"] = b
		}
	}
}

// decode parses b into a Config layered over defaults
func decode(b []byte) (Config, error) {
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return Config{}, perr.Wrap(err, perr.ErrorCodeJSON, "parse config")
	}
	migrate(doc)
	merged, err := json.Marshal(doc)
	if err != nil {
		return Config{}, perr.Wrap(err, perr.ErrorCodeJSON, "remarshal config")
	}
	cfg := Default()
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return Config{}, perr.Wrap(err, perr.ErrorCodeJSON, "decode config")
	}
	return cfg, nil
}

// Store serializes access to the configuration and its backing file
type Store struct {
	mu   sync.Mutex
	path string
	cfg  Config
}

// DefaultPath resolves the standard config.json location
func DefaultPath() (string, error) {
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Open loads the config at path, falling back to defaults when the file is
// missing or unreadable. A corrupt file is logged, not fatal
func Open(path string) *Store {
	s := &Store{path: path, cfg: Default()}
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Named("config").Warn().Err(err).Str("path", path).Msg("read config failed; using defaults")
		}
		return s
	}
	cfg, err := decode(b)
	if err != nil {
		logger.Named("config").Warn().Err(err).Str("path", path).Msg("parse config failed; using defaults")
		return s
	}
	if err := cfg.Validate(); err != nil {
		logger.Named("config").Warn().Err(err).Str("path", path).Msg("invalid config; using defaults")
		return s
	}
	s.cfg = cfg
	return s
}

// Snapshot returns a deep copy safe to read without holding the store lock
func (s *Store) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.clone()
}

func (c Config) clone() Config {
	out := c
	out.Privacy.TitleAllowlist = append([]string(nil), c.Privacy.TitleAllowlist...)
	out.Privacy.ExcludeApps = append([]string(nil), c.Privacy.ExcludeApps...)
	return out
}

// Update applies fn under the lock and persists the result.
// fn receives a mutable copy; a validation failure discards the update
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg.clone()
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.cfg = next
	return s.saveLocked()
}

// Save persists the current configuration
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "create config dir")
	}
	b, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeJSON, "encode config")
	}
	// write-then-rename so a crash never leaves a torn config.json
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "write config")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "replace config")
	}
	logger.Named("config").Info().Str("path", s.path).Msg("config saved")
	return nil
}

// ServerOverrides is the device configuration document pushed by the backend.
// Pointer fields distinguish "absent" from zero values
type ServerOverrides struct {
	Privacy *struct {
		HashWindowTitles    *bool    `json:"hash_window_titles"`
		TitleAllowlist      []string `json:"title_allowlist"`
		TrackBrowserDomains *bool    `json:"track_browser_domains"`
		CollectFullURLs     *bool    `json:"collect_full_urls"`
	} `json:"privacy"`
	Collection *struct {
		CollectPageCategory *bool `json:"collect_page_category"`
	} `json:"collection"`
	Sync *struct {
		SyncIntervalSeconds *int `json:"sync_interval_seconds"`
		BatchSize           *int `json:"batch_size"`
	} `json:"sync"`
}

// ApplyServer merges backend overrides into local config and persists.
// Server intervals are floored at MinSyncInterval and batch sizes capped at
// MaxBatchSize so a misconfigured backend cannot hammer or starve the agent
func (s *Store) ApplyServer(ov ServerOverrides) error {
	return s.Update(func(c *Config) {
		if p := ov.Privacy; p != nil {
			if p.HashWindowTitles != nil {
				c.Privacy.HashTitles = *p.HashWindowTitles
			}
			if p.TitleAllowlist != nil {
				c.Privacy.TitleAllowlist = append([]string(nil), p.TitleAllowlist...)
			}
			if p.TrackBrowserDomains != nil {
				c.Privacy.DomainOnlyURLs = *p.TrackBrowserDomains
			}
			if p.CollectFullURLs != nil {
				c.Privacy.CollectFullURLs = *p.CollectFullURLs
			}
		}
		if col := ov.Collection; col != nil && col.CollectPageCategory != nil {
			c.Privacy.CollectPageCategory = *col.CollectPageCategory
		}
		if sy := ov.Sync; sy != nil {
			if sy.SyncIntervalSeconds != nil {
				v := *sy.SyncIntervalSeconds
				if v < MinSyncInterval {
					v = MinSyncInterval
				}
				c.Sync.IntervalSeconds = v
			}
			if sy.BatchSize != nil {
				v := *sy.BatchSize
				if v > MaxBatchSize {
					v = MaxBatchSize
				}
				c.Sync.BatchSize = v
			}
		}
	})
}
