package app

import (
	"encoding/json"
	"os"
	"path/filepath"

	perr "flowsync/internal/platform/errors"
	"flowsync/internal/platform/paths"
)

// Credentials is the persisted auth state
type Credentials struct {
	Token     string `json:"token"`
	DeviceID  string `json:"device_id"`
	UserEmail string `json:"user_email,omitempty"`
	UserName  string `json:"user_name,omitempty"`
}

// CredentialsStore abstracts where credentials live so shells can plug in
// an OS keychain
type CredentialsStore interface {
	Load() (Credentials, bool, error)
	Save(Credentials) error
	Clear() error
}

// FileCredentials keeps credentials in a 0600 JSON file
type FileCredentials struct{ path string }

// NewFileCredentials builds a store backed by the given path
func NewFileCredentials(path string) *FileCredentials { return &FileCredentials{path: path} }

// DefaultCredentialsPath resolves credentials.json in the config dir
func DefaultCredentialsPath() (string, error) {
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.json"), nil
}

// Load reads stored credentials; ok is false when none are saved
func (f *FileCredentials) Load() (Credentials, bool, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, false, nil
		}
		return Credentials{}, false, perr.Wrap(err, perr.ErrorCodeStore, "read credentials")
	}
	var c Credentials
	if err := json.Unmarshal(b, &c); err != nil {
		return Credentials{}, false, perr.Wrap(err, perr.ErrorCodeJSON, "parse credentials")
	}
	return c, c.Token != "", nil
}

// Save persists credentials with a write-then-rename
func (f *FileCredentials) Save(c Credentials) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "create credentials dir")
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeJSON, "encode credentials")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "write credentials")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "replace credentials")
	}
	return nil
}

// Clear removes stored credentials; missing file is not an error
func (f *FileCredentials) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return perr.Wrap(err, perr.ErrorCodeStore, "remove credentials")
	}
	return nil
}
