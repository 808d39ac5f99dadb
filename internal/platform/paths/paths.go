// Package paths resolves the per-user directories the agent writes to.
// Every resolver honors an env override so tests and dev setups can
// redirect the whole tree with FLOWSYNC_DATA_DIR / FLOWSYNC_CONFIG_DIR
package paths

import (
	"os"
	"path/filepath"
	"runtime"

	"flowsync/internal/platform/config/raw"
)

const appDirName = "flowsync"

// ConfigDir returns the directory holding config.json, created on demand
func ConfigDir() (string, error) {
	if v := raw.New().Prefix("FLOWSYNC_").Get("CONFIG_DIR", ""); v != "" {
		return ensure(v)
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return ensure(filepath.Join(base, appDirName))
}

// DataDir returns the directory for durable agent state (queue db, trackers)
func DataDir() (string, error) {
	if v := raw.New().Prefix("FLOWSYNC_").Get("DATA_DIR", ""); v != "" {
		return ensure(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(home, "Library", "Application Support", appDirName)
	case "windows":
		if la := os.Getenv("LOCALAPPDATA"); la != "" {
			dir = filepath.Join(la, appDirName)
		} else {
			dir = filepath.Join(home, "AppData", "Local", appDirName)
		}
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			dir = filepath.Join(xdg, appDirName)
		} else {
			dir = filepath.Join(home, ".local", "share", appDirName)
		}
	}
	return ensure(dir)
}

// LogDir returns the directory for agent log files
func LogDir() (string, error) {
	if v := raw.New().Prefix("FLOWSYNC_").Get("LOG_DIR", ""); v != "" {
		return ensure(v)
	}
	if runtime.GOOS == "darwin" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return ensure(filepath.Join(home, "Library", "Logs", appDirName))
	}
	data, err := DataDir()
	if err != nil {
		return "", err
	}
	return ensure(filepath.Join(data, "logs"))
}

// TrackerDir returns the persistent install directory for tracker binaries
func TrackerDir() (string, error) {
	data, err := DataDir()
	if err != nil {
		return "", err
	}
	return ensure(filepath.Join(data, "tracker"))
}

// QueuePath returns the path of the offline queue database
func QueuePath() (string, error) {
	data, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(data, "offline_queue.db"), nil
}

func ensure(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
