package app

import (
	"os"
	"path/filepath"

	"flowsync/internal/platform/paths"
)

// InstanceLock guards against two agents syncing the same machine. The
// lock is advisory and released on Release or process exit
type InstanceLock struct {
	path string
	file *os.File
}

// DefaultLockPath resolves the lock file next to config.json
func DefaultLockPath() (string, error) {
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".lock"), nil
}
