//go:build windows

package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	perr "flowsync/internal/platform/errors"

	"github.com/shirou/gopsutil/v4/process"
)

// AcquireLock takes the single-instance lock. Windows has no flock, so
// the lock file holds a PID checked for liveness; a stale file left by a
// crashed instance is reclaimed
func AcquireLock(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "create lock dir")
	}
	if b, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil && pid != os.Getpid() {
			if ok, _ := process.PidExists(int32(pid)); ok {
				return nil, perr.Permanentf("another agent instance holds %s (pid %d)", path, pid)
			}
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "open lock file")
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = f.Close()
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "write lock file")
	}
	return &InstanceLock{path: path, file: f}, nil
}

// Release drops the lock and removes the file; idempotent
func (l *InstanceLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	_ = l.file.Close()
	l.file = nil
	_ = os.Remove(l.path)
}
