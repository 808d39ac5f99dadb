//go:build !windows

package app

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	perr "flowsync/internal/platform/errors"
)

// AcquireLock takes the single-instance lock via flock, writing our PID
// for diagnostics. A second acquire fails immediately instead of blocking
func AcquireLock(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "create lock dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "open lock file")
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, perr.Permanentf("another agent instance holds %s", path)
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)
	return &InstanceLock{path: path, file: f}, nil
}

// Release drops the lock and removes the file; idempotent
func (l *InstanceLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
	_ = os.Remove(l.path)
}
