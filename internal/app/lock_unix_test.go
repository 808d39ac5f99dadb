//go:build !windows

package app

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestLockExcludesSecondAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	l1, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if _, err := AcquireLock(path); err == nil {
		t.Fatalf("second acquire succeeded")
	}

	l1.Release()
	l2, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l2.Release()
	l2.Release()
}

func TestLockRecordsPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	l, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer l.Release()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid != os.Getpid() {
		t.Fatalf("lock file holds %q, want pid %d", b, os.Getpid())
	}
}

func TestReleaseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	l, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	l.Release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("lock file still present after release")
	}
}
