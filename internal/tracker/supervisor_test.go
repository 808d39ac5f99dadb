package tracker

import (
	"archive/zip"
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

// scriptDir lays out fake tracker binaries that idle until terminated
func scriptDir(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script binaries")
	}
	dir := t.TempDir()
	for _, name := range allBinaries {
		writeScript(t, dir, name, "sleep 60")
	}
	return dir
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

func TestExternalInstanceDetected(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = l.Close() }()
	port := l.Addr().(*net.TCPAddr).Port

	s := NewSupervisor(SupervisorOptions{Port: port})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsExternal() {
		t.Fatal("external instance not detected")
	}
	if !s.CheckHealth(context.Background()) {
		t.Fatal("healthy external instance reported unhealthy")
	}

	_ = l.Close()
	if s.CheckHealth(context.Background()) {
		t.Fatal("vanished external instance reported healthy")
	}
}

func TestStartComponentAndStop(t *testing.T) {
	dir := scriptDir(t)
	s := NewSupervisor(SupervisorOptions{Port: freePort(t), InstallDir: dir})

	if err := s.startComponent(WindowWatcherBinary, dir); err != nil {
		t.Fatalf("startComponent: %v", err)
	}
	states := s.ChildStates()
	if states[WindowWatcherBinary] != StateRunning {
		t.Fatalf("state = %s, want running", states[WindowWatcherBinary])
	}
	if !s.CheckHealth(context.Background()) {
		t.Fatal("running child reported unhealthy")
	}

	s.Stop()
	states = s.ChildStates()
	if states[WindowWatcherBinary] != StateStopped {
		t.Fatalf("state after stop = %s, want stopped", states[WindowWatcherBinary])
	}
}

func TestCrashDetectionAndRestart(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script binaries")
	}
	dir := t.TempDir()
	for _, name := range allBinaries {
		writeScript(t, dir, name, "sleep 60")
	}
	// afk watcher dies immediately
	writeScript(t, dir, AFKWatcherBinary, "exit 1")

	s := NewSupervisor(SupervisorOptions{Port: freePort(t), InstallDir: dir})
	if err := s.startComponent(AFKWatcherBinary, dir); err != nil {
		t.Fatalf("startComponent: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ChildStates()[AFKWatcherBinary] == StateCrashed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.ChildStates()[AFKWatcherBinary]; got != StateCrashed {
		t.Fatalf("state = %s, want crashed", got)
	}
	if s.CheckHealth(context.Background()) {
		t.Fatal("crashed child reported healthy")
	}

	// heal the script, then let the supervisor restart it
	writeScript(t, dir, AFKWatcherBinary, "sleep 60")
	if !s.RestartIfNeeded(context.Background()) {
		t.Fatal("RestartIfNeeded reported unhealthy after restart")
	}
	if got := s.ChildStates()[AFKWatcherBinary]; got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
	s.Stop()
}

func TestSetAFKTimeoutRestartsWatcher(t *testing.T) {
	dir := scriptDir(t)
	s := NewSupervisor(SupervisorOptions{Port: freePort(t), InstallDir: dir})
	if err := s.startComponent(AFKWatcherBinary, dir); err != nil {
		t.Fatalf("startComponent: %v", err)
	}
	oldPid := s.children[AFKWatcherBinary].cmd.Process.Pid

	s.SetAFKTimeout(context.Background(), 120)
	if got := s.children[AFKWatcherBinary].cmd.Process.Pid; got == oldPid {
		t.Fatal("afk watcher not restarted")
	}
	if got := s.ChildStates()[AFKWatcherBinary]; got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}

	// same value again is a no-op
	pid := s.children[AFKWatcherBinary].cmd.Process.Pid
	s.SetAFKTimeout(context.Background(), 120)
	if got := s.children[AFKWatcherBinary].cmd.Process.Pid; got != pid {
		t.Fatal("afk watcher restarted for unchanged timeout")
	}
	s.Stop()
}

func TestBinariesPresent(t *testing.T) {
	dir := t.TempDir()
	if binariesPresent(dir) {
		t.Fatal("empty dir reported complete")
	}
	for _, name := range allBinaries {
		if err := os.WriteFile(filepath.Join(dir, name+exeSuffix()), []byte("x"), 0o755); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if !binariesPresent(dir) {
		t.Fatal("complete dir reported incomplete")
	}
}

func TestExtractBinaries(t *testing.T) {
	tmp := t.TempDir()
	archive := filepath.Join(tmp, "release.zip")

	f, err := os.Create(archive)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	zw := zip.NewWriter(f)
	// releases nest binaries under a directory prefix
	for i, name := range allBinaries {
		w, err := zw.Create("activitywatch/" + name + exeSuffix())
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte("binary " + strconv.Itoa(i))); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if _, err := zw.Create("activitywatch/README.md"); err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	dest := filepath.Join(tmp, "install")
	if err := extractBinaries(archive, dest); err != nil {
		t.Fatalf("extractBinaries: %v", err)
	}
	if !binariesPresent(dest) {
		t.Fatal("binaries missing after extraction")
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dest, ServerBinary))
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Mode()&0o111 == 0 {
			t.Fatal("extracted binary not executable")
		}
	}
	if _, err := os.Stat(filepath.Join(dest, "README.md")); !os.IsNotExist(err) {
		t.Fatal("non-binary archive member extracted")
	}
}

func TestExtractBinariesMissingMember(t *testing.T) {
	tmp := t.TempDir()
	archive := filepath.Join(tmp, "partial.zip")

	f, err := os.Create(archive)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create(ServerBinary + exeSuffix())
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := w.Write([]byte("binary")); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := extractBinaries(archive, filepath.Join(tmp, "install")); err == nil {
		t.Fatal("incomplete archive accepted")
	}
}
