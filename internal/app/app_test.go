package app

import (
	"path/filepath"
	"testing"
	"time"

	"flowsync/internal/sysevents"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	a, err := New(Options{
		Version:          "0.0.1",
		ConfigPath:       filepath.Join(dir, "config.json"),
		QueuePath:        filepath.Join(dir, "queue.db"),
		DailyPath:        filepath.Join(dir, "daily.db"),
		LockPath:         filepath.Join(dir, ".lock"),
		Credentials:      NewFileCredentials(filepath.Join(dir, "credentials.json")),
		DisableStatusAPI: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Shutdown)
	return a
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func TestSystemEventSequence(t *testing.T) {
	a := newTestApp(t)
	ctx := a.rootCtx

	for i := 0; i < 3; i++ {
		a.applySystemEvent(ctx, sysevents.KindSleep)
		if !a.engine.IsPaused() {
			t.Fatalf("engine running after sleep")
		}
		if a.CurrentTrayState() != TrayPaused {
			t.Fatalf("tray = %q after sleep", a.CurrentTrayState())
		}
		a.applySystemEvent(ctx, sysevents.KindWake)
		if a.engine.IsPaused() {
			t.Fatalf("engine paused after wake")
		}
	}
	if a.CurrentTrayState() != TraySyncing {
		t.Fatalf("tray = %q after final wake", a.CurrentTrayState())
	}
}

func TestSleepWakePairLeavesEngineRunning(t *testing.T) {
	a := newTestApp(t)
	go a.consumeSystemEvents(a.rootCtx)

	// a resume-from-suspend delivers the pair back to back; the worker
	// must apply them in arrival order, never concurrently
	for i := 0; i < 3; i++ {
		a.handleSystemEvent(sysevents.KindSleep)
		a.handleSystemEvent(sysevents.KindWake)
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(a.sysEventCh) == 0 &&
			!a.engine.IsPaused() &&
			a.CurrentTrayState() == TraySyncing
	})
}

func TestLockWithoutUnlockStaysPaused(t *testing.T) {
	a := newTestApp(t)
	go a.consumeSystemEvents(a.rootCtx)

	a.handleSystemEvent(sysevents.KindLock)
	waitFor(t, 5*time.Second, func() bool {
		return a.engine.IsPaused() && a.CurrentTrayState() == TrayPaused
	})
}
