package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPeriodicJobRuns(t *testing.T) {
	s := New(Options{Tick: 10 * time.Millisecond})
	var runs atomic.Int32
	if err := s.Add("tick", 20*time.Millisecond, func(context.Context) {
		runs.Add(1)
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })
}

func TestOneShotRunsOnce(t *testing.T) {
	s := New(Options{Tick: 10 * time.Millisecond})
	var runs atomic.Int32
	if err := s.AddOnce("once", 20*time.Millisecond, func(context.Context) {
		runs.Add(1)
	}); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("one-shot ran %d times", got)
	}
	if names := s.Names(); len(names) != 0 {
		t.Fatalf("one-shot still registered: %v", names)
	}
}

func TestSlowJobSkipsTicks(t *testing.T) {
	s := New(Options{Tick: 10 * time.Millisecond})
	var started atomic.Int32
	release := make(chan struct{})
	if err := s.Add("slow", 20*time.Millisecond, func(context.Context) {
		started.Add(1)
		<-release
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool { return started.Load() == 1 })
	// several intervals pass while the first run blocks
	time.Sleep(100 * time.Millisecond)
	if got := started.Load(); got != 1 {
		t.Fatalf("overlapping runs started: %d", got)
	}
	close(release)
	s.Stop()
}

func TestReschedule(t *testing.T) {
	s := New(Options{Tick: 10 * time.Millisecond})
	var runs atomic.Int32
	if err := s.Add("job", time.Hour, func(context.Context) {
		runs.Add(1)
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("hourly job ran early")
	}

	if err := s.Reschedule("job", 20*time.Millisecond); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 1 })

	if err := s.Reschedule("missing", time.Second); err == nil {
		t.Fatal("Reschedule of unknown job succeeded")
	}
}

func TestRemove(t *testing.T) {
	s := New(Options{Tick: 10 * time.Millisecond})
	var runs atomic.Int32
	if err := s.Add("job", 20*time.Millisecond, func(context.Context) {
		runs.Add(1)
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 1 })
	s.Remove("job")
	count := runs.Load()
	time.Sleep(100 * time.Millisecond)
	// one run may have been dispatched concurrently with Remove
	if got := runs.Load(); got > count+1 {
		t.Fatalf("removed job kept running: %d -> %d", count, got)
	}
}

func TestStopCancelsJobContext(t *testing.T) {
	s := New(Options{Tick: 10 * time.Millisecond})
	canceled := make(chan struct{})
	if err := s.Add("job", 20*time.Millisecond, func(ctx context.Context) {
		<-ctx.Done()
		close(canceled)
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start(context.Background())

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("job context not canceled on Stop")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	// second Stop is a no-op
	s.Stop()
}

func TestAddValidation(t *testing.T) {
	s := New(Options{})
	if err := s.Add("", time.Second, func(context.Context) {}); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.Add("x", 0, func(context.Context) {}); err == nil {
		t.Fatal("zero interval accepted")
	}
	if err := s.Add("x", time.Second, nil); err == nil {
		t.Fatal("nil job accepted")
	}
}
