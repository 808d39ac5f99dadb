package app

import (
	"sync"
	"testing"
	"time"

	"flowsync/internal/config"
)

type noteRecorder struct {
	mu     sync.Mutex
	titles []string
}

func (n *noteRecorder) Notify(title, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *noteRecorder) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}

func newTestReminders(s config.ReminderSettings, n Notifier, at *time.Time) *ReminderManager {
	r := NewReminderManager(s, n)
	r.now = func() time.Time { return *at }
	return r
}

func TestBreakReminderFiresAndRearms(t *testing.T) {
	notes := &noteRecorder{}
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	r := newTestReminders(config.ReminderSettings{BreakEnabled: true, BreakIntervalHours: 2}, notes, &at)

	r.OnTrackingStarted()
	r.Check()
	if notes.count() != 0 {
		t.Fatalf("reminder fired immediately")
	}

	at = at.Add(2 * time.Hour)
	r.Check()
	if notes.count() != 1 {
		t.Fatalf("count = %d, want 1", notes.count())
	}

	// the next reminder is relative to the last notification
	at = at.Add(time.Hour)
	r.Check()
	if notes.count() != 1 {
		t.Fatalf("fired before the interval elapsed again")
	}
	at = at.Add(time.Hour)
	r.Check()
	if notes.count() != 2 {
		t.Fatalf("count = %d, want 2", notes.count())
	}
	if notes.titles[0] != "Time for a Break" {
		t.Fatalf("title = %q", notes.titles[0])
	}
}

func TestBreakReminderDisarmed(t *testing.T) {
	notes := &noteRecorder{}
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	r := newTestReminders(config.ReminderSettings{BreakEnabled: true, BreakIntervalHours: 1}, notes, &at)

	r.OnTrackingStarted()
	r.OnTrackingStopped()
	at = at.Add(3 * time.Hour)
	r.Check()
	if notes.count() != 0 {
		t.Fatalf("fired while disarmed")
	}
}

func TestPrivateReminder(t *testing.T) {
	notes := &noteRecorder{}
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	r := newTestReminders(config.ReminderSettings{PrivateEnabled: true, PrivateIntervalMinutes: 20}, notes, &at)

	r.OnPrivateStarted()
	at = at.Add(19 * time.Minute)
	r.Check()
	if notes.count() != 0 {
		t.Fatalf("fired early")
	}
	at = at.Add(time.Minute)
	r.Check()
	if notes.count() != 1 {
		t.Fatalf("count = %d, want 1", notes.count())
	}
	if notes.titles[0] != "Private Time Still Active" {
		t.Fatalf("title = %q", notes.titles[0])
	}

	r.OnPrivateEnded()
	at = at.Add(time.Hour)
	r.Check()
	if notes.count() != 1 {
		t.Fatalf("fired after private time ended")
	}
}

func TestUpdateSettingsDisables(t *testing.T) {
	notes := &noteRecorder{}
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	r := newTestReminders(config.ReminderSettings{BreakEnabled: true, BreakIntervalHours: 1}, notes, &at)

	r.OnTrackingStarted()
	r.UpdateSettings(config.ReminderSettings{BreakEnabled: false, BreakIntervalHours: 1})
	at = at.Add(2 * time.Hour)
	r.Check()
	if notes.count() != 0 {
		t.Fatalf("fired while disabled")
	}
}
