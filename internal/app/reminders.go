package app

import (
	"fmt"
	"sync"
	"time"

	"flowsync/internal/config"
	"flowsync/internal/platform/logger"
)

// ReminderManager fires break and private-time reminders. Anchors are
// wall-clock instants captured in-process, so a reminder fires relative to
// the last notification rather than bursting after a laptop resume
type ReminderManager struct {
	mu       sync.Mutex
	settings config.ReminderSettings

	trackingSince     time.Time
	lastBreakNotice   time.Time
	privateSince      time.Time
	lastPrivateNotice time.Time

	notifier Notifier
	log      logger.Logger
	now      func() time.Time
}

// NewReminderManager builds a disarmed manager
func NewReminderManager(settings config.ReminderSettings, n Notifier) *ReminderManager {
	if n == nil {
		n = LogNotifier()
	}
	return &ReminderManager{
		settings: settings,
		notifier: n,
		log:      *logger.Named("reminders"),
		now:      time.Now,
	}
}

// OnTrackingStarted arms the break reminder
func (r *ReminderManager) OnTrackingStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackingSince = r.now()
	r.lastBreakNotice = time.Time{}
}

// OnTrackingStopped disarms the break reminder
func (r *ReminderManager) OnTrackingStopped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackingSince = time.Time{}
	r.lastBreakNotice = time.Time{}
}

// OnPrivateStarted arms the private-time reminder
func (r *ReminderManager) OnPrivateStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.privateSince = r.now()
	r.lastPrivateNotice = time.Time{}
}

// OnPrivateEnded disarms the private-time reminder
func (r *ReminderManager) OnPrivateEnded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.privateSince = time.Time{}
	r.lastPrivateNotice = time.Time{}
}

// UpdateSettings replaces thresholds; armed timers keep their anchors
func (r *ReminderManager) UpdateSettings(s config.ReminderSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = s
}

// Check fires any due reminders; the scheduler calls it every minute
func (r *ReminderManager) Check() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	if r.settings.BreakEnabled && r.settings.BreakIntervalHours > 0 && !r.trackingSince.IsZero() {
		interval := time.Duration(r.settings.BreakIntervalHours) * time.Hour
		anchor := r.trackingSince
		if !r.lastBreakNotice.IsZero() {
			anchor = r.lastBreakNotice
		}
		if now.Sub(anchor) >= interval {
			r.lastBreakNotice = now
			hours := now.Sub(r.trackingSince).Hours()
			r.log.Info().Float64("hours", hours).Msg("break reminder")
			r.notifier.Notify("Time for a Break",
				fmt.Sprintf("You've been tracking for %.1f hours. Consider taking a break.", hours))
		}
	}

	if r.settings.PrivateEnabled && r.settings.PrivateIntervalMinutes > 0 && !r.privateSince.IsZero() {
		interval := time.Duration(r.settings.PrivateIntervalMinutes) * time.Minute
		anchor := r.privateSince
		if !r.lastPrivateNotice.IsZero() {
			anchor = r.lastPrivateNotice
		}
		if now.Sub(anchor) >= interval {
			r.lastPrivateNotice = now
			mins := int(now.Sub(r.privateSince).Minutes())
			r.log.Info().Int("minutes", mins).Msg("private time reminder")
			r.notifier.Notify("Private Time Still Active",
				fmt.Sprintf("Private time has been on for %d minutes. Tracking is paused.", mins))
		}
	}
}
