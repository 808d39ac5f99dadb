//go:build linux

package sysevents

import "context"

// startPlatform wires Linux-side detection. logind PrepareForSleep and
// screensaver lock signals arrive over the session D-Bus, forwarded by
// the tray shell through Dispatch. The clock-jump watcher covers
// headless runs
func startPlatform(ctx context.Context, l *Listener) error {
	l.watchClockJumps(ctx)
	return nil
}
