//go:build darwin

package sysevents

import "context"

// startPlatform wires macOS-side detection. NSWorkspace sleep and screen
// lock notifications need an AppKit run loop, which the tray shell owns;
// the shell forwards them through Dispatch. The clock-jump watcher covers
// headless runs
func startPlatform(ctx context.Context, l *Listener) error {
	l.watchClockJumps(ctx)
	return nil
}
