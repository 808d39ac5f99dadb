//go:build windows

package sysevents

import "context"

// startPlatform wires Windows-side detection. WM_POWERBROADCAST and
// WTS session notifications need a message window, which the tray shell
// owns; the shell forwards them through Dispatch. The clock-jump watcher
// covers headless runs
func startPlatform(ctx context.Context, l *Listener) error {
	l.watchClockJumps(ctx)
	return nil
}
