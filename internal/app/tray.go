package app

import "time"

// TrayState is the coarse agent state the tray icon reflects
type TrayState string

const (
	TrayStarting     TrayState = "STARTING"
	TraySyncing      TrayState = "SYNCING"
	TrayQueued       TrayState = "QUEUED"
	TrayQueueWarning TrayState = "QUEUE_WARNING"
	TrayError        TrayState = "ERROR"
	TrayPaused       TrayState = "PAUSED"
	TrayPrivate      TrayState = "PRIVATE"
	TrayWaitingAuth  TrayState = "WAITING_AUTH"
)

// Tray is the surface the UI shell implements. Calls arrive from scheduler
// and event goroutines and must return quickly
type Tray interface {
	SetState(state TrayState, detail string)
	SetUser(email, name string)
	UpdateStats(todayActive time.Duration, queueSize int)
}

type nopTray struct{}

func (nopTray) SetState(TrayState, string)     {}
func (nopTray) SetUser(string, string)         {}
func (nopTray) UpdateStats(time.Duration, int) {}
