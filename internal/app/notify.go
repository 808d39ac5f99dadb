package app

import "flowsync/internal/platform/logger"

// Notifier shows a desktop notification. The tray shell supplies the real
// implementation; headless runs log instead
type Notifier interface {
	Notify(title, body string)
}

// NotifyFunc adapts a function to Notifier
type NotifyFunc func(title, body string)

// Notify implements Notifier
func (f NotifyFunc) Notify(title, body string) { f(title, body) }

// LogNotifier writes notifications to the log
func LogNotifier() Notifier {
	log := logger.Named("notify")
	return NotifyFunc(func(title, body string) {
		log.Info().Str("title", title).Msg(body)
	})
}
