package sysevents

import (
	"context"
	"time"
)

const (
	clockTick  = 5 * time.Second
	jumpThresh = 30 * time.Second
)

// watchClockJumps infers suspend/resume from wall-clock jumps. The
// monotonic clock pauses during system sleep, so after a wake the wall
// delta exceeds the monotonic delta by roughly the sleep length. Native
// notification hooks supplement this; the watcher is the portable floor
func (l *Listener) watchClockJumps(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(clockTick)
		defer ticker.Stop()

		prev := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur := time.Now()
				mono := cur.Sub(prev)
				wall := cur.Round(0).Sub(prev.Round(0))
				if wall-mono > jumpThresh {
					l.log.Info().Dur("gap", wall-mono).Msg("clock jump, assuming wake from sleep")
					l.Dispatch(KindSleep)
					l.Dispatch(KindWake)
				}
				prev = cur
			}
		}
	}()
}
