// Package sysevents fans out operating system signals the agent cares
// about: sleep, wake, session lock and unlock, and network reachability.
// Platform notification glue feeds Dispatch; reachability is polled
package sysevents

import (
	"context"
	"sync"
	"time"

	"flowsync/internal/platform/logger"
)

// Kind identifies one system event
type Kind string

const (
	KindSleep       Kind = "sleep"
	KindWake        Kind = "wake"
	KindLock        Kind = "lock"
	KindUnlock      Kind = "unlock"
	KindShutdown    Kind = "shutdown"
	KindNetworkUp   Kind = "network_up"
	KindNetworkDown Kind = "network_down"
)

// Network states reported by NetworkState
const (
	NetUnknown = "unknown"
	NetOnline  = "online"
	NetOffline = "offline"
)

const (
	maxPollInterval = 15 * time.Second
	// duplicate sleep/wake notifications arrive from several OS sources
	dedupeWindow = 2 * time.Second
)

// Handler receives dispatched events. Handlers run on the dispatching
// goroutine and must not block
type Handler func(Kind)

// Probe answers whether the network currently reaches the backend
type Probe func(ctx context.Context) bool

// Options configures the Listener
type Options struct {
	PollInterval time.Duration // network poll cadence, capped at 15s
	Probe        Probe
}

// Listener is the event hub. Safe for concurrent use
type Listener struct {
	mu       sync.Mutex
	handlers []Handler
	last     map[Kind]time.Time
	netState string
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	poll  time.Duration
	probe Probe

	log logger.Logger
	now func() time.Time
}

// New builds a stopped listener. The network state starts unknown
func New(o Options) *Listener {
	if o.PollInterval <= 0 || o.PollInterval > maxPollInterval {
		o.PollInterval = maxPollInterval
	}
	return &Listener{
		last:     map[Kind]time.Time{},
		netState: NetUnknown,
		poll:     o.PollInterval,
		probe:    o.Probe,
		log:      *logger.Named("sysevents"),
		now:      time.Now,
	}
}

// Subscribe registers a handler for all events
func (l *Listener) Subscribe(h Handler) {
	if h == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Dispatch delivers an event to every handler. Repeats of the same kind
// inside the dedupe window are dropped
func (l *Listener) Dispatch(kind Kind) {
	now := l.now()

	l.mu.Lock()
	if prev, ok := l.last[kind]; ok && now.Sub(prev) < dedupeWindow {
		l.mu.Unlock()
		return
	}
	l.last[kind] = now
	handlers := make([]Handler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.Unlock()

	l.log.Debug().Str("event", string(kind)).Msg("dispatch")
	for _, h := range handlers {
		h(kind)
	}
}

// NetworkState returns "unknown", "online", or "offline"
func (l *Listener) NetworkState() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.netState
}

// Start hooks platform notifications and begins the network poller.
// Calling Start on a running listener is a no-op
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	if err := startPlatform(ctx, l); err != nil {
		l.log.Warn().Err(err).Msg("platform notifications unavailable")
	}
	if l.probe != nil {
		l.wg.Add(1)
		go l.pollNetwork(ctx)
	}
}

// Stop halts the poller; idempotent
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
}

func (l *Listener) pollNetwork(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	l.checkNetwork(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.checkNetwork(ctx)
		}
	}
}

// checkNetwork probes reachability and dispatches on state transitions,
// including the first transition out of unknown
func (l *Listener) checkNetwork(ctx context.Context) {
	state := NetOffline
	if l.probe(ctx) {
		state = NetOnline
	}

	l.mu.Lock()
	prev := l.netState
	l.netState = state
	l.mu.Unlock()

	if prev == state {
		return
	}
	l.log.Info().Str("from", prev).Str("to", state).Msg("network state changed")
	if state == NetOnline {
		l.Dispatch(KindNetworkUp)
	} else {
		l.Dispatch(KindNetworkDown)
	}
}
