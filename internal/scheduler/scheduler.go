// Package scheduler runs named periodic and one-shot jobs on a single
// timing loop. A job whose previous run is still in flight is skipped for
// that tick, not queued
package scheduler

import (
	"context"
	"sync"
	"time"

	perr "flowsync/internal/platform/errors"
	"flowsync/internal/platform/logger"
)

const defaultTick = time.Second

// Job is one unit of scheduled work. The context is canceled on Stop
type Job func(ctx context.Context)

type entry struct {
	name     string
	interval time.Duration
	job      Job
	oneShot  bool
	next     time.Time
	running  bool
}

// Options configures the Scheduler
type Options struct {
	Tick time.Duration // timing-loop granularity
}

// Scheduler owns the timing loop. Jobs may be added, rescheduled, and
// removed while it runs
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*entry
	cancel context.CancelFunc
	wg     sync.WaitGroup
	tick   time.Duration

	log logger.Logger
	now func() time.Time
}

// New builds a stopped scheduler
func New(o Options) *Scheduler {
	if o.Tick <= 0 {
		o.Tick = defaultTick
	}
	return &Scheduler{
		jobs: map[string]*entry{},
		tick: o.Tick,
		log:  *logger.Named("scheduler"),
		now:  time.Now,
	}
}

// Add registers a periodic job. The first run happens one interval from
// now. Re-adding a name replaces the existing job
func (s *Scheduler) Add(name string, interval time.Duration, job Job) error {
	if name == "" || job == nil || interval <= 0 {
		return perr.InvalidArgf("job needs a name, an interval, and a body")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &entry{
		name:     name,
		interval: interval,
		job:      job,
		next:     s.now().Add(interval),
	}
	return nil
}

// AddOnce registers a job that runs a single time after delay and then
// removes itself
func (s *Scheduler) AddOnce(name string, delay time.Duration, job Job) error {
	if name == "" || job == nil || delay < 0 {
		return perr.InvalidArgf("one-shot job needs a name, a non-negative delay, and a body")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &entry{
		name:    name,
		job:     job,
		oneShot: true,
		next:    s.now().Add(delay),
	}
	return nil
}

// Reschedule changes a periodic job's interval; the next run moves to one
// new interval from now
func (s *Scheduler) Reschedule(name string, interval time.Duration) error {
	if interval <= 0 {
		return perr.InvalidArgf("interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return perr.NotFoundf("job %q", name)
	}
	if e.oneShot {
		return perr.InvalidArgf("job %q is one-shot", name)
	}
	e.interval = interval
	e.next = s.now().Add(interval)
	return nil
}

// Remove unregisters a job. A run already in flight finishes
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
}

// Names lists registered jobs
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	return out
}

// Start launches the timing loop. Calling Start on a running scheduler is
// a no-op
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info().Dur("tick", s.tick).Msg("scheduler started")
}

// Stop cancels job contexts and waits for in-flight runs; idempotent
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch fires every due job. Due jobs still running from a previous
// tick are pushed to their next slot without running
func (s *Scheduler) dispatch(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.jobs {
		if now.Before(e.next) {
			continue
		}
		if e.running {
			e.next = now.Add(e.interval)
			s.log.Debug().Str("job", e.name).Msg("previous run in flight, skipping tick")
			continue
		}
		e.running = true
		if e.oneShot {
			delete(s.jobs, e.name)
		} else {
			e.next = now.Add(e.interval)
		}
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.wg.Add(1)
		go func(e *entry) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				e.running = false
				s.mu.Unlock()
			}()
			e.job(ctx)
		}(e)
	}
}
