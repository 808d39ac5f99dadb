// Package engine owns the sync cycle: pull from the local tracker, gap-fill
// and dedupe, apply privacy, upload in batches, and drain the offline queue.
// The engine runs no goroutine of its own; the scheduler invokes Sync
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"flowsync/internal/config"
	perr "flowsync/internal/platform/errors"
	"flowsync/internal/platform/logger"
	"flowsync/internal/privacy"
	"flowsync/internal/queue"
	"flowsync/internal/remote"
	"flowsync/internal/tracker"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	lookBack         = 2 * time.Minute
	firstRunLookBack = 24 * time.Hour
	minEventDuration = 0.5 // seconds; anything shorter is noise
	dedupeDelta      = 0.5 // seconds of growth before an event is resent
	gapMin           = 2 * time.Second
	gapMax           = 300 * time.Second
	futureClamp      = 60 * time.Second
	sentCacheSize    = 10000

	queueBaseBackoff  = 60 * time.Second
	queueMaxBackoff   = 600 * time.Second
	queueDrainBatches = 10

	defaultHeartbeatCycles = 5
)

// Outgoing bucket types
const (
	TypeWindow  = "window"
	TypeWeb     = "web"
	TypeAFK     = "afk"
	TypeInput   = "input"
	TypeBreak   = "break"
	TypePrivate = "private_time"
)

// EventPayload is the outbound wire form of one event. The backend upserts
// on (bucket_id, id)
type EventPayload struct {
	ID         int64          `json:"id"`
	BucketID   string         `json:"bucket_id"`
	BucketType string         `json:"bucket_type"`
	Timestamp  string         `json:"timestamp"`
	Duration   float64        `json:"duration"`
	Data       map[string]any `json:"data"`
	ProjectID  int64          `json:"project_id,omitempty"`
}

// Stats summarizes one sync cycle
type Stats struct {
	Fetched    int
	Filtered   int
	Sent       int
	Queued     int
	Buckets    int
	GapsFilled int
	// ActiveSeconds sums foreground window time observed this cycle,
	// feeding the local per-day counter
	ActiveSeconds float64
	Errors        []string
}

// Success is true when the cycle recorded no errors
func (s Stats) Success() bool { return len(s.Errors) == 0 }

// TrackerReader is the slice of the tracker client the engine consumes
type TrackerReader interface {
	IsRunning(ctx context.Context) bool
	Buckets(ctx context.Context) (map[string]tracker.Bucket, error)
	Events(ctx context.Context, bucketID string, start, end time.Time, limit int) ([]tracker.Event, error)
}

// Uploader is the slice of the remote client the engine consumes
type Uploader interface {
	IsReachable(ctx context.Context) bool
	SendEvents(ctx context.Context, events []json.RawMessage) (remote.SendResult, error)
	StartSession(ctx context.Context) error
	EndSession(ctx context.Context, reason string) error
	Heartbeat(ctx context.Context, agentVersion, timezone string) (remote.HeartbeatResult, error)
	GetConfig(ctx context.Context) (config.ServerOverrides, error)
}

// Store is the durable queue surface the engine consumes
type Store interface {
	Enqueue(ctx context.Context, payloads []json.RawMessage) (int, error)
	Dequeue(ctx context.Context, n int) ([]queue.QueuedEvent, error)
	Remove(ctx context.Context, rowIDs []int64) (int, error)
	IncrementRetry(ctx context.Context, rowIDs []int64) error
	RemoveFailed(ctx context.Context, maxRetries int) (int, error)
	Size(ctx context.Context) (int, error)
	IsEmpty(ctx context.Context) (bool, error)
	GetCheckpoint(ctx context.Context, bucketID string) (time.Time, bool, error)
	SetCheckpoint(ctx context.Context, bucketID string, ts time.Time, eventID int64) error
	GetAllCheckpoints(ctx context.Context) (map[string]time.Time, error)
	GetCategory(ctx context.Context, app string) (string, bool, error)
}

// Deps wires the engine's collaborators
type Deps struct {
	Tracker         TrackerReader
	Remote          Uploader
	Queue           Store
	Config          *config.Store
	AgentVersion    string
	HeartbeatCycles int
	OnConfigUpdated func(config.Config)
}

// Engine is the sync core. Mode transitions (pause, private, project) are
// safe to call concurrently with a running Sync; Sync itself coalesces
type Engine struct {
	tracker TrackerReader
	remote  Uploader
	queue   Store
	cfg     *config.Store

	syncMu sync.Mutex // serializes Sync; TryLock skips overlapping invocations

	mu                  sync.Mutex
	paused              bool
	privateMode         bool
	privateStart        time.Time
	sessionActive       bool
	heartbeatCounter    int
	queueBackoffUntil   time.Time
	queueFailures       int
	postPauseFloor      time.Time
	currentProject      int64
	serverConfigFetched bool

	sentCache *lru.Cache[string, float64]
	analyzer  *Analyzer

	agentVersion    string
	heartbeatCycles int
	onConfigUpdated func(config.Config)

	log logger.Logger
	now func() time.Time
}

// New constructs the engine
func New(d Deps) (*Engine, error) {
	if d.Tracker == nil || d.Remote == nil || d.Queue == nil || d.Config == nil {
		return nil, perr.InvalidArgf("engine requires tracker, remote, queue, and config")
	}
	cache, err := lru.New[string, float64](sentCacheSize)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeUnknown, "sent cache")
	}
	cycles := d.HeartbeatCycles
	if cycles <= 0 {
		cycles = defaultHeartbeatCycles
	}
	return &Engine{
		tracker:         d.Tracker,
		remote:          d.Remote,
		queue:           d.Queue,
		cfg:             d.Config,
		sentCache:       cache,
		analyzer:        NewAnalyzer(DefaultThresholds()),
		agentVersion:    d.AgentVersion,
		heartbeatCycles: cycles,
		onConfigUpdated: d.OnConfigUpdated,
		log:             *logger.Named("engine"),
		now:             time.Now,
	}, nil
}

// Sync runs one cycle. The returned error is non-nil only for auth failures,
// which the orchestrator must handle by re-authenticating
func (e *Engine) Sync(ctx context.Context) (Stats, error) {
	if !e.syncMu.TryLock() {
		// a cycle is already running; coalesce by skipping
		return Stats{}, nil
	}
	defer e.syncMu.Unlock()

	// every cycle carries a sync_id so its log lines correlate
	ctx = logger.WithSync(ctx, uuid.NewString(), "")

	var stats Stats

	e.mu.Lock()
	skip := e.paused || e.privateMode
	e.mu.Unlock()
	if skip {
		return stats, nil
	}

	// pick up server config once per process, lazily
	e.mu.Lock()
	needConfig := !e.serverConfigFetched
	e.mu.Unlock()
	if needConfig && e.remote.IsReachable(ctx) {
		if err := e.FetchServerConfig(ctx); err != nil {
			e.log.Warn().Err(err).Msg("server config fetch failed")
		}
	}

	cfg := e.cfg.Snapshot()
	filter := privacy.New(cfg.Privacy)
	batchSize := cfg.Sync.BatchSize

	if !e.tracker.IsRunning(ctx) {
		stats.Errors = append(stats.Errors, "tracker is not running")
		return stats, nil
	}

	e.ensureSession(ctx)

	buckets, err := e.tracker.Buckets(ctx)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("list buckets: %v", err))
		return stats, nil
	}
	byKind := map[tracker.Kind][]tracker.Bucket{}
	for _, b := range buckets {
		byKind[b.Kind()] = append(byKind[b.Kind()], b)
	}

	now := e.now()
	var outbound []EventPayload

	for _, b := range byKind[tracker.KindWindow] {
		events, err := e.fetchBucket(ctx, b.ID, true, batchSize, now)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("sync bucket %s: %v", b.ID, err))
			continue
		}
		stats.Fetched += len(events)
		if len(events) > 0 {
			afk := e.afkEventsCovering(ctx, byKind[tracker.KindAFK],
				events[0].Timestamp, events[len(events)-1].EndTime(), batchSize)
			stats.GapsFilled += gapFill(events, afk)
			e.analyzer.AddWindowEvents(events)
		}
		outbound = append(outbound, e.transform(ctx, events, b.ID, TypeWindow, filter, cfg, now, &stats)...)
		e.advanceCheckpoint(ctx, b.ID, events)
		stats.Buckets++
	}

	plain := []struct {
		kind    tracker.Kind
		outType string
	}{
		{tracker.KindWeb, TypeWeb},
		{tracker.KindAFK, TypeAFK},
		{tracker.KindInput, TypeInput},
	}
	for _, group := range plain {
		for _, b := range byKind[group.kind] {
			events, err := e.fetchBucket(ctx, b.ID, false, batchSize, now)
			if err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("sync bucket %s: %v", b.ID, err))
				continue
			}
			stats.Fetched += len(events)
			if group.kind == tracker.KindInput {
				e.analyzer.AddInputEvents(events)
			}
			outbound = append(outbound, e.transform(ctx, events, b.ID, group.outType, filter, cfg, now, &stats)...)
			e.advanceCheckpoint(ctx, b.ID, events)
			stats.Buckets++
		}
	}

	authErr := e.sendBatches(ctx, outbound, batchSize, &stats)
	if authErr == nil {
		e.drainQueue(ctx, batchSize, &stats)
	}

	if stats.Success() {
		e.mu.Lock()
		e.postPauseFloor = time.Time{}
		e.mu.Unlock()
	}

	e.heartbeatTick(ctx)

	logger.C(ctx).Debug().
		Int("fetched", stats.Fetched).
		Int("sent", stats.Sent).
		Int("queued", stats.Queued).
		Int("filtered", stats.Filtered).
		Int("errors", len(stats.Errors)).
		Msg("sync cycle complete")

	return stats, authErr
}

// fetchBucket pulls events since the checkpoint, ascending by timestamp.
// Window buckets re-read a 2 minute look-back so still-open events are
// re-observed with their grown durations
func (e *Engine) fetchBucket(ctx context.Context, bucketID string, window bool, limit int, now time.Time) ([]tracker.Event, error) {
	ckpt, ok, err := e.queue.GetCheckpoint(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	var start time.Time
	if !ok {
		start = now.Add(-firstRunLookBack)
	} else if window {
		start = ckpt.Add(-lookBack)
	} else {
		start = ckpt
	}
	events, err := e.tracker.Events(ctx, bucketID, start, now, limit)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	return events, nil
}

// afkEventsCovering fetches afk events spanning [from, to] across buckets,
// ascending by timestamp
func (e *Engine) afkEventsCovering(ctx context.Context, afkBuckets []tracker.Bucket, from, to time.Time, limit int) []tracker.Event {
	var all []tracker.Event
	for _, b := range afkBuckets {
		events, err := e.tracker.Events(ctx, b.ID, from, to, limit)
		if err != nil {
			e.log.Warn().Err(err).Str("bucket", b.ID).Msg("afk fetch for gap fill failed")
			continue
		}
		all = append(all, events...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return all
}

// gapFill extends events over short same-app gaps that were demonstrably
// active (covered by not-afk). Mutates events in place, returns fills made
func gapFill(events, afk []tracker.Event) int {
	filled := 0
	for i := 0; i+1 < len(events); i++ {
		cur, next := &events[i], events[i+1]
		if cur.App() == "" || cur.App() != next.App() {
			continue
		}
		gap := next.Timestamp.Sub(cur.EndTime())
		if gap < gapMin || gap > gapMax {
			continue
		}
		if !coveredByNotAFK(cur.EndTime(), next.Timestamp, afk) {
			continue
		}
		cur.Duration = next.Timestamp.Sub(cur.Timestamp).Seconds()
		filled++
	}
	return filled
}

// coveredByNotAFK walks chronologically ordered afk events and reports
// whether not-afk intervals leave no uncovered sub-interval of [start, end)
func coveredByNotAFK(start, end time.Time, afk []tracker.Event) bool {
	if !start.Before(end) {
		return true
	}
	cursor := start
	for _, a := range afk {
		if a.Status() != "not-afk" {
			continue
		}
		if a.EndTime().Before(cursor) || a.EndTime().Equal(cursor) {
			continue
		}
		if a.Timestamp.After(cursor) {
			return false // hole before this interval begins
		}
		cursor = a.EndTime()
		if !cursor.Before(end) {
			return true
		}
	}
	return false
}

// transform applies exclusion, clamps, privacy, retyping, and dedupe
func (e *Engine) transform(ctx context.Context, events []tracker.Event, bucketID, outType string, filter *privacy.Filter, cfg config.Config, now time.Time, stats *Stats) []EventPayload {
	e.mu.Lock()
	floor := e.postPauseFloor
	project := e.currentProject
	e.mu.Unlock()

	var out []EventPayload
	for _, ev := range events {
		if !floor.IsZero() && ev.Timestamp.Before(floor) {
			stats.Filtered++
			continue
		}
		app := ev.App()
		if filter.ShouldExcludeApp(app) {
			stats.Filtered++
			continue
		}
		if ev.Duration < minEventDuration {
			stats.Filtered++
			continue
		}

		eventType := outType
		data := map[string]any{}
		switch outType {
		case TypeWindow:
			data["app"] = app
			if title := filter.ProcessTitle(app, ev.Title()); title != "" {
				data["title"] = title
			}
			if url := ev.URL(); url != "" {
				if processed := filter.ProcessURL(url); processed != "" {
					data["url"] = processed
				}
			}
			if cat, ok, err := e.queue.GetCategory(ctx, app); err == nil && ok {
				data["category"] = cat
			}
		case TypeWeb:
			if url := filter.ProcessURL(ev.URL()); url != "" {
				data["url"] = url
			}
			if title := filter.ProcessTitle(app, ev.Title()); title != "" {
				data["title"] = title
			}
			if cfg.Privacy.CollectPageCategory {
				data["page_category"] = string(privacy.InferPageCategory(ev.URL(), ev.Title()))
			}
		case TypeAFK:
			data["status"] = ev.Status()
			if ev.Status() == "afk" {
				eventType = TypeBreak
			}
		case TypeInput:
			data["presses"] = ev.Presses()
			data["clicks"] = ev.Clicks()
			data["scrolls"] = ev.Scrolls()
			data["activity_state"] = e.analyzer.StateAt(ev.Timestamp)
			data["metrics"] = e.analyzer.MetricsAt(ev.Timestamp)
		}

		ts := ev.Timestamp
		if max := now.Add(futureClamp); ts.After(max) {
			ts = max
		}
		dur := ev.Duration
		if dur < 0 {
			dur = 0
		}

		key := bucketID + "/" + strconv.FormatInt(ev.ID, 10)
		if cached, ok := e.sentCache.Get(key); ok && abs(dur-cached) < dedupeDelta {
			stats.Filtered++
			continue
		}
		e.sentCache.Add(key, dur)

		p := EventPayload{
			ID:         ev.ID,
			BucketID:   bucketID,
			BucketType: eventType,
			Timestamp:  ts.UTC().Format(time.RFC3339Nano),
			Duration:   round2(dur),
			Data:       data,
		}
		if project != 0 {
			p.ProjectID = project
		}
		if outType == TypeWindow {
			stats.ActiveSeconds += dur
		}
		out = append(out, p)
	}
	return out
}

// advanceCheckpoint moves the bucket checkpoint to the newest observed
// event; checkpoints never regress
func (e *Engine) advanceCheckpoint(ctx context.Context, bucketID string, events []tracker.Event) {
	if len(events) == 0 {
		return
	}
	newest := events[0]
	for _, ev := range events[1:] {
		if ev.Timestamp.After(newest.Timestamp) {
			newest = ev
		}
	}
	cur, ok, err := e.queue.GetCheckpoint(ctx, bucketID)
	if err == nil && ok && cur.After(newest.Timestamp) {
		return
	}
	if err := e.queue.SetCheckpoint(ctx, bucketID, newest.Timestamp, newest.ID); err != nil {
		e.log.Warn().Err(err).Str("bucket", bucketID).Msg("checkpoint advance failed")
	}
}

// sendBatches uploads in sub-batches. Network failures divert the rest to
// the queue; an auth failure diverts the rest and is returned to the caller
func (e *Engine) sendBatches(ctx context.Context, payloads []EventPayload, batchSize int, stats *Stats) error {
	if len(payloads) == 0 {
		return nil
	}
	raw := make([]json.RawMessage, 0, len(payloads))
	for _, p := range payloads {
		b, err := json.Marshal(p)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("encode event: %v", err))
			continue
		}
		raw = append(raw, b)
	}

	for off := 0; off < len(raw); off += batchSize {
		end := off + batchSize
		if end > len(raw) {
			end = len(raw)
		}
		batch := raw[off:end]

		res, err := e.remote.SendEvents(ctx, batch)
		if err == nil {
			stats.Sent += res.Processed
			continue
		}

		// divert this batch and everything after it
		rest := raw[off:]
		if n, qerr := e.queue.Enqueue(ctx, rest); qerr != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("enqueue after failure: %v", qerr))
		} else {
			stats.Queued += n
		}

		if perr.IsAuth(err) {
			stats.Errors = append(stats.Errors, fmt.Sprintf("authentication: %v", err))
			return err
		}
		if remote.IsNetwork(err) {
			stats.Errors = append(stats.Errors, fmt.Sprintf("network: %v", err))
			return nil
		}
		stats.Errors = append(stats.Errors, fmt.Sprintf("upload: %v", err))
		return nil
	}
	return nil
}

// drainQueue resends queued rows in FIFO order while the backend is
// reachable, bounded per cycle, with exponential backoff across failures
func (e *Engine) drainQueue(ctx context.Context, batchSize int, stats *Stats) {
	now := e.now()

	e.mu.Lock()
	until := e.queueBackoffUntil
	e.mu.Unlock()
	if now.Before(until) {
		return
	}

	if empty, err := e.queue.IsEmpty(ctx); err != nil || empty {
		return
	}
	if !e.remote.IsReachable(ctx) {
		return
	}

	if _, err := e.queue.RemoveFailed(ctx, queue.DefaultMaxRetries); err != nil {
		e.log.Warn().Err(err).Msg("queue retry cleanup failed")
	}

	processed := 0
	for processed < queueDrainBatches*batchSize {
		rows, err := e.queue.Dequeue(ctx, batchSize)
		if err != nil || len(rows) == 0 {
			return
		}
		payloads := make([]json.RawMessage, len(rows))
		ids := make([]int64, len(rows))
		for i, r := range rows {
			payloads[i] = r.Payload
			ids[i] = r.RowID
		}

		res, err := e.remote.SendEvents(ctx, payloads)
		if err != nil {
			if rerr := e.queue.IncrementRetry(ctx, ids); rerr != nil {
				e.log.Warn().Err(rerr).Msg("retry increment failed")
			}
			e.applyQueueBackoff(now)
			return
		}

		if _, err := e.queue.Remove(ctx, ids); err != nil {
			e.log.Warn().Err(err).Msg("queue remove after ack failed")
			return
		}
		stats.Sent += res.Processed
		processed += len(rows)

		e.mu.Lock()
		e.queueFailures = 0
		e.queueBackoffUntil = time.Time{}
		e.mu.Unlock()
	}
}

// applyQueueBackoff schedules the next drain attempt: 60, 120, 240, ... up
// to 600 seconds
func (e *Engine) applyQueueBackoff(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queueFailures++
	delay := queueBaseBackoff << (e.queueFailures - 1)
	if delay > queueMaxBackoff || delay <= 0 {
		delay = queueMaxBackoff
	}
	e.queueBackoffUntil = now.Add(delay)
	e.log.Info().Int("failures", e.queueFailures).Dur("delay", delay).Msg("queue drain backoff")
}

// ensureSession best-effort opens a server session once
func (e *Engine) ensureSession(ctx context.Context) {
	e.mu.Lock()
	active := e.sessionActive
	e.mu.Unlock()
	if active {
		return
	}
	if !e.remote.IsReachable(ctx) {
		return
	}
	if err := e.remote.StartSession(ctx); err != nil {
		e.log.Warn().Err(err).Msg("session start failed")
		return
	}
	e.mu.Lock()
	e.sessionActive = true
	e.mu.Unlock()
}

// endSession closes the server session if one is active
func (e *Engine) endSession(ctx context.Context, reason string) {
	e.mu.Lock()
	active := e.sessionActive
	e.sessionActive = false
	e.mu.Unlock()
	if !active {
		return
	}
	if err := e.remote.EndSession(ctx, reason); err != nil {
		e.log.Warn().Err(err).Str("reason", reason).Msg("session end failed")
	}
}

// localTimezone reports the zone sent with heartbeats. The IANA name is
// only known when TZ is set; otherwise the abbreviation plus UTC offset
// still localizes the device
func localTimezone(now time.Time) string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	name, offset := now.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("%s%s%02d:%02d", name, sign, offset/3600, (offset%3600)/60)
}

// heartbeatTick calls heartbeat every heartbeatCycles sync cycles and
// executes any server commands
func (e *Engine) heartbeatTick(ctx context.Context) {
	e.mu.Lock()
	e.heartbeatCounter++
	due := e.heartbeatCounter%e.heartbeatCycles == 0
	e.mu.Unlock()
	if !due {
		return
	}

	hb, err := e.remote.Heartbeat(ctx, e.agentVersion, localTimezone(e.now()))
	if err != nil {
		e.log.Warn().Err(err).Msg("heartbeat failed")
		return
	}

	for _, cmd := range hb.Commands {
		switch cmd.Type {
		case remote.CommandPause:
			e.log.Info().Msg("server requested pause")
			e.pauseWithReason(ctx, remote.ReasonServerPause)
		case remote.CommandDeregister:
			e.log.Info().Msg("server requested deregister")
			e.pauseWithReason(ctx, remote.ReasonServerDeregister)
		default:
			e.log.Warn().Str("type", cmd.Type).Msg("unknown server command")
		}
	}

	if hb.MinimumAgentVersion != "" && CompareVersions(hb.MinimumAgentVersion, e.agentVersion) > 0 {
		e.log.Warn().
			Str("minimum", hb.MinimumAgentVersion).
			Str("current", e.agentVersion).
			Msg("agent version below server minimum, update required")
	}

	if hb.ConfigUpdated {
		e.mu.Lock()
		e.serverConfigFetched = false
		e.mu.Unlock()
		if err := e.FetchServerConfig(ctx); err != nil {
			e.log.Warn().Err(err).Msg("config refetch after heartbeat failed")
		}
	}
}

// Pause stops uploads and discards anything buffered while off by
// fast-forwarding every checkpoint to the pause instant
func (e *Engine) Pause(ctx context.Context) {
	e.pauseWithReason(ctx, remote.ReasonUserPaused)
}

// PauseForLogout behaves like Pause but records the logout reason
func (e *Engine) PauseForLogout(ctx context.Context) {
	e.pauseWithReason(ctx, remote.ReasonUserLogout)
}

func (e *Engine) pauseWithReason(ctx context.Context, reason string) {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return
	}
	e.paused = true
	e.mu.Unlock()

	e.fastForwardCheckpoints(ctx)
	e.endSession(ctx, reason)
	e.log.Info().Str("reason", reason).Msg("sync paused")
}

// Resume re-enables syncing. Events stamped before the resume instant are
// filtered on the first post-resume cycle
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return
	}
	e.paused = false
	e.postPauseFloor = e.now()
	e.log.Info().Msg("sync resumed")
}

// IsPaused reports the pause flag
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// SetPrivateMode toggles private time. Entering behaves like pause; leaving
// synthesizes a single private_time event covering the interval
func (e *Engine) SetPrivateMode(ctx context.Context, on bool) {
	e.mu.Lock()
	if on == e.privateMode {
		e.mu.Unlock()
		return
	}
	if on {
		e.privateMode = true
		e.privateStart = e.now()
		e.mu.Unlock()

		e.fastForwardCheckpoints(ctx)
		e.endSession(ctx, remote.ReasonPrivateTime)
		e.log.Info().Msg("private mode on")
		return
	}

	start := e.privateStart
	now := e.now()
	e.privateMode = false
	e.privateStart = time.Time{}
	e.postPauseFloor = now
	e.mu.Unlock()

	e.log.Info().Dur("duration", now.Sub(start)).Msg("private mode off")
	e.sendPrivateEvent(ctx, start, now)
}

// IsPrivate reports the private mode flag
func (e *Engine) IsPrivate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.privateMode
}

// sendPrivateEvent uploads the synthesized private_time span, queueing it
// when the backend is unreachable
func (e *Engine) sendPrivateEvent(ctx context.Context, start, end time.Time) {
	p := EventPayload{
		BucketID:   "private",
		BucketType: TypePrivate,
		Timestamp:  start.UTC().Format(time.RFC3339Nano),
		Duration:   round2(end.Sub(start).Seconds()),
		Data:       map[string]any{"status": "private"},
	}
	raw, err := json.Marshal(p)
	if err != nil {
		e.log.Error().Err(err).Msg("encode private event")
		return
	}
	if _, err := e.remote.SendEvents(ctx, []json.RawMessage{raw}); err != nil {
		e.log.Warn().Err(err).Msg("private event send failed, queueing")
		if _, qerr := e.queue.Enqueue(ctx, []json.RawMessage{raw}); qerr != nil {
			e.log.Error().Err(qerr).Msg("private event enqueue failed")
		}
	}
}

// SetCurrentProject tags subsequent events with a project; 0 clears
func (e *Engine) SetCurrentProject(projectID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentProject = projectID
}

// fastForwardCheckpoints sets every known bucket's checkpoint to now so
// events buffered while off never upload. The union of tracker buckets and
// stored checkpoints covers buckets the tracker can't currently list
func (e *Engine) fastForwardCheckpoints(ctx context.Context) {
	now := e.now()
	ids := map[string]bool{}
	if buckets, err := e.tracker.Buckets(ctx); err == nil {
		for id := range buckets {
			ids[id] = true
		}
	}
	if stored, err := e.queue.GetAllCheckpoints(ctx); err == nil {
		for id := range stored {
			ids[id] = true
		}
	}
	for id := range ids {
		if cur, ok, err := e.queue.GetCheckpoint(ctx, id); err == nil && ok && cur.After(now) {
			continue
		}
		if err := e.queue.SetCheckpoint(ctx, id, now, 0); err != nil {
			e.log.Warn().Err(err).Str("bucket", id).Msg("checkpoint fast-forward failed")
		}
	}
}

// FetchServerConfig pulls device overrides, merges them locally, and fires
// the config-updated hook
func (e *Engine) FetchServerConfig(ctx context.Context) error {
	ov, err := e.remote.GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := e.cfg.ApplyServer(ov); err != nil {
		return err
	}
	e.mu.Lock()
	e.serverConfigFetched = true
	hook := e.onConfigUpdated
	e.mu.Unlock()
	if hook != nil {
		hook(e.cfg.Snapshot())
	}
	return nil
}

// StatusReport is the engine's externally visible state
type StatusReport struct {
	Paused          bool       `json:"paused"`
	PrivateMode     bool       `json:"private_mode"`
	SessionActive   bool       `json:"session_active"`
	TrackerRunning  bool       `json:"tracker_running"`
	RemoteReachable bool       `json:"remote_reachable"`
	QueueSize       int        `json:"queue_size"`
	BucketsTracked  int        `json:"buckets_tracked"`
	LastSync        *time.Time `json:"last_sync,omitempty"`
}

// GetStatus assembles a point-in-time status snapshot
func (e *Engine) GetStatus(ctx context.Context) StatusReport {
	e.mu.Lock()
	report := StatusReport{
		Paused:        e.paused,
		PrivateMode:   e.privateMode,
		SessionActive: e.sessionActive,
	}
	e.mu.Unlock()

	report.TrackerRunning = e.tracker.IsRunning(ctx)
	if !report.Paused {
		report.RemoteReachable = e.remote.IsReachable(ctx)
	}
	if n, err := e.queue.Size(ctx); err == nil {
		report.QueueSize = n
	}
	if ckpts, err := e.queue.GetAllCheckpoints(ctx); err == nil {
		report.BucketsTracked = len(ckpts)
		var last time.Time
		for _, ts := range ckpts {
			if ts.After(last) {
				last = ts
			}
		}
		if !last.IsZero() {
			report.LastSync = &last
		}
	}
	return report
}

// Shutdown ends the session gracefully; idempotent
func (e *Engine) Shutdown(ctx context.Context) {
	e.endSession(ctx, remote.ReasonAppQuit)
}

// CompareVersions compares dotted semver triples, ignoring a leading "v"
// and any pre-release suffix. Returns -1, 0, or 1
func CompareVersions(a, b string) int {
	pa, pb := versionParts(a), versionParts(b)
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			if pa[i] < pb[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func versionParts(v string) [3]int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	var out [3]int
	for i, part := range strings.SplitN(v, ".", 3) {
		if n, err := strconv.Atoi(part); err == nil {
			out[i] = n
		}
	}
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
