// Package app wires the agent together: single-instance lock, component
// construction, login, scheduled jobs, OS event handling, and ordered
// shutdown. The tray shell talks to the App; everything below it is
// headless
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"flowsync/internal/config"
	"flowsync/internal/daily"
	"flowsync/internal/engine"
	perr "flowsync/internal/platform/errors"
	"flowsync/internal/platform/logger"
	"flowsync/internal/platform/paths"
	"flowsync/internal/queue"
	"flowsync/internal/remote"
	"flowsync/internal/scheduler"
	"flowsync/internal/statusapi"
	"flowsync/internal/sysevents"
	"flowsync/internal/tracker"
)

// queued rows older than this are expired before retry accounting
const queueEventTTL = 7 * 24 * time.Hour

// Options configures the App. Zero values resolve to the standard paths
// and headless tray/notifier implementations
type Options struct {
	Version       string
	ConfigPath    string
	QueuePath     string
	DailyPath     string
	LockPath      string
	StatusAddr    string
	UpdateChannel string

	TrackerBundleDir string // tracker binaries shipped with the app, optional
	TrackerDevDir    string // development checkout binaries, optional

	Credentials CredentialsStore
	Notifier    Notifier
	Tray        Tray

	// Authenticator runs an interactive login flow and returns the
	// authorization code and PKCE verifier. Optional; when set, an
	// expired session triggers a background re-login
	Authenticator func(ctx context.Context) (code, codeVerifier string, err error)

	DisableStatusAPI bool
}

// App is the agent orchestrator
type App struct {
	version string
	device  remote.DeviceInfo

	cfg        *config.Store
	queue      *queue.Queue
	trackerC   *tracker.Client
	supervisor *tracker.Supervisor
	remote     *remote.Client
	engine     *engine.Engine
	sched      *scheduler.Scheduler
	events     *sysevents.Listener
	status     *statusapi.Server
	daily      *daily.Tracker
	reminders  *ReminderManager
	updates    *UpdateChecker

	creds         CredentialsStore
	notifier      Notifier
	tray          Tray
	lock          *InstanceLock
	authenticator func(ctx context.Context) (string, string, error)

	rootCtx    context.Context
	rootCancel context.CancelFunc
	sysEventCh chan sysevents.Kind

	mu            sync.Mutex
	trayState     TrayState
	loggedIn      bool
	networkPaused bool
	projects      []remote.Project
	lastTrends    json.RawMessage

	shutdownOnce sync.Once

	log logger.Logger
}

// New acquires the single-instance lock and constructs every component.
// Nothing is started; call Start or Run
func New(o Options) (*App, error) {
	var err error
	if o.LockPath == "" {
		if o.LockPath, err = DefaultLockPath(); err != nil {
			return nil, err
		}
	}
	lock, err := AcquireLock(o.LockPath)
	if err != nil {
		return nil, err
	}

	if o.ConfigPath == "" {
		if o.ConfigPath, err = config.DefaultPath(); err != nil {
			lock.Release()
			return nil, err
		}
	}
	cfgStore := config.Open(o.ConfigPath)
	cfg := cfgStore.Snapshot()
	if cfg.DebugMode {
		opts := logger.FromEnv()
		opts.Level = "debug"
		logger.Init(opts)
	}

	if o.QueuePath == "" {
		if o.QueuePath, err = paths.QueuePath(); err != nil {
			lock.Release()
			return nil, err
		}
	}
	q, err := queue.Open(o.QueuePath, config.MaxQueueSize)
	if err != nil {
		lock.Release()
		return nil, err
	}

	if o.DailyPath == "" {
		dir, err := paths.DataDir()
		if err != nil {
			_ = q.Close()
			lock.Release()
			return nil, err
		}
		o.DailyPath = filepath.Join(dir, "daily.db")
	}
	day, err := daily.Open(o.DailyPath)
	if err != nil {
		_ = q.Close()
		lock.Release()
		return nil, err
	}

	if o.Credentials == nil {
		path, err := DefaultCredentialsPath()
		if err != nil {
			_ = day.Close()
			_ = q.Close()
			lock.Release()
			return nil, err
		}
		o.Credentials = NewFileCredentials(path)
	}
	if o.Notifier == nil {
		o.Notifier = LogNotifier()
	}
	if o.Tray == nil {
		o.Tray = nopTray{}
	}

	trackerDir, _ := paths.TrackerDir()
	trackerC := tracker.New(tracker.Options{BaseURL: cfg.Tracker.BaseURL()})

	a := &App{
		version:       o.Version,
		device:        remote.CollectDevice(o.Version),
		cfg:           cfgStore,
		queue:         q,
		trackerC:      trackerC,
		daily:         day,
		creds:         o.Credentials,
		notifier:      o.Notifier,
		tray:          o.Tray,
		lock:          lock,
		authenticator: o.Authenticator,
		trayState:     TrayStarting,
		sysEventCh:    make(chan sysevents.Kind, 16),
		log:           *logger.Named("app"),
	}
	a.rootCtx, a.rootCancel = context.WithCancel(context.Background())

	a.supervisor = tracker.NewSupervisor(tracker.SupervisorOptions{
		Port:       cfg.Tracker.Port,
		InstallDir: trackerDir,
		BundleDir:  o.TrackerBundleDir,
		DevDir:     o.TrackerDevDir,
		AFKTimeout: cfg.Tracker.AFKTimeoutMinutes * 60,
		Client:     trackerC,
	})
	a.remote = remote.New(remote.Options{
		APIURL:   cfg.APIURL,
		DeviceID: cfg.DeviceID,
		Compress: cfg.Sync.Compress,
	})

	eng, err := engine.New(engine.Deps{
		Tracker:         trackerC,
		Remote:          a.remote,
		Queue:           q,
		Config:          cfgStore,
		AgentVersion:    o.Version,
		OnConfigUpdated: a.onConfigUpdated,
	})
	if err != nil {
		_ = day.Close()
		_ = q.Close()
		lock.Release()
		return nil, err
	}
	a.engine = eng

	a.sched = scheduler.New(scheduler.Options{})
	a.events = sysevents.New(sysevents.Options{
		Probe: func(ctx context.Context) bool { return a.remote.IsReachable(ctx) },
	})
	a.reminders = NewReminderManager(cfg.Reminders, o.Notifier)
	a.updates = NewUpdateChecker(o.Version, o.UpdateChannel, func(version, url string) {
		a.notifier.Notify("Update Available",
			fmt.Sprintf("FlowSync Agent %s is available: %s", version, url))
	})

	if !o.DisableStatusAPI {
		a.status = statusapi.New(statusapi.Options{
			Addr:    o.StatusAddr,
			Version: o.Version,
			Source: statusapi.Source{
				Status:      a.engine.GetStatus,
				Children:    a.supervisor.ChildStates,
				TodayActive: a.daily.TodayActiveTime,
				TrayState:   func() string { return string(a.CurrentTrayState()) },
			},
		})
	}
	return a, nil
}

// Run starts the agent and blocks until ctx is cancelled, then shuts down
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Shutdown()
		return err
	}
	<-ctx.Done()
	a.Shutdown()
	return nil
}

// Start brings every component up and attempts auto-login. A tracker that
// fails to start is not fatal; sync cycles skip until it heals
func (a *App) Start(ctx context.Context) error {
	a.setTray(TrayStarting, "")
	a.log.Info().Str("version", a.version).Msg("agent starting")

	go a.consumeSystemEvents(a.rootCtx)
	a.events.Subscribe(a.handleSystemEvent)
	a.events.Start(a.rootCtx)

	if a.status != nil {
		if err := a.status.Start(); err != nil {
			a.log.Warn().Err(err).Msg("status api unavailable")
		}
	}

	cfg := a.cfg.Snapshot()
	_ = a.sched.Add("reminder_check", time.Minute, func(context.Context) { a.reminders.Check() })
	_ = a.sched.Add("tray_time_refresh", time.Minute, a.trayTimeJob)
	_ = a.sched.Add("queue_expire", 24*time.Hour, a.queueExpireJob)
	if cfg.CheckUpdates {
		_ = a.sched.Add("update_check", 12*time.Hour, a.updateJob)
		_ = a.sched.AddOnce("update_check_initial", time.Minute, a.updateJob)
	}
	a.sched.Start(a.rootCtx)

	if err := a.supervisor.Start(ctx); err != nil {
		a.log.Warn().Err(err).Msg("tracker start failed; will retry before each sync")
	}
	a.reminders.OnTrackingStarted()

	creds, ok, err := a.creds.Load()
	if err != nil {
		a.log.Warn().Err(err).Msg("load credentials failed")
	}
	if !ok {
		a.setTray(TrayWaitingAuth, "Sign in to start syncing")
		return nil
	}
	a.remote.SetCredentials(creds.Token, creds.DeviceID)
	a.finishLogin(creds.UserEmail, creds.UserName)
	return nil
}

// finishLogin flips to the authenticated state and bootstraps in the
// background
func (a *App) finishLogin(email, name string) {
	a.mu.Lock()
	a.loggedIn = true
	a.mu.Unlock()
	a.engine.Resume()
	a.tray.SetUser(email, name)
	a.setTray(TraySyncing, "")
	go a.bootstrap(a.rootCtx)
}

// bootstrap runs the authenticated startup sequence: server config,
// projects, categories, crash recovery, and the sync loop
func (a *App) bootstrap(ctx context.Context) {
	if err := a.engine.FetchServerConfig(ctx); err != nil {
		a.log.Warn().Err(err).Msg("server config fetch failed")
	}
	if projects, err := a.remote.GetProjects(ctx); err == nil {
		a.mu.Lock()
		a.projects = projects
		a.mu.Unlock()
	}
	if cats, err := a.remote.GetCategories(ctx); err == nil {
		if err := a.queue.SyncCategories(ctx, cats); err != nil {
			a.log.Warn().Err(err).Msg("category sync failed")
		}
	}
	// a session left open by a crash is closed before a fresh one starts
	if st, err := a.remote.GetStatus(ctx); err == nil && st.ActiveSession != nil {
		_ = a.remote.EndSession(ctx, remote.ReasonCrashRecovery)
	}

	cfg := a.cfg.Snapshot()
	interval := time.Duration(cfg.Sync.IntervalSeconds) * time.Second
	_ = a.sched.Add("sync", interval, a.syncJob)
	_ = a.sched.Add("category_refresh", 6*time.Hour, a.categoryJob)
	_ = a.sched.Add("trends_refresh", 30*time.Minute, a.trendsJob)
	_ = a.sched.AddOnce("sync_initial", 0, a.syncJob)
}

// CompleteLogin exchanges an authorization code from the browser flow and
// starts syncing
func (a *App) CompleteLogin(ctx context.Context, code, codeVerifier string) error {
	res, err := a.remote.ExchangeCode(ctx, code, a.device.DeviceName(), codeVerifier, a.device)
	if err != nil {
		return err
	}
	a.remote.SetCredentials(res.AccessToken, res.DeviceID)
	if err := a.creds.Save(Credentials{
		Token:     res.AccessToken,
		DeviceID:  res.DeviceID,
		UserEmail: res.UserEmail,
		UserName:  res.UserName,
	}); err != nil {
		a.log.Warn().Err(err).Msg("save credentials failed")
	}
	if err := a.cfg.Update(func(c *config.Config) {
		c.DeviceID = res.DeviceID
		c.SetupComplete = true
	}); err != nil {
		a.log.Warn().Err(err).Msg("persist device id failed")
	}
	a.finishLogin(res.UserEmail, res.UserName)
	return nil
}

// Logout ends the session, revokes the token, and drops stored credentials
func (a *App) Logout(ctx context.Context) {
	a.mu.Lock()
	a.loggedIn = false
	a.mu.Unlock()
	a.engine.PauseForLogout(ctx)
	a.remote.Revoke(ctx)
	a.remote.ClearCredentials()
	if err := a.creds.Clear(); err != nil {
		a.log.Warn().Err(err).Msg("clear credentials failed")
	}
	a.tray.SetUser("", "")
	a.setTray(TrayWaitingAuth, "")
}

// PauseTracking stops syncing until ResumeTracking
func (a *App) PauseTracking(ctx context.Context) {
	a.engine.Pause(ctx)
	a.reminders.OnTrackingStopped()
	a.setTray(TrayPaused, "")
}

// ResumeTracking restarts syncing with an immediate cycle
func (a *App) ResumeTracking() {
	a.engine.Resume()
	a.reminders.OnTrackingStarted()
	a.setTray(TraySyncing, "")
	_ = a.sched.AddOnce("sync_resume", 0, a.syncJob)
}

// SetPrivateMode toggles private time
func (a *App) SetPrivateMode(ctx context.Context, on bool) {
	a.engine.SetPrivateMode(ctx, on)
	if on {
		a.reminders.OnPrivateStarted()
		a.setTray(TrayPrivate, "")
		return
	}
	a.reminders.OnPrivateEnded()
	a.setTray(TraySyncing, "")
	_ = a.sched.AddOnce("sync_private_end", 0, a.syncJob)
}

// SetProject tags subsequent events with a backend project
func (a *App) SetProject(id int64) { a.engine.SetCurrentProject(id) }

// Projects returns the backend projects fetched at login
func (a *App) Projects() []remote.Project {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]remote.Project(nil), a.projects...)
}

// Trends returns the most recent trends document, or nil
func (a *App) Trends() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTrends
}

// CurrentTrayState returns the last state pushed to the tray
func (a *App) CurrentTrayState() TrayState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trayState
}

func (a *App) setTray(state TrayState, detail string) {
	a.mu.Lock()
	a.trayState = state
	a.mu.Unlock()
	a.tray.SetState(state, detail)
}

// syncJob is the scheduled sync cycle plus tracker health and tray upkeep
func (a *App) syncJob(ctx context.Context) {
	a.mu.Lock()
	loggedIn, offline := a.loggedIn, a.networkPaused
	a.mu.Unlock()
	if !loggedIn || offline {
		return
	}

	a.supervisor.RestartIfNeeded(ctx)

	stats, err := a.engine.Sync(ctx)
	if err != nil {
		if perr.IsAuth(err) {
			a.onAuthError()
		}
		return
	}
	if stats.ActiveSeconds > 0 {
		if err := a.daily.AddActiveTime(stats.ActiveSeconds, time.Now().Local().Format("2006-01-02")); err != nil {
			a.log.Warn().Err(err).Msg("record active time failed")
		}
	}
	a.updateTrayAfterSync(ctx, stats)
}

func (a *App) updateTrayAfterSync(ctx context.Context, stats engine.Stats) {
	if a.engine.IsPaused() || a.engine.IsPrivate() {
		return
	}
	if !stats.Success() {
		a.setTray(TrayError, strings.Join(stats.Errors, "; "))
		return
	}
	size, _ := a.queue.Size(ctx)
	warning, _ := a.queue.IsNearCapacity(ctx)
	switch {
	case warning:
		a.setTray(TrayQueueWarning, fmt.Sprintf("%d events queued; queue nearly full", size))
	case size > 0:
		a.setTray(TrayQueued, fmt.Sprintf("%d events queued", size))
	default:
		a.setTray(TraySyncing, "")
	}
	a.tray.UpdateStats(a.daily.TodayActiveTime(), size)
}

// onAuthError flips to the waiting-auth state. The scheduler keeps
// running so login can resume syncing without a restart
func (a *App) onAuthError() {
	a.mu.Lock()
	if !a.loggedIn {
		a.mu.Unlock()
		return
	}
	a.loggedIn = false
	a.mu.Unlock()

	a.remote.ClearCredentials()
	if err := a.creds.Clear(); err != nil {
		a.log.Warn().Err(err).Msg("clear credentials failed")
	}
	a.setTray(TrayWaitingAuth, "Sign in to resume syncing")
	a.notifier.Notify("Sign In Required", "Your session expired. Sign in to resume syncing.")

	if a.authenticator != nil {
		go a.relogin(a.rootCtx)
	}
}

// relogin runs the injected interactive flow once and completes the
// exchange; on failure the agent stays in the waiting-auth state
func (a *App) relogin(ctx context.Context) {
	code, verifier, err := a.authenticator(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("re-login flow failed")
		return
	}
	if err := a.CompleteLogin(ctx, code, verifier); err != nil {
		a.log.Warn().Err(err).Msg("re-login exchange failed")
	}
}

func (a *App) trayTimeJob(ctx context.Context) {
	size, _ := a.queue.Size(ctx)
	a.tray.UpdateStats(a.daily.TodayActiveTime(), size)
}

func (a *App) queueExpireJob(ctx context.Context) {
	expired, err := a.queue.ExpireOlderThan(ctx, queueEventTTL)
	if err != nil {
		a.log.Warn().Err(err).Msg("queue expire failed")
		return
	}
	dropped, _ := a.queue.RemoveFailed(ctx, queue.DefaultMaxRetries)
	if expired > 0 || dropped > 0 {
		a.log.Info().Int("expired", expired).Int("dropped", dropped).Msg("queue maintenance")
	}
}

func (a *App) categoryJob(ctx context.Context) {
	cats, err := a.remote.GetCategories(ctx)
	if err != nil {
		return
	}
	if err := a.queue.SyncCategories(ctx, cats); err != nil {
		a.log.Warn().Err(err).Msg("category sync failed")
	}
}

func (a *App) trendsJob(ctx context.Context) {
	raw, err := a.remote.GetTrends(ctx)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.lastTrends = raw
	a.mu.Unlock()
}

func (a *App) updateJob(ctx context.Context) {
	if err := a.updates.Check(ctx); err != nil {
		a.log.Debug().Err(err).Msg("update check failed")
	}
}

// onConfigUpdated reacts to a server-pushed configuration change
func (a *App) onConfigUpdated(c config.Config) {
	a.reminders.UpdateSettings(c.Reminders)
	go a.supervisor.SetAFKTimeout(a.rootCtx, c.Tracker.AFKTimeoutMinutes*60)
	interval := time.Duration(c.Sync.IntervalSeconds) * time.Second
	if err := a.sched.Reschedule("sync", interval); err == nil {
		a.log.Info().Dur("interval", interval).Msg("sync interval updated")
	}
}

// handleSystemEvent feeds the ordered event worker. It must not block the
// dispatcher, so a backlogged worker drops rather than stalls
func (a *App) handleSystemEvent(kind sysevents.Kind) {
	select {
	case a.sysEventCh <- kind:
	default:
		a.log.Warn().Str("event", string(kind)).Msg("system event dropped; worker backlogged")
	}
}

// consumeSystemEvents applies events one at a time in arrival order. A
// sleep immediately followed by a wake must leave the engine running, so
// the pair cannot be handled concurrently
func (a *App) consumeSystemEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case kind := <-a.sysEventCh:
			a.applySystemEvent(ctx, kind)
		}
	}
}

func (a *App) applySystemEvent(ctx context.Context, kind sysevents.Kind) {
	switch kind {
	case sysevents.KindSleep, sysevents.KindLock:
		a.engine.Pause(ctx)
		a.reminders.OnTrackingStopped()
		a.setTray(TrayPaused, "")
	case sysevents.KindWake, sysevents.KindUnlock:
		a.engine.Resume()
		a.reminders.OnTrackingStarted()
		a.setTray(TraySyncing, "")
		_ = a.sched.AddOnce("sync_wake", 2*time.Second, a.syncJob)
	case sysevents.KindShutdown:
		a.Shutdown()
	case sysevents.KindNetworkDown:
		// not an engine pause: cycles are skipped so checkpoints hold
		// and offline activity is picked up after reconnect
		a.mu.Lock()
		a.networkPaused = true
		a.mu.Unlock()
		a.setTray(TrayQueued, "Offline; events are queued locally")
	case sysevents.KindNetworkUp:
		a.mu.Lock()
		wasOffline := a.networkPaused
		a.networkPaused = false
		a.mu.Unlock()
		if wasOffline {
			a.setTray(TraySyncing, "")
		}
		_ = a.sched.AddOnce("sync_online", 2*time.Second, a.syncJob)
	}
}

// Shutdown stops everything in dependency order; idempotent
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.log.Info().Msg("agent shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		a.sched.Stop()
		a.engine.Shutdown(ctx)
		if a.status != nil {
			_ = a.status.Shutdown(ctx)
		}
		a.events.Stop()
		a.remote.Close()
		if err := a.queue.Close(); err != nil {
			a.log.Warn().Err(err).Msg("queue close failed")
		}
		_ = a.daily.Close()
		a.supervisor.Stop()
		a.rootCancel()
		a.lock.Release()
		a.log.Info().Msg("agent stopped")
	})
}
