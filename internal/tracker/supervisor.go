package tracker

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	perr "flowsync/internal/platform/errors"
	"flowsync/internal/platform/logger"

	"github.com/shirou/gopsutil/v4/process"
)

// Managed components. Start order matters: the data service first, then
// watchers in parallel
const (
	ServerBinary        = "aw-server-rust"
	WindowWatcherBinary = "aw-watcher-window"
	AFKWatcherBinary    = "aw-watcher-afk"
)

var watcherBinaries = []string{WindowWatcherBinary, AFKWatcherBinary}

var allBinaries = []string{ServerBinary, WindowWatcherBinary, AFKWatcherBinary}

const (
	trackerRelease  = "v0.13.2"
	releaseBaseURL  = "https://github.com/ActivityWatch/activitywatch/releases/download/" + trackerRelease
	startupTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	// a live window watcher whose newest event is older than this is stalled
	staleThreshold = 5 * time.Minute
)

var releaseAssets = map[string]string{
	"darwin":  "activitywatch-" + trackerRelease + "-macos-x86_64.zip",
	"windows": "activitywatch-" + trackerRelease + "-windows.zip",
	"linux":   "activitywatch-" + trackerRelease + "-linux-x86_64.zip",
}

// ChildState is one managed process's lifecycle phase
type ChildState string

const (
	StateStopped  ChildState = "stopped"
	StateStarting ChildState = "starting"
	StateRunning  ChildState = "running"
	StateCrashed  ChildState = "crashed"
	StateStalled  ChildState = "stalled"
	StateStopping ChildState = "stopping"
)

type child struct {
	name   string
	cmd    *exec.Cmd
	state  ChildState
	exited chan struct{}
}

// SupervisorOptions configures the Supervisor
type SupervisorOptions struct {
	Port       int    // data-service port, default 5600
	InstallDir string // persistent directory for downloaded binaries
	BundleDir  string // binaries shipped inside the app bundle, optional
	DevDir     string // development checkout binaries, optional
	AFKTimeout int    // seconds of inactivity before afk, 0 keeps the watcher default
	Client     *Client
	BaseURL    string // release download base override, for tests
}

// Supervisor owns the local tracker's child processes: discovery and
// download of binaries, ordered start and stop, crash restart, and stall
// detection for the window watcher
type Supervisor struct {
	mu         sync.Mutex
	children   map[string]*child
	external   bool
	port       int
	installDir string
	bundleDir  string
	devDir     string
	afkTimeout int
	baseURL    string

	client *Client
	httpc  *http.Client

	log logger.Logger
	now func() time.Time
}

// NewSupervisor builds a stopped supervisor
func NewSupervisor(o SupervisorOptions) *Supervisor {
	if o.Port <= 0 {
		o.Port = 5600
	}
	if o.BaseURL == "" {
		o.BaseURL = releaseBaseURL
	}
	return &Supervisor{
		children:   map[string]*child{},
		port:       o.Port,
		installDir: o.InstallDir,
		bundleDir:  o.BundleDir,
		devDir:     o.DevDir,
		afkTimeout: o.AFKTimeout,
		baseURL:    o.BaseURL,
		client:     o.Client,
		httpc:      &http.Client{Timeout: 2 * time.Second},
		log:        *logger.Named("supervisor"),
		now:        time.Now,
	}
}

// IsExternal reports whether an instance we did not launch owns the port
func (s *Supervisor) IsExternal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.external
}

// Start brings the tracker up. When the data-service port is already
// served by an external instance the server is left alone and only
// missing watchers are launched
func (s *Supervisor) Start(ctx context.Context) error {
	if s.portInUse() {
		s.log.Info().Int("port", s.port).Msg("external tracker instance detected")
		s.mu.Lock()
		s.external = true
		s.mu.Unlock()
		s.startMissingWatchers(ctx)
		return nil
	}

	dir, err := s.binariesDir(ctx)
	if err != nil {
		return err
	}
	s.log.Info().Str("dir", dir).Msg("starting tracker components")

	if err := s.startComponent(ServerBinary, dir); err != nil {
		return err
	}
	if err := s.waitForServer(ctx); err != nil {
		s.Stop()
		return err
	}
	for _, name := range watcherBinaries {
		if err := s.startComponent(name, dir); err != nil {
			s.log.Error().Err(err).Str("component", name).Msg("watcher start failed")
		}
	}
	return nil
}

// startMissingWatchers launches watchers that have no live process,
// system-wide. Used alongside an external server
func (s *Supervisor) startMissingWatchers(ctx context.Context) {
	dir, err := s.binariesDir(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("no binaries for missing watchers")
		return
	}
	for _, name := range watcherBinaries {
		if processRunning(name) {
			continue
		}
		if err := s.startComponent(name, dir); err != nil {
			s.log.Warn().Err(err).Str("component", name).Msg("watcher start failed")
		}
	}
}

// Stop terminates watchers first, then the server, escalating to kill
// after the shutdown timeout. External instances are left running
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.external {
		s.mu.Unlock()
		return
	}
	stopOrder := append(append([]string{}, watcherBinaries...), ServerBinary)
	var stopping []*child
	for _, name := range stopOrder {
		c := s.children[name]
		if c == nil || c.state != StateRunning {
			continue
		}
		c.state = StateStopping
		stopping = append(stopping, c)
	}
	s.mu.Unlock()

	for _, c := range stopping {
		s.log.Debug().Str("component", c.name).Msg("terminating")
		terminate(c.cmd.Process)
	}

	deadline := time.After(shutdownTimeout)
	for _, c := range stopping {
		select {
		case <-c.exited:
		case <-deadline:
			s.log.Warn().Str("component", c.name).Msg("force-killing")
			_ = c.cmd.Process.Kill()
			<-c.exited
		}
	}

	s.mu.Lock()
	for _, c := range stopping {
		c.state = StateStopped
	}
	s.mu.Unlock()
	if len(stopping) > 0 {
		s.log.Info().Msg("tracker components stopped")
	}
}

// CheckHealth is true when the external port answers, or when every
// managed child is still alive
func (s *Supervisor) CheckHealth(ctx context.Context) bool {
	s.mu.Lock()
	external := s.external
	children := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	if external {
		return s.portInUse()
	}
	if len(children) == 0 {
		return false
	}
	for _, c := range children {
		s.mu.Lock()
		state := c.state
		s.mu.Unlock()
		if state != StateRunning {
			s.log.Warn().Str("component", c.name).Str("state", string(state)).Msg("component not running")
			return false
		}
	}
	return true
}

// RestartIfNeeded relaunches exited children and restarts a stalled
// window watcher. Returns true when the tracker is healthy afterwards
func (s *Supervisor) RestartIfNeeded(ctx context.Context) bool {
	s.mu.Lock()
	external := s.external
	s.mu.Unlock()

	if external {
		if s.portInUse() {
			return true
		}
		s.log.Warn().Msg("external tracker gone, starting our own")
		s.mu.Lock()
		s.external = false
		s.mu.Unlock()
		return s.Start(ctx) == nil
	}

	s.mu.Lock()
	if len(s.children) == 0 {
		s.mu.Unlock()
		return false
	}
	var crashed []string
	for name, c := range s.children {
		if c.state == StateCrashed {
			crashed = append(crashed, name)
		}
	}
	s.mu.Unlock()

	dir, err := s.binariesDir(ctx)
	if err != nil {
		return false
	}

	serverRestarted := false
	for _, name := range crashed {
		s.log.Info().Str("component", name).Msg("restarting crashed component")
		if err := s.startComponent(name, dir); err != nil {
			s.log.Error().Err(err).Str("component", name).Msg("restart failed")
			continue
		}
		if name == ServerBinary {
			serverRestarted = true
		}
	}
	if serverRestarted {
		if err := s.waitForServer(ctx); err != nil {
			s.log.Error().Err(err).Msg("server not ready after restart")
		}
	}

	s.restartIfStalled(ctx, dir)

	return s.CheckHealth(ctx)
}

// restartIfStalled terminates and relaunches the window watcher when its
// newest event is too old despite the process being alive
func (s *Supervisor) restartIfStalled(ctx context.Context, dir string) {
	s.mu.Lock()
	c := s.children[WindowWatcherBinary]
	running := c != nil && c.state == StateRunning
	s.mu.Unlock()
	if !running || s.client == nil {
		return
	}

	newest, ok := s.newestWindowEvent(ctx)
	if !ok {
		return
	}
	age := s.now().Sub(newest.EndTime())
	if age <= staleThreshold {
		return
	}

	s.log.Warn().Dur("age", age).Msg("window watcher stalled, restarting")
	s.mu.Lock()
	c.state = StateStalled
	s.mu.Unlock()

	terminate(c.cmd.Process)
	select {
	case <-c.exited:
	case <-time.After(shutdownTimeout):
		_ = c.cmd.Process.Kill()
		<-c.exited
	}
	if err := s.startComponent(WindowWatcherBinary, dir); err != nil {
		s.log.Error().Err(err).Msg("stalled watcher restart failed")
	}
}

func (s *Supervisor) newestWindowEvent(ctx context.Context) (Event, bool) {
	buckets, err := s.client.WindowBuckets(ctx)
	if err != nil || len(buckets) == 0 {
		return Event{}, false
	}
	var newest Event
	found := false
	for _, b := range buckets {
		events, err := s.client.Events(ctx, b.ID, time.Time{}, time.Time{}, 1)
		if err != nil || len(events) == 0 {
			continue
		}
		if !found || events[0].Timestamp.After(newest.Timestamp) {
			newest = events[0]
			found = true
		}
	}
	return newest, found
}

// SetAFKTimeout changes the idle threshold and restarts the afk watcher
// if it is currently managed
func (s *Supervisor) SetAFKTimeout(ctx context.Context, seconds int) {
	s.mu.Lock()
	if seconds == s.afkTimeout {
		s.mu.Unlock()
		return
	}
	s.afkTimeout = seconds
	c := s.children[AFKWatcherBinary]
	running := c != nil && c.state == StateRunning
	if running {
		c.state = StateStopping
	}
	s.mu.Unlock()

	if !running {
		return
	}
	s.log.Info().Int("seconds", seconds).Msg("restarting afk watcher with new timeout")

	terminate(c.cmd.Process)
	select {
	case <-c.exited:
	case <-time.After(shutdownTimeout):
		_ = c.cmd.Process.Kill()
		<-c.exited
	}
	dir, err := s.binariesDir(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("afk watcher restart failed")
		return
	}
	if err := s.startComponent(AFKWatcherBinary, dir); err != nil {
		s.log.Error().Err(err).Msg("afk watcher restart failed")
	}
}

// ChildStates snapshots per-component state for status reporting
func (s *Supervisor) ChildStates() map[string]ChildState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ChildState, len(s.children))
	for name, c := range s.children {
		out[name] = c.state
	}
	return out
}

func (s *Supervisor) startComponent(name, dir string) error {
	path := filepath.Join(dir, name+exeSuffix())
	if _, err := os.Stat(path); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeNotFound, "binary %s", path)
	}

	args := []string{}
	if name == ServerBinary && s.port != 5600 {
		args = append(args, "--port", strconv.Itoa(s.port))
	}
	if name == AFKWatcherBinary && s.afkTimeout > 0 {
		args = append(args, "--timeout", strconv.Itoa(s.afkTimeout))
	}

	cmd := exec.Command(path, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnknown, "start %s", name)
	}

	c := &child{name: name, cmd: cmd, state: StateRunning, exited: make(chan struct{})}
	s.mu.Lock()
	s.children[name] = c
	s.mu.Unlock()
	s.log.Info().Str("component", name).Int("pid", cmd.Process.Pid).Msg("started")

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if c.state == StateRunning {
			c.state = StateCrashed
			s.log.Warn().Str("component", name).Err(err).Msg("component exited")
		}
		s.mu.Unlock()
		close(c.exited)
	}()
	return nil
}

// waitForServer polls /info until the data service answers, the child
// exits, or the startup budget runs out
func (s *Supervisor) waitForServer(ctx context.Context) error {
	url := fmt.Sprintf("http://localhost:%d/api/0/info", s.port)
	deadline := s.now().Add(startupTimeout)

	for s.now().Before(deadline) {
		s.mu.Lock()
		c := s.children[ServerBinary]
		dead := c != nil && c.state != StateRunning && c.state != StateStarting
		s.mu.Unlock()
		if dead {
			return perr.Trackerf("data service exited during startup")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return perr.Wrap(err, perr.ErrorCodeUnknown, "info request")
		}
		if resp, err := s.httpc.Do(req); err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 300 {
				s.log.Info().Msg("data service ready")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return perr.Wrap(ctx.Err(), perr.ErrorCodeTransient, "startup wait canceled")
		case <-time.After(500 * time.Millisecond):
		}
	}
	return perr.Trackerf("data service not ready after %s", startupTimeout)
}

func (s *Supervisor) portInUse() bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", s.port), time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// binariesDir resolves where the tracker binaries live: bundle first,
// then the persistent install dir, then a development checkout. Missing
// everywhere means download
func (s *Supervisor) binariesDir(ctx context.Context) (string, error) {
	for _, dir := range []string{s.bundleDir, s.installDir, s.devDir} {
		if dir != "" && binariesPresent(dir) {
			return dir, nil
		}
	}
	if s.installDir == "" {
		return "", perr.Newf(perr.ErrorCodeNotFound, "tracker binaries not found and no install dir configured")
	}
	s.log.Info().Msg("tracker binaries not found, downloading")
	if err := s.download(ctx); err != nil {
		return "", err
	}
	return s.installDir, nil
}

func binariesPresent(dir string) bool {
	for _, name := range allBinaries {
		if _, err := os.Stat(filepath.Join(dir, name+exeSuffix())); err != nil {
			return false
		}
	}
	return true
}

// download fetches the release archive, extracts the needed binaries into
// the install dir, marks them executable, and strips the macOS quarantine
// attribute
func (s *Supervisor) download(ctx context.Context) error {
	asset, ok := releaseAssets[runtime.GOOS]
	if !ok {
		return perr.Newf(perr.ErrorCodeNotFound, "no tracker release for %s", runtime.GOOS)
	}
	url := s.baseURL + "/" + asset
	s.log.Info().Str("url", url).Msg("downloading tracker release")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeUnknown, "download request")
	}
	resp, err := (&http.Client{Timeout: 5 * time.Minute}).Do(req)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeTransient, "download tracker release")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return perr.Transientf("download tracker release: status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "tracker-*.zip")
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "temp archive")
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	size, err := io.Copy(tmp, resp.Body)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeTransient, "save tracker release")
	}
	s.log.Info().Int64("bytes", size).Msg("downloaded, extracting")

	if err := extractBinaries(tmp.Name(), s.installDir); err != nil {
		return err
	}

	if runtime.GOOS == "darwin" {
		for _, name := range allBinaries {
			path := filepath.Join(s.installDir, name)
			// Gatekeeper blocks downloaded binaries unless the
			// quarantine attribute is removed
			_ = exec.Command("xattr", "-d", "com.apple.quarantine", path).Run()
		}
	}
	s.log.Info().Msg("tracker binaries installed")
	return nil
}

// extractBinaries pulls the managed binaries out of the archive by base
// name, flattening whatever directory layout the release uses
func extractBinaries(archive, destDir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "open tracker archive")
	}
	defer func() { _ = zr.Close() }()

	needed := map[string]bool{}
	for _, name := range allBinaries {
		needed[name+exeSuffix()] = true
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "create install dir")
	}

	for _, f := range zr.File {
		base := filepath.Base(f.Name)
		if !needed[base] {
			continue
		}
		src, err := f.Open()
		if err != nil {
			return perr.Wrapf(err, perr.ErrorCodeStore, "extract %s", base)
		}
		target := filepath.Join(destDir, base)
		dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			_ = src.Close()
			return perr.Wrapf(err, perr.ErrorCodeStore, "write %s", base)
		}
		_, err = io.Copy(dst, src)
		_ = src.Close()
		_ = dst.Close()
		if err != nil {
			return perr.Wrapf(err, perr.ErrorCodeStore, "write %s", base)
		}
		delete(needed, base)
	}

	if len(needed) > 0 {
		missing := make([]string, 0, len(needed))
		for name := range needed {
			missing = append(missing, name)
		}
		return perr.Newf(perr.ErrorCodeNotFound, "archive missing binaries: %s", strings.Join(missing, ", "))
	}
	return nil
}

// processRunning reports whether any process on the system carries the
// binary's name; used to avoid doubling watchers next to an external
// server
func processRunning(name string) bool {
	procs, err := process.Processes()
	if err != nil {
		return false
	}
	for _, p := range procs {
		if n, err := p.Name(); err == nil && strings.HasPrefix(n, name) {
			return true
		}
	}
	return false
}

func terminate(p *os.Process) {
	if p == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = p.Kill()
		return
	}
	_ = p.Signal(syscall.SIGTERM)
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}
