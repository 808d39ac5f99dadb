// Command flowsync-agent runs the headless activity sync agent: tracker
// supervision, the sync loop, the offline queue, and the loopback status
// API. The tray shell talks to it over the status API and app surface
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"flowsync/internal/app"
	pconfig "flowsync/internal/platform/config"
	"flowsync/internal/platform/logger"
	"flowsync/internal/platform/paths"
	"flowsync/internal/version"
)

func main() {
	// env overrides live under FLOWSYNC_* so packaging can tweak them
	// without flag plumbing; flags win when both are set
	env := pconfig.New().Prefix("FLOWSYNC_")
	var (
		showVersion = flag.Bool("version", false, "print version and exit")
		configPath  = flag.String("config", env.MayString("CONFIG", ""), "path to config.json (default: per-OS config dir)")
		statusAddr  = flag.String("status-addr", env.MayString("STATUS_ADDR", ""), "status api listen address (default 127.0.0.1:7600)")
		noStatus    = flag.Bool("no-status-api", !env.MayBool("STATUS_API", true), "disable the loopback status api")
		channel     = flag.String("update-channel", env.MayString("UPDATE_CHANNEL", "stable"), "release channel: stable, beta, or canary")
	)
	flag.Parse()

	if *showVersion {
		info := version.Info()
		fmt.Printf("%s %s (%s, %s)\n", info.Service, info.Version, info.Commit, info.Date)
		return
	}

	logOpts := logger.FromEnv()
	if logOpts.FilePath == "" {
		if dir, err := paths.LogDir(); err == nil {
			logOpts.FilePath = filepath.Join(dir, "agent.log")
		}
	}
	logger.Init(logOpts)
	log := logger.Named("main")

	a, err := app.New(app.Options{
		Version:          version.Current(),
		ConfigPath:       *configPath,
		StatusAddr:       *statusAddr,
		UpdateChannel:    *channel,
		DisableStatusAPI: *noStatus,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("agent init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent exited")
	}
}
