// Command requestd is the persistent request-service daemon: it wires
// C1-C9 together, accepts client commands over a Unix socket, and serves
// until SIGINT/SIGTERM (the Task Manager's unload-after-idle policy is
// configured off here).
//
// Grounded on the teacher's internal/cli/coordinator_cmd.go
// newCoordinatorRunCmd (PID file, listener lifecycle, signal.Notify,
// socket cleanup) — retargeted from the single-purpose ratelimit
// coordinator to the full composition root this daemon needs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/aggregator"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/clientproto"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/config"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/events"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/executor"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/infocache"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/logging"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/manager"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/notifier"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/persistence"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/preload"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/resources"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/scheduler"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to requestd.conf (defaults to the per-OS config dir)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "requestd: failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Daemon.LogLevel)
	log.Info().Str("version", version.Version).Str("build_time", version.BuildTime).
		Str("socket", cfg.Daemon.SocketPath).Str("cache_dir", cfg.Daemon.CacheDir).Msg("requestd starting")

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("requestd exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	if err := os.MkdirAll(cfg.Daemon.CacheDir, 0o700); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	stateDir := cfg.Daemon.CacheDir

	store, err := persistence.NewJSONStore(stateDir)
	if err != nil {
		return fmt.Errorf("opening persistence store: %w", err)
	}
	log.Info().Int("cleared_invalid", store.ClearInvalid()).Msg("startup crash-recovery pass")

	bus := events.NewBus(1024)
	sched := scheduler.New(cfg.Scheduler.HighQosMax)
	resMgr := resources.NewManager(resources.Config{MaxThreads: 16, AutoScale: true})
	exec := executor.New(executor.Config{
		ConnectTimeout:    time.Duration(cfg.Executor.ConnectTimeoutSeconds) * time.Second,
		RequestTimeout:    time.Duration(cfg.Executor.RequestTimeoutSeconds) * time.Second,
		LowSpeedBytesPerS: cfg.Executor.LowSpeedBytesPerSec,
		LowSpeedWindow:    cfg.Executor.LowSpeedWindowSeconds,
		MaxRetries:        cfg.Executor.MaxRetries,
	}, bus)

	mgr := manager.New(manager.Config{
		Store:           store,
		Scheduler:       sched,
		Executor:        exec,
		Resources:       resMgr,
		Bus:             bus,
		Logger:          log,
		QueueBuffer:     256,
		UnloadAfterIdle: 0, // 0 disables unload; requestd otherwise runs until signaled
	})

	infoReg := infocache.New(256)
	go func() {
		for ev := range bus.Subscribe(events.EvComplete) {
			infoReg.Put(ev.TaskId, exec.LastInfo(ev.TaskId))
		}
	}()

	groupStore, err := aggregator.NewJSONGroupStore(stateDir)
	if err != nil {
		return fmt.Errorf("opening group store: %w", err)
	}
	agg := aggregator.New(groupStore, func(stats aggregator.GroupStats) {
		log.Debug().Str("group", stats.GroupID).Int("total", stats.Total).
			Int("succeeded", stats.Succeeded).Int("failed", stats.Failed).
			Bool("eventual", stats.Eventual).Msg("aggregator rollup")
	})
	go agg.Run()
	defer agg.Stop()

	preloadMgr := preload.New(preload.Config{
		RamCapacity:  cfg.Preload.RamCapacityBytes,
		FileCapacity: cfg.Preload.FileCapacityBytes,
		CacheDir:     filepath.Join(stateDir, "preload"),
	})
	if err := preloadMgr.RestoreFromDisk(); err != nil {
		log.Warn().Err(err).Msg("preload cache restore failed, starting empty")
	}

	os.Remove(cfg.Daemon.SocketPath)
	notifySrv, err := notifier.NewServer("unix", cfg.Daemon.SocketPath, bus, log)
	if err != nil {
		return fmt.Errorf("starting notifier socket: %w", err)
	}
	defer os.Remove(cfg.Daemon.SocketPath)

	cmdSocketPath := cfg.Daemon.SocketPath + ".cmd"
	disp := &dispatcher{mgr: mgr}
	cmdSrv, err := clientproto.NewServer("unix", cmdSocketPath, disp.handle, log)
	if err != nil {
		return fmt.Errorf("starting command socket: %w", err)
	}
	defer os.Remove(cmdSocketPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	managerDone := make(chan error, 1)
	go func() { managerDone <- mgr.Run(ctx) }()

	go func() {
		if err := notifySrv.Serve(); err != nil {
			log.Debug().Err(err).Msg("notifier server stopped")
		}
	}()

	go func() {
		if err := cmdSrv.Serve(); err != nil {
			log.Debug().Err(err).Msg("command server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("requestd received signal, shutting down")
		signal.Stop(sigChan)
		cancel()
		notifySrv.Stop()
		cmdSrv.Stop()
		<-managerDone
	case err := <-managerDone:
		if err != nil {
			log.Error().Err(err).Msg("task manager loop exited")
		}
		signal.Stop(sigChan)
		notifySrv.Stop()
		cmdSrv.Stop()
	}

	log.Info().Msg("requestd stopped")
	return nil
}
