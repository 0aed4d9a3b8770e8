package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/quenlab/qce/am"
	"github.com/quenlab/qce/logger"
	"github.com/quenlab/qce/schedule"
	"github.com/quenlab/qce/server"
	"github.com/quenlab/qce/sym"
	"github.com/quenlab/qce/version"
)

// ServeCmd starts the export service.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the export service",
	Long: `Start the local export service: HTTP API, WebSocket event stream,
the scheduler for recurring exports, and periodic resource cache cleanup.

The service binds to 127.0.0.1 on the configured port and recovers tasks
a previous process left running by marking them failed.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	srv := server.New(e.cfg.Server, e.adapter, nil, e.tasks, e.schedules, e.cfg.ExportsDir(), logger.Logger)
	e.withOrchestrator(srv)
	srv.SetOrchestrator(e.orch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.orch.LoadExistingTasks(ctx); err != nil {
		return err
	}

	runner := server.NewExportRunner(e.orch, e.tasks, logger.Logger).
		WithOutputDir(e.cfg.ScheduledExportsDir())
	scheduler := schedule.NewScheduler(e.schedules, runner, logger.Logger)
	go scheduler.Run(ctx)

	go e.orch.RunResourceHealthScan(ctx)

	var cleanupDays atomic.Int64
	cleanupDays.Store(int64(e.cfg.Resource.CacheCleanupDays))
	go runCacheCleanup(ctx, e, &cleanupDays)

	watcher := am.NewWatcher(e.cfg.Storage.Root, func(r am.Reloadable) {
		e.orch.SetMaxConcurrentDownloads(r.MaxConcurrentDownloads)
		e.orch.SetHealthCheckInterval(time.Duration(r.HealthCheckIntervalMinutes) * time.Minute)
		if r.CacheCleanupDays > 0 {
			cleanupDays.Store(int64(r.CacheCleanupDays))
		}
	}, logger.Logger)
	if err := watcher.Start(); err != nil {
		logger.Logger.Warnw("Config watcher unavailable", "error", err)
	} else {
		defer watcher.Stop()
	}

	printServeBanner(e.cfg)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
		pterm.Info.Println("Shutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			pterm.Warning.Printf("Shutdown incomplete: %v\n", err)
			return err
		}
		pterm.Success.Println("Server stopped cleanly")
		return nil
	}
}

// runCacheCleanup prunes expired resource rows and sweeps stale files on a
// daily cadence. cleanupDays is read each tick so config reloads apply.
func runCacheCleanup(ctx context.Context, e *engine, cleanupDays *atomic.Int64) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maxAge := time.Duration(cleanupDays.Load()) * 24 * time.Hour
			cutoff := time.Now().Add(-maxAge)
			removed, err := e.tasks.DeleteExpiredResources(ctx, cutoff)
			if err != nil {
				logger.Logger.Warnw("Resource row cleanup failed",
					"symbol", sym.Resource,
					"error", err,
				)
				continue
			}
			swept, err := e.resStore.Sweep(maxAge, nil)
			if err != nil {
				logger.Logger.Warnw("Resource file sweep failed",
					"symbol", sym.Resource,
					"error", err,
				)
				continue
			}
			logger.Logger.Infow("Resource cache cleaned",
				"symbol", sym.Resource,
				"rows_removed", removed,
				"files_swept", swept,
			)
		}
	}
}

// printServeBanner prints the startup summary.
func printServeBanner(cfg *am.Config) {
	info := version.Get()
	pterm.DefaultSection.Printf("qce %s (commit %s)", info.Version, info.Short())
	pterm.Info.Printf("Listening:  http://127.0.0.1:%d\n", cfg.Server.Port)
	pterm.Info.Printf("Events:     ws://127.0.0.1:%d/ws\n", cfg.Server.Port)
	pterm.Info.Printf("Storage:    %s\n", cfg.Storage.Root)
	pterm.Info.Printf("Bridge:     %s\n", cfg.Bridge.BaseURL)
	fmt.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}
