package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tonylu00/bili-sync-sub000/bilibili"
	"github.com/tonylu00/bili-sync-sub000/config"
	"github.com/tonylu00/bili-sync-sub000/database"
	"github.com/tonylu00/bili-sync-sub000/services"
	"github.com/tonylu00/bili-sync-sub000/shared/format"
	"github.com/tonylu00/bili-sync-sub000/shared/logger"
)

func main() {
	// Load .env if present, then configuration
	_ = godotenv.Load()
	cfg := config.Load()

	logger.Init(cfg.Environment, cfg.Debug)

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer database.Close()

	// Run migrations
	if err := database.RunMigrations(); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}

	store := database.NewStore(database.DB)
	client := bilibili.NewClient(cfg.Cookie, cfg.PageSize)

	state := &services.ScanState{}
	queue := services.NewMutationQueue(state, store)

	syncer, err := services.NewSyncer(cfg, store, client, queue, state)
	if err != nil {
		log.Fatal("Failed to initialize syncer:", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// First signal pauses the in-flight scan, second one exits hard.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		slog.Info("Shutdown requested, pausing scan")
		syncer.Pause()
		stop()
		<-sigs
		os.Exit(1)
	}()

	runScanLoop(ctx, cfg, syncer, queue)
	slog.Info("bili-sync stopped")
}

// runScanLoop runs one scan immediately and then on the configured interval,
// draining queued mutations after every scan.
func runScanLoop(ctx context.Context, cfg *config.Config, syncer *services.Syncer, queue *services.MutationQueue) {
	interval := time.Duration(cfg.ScanIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		runScan(ctx, syncer, queue)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runScan(ctx context.Context, syncer *services.Syncer, queue *services.MutationQueue) {
	slog.Info("Running scheduled scan")
	started := time.Now()
	err := syncer.ScanAll(ctx)
	switch {
	case err == nil:
		slog.Info("Scan complete", "elapsed", format.Duration(time.Since(started)))
	case errors.Is(err, bilibili.ErrScanPaused):
		slog.Info("Scan paused")
	case errors.Is(err, services.ErrScanActive):
		slog.Warn("Scan still running, skipping this tick")
	default:
		slog.Error("Scan failed", "error", err)
	}

	if err := queue.Drain(context.WithoutCancel(ctx)); err != nil {
		slog.Error("Failed to drain mutation queue", "error", err)
	}
}
