package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pablobfonseca/go-meal-vector/app"
	"github.com/pablobfonseca/go-meal-vector/config"
	"github.com/pablobfonseca/go-meal-vector/logging"
	"github.com/pablobfonseca/go-meal-vector/metrics"
	"github.com/pablobfonseca/go-meal-vector/worker"
)

func main() {
	boot := logging.New("info", "text", nil)
	cfg, err := config.Load(".env", boot)
	if err != nil {
		boot.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, nil).With("process", "worker")

	// The worker always needs the queue, whatever QUEUE_ENABLED says for the
	// server.
	cfg.Queue.Enabled = true

	// Setup context with cancellation for clean shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	keep := time.Duration(cfg.Metrics.RetentionDays) * 24 * time.Hour
	go metrics.RunRetention(ctx, a.Recorder, keep, cfg.Metrics.PruneInterval, logger)

	w := worker.NewWorker(a.Queue, a.Ingest, a.Blobs, cfg.Queue.WorkerCount, logger)
	w.Run(ctx)
}
