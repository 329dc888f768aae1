package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pablobfonseca/go-meal-vector/api"
	"github.com/pablobfonseca/go-meal-vector/app"
	"github.com/pablobfonseca/go-meal-vector/config"
	"github.com/pablobfonseca/go-meal-vector/logging"
)

func main() {
	boot := logging.New("info", "text", nil)
	cfg, err := config.Load(".env", boot)
	if err != nil {
		boot.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	deps := api.Deps{
		Ingest:   a.Ingest,
		Search:   a.Search,
		Media:    a.Media,
		Blobs:    a.Blobs,
		Reporter: a.Recorder,
	}
	if a.Queue != nil {
		deps.Tasks = a.Queue
	}
	apiCfg := api.Config{
		Bucket:         cfg.Blob.Bucket,
		Collection:     cfg.Vector.Collection,
		BulkCollection: cfg.Vector.BulkCollection,
		MaxUpload:      cfg.MaxUpload,
		Location:       cfg.Pipeline.Location,
	}
	if cfg.Blob.Backend == config.BlobLocal {
		apiCfg.UploadsDir = cfg.Blob.UploadsDir
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(deps, apiCfg, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server running", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
	}
}
