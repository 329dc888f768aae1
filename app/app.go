// Package app wires the configured backends into the ingest, search and media
// services shared by the HTTP server and the worker.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pablobfonseca/go-meal-vector/blobstore"
	"github.com/pablobfonseca/go-meal-vector/config"
	"github.com/pablobfonseca/go-meal-vector/database"
	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/ingest"
	"github.com/pablobfonseca/go-meal-vector/media"
	"github.com/pablobfonseca/go-meal-vector/metrics"
	"github.com/pablobfonseca/go-meal-vector/queue"
	"github.com/pablobfonseca/go-meal-vector/search"
	"github.com/pablobfonseca/go-meal-vector/services"
	"github.com/pablobfonseca/go-meal-vector/vectorops"
	"github.com/pablobfonseca/go-meal-vector/vectorstore"
	"github.com/pablobfonseca/go-meal-vector/vectorstore/memory"
	"github.com/pablobfonseca/go-meal-vector/vectorstore/pgvector"
	"github.com/pablobfonseca/go-meal-vector/vectorstore/qdrant"
	"gorm.io/gorm"
)

// Recorder is a metrics store that can also summarize what it holds.
type Recorder interface {
	metrics.Recorder
	metrics.Reporter
}

// App holds every long-lived component.
type App struct {
	Config *config.AppConfig
	Logger *slog.Logger

	DB       *gorm.DB
	Vectors  *vectorops.Ops
	Blobs    blobstore.Store
	Recorder Recorder
	AI       *services.Ollama
	Queue    *queue.Queue

	Ingest *ingest.Service
	Search *search.Service
	Media  *media.Service
}

// Build validates cfg and connects every selected backend. On failure the
// pieces opened so far are closed.
func Build(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger}

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("application ready",
		"vector_backend", cfg.Vector.Backend,
		"blob_backend", cfg.Blob.Backend,
		"metrics_backend", cfg.Metrics.Backend,
		"queue_enabled", a.Queue != nil,
	)
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	if cfg.NeedsDatabase() {
		db, err := database.Connect(ctx, cfg.Database, a.Logger)
		if err != nil {
			return err
		}
		a.DB = db
	}

	store, err := a.vectorStore()
	if err != nil {
		return err
	}
	a.Vectors = vectorops.New(store, a.Logger)

	if a.Blobs, err = a.blobStore(ctx); err != nil {
		return err
	}

	switch cfg.Metrics.Backend {
	case config.MetricsPostgres:
		a.Recorder = metrics.NewGormRecorder(a.DB)
	default:
		a.Recorder = metrics.NewMemoryRecorder()
	}

	var migrators []database.Migrator
	if pg, ok := store.(*pgvector.Store); ok {
		migrators = append(migrators, pg)
	}
	if m, ok := a.Recorder.(database.Migrator); ok {
		migrators = append(migrators, m)
	}
	if err := database.Migrate(ctx, migrators...); err != nil {
		return err
	}

	if cfg.Queue.Enabled {
		q := queue.New(cfg.Queue, a.Logger)
		if err := q.Ping(ctx); err != nil {
			_ = q.Close()
			return err
		}
		a.Queue = q
	}

	a.AI = services.NewOllama(services.OllamaConfig{
		BaseURL:        cfg.AI.BaseURL(),
		VisionModel:    cfg.AI.VisionModel,
		EmbeddingModel: cfg.AI.EmbeddingModel,
		Timeout:        cfg.AI.Timeout,
	})

	a.Ingest = ingest.New(a.AI, a.AI, a.Blobs, a.Vectors, a.Recorder, ingest.Config{
		Collection:       cfg.Vector.Collection,
		BulkCollection:   cfg.Vector.BulkCollection,
		Bucket:           cfg.Blob.Bucket,
		ImagesPrefix:     cfg.Blob.ImagesPrefix,
		EmbeddingsPrefix: cfg.Blob.EmbeddingsPrefix,
		OutputDim:        cfg.AI.OutputDim,
		BulkChunkSize:    cfg.Pipeline.BulkChunkSize,
		BulkUserID:       cfg.Pipeline.BulkUserID,
	}, a.Logger)
	a.Search = search.New(a.AI, a.Vectors, a.Recorder, search.Config{
		Collection:     cfg.Vector.Collection,
		BulkCollection: cfg.Vector.BulkCollection,
		BulkUserID:     cfg.Pipeline.BulkUserID,
		OutputDim:      cfg.AI.OutputDim,
		TopK:           cfg.Pipeline.TopK,
		ScoreThreshold: cfg.Pipeline.ScoreThreshold,
		Location:       cfg.Pipeline.Location,
	}, a.Logger)
	a.Media = media.New(a.Vectors, a.Blobs, media.Config{
		Bucket:           cfg.Blob.Bucket,
		ImagesPrefix:     cfg.Blob.ImagesPrefix,
		EmbeddingsPrefix: cfg.Blob.EmbeddingsPrefix,
	}, a.Logger)
	return nil
}

func (a *App) vectorStore() (vectorstore.Store, error) {
	cfg := a.Config.Vector
	switch cfg.Backend {
	case config.BackendPgvector:
		return pgvector.New(a.DB), nil
	case config.BackendQdrant:
		return qdrant.NewStorage(qdrant.Config{URL: cfg.QdrantURL, APIKey: cfg.QdrantAPIKey, Timeout: cfg.QdrantTimeout}), nil
	case config.BackendMemory:
		a.Logger.Warn("using in-memory vector store, points are lost on restart")
		return memory.New(), nil
	}
	return nil, errortypes.Configuration(fmt.Errorf("unknown vector backend %q", cfg.Backend), "invalid VECTOR_BACKEND")
}

func (a *App) blobStore(ctx context.Context) (blobstore.Store, error) {
	cfg := a.Config.Blob
	var (
		store blobstore.Store
		err   error
	)
	switch cfg.Backend {
	case config.BlobMinio:
		store, err = blobstore.NewMinioStore(blobstore.MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Region:    cfg.Region,
		})
	case config.BlobLocal:
		store, err = blobstore.NewLocalStore(cfg.UploadsDir)
	default:
		err = errortypes.Configuration(fmt.Errorf("unknown blob backend %q", cfg.Backend), "invalid BLOB_BACKEND")
	}
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx, cfg.Bucket); err != nil {
		return nil, err
	}
	return store, nil
}

// Close releases the queue and database connections.
func (a *App) Close() {
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.Logger.Warn("error closing queue", "error", err)
		}
	}
	if a.DB != nil {
		if err := database.Close(a.DB); err != nil {
			a.Logger.Warn("error closing database", "error", err)
		}
	}
}
