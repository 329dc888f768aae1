// Package config loads the service settings from a .env file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/spf13/viper"
)

const (
	BackendPgvector = "pgvector"
	BackendQdrant   = "qdrant"
	BackendMemory   = "memory"

	BlobMinio = "minio"
	BlobLocal = "local"

	MetricsPostgres = "postgres"
	MetricsMemory   = "memory"
)

type AIConfig struct {
	OllamaHost     string
	OllamaPort     int
	VisionModel    string
	EmbeddingModel string
	OutputDim      int
	Timeout        time.Duration
}

// BaseURL returns the Ollama endpoint root.
func (c AIConfig) BaseURL() string {
	host := c.OllamaHost
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return strings.TrimRight(host, "/")
	}
	return fmt.Sprintf("http://%s:%d", host, c.OllamaPort)
}

type VectorConfig struct {
	Backend        string
	QdrantURL      string
	QdrantAPIKey   string
	QdrantTimeout  time.Duration
	Collection     string
	BulkCollection string
}

type BlobConfig struct {
	Backend          string
	Endpoint         string
	AccessKey        string
	SecretKey        string
	UseSSL           bool
	Region           string
	Bucket           string
	ImagesPrefix     string
	EmbeddingsPrefix string
	UploadsDir       string
}

type DatabaseConfig struct {
	Host     string
	User     string
	Password string
	Name     string
	Port     string
	SSLMode  string
}

// DSN renders the libpq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.Host, c.User, c.Password, c.Name, c.Port, c.SSLMode)
}

func (c DatabaseConfig) complete() bool {
	return c.Host != "" && c.User != "" && c.Password != "" && c.Name != "" && c.Port != "" && c.SSLMode != ""
}

type MetricsConfig struct {
	Backend       string
	RetentionDays int
	PruneInterval time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	QueueName     string
	WorkerCount   int
	Enabled       bool
}

type PipelineConfig struct {
	TopK           int
	ScoreThreshold float64
	BulkChunkSize  int
	BulkUserID     string
	Timezone       string
	Location       *time.Location
}

// AppConfig is the fully resolved configuration.
type AppConfig struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	MaxUpload int64

	AI       AIConfig
	Vector   VectorConfig
	Blob     BlobConfig
	Database DatabaseConfig
	Metrics  MetricsConfig
	Queue    QueueConfig
	Pipeline PipelineConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("MAX_UPLOAD_MB", 10)

	v.SetDefault("OLLAMA_HOST", "localhost")
	v.SetDefault("OLLAMA_PORT", 11434)
	v.SetDefault("OLLAMA_TIMEOUT_SECS", 120)
	v.SetDefault("MODEL", "gemma3")
	v.SetDefault("EMBEDDING_MODEL", "nomic-embed-text")
	v.SetDefault("OUTPUT_DIM", 768)

	v.SetDefault("VECTOR_BACKEND", BackendPgvector)
	v.SetDefault("QDRANT_URL", "http://localhost:6333")
	v.SetDefault("QDRANT_API_KEY", "")
	v.SetDefault("QDRANT_TIMEOUT_SECS", 30)
	v.SetDefault("COLLECTION_NAME", "food_plates")
	v.SetDefault("COLLECTION_NAME_BULK", "food_plates_bulk")

	v.SetDefault("BLOB_BACKEND", BlobLocal)
	v.SetDefault("MINIO_ENDPOINT", "localhost:9000")
	v.SetDefault("MINIO_ACCESS_KEY", "")
	v.SetDefault("MINIO_SECRET_KEY", "")
	v.SetDefault("MINIO_USE_SSL", false)
	v.SetDefault("MINIO_REGION", "")
	v.SetDefault("BUCKET", "meal-images")
	v.SetDefault("IMAGES_PREFIX", "images/")
	v.SetDefault("EMBEDDINGS_PREFIX", "embeddings/")
	v.SetDefault("UPLOADS_DIR", "./uploads")

	v.SetDefault("DB_HOST", "")
	v.SetDefault("DB_USER", "")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_SSLMODE", "disable")

	v.SetDefault("METRICS_BACKEND", MetricsPostgres)
	v.SetDefault("METRICS_RETENTION_DAYS", 30)
	v.SetDefault("METRICS_PRUNE_INTERVAL", "24h")

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("QUEUE_NAME", "bulk_ingest")
	v.SetDefault("QUEUE_ENABLED", false)
	v.SetDefault("WORKER_COUNT", 4)

	v.SetDefault("SEARCH_TOP_K", 5)
	v.SetDefault("SEARCH_SCORE_THRESHOLD", 0.1)
	v.SetDefault("BULK_CHUNK_SIZE", 512)
	v.SetDefault("BULK_USER_ID", "bulk")
	v.SetDefault("TIMEZONE", "UTC")
}

// Load reads path (a .env file, may be empty or missing) and the process
// environment. A missing file only produces a warning.
func Load(path string, logger *slog.Logger) (*AppConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			logger.Warn("error reading config file", "path", path, "error", err)
		}
	}
	v.AutomaticEnv()

	cfg := fromViper(v)
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *AppConfig {
	return &AppConfig{
		HTTPAddr:  v.GetString("HTTP_ADDR"),
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
		MaxUpload: v.GetInt64("MAX_UPLOAD_MB") << 20,
		AI: AIConfig{
			OllamaHost:     v.GetString("OLLAMA_HOST"),
			OllamaPort:     v.GetInt("OLLAMA_PORT"),
			VisionModel:    v.GetString("MODEL"),
			EmbeddingModel: v.GetString("EMBEDDING_MODEL"),
			OutputDim:      v.GetInt("OUTPUT_DIM"),
			Timeout:        time.Duration(v.GetInt("OLLAMA_TIMEOUT_SECS")) * time.Second,
		},
		Vector: VectorConfig{
			Backend:        strings.ToLower(v.GetString("VECTOR_BACKEND")),
			QdrantURL:      v.GetString("QDRANT_URL"),
			QdrantAPIKey:   v.GetString("QDRANT_API_KEY"),
			QdrantTimeout:  time.Duration(v.GetInt("QDRANT_TIMEOUT_SECS")) * time.Second,
			Collection:     v.GetString("COLLECTION_NAME"),
			BulkCollection: v.GetString("COLLECTION_NAME_BULK"),
		},
		Blob: BlobConfig{
			Backend:          strings.ToLower(v.GetString("BLOB_BACKEND")),
			Endpoint:         v.GetString("MINIO_ENDPOINT"),
			AccessKey:        v.GetString("MINIO_ACCESS_KEY"),
			SecretKey:        v.GetString("MINIO_SECRET_KEY"),
			UseSSL:           v.GetBool("MINIO_USE_SSL"),
			Region:           v.GetString("MINIO_REGION"),
			Bucket:           v.GetString("BUCKET"),
			ImagesPrefix:     v.GetString("IMAGES_PREFIX"),
			EmbeddingsPrefix: v.GetString("EMBEDDINGS_PREFIX"),
			UploadsDir:       v.GetString("UPLOADS_DIR"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
			Port:     v.GetString("DB_PORT"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Metrics: MetricsConfig{
			Backend:       strings.ToLower(v.GetString("METRICS_BACKEND")),
			RetentionDays: v.GetInt("METRICS_RETENTION_DAYS"),
			PruneInterval: v.GetDuration("METRICS_PRUNE_INTERVAL"),
		},
		Queue: QueueConfig{
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
			QueueName:     v.GetString("QUEUE_NAME"),
			WorkerCount:   v.GetInt("WORKER_COUNT"),
			Enabled:       v.GetBool("QUEUE_ENABLED"),
		},
		Pipeline: PipelineConfig{
			TopK:           v.GetInt("SEARCH_TOP_K"),
			ScoreThreshold: v.GetFloat64("SEARCH_SCORE_THRESHOLD"),
			BulkChunkSize:  v.GetInt("BULK_CHUNK_SIZE"),
			BulkUserID:     v.GetString("BULK_USER_ID"),
			Timezone:       v.GetString("TIMEZONE"),
		},
	}
}

func (c *AppConfig) resolve() error {
	loc, err := time.LoadLocation(c.Pipeline.Timezone)
	if err != nil {
		return errortypes.Configuration(err, "invalid TIMEZONE").WithField("timezone", c.Pipeline.Timezone)
	}
	c.Pipeline.Location = loc
	if c.Queue.WorkerCount <= 0 {
		c.Queue.WorkerCount = 4
	}
	return nil
}

// NeedsDatabase reports whether any selected backend uses Postgres.
func (c *AppConfig) NeedsDatabase() bool {
	return c.Vector.Backend == BackendPgvector || c.Metrics.Backend == MetricsPostgres
}

// Validate reports every missing or inconsistent setting for the selected
// backends.
func (c *AppConfig) Validate() error {
	var problems []string

	switch c.Vector.Backend {
	case BackendPgvector, BackendMemory:
	case BackendQdrant:
		if c.Vector.QdrantURL == "" {
			problems = append(problems, "QDRANT_URL is required for the qdrant backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown VECTOR_BACKEND %q", c.Vector.Backend))
	}

	switch c.Blob.Backend {
	case BlobLocal:
		if c.Blob.UploadsDir == "" {
			problems = append(problems, "UPLOADS_DIR is required for the local blob backend")
		}
	case BlobMinio:
		if c.Blob.Endpoint == "" || c.Blob.AccessKey == "" || c.Blob.SecretKey == "" {
			problems = append(problems, "MINIO_ENDPOINT, MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required for the minio blob backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown BLOB_BACKEND %q", c.Blob.Backend))
	}

	switch c.Metrics.Backend {
	case MetricsPostgres, MetricsMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown METRICS_BACKEND %q", c.Metrics.Backend))
	}

	if c.NeedsDatabase() && !c.Database.complete() {
		problems = append(problems, "DB_HOST, DB_USER, DB_PASSWORD, DB_NAME, DB_PORT and DB_SSLMODE are required")
	}
	if c.AI.OutputDim <= 0 {
		problems = append(problems, "OUTPUT_DIM must be positive")
	}
	if c.Vector.Collection == "" || c.Vector.BulkCollection == "" {
		problems = append(problems, "COLLECTION_NAME and COLLECTION_NAME_BULK are required")
	}
	if c.Blob.Bucket == "" {
		problems = append(problems, "BUCKET is required")
	}
	if c.Pipeline.TopK <= 0 {
		problems = append(problems, "SEARCH_TOP_K must be positive")
	}

	if len(problems) == 0 {
		return nil
	}
	return errortypes.Configuration(errors.New(strings.Join(problems, "; ")), "invalid configuration")
}
