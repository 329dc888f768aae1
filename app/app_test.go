package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pablobfonseca/go-meal-vector/config"
	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/logging"
	"github.com/pablobfonseca/go-meal-vector/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	t.Setenv("VECTOR_BACKEND", "memory")
	t.Setenv("METRICS_BACKEND", "memory")
	t.Setenv("BLOB_BACKEND", "local")
	t.Setenv("UPLOADS_DIR", t.TempDir())
	cfg, err := config.Load("", logging.Discard())
	require.NoError(t, err)
	return cfg
}

func TestBuildInMemory(t *testing.T) {
	cfg := memoryConfig(t)

	a, err := Build(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Queue)
	assert.NotNil(t, a.Ingest)
	assert.NotNil(t, a.Search)
	assert.NotNil(t, a.Media)
	assert.IsType(t, &metrics.MemoryRecorder{}, a.Recorder)
	assert.Equal(t, "nomic-embed-text", a.AI.ModelID())

	info, err := os.Stat(filepath.Join(cfg.Blob.UploadsDir, cfg.Blob.Bucket))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Vector.Backend = "faiss"

	_, err := Build(context.Background(), cfg, logging.Discard())
	require.Error(t, err)
	assert.True(t, errortypes.IsConfiguration(err))
}

func TestBuildUnreachableQueue(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Queue.Enabled = true
	cfg.Queue.RedisAddr = "127.0.0.1:1"

	_, err := Build(context.Background(), cfg, logging.Discard())
	require.Error(t, err)
	assert.True(t, errortypes.IsExternal(err))
}
