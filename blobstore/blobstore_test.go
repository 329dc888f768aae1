package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "images/abc.jpg", ImageKey("images/", "abc", ".JPG"))
	assert.Equal(t, "images/abc.png", ImageKey("/images", "abc", "png"))
	assert.Equal(t, "abc.webp", ImageKey("", "abc", ".webp"))
	assert.Equal(t, "embeddings/abc.json", MetadataKey("embeddings", "abc"))

	id, ok := IDFromKey("images/", "images/abc.jpg")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	_, ok = IDFromKey("images/", "other/abc.jpg")
	assert.False(t, ok)
	_, ok = IDFromKey("images/", "images/nested/abc.jpg")
	assert.False(t, ok)
}

func TestExtFromContentType(t *testing.T) {
	assert.Equal(t, ".jpg", ExtFromContentType("image/jpeg", "x.png"))
	assert.Equal(t, ".png", ExtFromContentType("image/png; charset=binary", ""))
	assert.Equal(t, ".heic", ExtFromContentType("application/octet-stream", "IMG_1.HEIC"))
	assert.Equal(t, ".jpg", ExtFromContentType("", ""))
}

func TestContentTypeFromKey(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentTypeFromKey("images/a.jpg"))
	assert.Equal(t, "image/png", ContentTypeFromKey("images/a.PNG"))
	assert.Contains(t, ContentTypeFromKey("embeddings/a.json"), "application/json")
	assert.Equal(t, "application/octet-stream", ContentTypeFromKey("blob"))
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewLocalStore(root)
	require.NoError(t, err)
	require.NoError(t, s.EnsureBucket(ctx, "meals"))

	require.NoError(t, s.Put(ctx, "meals", "images/a.jpg", []byte("jpeg-bytes"), "image/jpeg"))
	require.NoError(t, s.Put(ctx, "meals", "embeddings/a.json", []byte(`{}`), "application/json"))
	require.NoError(t, s.Put(ctx, "meals", "images/b.png", []byte("png"), "image/png"))

	data, info, err := s.Get(ctx, "meals", "images/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)
	assert.Equal(t, int64(10), info.Size)
	assert.Equal(t, "image/jpeg", info.ContentType)
	assert.FileExists(t, filepath.Join(root, "meals", "images", "a.jpg"))

	keys, err := s.List(ctx, "meals", "images/")
	require.NoError(t, err)
	assert.Equal(t, []string{"images/a.jpg", "images/b.png"}, keys)

	require.NoError(t, s.Delete(ctx, "meals", "images/a.jpg"))
	require.NoError(t, s.Delete(ctx, "meals", "images/a.jpg"))
	_, _, err = s.Get(ctx, "meals", "images/a.jpg")
	assert.True(t, errortypes.IsNotFound(err))
}

func TestLocalStoreStaysInsideRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewLocalStore(filepath.Join(root, "uploads"))
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "meals", "../../escape.txt", []byte("x"), ""))
	_, statErr := os.Stat(filepath.Join(root, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
	assert.FileExists(t, filepath.Join(root, "uploads", "meals", "escape.txt"))

	assert.True(t, errortypes.IsValidation(s.Put(ctx, "../x", "k", nil, "")))
	assert.True(t, errortypes.IsValidation(s.Put(ctx, "meals", "", nil, "")))
}

func TestLocalStoreListMissingBucket(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	keys, err := s.List(context.Background(), "nope", "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestNewMinioStoreValidatesConfig(t *testing.T) {
	_, err := NewMinioStore(MinioConfig{})
	assert.True(t, errortypes.IsConfiguration(err))
	_, err = NewMinioStore(MinioConfig{Endpoint: "localhost:9000"})
	assert.True(t, errortypes.IsConfiguration(err))

	s, err := NewMinioStore(MinioConfig{Endpoint: "https://s3.example.com", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestClassifyMinioErrors(t *testing.T) {
	err := classify(minio.ErrorResponse{Code: "NoSuchKey"}, "meals", "images/a.jpg", "get object")
	assert.True(t, errortypes.IsNotFound(err))

	err = classify(errors.New("connection refused"), "meals", "images/a.jpg", "get object")
	assert.True(t, errortypes.IsExternal(err))
	assert.Contains(t, err.Error(), "connection refused")
}
