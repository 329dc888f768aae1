package media

import (
	"context"
	"testing"

	"github.com/pablobfonseca/go-meal-vector/blobstore"
	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/logging"
	"github.com/pablobfonseca/go-meal-vector/models"
	"github.com/pablobfonseca/go-meal-vector/vectorops"
	"github.com/pablobfonseca/go-meal-vector/vectorstore/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *Service
	ops   *vectorops.Ops
	store *memory.Store
	blobs *blobstore.LocalStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	store := memory.New()
	ops := vectorops.New(store, logging.Discard())
	require.NoError(t, ops.EnsureCollection(ctx, "food_plates", 2))

	f := &fixture{ops: ops, store: store, blobs: blobs}
	f.svc = New(ops, blobs, Config{Bucket: "meals", ImagesPrefix: "images/", EmbeddingsPrefix: "embeddings/"}, logging.Discard())
	return f
}

func (f *fixture) put(t *testing.T, id string, withPoint, withImage bool) {
	t.Helper()
	ctx := context.Background()
	imageKey := blobstore.ImageKey("images/", id, ".jpg")
	metaKey := blobstore.MetadataKey("embeddings/", id)
	if withImage {
		require.NoError(t, f.blobs.Put(ctx, "meals", imageKey, []byte("jpeg-"+id), "image/jpeg"))
		require.NoError(t, f.blobs.Put(ctx, "meals", metaKey, []byte(`{}`), "application/json"))
	}
	if withPoint {
		require.NoError(t, f.ops.Upsert(ctx, "food_plates", id, []float32{1, 0}, map[string]any{
			models.PayloadUserID:       "u1",
			models.PayloadBucket:       "meals",
			models.PayloadImageKey:     imageKey,
			models.PayloadEmbeddingKey: metaKey,
		}))
	}
}

func TestFetch(t *testing.T) {
	f := newFixture(t)
	f.put(t, "a", true, true)

	item, err := f.svc.Fetch(context.Background(), "food_plates", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-a"), item.Image)
	assert.Equal(t, "image/jpeg", item.ContentType)
	assert.Equal(t, "u1", item.Payload[models.PayloadUserID])
}

func TestFetchOrphanedVector(t *testing.T) {
	f := newFixture(t)
	f.put(t, "a", true, false)

	_, err := f.svc.Fetch(context.Background(), "food_plates", "a")
	require.Error(t, err)
	assert.True(t, errortypes.IsConsistency(err))

	// Detection never heals: the point is still there.
	assert.Equal(t, 1, f.store.Count("food_plates"))
}

func TestFetchMissingPoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Fetch(context.Background(), "food_plates", "nope")
	assert.True(t, errortypes.IsNotFound(err))
}

func TestDeleteRemovesPointAndBlobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "a", true, true)
	f.put(t, "b", true, true)

	require.NoError(t, f.svc.Delete(ctx, "food_plates", "a"))
	require.NoError(t, f.svc.Delete(ctx, "food_plates", "a"))

	assert.Equal(t, 1, f.store.Count("food_plates"))
	keys, err := f.blobs.List(ctx, "meals", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"embeddings/b.json", "images/b.jpg"}, keys)
}

func TestDeleteOrphanedBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "a", false, true)

	require.NoError(t, f.svc.Delete(ctx, "food_plates", "a"))
	keys, err := f.blobs.List(ctx, "meals", "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAudit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "a", true, true)
	f.put(t, "b", false, true)
	f.put(t, "c", true, false)

	orphans, err := f.svc.Audit(ctx, "food_plates")
	require.NoError(t, err)
	assert.Equal(t, []Orphan{{ID: "b", ImageKey: "images/b.jpg"}}, orphans)

	require.NoError(t, f.svc.Delete(ctx, "food_plates", "b"))
	orphans, err = f.svc.Audit(ctx, "food_plates")
	require.NoError(t, err)
	assert.Empty(t, orphans)
}
