package vectorops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/logging"
	"github.com/pablobfonseca/go-meal-vector/vectorstore"
	"github.com/pablobfonseca/go-meal-vector/vectorstore/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStore wraps the memory store, records upsert calls and can fail
// selected operations.
type recordingStore struct {
	*memory.Store
	upserts     [][]vectorstore.Point
	failUpsertN int
	failSearch  error
	failDelete  error
	dimOverride int
	ensureCalls int
}

func (r *recordingStore) EnsureCollection(ctx context.Context, name string, dim int) error {
	r.ensureCalls++
	return r.Store.EnsureCollection(ctx, name, dim)
}

func (r *recordingStore) CollectionDimension(ctx context.Context, name string) (int, error) {
	if r.dimOverride > 0 {
		return r.dimOverride, nil
	}
	return r.Store.CollectionDimension(ctx, name)
}

func (r *recordingStore) Upsert(ctx context.Context, name string, points []vectorstore.Point) error {
	r.upserts = append(r.upserts, points)
	if r.failUpsertN > 0 && len(r.upserts) == r.failUpsertN {
		return errortypes.External(errors.New("connection reset"), "upsert points")
	}
	return r.Store.Upsert(ctx, name, points)
}

func (r *recordingStore) Search(ctx context.Context, name string, p vectorstore.SearchParams) ([]vectorstore.Hit, error) {
	if r.failSearch != nil {
		return nil, r.failSearch
	}
	return r.Store.Search(ctx, name, p)
}

func (r *recordingStore) Delete(ctx context.Context, name string, ids []string) error {
	if r.failDelete != nil {
		return r.failDelete
	}
	return r.Store.Delete(ctx, name, ids)
}

func newOps(t *testing.T) (*Ops, *recordingStore) {
	t.Helper()
	rs := &recordingStore{Store: memory.New()}
	ops := New(rs, logging.Discard())
	require.NoError(t, ops.EnsureCollection(context.Background(), "plates", 2))
	return ops, rs
}

func points(n int) []vectorstore.Point {
	out := make([]vectorstore.Point, n)
	for i := range out {
		out[i] = vectorstore.Point{
			ID:      fmt.Sprintf("p%02d", i),
			Vector:  []float32{float32(i + 1), 1},
			Payload: map[string]any{"user_id": "u1", "n": i},
		}
	}
	return out
}

func TestBatchUpsertEmptyMakesNoCalls(t *testing.T) {
	ops, rs := newOps(t)
	require.NoError(t, ops.BatchUpsert(context.Background(), "plates", nil, 0))
	require.NoError(t, ops.BatchUpsert(context.Background(), "plates", []vectorstore.Point{}, 3))
	assert.Empty(t, rs.upserts)
}

func TestBatchUpsertChunkZeroIsOneCall(t *testing.T) {
	ops, rs := newOps(t)
	require.NoError(t, ops.BatchUpsert(context.Background(), "plates", points(7), 0))
	require.Len(t, rs.upserts, 1)
	assert.Len(t, rs.upserts[0], 7)
}

func TestBatchUpsertChunking(t *testing.T) {
	for _, tc := range []struct{ n, k int }{{7, 3}, {6, 3}, {1, 5}, {10, 1}, {512, 512}, {513, 512}} {
		t.Run(fmt.Sprintf("n=%d,k=%d", tc.n, tc.k), func(t *testing.T) {
			ops, rs := newOps(t)
			in := points(tc.n)
			require.NoError(t, ops.BatchUpsert(context.Background(), "plates", in, tc.k))

			wantCalls := (tc.n + tc.k - 1) / tc.k
			require.Len(t, rs.upserts, wantCalls)

			var seen []string
			for _, call := range rs.upserts {
				assert.LessOrEqual(t, len(call), tc.k)
				for _, p := range call {
					seen = append(seen, p.ID)
				}
			}
			var want []string
			for _, p := range in {
				want = append(want, p.ID)
			}
			assert.Equal(t, want, seen)
			assert.Equal(t, tc.n, rs.Count("plates"))
		})
	}
}

func TestBatchUpsertStopsAtFailingChunk(t *testing.T) {
	ops, rs := newOps(t)
	rs.failUpsertN = 2
	err := ops.BatchUpsert(context.Background(), "plates", points(7), 3)
	require.Error(t, err)
	assert.True(t, errortypes.IsExternal(err))
	assert.Len(t, rs.upserts, 2)
	assert.Equal(t, 3, rs.Count("plates"))
}

func TestUpsertRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	ops, _ := newOps(t)
	payload := map[string]any{"user_id": "u1", "meal_type": "lunch", "ts": int64(1704067200)}
	require.NoError(t, ops.Upsert(ctx, "plates", "id-1", []float32{0.3, 0.4}, payload))

	p, err := ops.Retrieve(ctx, "plates", "id-1")
	require.NoError(t, err)
	assert.Equal(t, "id-1", p.ID)
	assert.Equal(t, payload, p.Payload)

	_, err = ops.Retrieve(ctx, "plates", "missing")
	assert.True(t, errortypes.IsNotFound(err))
}

func TestUpsertFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	rs := &recordingStore{Store: memory.New(), failUpsertN: 1}
	ops := New(rs, slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, rs.Store.EnsureCollection(context.Background(), "plates", 2))

	err := ops.Upsert(context.Background(), "plates", "x", []float32{1, 0}, nil)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "vector upsert failed")
	assert.Contains(t, buf.String(), "connection reset")
	assert.Contains(t, buf.String(), "point_id=x")
}

func TestSearchThresholdAndDegrade(t *testing.T) {
	ctx := context.Background()
	ops, rs := newOps(t)
	require.NoError(t, ops.BatchUpsert(ctx, "plates", points(5), 0))

	threshold := 0.9
	hits, err := ops.Search(ctx, "plates", []float32{1, 0}, 10, nil, &threshold)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.GreaterOrEqual(t, h.Score, threshold)
	}

	rs.failSearch = errortypes.External(errors.New("timeout"), "search")
	hits, err = ops.Search(ctx, "plates", []float32{1, 0}, 10, nil, nil)
	require.Error(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
}

func TestDeleteIdempotentAndFailure(t *testing.T) {
	ctx := context.Background()
	ops, rs := newOps(t)
	require.NoError(t, ops.Delete(ctx, "plates", "never-existed"))

	rs.failDelete = errors.New("down")
	assert.Error(t, ops.Delete(ctx, "plates", "x"))
}

func TestEnsureCollection(t *testing.T) {
	ctx := context.Background()
	ops, rs := newOps(t)
	assert.Len(t, rs.Indexes("plates"), 3)

	require.NoError(t, ops.EnsureCollection(ctx, "plates", 2))
	assert.Equal(t, 1, rs.ensureCalls)

	err := ops.EnsureCollection(ctx, "plates", 3)
	require.Error(t, err)
	assert.True(t, errortypes.IsConfiguration(err))
}

func TestEnsureCollectionDimensionMismatchFromInfo(t *testing.T) {
	rs := &recordingStore{Store: memory.New(), dimOverride: 1536}
	ops := New(rs, logging.Discard())
	err := ops.EnsureCollection(context.Background(), "plates", 768)
	require.Error(t, err)
	assert.True(t, errortypes.IsConfiguration(err))
}

func TestCheckCollectionIsReadOnly(t *testing.T) {
	ctx := context.Background()
	rs := &recordingStore{Store: memory.New()}
	ops := New(rs, logging.Discard())

	require.NoError(t, ops.CheckCollection(ctx, "plates", 2))
	assert.Zero(t, rs.ensureCalls)
	_, err := rs.CollectionDimension(ctx, "plates")
	assert.True(t, errortypes.IsNotFound(err))

	require.NoError(t, rs.Store.EnsureCollection(ctx, "plates", 3))
	err = ops.CheckCollection(ctx, "plates", 2)
	require.Error(t, err)
	assert.True(t, errortypes.IsConfiguration(err))
	require.NoError(t, ops.CheckCollection(ctx, "plates", 3))
	assert.Zero(t, rs.ensureCalls)
}

func TestChunks(t *testing.T) {
	assert.Nil(t, Chunks(nil, 3))
	assert.Len(t, Chunks(points(4), 0), 1)
	assert.Len(t, Chunks(points(4), -1), 1)
	assert.Len(t, Chunks(points(4), 10), 1)
	c := Chunks(points(5), 2)
	require.Len(t, c, 3)
	assert.Len(t, c[2], 1)
}
