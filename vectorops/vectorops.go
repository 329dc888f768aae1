// Package vectorops wraps a vectorstore.Store with the operations the
// pipelines use. Every failure is logged with its root cause and returned as
// an error; callers decide whether it is fatal.
package vectorops

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/filter"
	"github.com/pablobfonseca/go-meal-vector/vectorstore"
)

type Ops struct {
	store   vectorstore.Store
	logger  *slog.Logger
	ensured sync.Map
}

func New(store vectorstore.Store, logger *slog.Logger) *Ops {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ops{store: store, logger: logger.With("component", "vectorops")}
}

// Store returns the underlying vector store.
func (o *Ops) Store() vectorstore.Store { return o.store }

func (o *Ops) fail(err error, msg string, args ...any) error {
	args = append(args, "error", err)
	if stage := errortypes.StageOf(err); stage != "" {
		args = append(args, "stage", stage)
	}
	o.logger.Error(msg, args...)
	return err
}

// EnsureCollection creates the collection and its payload indexes when
// missing, then checks that its dimension equals dim. A mismatch is a
// configuration error.
func (o *Ops) EnsureCollection(ctx context.Context, collection string, dim int) error {
	key := fmt.Sprintf("%s/%d", collection, dim)
	if _, ok := o.ensured.Load(key); ok {
		return nil
	}
	if err := o.store.EnsureCollection(ctx, collection, dim); err != nil {
		return o.fail(err, "ensure collection failed", "collection", collection, "dim", dim)
	}
	if err := o.store.EnsurePayloadIndexes(ctx, collection, vectorstore.RequiredIndexes); err != nil {
		return o.fail(err, "ensure payload indexes failed", "collection", collection)
	}
	got, err := o.store.CollectionDimension(ctx, collection)
	if err != nil {
		return o.fail(err, "collection info failed", "collection", collection)
	}
	if err := vectorstore.CheckDimension(collection, got, dim); err != nil {
		return o.fail(err, "collection dimension mismatch", "collection", collection, "want", dim, "got", got)
	}
	o.ensured.Store(key, struct{}{})
	return nil
}

// CheckCollection verifies that an existing collection has dimension dim
// without creating anything. A missing collection passes; the query that
// follows reports it.
func (o *Ops) CheckCollection(ctx context.Context, collection string, dim int) error {
	key := fmt.Sprintf("%s/%d", collection, dim)
	if _, ok := o.ensured.Load(key); ok {
		return nil
	}
	got, err := o.store.CollectionDimension(ctx, collection)
	if errortypes.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return o.fail(err, "collection info failed", "collection", collection)
	}
	if err := vectorstore.CheckDimension(collection, got, dim); err != nil {
		return o.fail(err, "collection dimension mismatch", "collection", collection, "want", dim, "got", got)
	}
	o.ensured.Store(key, struct{}{})
	return nil
}

// Upsert writes a single point.
func (o *Ops) Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]any) error {
	point := vectorstore.Point{ID: id, Vector: vector, Payload: payload}
	if err := o.store.Upsert(ctx, collection, []vectorstore.Point{point}); err != nil {
		return o.fail(err, "vector upsert failed", "collection", collection, "point_id", id)
	}
	return nil
}

// BatchUpsert writes points in consecutive chunks of chunkSize, in input
// order, one request per chunk. chunkSize <= 0 sends a single request. It
// stops at the first failing chunk; chunks already written stay written.
func (o *Ops) BatchUpsert(ctx context.Context, collection string, points []vectorstore.Point, chunkSize int) error {
	for i, chunk := range Chunks(points, chunkSize) {
		if err := o.store.Upsert(ctx, collection, chunk); err != nil {
			return o.fail(err, "batch upsert failed",
				"collection", collection,
				"chunk", i,
				"chunk_size", len(chunk),
				"total", len(points))
		}
	}
	return nil
}

// Chunks splits points into consecutive slices of at most size elements.
// size <= 0 yields one chunk. Empty input yields no chunks.
func Chunks(points []vectorstore.Point, size int) [][]vectorstore.Point {
	if len(points) == 0 {
		return nil
	}
	if size <= 0 || size >= len(points) {
		return [][]vectorstore.Point{points}
	}
	out := make([][]vectorstore.Point, 0, (len(points)+size-1)/size)
	for start := 0; start < len(points); start += size {
		end := min(start+size, len(points))
		out = append(out, points[start:end])
	}
	return out
}

// Search runs a similarity query. Results are ordered by descending score and
// never score below threshold. On failure it returns an empty slice and the
// error.
func (o *Ops) Search(ctx context.Context, collection string, vector []float32, limit int, f *filter.Filter, threshold *float64) ([]vectorstore.Hit, error) {
	hits, err := o.store.Search(ctx, collection, vectorstore.SearchParams{
		Vector:         vector,
		Limit:          limit,
		Filter:         f,
		ScoreThreshold: threshold,
	})
	if err != nil {
		return []vectorstore.Hit{}, o.fail(err, "vector search failed", "collection", collection, "limit", limit)
	}
	if hits == nil {
		hits = []vectorstore.Hit{}
	}
	return hits, nil
}

// Retrieve returns a point or a not-found error.
func (o *Ops) Retrieve(ctx context.Context, collection, id string) (*vectorstore.Point, error) {
	p, err := o.store.Retrieve(ctx, collection, id)
	if err != nil {
		if errortypes.IsNotFound(err) {
			return nil, err
		}
		return nil, o.fail(err, "vector retrieve failed", "collection", collection, "point_id", id)
	}
	return p, nil
}

// Delete removes a point. Deleting a missing id succeeds.
func (o *Ops) Delete(ctx context.Context, collection, id string) error {
	if err := o.store.Delete(ctx, collection, []string{id}); err != nil {
		return o.fail(err, "vector delete failed", "collection", collection, "point_id", id)
	}
	return nil
}
