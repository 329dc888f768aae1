// Package vectorstore defines the vector database capability used by the
// pipelines. Backends live in the memory, qdrant and pgvector subpackages.
package vectorstore

import (
	"context"
	"fmt"
	"math"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/filter"
	"github.com/pablobfonseca/go-meal-vector/models"
)

// Point is a vector store record.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload"`
}

// Hit is one similarity search result.
type Hit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// SearchParams describes a similarity query. A nil ScoreThreshold disables
// threshold filtering.
type SearchParams struct {
	Vector         []float32
	Limit          int
	Filter         *filter.Filter
	ScoreThreshold *float64
}

type IndexKind string

const (
	IndexKeyword IndexKind = "keyword"
	IndexInteger IndexKind = "integer"
)

// PayloadIndex declares a payload field used for filtering.
type PayloadIndex struct {
	Field string
	Kind  IndexKind
}

// RequiredIndexes are created on every collection that stores meal points.
var RequiredIndexes = []PayloadIndex{
	{Field: models.PayloadUserID, Kind: IndexKeyword},
	{Field: models.PayloadMealType, Kind: IndexKeyword},
	{Field: models.PayloadTS, Kind: IndexInteger},
}

// Store is the vector database capability.
//
// EnsureCollection and EnsurePayloadIndexes are idempotent. CollectionDimension
// returns a not-found error for a missing collection. Retrieve returns a
// not-found error for a missing point; Delete of a missing id succeeds.
type Store interface {
	EnsureCollection(ctx context.Context, name string, dim int) error
	EnsurePayloadIndexes(ctx context.Context, name string, indexes []PayloadIndex) error
	CollectionDimension(ctx context.Context, name string) (int, error)
	Upsert(ctx context.Context, name string, points []Point) error
	Search(ctx context.Context, name string, params SearchParams) ([]Hit, error)
	Retrieve(ctx context.Context, name, id string) (*Point, error)
	Delete(ctx context.Context, name string, ids []string) error
}

// CheckDimension returns a configuration error when got differs from want.
func CheckDimension(collection string, want, got int) error {
	if want == got {
		return nil
	}
	return errortypes.Configuration(
		fmt.Errorf("vector dimension %d does not match collection dimension %d", got, want),
		"vector dimension mismatch",
	).WithField("collection", collection)
}

// Cosine returns the cosine similarity of a and b, 0 when either is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CollectionNotFound is the error every backend returns for a missing
// collection.
func CollectionNotFound(name string) error {
	return errortypes.NotFound(fmt.Sprintf("collection %q not found", name)).WithField("collection", name)
}

// PointNotFound is the error every backend returns for a missing point.
func PointNotFound(collection, id string) error {
	return errortypes.NotFound(fmt.Sprintf("point %q not found in %q", id, collection)).
		WithField("collection", collection).
		WithField("point_id", id)
}
