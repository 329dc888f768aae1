package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/filter"
	"github.com/pablobfonseca/go-meal-vector/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	Method string
	Path   string
	Body   map[string]any
}

type fakeQdrant struct {
	mu       sync.Mutex
	requests []recorded
	dim      int
	exists   bool
	points   []map[string]any
}

func (f *fakeQdrant) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		var body map[string]any
		if r.Body != nil && r.ContentLength != 0 {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		f.requests = append(f.requests, recorded{Method: r.Method, Path: r.URL.Path, Body: body})
		assert.Equal(t, "secret", r.Header.Get("api-key"))

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/plates":
			if !f.exists {
				http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{"result":{"config":{"params":{"vectors":{"size":` + jsonInt(f.dim) + `,"distance":"Cosine"}}}}}`))
		case r.Method == http.MethodPut && r.URL.Path == "/collections/plates":
			f.exists = true
			f.dim = int(body["vectors"].(map[string]any)["size"].(float64))
			_, _ = w.Write([]byte(`{"result":true}`))
		case r.Method == http.MethodPut && r.URL.Path == "/collections/plates/index":
			_, _ = w.Write([]byte(`{"result":{"status":"completed"}}`))
		case r.Method == http.MethodPut && r.URL.Path == "/collections/plates/points":
			assert.Equal(t, "true", r.URL.Query().Get("wait"))
			for _, p := range body["points"].([]any) {
				f.points = append(f.points, p.(map[string]any))
			}
			_, _ = w.Write([]byte(`{"result":{"status":"completed"}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/collections/plates/points/search":
			_, _ = w.Write([]byte(`{"result":[{"id":"a","score":0.9,"payload":{"user_id":"u1"}},{"id":7,"score":0.4,"payload":{}}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/collections/plates/points":
			ids := body["ids"].([]any)
			for _, p := range f.points {
				if p["id"] == ids[0] {
					data, _ := json.Marshal(map[string]any{"result": []any{p}})
					_, _ = w.Write(data)
					return
				}
			}
			_, _ = w.Write([]byte(`{"result":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/collections/plates/points/delete":
			_, _ = w.Write([]byte(`{"result":{"status":"completed"}}`))
		case strings.HasPrefix(r.URL.Path, "/collections/gone"):
			http.Error(w, "not found", http.StatusNotFound)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}
}

func jsonInt(n int) string {
	data, _ := json.Marshal(n)
	return string(data)
}

func newTestStorage(t *testing.T) (*Storage, *fakeQdrant) {
	t.Helper()
	fake := &fakeQdrant{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return NewStorage(Config{URL: srv.URL + "/", APIKey: "secret"}), fake
}

func TestEnsureCollectionCreatesOnce(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestStorage(t)

	require.NoError(t, s.EnsureCollection(ctx, "plates", 4))
	require.NoError(t, s.EnsureCollection(ctx, "plates", 4))

	puts := 0
	for _, r := range fake.requests {
		if r.Method == http.MethodPut && r.Path == "/collections/plates" {
			puts++
			assert.Equal(t, "Cosine", r.Body["vectors"].(map[string]any)["distance"])
		}
	}
	assert.Equal(t, 1, puts)

	err := s.EnsureCollection(ctx, "plates", 8)
	assert.True(t, errortypes.IsConfiguration(err))
}

func TestCollectionDimensionMissing(t *testing.T) {
	s, _ := newTestStorage(t)
	_, err := s.CollectionDimension(context.Background(), "gone")
	assert.True(t, errortypes.IsNotFound(err))
}

func TestPayloadIndexes(t *testing.T) {
	s, fake := newTestStorage(t)
	require.NoError(t, s.EnsurePayloadIndexes(context.Background(), "plates", vectorstore.RequiredIndexes))

	var schemas []string
	for _, r := range fake.requests {
		if r.Path == "/collections/plates/index" {
			schemas = append(schemas, r.Body["field_name"].(string)+":"+r.Body["field_schema"].(string))
		}
	}
	assert.Equal(t, []string{"user_id:keyword", "meal_type:keyword", "ts:integer"}, schemas)
}

func TestUpsertAndRetrieve(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStorage(t)

	require.NoError(t, s.Upsert(ctx, "plates", []vectorstore.Point{
		{ID: "a", Vector: []float32{0.5, 0.5}, Payload: map[string]any{"user_id": "u1", "meal_type": "lunch"}},
	}))

	p, err := s.Retrieve(ctx, "plates", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", p.ID)
	assert.Equal(t, map[string]any{"user_id": "u1", "meal_type": "lunch"}, p.Payload)
	assert.Equal(t, []float32{0.5, 0.5}, p.Vector)

	_, err = s.Retrieve(ctx, "plates", "b")
	assert.True(t, errortypes.IsNotFound(err))
}

func TestSearchSendsFilterAndThreshold(t *testing.T) {
	s, fake := newTestStorage(t)
	f, err := filter.Build(map[string]any{
		"user_id":   "u1",
		"meal_type": map[string]any{"in": []string{"lunch"}},
		"ts":        map[string]any{"gte": 10, "lte": 20},
	})
	require.NoError(t, err)
	threshold := 0.1

	hits, err := s.Search(context.Background(), "plates", vectorstore.SearchParams{
		Vector: []float32{1, 0}, Limit: 3, Filter: f, ScoreThreshold: &threshold,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "7", hits[1].ID)

	req := fake.requests[len(fake.requests)-1]
	assert.Equal(t, 0.1, req.Body["score_threshold"])
	assert.Equal(t, 3.0, req.Body["limit"])
	must := req.Body["filter"].(map[string]any)["must"].([]any)
	assert.Len(t, must, 3)
}

func TestSearchWithoutFilter(t *testing.T) {
	s, fake := newTestStorage(t)
	_, err := s.Search(context.Background(), "plates", vectorstore.SearchParams{Vector: []float32{1, 0}})
	require.NoError(t, err)
	req := fake.requests[len(fake.requests)-1]
	_, hasFilter := req.Body["filter"]
	assert.False(t, hasFilter)
	_, hasThreshold := req.Body["score_threshold"]
	assert.False(t, hasThreshold)
	assert.Equal(t, 5.0, req.Body["limit"])
}

func TestDeleteMissingCollectionSucceeds(t *testing.T) {
	s, _ := newTestStorage(t)
	require.NoError(t, s.Delete(context.Background(), "gone", []string{"a"}))
	require.NoError(t, s.Delete(context.Background(), "plates", []string{"a"}))
}

func TestServerErrorIsExternal(t *testing.T) {
	s, _ := newTestStorage(t)
	err := s.Upsert(context.Background(), "other", []vectorstore.Point{{ID: "x"}})
	require.Error(t, err)
	assert.True(t, errortypes.IsExternal(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestFilterRendering(t *testing.T) {
	assert.Nil(t, Filter(nil))
	gte := 1.0
	f := filter.New(filter.Eq{Field: "user_id", Value: "u1"}, filter.Range{Field: "ts", Gte: &gte})
	assert.Equal(t, map[string]any{"must": []map[string]any{
		{"key": "user_id", "match": map[string]any{"value": "u1"}},
		{"key": "ts", "range": map[string]any{"gte": 1.0}},
	}}, Filter(f))
}
