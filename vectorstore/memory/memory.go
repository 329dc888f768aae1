// Package memory is an in-process vector store with brute-force cosine search.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/pablobfonseca/go-meal-vector/vectorstore"
)

type collection struct {
	dim     int
	indexes map[string]vectorstore.IndexKind
	points  map[string]vectorstore.Point
	order   []string
}

// Store keeps every collection in memory. It is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) EnsureCollection(_ context.Context, name string, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return vectorstore.CheckDimension(name, c.dim, dim)
	}
	s.collections[name] = &collection{
		dim:     dim,
		indexes: make(map[string]vectorstore.IndexKind),
		points:  make(map[string]vectorstore.Point),
	}
	return nil
}

func (s *Store) EnsurePayloadIndexes(_ context.Context, name string, indexes []vectorstore.PayloadIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return vectorstore.CollectionNotFound(name)
	}
	for _, idx := range indexes {
		c.indexes[idx.Field] = idx.Kind
	}
	return nil
}

// Indexes returns the declared payload indexes of a collection.
func (s *Store) Indexes(name string) map[string]vectorstore.IndexKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.collections[name]; ok {
		return maps.Clone(c.indexes)
	}
	return nil
}

func (s *Store) CollectionDimension(_ context.Context, name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return 0, vectorstore.CollectionNotFound(name)
	}
	return c.dim, nil
}

func (s *Store) Upsert(_ context.Context, name string, points []vectorstore.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return vectorstore.CollectionNotFound(name)
	}
	for _, p := range points {
		if err := vectorstore.CheckDimension(name, c.dim, len(p.Vector)); err != nil {
			return err
		}
	}
	for _, p := range points {
		if _, exists := c.points[p.ID]; !exists {
			c.order = append(c.order, p.ID)
		}
		c.points[p.ID] = clonePoint(p)
	}
	return nil
}

func (s *Store) Search(_ context.Context, name string, params vectorstore.SearchParams) ([]vectorstore.Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, vectorstore.CollectionNotFound(name)
	}
	if err := vectorstore.CheckDimension(name, c.dim, len(params.Vector)); err != nil {
		return nil, err
	}

	hits := make([]vectorstore.Hit, 0)
	for _, id := range c.order {
		p := c.points[id]
		if !params.Filter.Matches(p.Payload) {
			continue
		}
		score := vectorstore.Cosine(params.Vector, p.Vector)
		if params.ScoreThreshold != nil && score < *params.ScoreThreshold {
			continue
		}
		hits = append(hits, vectorstore.Hit{ID: id, Score: score, Payload: maps.Clone(p.Payload)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if params.Limit > 0 && len(hits) > params.Limit {
		hits = hits[:params.Limit]
	}
	return hits, nil
}

func (s *Store) Retrieve(_ context.Context, name, id string) (*vectorstore.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, vectorstore.CollectionNotFound(name)
	}
	p, ok := c.points[id]
	if !ok {
		return nil, vectorstore.PointNotFound(name, id)
	}
	out := clonePoint(p)
	return &out, nil
}

func (s *Store) Delete(_ context.Context, name string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return nil
	}
	for _, id := range ids {
		if _, exists := c.points[id]; !exists {
			continue
		}
		delete(c.points, id)
		c.order = slices.DeleteFunc(c.order, func(v string) bool { return v == id })
	}
	return nil
}

// Count returns the number of points in a collection.
func (s *Store) Count(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.collections[name]; ok {
		return len(c.points)
	}
	return 0
}

func clonePoint(p vectorstore.Point) vectorstore.Point {
	return vectorstore.Point{
		ID:      p.ID,
		Vector:  slices.Clone(p.Vector),
		Payload: maps.Clone(p.Payload),
	}
}
