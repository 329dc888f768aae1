// Package qdrant is a minimal REST client to Qdrant implementing
// vectorstore.Store. Collections use cosine distance.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/filter"
	"github.com/pablobfonseca/go-meal-vector/vectorstore"
)

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type Storage struct {
	url    string
	apiKey string
	client *http.Client
}

func NewStorage(cfg Config) *Storage {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Storage{
		url:    strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
	}
}

type collectionInfo struct {
	Result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

func (s *Storage) collectionPath(name string, parts ...string) string {
	return "/collections/" + url.PathEscape(name) + strings.Join(parts, "")
}

func (s *Storage) CollectionDimension(ctx context.Context, name string) (int, error) {
	var info collectionInfo
	status, err := s.do(ctx, http.MethodGet, s.collectionPath(name), nil, &info)
	if status == http.StatusNotFound {
		return 0, vectorstore.CollectionNotFound(name)
	}
	if err != nil {
		return 0, err
	}
	return info.Result.Config.Params.Vectors.Size, nil
}

func (s *Storage) EnsureCollection(ctx context.Context, name string, dim int) error {
	existing, err := s.CollectionDimension(ctx, name)
	if err == nil {
		return vectorstore.CheckDimension(name, existing, dim)
	}
	if !errortypes.IsNotFound(err) {
		return err
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": "Cosine",
		},
	}
	_, err = s.do(ctx, http.MethodPut, s.collectionPath(name), body, nil)
	return err
}

func (s *Storage) EnsurePayloadIndexes(ctx context.Context, name string, indexes []vectorstore.PayloadIndex) error {
	for _, idx := range indexes {
		body := map[string]any{
			"field_name":   idx.Field,
			"field_schema": string(idx.Kind),
		}
		status, err := s.do(ctx, http.MethodPut, s.collectionPath(name, "/index?wait=true"), body, nil)
		if status == http.StatusNotFound {
			return vectorstore.CollectionNotFound(name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) Upsert(ctx context.Context, name string, points []vectorstore.Point) error {
	out := make([]map[string]any, len(points))
	for i, p := range points {
		out[i] = map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		}
	}
	status, err := s.do(ctx, http.MethodPut, s.collectionPath(name, "/points?wait=true"), map[string]any{"points": out}, nil)
	if status == http.StatusNotFound {
		return vectorstore.CollectionNotFound(name)
	}
	return err
}

type scoredPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
	Vector  []float32      `json:"vector"`
}

func (s *Storage) Search(ctx context.Context, name string, params vectorstore.SearchParams) ([]vectorstore.Hit, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 5
	}
	req := map[string]any{
		"vector":       params.Vector,
		"limit":        limit,
		"with_payload": true,
	}
	if f := Filter(params.Filter); f != nil {
		req["filter"] = f
	}
	if params.ScoreThreshold != nil {
		req["score_threshold"] = *params.ScoreThreshold
	}

	var resp struct {
		Result []scoredPoint `json:"result"`
	}
	status, err := s.do(ctx, http.MethodPost, s.collectionPath(name, "/points/search"), req, &resp)
	if status == http.StatusNotFound {
		return nil, vectorstore.CollectionNotFound(name)
	}
	if err != nil {
		return nil, err
	}
	hits := make([]vectorstore.Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, vectorstore.Hit{ID: formatID(r.ID), Score: r.Score, Payload: r.Payload})
	}
	return hits, nil
}

func (s *Storage) Retrieve(ctx context.Context, name, id string) (*vectorstore.Point, error) {
	req := map[string]any{
		"ids":          []string{id},
		"with_payload": true,
		"with_vector":  true,
	}
	var resp struct {
		Result []scoredPoint `json:"result"`
	}
	status, err := s.do(ctx, http.MethodPost, s.collectionPath(name, "/points"), req, &resp)
	if status == http.StatusNotFound {
		return nil, vectorstore.CollectionNotFound(name)
	}
	if err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, vectorstore.PointNotFound(name, id)
	}
	r := resp.Result[0]
	return &vectorstore.Point{ID: formatID(r.ID), Vector: r.Vector, Payload: r.Payload}, nil
}

func (s *Storage) Delete(ctx context.Context, name string, ids []string) error {
	status, err := s.do(ctx, http.MethodPost, s.collectionPath(name, "/points/delete?wait=true"), map[string]any{"points": ids}, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

// Filter renders f as a Qdrant filter object with one must clause per leaf.
func Filter(f *filter.Filter) map[string]any {
	if f.Len() == 0 {
		return nil
	}
	must := make([]map[string]any, 0, f.Len())
	for _, c := range f.Must {
		switch v := c.(type) {
		case filter.Eq:
			must = append(must, map[string]any{"key": v.Field, "match": map[string]any{"value": v.Value}})
		case filter.In:
			must = append(must, map[string]any{"key": v.Field, "match": map[string]any{"any": v.Values}})
		case filter.Range:
			rng := map[string]any{}
			if v.Gte != nil {
				rng["gte"] = *v.Gte
			}
			if v.Lte != nil {
				rng["lte"] = *v.Lte
			}
			must = append(must, map[string]any{"key": v.Field, "range": rng})
		}
	}
	return map[string]any{"must": must}
}

func formatID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprint(id)
}

func (s *Storage) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, errortypes.External(err, "encode qdrant request")
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.url+path, reader)
	if err != nil {
		return 0, errortypes.External(err, "build qdrant request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, errortypes.External(err, fmt.Sprintf("qdrant %s %s", method, path))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, errortypes.External(
			fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg))),
			fmt.Sprintf("qdrant %s %s failed", method, path),
		).WithField("status", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errortypes.External(err, "decode qdrant response")
		}
	}
	return resp.StatusCode, nil
}
