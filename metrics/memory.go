package metrics

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/models"
)

// MemoryRecorder keeps every record in process memory.
type MemoryRecorder struct {
	mu           sync.Mutex
	requests     []models.RagRequest
	results      []models.SearchResultRow
	stages       []models.StageEvent
	ingests      []models.IngestRecord
	bulkRuns     []models.BulkIngestRun
	bulkSearches []models.BulkSearchRequest
	now          func() time.Time
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{now: func() time.Time { return time.Now().UTC() }}
}

func (m *MemoryRecorder) StartRequest(_ context.Context, req models.RagRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.ID = newID(req.ID)
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.now()
	}
	m.requests = append(m.requests, req)
	return req.ID, nil
}

func (m *MemoryRecorder) CompleteRequest(_ context.Context, requestID string, c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.requests {
		r := &m.requests[i]
		if r.ID != requestID {
			continue
		}
		r.TotalDurationMs = c.TotalMs
		r.EmbeddingDurationMs = c.EmbeddingMs
		r.SearchDurationMs = c.SearchMs
		r.ResultsCount = c.ResultsCount
		r.Success = c.Success
		r.ErrorStage = c.ErrorStage
		r.ErrorMessage = c.ErrorMessage
		r.Completed = true
		return nil
	}
	return errortypes.NotFound("request " + requestID + " not found")
}

func (m *MemoryRecorder) LogResults(_ context.Context, requestID string, rows []models.SearchResultRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		r.ID = newID(r.ID)
		r.RequestID = requestID
		if r.CreatedAt.IsZero() {
			r.CreatedAt = m.now()
		}
		m.results = append(m.results, r)
	}
	return nil
}

func (m *MemoryRecorder) LogStageEvent(_ context.Context, e models.StageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = newID(e.ID)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.stages = append(m.stages, e)
	return nil
}

func (m *MemoryRecorder) LogIngest(_ context.Context, r models.IngestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = newID(r.ID)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	m.ingests = append(m.ingests, r)
	return nil
}

func (m *MemoryRecorder) LogBulkRun(_ context.Context, r models.BulkIngestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = newID(r.ID)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	m.bulkRuns = append(m.bulkRuns, r)
	return nil
}

func (m *MemoryRecorder) LogBulkSearch(_ context.Context, r models.BulkSearchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = newID(r.ID)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	m.bulkSearches = append(m.bulkSearches, r)
	return nil
}

func prune[T any](rows []T, created func(T) time.Time, cutoff time.Time) ([]T, int64) {
	before := len(rows)
	rows = slices.DeleteFunc(rows, func(r T) bool { return created(r).Before(cutoff) })
	return rows, int64(before - len(rows))
}

func (m *MemoryRecorder) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)

	var total, n int64
	m.requests, n = prune(m.requests, func(r models.RagRequest) time.Time { return r.CreatedAt }, cutoff)
	total += n
	m.results, n = prune(m.results, func(r models.SearchResultRow) time.Time { return r.CreatedAt }, cutoff)
	total += n
	m.stages, n = prune(m.stages, func(r models.StageEvent) time.Time { return r.CreatedAt }, cutoff)
	total += n
	m.ingests, n = prune(m.ingests, func(r models.IngestRecord) time.Time { return r.CreatedAt }, cutoff)
	total += n
	m.bulkRuns, n = prune(m.bulkRuns, func(r models.BulkIngestRun) time.Time { return r.CreatedAt }, cutoff)
	total += n
	m.bulkSearches, n = prune(m.bulkSearches, func(r models.BulkSearchRequest) time.Time { return r.CreatedAt }, cutoff)
	total += n
	return total, nil
}

func (m *MemoryRecorder) Summary(_ context.Context, days int) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	since := m.now().AddDate(0, 0, -days)
	s := &Summary{Since: since, IngestFailures: map[string]int64{}}

	var ok, total, emb, search, results float64
	for _, r := range m.requests {
		if !r.Completed || r.CreatedAt.Before(since) {
			continue
		}
		s.Searches++
		if r.Success {
			ok++
		}
		total += r.TotalDurationMs
		emb += r.EmbeddingDurationMs
		search += r.SearchDurationMs
		results += float64(r.ResultsCount)
	}
	if s.Searches > 0 {
		n := float64(s.Searches)
		s.SearchSuccessRate = ok / n
		s.AvgSearchTotalMs = total / n
		s.AvgEmbeddingMs = emb / n
		s.AvgVectorSearchMs = search / n
		s.AvgResults = results / n
	}

	ok, total = 0, 0
	for _, r := range m.ingests {
		if r.CreatedAt.Before(since) {
			continue
		}
		s.Ingests++
		total += r.TotalDurationMs
		if r.Success {
			ok++
		} else {
			s.IngestFailures[r.ErrorStep]++
		}
	}
	if s.Ingests > 0 {
		s.IngestSuccessRate = ok / float64(s.Ingests)
		s.AvgIngestTotalMs = total / float64(s.Ingests)
	}

	for _, r := range m.bulkRuns {
		if r.CreatedAt.Before(since) {
			continue
		}
		s.BulkRuns++
		s.BulkSucceeded += int64(r.Succeeded)
		s.BulkFailed += int64(r.Failed)
	}
	for _, r := range m.bulkSearches {
		if !r.CreatedAt.Before(since) {
			s.BulkSearches++
		}
	}

	stats := map[string]*StageStat{}
	sums := map[string]float64{}
	for _, e := range m.stages {
		if e.CreatedAt.Before(since) {
			continue
		}
		st, found := stats[e.Stage]
		if !found {
			st = &StageStat{Stage: e.Stage}
			stats[e.Stage] = st
		}
		st.Count++
		if !e.Success {
			st.Failures++
		}
		sums[e.Stage] += e.DurationMs
	}
	for name, st := range stats {
		st.AvgMs = sums[name] / float64(st.Count)
		s.Stages = append(s.Stages, *st)
	}
	sort.Slice(s.Stages, func(i, j int) bool { return s.Stages[i].Stage < s.Stages[j].Stage })
	return s, nil
}

// Requests returns a copy of the recorded search requests.
func (m *MemoryRecorder) Requests() []models.RagRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.requests)
}

func (m *MemoryRecorder) Results() []models.SearchResultRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.results)
}

func (m *MemoryRecorder) Stages() []models.StageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.stages)
}

func (m *MemoryRecorder) Ingests() []models.IngestRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.ingests)
}

func (m *MemoryRecorder) BulkRuns() []models.BulkIngestRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.bulkRuns)
}

func (m *MemoryRecorder) BulkSearches() []models.BulkSearchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.bulkSearches)
}
