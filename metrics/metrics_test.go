package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/logging"
	"github.com/pablobfonseca/go-meal-vector/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer(t *testing.T) {
	var never *Timer
	assert.Zero(t, never.Duration())
	assert.Zero(t, never.Milliseconds())
	assert.Zero(t, never.Stop())
	assert.Zero(t, (&Timer{}).Milliseconds())

	timer := StartTimer()
	time.Sleep(5 * time.Millisecond)
	d := timer.Stop()
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, d, timer.Stop())
	assert.Equal(t, d, timer.Duration())
	assert.InDelta(t, Ms(d), timer.Milliseconds(), 1e-9)
}

func TestMeasure(t *testing.T) {
	boom := errors.New("boom")
	d, err := Measure(func() error {
		time.Sleep(time.Millisecond)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Greater(t, d, time.Duration(0))
}

func TestMs(t *testing.T) {
	assert.Equal(t, 1.5, Ms(1500*time.Microsecond))
}

func TestMemoryRecorderRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRecorder()

	id, err := r.StartRequest(ctx, models.RagRequest{UserID: "u1", QueryType: "text", TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.False(t, r.Requests()[0].Completed)

	require.NoError(t, r.CompleteRequest(ctx, id, Completion{TotalMs: 12, EmbeddingMs: 5, SearchMs: 4, ResultsCount: 2, Success: true}))
	req := r.Requests()[0]
	assert.True(t, req.Completed)
	assert.True(t, req.Success)
	assert.Equal(t, 2, req.ResultsCount)

	require.NoError(t, r.LogResults(ctx, id, []models.SearchResultRow{{VectorID: "a", Rank: 1}, {VectorID: "b", Rank: 2}}))
	for _, row := range r.Results() {
		assert.Equal(t, id, row.RequestID)
		assert.NotEmpty(t, row.ID)
	}

	err = r.CompleteRequest(ctx, "nope", Completion{})
	assert.True(t, errortypes.IsNotFound(err))
}

func TestMemoryRecorderSummary(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRecorder()

	for i, ok := range []bool{true, true, false, true} {
		id, _ := r.StartRequest(ctx, models.RagRequest{UserID: "u1"})
		require.NoError(t, r.CompleteRequest(ctx, id, Completion{TotalMs: float64(10 * (i + 1)), Success: ok}))
	}
	_, _ = r.StartRequest(ctx, models.RagRequest{UserID: "pending"})

	require.NoError(t, r.LogIngest(ctx, models.IngestRecord{Success: true, TotalDurationMs: 100}))
	require.NoError(t, r.LogIngest(ctx, models.IngestRecord{Success: false, ErrorStep: StageDescribe, TotalDurationMs: 20}))
	require.NoError(t, r.LogBulkRun(ctx, models.BulkIngestRun{Succeeded: 4, Failed: 1}))
	require.NoError(t, r.LogBulkSearch(ctx, models.BulkSearchRequest{Success: true}))
	require.NoError(t, r.LogStageEvent(ctx, models.StageEvent{Stage: StageVectorSearch, DurationMs: 4, Success: true}))
	require.NoError(t, r.LogStageEvent(ctx, models.StageEvent{Stage: StageVectorSearch, DurationMs: 6, Success: false}))
	require.NoError(t, r.LogStageEvent(ctx, models.StageEvent{Stage: StageEmbedding, DurationMs: 9, Success: true}))

	s, err := r.Summary(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(4), s.Searches)
	assert.InDelta(t, 0.75, s.SearchSuccessRate, 1e-9)
	assert.InDelta(t, 25.0, s.AvgSearchTotalMs, 1e-9)
	assert.Equal(t, int64(2), s.Ingests)
	assert.InDelta(t, 0.5, s.IngestSuccessRate, 1e-9)
	assert.Equal(t, map[string]int64{StageDescribe: 1}, s.IngestFailures)
	assert.Equal(t, int64(1), s.BulkRuns)
	assert.Equal(t, int64(4), s.BulkSucceeded)
	assert.Equal(t, int64(1), s.BulkFailed)
	assert.Equal(t, int64(1), s.BulkSearches)
	assert.Equal(t, []StageStat{
		{Stage: StageEmbedding, Count: 1, AvgMs: 9},
		{Stage: StageVectorSearch, Count: 2, Failures: 1, AvgMs: 5},
	}, s.Stages)
}

func TestMemoryRecorderPrune(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRecorder()
	old := time.Now().UTC().AddDate(0, 0, -40)

	require.NoError(t, r.LogIngest(ctx, models.IngestRecord{CreatedAt: old}))
	require.NoError(t, r.LogIngest(ctx, models.IngestRecord{}))
	require.NoError(t, r.LogStageEvent(ctx, models.StageEvent{CreatedAt: old}))
	_, _ = r.StartRequest(ctx, models.RagRequest{CreatedAt: old})

	n, err := r.Prune(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Len(t, r.Ingests(), 1)
	assert.Empty(t, r.Stages())
	assert.Empty(t, r.Requests())
}

type countingRecorder struct {
	Nop
	prunes atomic.Int32
}

func (c *countingRecorder) Prune(context.Context, time.Duration) (int64, error) {
	c.prunes.Add(1)
	return 0, nil
}

func TestRunRetention(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &countingRecorder{}
	done := make(chan struct{})
	go func() {
		RunRetention(ctx, rec, 48*time.Hour, 10*time.Millisecond, logging.Discard())
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.prunes.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRunRetentionDisabled(t *testing.T) {
	rec := &countingRecorder{}
	RunRetention(context.Background(), rec, 0, time.Millisecond, logging.Discard())
	assert.Zero(t, rec.prunes.Load())
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	id, err := r.StartRequest(context.Background(), models.RagRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}
