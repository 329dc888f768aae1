package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pablobfonseca/go-meal-vector/models"
)

// Stage names shared by the pipelines and the metrics store.
const (
	StageValidate          = "validate"
	StageDescribe          = "describe"
	StageEmbedding         = "generate_embedding"
	StageUploadImage       = "upload_image"
	StageUploadMetadata    = "upload_metadata"
	StageEnsureCollection  = "ensure_collection"
	StageVectorUpsert      = "vector_upsert"
	StageBuildFilter       = "build_filter"
	StageVectorSearch      = "vector_search"
	StageBatchVectorUpsert = "batch_vector_upsert"
	StageLoadImage         = "load_image"
	StageCheckCollection   = "check_collection"
)

// Completion is the single update applied to a request row when it finishes.
type Completion struct {
	TotalMs      float64
	EmbeddingMs  float64
	SearchMs     float64
	ResultsCount int
	Success      bool
	ErrorStage   string
	ErrorMessage string
}

// Recorder persists metrics. Each call is one atomic write; nothing spans
// calls.
type Recorder interface {
	StartRequest(ctx context.Context, req models.RagRequest) (string, error)
	CompleteRequest(ctx context.Context, requestID string, c Completion) error
	LogResults(ctx context.Context, requestID string, rows []models.SearchResultRow) error
	LogStageEvent(ctx context.Context, e models.StageEvent) error
	LogIngest(ctx context.Context, r models.IngestRecord) error
	LogBulkRun(ctx context.Context, r models.BulkIngestRun) error
	LogBulkSearch(ctx context.Context, r models.BulkSearchRequest) error
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Reporter aggregates recorded metrics for the reporting surface.
type Reporter interface {
	Summary(ctx context.Context, days int) (*Summary, error)
}

type StageStat struct {
	Stage    string  `json:"stage"`
	Count    int64   `json:"count"`
	Failures int64   `json:"failures"`
	AvgMs    float64 `json:"avg_ms"`
}

type Summary struct {
	Since time.Time `json:"since"`

	Searches          int64   `json:"searches"`
	SearchSuccessRate float64 `json:"search_success_rate"`
	AvgSearchTotalMs  float64 `json:"avg_search_total_ms"`
	AvgEmbeddingMs    float64 `json:"avg_embedding_ms"`
	AvgVectorSearchMs float64 `json:"avg_vector_search_ms"`
	AvgResults        float64 `json:"avg_results"`

	Ingests           int64            `json:"ingests"`
	IngestSuccessRate float64          `json:"ingest_success_rate"`
	AvgIngestTotalMs  float64          `json:"avg_ingest_total_ms"`
	IngestFailures    map[string]int64 `json:"ingest_failures_by_step"`

	BulkRuns      int64 `json:"bulk_runs"`
	BulkSucceeded int64 `json:"bulk_succeeded"`
	BulkFailed    int64 `json:"bulk_failed"`
	BulkSearches  int64 `json:"bulk_searches"`

	Stages []StageStat `json:"stages"`
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// Nop discards everything. It is used when metrics are disabled.
type Nop struct{}

func (Nop) StartRequest(_ context.Context, req models.RagRequest) (string, error) {
	return newID(req.ID), nil
}

func (Nop) CompleteRequest(context.Context, string, Completion) error {
	return nil
}

func (Nop) LogResults(context.Context, string, []models.SearchResultRow) error {
	return nil
}

func (Nop) LogStageEvent(context.Context, models.StageEvent) error {
	return nil
}

func (Nop) LogIngest(context.Context, models.IngestRecord) error {
	return nil
}

func (Nop) LogBulkRun(context.Context, models.BulkIngestRun) error {
	return nil
}

func (Nop) LogBulkSearch(context.Context, models.BulkSearchRequest) error {
	return nil
}

func (Nop) Prune(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

// RunRetention prunes records older than keep right away and then every
// interval until ctx is done.
func RunRetention(ctx context.Context, r Recorder, keep, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "retention")
	if keep <= 0 {
		logger.Info("metrics retention disabled")
		return
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	prune := func() {
		n, err := r.Prune(ctx, keep)
		if err != nil {
			logger.Error("metrics prune failed", "error", err)
			return
		}
		logger.Info("metrics pruned", "deleted", n, "older_than", keep.String())
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
