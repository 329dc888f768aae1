package metrics

import (
	"context"
	"time"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/models"
	"gorm.io/gorm"
)

// GormRecorder writes metrics to Postgres through gorm.
type GormRecorder struct {
	db *gorm.DB
}

func NewGormRecorder(db *gorm.DB) *GormRecorder {
	return &GormRecorder{db: db}
}

// Tables lists every metrics model, in migration order.
var Tables = []any{
	&models.RagRequest{},
	&models.SearchResultRow{},
	&models.StageEvent{},
	&models.IngestRecord{},
	&models.BulkIngestRun{},
	&models.BulkSearchRequest{},
}

func (g *GormRecorder) Migrate(ctx context.Context) error {
	if err := g.db.WithContext(ctx).AutoMigrate(Tables...); err != nil {
		return errortypes.External(err, "migrate metrics tables")
	}
	return nil
}

func (g *GormRecorder) create(ctx context.Context, what string, value any) error {
	if err := g.db.WithContext(ctx).Create(value).Error; err != nil {
		return errortypes.External(err, "record "+what)
	}
	return nil
}

func (g *GormRecorder) StartRequest(ctx context.Context, req models.RagRequest) (string, error) {
	req.ID = newID(req.ID)
	req.CreatedAt = stamp(req.CreatedAt)
	if err := g.create(ctx, "search request", &req); err != nil {
		return "", err
	}
	return req.ID, nil
}

func (g *GormRecorder) CompleteRequest(ctx context.Context, requestID string, c Completion) error {
	res := g.db.WithContext(ctx).Model(&models.RagRequest{}).Where("id = ?", requestID).Updates(map[string]any{
		"total_duration_ms":     c.TotalMs,
		"embedding_duration_ms": c.EmbeddingMs,
		"search_duration_ms":    c.SearchMs,
		"results_count":         c.ResultsCount,
		"success":               c.Success,
		"error_stage":           c.ErrorStage,
		"error_message":         c.ErrorMessage,
		"completed":             true,
	})
	if res.Error != nil {
		return errortypes.External(res.Error, "complete search request")
	}
	if res.RowsAffected == 0 {
		return errortypes.NotFound("request " + requestID + " not found")
	}
	return nil
}

func (g *GormRecorder) LogResults(ctx context.Context, requestID string, rows []models.SearchResultRow) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range rows {
		rows[i].ID = newID(rows[i].ID)
		rows[i].RequestID = requestID
		if rows[i].CreatedAt.IsZero() {
			rows[i].CreatedAt = now
		}
	}
	return g.create(ctx, "search results", &rows)
}

func (g *GormRecorder) LogStageEvent(ctx context.Context, e models.StageEvent) error {
	e.ID = newID(e.ID)
	e.CreatedAt = stamp(e.CreatedAt)
	return g.create(ctx, "stage event", &e)
}

func (g *GormRecorder) LogIngest(ctx context.Context, r models.IngestRecord) error {
	r.ID = newID(r.ID)
	r.CreatedAt = stamp(r.CreatedAt)
	return g.create(ctx, "ingest record", &r)
}

func (g *GormRecorder) LogBulkRun(ctx context.Context, r models.BulkIngestRun) error {
	r.ID = newID(r.ID)
	r.CreatedAt = stamp(r.CreatedAt)
	return g.create(ctx, "bulk run", &r)
}

func (g *GormRecorder) LogBulkSearch(ctx context.Context, r models.BulkSearchRequest) error {
	r.ID = newID(r.ID)
	r.CreatedAt = stamp(r.CreatedAt)
	return g.create(ctx, "bulk search", &r)
}

// Prune deletes rows older than olderThan, one statement per table.
func (g *GormRecorder) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var total int64
	for _, table := range Tables {
		res := g.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(table)
		if res.Error != nil {
			return total, errortypes.External(res.Error, "prune metrics")
		}
		total += res.RowsAffected
	}
	return total, nil
}

func (g *GormRecorder) Summary(ctx context.Context, days int) (*Summary, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	db := g.db.WithContext(ctx)
	s := &Summary{Since: since, IngestFailures: map[string]int64{}}

	var search struct {
		Count       int64
		SuccessRate float64
		AvgTotal    float64
		AvgEmb      float64
		AvgSearch   float64
		AvgResults  float64
	}
	err := db.Model(&models.RagRequest{}).
		Select(`count(*) AS count,
			coalesce(avg(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0) AS success_rate,
			coalesce(avg(total_duration_ms), 0) AS avg_total,
			coalesce(avg(embedding_duration_ms), 0) AS avg_emb,
			coalesce(avg(search_duration_ms), 0) AS avg_search,
			coalesce(avg(results_count), 0) AS avg_results`).
		Where("completed AND created_at >= ?", since).
		Scan(&search).Error
	if err != nil {
		return nil, errortypes.External(err, "summarize search requests")
	}
	s.Searches = search.Count
	s.SearchSuccessRate = search.SuccessRate
	s.AvgSearchTotalMs = search.AvgTotal
	s.AvgEmbeddingMs = search.AvgEmb
	s.AvgVectorSearchMs = search.AvgSearch
	s.AvgResults = search.AvgResults

	var ingest struct {
		Count       int64
		SuccessRate float64
		AvgTotal    float64
	}
	err = db.Model(&models.IngestRecord{}).
		Select(`count(*) AS count,
			coalesce(avg(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0) AS success_rate,
			coalesce(avg(total_duration_ms), 0) AS avg_total`).
		Where("created_at >= ?", since).
		Scan(&ingest).Error
	if err != nil {
		return nil, errortypes.External(err, "summarize ingests")
	}
	s.Ingests = ingest.Count
	s.IngestSuccessRate = ingest.SuccessRate
	s.AvgIngestTotalMs = ingest.AvgTotal

	var failures []struct {
		ErrorStep string
		Count     int64
	}
	err = db.Model(&models.IngestRecord{}).
		Select("error_step, count(*) AS count").
		Where("NOT success AND created_at >= ?", since).
		Group("error_step").
		Scan(&failures).Error
	if err != nil {
		return nil, errortypes.External(err, "summarize ingest failures")
	}
	for _, f := range failures {
		s.IngestFailures[f.ErrorStep] = f.Count
	}

	var bulk struct {
		Count     int64
		Succeeded int64
		Failed    int64
	}
	err = db.Model(&models.BulkIngestRun{}).
		Select("count(*) AS count, coalesce(sum(succeeded), 0) AS succeeded, coalesce(sum(failed), 0) AS failed").
		Where("created_at >= ?", since).
		Scan(&bulk).Error
	if err != nil {
		return nil, errortypes.External(err, "summarize bulk runs")
	}
	s.BulkRuns = bulk.Count
	s.BulkSucceeded = bulk.Succeeded
	s.BulkFailed = bulk.Failed

	if err := db.Model(&models.BulkSearchRequest{}).Where("created_at >= ?", since).Count(&s.BulkSearches).Error; err != nil {
		return nil, errortypes.External(err, "summarize bulk searches")
	}

	err = db.Model(&models.StageEvent{}).
		Select(`stage, count(*) AS count,
			sum(CASE WHEN success THEN 0 ELSE 1 END) AS failures,
			coalesce(avg(duration_ms), 0) AS avg_ms`).
		Where("created_at >= ?", since).
		Group("stage").
		Order("stage").
		Scan(&s.Stages).Error
	if err != nil {
		return nil, errortypes.External(err, "summarize stages")
	}
	return s, nil
}
