package ingest

import (
	"context"
	"fmt"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/metrics"
	"github.com/pablobfonseca/go-meal-vector/models"
	"github.com/pablobfonseca/go-meal-vector/vectorstore"
	"go.uber.org/multierr"
)

type BulkOptions struct {
	// FastPath skips the description and embeds the image alone.
	FastPath bool
	// ChunkSize overrides the configured batch upsert chunk size when > 0.
	ChunkSize int
	Notes     string
}

// ItemFailure reports one skipped item of a bulk run.
type ItemFailure struct {
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	Stage    string `json:"stage"`
	Error    string `json:"error"`
}

type BulkResult struct {
	RunID          string        `json:"run_id"`
	Collection     string        `json:"collection"`
	Total          int           `json:"total"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	IDs            []string      `json:"ids"`
	Failures       []ItemFailure `json:"failures,omitempty"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	TotalMs        float64       `json:"total_ms"`
	VectorUpsertMs float64       `json:"vector_upsert_ms"`

	err error
}

// Err returns every item failure and the batch upsert failure combined, or
// nil when the run was clean.
func (r *BulkResult) Err() error { return r.err }

type bulkTotals struct {
	describe, embedding, imageUpload, metadataUpload float64
	n                                                int
}

func (t *bulkTotals) avg(v float64) *float64 {
	if t.n == 0 {
		return nil
	}
	a := v / float64(t.n)
	return &a
}

// IngestBulk runs the bulk path. Items are processed one after another:
// describe, embed and upload blobs, with no per-item vector write. A failing
// item is counted and skipped. All collected points are then written by one
// BatchUpsert. Items go to the bulk collection under the bulk user id. One
// bulk run record is written at the end.
func (s *Service) IngestBulk(ctx context.Context, items []Item, opts BulkOptions) *BulkResult {
	total := metrics.StartTimer()
	collection := s.cfg.BulkCollection
	if collection == "" {
		collection = s.cfg.Collection
	}
	chunkSize := s.cfg.BulkChunkSize
	if opts.ChunkSize > 0 {
		chunkSize = opts.ChunkSize
	}
	res := &BulkResult{RunID: s.newID(), Collection: collection, Total: len(items), IDs: []string{}}
	logger := s.logger.With("run_id", res.RunID, "collection", collection)
	logger.Info("bulk ingest started", "items", len(items), "fast_path", opts.FastPath, "chunk_size", chunkSize)

	if len(items) == 0 {
		return s.finishBulk(ctx, res, total, &bulkTotals{}, opts)
	}
	if err := s.ensureCollection(ctx, collection); err != nil {
		res.Failed = len(items)
		res.err = err
		return s.finishBulk(ctx, res, total, &bulkTotals{}, opts)
	}

	var (
		points []vectorstore.Point
		totals bulkTotals
	)
	for i, item := range items {
		item.OwnerID = s.cfg.BulkUserID
		st, p, err := s.bulkItem(ctx, item, opts.FastPath, collection)
		if err != nil {
			stage := errortypes.StageOf(err)
			res.Failed++
			res.Failures = append(res.Failures, ItemFailure{
				Index:    i,
				Filename: item.Filename,
				Stage:    stage,
				Error:    err.Error(),
			})
			res.err = multierr.Append(res.err, fmt.Errorf("item %d (%s): %w", i, item.Filename, err))
			logger.Warn("bulk item skipped", "index", i, "filename", item.Filename, "stage", stage, "error", err)
			continue
		}
		totals.n++
		totals.describe += metrics.Ms(p.DescribeDuration)
		totals.embedding += metrics.Ms(p.EmbeddingDuration)
		totals.imageUpload += metrics.Ms(st.imageUpload)
		totals.metadataUpload += metrics.Ms(st.metadataUpload)

		points = append(points, vectorstore.Point{
			ID:      st.item.ID,
			Vector:  st.item.Embedding,
			Payload: st.item.Payload(s.cfg.OutputDim),
		})
		res.IDs = append(res.IDs, st.item.ID)
		res.Succeeded++
	}

	if len(points) > 0 {
		d, err := metrics.Measure(func() error {
			return s.vectors.BatchUpsert(ctx, collection, points, chunkSize)
		})
		res.VectorUpsertMs = metrics.Ms(d)
		s.stageEvent(ctx, models.StageEvent{
			Stage:         metrics.StageBatchVectorUpsert,
			Operation:     "batch_upsert",
			Collection:    collection,
			VectorCount:   len(points),
			Dimension:     s.cfg.OutputDim,
			DurationMs:    res.VectorUpsertMs,
			Success:       err == nil,
			ErrorMessage:  errortypes.Message(err),
			CorrelationID: res.RunID,
		})
		if err != nil {
			res.err = multierr.Append(res.err, errortypes.AtStage(err, metrics.StageBatchVectorUpsert))
			res.Error = err.Error()
		}
	}
	return s.finishBulk(ctx, res, total, &totals, opts)
}

func (s *Service) bulkItem(ctx context.Context, item Item, fast bool, collection string) (*stored, *Prepared, error) {
	if item.LoadErr != nil {
		return nil, nil, errortypes.AtStage(item.LoadErr, metrics.StageLoadImage)
	}
	if err := validate(item, false); err != nil {
		return nil, nil, err
	}
	p, err := s.prepare(ctx, item, fast)
	if err != nil {
		return nil, p, err
	}
	st, err := s.upload(ctx, p, collection)
	if err != nil {
		return nil, p, err
	}
	return st, p, nil
}

func (s *Service) finishBulk(ctx context.Context, res *BulkResult, total *metrics.Timer, totals *bulkTotals, opts BulkOptions) *BulkResult {
	total.Stop()
	res.TotalMs = total.Milliseconds()
	switch {
	case res.Total == 0:
		res.Success = true
	case res.Error != "":
		res.Success = false
	default:
		res.Success = res.Succeeded > 0
	}
	if res.Error == "" && res.Succeeded == 0 && res.err != nil {
		res.Error = multierr.Errors(res.err)[0].Error()
	}

	run := models.BulkIngestRun{
		ID:                  res.RunID,
		Collection:          res.Collection,
		ImagesTotal:         res.Total,
		Succeeded:           res.Succeeded,
		Failed:              res.Failed,
		TotalDurationMs:     res.TotalMs,
		VectorUpsertMs:      res.VectorUpsertMs,
		AvgEmbeddingMs:      totals.avg(totals.embedding),
		AvgImageUploadMs:    totals.avg(totals.imageUpload),
		AvgMetadataUploadMs: totals.avg(totals.metadataUpload),
		Notes:               opts.Notes,
		ErrorMessage:        res.Error,
	}
	if !opts.FastPath {
		run.AvgDescriptionMs = totals.avg(totals.describe)
	}
	if err := s.recorder.LogBulkRun(ctx, run); err != nil {
		s.logger.Warn("failed to record bulk run", "run_id", res.RunID, "error", err)
	}

	s.logger.Info("bulk ingest finished",
		"run_id", res.RunID,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"total_ms", fmt.Sprintf("%.1f", res.TotalMs))
	return res
}
