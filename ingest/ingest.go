// Package ingest turns plate images into stored blobs and indexed vector
// points, one at a time or in bulk.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pablobfonseca/go-meal-vector/blobstore"
	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/metrics"
	"github.com/pablobfonseca/go-meal-vector/models"
	"github.com/pablobfonseca/go-meal-vector/services"
	"github.com/pablobfonseca/go-meal-vector/vectorops"
)

type Config struct {
	Collection       string
	BulkCollection   string
	Bucket           string
	ImagesPrefix     string
	EmbeddingsPrefix string
	OutputDim        int
	BulkChunkSize    int
	BulkUserID       string
}

// Item is one image to ingest.
type Item struct {
	Image       []byte
	Filename    string
	ContentType string
	OwnerID     string
	MealType    models.MealType
	CapturedAt  time.Time

	// LoadErr marks an item whose bytes could not be read. The bulk path
	// counts it as failed at the load_image stage.
	LoadErr error
}

// Prepared is the output of the describe and embed step, handed by value to
// Commit.
type Prepared struct {
	Item        Item
	Description string
	Embedding   []float32
	ModelID     string
	Width       int
	Height      int

	DescribeDuration  time.Duration
	EmbeddingDuration time.Duration
}

type Timings struct {
	DescribeMs       float64 `json:"describe_ms"`
	EmbeddingMs      float64 `json:"embedding_ms"`
	ImageUploadMs    float64 `json:"image_upload_ms"`
	MetadataUploadMs float64 `json:"metadata_upload_ms"`
	VectorUpsertMs   float64 `json:"vector_upsert_ms"`
	TotalMs          float64 `json:"total_ms"`
}

// Result is what callers get back from Ingest and Commit. Check Success;
// failures are not returned as errors.
type Result struct {
	Success    bool              `json:"success"`
	ErrorStage string            `json:"error_stage,omitempty"`
	Error      string            `json:"error,omitempty"`
	Item       *models.MediaItem `json:"item,omitempty"`
	Collection string            `json:"collection"`
	Timings    Timings           `json:"timings"`
}

type Service struct {
	describer services.Describer
	embedder  services.Embedder
	blobs     blobstore.Store
	vectors   *vectorops.Ops
	recorder  metrics.Recorder
	cfg       Config
	logger    *slog.Logger

	newID func() string
	now   func() time.Time
}

func New(
	describer services.Describer,
	embedder services.Embedder,
	blobs blobstore.Store,
	vectors *vectorops.Ops,
	recorder metrics.Recorder,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Service{
		describer: describer,
		embedder:  embedder,
		blobs:     blobs,
		vectors:   vectors,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger.With("component", "ingest"),
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func validate(item Item, needOwner bool) error {
	if len(item.Image) == 0 {
		return errortypes.Validation("image is required").WithStage(metrics.StageValidate)
	}
	if needOwner && strings.TrimSpace(item.OwnerID) == "" {
		return errortypes.Validation("owner id is required").WithStage(metrics.StageValidate)
	}
	return nil
}

func imageSize(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// Prepare describes the image and generates its embedding. Nothing is written
// to blob or vector storage.
func (s *Service) Prepare(ctx context.Context, item Item) (*Prepared, error) {
	if err := validate(item, true); err != nil {
		return nil, err
	}
	return s.prepare(ctx, item, false)
}

func (s *Service) prepare(ctx context.Context, item Item, fast bool) (*Prepared, error) {
	if item.CapturedAt.IsZero() {
		item.CapturedAt = s.now()
	}
	if item.MealType == "" {
		item.MealType = models.MealOther
	}
	p := &Prepared{Item: item, ModelID: s.embedder.ModelID()}
	p.Width, p.Height = imageSize(item.Image)

	embedText := ""
	if !fast {
		var display string
		d, err := metrics.Measure(func() error {
			var err error
			display, embedText, err = s.describer.Describe(ctx, item.Image, services.MealContext{
				MealType:   string(item.MealType),
				CapturedAt: item.CapturedAt,
				Filename:   item.Filename,
			})
			return err
		})
		p.DescribeDuration = d
		if err != nil {
			return p, errortypes.AtStage(err, metrics.StageDescribe)
		}
		p.Description = display
	}

	var vec []float32
	d, err := metrics.Measure(func() error {
		var err error
		vec, err = s.embedder.Embed(ctx, embedText, item.Image, s.cfg.OutputDim)
		return err
	})
	p.EmbeddingDuration = d
	s.stageEvent(ctx, models.StageEvent{
		Stage:        metrics.StageEmbedding,
		Operation:    "ingest",
		ModelID:      p.ModelID,
		InputType:    inputType(embedText, item.Image),
		Dimension:    len(vec),
		DurationMs:   metrics.Ms(d),
		Success:      err == nil,
		ErrorMessage: errortypes.Message(err),
	})
	if err != nil {
		return p, errortypes.AtStage(err, metrics.StageEmbedding)
	}
	p.Embedding = vec
	return p, nil
}

func inputType(text string, image []byte) string {
	switch {
	case text != "" && len(image) > 0:
		return "multimodal"
	case len(image) > 0:
		return "image"
	}
	return "text"
}

func (s *Service) stageEvent(ctx context.Context, e models.StageEvent) {
	if err := s.recorder.LogStageEvent(ctx, e); err != nil {
		s.logger.Warn("failed to record stage event", "stage", e.Stage, "error", err)
	}
}

// stored is what the upload step produced for one item.
type stored struct {
	item           models.MediaItem
	metadataSize   int
	imageUpload    time.Duration
	metadataUpload time.Duration
}

// upload writes the image and its metadata record under a fresh id.
func (s *Service) upload(ctx context.Context, p *Prepared, collection string) (*stored, error) {
	id := s.newID()
	ext := blobstore.ExtFromContentType(p.Item.ContentType, p.Item.Filename)
	contentType := p.Item.ContentType
	if contentType == "" {
		contentType = blobstore.ContentTypeFromKey("x" + ext)
	}
	out := &stored{item: models.MediaItem{
		ID:          id,
		OwnerID:     p.Item.OwnerID,
		MealType:    p.Item.MealType,
		CapturedAt:  p.Item.CapturedAt,
		Description: p.Description,
		Embedding:   p.Embedding,
		Filename:    p.Item.Filename,
		ContentType: contentType,
		ModelID:     p.ModelID,
		IngestedAt:  s.now(),
		Storage: models.StorageRefs{
			Bucket:      s.cfg.Bucket,
			ImageKey:    blobstore.ImageKey(s.cfg.ImagesPrefix, id, ext),
			MetadataKey: blobstore.MetadataKey(s.cfg.EmbeddingsPrefix, id),
		},
	}}

	d, err := metrics.Measure(func() error {
		return s.blobs.Put(ctx, s.cfg.Bucket, out.item.Storage.ImageKey, p.Item.Image, contentType)
	})
	out.imageUpload = d
	if err != nil {
		return out, errortypes.AtStage(err, metrics.StageUploadImage)
	}

	record, err := json.Marshal(out.item.MetadataRecord(s.cfg.OutputDim))
	if err != nil {
		return out, errortypes.External(err, "encode metadata record").WithStage(metrics.StageUploadMetadata)
	}
	out.metadataSize = len(record)
	d, err = metrics.Measure(func() error {
		return s.blobs.Put(ctx, s.cfg.Bucket, out.item.Storage.MetadataKey, record, "application/json")
	})
	out.metadataUpload = d
	if err != nil {
		return out, errortypes.AtStage(err, metrics.StageUploadMetadata)
	}
	s.logger.Debug("blobs uploaded",
		"image_id", id,
		"collection", collection,
		"image_key", out.item.Storage.ImageKey)
	return out, nil
}

func (s *Service) ensureCollection(ctx context.Context, collection string) error {
	if err := s.vectors.EnsureCollection(ctx, collection, s.cfg.OutputDim); err != nil {
		return errortypes.AtStage(err, metrics.StageEnsureCollection)
	}
	return nil
}

// Commit uploads the prepared image and metadata and upserts the vector
// point into the main collection. It writes one ingest record.
func (s *Service) Commit(ctx context.Context, p *Prepared) *Result {
	total := metrics.StartTimer()
	return s.commit(ctx, p, total)
}

func (s *Service) commit(ctx context.Context, p *Prepared, total *metrics.Timer) *Result {
	collection := s.cfg.Collection
	rec := s.baseRecord(p, collection)
	res := &Result{Collection: collection}
	if p != nil {
		res.Timings.DescribeMs = metrics.Ms(p.DescribeDuration)
		res.Timings.EmbeddingMs = metrics.Ms(p.EmbeddingDuration)
	}

	finish := func(err error) *Result {
		total.Stop()
		res.Timings.TotalMs = total.Milliseconds()
		s.finishRecord(ctx, rec, res, err)
		return res
	}

	if p == nil || len(p.Embedding) == 0 {
		return finish(errortypes.Validation("nothing prepared to commit").WithStage(metrics.StageValidate))
	}

	// The dimension check runs before any blob is written so a misconfigured
	// collection never leaves blobs behind.
	if err := s.ensureCollection(ctx, collection); err != nil {
		return finish(err)
	}

	st, err := s.upload(ctx, p, collection)
	if st != nil {
		res.Timings.ImageUploadMs = metrics.Ms(st.imageUpload)
		res.Timings.MetadataUploadMs = metrics.Ms(st.metadataUpload)
		rec.ImageID = st.item.ID
		rec.EmbeddingJSONSizeBytes = st.metadataSize
	}
	if err != nil {
		return finish(err)
	}

	d, err := metrics.Measure(func() error {
		return s.vectors.Upsert(ctx, collection, st.item.ID, st.item.Embedding, st.item.Payload(s.cfg.OutputDim))
	})
	res.Timings.VectorUpsertMs = metrics.Ms(d)
	s.stageEvent(ctx, models.StageEvent{
		Stage:         metrics.StageVectorUpsert,
		Operation:     "upsert",
		Collection:    collection,
		VectorCount:   1,
		Dimension:     len(st.item.Embedding),
		DurationMs:    metrics.Ms(d),
		Success:       err == nil,
		ErrorMessage:  errortypes.Message(err),
		CorrelationID: st.item.ID,
	})
	if err != nil {
		return finish(errortypes.AtStage(err, metrics.StageVectorUpsert))
	}

	res.Item = &st.item
	return finish(nil)
}

// Ingest runs the single-item path: describe, embed, upload image, upload
// metadata, upsert. Exactly one ingest record is written whatever the
// outcome.
func (s *Service) Ingest(ctx context.Context, item Item) *Result {
	total := metrics.StartTimer()
	p, err := s.Prepare(ctx, item)
	if err != nil {
		if p == nil {
			p = &Prepared{Item: item, ModelID: s.embedder.ModelID()}
		}
		rec := s.baseRecord(p, s.cfg.Collection)
		res := &Result{
			Collection: s.cfg.Collection,
			Timings: Timings{
				DescribeMs:  metrics.Ms(p.DescribeDuration),
				EmbeddingMs: metrics.Ms(p.EmbeddingDuration),
			},
		}
		total.Stop()
		res.Timings.TotalMs = total.Milliseconds()
		s.finishRecord(ctx, rec, res, err)
		return res
	}
	return s.commit(ctx, p, total)
}

func (s *Service) baseRecord(p *Prepared, collection string) *models.IngestRecord {
	rec := &models.IngestRecord{
		ModelID:    s.embedder.ModelID(),
		OutputDim:  s.cfg.OutputDim,
		Collection: collection,
		Bucket:     s.cfg.Bucket,
	}
	if p != nil {
		rec.ContentType = p.Item.ContentType
		rec.OriginalWidth = p.Width
		rec.OriginalHeight = p.Height
		rec.ImageSizeBytes = len(p.Item.Image)
		if p.ModelID != "" {
			rec.ModelID = p.ModelID
		}
	}
	return rec
}

func (s *Service) finishRecord(ctx context.Context, rec *models.IngestRecord, res *Result, err error) {
	rec.DescriptionMs = res.Timings.DescribeMs
	rec.EmbeddingMs = res.Timings.EmbeddingMs
	rec.ImageUploadMs = res.Timings.ImageUploadMs
	rec.MetadataUploadMs = res.Timings.MetadataUploadMs
	rec.VectorUpsertMs = res.Timings.VectorUpsertMs
	rec.TotalDurationMs = res.Timings.TotalMs
	rec.Success = err == nil

	res.Success = err == nil
	if err != nil {
		res.ErrorStage = errortypes.StageOf(err)
		res.Error = err.Error()
		rec.ErrorStep = res.ErrorStage
		rec.ErrorMessage = res.Error
		errortypes.LogError(s.logger, err)
	} else {
		s.logger.Info("image ingested",
			"image_id", rec.ImageID,
			"collection", rec.Collection,
			"total_ms", fmt.Sprintf("%.1f", rec.TotalDurationMs))
	}

	if recErr := s.recorder.LogIngest(ctx, *rec); recErr != nil {
		s.logger.Warn("failed to record ingest", "error", recErr)
	}
}
