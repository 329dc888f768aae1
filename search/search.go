// Package search runs similarity queries over ingested plates and records
// each request, its stages and its ranked results.
package search

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/filter"
	"github.com/pablobfonseca/go-meal-vector/metrics"
	"github.com/pablobfonseca/go-meal-vector/models"
	"github.com/pablobfonseca/go-meal-vector/services"
	"github.com/pablobfonseca/go-meal-vector/vectorops"
)

const (
	ModeText  = "text"
	ModeImage = "image"

	DefaultTopK           = 5
	DefaultScoreThreshold = 0.1
)

type Config struct {
	Collection     string
	BulkCollection string
	BulkUserID     string
	OutputDim      int
	TopK           int
	ScoreThreshold float64
	Location       *time.Location
}

// Query is one search request. Exactly one of Text and Image must be set.
type Query struct {
	Text           string            `json:"query_text,omitempty"`
	Image          []byte            `json:"-"`
	ImageName      string            `json:"image_name,omitempty"`
	OwnerID        string            `json:"owner_id"`
	Dates          *filter.DateRange `json:"date_range,omitempty"`
	MealTypes      []string          `json:"meal_types,omitempty"`
	TopK           int               `json:"top_k,omitempty"`
	ScoreThreshold *float64          `json:"score_threshold,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
}

// Mode reports whether the query embeds text or an image.
func (q Query) Mode() string {
	if len(q.Image) > 0 {
		return ModeImage
	}
	return ModeText
}

func (q Query) validate() error {
	hasText := strings.TrimSpace(q.Text) != ""
	hasImage := len(q.Image) > 0
	switch {
	case hasText && hasImage:
		return errortypes.Validation("provide either query text or a query image, not both").WithStage(metrics.StageValidate)
	case !hasText && !hasImage:
		return errortypes.Validation("query text or a query image is required").WithStage(metrics.StageValidate)
	case strings.TrimSpace(q.OwnerID) == "":
		return errortypes.Validation("owner id is required").WithStage(metrics.StageValidate)
	}
	return nil
}

// Match is one ranked hit with its display fields pulled out of the payload.
type Match struct {
	Rank        int            `json:"rank"`
	ID          string         `json:"id"`
	Score       float64        `json:"score"`
	ImageKey    string         `json:"image_key"`
	Bucket      string         `json:"bucket"`
	MealType    string         `json:"meal_type"`
	MealTime    string         `json:"meal_time"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload"`
}

// Result is what every search returns. Failures are reported through Success
// and ErrorStage, never as a Go error.
type Result struct {
	RequestID   string         `json:"request_id"`
	Success     bool           `json:"success"`
	ErrorStage  string         `json:"error_stage,omitempty"`
	Error       string         `json:"error,omitempty"`
	Collection  string         `json:"collection"`
	Filters     map[string]any `json:"filters"`
	Matches     []Match        `json:"matches"`
	EmbeddingMs float64        `json:"embedding_ms"`
	SearchMs    float64        `json:"search_ms"`
	TotalMs     float64        `json:"total_ms"`
}

type Service struct {
	embedder services.Embedder
	vectors  *vectorops.Ops
	recorder metrics.Recorder
	cfg      Config
	logger   *slog.Logger
}

func New(embedder services.Embedder, vectors *vectorops.Ops, recorder metrics.Recorder, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		embedder: embedder,
		vectors:  vectors,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With("component", "search"),
	}
}

func (s *Service) withDefaults(q Query) Query {
	if q.TopK <= 0 {
		q.TopK = s.cfg.TopK
	}
	if q.ScoreThreshold == nil {
		t := s.cfg.ScoreThreshold
		q.ScoreThreshold = &t
	}
	return q
}

// Search validates q, embeds it, builds the owner/date/meal filter and runs
// the similarity query against the main collection. The request row is
// written at start and completed once at the end, success or not.
func (s *Service) Search(ctx context.Context, q Query) *Result {
	total := metrics.StartTimer()
	q = s.withDefaults(q)
	spec := filter.QuerySpec(q.OwnerID, q.Dates, q.MealTypes, s.cfg.Location)
	res := &Result{Collection: s.cfg.Collection, Filters: spec, Matches: []Match{}}

	requestID, err := s.recorder.StartRequest(ctx, models.RagRequest{
		UserID:         q.OwnerID,
		QueryType:      q.Mode(),
		QueryText:      q.Text,
		QueryImagePath: q.ImageName,
		Collection:     res.Collection,
		Filters:        models.JSONMap(spec),
		TopK:           q.TopK,
		ScoreThreshold: q.ScoreThreshold,
		SessionID:      q.SessionID,
	})
	if err != nil {
		s.logger.Warn("failed to record search request", "error", err)
		requestID = uuid.NewString()
	}
	res.RequestID = requestID

	err = q.validate()
	if err == nil {
		err = s.execute(ctx, q, spec, res)
	}
	s.finish(res, total, err)

	if len(res.Matches) > 0 {
		if logErr := s.recorder.LogResults(ctx, requestID, resultRows(res.Matches)); logErr != nil {
			s.logger.Warn("failed to record search results", "request_id", requestID, "error", logErr)
		}
	}
	completion := metrics.Completion{
		TotalMs:      res.TotalMs,
		EmbeddingMs:  res.EmbeddingMs,
		SearchMs:     res.SearchMs,
		ResultsCount: len(res.Matches),
		Success:      res.Success,
		ErrorStage:   res.ErrorStage,
		ErrorMessage: res.Error,
	}
	if compErr := s.recorder.CompleteRequest(ctx, requestID, completion); compErr != nil {
		s.logger.Warn("failed to complete search request", "request_id", requestID, "error", compErr)
	}
	return res
}

// SearchBulk queries the bulk collection as the bulk user and writes one bulk
// search row.
func (s *Service) SearchBulk(ctx context.Context, q Query) *Result {
	total := metrics.StartTimer()
	q = s.withDefaults(q)
	q.OwnerID = s.cfg.BulkUserID
	collection := s.cfg.BulkCollection
	if collection == "" {
		collection = s.cfg.Collection
	}
	spec := filter.QuerySpec(q.OwnerID, q.Dates, q.MealTypes, s.cfg.Location)
	res := &Result{RequestID: uuid.NewString(), Collection: collection, Filters: spec, Matches: []Match{}}

	err := q.validate()
	if err == nil {
		err = s.execute(ctx, q, spec, res)
	}
	s.finish(res, total, err)

	row := models.BulkSearchRequest{
		ID:                  res.RequestID,
		QueryType:           q.Mode(),
		TopK:                q.TopK,
		ScoreThreshold:      q.ScoreThreshold,
		TotalDurationMs:     res.TotalMs,
		EmbeddingDurationMs: res.EmbeddingMs,
		SearchDurationMs:    res.SearchMs,
		ResultsCount:        len(res.Matches),
		Success:             res.Success,
		ErrorMessage:        res.Error,
	}
	if logErr := s.recorder.LogBulkSearch(ctx, row); logErr != nil {
		s.logger.Warn("failed to record bulk search", "error", logErr)
	}
	return res
}

func (s *Service) finish(res *Result, total *metrics.Timer, err error) {
	total.Stop()
	res.TotalMs = total.Milliseconds()
	res.Success = err == nil
	if err != nil {
		res.ErrorStage = errortypes.StageOf(err)
		res.Error = err.Error()
		res.Matches = []Match{}
		errortypes.LogError(s.logger.With("request_id", res.RequestID), err)
		return
	}
	s.logger.Info("search finished",
		"request_id", res.RequestID,
		"collection", res.Collection,
		"results", len(res.Matches))
}

// execute checks the collection dimension, embeds the query, builds the
// filter and runs the vector search. Durations of stages that never ran stay
// zero.
func (s *Service) execute(ctx context.Context, q Query, spec map[string]any, res *Result) error {
	if err := s.vectors.CheckCollection(ctx, res.Collection, s.cfg.OutputDim); err != nil {
		return errortypes.AtStage(err, metrics.StageCheckCollection)
	}

	var vec []float32
	d, err := metrics.Measure(func() error {
		var err error
		vec, err = s.embedder.Embed(ctx, q.Text, q.Image, s.cfg.OutputDim)
		return err
	})
	res.EmbeddingMs = metrics.Ms(d)
	s.stageEvent(ctx, models.StageEvent{
		Stage:         metrics.StageEmbedding,
		Operation:     "search",
		ModelID:       s.embedder.ModelID(),
		InputType:     q.Mode(),
		Dimension:     len(vec),
		DurationMs:    res.EmbeddingMs,
		Success:       err == nil,
		ErrorMessage:  errortypes.Message(err),
		CorrelationID: res.RequestID,
	})
	if err != nil {
		return errortypes.AtStage(err, metrics.StageEmbedding)
	}

	f, err := filter.Build(spec)
	if err != nil {
		return errortypes.AtStage(err, metrics.StageBuildFilter)
	}

	matches, err := func() ([]Match, error) {
		t := metrics.StartTimer()
		defer func() { res.SearchMs = metrics.Ms(t.Stop()) }()
		hits, err := s.vectors.Search(ctx, res.Collection, vec, q.TopK, f, q.ScoreThreshold)
		if err != nil {
			return nil, err
		}
		return toMatches(hits), nil
	}()
	s.stageEvent(ctx, models.StageEvent{
		Stage:         metrics.StageVectorSearch,
		Operation:     "search",
		Collection:    res.Collection,
		VectorCount:   len(matches),
		Dimension:     len(vec),
		DurationMs:    res.SearchMs,
		Success:       err == nil,
		ErrorMessage:  errortypes.Message(err),
		CorrelationID: res.RequestID,
	})
	if err != nil {
		return errortypes.AtStage(err, metrics.StageVectorSearch)
	}
	res.Matches = matches
	return nil
}

func (s *Service) stageEvent(ctx context.Context, e models.StageEvent) {
	if err := s.recorder.LogStageEvent(ctx, e); err != nil {
		s.logger.Warn("failed to record stage event", "stage", e.Stage, "error", err)
	}
}
