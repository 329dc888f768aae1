package models

import "time"

// RagRequest is the parent row of one search request. It is inserted when the
// request starts and updated once on completion.
type RagRequest struct {
	ID                  string    `gorm:"primaryKey" json:"id"`
	CreatedAt           time.Time `gorm:"index" json:"timestamp"`
	UserID              string    `gorm:"index" json:"user_id"`
	QueryType           string    `json:"query_type"`
	QueryText           string    `json:"query_text,omitempty"`
	QueryImagePath      string    `json:"query_image_path,omitempty"`
	Collection          string    `json:"collection"`
	Filters             JSONMap   `gorm:"type:jsonb" json:"filters"`
	TopK                int       `json:"top_k"`
	ScoreThreshold      *float64  `json:"score_threshold,omitempty"`
	TotalDurationMs     float64   `json:"total_duration_ms"`
	EmbeddingDurationMs float64   `json:"embedding_duration_ms"`
	SearchDurationMs    float64   `json:"search_duration_ms"`
	ResultsCount        int       `json:"results_count"`
	Completed           bool      `json:"completed"`
	Success             bool      `json:"success"`
	ErrorStage          string    `json:"error_stage,omitempty"`
	ErrorMessage        string    `json:"error_message,omitempty"`
	SessionID           string    `json:"session_id,omitempty"`
}

// SearchResultRow is one ranked hit of a search request.
type SearchResultRow struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"timestamp"`
	RequestID string    `gorm:"index" json:"request_id"`
	VectorID  string    `json:"vector_id"`
	Score     float64   `json:"score"`
	Rank      int       `json:"rank"`
	ImageKey  string    `json:"s3_image_key"`
	Bucket    string    `json:"s3_bucket"`
	MealType  string    `json:"meal_type"`
	MealTime  string    `json:"meal_time"`
}

// StageEvent is one execution of a named pipeline stage.
type StageEvent struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	CreatedAt     time.Time `gorm:"index" json:"timestamp"`
	Stage         string    `gorm:"index" json:"stage"`
	Operation     string    `json:"operation"`
	ModelID       string    `json:"model_id,omitempty"`
	InputType     string    `json:"input_type,omitempty"`
	Collection    string    `json:"collection,omitempty"`
	VectorCount   int       `json:"vector_count,omitempty"`
	Dimension     int       `json:"dimension,omitempty"`
	DurationMs    float64   `json:"duration_ms"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CorrelationID string    `gorm:"index" json:"correlation_id,omitempty"`
}

// IngestRecord is one row per single-item ingest, written on success and on
// failure alike.
type IngestRecord struct {
	ID                     string    `gorm:"primaryKey" json:"id"`
	CreatedAt              time.Time `gorm:"index" json:"timestamp"`
	ImageID                string    `gorm:"index" json:"image_id"`
	ContentType            string    `json:"content_type"`
	ModelID                string    `json:"model_id"`
	OutputDim              int       `json:"output_dim"`
	Collection             string    `json:"collection"`
	Bucket                 string    `json:"bucket"`
	OriginalWidth          int       `json:"original_width,omitempty"`
	OriginalHeight         int       `json:"original_height,omitempty"`
	ImageSizeBytes         int       `json:"image_size_bytes"`
	EmbeddingJSONSizeBytes int       `json:"embedding_json_size_bytes"`
	DescriptionMs          float64   `json:"description_ms"`
	EmbeddingMs            float64   `json:"embedding_ms"`
	ImageUploadMs          float64   `json:"image_upload_ms"`
	MetadataUploadMs       float64   `json:"metadata_upload_ms"`
	VectorUpsertMs         float64   `json:"vector_upsert_ms"`
	TotalDurationMs        float64   `json:"total_duration_ms"`
	Success                bool      `gorm:"index" json:"success"`
	ErrorStep              string    `json:"error_step,omitempty"`
	ErrorMessage           string    `json:"error_message,omitempty"`
}

// BulkIngestRun summarizes one bulk ingest invocation. It is written once,
// at the end of the run.
type BulkIngestRun struct {
	ID                  string    `gorm:"primaryKey" json:"id"`
	CreatedAt           time.Time `gorm:"index" json:"timestamp"`
	Collection          string    `json:"collection"`
	ImagesTotal         int       `json:"images_total"`
	Succeeded           int       `json:"succeeded"`
	Failed              int       `json:"failed"`
	TotalDurationMs     float64   `json:"duration_ms_total"`
	VectorUpsertMs      float64   `json:"duration_ms_vector_upsert"`
	AvgDescriptionMs    *float64  `json:"avg_description_ms,omitempty"`
	AvgEmbeddingMs      *float64  `json:"avg_embedding_ms,omitempty"`
	AvgImageUploadMs    *float64  `json:"avg_image_upload_ms,omitempty"`
	AvgMetadataUploadMs *float64  `json:"avg_metadata_upload_ms,omitempty"`
	Notes               string    `json:"notes,omitempty"`
	ErrorMessage        string    `json:"error_message,omitempty"`
}

// BulkSearchRequest is one search against the bulk collection.
type BulkSearchRequest struct {
	ID                  string    `gorm:"primaryKey" json:"id"`
	CreatedAt           time.Time `gorm:"index" json:"timestamp"`
	QueryType           string    `json:"query_type"`
	TopK                int       `json:"top_k"`
	ScoreThreshold      *float64  `json:"score_threshold,omitempty"`
	TotalDurationMs     float64   `json:"duration_ms_total"`
	EmbeddingDurationMs float64   `json:"duration_ms_embedding"`
	SearchDurationMs    float64   `json:"duration_ms_search"`
	ResultsCount        int       `json:"results_count"`
	Success             bool      `json:"success"`
	ErrorMessage        string    `json:"error_message,omitempty"`
}
