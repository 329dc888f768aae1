package models

import (
	"fmt"
	"strings"
	"time"
)

type MealType string

const (
	MealBreakfast MealType = "breakfast"
	MealLunch     MealType = "lunch"
	MealDinner    MealType = "dinner"
	MealSnack     MealType = "snack"
	MealOther     MealType = "other"
)

// MealTypes lists the accepted meal types in display order.
var MealTypes = []MealType{MealBreakfast, MealLunch, MealDinner, MealSnack, MealOther}

// ParseMealType normalizes s; an empty string maps to MealOther.
func ParseMealType(s string) (MealType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return MealOther, nil
	}
	for _, m := range MealTypes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown meal type %q", s)
}

// Payload keys stored on every vector point. user_id, meal_type and ts are
// indexed for filtering.
const (
	PayloadUserID          = "user_id"
	PayloadMealType        = "meal_type"
	PayloadTS              = "ts"
	PayloadImageKey        = "s3_image_key"
	PayloadEmbeddingKey    = "s3_embedding_key"
	PayloadBucket          = "s3_bucket"
	PayloadModelID         = "model_id"
	PayloadFilename        = "uploaded_filename"
	PayloadContentType     = "content_type"
	PayloadMealTime        = "meal_time"
	PayloadTimestamp       = "timestamp"
	PayloadDescription     = "generated_description"
	PayloadEmbeddingLength = "embedding_length"
	PayloadOutputDim       = "output_embedding_length"
)

// StorageRefs locates the blobs paired with a vector point.
type StorageRefs struct {
	Bucket      string `json:"bucket"`
	ImageKey    string `json:"image_key"`
	MetadataKey string `json:"metadata_key"`
}

// MediaItem is one ingested plate image.
type MediaItem struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	MealType    MealType    `json:"meal_type"`
	CapturedAt  time.Time   `json:"captured_at"`
	Description string      `json:"description"`
	Embedding   []float32   `json:"embedding,omitempty"`
	Filename    string      `json:"filename,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	ModelID     string      `json:"model_id,omitempty"`
	IngestedAt  time.Time   `json:"ingested_at"`
	Storage     StorageRefs `json:"storage"`
}

// Payload builds the vector point payload for the item.
func (m MediaItem) Payload(outputDim int) map[string]any {
	return map[string]any{
		PayloadUserID:          m.OwnerID,
		PayloadMealType:        string(m.MealType),
		PayloadTS:              m.CapturedAt.Unix(),
		PayloadImageKey:        m.Storage.ImageKey,
		PayloadEmbeddingKey:    m.Storage.MetadataKey,
		PayloadBucket:          m.Storage.Bucket,
		PayloadModelID:         m.ModelID,
		PayloadFilename:        m.Filename,
		PayloadContentType:     m.ContentType,
		PayloadMealTime:        m.CapturedAt.Format(time.RFC3339),
		PayloadTimestamp:       m.IngestedAt.UTC().Format(time.RFC3339),
		PayloadDescription:     m.Description,
		PayloadEmbeddingLength: len(m.Embedding),
		PayloadOutputDim:       outputDim,
	}
}

// MetadataRecord is the JSON audit document uploaded next to the image. It
// carries the raw embedding and is independent of the vector store.
type MetadataRecord struct {
	ModelID         string    `json:"model_id"`
	EmbeddingLength int       `json:"embedding_length"`
	Bucket          string    `json:"s3_image_bucket"`
	ImageKey        string    `json:"s3_image_key"`
	Filename        string    `json:"uploaded_filename"`
	ContentType     string    `json:"content_type"`
	OutputDim       int       `json:"output_embedding_length"`
	Timestamp       string    `json:"timestamp"`
	UserID          string    `json:"user_id"`
	MealType        string    `json:"meal_type"`
	MealTime        string    `json:"meal_time"`
	TS              int64     `json:"ts"`
	Description     string    `json:"generated_description"`
	Embedding       []float32 `json:"embedding"`
}

// MetadataRecord returns the audit document for the item.
func (m MediaItem) MetadataRecord(outputDim int) MetadataRecord {
	return MetadataRecord{
		ModelID:         m.ModelID,
		EmbeddingLength: len(m.Embedding),
		Bucket:          m.Storage.Bucket,
		ImageKey:        m.Storage.ImageKey,
		Filename:        m.Filename,
		ContentType:     m.ContentType,
		OutputDim:       outputDim,
		Timestamp:       m.IngestedAt.UTC().Format(time.RFC3339),
		UserID:          m.OwnerID,
		MealType:        string(m.MealType),
		MealTime:        m.CapturedAt.Format(time.RFC3339),
		TS:              m.CapturedAt.Unix(),
		Description:     m.Description,
		Embedding:       m.Embedding,
	}
}

// PayloadString reads a string payload field.
func PayloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadInt64 reads a numeric payload field regardless of how it was decoded.
func PayloadInt64(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	case float32:
		return int64(v), true
	}
	return 0, false
}
