package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
)

// VectorCollection is a named, fixed-dimension namespace of points in the
// pgvector backend.
type VectorCollection struct {
	Name      string    `gorm:"primaryKey" json:"name"`
	Dimension int       `gorm:"not null" json:"dimension"`
	Distance  string    `gorm:"not null;default:cosine" json:"distance"`
	CreatedAt time.Time `json:"created_at"`
}

// ImageEmbedding is one vector point. The embedding column is declared
// without a dimension so several collections can share the table; each
// collection gets its own partial HNSW index.
type ImageEmbedding struct {
	Collection string          `gorm:"primaryKey" json:"collection"`
	ID         string          `gorm:"primaryKey" json:"id"`
	Embedding  pgvector.Vector `gorm:"type:vector;not null" json:"embedding"`
	Payload    JSONMap         `gorm:"type:jsonb" json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (ImageEmbedding) TableName() string { return "vector_points" }

// JSONMap stores a payload map in a jsonb column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported payload type %T", src)
	}
	out := JSONMap{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*m = out
	return nil
}
