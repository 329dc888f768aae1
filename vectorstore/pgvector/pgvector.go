// Package pgvector stores vector points in Postgres with the pgvector
// extension. All collections share the vector_points table; each collection
// gets its own partial HNSW index over a dimension-typed cast of the
// embedding column.
package pgvector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/filter"
	"github.com/pablobfonseca/go-meal-vector/models"
	"github.com/pablobfonseca/go-meal-vector/vectorstore"
	pgv "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var identRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,48}$`)

type Store struct {
	db *gorm.DB
}

// New returns a store over db. Call Migrate once before use.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate enables the vector extension and creates the collection and point
// tables.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return errortypes.External(err, "create vector extension")
	}
	if err := db.AutoMigrate(&models.VectorCollection{}, &models.ImageEmbedding{}); err != nil {
		return errortypes.External(err, "migrate vector tables")
	}
	return nil
}

func checkIdent(kind, name string) error {
	if identRE.MatchString(name) {
		return nil
	}
	return errortypes.Validation(fmt.Sprintf("invalid %s name %q", kind, name))
}

func indexName(collection, suffix string) string {
	return "vp_" + strings.ReplaceAll(strings.ToLower(collection), "-", "_") + "_" + suffix
}

// HNSWIndexDDL returns the partial cosine index for one collection.
func HNSWIndexDDL(collection string, dim int) string {
	return fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON vector_points USING hnsw ((embedding::vector(%d)) vector_cosine_ops) WHERE collection = '%s'`,
		indexName(collection, "hnsw"), dim, collection)
}

// PayloadIndexDDL returns the partial expression index for one payload field.
// The expressions are the ones WhereClause renders, so the planner can use
// them.
func PayloadIndexDDL(collection string, idx vectorstore.PayloadIndex) string {
	expr := fmt.Sprintf("(payload->>'%s')", idx.Field)
	if idx.Kind == vectorstore.IndexInteger {
		expr = fmt.Sprintf("((payload->>'%s')::double precision)", idx.Field)
	}
	return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON vector_points (%s) WHERE collection = '%s'`,
		indexName(collection, strings.ToLower(idx.Field)), expr, collection)
}

func (s *Store) EnsureCollection(ctx context.Context, name string, dim int) error {
	if err := checkIdent("collection", name); err != nil {
		return err
	}
	if dim <= 0 {
		return errortypes.Configuration(fmt.Errorf("dimension %d", dim), "invalid vector dimension")
	}
	db := s.db.WithContext(ctx)

	coll := models.VectorCollection{Name: name, Dimension: dim, Distance: "cosine"}
	if err := db.Where(models.VectorCollection{Name: name}).FirstOrCreate(&coll).Error; err != nil {
		return errortypes.External(err, "ensure collection").WithField("collection", name)
	}
	if err := vectorstore.CheckDimension(name, coll.Dimension, dim); err != nil {
		return err
	}
	if err := db.Exec(HNSWIndexDDL(name, dim)).Error; err != nil {
		return errortypes.External(err, "create hnsw index").WithField("collection", name)
	}
	return nil
}

func (s *Store) EnsurePayloadIndexes(ctx context.Context, name string, indexes []vectorstore.PayloadIndex) error {
	if err := checkIdent("collection", name); err != nil {
		return err
	}
	if _, err := s.CollectionDimension(ctx, name); err != nil {
		return err
	}
	db := s.db.WithContext(ctx)
	for _, idx := range indexes {
		if err := checkIdent("payload field", idx.Field); err != nil {
			return err
		}
		if err := db.Exec(PayloadIndexDDL(name, idx)).Error; err != nil {
			return errortypes.External(err, "create payload index").
				WithField("collection", name).
				WithField("field", idx.Field)
		}
	}
	return nil
}

func (s *Store) CollectionDimension(ctx context.Context, name string) (int, error) {
	var coll models.VectorCollection
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&coll).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, vectorstore.CollectionNotFound(name)
	}
	if err != nil {
		return 0, errortypes.External(err, "load collection").WithField("collection", name)
	}
	return coll.Dimension, nil
}

func (s *Store) Upsert(ctx context.Context, name string, points []vectorstore.Point) error {
	if len(points) == 0 {
		return nil
	}
	dim, err := s.CollectionDimension(ctx, name)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rows := make([]models.ImageEmbedding, len(points))
	for i, p := range points {
		if err := vectorstore.CheckDimension(name, dim, len(p.Vector)); err != nil {
			return err
		}
		rows[i] = models.ImageEmbedding{
			Collection: name,
			ID:         p.ID,
			Embedding:  pgv.NewVector(p.Vector),
			Payload:    models.JSONMap(p.Payload),
			UpdatedAt:  now,
		}
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"embedding", "payload", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return errortypes.External(err, "upsert points").WithField("collection", name).WithField("count", len(points))
	}
	return nil
}

type scoredRow struct {
	ID      string
	Payload models.JSONMap
	Score   float64
}

// SearchSQL renders the similarity query for a collection of dimension dim.
// The collection name is inlined so the partial indexes apply; it must pass
// the identifier check. Other arguments use gorm's ? placeholders.
func SearchSQL(collection string, dim int, params vectorstore.SearchParams) (string, []any, error) {
	if err := checkIdent("collection", collection); err != nil {
		return "", nil, err
	}
	distance := fmt.Sprintf("(embedding::vector(%d)) <=> ?::vector(%d)", dim, dim)
	query := pgv.NewVector(params.Vector)

	where, whereArgs := WhereClause(params.Filter)
	args := []any{query}
	args = append(args, whereArgs...)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, payload, 1 - (%s) AS score FROM vector_points WHERE collection = '%s'", distance, collection)
	if where != "" {
		b.WriteString(" AND ")
		b.WriteString(where)
	}
	if params.ScoreThreshold != nil {
		fmt.Fprintf(&b, " AND 1 - (%s) >= ?", distance)
		args = append(args, query, *params.ScoreThreshold)
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 5
	}
	fmt.Fprintf(&b, " ORDER BY %s LIMIT ?", distance)
	args = append(args, query, limit)
	return b.String(), args, nil
}

// payloadField renders payload->>field. Names that pass the identifier check
// are inlined to match the expression indexes; anything else is bound.
func payloadField(field string) (string, []any) {
	if identRE.MatchString(field) {
		return fmt.Sprintf("payload->>'%s'", field), nil
	}
	return "payload->>?::text", []any{field}
}

// WhereClause renders the leaves of f as a conjunction over the payload
// column.
func WhereClause(f *filter.Filter) (string, []any) {
	if f.Len() == 0 {
		return "", nil
	}
	parts := make([]string, 0, f.Len())
	var args []any
	for _, c := range f.Must {
		switch v := c.(type) {
		case filter.Eq:
			expr, fieldArgs := payloadField(v.Field)
			parts = append(parts, expr+" = ?")
			args = append(append(args, fieldArgs...), filter.ValueString(v.Value))
		case filter.In:
			values := make(pq.StringArray, len(v.Values))
			for i, x := range v.Values {
				values[i] = filter.ValueString(x)
			}
			expr, fieldArgs := payloadField(v.Field)
			parts = append(parts, expr+" = ANY(?::text[])")
			args = append(append(args, fieldArgs...), values)
		case filter.Range:
			expr, fieldArgs := payloadField(v.Field)
			if v.Gte != nil {
				parts = append(parts, "("+expr+")::double precision >= ?")
				args = append(append(args, fieldArgs...), *v.Gte)
			}
			if v.Lte != nil {
				parts = append(parts, "("+expr+")::double precision <= ?")
				args = append(append(args, fieldArgs...), *v.Lte)
			}
		}
	}
	return strings.Join(parts, " AND "), args
}

func (s *Store) Search(ctx context.Context, name string, params vectorstore.SearchParams) ([]vectorstore.Hit, error) {
	dim, err := s.CollectionDimension(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := vectorstore.CheckDimension(name, dim, len(params.Vector)); err != nil {
		return nil, err
	}

	query, args, err := SearchSQL(name, dim, params)
	if err != nil {
		return nil, err
	}
	var rows []scoredRow
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, errortypes.External(err, "similarity search").WithField("collection", name)
	}
	hits := make([]vectorstore.Hit, len(rows))
	for i, r := range rows {
		hits[i] = vectorstore.Hit{ID: r.ID, Score: r.Score, Payload: r.Payload}
	}
	return hits, nil
}

func (s *Store) Retrieve(ctx context.Context, name, id string) (*vectorstore.Point, error) {
	var row models.ImageEmbedding
	err := s.db.WithContext(ctx).Where("collection = ? AND id = ?", name, id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, vectorstore.PointNotFound(name, id)
	}
	if err != nil {
		return nil, errortypes.External(err, "retrieve point").WithField("collection", name)
	}
	return &vectorstore.Point{ID: row.ID, Vector: row.Embedding.Slice(), Payload: row.Payload}, nil
}

func (s *Store) Delete(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id IN ?", name, ids).
		Delete(&models.ImageEmbedding{}).Error
	if err != nil {
		return errortypes.External(err, "delete points").WithField("collection", name)
	}
	return nil
}
