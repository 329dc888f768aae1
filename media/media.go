// Package media reads, deletes and audits stored plates. It detects points
// whose blobs are gone and blobs whose point is gone, but never repairs
// anything on its own.
package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pablobfonseca/go-meal-vector/blobstore"
	"github.com/pablobfonseca/go-meal-vector/errortypes"
	"github.com/pablobfonseca/go-meal-vector/models"
	"github.com/pablobfonseca/go-meal-vector/vectorops"
	"github.com/pablobfonseca/go-meal-vector/vectorstore"
)

type Config struct {
	Bucket           string
	ImagesPrefix     string
	EmbeddingsPrefix string
}

// Item is a point together with its image bytes.
type Item struct {
	ID          string         `json:"id"`
	Payload     map[string]any `json:"payload"`
	Image       []byte         `json:"-"`
	ContentType string         `json:"content_type"`
}

// Orphan is an image blob without a vector point.
type Orphan struct {
	ID       string `json:"id"`
	ImageKey string `json:"image_key"`
}

type Service struct {
	vectors *vectorops.Ops
	blobs   blobstore.Store
	cfg     Config
	logger  *slog.Logger
}

func New(vectors *vectorops.Ops, blobs blobstore.Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{vectors: vectors, blobs: blobs, cfg: cfg, logger: logger.With("component", "media")}
}

func (s *Service) refs(p *vectorstore.Point) models.StorageRefs {
	refs := models.StorageRefs{
		Bucket:      models.PayloadString(p.Payload, models.PayloadBucket),
		ImageKey:    models.PayloadString(p.Payload, models.PayloadImageKey),
		MetadataKey: models.PayloadString(p.Payload, models.PayloadEmbeddingKey),
	}
	if refs.Bucket == "" {
		refs.Bucket = s.cfg.Bucket
	}
	if refs.MetadataKey == "" {
		refs.MetadataKey = blobstore.MetadataKey(s.cfg.EmbeddingsPrefix, p.ID)
	}
	return refs
}

// Fetch returns the point and its image. A point whose image blob is missing
// is an orphaned vector and yields a consistency error.
func (s *Service) Fetch(ctx context.Context, collection, id string) (*Item, error) {
	p, err := s.vectors.Retrieve(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	refs := s.refs(p)
	if refs.ImageKey == "" {
		return nil, s.orphanedVector(collection, id, fmt.Errorf("point has no image key"))
	}
	data, info, err := s.blobs.Get(ctx, refs.Bucket, refs.ImageKey)
	if errortypes.IsNotFound(err) {
		return nil, s.orphanedVector(collection, id, err)
	}
	if err != nil {
		return nil, err
	}
	return &Item{ID: p.ID, Payload: p.Payload, Image: data, ContentType: info.ContentType}, nil
}

func (s *Service) orphanedVector(collection, id string, cause error) error {
	err := errortypes.Consistency(cause, "orphaned vector: image blob is missing").
		WithField("collection", collection).
		WithField("point_id", id)
	s.logger.Warn("orphaned vector detected", "collection", collection, "point_id", id, "error", cause)
	return err
}

// Delete removes the point and both of its blobs. Missing pieces are skipped,
// so deleting twice succeeds.
func (s *Service) Delete(ctx context.Context, collection, id string) error {
	refs := models.StorageRefs{
		Bucket:      s.cfg.Bucket,
		MetadataKey: blobstore.MetadataKey(s.cfg.EmbeddingsPrefix, id),
	}
	p, err := s.vectors.Retrieve(ctx, collection, id)
	switch {
	case err == nil:
		refs = s.refs(p)
	case !errortypes.IsNotFound(err):
		return err
	}
	if refs.ImageKey == "" {
		key, err := s.findImage(ctx, refs.Bucket, id)
		if err != nil {
			return err
		}
		refs.ImageKey = key
	}

	if err := s.vectors.Delete(ctx, collection, id); err != nil {
		return err
	}
	for _, key := range []string{refs.ImageKey, refs.MetadataKey} {
		if key == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, refs.Bucket, key); err != nil {
			return err
		}
	}
	s.logger.Info("item deleted", "collection", collection, "point_id", id)
	return nil
}

// findImage looks for an image blob named after id when the point is gone.
func (s *Service) findImage(ctx context.Context, bucket, id string) (string, error) {
	keys, err := s.blobs.List(ctx, bucket, blobstore.ImageKey(s.cfg.ImagesPrefix, id, ""))
	if err != nil {
		return "", err
	}
	for _, key := range keys {
		if got, ok := blobstore.IDFromKey(s.cfg.ImagesPrefix, key); ok && got == id {
			return key, nil
		}
	}
	return "", nil
}

// Audit lists image blobs that have no point in collection.
func (s *Service) Audit(ctx context.Context, collection string) ([]Orphan, error) {
	keys, err := s.blobs.List(ctx, s.cfg.Bucket, blobstore.ImageKey(s.cfg.ImagesPrefix, "", ""))
	if err != nil {
		return nil, err
	}
	orphans := []Orphan{}
	for _, key := range keys {
		id, ok := blobstore.IDFromKey(s.cfg.ImagesPrefix, key)
		if !ok {
			continue
		}
		_, err := s.vectors.Retrieve(ctx, collection, id)
		switch {
		case errortypes.IsNotFound(err):
			orphans = append(orphans, Orphan{ID: id, ImageKey: key})
		case err != nil:
			return nil, err
		}
	}
	if len(orphans) > 0 {
		s.logger.Warn("orphaned blobs found", "collection", collection, "count", len(orphans))
	}
	return orphans, nil
}
