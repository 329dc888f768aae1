package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
)

// LocalStore keeps objects under root/<bucket>/<key> on disk. The HTTP
// server exposes root at /uploads/.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "meal-uploads")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errortypes.Configuration(err, "create uploads directory")
	}
	return &LocalStore{root: root}, nil
}

// Root returns the directory served at /uploads/.
func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) path(bucket, key string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", errortypes.Validation(fmt.Sprintf("invalid bucket %q", bucket))
	}
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if key == "" || clean == string(filepath.Separator) {
		return "", errortypes.Validation("object key is required")
	}
	return filepath.Join(s.root, bucket, clean), nil
}

func (s *LocalStore) EnsureBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bucket == "" || strings.ContainsAny(bucket, `/\`) {
		return errortypes.Validation(fmt.Sprintf("invalid bucket %q", bucket))
	}
	if err := os.MkdirAll(filepath.Join(s.root, bucket), 0o755); err != nil {
		return errortypes.External(err, "create bucket directory")
	}
	return nil
}

func (s *LocalStore) Put(ctx context.Context, bucket, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errortypes.External(err, "create object directory")
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return errortypes.External(err, "write object").WithField("key", key)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, bucket, key string) ([]byte, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}
	full, err := s.path(bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ObjectInfo{}, errortypes.NotFound(fmt.Sprintf("object %s/%s not found", bucket, key)).WithField("key", key)
	}
	if err != nil {
		return nil, ObjectInfo{}, errortypes.External(err, "read object").WithField("key", key)
	}
	info := ObjectInfo{Key: key, Size: int64(len(data)), ContentType: ContentTypeFromKey(key)}
	if st, statErr := os.Stat(full); statErr == nil {
		info.LastModified = st.ModTime().UTC()
	}
	return data, info, nil
}

func (s *LocalStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errortypes.External(err, "delete object").WithField("key", key)
	}
	return nil
}

func (s *LocalStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := filepath.Join(s.root, bucket)
	var keys []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(base, p)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errortypes.External(err, "list objects")
	}
	sort.Strings(keys)
	return keys, nil
}
