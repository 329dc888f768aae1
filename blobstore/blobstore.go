// Package blobstore stores plate images and their metadata records.
package blobstore

import (
	"context"
	"mime"
	"path"
	"strings"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the blob storage capability. Get of a missing object returns a
// not-found error; Delete of a missing object succeeds.
type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

func normPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// ImageKey is <prefix>/<id><ext>.
func ImageKey(prefix, id, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return normPrefix(prefix) + id + strings.ToLower(ext)
}

// MetadataKey is <prefix>/<id>.json.
func MetadataKey(prefix, id string) string {
	return normPrefix(prefix) + id + ".json"
}

// IDFromKey strips the prefix and extension from an image or metadata key.
func IDFromKey(prefix, key string) (string, bool) {
	p := normPrefix(prefix)
	if !strings.HasPrefix(key, p) {
		return "", false
	}
	name := strings.TrimPrefix(key, p)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return strings.TrimSuffix(name, path.Ext(name)), true
}

var extByType = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/heic": ".heic",
}

// ExtFromContentType picks the file extension for an upload: the content
// type first, then the filename, then ".jpg".
func ExtFromContentType(contentType, filename string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if ext, ok := extByType[ct]; ok {
		return ext
	}
	if ext := strings.ToLower(path.Ext(filename)); ext != "" {
		return ext
	}
	return ".jpg"
}

// ContentTypeFromKey guesses the MIME type of a key from its extension.
func ContentTypeFromKey(key string) string {
	ext := strings.ToLower(path.Ext(key))
	for ct, e := range extByType {
		if e == ext && ct != "image/jpg" {
			return ct
		}
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
