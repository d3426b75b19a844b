// Package gcs archives completed jobs in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the bucket and an optional object prefix.
type Config struct {
	Bucket string
	// Prefix is prepended to every object path, e.g. "ingestor".
	Prefix string
	// Metadata is attached to every object written.
	Metadata map[string]string
}

// BlobStore implements ingestor.BlobStore on a bucket.
type BlobStore struct {
	bucket   *storage.BucketHandle
	name     string
	prefix   string
	metadata map[string]string
}

// New wraps client for cfg.Bucket. The client stays owned by the caller.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("gcs: storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket name is required")
	}
	return &BlobStore{
		bucket:   client.Bucket(cfg.Bucket),
		name:     cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		metadata: cfg.Metadata,
	}, nil
}

// PutObject streams r into the object at path and returns its gs:// URI. The
// object only becomes visible once the writer closes cleanly.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	name, err := s.objectName(path)
	if err != nil {
		return "", err
	}
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if len(s.metadata) > 0 {
		w.Metadata = s.metadata
	}
	if _, err := io.Copy(w, r); err != nil {
		return "", errors.Join(fmt.Errorf("upload %s: %w", name, err), w.Close())
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return "gs://" + s.name + "/" + name, nil
}

func (s *BlobStore) objectName(path string) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", errors.New("gcs: object path is required")
	}
	if s.prefix == "" {
		return path, nil
	}
	return s.prefix + "/" + path, nil
}
