//go:build gcp

package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore implements BlobStore on a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a store using Application Default Credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(id string) (*storage.ObjectHandle, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	return s.client.Bucket(s.bucket).Object(s.prefix + id), nil
}

func (s *GCSStore) Put(ctx context.Context, id string, r io.ReadSeeker, _ int64, contentType string) error {
	obj, err := s.object(id)
	if err != nil {
		return err
	}
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed for %s: %w", id, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed for %s: %w", id, err)
	}
	return nil
}

func (s *GCSStore) Open(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	obj, err := s.object(id)
	if err != nil {
		return nil, 0, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, 0, fmt.Errorf("gcs get failed for %s: %w", id, err)
	}
	return r, r.Attrs.Size, nil
}

func (s *GCSStore) Exists(ctx context.Context, id string) (bool, error) {
	obj, err := s.object(id)
	if err != nil {
		return false, err
	}
	if _, err := obj.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, id string) error {
	obj, err := s.object(id)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", id, err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
