package gcsuploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"

	"github.com/dvloznov/txsync/internal/gcs"
)

const uploadTimeout = 2 * time.Minute

// GCSStorageService implements gcs.ObjectStore on Google Cloud Storage.
// It assumes Application Default Credentials are configured.
type GCSStorageService struct {
	client *storage.Client
}

// NewGCSStorageService creates a storage client shared by all calls.
func NewGCSStorageService(ctx context.Context) (*GCSStorageService, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStorageService{client: client}, nil
}

// Close releases the underlying client.
func (s *GCSStorageService) Close() error {
	return s.client.Close()
}

func (s *GCSStorageService) object(uri string) (*storage.ObjectHandle, error) {
	bucket, name, err := gcs.ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(bucket).Object(name), nil
}

// Upload copies a local file to uri.
func (s *GCSStorageService) Upload(ctx context.Context, uri, filePath, contentType string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open file %q: %w", filePath, err)
	}
	defer f.Close()

	return s.copyTo(ctx, uri, f, contentType)
}

// Write replaces the object at uri with data.
func (s *GCSStorageService) Write(ctx context.Context, uri string, data []byte, contentType string) error {
	return s.copyTo(ctx, uri, bytes.NewReader(data), contentType)
}

func (s *GCSStorageService) copyTo(ctx context.Context, uri string, r io.Reader, contentType string) error {
	obj, err := s.object(uri)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := obj.NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("copy to GCS writer %s: %w", uri, err)
	}

	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload %s: %w", uri, err)
	}
	return nil
}

// Read downloads the object at uri.
func (s *GCSStorageService) Read(ctx context.Context, uri string) ([]byte, error) {
	obj, err := s.object(uri)
	if err != nil {
		return nil, err
	}

	rc, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, gcs.ErrNotFound
		}
		return nil, fmt.Errorf("open GCS object reader %s: %w", uri, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read GCS object %s: %w", uri, err)
	}
	return data, nil
}

// Delete removes the object at uri.
func (s *GCSStorageService) Delete(ctx context.Context, uri string) error {
	obj, err := s.object(uri)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return gcs.ErrNotFound
		}
		return fmt.Errorf("delete GCS object %s: %w", uri, err)
	}
	return nil
}
