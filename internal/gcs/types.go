package gcs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by ObjectStore reads and deletes of a missing object.
var ErrNotFound = errors.New("gcs: object not found")

// ObjectStore provides the cloud storage operations used by the session cache
// and the report upload. Objects are addressed by gs://bucket/path URIs.
type ObjectStore interface {
	// Upload copies a local file to the object at uri.
	Upload(ctx context.Context, uri, filePath, contentType string) error

	// Read returns the object's bytes, or ErrNotFound.
	Read(ctx context.Context, uri string) ([]byte, error)

	// Write replaces the object's content with data.
	Write(ctx context.Context, uri string, data []byte, contentType string) error

	// Delete removes the object. Deleting a missing object returns ErrNotFound.
	Delete(ctx context.Context, uri string) error
}

// ParseGCSURI splits gs://bucket/path/to/object into bucket and object name.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// JoinURI appends an object name to a gs:// prefix, e.g. a report folder.
func JoinURI(prefix, name string) string {
	return strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(name, "/")
}

// ExtractFilename extracts the filename from a storage URI.
// e.g., "gs://bucket/folder/file.xlsx" → "file.xlsx"
func ExtractFilename(uri string) string {
	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 {
		return trimmed
	}
	return path.Base(parts[1])
}
