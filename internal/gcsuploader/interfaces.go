package gcsuploader

import "github.com/dvloznov/txsync/internal/gcs"

// ObjectStore is re-exported so callers only need one import.
type ObjectStore = gcs.ObjectStore

var _ ObjectStore = (*GCSStorageService)(nil)
