// Package storage reads uploaded objects and writes staged payloads and
// previews. Backends: S3, the local filesystem and simple-content (embedded
// or over HTTP).
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no object exists at a key
var ErrNotFound = errors.New("object not found")

// Reader provides read access to stored objects
type Reader interface {
	// GetReader returns a reader for the object at the given key
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an object exists at the given key
	Exists(ctx context.Context, key string) (bool, error)
}

// Metadata contains storage object metadata
type Metadata struct {
	Size        int64
	ContentType string
	ETag        string
}

// ReaderWithMetadata provides read access with metadata
type ReaderWithMetadata interface {
	Reader

	// GetMetadata returns metadata for the object at the given key
	GetMetadata(ctx context.Context, key string) (*Metadata, error)
}

// TagReader returns the tags an uploader attached to an object. Uploads carry
// their project, site and camera location as tags.
type TagReader interface {
	GetTags(ctx context.Context, key string) (map[string]string, error)
}

// Writer stores an object, replacing any previous one at key.
type Writer interface {
	Put(ctx context.Context, key string, body []byte, contentType string, tags map[string]string) error
}

// ObjectStore is a backend that can serve uploads and hold staged payloads.
type ObjectStore interface {
	Reader
	TagReader
	Writer
}
