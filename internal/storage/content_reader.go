package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tendant/simple-content/pkg/simplecontent"

	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

// ContentReader reads uploads registered with simple-content, keyed by
// content id
type ContentReader struct {
	service simplecontent.Service
}

// NewContentReader creates a reader over an embedded simple-content service
func NewContentReader(service simplecontent.Service) *ContentReader {
	return &ContentReader{service: service}
}

// GetReaderByContentID downloads an upload by content id
func (cr *ContentReader) GetReaderByContentID(ctx context.Context, contentID string) (io.ReadCloser, error) {
	id, err := uuid.Parse(contentID)
	if err != nil {
		return nil, fmt.Errorf("invalid content ID: %w", err)
	}
	reader, err := cr.service.DownloadContent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to download content %s: %w", contentID, err)
	}
	return reader, nil
}

// GetReader implements Reader with key as a content id
func (cr *ContentReader) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return cr.GetReaderByContentID(ctx, key)
}

// Exists reports whether simple-content knows the content id. Lookup errors
// are treated as absence.
func (cr *ContentReader) Exists(ctx context.Context, key string) (bool, error) {
	id, err := uuid.Parse(key)
	if err != nil {
		return false, fmt.Errorf("invalid content ID: %w", err)
	}
	if _, err := cr.service.GetContent(ctx, id); err != nil {
		return false, nil
	}
	return true, nil
}

// GetMetadata returns size and mime type of an upload
func (cr *ContentReader) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	id, err := uuid.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("invalid content ID: %w", err)
	}
	details, err := cr.service.GetContentDetails(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get content details: %w", err)
	}
	return &Metadata{
		Size:        details.FileSize,
		ContentType: details.MimeType,
	}, nil
}

// ContentSource is the part of a content reader the pipeline needs
type ContentSource interface {
	GetReaderByContentID(ctx context.Context, contentID string) (io.ReadCloser, error)
}

// OpenUpload opens the bytes a request points at: the simple-content id when
// one is given, otherwise the object key in the object store. Either source
// may be nil.
func OpenUpload(ctx context.Context, req pipeline.ProcessRequest, content ContentSource, objects Reader) (io.ReadCloser, error) {
	switch {
	case req.ContentID != "" && content != nil:
		return content.GetReaderByContentID(ctx, req.ContentID)
	case req.ObjectKey != "" && objects != nil:
		return objects.GetReader(ctx, req.ObjectKey)
	default:
		return nil, fmt.Errorf("no source configured for content_id=%q object_key=%q", req.ContentID, req.ObjectKey)
	}
}
