package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tendant/simple-content/pkg/simplecontent"
)

// DerivedWriter stores previews as derived content of the original upload
type DerivedWriter struct {
	service simplecontent.Service
}

// NewDerivedWriter creates a writer over an embedded simple-content service
func NewDerivedWriter(service simplecontent.Service) *DerivedWriter {
	return &DerivedWriter{service: service}
}

// Variant names one version of a derived type, e.g. "preview_v1"
func Variant(derivedType string, derivedVersion int) string {
	return fmt.Sprintf("%s_v%d", derivedType, derivedVersion)
}

// HasDerived reports whether the upload already has derived content of the
// given type
func (dw *DerivedWriter) HasDerived(ctx context.Context, contentID string, derivedType string, derivedVersion int) (bool, error) {
	parentID, err := uuid.Parse(contentID)
	if err != nil {
		return false, fmt.Errorf("invalid content ID: %w", err)
	}

	derived, err := dw.service.ListDerivedContent(ctx,
		simplecontent.WithParentID(parentID),
		simplecontent.WithDerivationType(derivedType),
	)
	if err != nil {
		return false, fmt.Errorf("failed to list derived content: %w", err)
	}

	// TODO: match on the variant once simple-content exposes a variant filter
	for _, d := range derived {
		if d.DerivationType == derivedType {
			return true, nil
		}
	}
	return false, nil
}

// PutDerived uploads derived content and returns its content id. meta
// "file_name" names the stored file.
func (dw *DerivedWriter) PutDerived(ctx context.Context, contentID string, derivedType string, derivedVersion int, r io.Reader, meta map[string]string) (string, error) {
	parentID, err := uuid.Parse(contentID)
	if err != nil {
		return "", fmt.Errorf("invalid content ID: %w", err)
	}

	variant := Variant(derivedType, derivedVersion)
	fileName := meta["file_name"]
	if fileName == "" {
		fileName = variant + ".jpg"
	}

	derivedContent, err := dw.service.UploadDerivedContent(ctx, simplecontent.UploadDerivedContentRequest{
		ParentID:       parentID,
		DerivationType: derivedType,
		Variant:        variant,
		Reader:         r,
		FileName:       fileName,
		Tags:           []string{derivedType, variant},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload derived content: %w", err)
	}
	return derivedContent.ID.String(), nil
}
