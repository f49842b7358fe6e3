package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/tendant/camera-trap-pipeline/internal/batch"
)

// Staged payload suffixes
const (
	SuffixAnnotations = ".mma.json"
	SuffixMetadata    = ".mmm.json"
)

// Stager is a batch.Committer that writes each payload as a JSON object
// next to the upload instead of applying it. A separate apply step forwards
// staged payloads to the store.
type Stager struct {
	writer Writer
	prefix string
}

// NewStager creates a stager writing under prefix (may be empty).
func NewStager(w Writer, prefix string) *Stager {
	return &Stager{writer: w, prefix: prefix}
}

// StagedKey names the staged payload of p:
// <prefix>json/<session>/<user>/<upload file name>.<kind>.json
// The file name keeps its extension, so data.csv stages as data.csv.mma.json.
func StagedKey(prefix string, p batch.CommitPayload) string {
	name := path.Base(p.ObjectKey)
	return fmt.Sprintf("%sjson/%s/%s/%s.%s.json", prefix, p.Upload.UploadSessionID, p.Upload.UserID, name, p.Kind())
}

// IsStagedKey reports whether key names a staged payload.
func IsStagedKey(key string) bool {
	return strings.HasSuffix(key, SuffixAnnotations) || strings.HasSuffix(key, SuffixMetadata)
}

// Commit writes the payload. The hold flag travels inside it.
func (s *Stager) Commit(ctx context.Context, p batch.CommitPayload) error {
	body, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode staged payload: %w", err)
	}
	key := StagedKey(s.prefix, p)
	if err := s.writer.Put(ctx, key, body, "application/json", p.Upload.Tags()); err != nil {
		return fmt.Errorf("stage %s: %w", key, err)
	}
	return nil
}
