// Package documents folds normalized rows into per-asset annotation and
// metadata documents.
//
// Every document splits its attributes into three groups with fixed merge
// rules: Overwrite (last writer wins), InsertOnce (set when the document is
// created, never changed) and Union (a growing set). Annotation documents also
// carry an append-only token sequence. MergeAnnotation and MergeMetadata are
// the only places the rules are applied.
package documents

import (
	"fmt"
)

// TokenField is one validated value of a row.
type TokenField struct {
	Key     string `json:"key" bson:"key"`
	Label   string `json:"label" bson:"label"`
	Value   string `json:"value" bson:"value"`
	Invalid bool   `json:"data_error_flag" bson:"data_error_flag"`
}

// Token is the validated projection of one row's non-metadata fields.
type Token struct {
	Data            []TokenField `json:"data" bson:"data"`
	Invalid         bool         `json:"token_error_flag" bson:"token_error_flag"`
	SpeciesShortcut string       `json:"species_shortcut" bson:"species_shortcut"`
}

// Overwrite holds the fields replaced by every contributing row.
type Overwrite struct {
	CorrectedTimestamp int64  `json:"date_time_corrected_timestamp" bson:"date_time_corrected_timestamp"`
	CorrectedDateTime  string `json:"corrected_date_time" bson:"corrected_date_time"`
	ModifiedBy         string `json:"modifiedBy" bson:"modifiedBy"`
	Type               string `json:"type" bson:"type"`
	Year               int    `json:"year" bson:"year"`
	Month              int    `json:"month" bson:"month"`
	Day                int    `json:"day" bson:"day"`
	Hour               int    `json:"hour" bson:"hour"`
	ImageURLPrefix     string `json:"imageUrlPrefix" bson:"imageUrlPrefix"`
}

// AnnotationOverwrite extends Overwrite with the multimedia error flag, which
// is OR-accumulated across contributing rows rather than replaced.
type AnnotationOverwrite struct {
	Overwrite           `bson:",inline"`
	MultimediaErrorFlag bool `json:"multimedia_error_flag" bson:"multimedia_error_flag"`
}

// InsertOnce holds the fields written only when a document is first created.
type InsertOnce struct {
	URL               string `json:"url" bson:"url"`
	URLMD5            string `json:"url_md5" bson:"url_md5"`
	OriginalTimestamp int64  `json:"date_time_original_timestamp" bson:"date_time_original_timestamp"`
	ProjectID         string `json:"projectId" bson:"projectId"`
	ProjectTitle      string `json:"projectTitle" bson:"projectTitle"`
	Site              string `json:"site" bson:"site"`
	SubSite           string `json:"subSite" bson:"subSite"`
	CameraLocation    string `json:"cameraLocation" bson:"cameraLocation"`
	LocationKey       string `json:"fullCameraLocationMd5" bson:"fullCameraLocationMd5"`
	UploadedFileName  string `json:"uploaded_file_name" bson:"uploaded_file_name"`
	Timezone          string `json:"timezone" bson:"timezone"`
}

// MetadataInsertOnce adds the device placeholders a CSV-created metadata
// document starts with; the media producer fills them later.
type MetadataInsertOnce struct {
	InsertOnce     `bson:",inline"`
	ModifyDate     string            `json:"modify_date" bson:"modify_date"`
	DeviceMetadata map[string]string `json:"device_metadata" bson:"device_metadata"`
}

// Union holds the set-valued fields.
type Union struct {
	RelatedUploadSessions []string `json:"related_upload_sessions" bson:"related_upload_sessions"`
}

// Add returns the union of u and ids, preserving first-seen order.
func (u Union) Add(ids ...string) Union {
	out := Union{RelatedUploadSessions: make([]string, 0, len(u.RelatedUploadSessions)+len(ids))}
	seen := make(map[string]struct{}, cap(out.RelatedUploadSessions))
	for _, id := range append(append([]string(nil), u.RelatedUploadSessions...), ids...) {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out.RelatedUploadSessions = append(out.RelatedUploadSessions, id)
	}
	return out
}

// AnnotationDocument is the accumulating annotation record of one asset.
type AnnotationDocument struct {
	ID          string
	ProjectID   string
	LocationKey string
	Overwrite   AnnotationOverwrite
	InsertOnce  InsertOnce
	Union       Union
	Tokens      []Token
}

// MetadataDocument is the accumulating technical record of one asset.
type MetadataDocument struct {
	ID          string
	ProjectID   string
	LocationKey string
	Overwrite   Overwrite
	InsertOnce  MetadataInsertOnce
	Union       Union
}

// MergeAnnotation folds incoming into existing. A nil existing means incoming
// creates the document and its insert-once fields are kept; otherwise only
// the overwrite, union and token groups change.
func MergeAnnotation(existing, incoming *AnnotationDocument) (*AnnotationDocument, error) {
	if incoming == nil {
		return existing, nil
	}
	if existing == nil {
		doc := *incoming
		doc.Tokens = append([]Token(nil), incoming.Tokens...)
		doc.Union = Union{}.Add(incoming.Union.RelatedUploadSessions...)
		return &doc, nil
	}
	if existing.ID != incoming.ID {
		return nil, fmt.Errorf("merge annotation: id mismatch %s != %s", existing.ID, incoming.ID)
	}

	flag := existing.Overwrite.MultimediaErrorFlag || incoming.Overwrite.MultimediaErrorFlag
	existing.Overwrite = incoming.Overwrite
	existing.Overwrite.MultimediaErrorFlag = flag
	existing.Union = existing.Union.Add(incoming.Union.RelatedUploadSessions...)
	existing.Tokens = append(existing.Tokens, incoming.Tokens...)
	return existing, nil
}

// MergeMetadata folds incoming into existing with the same discipline as
// MergeAnnotation.
func MergeMetadata(existing, incoming *MetadataDocument) (*MetadataDocument, error) {
	if incoming == nil {
		return existing, nil
	}
	if existing == nil {
		doc := *incoming
		doc.Union = Union{}.Add(incoming.Union.RelatedUploadSessions...)
		return &doc, nil
	}
	if existing.ID != incoming.ID {
		return nil, fmt.Errorf("merge metadata: id mismatch %s != %s", existing.ID, incoming.ID)
	}

	existing.Overwrite = incoming.Overwrite
	existing.Union = existing.Union.Add(incoming.Union.RelatedUploadSessions...)
	return existing, nil
}
