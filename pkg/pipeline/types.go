package pipeline

import (
	"errors"
	"strings"
)

// UploadContext describes who uploaded a batch and which camera it belongs to.
// It is supplied once per run and never mutated.
type UploadContext struct {
	ProjectID       string `json:"project_id"`
	ProjectTitle    string `json:"project_title,omitempty"`
	Site            string `json:"site"`
	SubSite         string `json:"sub_site,omitempty"`
	CameraLocation  string `json:"camera_location"`
	UserID          string `json:"user_id,omitempty"`
	UploadSessionID string `json:"upload_session_id"`
}

// NullSubSite stands in for an upload without a sub-site
const NullSubSite = "NULL"

// Normalized fills defaults that every producer applies before deriving paths.
func (u UploadContext) Normalized() UploadContext {
	if u.SubSite == "" {
		u.SubSite = NullSubSite
	}
	return u
}

// Validate checks that the fields needed for canonical paths are present.
func (u UploadContext) Validate() error {
	var missing []string
	if u.ProjectID == "" {
		missing = append(missing, "project_id")
	}
	if u.Site == "" {
		missing = append(missing, "site")
	}
	if u.CameraLocation == "" {
		missing = append(missing, "camera_location")
	}
	if u.UploadSessionID == "" {
		missing = append(missing, "upload_session_id")
	}
	if len(missing) > 0 {
		return errors.New("upload context missing " + strings.Join(missing, ", "))
	}
	return nil
}

// Tag returns the upload's value for a canonical metadata field, if the upload
// carries one.
func (u UploadContext) Tag(field string) (string, bool) {
	var v string
	switch field {
	case "projectId":
		v = u.ProjectID
	case "projectTitle":
		v = u.ProjectTitle
	case "site":
		v = u.Site
	case "subSite":
		v = u.SubSite
	case "cameraLocation":
		v = u.CameraLocation
	}
	return v, v != ""
}

// UploadContextFromTags builds an UploadContext from object tags.
func UploadContextFromTags(tags map[string]string, sessionID string) UploadContext {
	return UploadContext{
		ProjectID:       tags["projectId"],
		ProjectTitle:    tags["projectTitle"],
		Site:            tags["site"],
		SubSite:         tags["subSite"],
		CameraLocation:  tags["cameraLocation"],
		UserID:          tags["userId"],
		UploadSessionID: sessionID,
	}.Normalized()
}

// Tags is the inverse of UploadContextFromTags. Empty values are omitted.
func (u UploadContext) Tags() map[string]string {
	tags := map[string]string{}
	for k, v := range map[string]string{
		"projectId":      u.ProjectID,
		"projectTitle":   u.ProjectTitle,
		"site":           u.Site,
		"subSite":        u.SubSite,
		"cameraLocation": u.CameraLocation,
		"userId":         u.UserID,
	} {
		if v != "" {
			tags[k] = v
		}
	}
	return tags
}

// SessionIDFromKey extracts the upload session from an object key of the
// form upload/<session>/<file>. It returns "" for other keys.
func SessionIDFromKey(key string) string {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	if len(parts) < 3 || parts[0] != "upload" {
		return ""
	}
	return parts[1]
}

// ProcessRequest represents a request to process an uploaded object
type ProcessRequest struct {
	ContentID string            `json:"content_id,omitempty"` // simple-content id, when the upload lives there
	Bucket    string            `json:"bucket,omitempty"`
	ObjectKey string            `json:"object_key"`
	Job       string            `json:"job"` // csv_ingest, media_ingest
	Upload    UploadContext     `json:"upload"`
	Strict    bool              `json:"strict,omitempty"`
	Versions  map[string]int    `json:"versions,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ProcessResponse represents the response from triggering processing
type ProcessResponse struct {
	RunID           string `json:"run_id"`
	DedupeSeenCount int    `json:"dedupe_seen_count"`
}

// JobType constants
const (
	JobCSVIngest    = "csv_ingest"
	JobMediaIngest  = "media_ingest"
	JobVideoPublish = "video_publish"
)

// DerivedType constants (match simple-content conventions)
const (
	DerivedTypePreview           = "preview"
	DerivedTypeAnnotationPayload = "annotation_payload"
	DerivedTypeMetadataPayload   = "metadata_payload"
)

// Metadata keys understood by the media job
const (
	MetaDateTimeOriginal = "date_time_original"
	MetaMake             = "make"
	MetaModel            = "model"
	MetaModifyDate       = "modify_date"
)

// Session status values
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)
