// Package batch reduces one uploaded CSV into annotation and metadata upserts
// and decides whether the result may be merged into the existing corpus.
//
// A batch moves through SchemaFetch, RowReduction and OverlapCheck and ends
// in Commit, Hold, Reject or Abort. Reducer covers row reduction, Gate the
// overlap check and decision. Everything that talks to the outside world is
// one of the collaborator interfaces below.
package batch

import (
	"context"
	"strings"

	"github.com/tendant/camera-trap-pipeline/internal/documents"
	"github.com/tendant/camera-trap-pipeline/internal/schema"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

// Target collections of the two commit calls
const (
	CollectionAnnotations = "/media/annotation/bulk-update"
	CollectionMetadata    = "/media/bulk-update"
)

// SchemaSource loads the field schema of a project. A nil schema with a nil
// error means the project imposes no constraints.
type SchemaSource interface {
	FetchSchema(ctx context.Context, projectID string) (*schema.FieldSchema, error)
}

// OverlapQuery asks whether prior records fall inside a time span.
type OverlapQuery struct {
	Min         int64  `json:"min_timestamp"`
	Max         int64  `json:"max_timestamp"`
	ProjectID   string `json:"project_id"`
	LocationKey string `json:"full_camera_location_md5"`
}

// Filter is the document query selecting annotations inside the span at the
// same camera location.
func (q OverlapQuery) Filter() map[string]any {
	return map[string]any{
		"date_time_corrected_timestamp": map[string]any{"$gte": q.Min, "$lte": q.Max},
		"projectId":                     q.ProjectID,
		"fullCameraLocationMd5":         q.LocationKey,
	}
}

// OverlapChecker answers overlap queries against previously committed data.
type OverlapChecker interface {
	OverlapExists(ctx context.Context, q OverlapQuery) (bool, error)
}

// CommitPayload is one of the two independent commit calls of a batch. Its
// JSON form is also the staged payload format.
type CommitPayload struct {
	Collection  string               `json:"endpoint"`
	Documents   []documents.UpsertOp `json:"post"`
	LocationKey string               `json:"fullCameraLocationMd5"`
	Hold        bool                 `json:"hold,omitempty"`

	// Where the batch came from; used to name staged payloads.
	Upload    pipeline.UploadContext `json:"-"`
	ObjectKey string                 `json:"-"`
}

// Kind returns the short name of the payload's document kind, "mma" for
// annotations and "mmm" for metadata.
func (p CommitPayload) Kind() string {
	if strings.Contains(p.Collection, "annotation") {
		return "mma"
	}
	return "mmm"
}

// Committer delivers a payload to the store. Hold asks the receiver to stage
// the documents without applying them.
type Committer interface {
	Commit(ctx context.Context, p CommitPayload) error
}

// StatusReport is the session feedback of one batch.
type StatusReport struct {
	SessionID      string   `json:"upload_session_id"`
	ProjectID      string   `json:"project_id"`
	ProjectTitle   string   `json:"project_title,omitempty"`
	LocationKey    string   `json:"full_camera_location_md5"`
	UserID         string   `json:"user_id,omitempty"`
	ObjectKey      string   `json:"key,omitempty"`
	Status         string   `json:"status"`
	Errors         []string `json:"errors,omitempty"`
	ProblematicIDs []string `json:"problematic_ids,omitempty"`
	Span           Span     `json:"span"`
	Hold           bool     `json:"hold,omitempty"`
	// Written is false when nothing reached the committer.
	Written bool `json:"written"`
}

// StatusReporter records the outcome of a batch against its upload session.
type StatusReporter interface {
	ReportStatus(ctx context.Context, r StatusReport) error
}

// Span is the corrected-time range of the accepted rows of a batch.
type Span struct {
	Min      int64  `json:"min_timestamp"`
	Max      int64  `json:"max_timestamp"`
	Earliest string `json:"earliestDataDate"`
	Latest   string `json:"latestDataDate"`
	Rows     int    `json:"rows"`
}

// Empty reports whether no row contributed to the span.
func (s Span) Empty() bool { return s.Rows == 0 }

func (s *Span) extend(ts int64, dateTime string) {
	if s.Rows == 0 || ts < s.Min {
		s.Min, s.Earliest = ts, dateTime
	}
	if s.Rows == 0 || ts > s.Max {
		s.Max, s.Latest = ts, dateTime
	}
	s.Rows++
}
