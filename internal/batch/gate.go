package batch

import (
	"context"
	"time"

	"github.com/tendant/camera-trap-pipeline/internal/documents"
	"github.com/tendant/camera-trap-pipeline/internal/identity"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

// Decision is the terminal state of a batch.
type Decision string

// Decisions
const (
	DecisionCommit Decision = "commit"
	DecisionHold   Decision = "hold"
	DecisionReject Decision = "reject" // strict mode with mismatched rows
	DecisionAbort  Decision = "abort"  // missing required columns
)

// GateConfig controls the batch decision.
type GateConfig struct {
	// Strict withholds every document when any row contradicts the upload.
	Strict bool
	// OverlapTimeout bounds the overlap query. Zero means no extra bound.
	OverlapTimeout time.Duration
}

// Gate runs the overlap check and decides the fate of a reduced batch.
type Gate struct {
	overlap OverlapChecker
	cfg     GateConfig
}

// NewGate creates a gate. A nil checker skips the overlap check.
func NewGate(overlap OverlapChecker, cfg GateConfig) *Gate {
	return &Gate{overlap: overlap, cfg: cfg}
}

// Outcome summarizes one batch: the documents to commit, the decision and the
// session status.
type Outcome struct {
	Upload         pipeline.UploadContext          `json:"upload"`
	ObjectKey      string                          `json:"object_key,omitempty"`
	LocationKey    string                          `json:"full_camera_location_md5"`
	Annotations    []*documents.AnnotationDocument `json:"-"`
	Metadata       []*documents.MetadataDocument   `json:"-"`
	Span           Span                            `json:"span"`
	Errors         []string                        `json:"errors,omitempty"`
	ProblematicIDs []string                        `json:"problematic_ids,omitempty"`
	Hold           bool                            `json:"hold"`
	Decision       Decision                        `json:"decision"`
	Status         string                          `json:"status"`
}

// Evaluate queries for overlapping data over the reduction's span and builds
// the outcome. A failed or timed-out query returns an *UpstreamIOError and no
// outcome.
func (g *Gate) Evaluate(ctx context.Context, red *Reduction) (*Outcome, error) {
	out := &Outcome{
		Upload:         red.Upload,
		LocationKey:    red.LocationKey,
		Annotations:    red.Annotations,
		Metadata:       red.Metadata,
		Span:           red.Span,
		Errors:         red.ErrorLines(),
		ProblematicIDs: append([]string(nil), red.ProblematicIDs...),
		Decision:       DecisionCommit,
		Status:         pipeline.StatusSuccess,
	}

	// Rejected rows are the only non-advisory errors at this point.
	if len(red.Rejected) > 0 {
		out.Status = pipeline.StatusError
	}

	if g.overlap != nil && !red.Span.Empty() {
		qctx := ctx
		if g.cfg.OverlapTimeout > 0 {
			var cancel context.CancelFunc
			qctx, cancel = context.WithTimeout(ctx, g.cfg.OverlapTimeout)
			defer cancel()
		}
		exists, err := g.overlap.OverlapExists(qctx, OverlapQuery{
			Min:         red.Span.Min,
			Max:         red.Span.Max,
			ProjectID:   red.Upload.ProjectID,
			LocationKey: red.LocationKey,
		})
		if err != nil {
			return nil, Upstream("overlap check", err)
		}
		if exists {
			out.Hold = true
			out.Decision = DecisionHold
			out.Errors = append(out.Errors, (&OverlapDetected{Span: red.Span}).Error())
		}
	}

	if g.cfg.Strict && red.Mismatched() {
		out.Decision = DecisionReject
	}
	return out, nil
}

// Abort builds the outcome of a batch stopped by a missing column.
func Abort(upload pipeline.UploadContext, err *FatalBatchError) *Outcome {
	return &Outcome{
		Upload:      upload,
		LocationKey: locationKey(upload),
		Errors:      []string{err.Error()},
		Decision:    DecisionAbort,
		Status:      pipeline.StatusError,
	}
}

func locationKey(upload pipeline.UploadContext) string {
	u := upload.Normalized()
	return identity.LocationKey(u.ProjectID, u.Site, u.SubSite, u.CameraLocation)
}

// Emits reports whether the outcome hands documents to the committer.
func (o *Outcome) Emits() bool {
	return o.Decision == DecisionCommit || o.Decision == DecisionHold
}

// Payloads returns the annotation and metadata commit payloads, or nil when
// the decision withholds documents. Both carry the hold flag.
func (o *Outcome) Payloads() []CommitPayload {
	if !o.Emits() {
		return nil
	}
	return []CommitPayload{
		{
			Collection:  CollectionAnnotations,
			Documents:   documents.AnnotationOps(o.Annotations),
			LocationKey: o.LocationKey,
			Hold:        o.Hold,
			Upload:      o.Upload,
			ObjectKey:   o.ObjectKey,
		},
		{
			Collection:  CollectionMetadata,
			Documents:   documents.MetadataOps(o.Metadata),
			LocationKey: o.LocationKey,
			Hold:        o.Hold,
			Upload:      o.Upload,
			ObjectKey:   o.ObjectKey,
		},
	}
}

// Report builds the session status report. written says whether the
// payloads reached the committer.
func (o *Outcome) Report(written bool) StatusReport {
	return StatusReport{
		SessionID:      o.Upload.UploadSessionID,
		ProjectID:      o.Upload.ProjectID,
		ProjectTitle:   o.Upload.ProjectTitle,
		LocationKey:    o.LocationKey,
		UserID:         o.Upload.UserID,
		ObjectKey:      o.ObjectKey,
		Status:         o.Status,
		Errors:         o.Errors,
		ProblematicIDs: o.ProblematicIDs,
		Span:           o.Span,
		Hold:           o.Hold,
		Written:        written,
	}
}

// FailureReport builds the status report of a batch that wrote nothing
// because of err.
func FailureReport(upload pipeline.UploadContext, objectKey string, err error) StatusReport {
	return StatusReport{
		SessionID:    upload.UploadSessionID,
		ProjectID:    upload.ProjectID,
		ProjectTitle: upload.ProjectTitle,
		LocationKey:  locationKey(upload),
		UserID:       upload.UserID,
		ObjectKey:    objectKey,
		Status:       pipeline.StatusError,
		Errors:       []string{err.Error()},
	}
}
