// Package executors turns storage notifications into pipeline work.
package executors

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/tendant/camera-trap-pipeline/internal/batch"
	"github.com/tendant/camera-trap-pipeline/internal/dbosruntime"
	"github.com/tendant/camera-trap-pipeline/internal/storage"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

// VideoWorkflowName is the externally implemented workflow that publishes
// uploaded videos.
const VideoWorkflowName = "youtube_upload_workflow"

// Dispatch actions
const (
	ActionCSVIngest    = pipeline.JobCSVIngest
	ActionMediaIngest  = pipeline.JobMediaIngest
	ActionVideoPublish = pipeline.JobVideoPublish
	ActionApply        = "apply"
	ActionHeld         = "held"
	ActionSkipped      = "skipped"
)

// S3Event is an S3 event notification.
type S3Event struct {
	Records []S3EventRecord `json:"Records"`
}

// S3EventRecord is one record of a notification.
type S3EventRecord struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}

// Dispatch reports what happened to one record.
type Dispatch struct {
	Key    string `json:"key"`
	Action string `json:"action"`
	RunID  string `json:"run_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Enqueuer starts a pipeline job
type Enqueuer interface {
	RunAsync(ctx context.Context, req pipeline.ProcessRequest) (string, error)
}

// NamedStarter starts a workflow registered by another worker
type NamedStarter interface {
	StartWorkflowByName(ctx context.Context, workflowName string, input dbosruntime.WorkflowInput) (string, error)
}

// ObjectSource reads uploads and their tags
type ObjectSource interface {
	storage.Reader
	storage.TagReader
}

// S3EventExecutor routes uploaded objects: CSVs and still images to the
// ingest jobs, videos to the publishing workflow and staged payloads to the
// applier.
type S3EventExecutor struct {
	objects ObjectSource
	enqueue Enqueuer
	starter NamedStarter
	applier *batch.Applier
	logger  *zap.Logger
}

// NewS3EventExecutor creates an executor. starter and applier may be nil;
// the matching keys are then skipped.
func NewS3EventExecutor(objects ObjectSource, enqueue Enqueuer, starter NamedStarter, applier *batch.Applier, logger *zap.Logger) *S3EventExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3EventExecutor{
		objects: objects,
		enqueue: enqueue,
		starter: starter,
		applier: applier,
		logger:  logger.Named("s3event"),
	}
}

// DecodeKey undoes the form encoding S3 applies to keys in notifications.
func DecodeKey(raw string) (string, error) {
	key, err := url.QueryUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("decode key %q: %w", raw, err)
	}
	return key, nil
}

// Execute handles every record of ev. A failing record does not stop the
// others; the joined error names all failures.
func (e *S3EventExecutor) Execute(ctx context.Context, ev S3Event) ([]Dispatch, error) {
	out := make([]Dispatch, 0, len(ev.Records))
	var errs []error
	for _, rec := range ev.Records {
		d, err := e.handle(ctx, rec)
		if err != nil {
			d.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", d.Key, err))
		}
		e.logger.Info("s3 object dispatched",
			zap.String("key", d.Key),
			zap.String("action", d.Action),
			zap.String("run_id", d.RunID),
			zap.Error(err))
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

func (e *S3EventExecutor) handle(ctx context.Context, rec S3EventRecord) (Dispatch, error) {
	key, err := DecodeKey(rec.S3.Object.Key)
	d := Dispatch{Key: key, Action: ActionSkipped}
	if err != nil {
		d.Key = rec.S3.Object.Key
		return d, err
	}
	bucket := rec.S3.Bucket.Name

	if storage.IsStagedKey(key) {
		return e.apply(ctx, d)
	}

	session := pipeline.SessionIDFromKey(key)
	if session == "" {
		return d, nil
	}
	action := route(key)
	if action == ActionSkipped {
		return d, nil
	}

	tags, err := e.objects.GetTags(ctx, key)
	if err != nil {
		return d, fmt.Errorf("read tags: %w", err)
	}
	upload := pipeline.UploadContextFromTags(tags, session)
	if err := upload.Validate(); err != nil {
		return d, err
	}

	d.Action = action
	switch action {
	case ActionVideoPublish:
		if e.starter == nil {
			d.Action = ActionSkipped
			return d, nil
		}
		d.RunID, err = e.starter.StartWorkflowByName(ctx, VideoWorkflowName, dbosruntime.WorkflowInput{
			Bucket:    bucket,
			ObjectKey: key,
			Upload:    upload,
			Metadata:  mediaMetadata(tags),
		})
	default:
		d.RunID, err = e.enqueue.RunAsync(ctx, pipeline.ProcessRequest{
			Bucket:    bucket,
			ObjectKey: key,
			Job:       action,
			Upload:    upload,
			Metadata:  mediaMetadata(tags),
		})
	}
	return d, err
}

func (e *S3EventExecutor) apply(ctx context.Context, d Dispatch) (Dispatch, error) {
	if e.applier == nil {
		return d, nil
	}
	rc, err := e.objects.GetReader(ctx, d.Key)
	if err != nil {
		return d, fmt.Errorf("read staged payload: %w", err)
	}
	defer rc.Close()

	applied, err := e.applier.Apply(ctx, rc)
	if err != nil {
		return d, err
	}
	d.Action = ActionApply
	if !applied {
		d.Action = ActionHeld
	}
	return d, nil
}

// route picks the job of an uploaded object by extension.
func route(key string) string {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(key), ".")) {
	case "csv":
		return ActionCSVIngest
	case "jpg", "jpeg":
		return ActionMediaIngest
	case "mp4", "avi":
		return ActionVideoPublish
	}
	return ActionSkipped
}

// mediaMetadata copies the capture details an uploader tagged the object
// with.
func mediaMetadata(tags map[string]string) map[string]string {
	var meta map[string]string
	for _, k := range []string{pipeline.MetaDateTimeOriginal, pipeline.MetaMake, pipeline.MetaModel, pipeline.MetaModifyDate} {
		if v := tags[k]; v != "" {
			if meta == nil {
				meta = map[string]string{}
			}
			meta[k] = v
		}
	}
	return meta
}
