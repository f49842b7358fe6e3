// Package runner embeds the camera-trap pipeline in another Go program. Jobs
// run in-process through DBOS against the camera-trap API. Programs that
// only trigger jobs on a worker use pkg/client instead.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tendant/camera-trap-pipeline/internal/cameratrap"
	"github.com/tendant/camera-trap-pipeline/internal/dbosruntime"
	"github.com/tendant/camera-trap-pipeline/internal/executors"
	"github.com/tendant/camera-trap-pipeline/internal/records"
	"github.com/tendant/camera-trap-pipeline/internal/storage"
	"github.com/tendant/camera-trap-pipeline/internal/workflows"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

// Config holds the configuration for initializing the pipeline runner
type Config struct {
	DatabaseURL        string // DBOS PostgreSQL connection string
	AppName            string // Application name for DBOS
	QueueName          string // DBOS queue name
	Concurrency        int    // Number of concurrent workers
	ContentAPIURL      string // URL of the content API server
	ApplicationVersion string // Optional: Override binary hash for version matching

	APIURL         string // camera-trap API
	APICredentials string // "user:password"
	Strict         bool
	Logger         *zap.Logger
}

// Runner provides a high-level API for running pipeline workflows via DBOS
type Runner struct {
	runtime *dbosruntime.Runtime
	runner  *workflows.WorkflowRunner
}

// New creates and initializes a new pipeline runner with DBOS integration
func New(cfg Config) (*Runner, error) {
	dbosRuntime, err := dbosruntime.NewRuntime(context.Background(), dbosruntime.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		QueueName:          cfg.QueueName,
		Concurrency:        cfg.Concurrency,
		ApplicationVersion: cfg.ApplicationVersion,
	}, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
	}

	workflowRunner := workflows.NewWorkflowRunner(dbosRuntime, cfg.Logger)

	api := cameratrap.New(cameratrap.Config{BaseURL: cfg.APIURL, Credentials: cfg.APICredentials}, cfg.Logger)
	contentReader := storage.NewHTTPContentReader(cfg.ContentAPIURL)
	derivedWriter := storage.NewHTTPDerivedWriter(cfg.ContentAPIURL)
	normalizer := records.NewNormalizer(nil, records.DefaultOffsetHours)

	workflowRunner.Register(pipeline.JobCSVIngest, workflows.NewIngestWorkflow(workflows.IngestDeps{
		Schema:    api,
		Overlap:   api,
		Committer: api,
		Reporter:  api,
		Content:   contentReader,
	}, workflows.IngestConfig{Normalizer: normalizer, Strict: cfg.Strict}))
	workflowRunner.Register(pipeline.JobMediaIngest, workflows.NewMediaWorkflow(workflows.MediaDeps{
		Content:   contentReader,
		Derived:   derivedWriter,
		Committer: api,
	}, normalizer, ""))

	// Launch DBOS (must be after workflow registration)
	if err := dbosRuntime.Launch(); err != nil {
		return nil, fmt.Errorf("failed to launch DBOS: %w", err)
	}

	return &Runner{
		runtime: dbosRuntime,
		runner:  workflowRunner,
	}, nil
}

// RunCSVIngest triggers the ingest of a CSV stored in simple-content
func (r *Runner) RunCSVIngest(ctx context.Context, contentID string, upload pipeline.UploadContext) (string, error) {
	return r.runner.RunAsync(ctx, CSVIngestRequest(contentID, upload))
}

// RunMediaIngest triggers the ingest of one image stored in simple-content
func (r *Runner) RunMediaIngest(ctx context.Context, contentID string, upload pipeline.UploadContext, meta map[string]string) (string, error) {
	return r.runner.RunAsync(ctx, MediaIngestRequest(contentID, upload, meta))
}

// RunVideoPublish starts the video publishing workflow (language-agnostic)
func (r *Runner) RunVideoPublish(ctx context.Context, bucket, key string, upload pipeline.UploadContext) (string, error) {
	return r.runtime.StartWorkflowByName(ctx, executors.VideoWorkflowName, dbosruntime.WorkflowInput{
		Bucket:    bucket,
		ObjectKey: key,
		Upload:    upload.Normalized(),
	})
}

// Status returns the state of a run
func (r *Runner) Status(ctx context.Context, runID string) (*workflows.WorkflowStatus, error) {
	return r.runner.GetStatus(ctx, runID)
}

// Shutdown gracefully shuts down the pipeline runner
func (r *Runner) Shutdown(timeoutSeconds int) {
	if r.runtime != nil {
		_ = r.runtime.Shutdown(time.Duration(timeoutSeconds) * time.Second)
	}
}

// CSVIngestRequest builds the request of a CSV ingest
func CSVIngestRequest(contentID string, upload pipeline.UploadContext) pipeline.ProcessRequest {
	return pipeline.ProcessRequest{
		ContentID: contentID,
		Job:       pipeline.JobCSVIngest,
		Upload:    upload.Normalized(),
	}
}

// MediaIngestRequest builds the request of a media ingest
func MediaIngestRequest(contentID string, upload pipeline.UploadContext, meta map[string]string) pipeline.ProcessRequest {
	return pipeline.ProcessRequest{
		ContentID: contentID,
		Job:       pipeline.JobMediaIngest,
		Upload:    upload.Normalized(),
		Versions:  map[string]int{pipeline.DerivedTypePreview: 1},
		Metadata:  meta,
	}
}
