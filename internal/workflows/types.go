package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tendant/camera-trap-pipeline/internal/dbosruntime"
	"github.com/tendant/camera-trap-pipeline/internal/identity"
	"github.com/tendant/camera-trap-pipeline/internal/logging"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

// WorkflowContext contains context for workflow execution
type WorkflowContext struct {
	Ctx     context.Context
	Request pipeline.ProcessRequest
	RunID   string
	Logger  *zap.Logger
}

func (wctx *WorkflowContext) logger() *zap.Logger {
	if wctx.Logger == nil {
		wctx.Logger = zap.NewNop()
	}
	return wctx.Logger
}

// WorkflowResult contains the result of workflow execution. It is
// checkpointed by DBOS, so the error travels as text.
type WorkflowResult struct {
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Outputs map[string]interface{} `json:"outputs,omitempty"`
}

func failed(err error, outputs map[string]interface{}) *WorkflowResult {
	return &WorkflowResult{Success: false, Error: err.Error(), Outputs: outputs}
}

// Workflow defines the interface for processing workflows
type Workflow interface {
	// Execute runs the workflow
	Execute(wctx *WorkflowContext) (*WorkflowResult, error)

	// Name returns the workflow name
	Name() string
}

// runStep runs fn as a checkpointed DBOS step when the workflow runs under
// DBOS and calls it directly otherwise. A recovered workflow gets the
// recorded result back instead of re-running fn.
func runStep[R any](wctx *WorkflowContext, name string, fn func(ctx context.Context) (R, error)) (R, error) {
	if dctx, ok := wctx.Ctx.(dbos.DBOSContext); ok {
		return dbos.RunAsStep(dctx, fn, dbos.WithStepName(name))
	}
	return fn(wctx.Ctx)
}

// WorkflowRunner executes workflows
type WorkflowRunner struct {
	workflows   map[string]Workflow
	dbosRuntime *dbosruntime.Runtime
	logger      *zap.Logger
}

// NewWorkflowRunner creates a new workflow runner with DBOS support
func NewWorkflowRunner(dbosRuntime *dbosruntime.Runtime, logger *zap.Logger) *WorkflowRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	runner := &WorkflowRunner{
		workflows:   make(map[string]Workflow),
		dbosRuntime: dbosRuntime,
		logger:      logger,
	}

	if dbosRuntime != nil {
		dbos.RegisterWorkflow(dbosRuntime.Context(), runner.executeWorkflowDBOS)
	}

	return runner
}

// Register registers a workflow
func (r *WorkflowRunner) Register(job string, workflow Workflow) {
	r.workflows[job] = workflow
}

// Jobs lists the registered job types.
func (r *WorkflowRunner) Jobs() []string {
	jobs := make([]string, 0, len(r.workflows))
	for job := range r.workflows {
		jobs = append(jobs, job)
	}
	return jobs
}

// Run executes a workflow in-process, without DBOS checkpoints
func (r *WorkflowRunner) Run(ctx context.Context, req pipeline.ProcessRequest) (*WorkflowResult, error) {
	workflow, ok := r.workflows[req.Job]
	if !ok {
		return failed(ErrWorkflowNotFound, nil), ErrWorkflowNotFound
	}
	runID := uuid.New().String()
	return workflow.Execute(&WorkflowContext{
		Ctx:     ctx,
		Request: req,
		RunID:   runID,
		Logger:  logging.Run(r.logger, runID, req.Upload.UploadSessionID),
	})
}

// RunID derives the workflow id of a request. The same upload maps onto the
// same id, so a redelivered request joins the run already enqueued for it.
func RunID(req pipeline.ProcessRequest) string {
	source := req.ContentID
	if source == "" {
		source = req.Bucket + "/" + req.ObjectKey
	}
	return fmt.Sprintf("%s-%s", req.Job, identity.Digest(req.Upload.UploadSessionID+"|"+source))
}

// RunAsync enqueues a workflow for async execution via DBOS
func (r *WorkflowRunner) RunAsync(ctx context.Context, req pipeline.ProcessRequest) (string, error) {
	if r.dbosRuntime == nil {
		return "", errors.New("DBOS runtime not initialized")
	}
	if _, ok := r.workflows[req.Job]; !ok {
		return "", ErrWorkflowNotFound
	}

	handle, err := dbos.RunWorkflow[pipeline.ProcessRequest, *WorkflowResult](
		r.dbosRuntime.Context(),
		r.executeWorkflowDBOS,
		req,
		dbos.WithWorkflowID(RunID(req)),
		dbos.WithQueue(r.dbosRuntime.QueueName()),
	)
	if err != nil {
		return "", err
	}

	return handle.GetWorkflowID(), nil
}

// executeWorkflowDBOS is the DBOS workflow function that wraps existing workflows
func (r *WorkflowRunner) executeWorkflowDBOS(dbosCtx dbos.DBOSContext, req pipeline.ProcessRequest) (*WorkflowResult, error) {
	workflow, ok := r.workflows[req.Job]
	if !ok {
		return failed(ErrWorkflowNotFound, nil), ErrWorkflowNotFound
	}

	workflowID, err := dbosCtx.GetWorkflowID()
	if err != nil {
		return failed(err, nil), err
	}

	wctx := &WorkflowContext{
		Ctx:     dbosCtx,
		Request: req,
		RunID:   workflowID,
		Logger:  logging.Run(r.logger, workflowID, req.Upload.UploadSessionID),
	}
	return workflow.Execute(wctx)
}

// WorkflowStatus represents the status of a workflow execution
type WorkflowStatus struct {
	RunID      string     `json:"run_id"`
	Name       string     `json:"name,omitempty"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// GetStatus retrieves the status of a workflow execution
func (r *WorkflowRunner) GetStatus(ctx context.Context, runID string) (*WorkflowStatus, error) {
	if r.dbosRuntime == nil {
		return nil, errors.New("status tracking requires DBOS runtime")
	}
	info, err := r.dbosRuntime.GetWorkflowStatus(ctx, runID)
	if err != nil {
		return nil, err
	}
	return statusFromInfo(info), nil
}

func statusFromInfo(info *dbosruntime.WorkflowStatusInfo) *WorkflowStatus {
	st := &WorkflowStatus{
		RunID:     info.WorkflowUUID,
		Name:      info.Name,
		State:     info.Status,
		StartedAt: time.UnixMilli(info.CreatedAt).UTC(),
		Output:    info.Output,
		Error:     info.Error,
	}
	switch info.Status {
	case "SUCCESS", "ERROR", "CANCELLED", "MAX_RECOVERY_ATTEMPTS_EXCEEDED":
		finished := time.UnixMilli(info.UpdatedAt).UTC()
		st.FinishedAt = &finished
	}
	return st
}
