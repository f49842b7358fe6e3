package dbosruntime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tendant/camera-trap-pipeline/internal/identity"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

// WorkflowInput is the request body of a workflow started by name. Workers in
// other languages read it from dbos.workflow_status.
type WorkflowInput struct {
	Bucket    string                 `json:"bucket,omitempty"`
	ObjectKey string                 `json:"object_key"`
	Upload    pipeline.UploadContext `json:"upload"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// WorkflowID derives a stable workflow id from the object being processed, so
// a redelivered event maps onto the workflow already enqueued for it.
func WorkflowID(workflowName string, input WorkflowInput) string {
	return fmt.Sprintf("%s-%s", workflowName, identity.Digest(input.Bucket+"/"+input.ObjectKey))
}

// StartWorkflowByName enqueues a workflow implemented outside this binary,
// for example the Python video publisher. Enqueueing the same object twice is
// a no-op.
func (r *Runtime) StartWorkflowByName(ctx context.Context, workflowName string, input WorkflowInput) (string, error) {
	workflowUUID := WorkflowID(workflowName, input)

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal input: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin enqueue: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO dbos.workflow_status (
			workflow_uuid,
			status,
			name,
			request,
			executor_id,
			created_at,
			updated_at,
			application_version,
			application_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (workflow_uuid) DO NOTHING
	`,
		workflowUUID,
		"PENDING",
		workflowName,
		string(inputJSON),
		"pending",
		now,
		now,
		r.config.ApplicationVersion,
		r.config.AppName,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.logger.Info("workflow already enqueued", zap.String("workflow_id", workflowUUID))
		return workflowUUID, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dbos.workflow_queue (
			workflow_uuid,
			queue_name,
			created_at_epoch_ms
		) VALUES ($1, $2, $3)
	`, workflowUUID, r.config.QueueName, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue workflow: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit enqueue: %w", err)
	}
	r.logger.Info("workflow enqueued by name",
		zap.String("workflow_id", workflowUUID),
		zap.String("name", workflowName),
		zap.String("object_key", input.ObjectKey))
	return workflowUUID, nil
}

// WorkflowStatusInfo represents the status of a workflow
type WorkflowStatusInfo struct {
	WorkflowUUID string `json:"workflow_id"`
	Status       string `json:"status"`
	Name         string `json:"name"`
	Output       string `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// ErrWorkflowUnknown is returned when no workflow has the requested id
var ErrWorkflowUnknown = errors.New("workflow not found")

// GetWorkflowStatus retrieves the status of a workflow from the DBOS status table
func (r *Runtime) GetWorkflowStatus(ctx context.Context, workflowUUID string) (*WorkflowStatusInfo, error) {
	query := `
		SELECT workflow_uuid, status, name, COALESCE(output, ''), COALESCE(error, ''), created_at, updated_at
		FROM dbos.workflow_status
		WHERE workflow_uuid = $1
	`

	var info WorkflowStatusInfo
	err := r.db.QueryRowContext(ctx, query, workflowUUID).Scan(
		&info.WorkflowUUID,
		&info.Status,
		&info.Name,
		&info.Output,
		&info.Error,
		&info.CreatedAt,
		&info.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrWorkflowUnknown
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow status: %w", err)
	}

	return &info, nil
}
