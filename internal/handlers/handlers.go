// Package handlers exposes the worker's HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tendant/camera-trap-pipeline/internal/dbosruntime"
	"github.com/tendant/camera-trap-pipeline/internal/executors"
	"github.com/tendant/camera-trap-pipeline/internal/workflows"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

// Runner enqueues pipeline jobs and reports on them
type Runner interface {
	RunAsync(ctx context.Context, req pipeline.ProcessRequest) (string, error)
	GetStatus(ctx context.Context, runID string) (*workflows.WorkflowStatus, error)
}

// EventExecutor handles storage notifications
type EventExecutor interface {
	Execute(ctx context.Context, ev executors.S3Event) ([]executors.Dispatch, error)
}

// AsyncHandler handles asynchronous workflow requests
type AsyncHandler struct {
	runner  Runner
	events  EventExecutor
	metrics http.Handler
	logger  *zap.Logger
}

// NewAsyncHandler creates a new async handler. events and metrics may be nil.
func NewAsyncHandler(runner Runner, events EventExecutor, metrics http.Handler, logger *zap.Logger) *AsyncHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncHandler{
		runner:  runner,
		events:  events,
		metrics: metrics,
		logger:  logger.Named("http"),
	}
}

// Router mounts every endpoint
func (h *AsyncHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HandleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/ingest", h.enqueue(pipeline.JobCSVIngest))
		r.Post("/media", h.enqueue(pipeline.JobMediaIngest))
		r.Post("/events/s3", h.HandleS3Event)
		r.Get("/runs/{runID}", h.HandleStatus)
	})
	return r
}

// HandleHealth returns health status
func (h *AsyncHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// enqueue handles POST /v1/ingest and /v1/media - enqueues the job and
// returns immediately
func (h *AsyncHandler) enqueue(job string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.ProcessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
			return
		}
		req.Job = job

		if req.ContentID == "" && req.ObjectKey == "" {
			http.Error(w, "content_id or object_key is required", http.StatusBadRequest)
			return
		}
		if req.Upload.UploadSessionID == "" {
			req.Upload.UploadSessionID = pipeline.SessionIDFromKey(req.ObjectKey)
		}
		req.Upload = req.Upload.Normalized()
		if err := req.Upload.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		runID, err := h.runner.RunAsync(r.Context(), req)
		if err != nil {
			h.logger.Error("failed to enqueue workflow", zap.String("job", job), zap.Error(err))
			http.Error(w, fmt.Sprintf("Failed to enqueue workflow: %v", err), http.StatusInternalServerError)
			return
		}

		h.logger.Info("workflow enqueued",
			zap.String("run_id", runID),
			zap.String("job", job),
			zap.String("upload_session_id", req.Upload.UploadSessionID))
		writeJSON(w, http.StatusAccepted, pipeline.ProcessResponse{RunID: runID})
	}
}

// HandleS3Event handles POST /v1/events/s3
func (h *AsyncHandler) HandleS3Event(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		http.Error(w, "storage events are not configured", http.StatusNotImplemented)
		return
	}
	var ev executors.S3Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, fmt.Sprintf("Invalid event: %v", err), http.StatusBadRequest)
		return
	}

	dispatched, err := h.events.Execute(r.Context(), ev)
	status := http.StatusAccepted
	if err != nil {
		h.logger.Warn("storage event partly failed", zap.Error(err))
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{"dispatched": dispatched})
}

// HandleStatus handles GET /v1/runs/{runID} - returns workflow status
func (h *AsyncHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	status, err := h.runner.GetStatus(r.Context(), runID)
	if errors.Is(err, dbosruntime.ErrWorkflowUnknown) {
		http.Error(w, "Workflow not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get workflow status", zap.String("run_id", runID), zap.Error(err))
		http.Error(w, "Failed to get workflow status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
