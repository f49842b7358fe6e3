package workflows

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/camera-trap-pipeline/internal/batch"
	"github.com/tendant/camera-trap-pipeline/internal/metrics"
	"github.com/tendant/camera-trap-pipeline/internal/records"
	"github.com/tendant/camera-trap-pipeline/internal/schema"
	"github.com/tendant/camera-trap-pipeline/internal/storage"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

// Ledger records which ContentIds a pipeline has processed
type Ledger interface {
	RecordAll(ctx context.Context, contentIDs []string, pipeline string, pipelineVersion int) (int, error)
}

// IngestDeps are the collaborators of the CSV ingest workflow. Only
// Committer is required; without a Schema every project is unconstrained.
type IngestDeps struct {
	Schema    batch.SchemaSource
	Overlap   batch.OverlapChecker
	Committer batch.Committer
	Reporter  batch.StatusReporter
	Content   storage.ContentSource
	Objects   storage.Reader
	Ledger    Ledger
	Metrics   *metrics.Metrics
}

// IngestConfig tunes the CSV ingest workflow
type IngestConfig struct {
	Normalizer     *records.Normalizer
	ImageURLPrefix string
	Strict         bool
	SchemaTimeout  time.Duration
	OverlapTimeout time.Duration
	Version        int
}

// IngestWorkflow reduces one uploaded CSV into annotation and metadata
// upserts, commits them and reports the outcome on the upload session.
type IngestWorkflow struct {
	deps IngestDeps
	cfg  IngestConfig
}

// NewIngestWorkflow creates the CSV ingest workflow
func NewIngestWorkflow(deps IngestDeps, cfg IngestConfig) *IngestWorkflow {
	if cfg.Normalizer == nil {
		cfg.Normalizer = records.NewNormalizer(nil, records.DefaultOffsetHours)
	}
	if cfg.Version < 1 {
		cfg.Version = 1
	}
	return &IngestWorkflow{deps: deps, cfg: cfg}
}

// Name returns the workflow name
func (w *IngestWorkflow) Name() string {
	return "IngestWorkflow"
}

type csvTable struct {
	Header []string      `json:"header"`
	Rows   []records.Row `json:"rows"`
}

// Execute runs the ingest workflow
func (w *IngestWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	req := wctx.Request
	log := wctx.logger().With(zap.String("object_key", req.ObjectKey), zap.String("content_id", req.ContentID))
	log.Info("starting csv ingest")

	if err := w.validateRequest(&req); err != nil {
		log.Warn("validation failed", zap.Error(err))
		return failed(err, nil), err
	}

	// Schema
	stop := w.deps.Metrics.Time("schema_fetch")
	fs, err := runStep(wctx, "schema_fetch", func(ctx context.Context) (*schema.FieldSchema, error) {
		return w.fetchSchema(ctx, req.Upload.ProjectID)
	})
	stop()
	if err != nil {
		return w.fail(wctx, log, batch.Upstream("schema fetch", err))
	}
	if fs == nil {
		log.Info("project has no field schema; values are not constrained")
	}

	// Rows
	stop = w.deps.Metrics.Time("csv_fetch")
	table, err := runStep(wctx, "csv_fetch", func(ctx context.Context) (csvTable, error) {
		return w.readCSV(ctx, req)
	})
	stop()
	if err != nil {
		return w.fail(wctx, log, err)
	}

	// Reduction
	stop = w.deps.Metrics.Time("reduce")
	reducer := batch.NewReducer(fs, req.Upload, batch.ReducerConfig{
		Normalizer:     w.cfg.Normalizer,
		ImageURLPrefix: w.cfg.ImageURLPrefix,
	})
	red, err := reducer.Reduce(table.Header, table.Rows)
	stop()
	var fatal *batch.FatalBatchError
	if errors.As(err, &fatal) {
		log.Warn("batch aborted", zap.Strings("missing", fatal.Missing))
		out := batch.Abort(req.Upload, fatal)
		out.ObjectKey = req.ObjectKey
		return w.finish(wctx, log, out, false, err)
	}
	if err != nil {
		return w.fail(wctx, log, err)
	}
	for _, inv := range red.Invalid {
		log.Debug("value outside allow-list",
			zap.Int("row", inv.Row), zap.String("field", inv.Field), zap.String("value", inv.Value))
	}
	w.deps.Metrics.ObserveRows(red.Rows-len(red.Rejected), len(red.Rejected), len(red.Invalid))
	log.Info("rows reduced",
		zap.Int("rows", red.Rows),
		zap.Int("assets", len(red.Annotations)),
		zap.Int("rejected", len(red.Rejected)),
		zap.Int("invalid", len(red.Invalid)))

	// Overlap check and decision
	stop = w.deps.Metrics.Time("overlap_check")
	var checker batch.OverlapChecker
	if w.deps.Overlap != nil {
		checker = stepOverlap{wctx: wctx, inner: w.deps.Overlap}
	}
	gate := batch.NewGate(checker, batch.GateConfig{
		Strict:         w.cfg.Strict || req.Strict,
		OverlapTimeout: w.cfg.OverlapTimeout,
	})
	out, err := gate.Evaluate(wctx.Ctx, red)
	stop()
	if err != nil {
		return w.fail(wctx, log, err)
	}
	out.ObjectKey = req.ObjectKey

	if !out.Emits() {
		log.Warn("documents withheld", zap.String("decision", string(out.Decision)))
		return w.finish(wctx, log, out, false, nil)
	}

	// Commit
	stop = w.deps.Metrics.Time("commit")
	committed, err := runStep(wctx, "commit", func(ctx context.Context) (commitResult, error) {
		return commitAll(ctx, w.deps.Committer, out.Payloads()), nil
	})
	stop()
	if err != nil {
		return w.fail(wctx, log, batch.Upstream("commit", err))
	}
	if cerr := committed.err(); cerr != nil {
		// Row errors, span and hold still describe the batch; only the
		// written flag depends on which payloads landed.
		log.Error("commit failed", zap.Error(cerr), zap.Strings("committed", committed.Committed))
		out.Errors = append(out.Errors, cerr.Error())
		out.Status = pipeline.StatusError
		return w.finish(wctx, log, out, len(committed.Committed) > 0, cerr)
	}
	log.Info("payloads committed", zap.Bool("hold", out.Hold), zap.Int("documents", len(out.Annotations)))

	return w.finish(wctx, log, out, true, nil)
}

func (w *IngestWorkflow) fetchSchema(ctx context.Context, projectID string) (*schema.FieldSchema, error) {
	if w.deps.Schema == nil {
		return nil, nil
	}
	if w.cfg.SchemaTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.SchemaTimeout)
		defer cancel()
	}
	return w.deps.Schema.FetchSchema(ctx, projectID)
}

func (w *IngestWorkflow) readCSV(ctx context.Context, req pipeline.ProcessRequest) (csvTable, error) {
	rc, err := storage.OpenUpload(ctx, req, w.deps.Content, w.deps.Objects)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return csvTable{}, fmt.Errorf("%w: %s", ErrSourceNotFound, req.ObjectKey)
		}
		return csvTable{}, batch.Upstream("csv fetch", err)
	}
	defer rc.Close()

	header, rows, err := records.ReadRows(rc)
	if err != nil {
		return csvTable{}, fmt.Errorf("read csv: %w", err)
	}
	return csvTable{Header: header, Rows: rows}, nil
}

// commitResult records which payloads landed. Failures holds error text per
// collection so the step output survives serialization.
type commitResult struct {
	Committed []string          `json:"committed"`
	Failures  map[string]string `json:"failures,omitempty"`
}

func (r commitResult) err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	cols := make([]string, 0, len(r.Failures))
	for col := range r.Failures {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	msgs := make([]string, 0, len(cols))
	for _, col := range cols {
		msgs = append(msgs, r.Failures[col])
	}
	return batch.Upstream("commit "+strings.Join(cols, ", "), errors.New(strings.Join(msgs, "; ")))
}

// commitAll sends the payloads concurrently. They are independent: a failure
// of one does not cancel the others, and any may land without the rest.
func commitAll(ctx context.Context, c batch.Committer, payloads []batch.CommitPayload) commitResult {
	var (
		g   errgroup.Group
		mu  sync.Mutex
		res commitResult
	)
	for _, p := range payloads {
		g.Go(func() error {
			err := c.Commit(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if res.Failures == nil {
					res.Failures = make(map[string]string)
				}
				res.Failures[p.Collection] = err.Error()
				return nil
			}
			res.Committed = append(res.Committed, p.Collection)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.Committed)
	return res
}

// finish reports the outcome and, when the whole batch landed, records the
// committed ContentIds. cause is the error the workflow returns, if any.
func (w *IngestWorkflow) finish(wctx *WorkflowContext, log *zap.Logger, out *batch.Outcome, written bool, cause error) (*WorkflowResult, error) {
	w.deps.Metrics.ObserveBatch(string(out.Decision))
	report := out.Report(written)

	if err := w.report(wctx, "report_status", report); err != nil {
		log.Error("status report failed", zap.Error(err))
		err = batch.Upstream("status report", err)
		return failed(err, nil), err
	}

	outputs := map[string]interface{}{
		"upload_session_id": out.Upload.UploadSessionID,
		"decision":          string(out.Decision),
		"status":            out.Status,
		"hold":              out.Hold,
		"documents":         len(out.Annotations),
		"errors":            out.Errors,
		"problematic_ids":   out.ProblematicIDs,
	}

	if written && cause == nil && w.deps.Ledger != nil {
		ids := make([]string, 0, len(out.Annotations))
		for _, d := range out.Annotations {
			ids = append(ids, d.ID)
		}
		seen, err := runStep(wctx, "dedupe", func(ctx context.Context) (int, error) {
			return w.deps.Ledger.RecordAll(ctx, ids, pipeline.JobCSVIngest, w.cfg.Version)
		})
		if err != nil {
			log.Warn("dedupe ledger update failed", zap.Error(err))
		} else {
			outputs["dedupe_seen_count"] = seen
		}
	}

	log.Info("csv ingest finished",
		zap.String("decision", string(out.Decision)),
		zap.String("status", out.Status),
		zap.Int("errors", len(out.Errors)))

	if cause != nil {
		return failed(cause, outputs), cause
	}
	return &WorkflowResult{Success: true, Outputs: outputs}, nil
}

// fail reports a batch that wrote nothing because of err.
func (w *IngestWorkflow) fail(wctx *WorkflowContext, log *zap.Logger, err error) (*WorkflowResult, error) {
	req := wctx.Request
	log.Error("csv ingest failed", zap.Error(err), zap.Bool("retryable", batch.IsRetryable(err)))
	w.deps.Metrics.ObserveBatch(string(batch.DecisionAbort))

	report := batch.FailureReport(req.Upload, req.ObjectKey, err)
	if rerr := w.report(wctx, "report_failure", report); rerr != nil {
		log.Error("status report failed", zap.Error(rerr))
	}
	return failed(err, nil), err
}

func (w *IngestWorkflow) report(wctx *WorkflowContext, step string, r batch.StatusReport) error {
	if w.deps.Reporter == nil {
		return nil
	}
	_, err := runStep(wctx, step, func(ctx context.Context) (bool, error) {
		return true, w.deps.Reporter.ReportStatus(ctx, r)
	})
	return err
}

// validateRequest validates the workflow request
func (w *IngestWorkflow) validateRequest(req *pipeline.ProcessRequest) error {
	if req.ContentID == "" && req.ObjectKey == "" {
		return fmt.Errorf("%w: content_id or object_key is required", ErrInvalidRequest)
	}
	if err := req.Upload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// stepOverlap runs each overlap query as a workflow step. The caller's
// context keeps its deadline.
type stepOverlap struct {
	wctx  *WorkflowContext
	inner batch.OverlapChecker
}

func (s stepOverlap) OverlapExists(ctx context.Context, q batch.OverlapQuery) (bool, error) {
	return runStep(s.wctx, "overlap_check", func(context.Context) (bool, error) {
		return s.inner.OverlapExists(ctx, q)
	})
}
