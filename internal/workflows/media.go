package workflows

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"path"
	"strconv"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/tendant/camera-trap-pipeline/internal/batch"
	"github.com/tendant/camera-trap-pipeline/internal/documents"
	"github.com/tendant/camera-trap-pipeline/internal/identity"
	"github.com/tendant/camera-trap-pipeline/internal/metrics"
	"github.com/tendant/camera-trap-pipeline/internal/records"
	"github.com/tendant/camera-trap-pipeline/internal/schema"
	"github.com/tendant/camera-trap-pipeline/internal/storage"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

// Preview geometry
const (
	PreviewWidth   = 512
	PreviewHeight  = 384
	PreviewQuality = 60
)

// DerivedWriter interface for writing derived content
type DerivedWriter interface {
	HasDerived(ctx context.Context, contentID string, derivedType string, derivedVersion int) (bool, error)
	PutDerived(ctx context.Context, contentID string, derivedType string, derivedVersion int, r io.Reader, meta map[string]string) (string, error)
}

// MediaDeps are the collaborators of the media workflow. Previews go to
// Derived when the upload lives in simple-content, otherwise to Previews.
type MediaDeps struct {
	Content   storage.ContentSource
	Objects   storage.Reader
	Derived   DerivedWriter
	Previews  storage.Writer
	Committer batch.Committer
	Ledger    Ledger
	Metrics   *metrics.Metrics
}

// MediaWorkflow ingests one uploaded still image: it writes a preview and
// upserts the image's annotation and metadata documents so a CSV describing
// the same file later lands on the same ContentId.
type MediaWorkflow struct {
	deps           MediaDeps
	normalizer     *records.Normalizer
	imageURLPrefix string
}

// NewMediaWorkflow creates the media workflow. n may be nil.
func NewMediaWorkflow(deps MediaDeps, n *records.Normalizer, imageURLPrefix string) *MediaWorkflow {
	if n == nil {
		n = records.NewNormalizer(nil, records.DefaultOffsetHours)
	}
	return &MediaWorkflow{deps: deps, normalizer: n, imageURLPrefix: imageURLPrefix}
}

// Name returns the workflow name
func (w *MediaWorkflow) Name() string {
	return "MediaWorkflow"
}

// Execute runs the media workflow
func (w *MediaWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	req := wctx.Request
	log := wctx.logger().With(zap.String("object_key", req.ObjectKey), zap.String("content_id", req.ContentID))
	log.Info("starting media ingest")

	asset, err := w.asset(&req)
	if err != nil {
		log.Warn("validation failed", zap.Error(err))
		return failed(err, nil), err
	}
	id := asset.Row.ContentID
	log = log.With(zap.String("asset_id", id))

	outputs := map[string]interface{}{
		"asset_id": id,
		"url":      asset.Row.CanonicalPath,
	}

	// Step 1: preview
	stop := w.deps.Metrics.Time("preview")
	preview, err := runStep(wctx, "preview", func(ctx context.Context) (string, error) {
		return w.writePreview(ctx, req, asset.Row.Path, log)
	})
	stop()
	if err != nil {
		log.Error("preview failed", zap.Error(err))
		return failed(err, outputs), err
	}
	outputs["preview"] = preview

	// Step 2: documents
	payloads := []batch.CommitPayload{
		{
			Collection:  batch.CollectionAnnotations,
			Documents:   []documents.UpsertOp{asset.AnnotationOp()},
			LocationKey: asset.AnnotationOp().LocationKey,
			Upload:      req.Upload,
			ObjectKey:   req.ObjectKey,
		},
		{
			Collection:  batch.CollectionMetadata,
			Documents:   []documents.UpsertOp{asset.MetadataOp()},
			LocationKey: asset.MetadataOp().LocationKey,
			Upload:      req.Upload,
			ObjectKey:   req.ObjectKey,
		},
	}
	stop = w.deps.Metrics.Time("commit")
	committed, err := runStep(wctx, "commit", func(ctx context.Context) (commitResult, error) {
		return commitAll(ctx, w.deps.Committer, payloads), nil
	})
	stop()
	if err == nil {
		outputs["committed"] = committed.Committed
		err = committed.err()
	}
	if err != nil {
		err = batch.Upstream("commit", err)
		log.Error("commit failed", zap.Error(err))
		return failed(err, outputs), err
	}

	// Step 3: ledger
	if w.deps.Ledger != nil {
		seen, err := runStep(wctx, "dedupe", func(ctx context.Context) (int, error) {
			return w.deps.Ledger.RecordAll(ctx, []string{id}, pipeline.JobMediaIngest, versionOf(req, pipeline.DerivedTypePreview))
		})
		if err != nil {
			log.Warn("dedupe ledger update failed", zap.Error(err))
		} else {
			outputs["dedupe_seen_count"] = seen
		}
	}

	log.Info("media ingest finished", zap.String("preview", preview))
	return &WorkflowResult{Success: true, Outputs: outputs}, nil
}

// asset validates the request and derives the image's identity the way a
// CSV row naming the same file would.
func (w *MediaWorkflow) asset(req *pipeline.ProcessRequest) (documents.MediaAsset, error) {
	if req.ContentID == "" && req.ObjectKey == "" {
		return documents.MediaAsset{}, fmt.Errorf("%w: content_id or object_key is required", ErrInvalidRequest)
	}
	if err := req.Upload.Validate(); err != nil {
		return documents.MediaAsset{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	taken := req.Metadata[pipeline.MetaDateTimeOriginal]
	if taken == "" {
		return documents.MediaAsset{}, fmt.Errorf("%w: metadata %q is required", ErrInvalidRequest, pipeline.MetaDateTimeOriginal)
	}
	name := req.Metadata["file_name"]
	if name == "" {
		name = path.Base(req.ObjectKey)
	}

	fm := w.normalizer.Fields()
	row := records.Row{
		Index:  1,
		Header: []string{fm.Column(schema.FieldFilename), fm.Column(schema.FieldDateTime)},
		Values: []string{name, taken},
	}
	norm, err := w.normalizer.Normalize(row, req.Upload)
	if err != nil {
		return documents.MediaAsset{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if norm.AssetType != records.StillImage {
		return documents.MediaAsset{}, fmt.Errorf("%w: %s is not a still image", ErrInvalidRequest, name)
	}

	device := map[string]string{}
	for _, k := range []string{pipeline.MetaMake, pipeline.MetaModel} {
		if v := req.Metadata[k]; v != "" {
			device[k] = v
		}
	}
	return documents.MediaAsset{
		Contribution: documents.Contribution{
			Row:            norm,
			Upload:         req.Upload,
			ImageURLPrefix: w.imageURLPrefix,
			Timezone:       w.normalizer.TimezoneLabel(),
		},
		ModifyDate:     req.Metadata[pipeline.MetaModifyDate],
		DeviceMetadata: device,
	}, nil
}

// writePreview renders the reduced preview and stores it. It returns the
// derived content id or the object key written.
func (w *MediaWorkflow) writePreview(ctx context.Context, req pipeline.ProcessRequest, parts identity.PathParts, log *zap.Logger) (string, error) {
	derivedType := pipeline.DerivedTypePreview
	derivedVersion := versionOf(req, derivedType)
	useDerived := w.deps.Derived != nil && req.ContentID != ""

	if useDerived {
		has, err := w.deps.Derived.HasDerived(ctx, req.ContentID, derivedType, derivedVersion)
		if err != nil {
			// Continue anyway, a duplicate preview is harmless
			log.Warn("failed to check derived content", zap.Error(err))
		} else if has {
			log.Info("preview already exists - skipping", zap.Int("version", derivedVersion))
			return storage.Variant(derivedType, derivedVersion), nil
		}
	} else if w.deps.Previews == nil {
		return "", nil
	}

	reader, err := storage.OpenUpload(ctx, req, w.deps.Content, w.deps.Objects)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSourceNotFound, req.ObjectKey)
		}
		return "", batch.Upstream("image fetch", err)
	}
	defer reader.Close()

	buf, width, height, err := renderPreview(reader)
	if err != nil {
		return "", err
	}
	log.Debug("preview rendered", zap.Int("width", width), zap.Int("height", height), zap.Int("bytes", buf.Len()))

	if useDerived {
		meta := map[string]string{
			"file_name": fmt.Sprintf("%s_v%d.jpg", derivedType, derivedVersion),
			"width":     strconv.Itoa(width),
			"height":    strconv.Itoa(height),
			"mime_type": "image/jpeg",
		}
		derivedID, err := w.deps.Derived.PutDerived(ctx, req.ContentID, derivedType, derivedVersion, buf, meta)
		if err != nil {
			return "", batch.Upstream("preview write", err)
		}
		return derivedID, nil
	}

	key := identity.PreviewPath(parts, PreviewWidth, PreviewQuality)
	if err := w.deps.Previews.Put(ctx, key, buf.Bytes(), "image/jpeg", req.Upload.Tags()); err != nil {
		return "", batch.Upstream("preview write", err)
	}
	return key, nil
}

// renderPreview fits the image into the preview box and encodes it as JPEG.
func renderPreview(r io.Reader) (*bytes.Buffer, int, int, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("image decode failed: %w", err)
	}

	preview := imaging.Fit(img, PreviewWidth, PreviewHeight, imaging.Lanczos)
	bounds := preview.Bounds()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, preview, &jpeg.Options{Quality: PreviewQuality}); err != nil {
		return nil, 0, 0, fmt.Errorf("JPEG encode failed: %w", err)
	}
	return &buf, bounds.Dx(), bounds.Dy(), nil
}

func versionOf(req pipeline.ProcessRequest, derivedType string) int {
	if v := req.Versions[derivedType]; v > 0 {
		return v
	}
	return 1
}
