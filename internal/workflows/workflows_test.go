package workflows

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/camera-trap-pipeline/internal/batch"
	"github.com/tendant/camera-trap-pipeline/internal/dbosruntime"
	"github.com/tendant/camera-trap-pipeline/internal/identity"
	"github.com/tendant/camera-trap-pipeline/internal/schema"
	"github.com/tendant/camera-trap-pipeline/internal/storage"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

var upload = pipeline.UploadContext{
	ProjectID:       "p1",
	ProjectTitle:    "Survey",
	Site:            "A",
	CameraLocation:  "PT01",
	UserID:          "u1",
	UploadSessionID: "s1",
}

const goodCSV = `檔名,時間,物種,樣區,相機位置
IMG_0001.JPG,2018/01/05 13:04:00,山羌,A,PT01
IMG_0002.JPG,2018/01/05 13:05:00,水鹿,A,PT01
`

type fakeSchema struct {
	fs  *schema.FieldSchema
	err error
}

func (f fakeSchema) FetchSchema(context.Context, string) (*schema.FieldSchema, error) {
	return f.fs, f.err
}

type fakeOverlap struct{ exists bool }

func (f fakeOverlap) OverlapExists(context.Context, batch.OverlapQuery) (bool, error) {
	return f.exists, nil
}

type recorder struct {
	mu       sync.Mutex
	payloads []batch.CommitPayload
	reports  []batch.StatusReport
	ids      []string
}

func (r *recorder) Commit(_ context.Context, p batch.CommitPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *recorder) ReportStatus(_ context.Context, rep batch.StatusReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

func (r *recorder) RecordAll(_ context.Context, ids []string, _ string, _ int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ids...)
	return 1, nil
}

func (r *recorder) payload(collection string) *batch.CommitPayload {
	for i := range r.payloads {
		if r.payloads[i].Collection == collection {
			return &r.payloads[i]
		}
	}
	return nil
}

func newStore(t *testing.T, files map[string][]byte) *storage.FilesystemStorage {
	t.Helper()
	fs, err := storage.NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)
	for k, v := range files {
		require.NoError(t, fs.Put(context.Background(), k, v, "", upload.Tags()))
	}
	return fs
}

func ingestRequest() pipeline.ProcessRequest {
	return pipeline.ProcessRequest{ObjectKey: "upload/s1/data.csv", Job: pipeline.JobCSVIngest, Upload: upload}
}

func runIngest(t *testing.T, deps IngestDeps, req pipeline.ProcessRequest) (*WorkflowResult, error) {
	t.Helper()
	w := NewIngestWorkflow(deps, IngestConfig{})
	return w.Execute(&WorkflowContext{Ctx: context.Background(), Request: req, RunID: "run-1"})
}

func TestIngest_Commits(t *testing.T) {
	rec := &recorder{}
	deps := IngestDeps{
		Schema:    fakeSchema{},
		Overlap:   fakeOverlap{},
		Committer: rec,
		Reporter:  rec,
		Objects:   newStore(t, map[string][]byte{"upload/s1/data.csv": []byte(goodCSV)}),
		Ledger:    rec,
	}

	res, err := runIngest(t, deps, ingestRequest())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, string(batch.DecisionCommit), res.Outputs["decision"])

	require.Len(t, rec.payloads, 2)
	ann := rec.payload(batch.CollectionAnnotations)
	require.NotNil(t, ann)
	assert.Len(t, ann.Documents, 2)
	assert.False(t, ann.Hold)
	assert.Equal(t, "upload/s1/data.csv", ann.ObjectKey)

	require.Len(t, rec.reports, 1)
	rep := rec.reports[0]
	assert.Equal(t, pipeline.StatusSuccess, rep.Status)
	assert.True(t, rep.Written)
	assert.Equal(t, "2018/01/05 13:04:00", rep.Span.Earliest)
	assert.Equal(t, "2018/01/05 13:05:00", rep.Span.Latest)
	assert.Len(t, rec.ids, 2)
}

func TestIngest_OverlapHoldsPayloads(t *testing.T) {
	rec := &recorder{}
	deps := IngestDeps{
		Overlap:   fakeOverlap{exists: true},
		Committer: rec,
		Reporter:  rec,
		Objects:   newStore(t, map[string][]byte{"upload/s1/data.csv": []byte(goodCSV)}),
	}

	res, err := runIngest(t, deps, ingestRequest())
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Len(t, rec.payloads, 2)
	for _, p := range rec.payloads {
		assert.True(t, p.Hold)
	}
	require.Len(t, rec.reports, 1)
	assert.True(t, rec.reports[0].Hold)
	assert.Equal(t, pipeline.StatusSuccess, rec.reports[0].Status)
	assert.Contains(t, rec.reports[0].Errors, "uploaded data may overlap existing records")
}

func TestIngest_MissingColumnAborts(t *testing.T) {
	rec := &recorder{}
	deps := IngestDeps{
		Committer: rec,
		Reporter:  rec,
		Objects: newStore(t, map[string][]byte{
			"upload/s1/data.csv": []byte("時間,物種,樣區,相機位置\n2018/01/05 13:04:00,山羌,A,PT01\n"),
		}),
	}

	res, err := runIngest(t, deps, ingestRequest())
	var fatal *batch.FatalBatchError
	require.ErrorAs(t, err, &fatal)
	assert.False(t, res.Success)
	assert.Empty(t, rec.payloads)

	require.Len(t, rec.reports, 1)
	assert.Equal(t, pipeline.StatusError, rec.reports[0].Status)
	assert.False(t, rec.reports[0].Written)
	assert.Equal(t, []string{"missing required columns: 檔名"}, rec.reports[0].Errors)
}

func TestIngest_StrictRejectsMismatch(t *testing.T) {
	rec := &recorder{}
	csv := goodCSV + "IMG_0003.JPG,2018/01/05 13:06:00,山羌,B,PT01\n"
	deps := IngestDeps{
		Committer: rec,
		Reporter:  rec,
		Objects:   newStore(t, map[string][]byte{"upload/s1/data.csv": []byte(csv)}),
	}
	req := ingestRequest()
	req.Strict = true

	res, err := runIngest(t, deps, req)
	require.NoError(t, err)
	assert.Equal(t, string(batch.DecisionReject), res.Outputs["decision"])
	assert.Empty(t, rec.payloads)
	require.Len(t, rec.reports, 1)
	assert.Equal(t, pipeline.StatusError, rec.reports[0].Status)
	assert.False(t, rec.reports[0].Written)
	assert.Len(t, rec.reports[0].ProblematicIDs, 1)
}

func TestIngest_SchemaFailureIsRetryable(t *testing.T) {
	rec := &recorder{}
	deps := IngestDeps{
		Schema:    fakeSchema{err: errors.New("connection refused")},
		Committer: rec,
		Reporter:  rec,
		Objects:   newStore(t, nil),
	}

	res, err := runIngest(t, deps, ingestRequest())
	require.Error(t, err)
	assert.True(t, batch.IsRetryable(err))
	assert.False(t, res.Success)
	assert.Empty(t, rec.payloads)
	require.Len(t, rec.reports, 1)
	assert.False(t, rec.reports[0].Written)
	assert.Equal(t, pipeline.StatusError, rec.reports[0].Status)
}

type blockingSchema struct{}

func (blockingSchema) FetchSchema(ctx context.Context, _ string) (*schema.FieldSchema, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestIngest_SchemaTimeoutWritesNothing(t *testing.T) {
	rec := &recorder{}
	w := NewIngestWorkflow(IngestDeps{
		Schema:    blockingSchema{},
		Committer: rec,
		Reporter:  rec,
		Objects:   newStore(t, map[string][]byte{"upload/s1/data.csv": []byte(goodCSV)}),
	}, IngestConfig{SchemaTimeout: 20 * time.Millisecond})

	res, err := w.Execute(&WorkflowContext{Ctx: context.Background(), Request: ingestRequest(), RunID: "run-1"})
	require.Error(t, err)
	assert.True(t, batch.IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, res.Success)
	assert.Empty(t, rec.payloads)

	require.Len(t, rec.reports, 1)
	assert.Equal(t, pipeline.StatusError, rec.reports[0].Status)
	assert.False(t, rec.reports[0].Written)
}

// failingCommitter applies every payload except those for one collection.
type failingCommitter struct {
	*recorder
	collection string
}

func (f failingCommitter) Commit(ctx context.Context, p batch.CommitPayload) error {
	if p.Collection == f.collection {
		return errors.New("metadata endpoint down")
	}
	return f.recorder.Commit(ctx, p)
}

func TestIngest_PartialCommitReportsWritten(t *testing.T) {
	rec := &recorder{}
	csv := goodCSV + "IMG_0003.JPG,2018/01/05 13:06:00,山羌,B,PT01\n"
	deps := IngestDeps{
		Committer: failingCommitter{recorder: rec, collection: batch.CollectionMetadata},
		Reporter:  rec,
		Objects:   newStore(t, map[string][]byte{"upload/s1/data.csv": []byte(csv)}),
		Ledger:    rec,
	}

	res, err := runIngest(t, deps, ingestRequest())
	require.Error(t, err)
	assert.True(t, batch.IsRetryable(err))
	assert.Contains(t, err.Error(), "metadata endpoint down")
	assert.False(t, res.Success)

	require.Len(t, rec.payloads, 1)
	assert.Equal(t, batch.CollectionAnnotations, rec.payloads[0].Collection)

	require.Len(t, rec.reports, 1)
	rep := rec.reports[0]
	assert.Equal(t, pipeline.StatusError, rep.Status)
	assert.True(t, rep.Written, "the annotation payload landed")
	assert.Equal(t, 2, rep.Span.Rows)
	assert.Len(t, rep.ProblematicIDs, 1)
	require.Len(t, rep.Errors, 2)
	assert.Contains(t, rep.Errors[0], "row 3:")
	assert.Equal(t, "commit /media/bulk-update: metadata endpoint down", rep.Errors[1])
	assert.Empty(t, rec.ids, "a partial batch stays out of the ledger")
}

func TestIngest_MissingObject(t *testing.T) {
	rec := &recorder{}
	deps := IngestDeps{Committer: rec, Reporter: rec, Objects: newStore(t, nil)}

	_, err := runIngest(t, deps, ingestRequest())
	assert.ErrorIs(t, err, ErrSourceNotFound)
	assert.Empty(t, rec.payloads)
}

func TestIngest_InvalidRequest(t *testing.T) {
	rec := &recorder{}
	req := ingestRequest()
	req.Upload.Site = ""

	res, err := runIngest(t, IngestDeps{Committer: rec, Reporter: rec}, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.False(t, res.Success)
	assert.Empty(t, rec.reports)
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestMedia_PreviewAndDocuments(t *testing.T) {
	rec := &recorder{}
	store := newStore(t, map[string][]byte{"upload/s1/IMG_0001.JPG": jpegBytes(t, 1024, 768)})
	w := NewMediaWorkflow(MediaDeps{
		Objects:   store,
		Previews:  store,
		Committer: rec,
		Ledger:    rec,
	}, nil, "")

	req := pipeline.ProcessRequest{
		ObjectKey: "upload/s1/IMG_0001.JPG",
		Job:       pipeline.JobMediaIngest,
		Upload:    upload,
		Metadata: map[string]string{
			pipeline.MetaDateTimeOriginal: "2018:01:05 13:04:00",
			pipeline.MetaMake:             "Reconyx",
		},
	}
	res, err := w.Execute(&WorkflowContext{Ctx: context.Background(), Request: req, RunID: "run-2"})
	require.NoError(t, err)
	require.True(t, res.Success)

	// The CSV side names the same asset.
	ingest := &recorder{}
	_, err = runIngest(t, IngestDeps{
		Committer: ingest,
		Objects:   newStore(t, map[string][]byte{"upload/s1/data.csv": []byte(goodCSV)}),
	}, ingestRequest())
	require.NoError(t, err)
	csvID := ingest.payload(batch.CollectionAnnotations).Documents[0].ID
	assert.Equal(t, csvID, res.Outputs["asset_id"])

	key, _ := res.Outputs["preview"].(string)
	require.NotEmpty(t, key)
	assert.True(t, strings.HasPrefix(key, "images/512q60/p1/A/NULL/PT01/IMG_0001_"), key)
	rc, err := store.GetReader(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	img, _, err := image.Decode(rc)
	require.NoError(t, err)
	assert.Equal(t, 512, img.Bounds().Dx())
	assert.Equal(t, 384, img.Bounds().Dy())

	require.Len(t, rec.payloads, 2)
	meta := rec.payload(batch.CollectionMetadata)
	require.NotNil(t, meta)
	assert.Equal(t, identity.LocationKey("p1", "A", "NULL", "PT01"), meta.LocationKey)
	assert.Equal(t, []string{csvID}, rec.ids)
}

func TestMedia_RequiresCaptureTime(t *testing.T) {
	w := NewMediaWorkflow(MediaDeps{Committer: &recorder{}}, nil, "")
	req := pipeline.ProcessRequest{ObjectKey: "upload/s1/IMG_0001.JPG", Upload: upload}
	_, err := w.Execute(&WorkflowContext{Ctx: context.Background(), Request: req})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMedia_RejectsVideo(t *testing.T) {
	w := NewMediaWorkflow(MediaDeps{Committer: &recorder{}}, nil, "")
	req := pipeline.ProcessRequest{
		ObjectKey: "upload/s1/clip.mp4",
		Upload:    upload,
		Metadata:  map[string]string{pipeline.MetaDateTimeOriginal: "2018:01:05 13:04:00"},
	}
	_, err := w.Execute(&WorkflowContext{Ctx: context.Background(), Request: req})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRunner_Run(t *testing.T) {
	r := NewWorkflowRunner(nil, nil)
	_, err := r.Run(context.Background(), pipeline.ProcessRequest{Job: "nope"})
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	rec := &recorder{}
	r.Register(pipeline.JobCSVIngest, NewIngestWorkflow(IngestDeps{
		Committer: rec,
		Objects:   newStore(t, map[string][]byte{"upload/s1/data.csv": []byte(goodCSV)}),
	}, IngestConfig{}))
	res, err := r.Run(context.Background(), ingestRequest())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{pipeline.JobCSVIngest}, r.Jobs())

	_, err = r.RunAsync(context.Background(), ingestRequest())
	assert.Error(t, err)
	_, err = r.GetStatus(context.Background(), "x")
	assert.Error(t, err)
}

func TestRunID_Stable(t *testing.T) {
	a := RunID(ingestRequest())
	assert.Equal(t, a, RunID(ingestRequest()))
	assert.True(t, strings.HasPrefix(a, pipeline.JobCSVIngest+"-"))

	other := ingestRequest()
	other.ObjectKey = "upload/s1/other.csv"
	assert.NotEqual(t, a, RunID(other))
}

func TestStatusFromInfo(t *testing.T) {
	st := statusFromInfo(&dbosruntime.WorkflowStatusInfo{WorkflowUUID: "w1", Status: "PENDING", CreatedAt: 1000, UpdatedAt: 2000})
	assert.Equal(t, "w1", st.RunID)
	assert.Nil(t, st.FinishedAt)

	st = statusFromInfo(&dbosruntime.WorkflowStatusInfo{WorkflowUUID: "w1", Status: "SUCCESS", CreatedAt: 1000, UpdatedAt: 2000})
	require.NotNil(t, st.FinishedAt)
	assert.EqualValues(t, 2000, st.FinishedAt.UnixMilli())
}
