package executors

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/camera-trap-pipeline/internal/batch"
	"github.com/tendant/camera-trap-pipeline/internal/dbosruntime"
	"github.com/tendant/camera-trap-pipeline/internal/documents"
	"github.com/tendant/camera-trap-pipeline/internal/storage"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

var tags = map[string]string{
	"projectId":      "p1",
	"site":           "A",
	"cameraLocation": "PT01",
	"userId":         "u1",
}

type fakeEnqueuer struct{ reqs []pipeline.ProcessRequest }

func (f *fakeEnqueuer) RunAsync(_ context.Context, req pipeline.ProcessRequest) (string, error) {
	f.reqs = append(f.reqs, req)
	return "run-" + req.Job, nil
}

type fakeStarter struct {
	names  []string
	inputs []dbosruntime.WorkflowInput
}

func (f *fakeStarter) StartWorkflowByName(_ context.Context, name string, in dbosruntime.WorkflowInput) (string, error) {
	f.names = append(f.names, name)
	f.inputs = append(f.inputs, in)
	return dbosruntime.WorkflowID(name, in), nil
}

type fakeCommitter struct{ payloads []batch.CommitPayload }

func (f *fakeCommitter) Commit(_ context.Context, p batch.CommitPayload) error {
	f.payloads = append(f.payloads, p)
	return nil
}

func record(bucket, key string) S3EventRecord {
	var r S3EventRecord
	r.EventName = "ObjectCreated:Put"
	r.S3.Bucket.Name = bucket
	r.S3.Object.Key = key
	return r
}

func put(t *testing.T, fs *storage.FilesystemStorage, key string, body []byte, tags map[string]string) {
	t.Helper()
	require.NoError(t, fs.Put(context.Background(), key, body, "", tags))
}

func TestDecodeKey(t *testing.T) {
	key, err := DecodeKey("upload/s1/my+survey%282018%29.csv")
	require.NoError(t, err)
	assert.Equal(t, "upload/s1/my survey(2018).csv", key)

	_, err = DecodeKey("upload/%zz")
	assert.Error(t, err)
}

func TestRoute(t *testing.T) {
	tests := map[string]string{
		"upload/s1/a.csv":  ActionCSVIngest,
		"upload/s1/a.CSV":  ActionCSVIngest,
		"upload/s1/a.JPG":  ActionMediaIngest,
		"upload/s1/a.jpeg": ActionMediaIngest,
		"upload/s1/a.mp4":  ActionVideoPublish,
		"upload/s1/a.AVI":  ActionVideoPublish,
		"upload/s1/a.txt":  ActionSkipped,
		"upload/s1/noext":  ActionSkipped,
	}
	for key, want := range tests {
		t.Run(key, func(t *testing.T) {
			assert.Equal(t, want, route(key))
		})
	}
}

func TestExecute_Routes(t *testing.T) {
	fs, err := storage.NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)
	mediaTags := map[string]string{pipeline.MetaDateTimeOriginal: "2018:01:05 13:04:00"}
	for k, v := range tags {
		mediaTags[k] = v
	}
	put(t, fs, "upload/s1/my survey.csv", []byte("x"), tags)
	put(t, fs, "upload/s1/IMG_1.JPG", []byte("x"), mediaTags)
	put(t, fs, "upload/s1/clip.mp4", []byte("x"), tags)

	enq := &fakeEnqueuer{}
	starter := &fakeStarter{}
	ex := NewS3EventExecutor(fs, enq, starter, nil, nil)

	out, err := ex.Execute(context.Background(), S3Event{Records: []S3EventRecord{
		record("bkt", "upload/s1/my+survey.csv"),
		record("bkt", "upload/s1/IMG_1.JPG"),
		record("bkt", "upload/s1/clip.mp4"),
		record("bkt", "other/readme.txt"),
	}})
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Equal(t, Dispatch{Key: "upload/s1/my survey.csv", Action: ActionCSVIngest, RunID: "run-csv_ingest"}, out[0])
	assert.Equal(t, ActionMediaIngest, out[1].Action)
	assert.Equal(t, ActionVideoPublish, out[2].Action)
	assert.Equal(t, ActionSkipped, out[3].Action)

	require.Len(t, enq.reqs, 2)
	csv := enq.reqs[0]
	assert.Equal(t, "bkt", csv.Bucket)
	assert.Equal(t, "s1", csv.Upload.UploadSessionID)
	assert.Equal(t, "NULL", csv.Upload.SubSite)
	assert.Equal(t, "u1", csv.Upload.UserID)
	assert.Equal(t, "2018:01:05 13:04:00", enq.reqs[1].Metadata[pipeline.MetaDateTimeOriginal])

	require.Equal(t, []string{VideoWorkflowName}, starter.names)
	assert.Equal(t, "upload/s1/clip.mp4", starter.inputs[0].ObjectKey)
	assert.Equal(t, dbosruntime.WorkflowID(VideoWorkflowName, starter.inputs[0]), out[2].RunID)
}

func TestExecute_MissingTagsFailsRecordOnly(t *testing.T) {
	fs, err := storage.NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)
	put(t, fs, "upload/s1/a.csv", []byte("x"), map[string]string{"projectId": "p1"})
	put(t, fs, "upload/s1/b.csv", []byte("x"), tags)

	enq := &fakeEnqueuer{}
	out, err := NewS3EventExecutor(fs, enq, nil, nil, nil).Execute(context.Background(), S3Event{Records: []S3EventRecord{
		record("bkt", "upload/s1/a.csv"),
		record("bkt", "upload/s1/b.csv"),
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload/s1/a.csv")
	require.Len(t, out, 2)
	assert.NotEmpty(t, out[0].Error)
	assert.Empty(t, out[1].Error)
	assert.Len(t, enq.reqs, 1)
}

func TestExecute_AppliesStagedPayloads(t *testing.T) {
	fs, err := storage.NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)

	payload := func(hold bool) []byte {
		data, err := json.Marshal(batch.CommitPayload{
			Collection: batch.CollectionAnnotations,
			Documents:  []documents.UpsertOp{{ID: "a1", Upsert: true}},
			Hold:       hold,
		})
		require.NoError(t, err)
		return data
	}
	put(t, fs, "json/s1/u1/data.mma.json", payload(false), nil)
	put(t, fs, "json/s1/u1/held.mma.json", payload(true), nil)

	target := &fakeCommitter{}
	ex := NewS3EventExecutor(fs, &fakeEnqueuer{}, nil, batch.NewApplier(target, false), nil)
	out, err := ex.Execute(context.Background(), S3Event{Records: []S3EventRecord{
		record("bkt", "json/s1/u1/data.mma.json"),
		record("bkt", "json/s1/u1/held.mma.json"),
	}})
	require.NoError(t, err)
	assert.Equal(t, ActionApply, out[0].Action)
	assert.Equal(t, ActionHeld, out[1].Action)
	require.Len(t, target.payloads, 1)
	assert.Equal(t, "a1", target.payloads[0].Documents[0].ID)
}
