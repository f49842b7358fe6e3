package cameratrap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/camera-trap-pipeline/internal/batch"
	"github.com/tendant/camera-trap-pipeline/internal/documents"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

type call struct {
	Path string
	Auth string
	User string
	Hold string
	Body json.RawMessage
}

type fakeAPI struct {
	mu       sync.Mutex
	calls    []call
	respond  map[string]string
	failures map[string]int // path -> remaining 503s
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{
		Path: r.URL.Path,
		Auth: r.Header.Get("Authorization"),
		User: r.Header.Get(UserHeader),
		Hold: r.Header.Get(HoldHeader),
		Body: body,
	})
	if n := f.failures[r.URL.Path]; n > 0 {
		f.failures[r.URL.Path] = n - 1
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	resp, ok := f.respond[r.URL.Path]
	if !ok {
		http.Error(w, "no route", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, resp)
}

func newClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL + "/", Credentials: "svc:secret", UserID: "u0", RetryMax: 2}, nil)
	c.http.RetryWaitMin = time.Millisecond
	c.http.RetryWaitMax = 5 * time.Millisecond
	return c
}

func TestFetchSchema(t *testing.T) {
	api := &fakeAPI{respond: map[string]string{
		PathProjectAggregate: `{"results":[
			{"key":"species","label":"物種","widget_type":"select","speciesList":["山羌","水鹿"],"dailyTestTime":[{"time":"11:00:00"},{"time":"12:00:00"}]},
			{"key":"sex","label":"性別","widget_type":"select","widget_select_options":["雄","雌"],"speciesList":["山羌","水鹿"]}
		]}`,
	}}
	c := newClient(t, api)

	fs, err := c.FetchSchema(context.Background(), "p1")
	require.NoError(t, err)
	require.NotNil(t, fs)
	assert.Equal(t, []string{"山羌", "水鹿"}, fs.SpeciesList)
	assert.Equal(t, "12:00:00", fs.DailyTestTime)
	require.Len(t, fs.Fields, 2)
	assert.Equal(t, []string{"雄", "雌"}, fs.Fields[1].AllowedValues)

	require.Len(t, api.calls, 1)
	got := api.calls[0]
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("svc:secret")), got.Auth)
	assert.Equal(t, "u0", got.User)

	var pipe []map[string]any
	require.NoError(t, json.Unmarshal(got.Body, &pipe))
	require.Len(t, pipe, 5)
	assert.Equal(t, map[string]any{"_id": "p1"}, pipe[0]["$match"])
}

func TestFetchSchema_NoFields(t *testing.T) {
	c := newClient(t, &fakeAPI{respond: map[string]string{PathProjectAggregate: `{"results":[]}`}})
	fs, err := c.FetchSchema(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, fs)
}

func TestOverlapExists(t *testing.T) {
	tests := []struct {
		name string
		resp string
		want bool
	}{
		{"null", `{"results":null}`, false},
		{"missing", `{}`, false},
		{"document", `{"results":{"_id":"x"}}`, true},
		{"list", `{"results":[{"_id":"x"}]}`, true},
		{"empty list", `{"results":[]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{respond: map[string]string{PathAnnotationExists: tt.resp}}
			c := newClient(t, api)
			got, err := c.OverlapExists(context.Background(), batch.OverlapQuery{Min: 10, Max: 20, ProjectID: "p1", LocationKey: "loc"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			var body struct {
				Query map[string]any `json:"query"`
			}
			require.NoError(t, json.Unmarshal(api.calls[0].Body, &body))
			assert.Equal(t, map[string]any{"$gte": float64(10), "$lte": float64(20)}, body.Query["date_time_corrected_timestamp"])
			assert.Equal(t, "loc", body.Query["fullCameraLocationMd5"])
		})
	}
}

func TestCommit(t *testing.T) {
	api := &fakeAPI{respond: map[string]string{batch.CollectionMetadata: `{"results":"ok"}`}}
	c := newClient(t, api)

	p := batch.CommitPayload{
		Collection: batch.CollectionMetadata,
		Documents:  []documents.UpsertOp{{ID: "m1"}},
		Upload:     pipeline.UploadContext{UserID: "u9"},
	}
	require.NoError(t, c.Commit(context.Background(), p))
	require.Len(t, api.calls, 1)
	assert.Equal(t, "u9", api.calls[0].User)
	assert.Empty(t, api.calls[0].Hold)

	var docs []map[string]any
	require.NoError(t, json.Unmarshal(api.calls[0].Body, &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "m1", docs[0]["_id"])

	// nothing to send
	require.NoError(t, c.Commit(context.Background(), batch.CommitPayload{Collection: batch.CollectionMetadata}))
	assert.Len(t, api.calls, 1)
}

func TestCommit_HeldPayloadCarriesHoldHeader(t *testing.T) {
	api := &fakeAPI{respond: map[string]string{batch.CollectionAnnotations: `{"results":"ok"}`}}
	c := newClient(t, api)

	require.NoError(t, c.Commit(context.Background(), batch.CommitPayload{
		Collection: batch.CollectionAnnotations,
		Documents:  []documents.UpsertOp{{ID: "a1"}},
		Hold:       true,
	}))
	require.Len(t, api.calls, 1)
	assert.Equal(t, "true", api.calls[0].Hold)
}

func TestRetriesThenFails(t *testing.T) {
	api := &fakeAPI{
		respond:  map[string]string{PathSessionUpdate: `{"results":"ok"}`},
		failures: map[string]int{PathSessionUpdate: 1, batch.CollectionAnnotations: 10},
	}
	c := newClient(t, api)

	report := batch.StatusReport{SessionID: "s1", Status: pipeline.StatusSuccess}
	require.NoError(t, c.ReportStatus(context.Background(), report))
	assert.Len(t, api.calls, 2)

	err := c.Commit(context.Background(), batch.CommitPayload{
		Collection: batch.CollectionAnnotations,
		Documents:  []documents.UpsertOp{{ID: "a"}},
	})
	require.Error(t, err)
}

func TestReportStatus_Body(t *testing.T) {
	api := &fakeAPI{respond: map[string]string{PathSessionUpdate: `{"results":"ok"}`}}
	c := newClient(t, api)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	err := c.ReportStatus(context.Background(), batch.StatusReport{
		SessionID: "s1",
		ProjectID: "p1",
		UserID:    "u1",
		Status:    pipeline.StatusError,
		Errors:    []string{"row 2: bad"},
	})
	require.NoError(t, err)

	var ups []map[string]any
	require.NoError(t, json.Unmarshal(api.calls[0].Body, &ups))
	require.Len(t, ups, 1)
	assert.Equal(t, "s1", ups[0]["_id"])
	assert.Equal(t, true, ups[0]["$upsert"])
	assert.Contains(t, ups[0], "$push")
	assert.Equal(t, "u1", api.calls[0].User)
}

func TestNonSuccessStatus(t *testing.T) {
	c := newClient(t, &fakeAPI{respond: map[string]string{}})
	_, err := c.FetchSchema(context.Background(), "p1")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
