package batch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

func TestStatusReport_Upsert(t *testing.T) {
	now := time.Unix(1700000000, 500_000_000)
	r := StatusReport{
		SessionID:      "s1",
		ProjectID:      "p1",
		ProjectTitle:   "Survey",
		LocationKey:    "loc",
		UserID:         "u1",
		ObjectKey:      "upload/s1/a.csv",
		Status:         pipeline.StatusError,
		Errors:         []string{`row 2: column "樣區" expected "A" got "B"`},
		ProblematicIDs: []string{"id1"},
		Span:           Span{Earliest: "2018/01/05 13:04:00", Latest: "2018/01/05 13:05:00", Rows: 2},
		Written:        true,
	}

	u := r.Upsert(now)
	assert.Equal(t, "s1", u.ID)
	assert.Equal(t, pipeline.StatusError, u.Set.Status)
	assert.Equal(t, "2018/01/05 13:04:00", u.Set.EarliestDataDate)
	assert.InDelta(t, 1700000000.5, u.Set.Modified, 0.001)
	require.NotNil(t, u.Push)
	assert.Equal(t, []string{"id1"}, u.Push.Messages.ProblematicIDs)
	assert.True(t, u.Push.Messages.Written)
	assert.Equal(t, "u1", u.SetOnInsert.By)

	data, err := json.Marshal(u)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m, "$push")
	assert.Equal(t, true, m["$upsert"])

	r.Errors = nil
	r.Status = pipeline.StatusSuccess
	assert.Nil(t, r.Upsert(now).Push, "clean reports push no message")
}

func TestHoldRouter(t *testing.T) {
	apply, stage := &fakeCommitter{}, &fakeCommitter{}
	router := HoldRouter{Apply: apply, Stage: stage}
	ctx := context.Background()

	require.NoError(t, router.Commit(ctx, CommitPayload{Collection: CollectionMetadata}))
	require.NoError(t, router.Commit(ctx, CommitPayload{Collection: CollectionAnnotations, Hold: true}))
	assert.Len(t, apply.payloads, 1)
	assert.Len(t, stage.payloads, 1)

	applyOnly := HoldRouter{Apply: apply}
	require.NoError(t, applyOnly.Commit(ctx, CommitPayload{Collection: CollectionAnnotations, Hold: true}))
	assert.Len(t, apply.payloads, 2)
}
