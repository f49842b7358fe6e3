package batch

import (
	"context"
	"time"
)

// SessionUpsert is the store-facing form of a StatusReport: one upsert of
// the upload session document.
type SessionUpsert struct {
	ID          string        `json:"_id" bson:"_id"`
	ProjectID   string        `json:"projectId" bson:"projectId"`
	Set         SessionSet    `json:"$set" bson:"$set"`
	Push        *SessionPush  `json:"$push,omitempty" bson:"$push,omitempty"`
	SetOnInsert SessionInsert `json:"$setOnInsert" bson:"$setOnInsert"`
	Upsert      bool          `json:"$upsert" bson:"-"`
}

// SessionSet holds the fields every report replaces.
type SessionSet struct {
	EarliestDataDate string  `json:"earliestDataDate" bson:"earliestDataDate"`
	LatestDataDate   string  `json:"latestDataDate" bson:"latestDataDate"`
	Status           string  `json:"status" bson:"status"`
	Hold             bool    `json:"hold" bson:"hold"`
	Modified         float64 `json:"modified" bson:"modified"`
}

// SessionPush appends one message to the session's history.
type SessionPush struct {
	Messages SessionMessage `json:"messages" bson:"messages"`
}

// SessionMessage explains a failed or flagged batch.
type SessionMessage struct {
	ProblematicIDs []string `json:"problematic_ids" bson:"problematic_ids"`
	Key            string   `json:"key" bson:"key"`
	Errors         []string `json:"errors" bson:"errors"`
	Written        bool     `json:"written" bson:"written"`
	Modified       float64  `json:"modified" bson:"modified"`
}

// SessionInsert is written when the session document is created.
type SessionInsert struct {
	UploadSessionID string `json:"upload_session_id" bson:"upload_session_id"`
	LocationKey     string `json:"fullCameraLocationMd5" bson:"fullCameraLocationMd5"`
	ProjectTitle    string `json:"projectTitle" bson:"projectTitle"`
	By              string `json:"by" bson:"by"`
}

// Upsert encodes the report. A message is pushed only when there are errors.
func (r StatusReport) Upsert(now time.Time) SessionUpsert {
	modified := float64(now.UnixMilli()) / 1000
	u := SessionUpsert{
		ID:        r.SessionID,
		ProjectID: r.ProjectID,
		Set: SessionSet{
			EarliestDataDate: r.Span.Earliest,
			LatestDataDate:   r.Span.Latest,
			Status:           r.Status,
			Hold:             r.Hold,
			Modified:         modified,
		},
		SetOnInsert: SessionInsert{
			UploadSessionID: r.SessionID,
			LocationKey:     r.LocationKey,
			ProjectTitle:    r.ProjectTitle,
			By:              r.UserID,
		},
		Upsert: true,
	}
	if len(r.Errors) > 0 {
		ids := r.ProblematicIDs
		if ids == nil {
			ids = []string{}
		}
		u.Push = &SessionPush{Messages: SessionMessage{
			ProblematicIDs: ids,
			Key:            r.ObjectKey,
			Errors:         r.Errors,
			Written:        r.Written,
			Modified:       modified,
		}}
	}
	return u
}

// HoldRouter sends held payloads to a staging committer and everything else
// to the applying committer. Without a stage, held payloads are applied.
type HoldRouter struct {
	Apply Committer
	Stage Committer
}

// Commit routes p by its hold flag.
func (r HoldRouter) Commit(ctx context.Context, p CommitPayload) error {
	if p.Hold && r.Stage != nil {
		return r.Stage.Commit(ctx, p)
	}
	return r.Apply.Commit(ctx, p)
}
