// Package mongostore serves the batch collaborators straight from the
// camera-trap MongoDB database, for deployments that bypass the REST API.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/tendant/camera-trap-pipeline/internal/batch"
	"github.com/tendant/camera-trap-pipeline/internal/documents"
	"github.com/tendant/camera-trap-pipeline/internal/schema"
)

// Collection names
const (
	CollectionProject       = "Project"
	CollectionAnnotation    = "MultimediaAnnotation"
	CollectionMetadata      = "MultimediaMetadata"
	CollectionUploadSession = "UploadSession"
	defaultConnectTimeout   = 10 * time.Second
)

// ErrUnknownCollection is returned for a payload whose endpoint has no
// collection mapping.
var ErrUnknownCollection = errors.New("unknown payload collection")

// Store implements batch.SchemaSource, batch.OverlapChecker,
// batch.Committer and batch.StatusReporter on a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
	now    func() time.Time
}

// Connect dials uri and pings the server.
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	logger.Info("connected to mongo", zap.String("database", database))
	return &Store{
		client: client,
		db:     client.Database(database),
		logger: logger.Named("mongostore"),
		now:    time.Now,
	}, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// CollectionFor maps a payload endpoint to its collection.
func CollectionFor(endpoint string) (string, error) {
	switch endpoint {
	case batch.CollectionAnnotations:
		return CollectionAnnotation, nil
	case batch.CollectionMetadata:
		return CollectionMetadata, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCollection, endpoint)
}

// FetchSchema runs the project schema aggregation.
func (s *Store) FetchSchema(ctx context.Context, projectID string) (*schema.FieldSchema, error) {
	cur, err := s.db.Collection(CollectionProject).Aggregate(ctx, schema.ProjectPipeline(projectID))
	if err != nil {
		return nil, fmt.Errorf("aggregate project %s: %w", projectID, err)
	}
	var rows []schema.ProjectFieldRow
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("read project %s: %w", projectID, err)
	}
	return schema.FromProjectRows(rows), nil
}

// OverlapExists looks for one annotation inside the query span.
func (s *Store) OverlapExists(ctx context.Context, q batch.OverlapQuery) (bool, error) {
	n, err := s.db.Collection(CollectionAnnotation).CountDocuments(ctx, q.Filter(), options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count overlapping annotations: %w", err)
	}
	return n > 0, nil
}

// Commit applies the payload as one unordered bulk write of upserts.
func (s *Store) Commit(ctx context.Context, p batch.CommitPayload) error {
	if len(p.Documents) == 0 {
		return nil
	}
	name, err := CollectionFor(p.Collection)
	if err != nil {
		return err
	}
	res, err := s.db.Collection(name).BulkWrite(ctx, WriteModels(p.Documents), options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("bulk write %s: %w", name, err)
	}
	s.logger.Debug("bulk write",
		zap.String("collection", name),
		zap.Int64("matched", res.MatchedCount),
		zap.Int64("upserted", res.UpsertedCount))
	return nil
}

// ReportStatus upserts the upload session document.
func (s *Store) ReportStatus(ctx context.Context, r batch.StatusReport) error {
	u := r.Upsert(s.now())
	_, err := s.db.Collection(CollectionUploadSession).UpdateOne(ctx,
		bson.M{"_id": u.ID}, SessionUpdate(u), options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("update upload session %s: %w", u.ID, err)
	}
	return nil
}

// WriteModels turns upsert ops into update-one models keyed by _id.
func WriteModels(ops []documents.UpsertOp) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(ops))
	for _, op := range ops {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": op.ID}).
			SetUpdate(Update(op)).
			SetUpsert(op.Upsert))
	}
	return models
}

// Update is the update document of one op. Empty operators are left out;
// MongoDB rejects them.
func Update(op documents.UpsertOp) bson.M {
	u := bson.M{}
	if op.Set != nil {
		u["$set"] = op.Set
	}
	if op.SetOnInsert != nil {
		u["$setOnInsert"] = op.SetOnInsert
	}
	if len(op.AddToSet) > 0 {
		u["$addToSet"] = op.AddToSet
	}
	return u
}

// SessionUpdate is the update document of a session upsert.
func SessionUpdate(u batch.SessionUpsert) bson.M {
	up := bson.M{
		"$set": u.Set,
		"$setOnInsert": bson.M{
			"projectId":             u.ProjectID,
			"upload_session_id":     u.SetOnInsert.UploadSessionID,
			"fullCameraLocationMd5": u.SetOnInsert.LocationKey,
			"projectTitle":          u.SetOnInsert.ProjectTitle,
			"by":                    u.SetOnInsert.By,
		},
	}
	if u.Push != nil {
		up["$push"] = u.Push
	}
	return up
}
