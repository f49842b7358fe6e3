package documents

// UpsertOp is the store-facing form of a document. The downstream store
// applies it as a single upsert: $set always, $setOnInsert only when the
// document is new, $addToSet as a set union.
type UpsertOp struct {
	ID          string          `json:"_id" bson:"_id"`
	ProjectID   string          `json:"projectId" bson:"projectId"`
	LocationKey string          `json:"fullCameraLocationMd5" bson:"fullCameraLocationMd5"`
	Set         any             `json:"$set,omitempty" bson:"$set,omitempty"`
	SetOnInsert any             `json:"$setOnInsert,omitempty" bson:"$setOnInsert,omitempty"`
	AddToSet    map[string]Each `json:"$addToSet,omitempty" bson:"$addToSet,omitempty"`
	Upsert      bool            `json:"$upsert" bson:"$upsert"`
}

// Each wraps a list for $addToSet so every element is added individually.
type Each struct {
	Each []string `json:"$each" bson:"$each"`
}

type annotationSet struct {
	AnnotationOverwrite `bson:",inline"`
	Tokens              []Token `json:"tokens" bson:"tokens"`
}

func unionOp(u Union) map[string]Each {
	if len(u.RelatedUploadSessions) == 0 {
		return nil
	}
	return map[string]Each{
		"related_upload_sessions": {Each: append([]string(nil), u.RelatedUploadSessions...)},
	}
}

// Upsert encodes the annotation document. Tokens are written with $set so a
// re-run of the same batch replaces rather than duplicates them.
func (d *AnnotationDocument) Upsert() UpsertOp {
	return UpsertOp{
		ID:          d.ID,
		ProjectID:   d.ProjectID,
		LocationKey: d.LocationKey,
		Set: annotationSet{
			AnnotationOverwrite: d.Overwrite,
			Tokens:              d.Tokens,
		},
		SetOnInsert: d.InsertOnce,
		AddToSet:    unionOp(d.Union),
		Upsert:      true,
	}
}

// Upsert encodes the metadata document.
func (d *MetadataDocument) Upsert() UpsertOp {
	return UpsertOp{
		ID:          d.ID,
		ProjectID:   d.ProjectID,
		LocationKey: d.LocationKey,
		Set:         d.Overwrite,
		SetOnInsert: d.InsertOnce,
		AddToSet:    unionOp(d.Union),
		Upsert:      true,
	}
}

// AnnotationOps encodes a list of annotation documents in order.
func AnnotationOps(docs []*AnnotationDocument) []UpsertOp {
	ops := make([]UpsertOp, 0, len(docs))
	for _, d := range docs {
		ops = append(ops, d.Upsert())
	}
	return ops
}

// MetadataOps encodes a list of metadata documents in order.
func MetadataOps(docs []*MetadataDocument) []UpsertOp {
	ops := make([]UpsertOp, 0, len(docs))
	for _, d := range docs {
		ops = append(ops, d.Upsert())
	}
	return ops
}
