package documents

import (
	"github.com/tendant/camera-trap-pipeline/internal/identity"
	"github.com/tendant/camera-trap-pipeline/internal/records"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

// DefaultImageURLPrefix is prepended by clients to a document's relative url
const DefaultImageURLPrefix = "https://s3-ap-northeast-1.amazonaws.com/camera-trap/"

// Contribution is everything one accepted row adds to its asset's documents.
type Contribution struct {
	Row            records.Normalized
	Token          Token
	Upload         pipeline.UploadContext
	ImageURLPrefix string
	Timezone       string
}

func (c Contribution) overwrite() Overwrite {
	prefix := c.ImageURLPrefix
	if prefix == "" {
		prefix = DefaultImageURLPrefix
	}
	return Overwrite{
		CorrectedTimestamp: c.Row.CorrectedTime.Unix(),
		CorrectedDateTime:  c.Row.CorrectedDateTime,
		ModifiedBy:         c.Upload.UserID,
		Type:               string(c.Row.AssetType),
		Year:               c.Row.Year,
		Month:              c.Row.Month,
		Day:                c.Row.Day,
		Hour:               c.Row.Hour,
		ImageURLPrefix:     prefix,
	}
}

func (c Contribution) insertOnce() InsertOnce {
	u := c.Upload.Normalized()
	return InsertOnce{
		URL:               c.Row.CanonicalPath,
		URLMD5:            c.Row.ContentID,
		OriginalTimestamp: c.Row.OriginalTime.Unix(),
		ProjectID:         u.ProjectID,
		ProjectTitle:      u.ProjectTitle,
		Site:              u.Site,
		SubSite:           u.SubSite,
		CameraLocation:    u.CameraLocation,
		LocationKey:       c.locationKey(),
		UploadedFileName:  c.Row.UploadedFileName,
		Timezone:          c.Timezone,
	}
}

func (c Contribution) locationKey() string {
	u := c.Upload.Normalized()
	return identity.LocationKey(u.ProjectID, u.Site, u.SubSite, u.CameraLocation)
}

// Annotation builds the single-row annotation document of c.
func (c Contribution) Annotation() *AnnotationDocument {
	return &AnnotationDocument{
		ID:          c.Row.ContentID,
		ProjectID:   c.Upload.ProjectID,
		LocationKey: c.locationKey(),
		Overwrite: AnnotationOverwrite{
			Overwrite:           c.overwrite(),
			MultimediaErrorFlag: c.Token.Invalid,
		},
		InsertOnce: c.insertOnce(),
		Union:      Union{}.Add(c.Upload.UploadSessionID),
		Tokens:     []Token{c.Token},
	}
}

// Metadata builds the single-row metadata document of c.
func (c Contribution) Metadata() *MetadataDocument {
	return &MetadataDocument{
		ID:          c.Row.ContentID,
		ProjectID:   c.Upload.ProjectID,
		LocationKey: c.locationKey(),
		Overwrite:   c.overwrite(),
		InsertOnce: MetadataInsertOnce{
			InsertOnce:     c.insertOnce(),
			DeviceMetadata: map[string]string{},
		},
		Union: Union{}.Add(c.Upload.UploadSessionID),
	}
}

// Aggregator keys documents by ContentID and remembers first-seen order so
// flattening is independent of map iteration.
type Aggregator struct {
	order       []string
	annotations map[string]*AnnotationDocument
	metadata    map[string]*MetadataDocument
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		annotations: make(map[string]*AnnotationDocument),
		metadata:    make(map[string]*MetadataDocument),
	}
}

// Add folds one accepted row into both documents of its asset.
func (a *Aggregator) Add(c Contribution) error {
	id := c.Row.ContentID

	ann, err := MergeAnnotation(a.annotations[id], c.Annotation())
	if err != nil {
		return err
	}
	meta, err := MergeMetadata(a.metadata[id], c.Metadata())
	if err != nil {
		return err
	}

	if _, ok := a.annotations[id]; !ok {
		a.order = append(a.order, id)
	}
	a.annotations[id] = ann
	a.metadata[id] = meta
	return nil
}

// Has reports whether a document exists for id.
func (a *Aggregator) Has(id string) bool {
	_, ok := a.annotations[id]
	return ok
}

// Len returns the number of distinct assets.
func (a *Aggregator) Len() int { return len(a.order) }

// Annotation returns the annotation document for id, or nil.
func (a *Aggregator) Annotation(id string) *AnnotationDocument { return a.annotations[id] }

// Annotations flattens the annotation documents in first-seen order.
func (a *Aggregator) Annotations() []*AnnotationDocument {
	out := make([]*AnnotationDocument, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.annotations[id])
	}
	return out
}

// Metadata flattens the metadata documents in first-seen order.
func (a *Aggregator) Metadata() []*MetadataDocument {
	out := make([]*MetadataDocument, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.metadata[id])
	}
	return out
}
