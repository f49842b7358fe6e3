package documents

import (
	"github.com/tendant/camera-trap-pipeline/internal/schema"
)

// MediaAsset is a single uploaded image described by its own device
// metadata rather than by a CSV row. It writes to the same documents a CSV
// row for the file would, with the groups swapped: device metadata is
// overwritten while time, calendar fields and the placeholder token are only
// set when the media side creates the document.
type MediaAsset struct {
	Contribution
	ModifyDate     string
	DeviceMetadata map[string]string
}

// MediaSet is what every media-side upsert overwrites.
type MediaSet struct {
	Type           string `json:"type" bson:"type"`
	ImageURLPrefix string `json:"imageUrlPrefix" bson:"imageUrlPrefix"`
	ModifiedBy     string `json:"modifiedBy" bson:"modifiedBy"`
}

type mediaMetadataSet struct {
	MediaSet       `bson:",inline"`
	ModifyDate     string            `json:"modify_date" bson:"modify_date"`
	DeviceMetadata map[string]string `json:"device_metadata" bson:"device_metadata"`
}

// MediaTiming is the capture time a media-side upsert sets on creation.
type MediaTiming struct {
	CorrectedTimestamp int64  `json:"date_time_corrected_timestamp" bson:"date_time_corrected_timestamp"`
	CorrectedDateTime  string `json:"corrected_date_time" bson:"corrected_date_time"`
	Year               int    `json:"year" bson:"year"`
	Month              int    `json:"month" bson:"month"`
	Day                int    `json:"day" bson:"day"`
	Hour               int    `json:"hour" bson:"hour"`
}

type mediaAnnotationInsert struct {
	InsertOnce          `bson:",inline"`
	MediaTiming         `bson:",inline"`
	MultimediaErrorFlag bool    `json:"multimedia_error_flag" bson:"multimedia_error_flag"`
	Tokens              []Token `json:"tokens" bson:"tokens"`
}

type mediaMetadataInsert struct {
	InsertOnce  `bson:",inline"`
	MediaTiming `bson:",inline"`
}

// PlaceholderToken stands in for the annotation until a CSV describes the
// asset.
func PlaceholderToken() Token {
	return Token{
		Data: []TokenField{{
			Key:   schema.FieldSpecies,
			Label: schema.DefaultSpeciesLabel,
			Value: schema.SpeciesUnidentified,
		}},
		SpeciesShortcut: schema.SpeciesUnidentified,
	}
}

func (m MediaAsset) set() MediaSet {
	o := m.overwrite()
	return MediaSet{Type: o.Type, ImageURLPrefix: o.ImageURLPrefix, ModifiedBy: o.ModifiedBy}
}

func (m MediaAsset) timing() MediaTiming {
	o := m.overwrite()
	return MediaTiming{
		CorrectedTimestamp: o.CorrectedTimestamp,
		CorrectedDateTime:  o.CorrectedDateTime,
		Year:               o.Year,
		Month:              o.Month,
		Day:                o.Day,
		Hour:               o.Hour,
	}
}

// AnnotationOp is the media-side annotation upsert.
func (m MediaAsset) AnnotationOp() UpsertOp {
	return UpsertOp{
		ID:          m.Row.ContentID,
		ProjectID:   m.Upload.ProjectID,
		LocationKey: m.locationKey(),
		Set:         m.set(),
		SetOnInsert: mediaAnnotationInsert{
			InsertOnce:  m.insertOnce(),
			MediaTiming: m.timing(),
			Tokens:      []Token{PlaceholderToken()},
		},
		AddToSet: unionOp(Union{}.Add(m.Upload.UploadSessionID)),
		Upsert:   true,
	}
}

// MetadataOp is the media-side metadata upsert.
func (m MediaAsset) MetadataOp() UpsertOp {
	dev := m.DeviceMetadata
	if dev == nil {
		dev = map[string]string{}
	}
	return UpsertOp{
		ID:          m.Row.ContentID,
		ProjectID:   m.Upload.ProjectID,
		LocationKey: m.locationKey(),
		Set: mediaMetadataSet{
			MediaSet:       m.set(),
			ModifyDate:     m.ModifyDate,
			DeviceMetadata: dev,
		},
		SetOnInsert: mediaMetadataInsert{
			InsertOnce:  m.insertOnce(),
			MediaTiming: m.timing(),
		},
		AddToSet: unionOp(Union{}.Add(m.Upload.UploadSessionID)),
		Upsert:   true,
	}
}
