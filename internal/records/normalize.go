package records

import (
	"fmt"
	"strings"
	"time"

	"github.com/tendant/camera-trap-pipeline/internal/identity"
	"github.com/tendant/camera-trap-pipeline/internal/schema"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

// AssetType classifies an asset by file extension
type AssetType string

// Asset types
const (
	StillImage  AssetType = "StillImage"
	MovingImage AssetType = "MovingImage"
	Invalid     AssetType = "Invalid"
)

// DefaultOffsetHours is the fixed zone survey timestamps are recorded in
const DefaultOffsetHours = 8

var timeLayouts = []string{
	"2006/01/02 15:04:05",
	"2006:01:02 15:04:05", // EXIF
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/1/2 15:04:05",
	"2006/01/02 15:04",
	"2006-01-02 15:04",
}

// Normalized is a row with its derived timestamps, asset type and identity.
type Normalized struct {
	Row               Row
	OriginalTime      time.Time
	CorrectedTime     time.Time
	CorrectedDateTime string // the string the corrected time was parsed from
	Year, Month       int
	Day, Hour         int
	AssetType         AssetType
	UploadedFileName  string // file name as uploaded, without directories
	Path              identity.PathParts
	CanonicalPath     string
	ContentID         string
}

// Normalizer maps raw CSV columns onto canonical fields and derives identity.
type Normalizer struct {
	fields schema.FieldMap
	zone   *time.Location
	offset int
}

// NewNormalizer creates a normalizer parsing timestamps at a fixed UTC offset.
func NewNormalizer(fields schema.FieldMap, offsetHours int) *Normalizer {
	if fields == nil {
		fields = schema.DefaultFieldMap()
	}
	return &Normalizer{
		fields: fields,
		zone:   time.FixedZone(fmt.Sprintf("UTC%+d", offsetHours), offsetHours*3600),
		offset: offsetHours,
	}
}

// Fields returns the field map in use.
func (n *Normalizer) Fields() schema.FieldMap { return n.fields }

// Zone returns the fixed zone timestamps are parsed in.
func (n *Normalizer) Zone() *time.Location { return n.zone }

// TimezoneLabel renders the offset the way documents store it, e.g. "+8".
func (n *Normalizer) TimezoneLabel() string {
	return fmt.Sprintf("%+d", n.offset)
}

// ParseTime parses a survey timestamp in the normalizer's fixed zone.
func (n *Normalizer) ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, n.zone); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Value returns the raw value of a canonical field in row.
func (n *Normalizer) Value(row Row, canonical string) string {
	return row.Get(n.fields.Column(canonical))
}

// Normalize derives timestamps, asset type and canonical identity for a row.
// The location always comes from the upload, not from the row.
func (n *Normalizer) Normalize(row Row, upload pipeline.UploadContext) (Normalized, error) {
	loc := upload.Normalized()

	raw := n.Value(row, schema.FieldDateTime)
	original, err := n.ParseTime(raw)
	if err != nil {
		return Normalized{}, fmt.Errorf("column %q: %w", n.fields.Column(schema.FieldDateTime), err)
	}

	correctedRaw := n.Value(row, schema.FieldCorrectedDateTime)
	if correctedRaw == "" {
		correctedRaw = raw
	}
	corrected, err := n.ParseTime(correctedRaw)
	if err != nil {
		return Normalized{}, fmt.Errorf("column %q: %w", n.fields.Column(schema.FieldCorrectedDateTime), err)
	}

	uploaded := BaseFileName(n.Value(row, schema.FieldFilename))
	stem, ext := SplitExt(uploaded)
	assetType, root, ext := ClassifyExt(ext)

	parts := identity.PathParts{
		Root:           root,
		ProjectID:      loc.ProjectID,
		Site:           loc.Site,
		SubSite:        loc.SubSite,
		CameraLocation: loc.CameraLocation,
		BaseName:       stem,
		OriginalEpoch:  original.Unix(),
		Ext:            ext,
	}
	path := identity.CanonicalPath(parts)

	return Normalized{
		Row:               row,
		OriginalTime:      original,
		CorrectedTime:     corrected,
		CorrectedDateTime: correctedRaw,
		Year:              corrected.Year(),
		Month:             int(corrected.Month()),
		Day:               corrected.Day(),
		Hour:              corrected.Hour(),
		AssetType:         assetType,
		UploadedFileName:  uploaded,
		Path:              parts,
		CanonicalPath:     path,
		ContentID:         identity.ContentID(path),
	}, nil
}

// BaseFileName strips any directory components from a file name.
func BaseFileName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

// SplitExt splits a file name at its last dot. A name without a dot has no
// extension.
func SplitExt(name string) (stem, ext string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

// ClassifyExt maps an extension to an asset type, type root and normalised
// extension. Unknown extensions are kept as-is and classified Invalid.
func ClassifyExt(ext string) (AssetType, string, string) {
	switch strings.ToLower(ext) {
	case "jpg", "jpeg":
		return StillImage, identity.RootImages, "jpg"
	case "mp4":
		return MovingImage, identity.RootVideo, "mp4"
	case "avi":
		return MovingImage, identity.RootVideo, "avi"
	default:
		return Invalid, identity.RootImages, ext
	}
}
