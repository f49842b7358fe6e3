package batch

import (
	"github.com/tendant/camera-trap-pipeline/internal/documents"
	"github.com/tendant/camera-trap-pipeline/internal/records"
	"github.com/tendant/camera-trap-pipeline/internal/schema"
	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

// ReducerConfig tunes row reduction. The zero value uses the default field
// map, the UTC+8 zone and the default image url prefix.
type ReducerConfig struct {
	Normalizer     *records.Normalizer
	ImageURLPrefix string
}

// Reducer folds the rows of one batch into documents. It holds the batch's
// schema snapshot and upload context and is not shared between batches.
type Reducer struct {
	normalizer *records.Normalizer
	validator  *schema.Validator
	upload     pipeline.UploadContext
	prefix     string
}

// NewReducer creates a reducer for one batch. fs may be nil. The upload is
// normalized so rows are checked against the same sub-site their paths use.
func NewReducer(fs *schema.FieldSchema, upload pipeline.UploadContext, cfg ReducerConfig) *Reducer {
	n := cfg.Normalizer
	if n == nil {
		n = records.NewNormalizer(nil, records.DefaultOffsetHours)
	}
	return &Reducer{
		normalizer: n,
		validator:  schema.NewValidator(fs),
		upload:     upload.Normalized(),
		prefix:     cfg.ImageURLPrefix,
	}
}

// Reduction is the result of folding every row of a batch.
type Reduction struct {
	Upload         pipeline.UploadContext
	LocationKey    string
	Annotations    []*documents.AnnotationDocument
	Metadata       []*documents.MetadataDocument
	Span           Span
	Rejected       []*RowRejected
	Invalid        []*FieldValidationFailure
	ProblematicIDs []string
	Rows           int
}

// ErrorLines returns one human-readable line per rejected row.
func (r *Reduction) ErrorLines() []string {
	lines := make([]string, 0, len(r.Rejected))
	for _, rej := range r.Rejected {
		lines = append(lines, rej.Error())
	}
	return lines
}

// Mismatched reports whether any row was rejected for contradicting the
// upload's metadata.
func (r *Reduction) Mismatched() bool {
	for _, rej := range r.Rejected {
		if len(rej.Mismatches) > 0 {
			return true
		}
	}
	return false
}

// Reduce checks the header and folds rows in source order. A missing
// required column returns a *FatalBatchError and no reduction.
func (r *Reducer) Reduce(header []string, rows []records.Row) (*Reduction, error) {
	fm := r.normalizer.Fields()

	present := make(map[string]struct{}, len(header))
	for _, h := range header {
		present[h] = struct{}{}
	}
	var missing []string
	for _, f := range schema.RequiredFields {
		if _, ok := present[fm.Column(f)]; !ok {
			missing = append(missing, fm.Column(f))
		}
	}
	if len(missing) > 0 {
		return nil, &FatalBatchError{Missing: missing}
	}

	red := &Reduction{
		Upload:      r.upload,
		LocationKey: locationKey(r.upload),
		Rows:        len(rows),
	}
	agg := documents.NewAggregator()
	problematic := make(map[string]struct{})

	for _, row := range rows {
		norm, err := r.normalizer.Normalize(row, r.upload)
		if err != nil {
			red.Rejected = append(red.Rejected, &RowRejected{Row: row.Index, Cause: err})
			continue
		}

		if r.validator.IsTestShot(norm.CorrectedDateTime) {
			row = withValue(row, fm.Column(schema.FieldSpecies), schema.SpeciesCalibration)
			norm.Row = row
		}

		if mm := r.mismatches(row); len(mm) > 0 {
			red.Rejected = append(red.Rejected, &RowRejected{Row: row.Index, ContentID: norm.ContentID, Mismatches: mm})
			if _, ok := problematic[norm.ContentID]; !ok {
				problematic[norm.ContentID] = struct{}{}
				red.ProblematicIDs = append(red.ProblematicIDs, norm.ContentID)
			}
			continue
		}

		token, invalid := r.token(row, norm.ContentID)
		red.Invalid = append(red.Invalid, invalid...)

		err = agg.Add(documents.Contribution{
			Row:            norm,
			Token:          token,
			Upload:         r.upload,
			ImageURLPrefix: r.prefix,
			Timezone:       r.normalizer.TimezoneLabel(),
		})
		if err != nil {
			return nil, err
		}
		red.Span.extend(norm.CorrectedTime.Unix(), norm.CorrectedDateTime)
	}

	red.Annotations = agg.Annotations()
	red.Metadata = agg.Metadata()
	return red, nil
}

// mismatches compares the row's metadata columns against the upload. Empty
// row values and fields the upload does not carry are not compared.
func (r *Reducer) mismatches(row records.Row) []FieldMismatch {
	var out []FieldMismatch
	fm := r.normalizer.Fields()
	for _, f := range schema.MetadataFields {
		tag, ok := r.upload.Tag(f)
		if !ok {
			continue
		}
		col := fm.Column(f)
		v := row.Get(col)
		if v != "" && v != tag {
			out = append(out, FieldMismatch{Column: col, Expected: tag, Got: v})
		}
	}
	return out
}

// token projects the non-metadata columns of row, in header order, into a
// token and flags values outside their allow-lists.
func (r *Reducer) token(row records.Row, contentID string) (documents.Token, []*FieldValidationFailure) {
	fm := r.normalizer.Fields()
	var (
		tok     documents.Token
		invalid []*FieldValidationFailure
	)
	for i, col := range row.Header {
		key, _ := fm.Canonical(col)
		if schema.IsMetadataField(key) {
			continue
		}
		var v string
		if i < len(row.Values) {
			v = row.Values[i]
		}
		ok := r.validator.Validate(key, v)
		if !ok {
			tok.Invalid = true
			invalid = append(invalid, &FieldValidationFailure{Row: row.Index, ContentID: contentID, Field: key, Value: v})
		}
		tok.Data = append(tok.Data, documents.TokenField{
			Key:     key,
			Label:   r.validator.Label(key, col),
			Value:   v,
			Invalid: !ok,
		})
	}

	tok.SpeciesShortcut = row.Get(fm.Column(schema.FieldSpecies))
	if tok.SpeciesShortcut == "" {
		tok.SpeciesShortcut = schema.SpeciesUnidentified
	}
	return tok, invalid
}

// withValue returns a copy of row with column set to value, appending the
// column when the header lacks it.
func withValue(row records.Row, column, value string) records.Row {
	header := append([]string(nil), row.Header...)
	values := append([]string(nil), row.Values...)
	for len(values) < len(header) {
		values = append(values, "")
	}
	for i, h := range header {
		if h == column {
			values[i] = value
			return records.Row{Index: row.Index, Header: header, Values: values}
		}
	}
	header = append(header, column)
	values = append(values, value)
	return records.Row{Index: row.Index, Header: header, Values: values}
}
