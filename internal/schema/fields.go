package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Canonical field names used throughout the pipeline
const (
	FieldDateTime          = "date_time"
	FieldCorrectedDateTime = "corrected_date_time"
	FieldSpecies           = "species"
	FieldProjectTitle      = "projectTitle"
	FieldProjectID         = "projectId"
	FieldSite              = "site"
	FieldSubSite           = "subSite"
	FieldCameraLocation    = "cameraLocation"
	FieldFilename          = "filename"
	FieldSex               = "sex"
	FieldLifeStage         = "lifeStage"
	FieldAntler            = "antler"
	FieldRemarks           = "remarks"
)

// Sentinel species values
const (
	SpeciesCalibration  = "定時測試"
	SpeciesUnidentified = "尚未辨識"
	DefaultSpeciesLabel = "物種"
)

// MetadataFields are the canonical fields that describe where and when an
// asset was captured rather than what it shows. They never become tokens.
var MetadataFields = []string{
	FieldProjectTitle,
	FieldProjectID,
	FieldSite,
	FieldSubSite,
	FieldCameraLocation,
	FieldDateTime,
	FieldCorrectedDateTime,
	FieldFilename,
}

// RequiredFields must be present in the CSV header or the batch is rejected.
var RequiredFields = []string{
	FieldSite,
	FieldCameraLocation,
	FieldFilename,
	FieldDateTime,
}

// IsMetadataField reports whether canonical belongs to MetadataFields.
func IsMetadataField(canonical string) bool {
	for _, f := range MetadataFields {
		if f == canonical {
			return true
		}
	}
	return false
}

// FieldMap translates canonical field names to the column headers used in
// uploaded CSV files.
type FieldMap map[string]string

// DefaultFieldMap returns the column headers of the standard survey template.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		FieldDateTime:          "時間",
		FieldSpecies:           "物種",
		FieldProjectTitle:      "計畫名稱",
		FieldProjectID:         "projectId",
		FieldSite:              "樣區",
		FieldSubSite:           "子樣區",
		FieldCameraLocation:    "相機位置",
		FieldFilename:          "檔名",
		FieldCorrectedDateTime: "正確時間",
		FieldSex:               "性別",
		FieldLifeStage:         "年齡",
		FieldAntler:            "角況",
		FieldRemarks:           "備註",
	}
}

// Column returns the CSV header for a canonical field, or the canonical name
// itself when unmapped.
func (m FieldMap) Column(canonical string) string {
	if col, ok := m[canonical]; ok && col != "" {
		return col
	}
	return canonical
}

// Canonical returns the canonical name for a CSV header. Unknown headers are
// returned unchanged with ok=false. When several fields share the column the
// lexically smallest name wins.
func (m FieldMap) Canonical(column string) (string, bool) {
	found, ok := "", false
	for canonical, col := range m {
		if col == column && (!ok || canonical < found) {
			found, ok = canonical, true
		}
	}
	if !ok {
		return column, false
	}
	return found, true
}

// Validate rejects maps that send two canonical fields to one column.
func (m FieldMap) Validate() error {
	owners := make(map[string][]string, len(m))
	for canonical := range m {
		owners[m.Column(canonical)] = append(owners[m.Column(canonical)], canonical)
	}
	var dups []string
	for col, names := range owners {
		if len(names) > 1 {
			sort.Strings(names)
			dups = append(dups, fmt.Sprintf("%q (%s)", col, strings.Join(names, ", ")))
		}
	}
	if len(dups) == 0 {
		return nil
	}
	sort.Strings(dups)
	return fmt.Errorf("columns mapped from more than one field: %s", strings.Join(dups, "; "))
}

// Merge returns a copy of m with the entries of override applied on top.
func (m FieldMap) Merge(override FieldMap) FieldMap {
	out := make(FieldMap, len(m)+len(override))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range override {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
