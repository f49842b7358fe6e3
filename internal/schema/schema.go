// Package schema holds the per-project field configuration and validates
// individual CSV values against it.
package schema

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// WidgetSelect marks a field whose values come from a fixed option list
const WidgetSelect = "select"

// Field describes one enabled data field of a project.
type Field struct {
	Key           string   `json:"key" yaml:"key"`
	Label         string   `json:"label" yaml:"label"`
	WidgetType    string   `json:"widget_type" yaml:"widget_type"`
	AllowedValues []string `json:"allowed_values,omitempty" yaml:"allowed_values,omitempty"`
}

// FieldSchema is the project configuration fetched once per batch.
// A nil or empty schema imposes no constraints.
type FieldSchema struct {
	Fields        []Field  `json:"fields" yaml:"fields"`
	SpeciesList   []string `json:"species_list,omitempty" yaml:"species_list,omitempty"`
	DailyTestTime string   `json:"daily_test_time,omitempty" yaml:"daily_test_time,omitempty"`
}

// Empty reports whether the schema carries no constraints at all.
func (fs *FieldSchema) Empty() bool {
	return fs == nil || (len(fs.Fields) == 0 && len(fs.SpeciesList) == 0 && fs.DailyTestTime == "")
}

// Validator answers allow-list and calibration questions for one batch.
type Validator struct {
	allowed       map[string]map[string]struct{}
	labels        map[string]string
	dailyTestTime string
}

// NewValidator builds a validator from a fetched schema. fs may be nil.
func NewValidator(fs *FieldSchema) *Validator {
	v := &Validator{
		allowed: make(map[string]map[string]struct{}),
		labels:  map[string]string{FieldSpecies: DefaultSpeciesLabel},
	}
	if fs == nil {
		return v
	}

	if len(fs.SpeciesList) > 0 {
		v.allowed[FieldSpecies] = toSet(fs.SpeciesList)
	}
	for _, f := range fs.Fields {
		if f.WidgetType == WidgetSelect && len(f.AllowedValues) > 0 {
			v.allowed[f.Key] = toSet(f.AllowedValues)
		}
		if f.Label != "" {
			v.labels[f.Key] = f.Label
		}
	}
	v.dailyTestTime = strings.TrimSpace(fs.DailyTestTime)
	return v
}

// Validate reports whether value is acceptable for field: true when the field
// has no allow-list or value is a member of it.
func (v *Validator) Validate(field, value string) bool {
	set, ok := v.allowed[field]
	if !ok {
		return true
	}
	_, ok = set[value]
	return ok
}

// IsTestShot reports whether a corrected datetime string ends with the
// project's recurring test time, regardless of date.
func (v *Validator) IsTestShot(correctedDateTime string) bool {
	if v.dailyTestTime == "" {
		return false
	}
	return strings.HasSuffix(strings.TrimSpace(correctedDateTime), v.dailyTestTime)
}

// Label returns the display label of a field, falling back to fallback.
func (v *Validator) Label(field, fallback string) string {
	if l, ok := v.labels[field]; ok {
		return l
	}
	return fallback
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, s := range values {
		set[s] = struct{}{}
	}
	return set
}

// LoadFile reads a FieldSchema from a YAML file.
func LoadFile(path string) (*FieldSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	var fs FieldSchema
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("parse schema file %s: %w", path, err)
	}
	return &fs, nil
}

// LoadFieldMap reads canonical-to-column overrides from a YAML file and
// applies them on top of the default template.
func LoadFieldMap(path string) (FieldMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read field map: %w", err)
	}
	var override FieldMap
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse field map %s: %w", path, err)
	}
	fm := DefaultFieldMap().Merge(override)
	if err := fm.Validate(); err != nil {
		return nil, fmt.Errorf("field map %s: %w", path, err)
	}
	return fm, nil
}
