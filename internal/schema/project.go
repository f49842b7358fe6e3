package schema

// DailyTest is one entry of a project's recurring test-shot history. The
// latest entry is in effect.
type DailyTest struct {
	Time string `json:"time" bson:"time"`
}

// ProjectFieldRow is one row of the project schema aggregation: an enabled
// field joined with the project-level species list and test-shot history,
// which repeat on every row.
type ProjectFieldRow struct {
	Key                 string      `json:"key" bson:"key"`
	Label               string      `json:"label" bson:"label"`
	WidgetType          string      `json:"widget_type" bson:"widget_type"`
	WidgetSelectOptions []string    `json:"widget_select_options,omitempty" bson:"widget_select_options,omitempty"`
	SpeciesList         []string    `json:"speciesList,omitempty" bson:"speciesList,omitempty"`
	DailyTestTime       []DailyTest `json:"dailyTestTime,omitempty" bson:"dailyTestTime,omitempty"`
}

// FromProjectRows folds aggregation rows into a FieldSchema. No rows means
// no constraints and yields nil.
func FromProjectRows(rows []ProjectFieldRow) *FieldSchema {
	if len(rows) == 0 {
		return nil
	}
	fs := &FieldSchema{SpeciesList: rows[0].SpeciesList}
	if n := len(rows[0].DailyTestTime); n > 0 {
		fs.DailyTestTime = rows[0].DailyTestTime[n-1].Time
	}
	for _, r := range rows {
		fs.Fields = append(fs.Fields, Field{
			Key:           r.Key,
			Label:         r.Label,
			WidgetType:    r.WidgetType,
			AllowedValues: r.WidgetSelectOptions,
		})
	}
	return fs
}

// ProjectPipeline is the aggregation over the Project collection that joins
// a project's enabled fields with their DataFieldAvailable definitions.
func ProjectPipeline(projectID string) []map[string]any {
	return []map[string]any{
		{"$match": map[string]any{"_id": projectID}},
		{"$unwind": "$dataFieldEnabled"},
		{"$lookup": map[string]any{
			"from":         "DataFieldAvailable",
			"localField":   "dataFieldEnabled",
			"foreignField": "key",
			"as":           "field_details",
		}},
		{"$unwind": "$field_details"},
		{"$project": map[string]any{
			"_id":                   false,
			"speciesList":           "$speciesList",
			"dailyTestTime":         "$dailyTestTime",
			"key":                   "$field_details.key",
			"label":                 "$field_details.label",
			"widget_type":           "$field_details.widget_type",
			"widget_select_options": "$field_details.widget_select_options",
		}},
	}
}
