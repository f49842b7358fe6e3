package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *FieldSchema {
	return &FieldSchema{
		Fields: []Field{
			{Key: FieldSex, Label: "性別", WidgetType: WidgetSelect, AllowedValues: []string{"雄", "雌", "無法判定"}},
			{Key: FieldRemarks, Label: "備註", WidgetType: "text"},
			{Key: FieldLifeStage, Label: "年齡", WidgetType: WidgetSelect},
		},
		SpeciesList:   []string{"山羌", "水鹿", SpeciesCalibration},
		DailyTestTime: "12:00:00",
	}
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator(testSchema())

	tests := []struct {
		name  string
		field string
		value string
		want  bool
	}{
		{"species in list", FieldSpecies, "山羌", true},
		{"species not in list", FieldSpecies, "貓", false},
		{"select option", FieldSex, "雌", true},
		{"select unknown option", FieldSex, "x", false},
		{"free text field", FieldRemarks, "anything", true},
		{"select without options", FieldLifeStage, "adult", true},
		{"unknown field", "weather", "rain", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.Validate(tt.field, tt.value))
		})
	}
}

func TestValidator_NilSchemaAcceptsEverything(t *testing.T) {
	v := NewValidator(nil)
	assert.True(t, v.Validate(FieldSpecies, "anything"))
	assert.False(t, v.IsTestShot("2018/01/05 12:00:00"))
	assert.Equal(t, DefaultSpeciesLabel, v.Label(FieldSpecies, "物種欄"))
}

func TestValidator_EmptySpeciesListIsNoRestriction(t *testing.T) {
	v := NewValidator(&FieldSchema{SpeciesList: []string{}})
	assert.True(t, v.Validate(FieldSpecies, "山羌"))
}

func TestValidator_IsTestShot(t *testing.T) {
	v := NewValidator(testSchema())

	assert.True(t, v.IsTestShot("2018/01/05 12:00:00"))
	assert.True(t, v.IsTestShot("2019-07-30 12:00:00"))
	assert.False(t, v.IsTestShot("2018/01/05 12:00:01"))
	assert.False(t, v.IsTestShot("12:00:00 2018/01/05"))
}

func TestValidator_Label(t *testing.T) {
	v := NewValidator(testSchema())
	assert.Equal(t, "性別", v.Label(FieldSex, "sex column"))
	assert.Equal(t, "weather", v.Label("weather", "weather"))
}

func TestFieldSchema_Empty(t *testing.T) {
	var nilSchema *FieldSchema
	assert.True(t, nilSchema.Empty())
	assert.True(t, (&FieldSchema{}).Empty())
	assert.False(t, testSchema().Empty())
}

func TestFieldMap(t *testing.T) {
	m := DefaultFieldMap()

	assert.Equal(t, "物種", m.Column(FieldSpecies))
	assert.Equal(t, "weather", m.Column("weather"))

	canonical, ok := m.Canonical("相機位置")
	assert.True(t, ok)
	assert.Equal(t, FieldCameraLocation, canonical)

	canonical, ok = m.Canonical("weather")
	assert.False(t, ok)
	assert.Equal(t, "weather", canonical)

	merged := m.Merge(FieldMap{FieldSpecies: "species"})
	assert.Equal(t, "species", merged.Column(FieldSpecies))
	assert.Equal(t, "物種", m.Column(FieldSpecies), "merge must not mutate the receiver")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	content := `
fields:
  - key: sex
    label: 性別
    widget_type: select
    allowed_values: [雄, 雌]
species_list: [山羌, 水鹿]
daily_test_time: "12:00:00"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	fs, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"山羌", "水鹿"}, fs.SpeciesList)
	assert.Equal(t, "12:00:00", fs.DailyTestTime)
	require.Len(t, fs.Fields, 1)
	assert.Equal(t, []string{"雄", "雌"}, fs.Fields[0].AllowedValues)
}

func TestLoadFieldMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fields.yaml")
	require.NoError(t, os.WriteFile(path, []byte("species: Species\nsite: Site\n"), 0o644))

	m, err := LoadFieldMap(path)
	require.NoError(t, err)
	assert.Equal(t, "Species", m.Column(FieldSpecies))
	assert.Equal(t, "Site", m.Column(FieldSite))
	assert.Equal(t, "相機位置", m.Column(FieldCameraLocation))
}

func TestLoadFieldMap_SharedColumnRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.yaml")
	require.NoError(t, os.WriteFile(path, []byte("remarks: 物種\n"), 0o644))

	_, err := LoadFieldMap(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"物種" (remarks, species)`)
}

func TestFieldMap_CanonicalSharedColumnIsStable(t *testing.T) {
	m := FieldMap{FieldSpecies: "animal", FieldRemarks: "animal", FieldSite: "site"}
	require.Error(t, m.Validate())
	assert.NoError(t, DefaultFieldMap().Validate())

	for i := 0; i < 50; i++ {
		canonical, ok := m.Canonical("animal")
		require.True(t, ok)
		require.Equal(t, FieldRemarks, canonical)
	}
}

func TestFromProjectRows(t *testing.T) {
	assert.Nil(t, FromProjectRows(nil))

	fs := FromProjectRows([]ProjectFieldRow{
		{
			Key: FieldSex, Label: "性別", WidgetType: WidgetSelect,
			WidgetSelectOptions: []string{"雄", "雌"},
			SpeciesList:         []string{"山羌"},
			DailyTestTime:       []DailyTest{{Time: "00:00:00"}, {Time: "12:00:00"}},
		},
		{Key: FieldRemarks, Label: "備註", WidgetType: "text", SpeciesList: []string{"山羌"}},
	})
	require.NotNil(t, fs)
	assert.Equal(t, "12:00:00", fs.DailyTestTime, "latest test time wins")
	assert.Equal(t, []string{"山羌"}, fs.SpeciesList)
	require.Len(t, fs.Fields, 2)
	assert.Equal(t, []string{"雄", "雌"}, fs.Fields[0].AllowedValues)

	v := NewValidator(fs)
	assert.False(t, v.Validate(FieldSex, "x"))
	assert.True(t, v.IsTestShot("2018/01/05 12:00:00"))
}
