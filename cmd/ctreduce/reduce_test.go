package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `檔名,時間,物種,樣區,相機位置
IMG_0001.JPG,2018/01/05 13:04:00,山羌,A,PT01
IMG_0002.JPG,2018/01/05 13:05:00,水鹿,A,PT01
`

type printed struct {
	Decision    string `json:"decision"`
	Status      string `json:"status"`
	LocationKey string `json:"full_camera_location_md5"`
	Errors      []string
	Span        struct {
		Rows     int    `json:"rows"`
		Earliest string `json:"earliestDataDate"`
		Latest   string `json:"latestDataDate"`
	} `json:"span"`
	Payloads []struct {
		Endpoint string            `json:"endpoint"`
		Post     []json.RawMessage `json:"post"`
	} `json:"payloads"`
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (printed, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"reduce"}, args...))
	err := cmd.Execute()

	var p printed
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &p), out.String())
	}
	return p, err
}

func uploadArgs(csv string) []string {
	return []string{"--csv", csv, "--project", "p1", "--site", "A", "--location", "PT01", "--session", "s1"}
}

func TestReduce_Commit(t *testing.T) {
	p, err := execute(t, uploadArgs(writeFile(t, "data.csv", sampleCSV))...)
	require.NoError(t, err)

	assert.Equal(t, "commit", p.Decision)
	assert.Equal(t, "SUCCESS", p.Status)
	assert.Len(t, p.LocationKey, 32)
	assert.Equal(t, 2, p.Span.Rows)
	assert.Equal(t, "2018/01/05 13:04:00", p.Span.Earliest)
	assert.Equal(t, "2018/01/05 13:05:00", p.Span.Latest)
	assert.Empty(t, p.Payloads)
}

func TestReduce_Payloads(t *testing.T) {
	args := append(uploadArgs(writeFile(t, "data.csv", sampleCSV)), "--payloads")
	p, err := execute(t, args...)
	require.NoError(t, err)

	require.Len(t, p.Payloads, 2)
	assert.Equal(t, "/media/annotation/bulk-update", p.Payloads[0].Endpoint)
	assert.Equal(t, "/media/bulk-update", p.Payloads[1].Endpoint)
	assert.Len(t, p.Payloads[0].Post, 2)
	assert.Len(t, p.Payloads[1].Post, 2)
}

func TestReduce_StrictRejectsMismatchedRows(t *testing.T) {
	csv := sampleCSV + "IMG_0003.JPG,2018/01/05 13:06:00,山羌,B,PT01\n"
	path := writeFile(t, "data.csv", csv)

	p, err := execute(t, uploadArgs(path)...)
	require.NoError(t, err)
	assert.Equal(t, "commit", p.Decision)
	assert.Equal(t, "ERROR", p.Status)
	assert.Len(t, p.Errors, 1)

	p, err = execute(t, append(uploadArgs(path), "--strict", "--payloads")...)
	require.NoError(t, err)
	assert.Equal(t, "reject", p.Decision)
	assert.Empty(t, p.Payloads)
}

func TestReduce_MissingColumnAborts(t *testing.T) {
	path := writeFile(t, "data.csv", "時間,物種,樣區,相機位置\n2018/01/05 13:04:00,山羌,A,PT01\n")

	p, err := execute(t, uploadArgs(path)...)
	require.Error(t, err)
	assert.Equal(t, "abort", p.Decision)
	require.Len(t, p.Errors, 1)
	assert.Contains(t, p.Errors[0], "檔名")
}

func TestReduce_SchemaFile(t *testing.T) {
	schemaPath := writeFile(t, "schema.yaml", "species_list: [山羌]\n")
	args := append(uploadArgs(writeFile(t, "data.csv", sampleCSV)), "--schema", schemaPath)

	p, err := execute(t, args...)
	require.NoError(t, err)
	// Species outside the list flag the token but keep the row.
	assert.Equal(t, "commit", p.Decision)
	assert.Equal(t, 2, p.Span.Rows)
}

func TestReduce_RequiredFlags(t *testing.T) {
	_, err := execute(t, "--project", "p1")
	assert.Error(t, err)
}
