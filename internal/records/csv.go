// Package records turns uploaded CSV bytes into normalized per-asset rows.
package records

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmptyCSV is returned when the input has no header row
var ErrEmptyCSV = errors.New("csv has no header row")

const utf8BOM = "\ufeff"

// Row is one CSV record. Header is shared by every row of a file.
type Row struct {
	Index  int // 1-based position among data rows
	Header []string
	Values []string
}

// Get returns the trimmed value of column, or "" when absent.
func (r Row) Get(column string) string {
	for i, h := range r.Header {
		if h == column {
			if i < len(r.Values) {
				return r.Values[i]
			}
			return ""
		}
	}
	return ""
}

// Has reports whether column is part of the header.
func (r Row) Has(column string) bool {
	for _, h := range r.Header {
		if h == column {
			return true
		}
	}
	return false
}

// ReadRows parses a CSV stream using the first line as column names. Every
// field is trimmed, blank lines are skipped and short rows are padded.
func ReadRows(r io.Reader) ([]string, []Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil, ErrEmptyCSV
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], utf8BOM))
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read csv row %d: %w", len(rows)+1, err)
		}

		values := make([]string, len(header))
		blank := true
		for i := range header {
			if i < len(rec) {
				values[i] = strings.TrimSpace(rec[i])
			}
			if values[i] != "" {
				blank = false
			}
		}
		if blank {
			continue
		}
		rows = append(rows, Row{Index: len(rows) + 1, Header: header, Values: values})
	}

	return header, rows, nil
}
