package ingest

import (
	"fmt"
	"strings"
)

// SchemaError reports required columns missing from the tabular input.
// The log is not ingested; no partial store is produced.
type SchemaError struct {
	Log     string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("ingest: log %q: required columns missing: %s",
		e.Log, strings.Join(e.Missing, ", "))
}

// EmptyLogError reports an input with a valid schema but zero usable rows.
type EmptyLogError struct {
	Log string
}

func (e *EmptyLogError) Error() string {
	return fmt.Sprintf("ingest: log %q: no usable data rows", e.Log)
}

// MalformedRowError reports an unparsable or non-monotonic row. Row is the
// 1-based data row index, after the column header.
type MalformedRowError struct {
	Log    string
	Row    int
	Column string
	Reason string
}

func (e *MalformedRowError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("ingest: log %q: row %d, column %q: %s", e.Log, e.Row, e.Column, e.Reason)
	}

	return fmt.Sprintf("ingest: log %q: row %d: %s", e.Log, e.Row, e.Reason)
}
