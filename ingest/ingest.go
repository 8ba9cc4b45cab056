// Package ingest parses decoded blackbox logs (tabular CSV, the output of
// the external blackbox_decode tool) into a telemetry.Store.
//
// The expected layout follows the Betaflight convention: optional "H key:value"
// metadata lines, a column header row, then one row per loop iteration with a
// monotonically increasing "time (us)" column and per-axis gyro and command
// columns (gyroADC[0..2], setpoint[0..2] or rcCommand[0..2], optional
// axisD[0..2]). Unknown columns are preserved as auxiliary raw channels.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Necrophillip/Open-Tuning-Tool/telemetry"
)

const microsPerSecond = 1e6

// Option configures ingestion.
type Option func(*config)

type config struct {
	logIndex int
}

// WithLogIndex tags the resulting store with its index in a multi-log session.
func WithLogIndex(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.logIndex = n
		}
	}
}

// ReadFile ingests a decoded CSV log from disk. The file's base name becomes
// the log identifier.
func ReadFile(path string, opts ...Option) (*telemetry.Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	defer f.Close()

	return Read(f, filepath.Base(path), opts...)
}

// Read ingests a decoded CSV log from r, producing an immutable store, or
// fails with *SchemaError, *EmptyLogError, or *MalformedRowError without
// producing a partial store.
func Read(r io.Reader, logID string, opts ...Option) (*telemetry.Store, error) {
	cfg := config{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	meta := telemetry.Metadata{LogIndex: cfg.logIndex}

	header, err := readHeader(cr, &meta)
	if err != nil {
		return nil, err
	}

	if header == nil {
		return nil, &EmptyLogError{Log: logID}
	}

	layout, err := resolveLayout(logID, header)
	if err != nil {
		return nil, err
	}

	rows, err := readRows(cr, logID, layout)
	if err != nil {
		return nil, err
	}

	if len(rows.time) == 0 {
		return nil, &EmptyLogError{Log: logID}
	}

	meta.StartMicros = rows.startMicros

	channels, err := buildChannels(layout, rows)
	if err != nil {
		return nil, err
	}

	meta.LoopInterval = channels[0].MedianInterval()

	return telemetry.NewStore(logID, channels, meta)
}

// readHeader consumes leading "H key:value" metadata records and returns the
// column header row, or nil at EOF.
func readHeader(cr *csv.Reader, meta *telemetry.Metadata) ([]string, error) {
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil, nil
		}

		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}

		if len(rec) >= 1 && strings.HasPrefix(rec[0], "H ") {
			parseMetaLine(strings.Join(rec, ","), meta)
			continue
		}

		header := make([]string, len(rec))
		for i, col := range rec {
			header[i] = strings.TrimSpace(col)
		}

		return header, nil
	}
}

// parseMetaLine extracts known keys from a Betaflight "H key:value" line.
func parseMetaLine(line string, meta *telemetry.Metadata) {
	line = strings.TrimPrefix(line, "H ")

	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}

	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	switch key {
	case "Firmware revision":
		meta.Firmware = value
	case "Craft name":
		meta.Craft = value
	}
}

// column binds a source CSV column index to a canonical channel.
type column struct {
	index int
	name  string
	unit  telemetry.Unit
}

// layout is the resolved column mapping for one log.
type layout struct {
	log      string
	timeIdx  int
	channels []column
}

// resolveLayout validates the schema and maps required, optional, and
// auxiliary columns. Missing gyro or command columns are a *SchemaError;
// missing D-term columns only degrade noise analysis and are skipped.
func resolveLayout(logID string, header []string) (*layout, error) {
	byName := make(map[string]int, len(header))
	for i, col := range header {
		byName[col] = i
	}

	lay := &layout{log: logID, timeIdx: -1}

	var missing []string

	if idx, ok := findColumn(byName, "time (us)", "time"); ok {
		lay.timeIdx = idx
	} else {
		missing = append(missing, "time (us)")
	}

	claimed := map[int]bool{lay.timeIdx: true}

	for _, axis := range telemetry.Axes {
		gyroCol := fmt.Sprintf("gyroADC[%d]", axis.Index())
		if idx, ok := byName[gyroCol]; ok {
			lay.channels = append(lay.channels, column{idx, telemetry.GyroChannel(axis), telemetry.UnitDegPerSec})
			claimed[idx] = true
		} else {
			missing = append(missing, gyroCol)
		}
	}

	for _, axis := range telemetry.Axes {
		setCol := fmt.Sprintf("setpoint[%d]", axis.Index())
		rcCol := fmt.Sprintf("rcCommand[%d]", axis.Index())

		if idx, ok := byName[setCol]; ok {
			lay.channels = append(lay.channels, column{idx, telemetry.SetpointChannel(axis), telemetry.UnitDegPerSec})
			claimed[idx] = true
		} else if idx, ok := byName[rcCol]; ok {
			lay.channels = append(lay.channels, column{idx, telemetry.SetpointChannel(axis), telemetry.UnitRaw})
			claimed[idx] = true
		} else {
			missing = append(missing, setCol+" or "+rcCol)
		}
	}

	if len(missing) > 0 {
		return nil, &SchemaError{Log: logID, Missing: missing}
	}

	// Optional D-term columns.
	for _, axis := range telemetry.Axes {
		if idx, ok := byName[fmt.Sprintf("axisD[%d]", axis.Index())]; ok {
			lay.channels = append(lay.channels, column{idx, telemetry.DTermChannel(axis), telemetry.UnitRaw})
			claimed[idx] = true
		}
	}

	// Everything else rides along as auxiliary raw channels.
	for i, col := range header {
		if claimed[i] || col == "" {
			continue
		}

		lay.channels = append(lay.channels, column{i, col, telemetry.UnitRaw})
	}

	return lay, nil
}

func findColumn(byName map[string]int, names ...string) (int, bool) {
	for _, n := range names {
		if idx, ok := byName[n]; ok {
			return idx, true
		}
	}

	return 0, false
}

// rowData accumulates parsed sample columns.
type rowData struct {
	time        []float64
	values      [][]float64
	startMicros float64
}

// readRows parses all data rows, converting the time column to seconds
// relative to the first sample and enforcing strict monotonicity.
func readRows(cr *csv.Reader, logID string, lay *layout) (*rowData, error) {
	rows := &rowData{values: make([][]float64, len(lay.channels))}

	// A row must cover every mapped column; anything shorter is truncated.
	needed := lay.timeIdx
	for _, col := range lay.channels {
		if col.index > needed {
			needed = col.index
		}
	}

	var prevMicros float64

	rowNum := 0

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("ingest: log %q: %w", logID, err)
		}

		rowNum++

		// Short rows (trailing garbage, truncated writes) are skipped whole
		// rather than failing the log or zero-filling the missing columns.
		if needed >= len(rec) {
			continue
		}

		micros, err := strconv.ParseFloat(strings.TrimSpace(rec[lay.timeIdx]), 64)
		if err != nil {
			return nil, &MalformedRowError{Log: logID, Row: rowNum, Column: "time (us)", Reason: "unparsable timestamp"}
		}

		if len(rows.time) > 0 && micros <= prevMicros {
			return nil, &MalformedRowError{
				Log: logID, Row: rowNum, Column: "time (us)",
				Reason: fmt.Sprintf("non-monotonic timestamp (%.0f after %.0f)", micros, prevMicros),
			}
		}

		if len(rows.time) == 0 {
			rows.startMicros = micros
		}

		rows.time = append(rows.time, (micros-rows.startMicros)/microsPerSecond)
		prevMicros = micros

		for ci, col := range lay.channels {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[col.index]), 64)
			if err != nil {
				return nil, &MalformedRowError{Log: logID, Row: rowNum, Column: col.name, Reason: "unparsable value"}
			}

			rows.values[ci] = append(rows.values[ci], v)
		}
	}

	return rows, nil
}

func buildChannels(lay *layout, rows *rowData) ([]*telemetry.Channel, error) {
	channels := make([]*telemetry.Channel, 0, len(lay.channels))

	for ci, col := range lay.channels {
		ch, err := telemetry.NewChannel(col.name, col.unit, rows.time, rows.values[ci])
		if err != nil {
			return nil, fmt.Errorf("ingest: log %q: %w", lay.log, err)
		}

		channels = append(channels, ch)
	}

	return channels, nil
}
