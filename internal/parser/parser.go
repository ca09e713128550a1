// Package parser turns uploaded tabular files into ordered in-memory tables.
// The factory is an injected capability of the import worker; the versioning
// core only depends on the ParsedFile shape.
package parser

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/canonical"
)

// PrimaryTableKey is the synthetic table key of single-table formats.
const PrimaryTableKey = "primary"

// ParsedTable is one logical table in file order.
type ParsedTable struct {
	Key  string
	Rows []canonical.Row
}

// ParsedFile preserves table order (Excel sheet order matters for
// deterministic manifests).
type ParsedFile struct {
	Tables []ParsedTable
}

// Parser reads one file format.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParsedFile, error)
}

// Factory selects a parser by filename extension.
type Factory struct {
	byExtension map[string]Parser
}

// NewFactory registers the built-in parsers: .csv, .xlsx, .xls, .parquet.
func NewFactory() *Factory {
	f := &Factory{byExtension: make(map[string]Parser)}
	f.Register(".csv", &CSVParser{})
	excel := &ExcelParser{}
	f.Register(".xlsx", excel)
	f.Register(".xls", excel)
	f.Register(".parquet", &ParquetParser{})
	return f
}

// Register adds or replaces the parser for an extension.
func (f *Factory) Register(extension string, p Parser) {
	f.byExtension[strings.ToLower(extension)] = p
}

// ForFilename returns the parser for the file's extension.
func (f *Factory) ForFilename(filename string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	p, ok := f.byExtension[ext]
	if !ok {
		return nil, apperrors.Validationf("unsupported file extension %q", ext)
	}
	return p, nil
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// inferValue converts a raw cell string to a typed value. Empty cells become
// nulls; everything that is not a number, boolean or timestamp stays a string.
func inferValue(raw string) interface{} {
	if raw == "" {
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	for _, layout := range datetimeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return raw
}

// rowsFromRecords builds rows from a header line plus data records. Short
// records pad with nulls; long records drop the overflow.
func rowsFromRecords(header []string, records [][]string) []canonical.Row {
	rows := make([]canonical.Row, 0, len(records))
	for _, record := range records {
		row := make(canonical.Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = inferValue(record[i])
			} else {
				row[col] = nil
			}
		}
		rows = append(rows, row)
	}
	return rows
}
