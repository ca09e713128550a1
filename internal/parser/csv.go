package parser

import (
	"context"
	"encoding/csv"
	"io"
	"os"

	"github.com/tabulahq/tabula/internal/apperrors"
)

// CSVParser reads a comma-separated file into the single "primary" table.
// The first record is the header.
type CSVParser struct{}

// Parse implements Parser.
func (p *CSVParser) Parse(ctx context.Context, path string) (*ParsedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.ExternalService("csv parser", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, apperrors.Validationf("csv file is empty")
	}
	if err != nil {
		return nil, apperrors.ExternalService("csv parser", err)
	}

	var records [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.ExternalService("csv parser", err)
		}
		records = append(records, record)
	}

	return &ParsedFile{Tables: []ParsedTable{{
		Key:  PrimaryTableKey,
		Rows: rowsFromRecords(header, records),
	}}}, nil
}
