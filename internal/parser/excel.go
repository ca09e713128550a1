package parser

import (
	"context"

	"github.com/xuri/excelize/v2"

	"github.com/tabulahq/tabula/internal/apperrors"
)

// ExcelParser reads a workbook into one table per sheet, in sheet order.
// Sheet names are the table keys.
type ExcelParser struct{}

// Parse implements Parser.
func (p *ExcelParser) Parse(ctx context.Context, path string) (*ParsedFile, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, apperrors.ExternalService("excel parser", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, apperrors.Validationf("workbook has no sheets")
	}

	parsed := &ParsedFile{}
	for _, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records, err := f.GetRows(sheet)
		if err != nil {
			return nil, apperrors.ExternalService("excel parser", err)
		}
		table := ParsedTable{Key: sheet}
		if len(records) > 0 {
			table.Rows = rowsFromRecords(records[0], records[1:])
		}
		parsed.Tables = append(parsed.Tables, table)
	}
	return parsed, nil
}
