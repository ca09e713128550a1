package parser

import (
	"context"
	"os"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/canonical"
)

// ParquetParser reads a flat parquet file into the single "primary" table.
// Nested groups flatten to dotted column names; repeated fields keep the
// last value.
type ParquetParser struct{}

// Parse implements Parser.
func (p *ParquetParser) Parse(ctx context.Context, path string) (*ParsedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.ExternalService("parquet parser", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, apperrors.ExternalService("parquet parser", err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, apperrors.ExternalService("parquet parser", err)
	}

	columnNames := make([]string, 0)
	for _, path := range pf.Schema().Columns() {
		columnNames = append(columnNames, strings.Join(path, "."))
	}

	var out []canonical.Row
	buf := make([]parquet.Row, 256)
	for _, rowGroup := range pf.RowGroups() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows := rowGroup.Rows()
		for {
			n, readErr := rows.ReadRows(buf)
			for _, pr := range buf[:n] {
				row := make(canonical.Row, len(columnNames))
				for _, name := range columnNames {
					row[name] = nil
				}
				for _, value := range pr {
					col := int(value.Column())
					if col < 0 || col >= len(columnNames) {
						continue
					}
					row[columnNames[col]] = parquetValue(value)
				}
				out = append(out, row)
			}
			if readErr != nil {
				break
			}
			if n == 0 {
				break
			}
		}
		rows.Close()
	}

	return &ParsedFile{Tables: []ParsedTable{{Key: PrimaryTableKey, Rows: out}}}, nil
}

func parquetValue(v parquet.Value) interface{} {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
