package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/canonical"
	"github.com/tabulahq/tabula/internal/models"
)

// LogicalRowIDKey is the synthetic column merged into rows returned by
// GetTableData.
const LogicalRowIDKey = "_logical_row_id"

// TableRow is one materialized row of a (commit, table) pair.
type TableRow struct {
	LogicalRowID string
	Values       canonical.Row
}

// TableReader reads rows, schemas and samples for (commit, table_key)
// addresses by joining the manifest with the row store. Single-table formats
// expose the table key "primary"; Excel commits expose one key per sheet.
type TableReader struct {
	uow *UnitOfWork
}

// ListTableKeys returns the table keys of a commit in ingestion order.
func (r *TableReader) ListTableKeys(ctx context.Context, commitID string) ([]string, error) {
	var keys []string
	query := r.uow.rebind(`
		SELECT table_key FROM commit_manifests
		WHERE commit_id = ?
		GROUP BY table_key
		ORDER BY MIN(position)`)
	if err := r.uow.tx.SelectContext(ctx, &keys, query, commitID); err != nil {
		return nil, fmt.Errorf("list table keys: %w", err)
	}
	return keys, nil
}

func (r *TableReader) requireTable(ctx context.Context, commitID, tableKey string) error {
	var n int
	query := r.uow.rebind(`
		SELECT COUNT(*) FROM commit_manifests
		WHERE commit_id = ? AND table_key = ? LIMIT 1`)
	if err := r.uow.tx.GetContext(ctx, &n, query, commitID, tableKey); err != nil {
		return fmt.Errorf("check table: %w", err)
	}
	if n == 0 {
		// An empty table can still be declared by the schema.
		schema, err := r.uow.Commits.GetSchema(ctx, commitID)
		if err == nil {
			if _, ok := schema[tableKey]; ok {
				return nil
			}
		}
		return apperrors.NotFound("table", tableKey)
	}
	return nil
}

// GetTableSchema returns the derived schema of one table, or NotFound.
func (r *TableReader) GetTableSchema(ctx context.Context, commitID, tableKey string) (*models.TableSchema, error) {
	schema, err := r.uow.Commits.GetSchema(ctx, commitID)
	if err != nil {
		return nil, err
	}
	table, ok := schema[tableKey]
	if !ok {
		return nil, apperrors.NotFound("table", tableKey)
	}
	return &table, nil
}

// CountTableRows counts the manifest entries of one table.
func (r *TableReader) CountTableRows(ctx context.Context, commitID, tableKey string) (int, error) {
	if err := r.requireTable(ctx, commitID, tableKey); err != nil {
		return 0, err
	}
	return r.uow.Commits.CountRows(ctx, commitID, &tableKey)
}

// GetTableData returns a page of rows in ingestion order; each row carries
// the synthetic _logical_row_id column.
func (r *TableReader) GetTableData(ctx context.Context, commitID, tableKey string, offset, limit int) ([]canonical.Row, error) {
	if err := r.requireTable(ctx, commitID, tableKey); err != nil {
		return nil, err
	}
	batch, err := r.fetchPage(ctx, commitID, tableKey, offset, limit)
	if err != nil {
		return nil, err
	}
	rows := make([]canonical.Row, len(batch))
	for i, tr := range batch {
		row := make(canonical.Row, len(tr.Values)+1)
		for k, v := range tr.Values {
			row[k] = v
		}
		row[LogicalRowIDKey] = tr.LogicalRowID
		rows[i] = row
	}
	return rows, nil
}

func (r *TableReader) fetchPage(ctx context.Context, commitID, tableKey string, offset, limit int) ([]TableRow, error) {
	type record struct {
		LogicalRowID  string `db:"logical_row_id"`
		CanonicalJSON string `db:"canonical_json"`
	}
	var records []record
	query := r.uow.rebind(`
		SELECT m.logical_row_id, r.canonical_json
		FROM commit_manifests m
		JOIN rows r ON r.row_hash = m.row_hash
		WHERE m.commit_id = ? AND m.table_key = ?
		ORDER BY m.position
		LIMIT ? OFFSET ?`)
	if err := r.uow.tx.SelectContext(ctx, &records, query, commitID, tableKey, limit, offset); err != nil {
		return nil, fmt.Errorf("get table data: %w", err)
	}
	out := make([]TableRow, len(records))
	for i, rec := range records {
		values, err := DecodeCanonicalRow(rec.CanonicalJSON)
		if err != nil {
			return nil, fmt.Errorf("decode row %s: %w", rec.LogicalRowID, err)
		}
		out[i] = TableRow{LogicalRowID: rec.LogicalRowID, Values: values}
	}
	return out, nil
}

// TableStream is a finite, non-restartable batch iterator over one table.
type TableStream struct {
	reader    *TableReader
	commitID  string
	tableKey  string
	batchSize int
	offset    int
	exhausted bool
}

// StreamTableData opens a batch stream over the table in ingestion order.
func (r *TableReader) StreamTableData(ctx context.Context, commitID, tableKey string, batchSize int) (*TableStream, error) {
	if batchSize < 1 {
		return nil, apperrors.Validationf("batch size must be >= 1")
	}
	if err := r.requireTable(ctx, commitID, tableKey); err != nil {
		return nil, err
	}
	return &TableStream{reader: r, commitID: commitID, tableKey: tableKey, batchSize: batchSize}, nil
}

// Next returns the next batch, or nil when the stream is exhausted.
func (s *TableStream) Next(ctx context.Context) ([]TableRow, error) {
	if s.exhausted {
		return nil, nil
	}
	batch, err := s.reader.fetchPage(ctx, s.commitID, s.tableKey, s.offset, s.batchSize)
	if err != nil {
		return nil, err
	}
	s.offset += len(batch)
	if len(batch) < s.batchSize {
		s.exhausted = true
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return batch, nil
}

// GetColumnSamples returns up to perColumn distinct values per requested
// column, in first-seen order.
func (r *TableReader) GetColumnSamples(ctx context.Context, commitID, tableKey string, columns []string, perColumn int) (map[string][]interface{}, error) {
	if perColumn < 1 {
		return nil, apperrors.Validationf("per-column sample size must be >= 1")
	}
	stream, err := r.StreamTableData(ctx, commitID, tableKey, 500)
	if err != nil {
		return nil, err
	}

	samples := make(map[string][]interface{}, len(columns))
	seen := make(map[string]map[string]struct{}, len(columns))
	for _, col := range columns {
		samples[col] = []interface{}{}
		seen[col] = make(map[string]struct{})
	}

	remaining := len(columns)
	for remaining > 0 {
		batch, err := stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}
		for _, row := range batch {
			for _, col := range columns {
				if len(samples[col]) >= perColumn {
					continue
				}
				value, ok := row.Values[col]
				if !ok {
					continue
				}
				key := distinctKey(value)
				if _, dup := seen[col][key]; dup {
					continue
				}
				seen[col][key] = struct{}{}
				samples[col] = append(samples[col], value)
				if len(samples[col]) == perColumn {
					remaining--
				}
			}
		}
	}
	return samples, nil
}

func distinctKey(value interface{}) string {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(b)
}

// DecodeCanonicalRow parses canonical JSON back into a row, keeping integer
// values as int64 rather than float64.
func DecodeCanonicalRow(canonicalJSON string) (canonical.Row, error) {
	dec := json.NewDecoder(strings.NewReader(canonicalJSON))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	row := make(canonical.Row, len(raw))
	for k, v := range raw {
		row[k] = normalizeDecoded(v)
	}
	return row, nil
}

func normalizeDecoded(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []interface{}:
		for i := range val {
			val[i] = normalizeDecoded(val[i])
		}
		return val
	case map[string]interface{}:
		for k := range val {
			val[k] = normalizeDecoded(val[k])
		}
		return val
	default:
		return v
	}
}
