package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/tabulahq/tabula/internal/canonical"
)

// rowInsertBatchSize bounds the multi-VALUES insert; SQLite caps host
// parameters at 999 by default and each row uses two.
const rowInsertBatchSize = 400

// RowRepo is the content-addressed row store: row_hash -> canonical_json.
// Inserts are idempotent by hash; two writers racing on the same hash are
// writing provably identical bytes.
type RowRepo struct {
	uow *UnitOfWork
}

// AddRowsIfNotExist inserts the given rows, ignoring hashes already present.
// Order-independent and safe to repeat.
func (r *RowRepo) AddRowsIfNotExist(ctx context.Context, rows []canonical.HashedRow) error {
	for start := 0; start < len(rows); start += rowInsertBatchSize {
		end := start + rowInsertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := r.insertBatch(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *RowRepo) insertBatch(ctx context.Context, rows []canonical.HashedRow) error {
	if len(rows) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO rows (row_hash, canonical_json) VALUES `)
	args := make([]interface{}, 0, len(rows)*2)
	seen := make(map[string]struct{}, len(rows))
	first := true
	for _, row := range rows {
		// The same hash twice in one statement would violate the PK before
		// ON CONFLICT applies.
		if _, dup := seen[row.Hash]; dup {
			continue
		}
		seen[row.Hash] = struct{}{}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString("(?, ?)")
		args = append(args, row.Hash, row.CanonicalJSON)
	}
	sb.WriteString(` ON CONFLICT (row_hash) DO NOTHING`)
	if _, err := r.uow.tx.ExecContext(ctx, r.uow.rebind(sb.String()), args...); err != nil {
		return fmt.Errorf("insert rows: %w", err)
	}
	return nil
}

// GetRowsByHash returns canonical JSON for each hash found. Missing hashes
// are simply absent from the result.
func (r *RowRepo) GetRowsByHash(ctx context.Context, hashes []string) (map[string]string, error) {
	result := make(map[string]string, len(hashes))
	for start := 0; start < len(hashes); start += rowInsertBatchSize {
		end := start + rowInsertBatchSize
		if end > len(hashes) {
			end = len(hashes)
		}
		query, args, err := sqlx.In(
			`SELECT row_hash, canonical_json FROM rows WHERE row_hash IN (?)`, hashes[start:end])
		if err != nil {
			return nil, fmt.Errorf("build row query: %w", err)
		}
		var batch []struct {
			RowHash       string `db:"row_hash"`
			CanonicalJSON string `db:"canonical_json"`
		}
		if err := r.uow.tx.SelectContext(ctx, &batch, r.uow.rebind(query), args...); err != nil {
			return nil, fmt.Errorf("get rows by hash: %w", err)
		}
		for _, row := range batch {
			result[row.RowHash] = row.CanonicalJSON
		}
	}
	return result, nil
}

// Count returns the total number of stored rows (test support).
func (r *RowRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.uow.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM rows`); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}
