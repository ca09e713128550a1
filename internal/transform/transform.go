// Package transform executes a user-supplied SQL query over materialized
// source tables and returns the result rows. Each run loads the sources
// into a private in-memory SQLite database, flips it to query_only, and
// lets the engine itself reject anything that is not a read-only query.
package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/canonical"
)

// Source is one named relation available to the query.
type Source struct {
	Alias   string
	Columns []string
	Rows    []canonical.Row
}

// Result carries the query output with the engine's column order.
type Result struct {
	Columns []string
	Rows    []canonical.Row
}

const insertBatchSize = 200

// Execute runs one read-only SQL statement over the sources.
func Execute(ctx context.Context, sources []Source, query string) (*Result, error) {
	if err := validateSingleStatement(query); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, apperrors.Validationf("sql transform requires at least one source")
	}

	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, apperrors.ExternalService("sql engine", err)
	}
	defer db.Close()
	// One connection keeps the memory database alive for the whole run.
	db.SetMaxOpenConns(1)

	for _, src := range sources {
		if err := loadSource(ctx, db, src); err != nil {
			return nil, err
		}
	}

	if _, err := db.ExecContext(ctx, `PRAGMA query_only = ON`); err != nil {
		return nil, apperrors.ExternalService("sql engine", err)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Validationf("sql execution failed: %v", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, apperrors.ExternalService("sql engine", err)
	}

	result := &Result{Columns: columns}
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperrors.ExternalService("sql engine", err)
		}
		row := make(canonical.Row, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Validationf("sql execution failed: %v", err)
	}
	return result, nil
}

func loadSource(ctx context.Context, db *sqlx.DB, src Source) error {
	if src.Alias == "" {
		return apperrors.Validationf("source alias must not be empty")
	}
	if !validIdentifier(src.Alias) {
		return apperrors.Validationf("invalid source alias %q", src.Alias)
	}

	columns := src.Columns
	if len(columns) == 0 {
		columns = unionColumns(src.Rows)
	}
	if len(columns) == 0 {
		return apperrors.Validationf("source %q has no columns", src.Alias)
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdentifier(col)
	}
	ddl := fmt.Sprintf(`CREATE TABLE %s (%s)`, quoteIdentifier(src.Alias), strings.Join(quoted, ", "))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return apperrors.ExternalService("sql engine", err)
	}

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES `, quoteIdentifier(src.Alias), strings.Join(quoted, ", "))

	for start := 0; start < len(src.Rows); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(src.Rows) {
			end = len(src.Rows)
		}
		batch := src.Rows[start:end]
		args := make([]interface{}, 0, len(batch)*len(columns))
		tuples := make([]string, 0, len(batch))
		for _, row := range batch {
			tuples = append(tuples, placeholders)
			for _, col := range columns {
				args = append(args, bindValue(row[col]))
			}
		}
		if _, err := db.ExecContext(ctx, insert+strings.Join(tuples, ", "), args...); err != nil {
			return apperrors.ExternalService("sql engine", err)
		}
	}
	return nil
}

// validateSingleStatement rejects input containing more than one statement:
// a semicolon outside string literals and comments followed by anything but
// whitespace. Writes and DDL inside the single statement are stopped by the
// engine's query_only mode.
func validateSingleStatement(query string) error {
	if strings.TrimSpace(query) == "" {
		return apperrors.Validationf("sql must not be empty")
	}
	terminated := false
	i := 0
	for i < len(query) {
		c := query[i]
		switch {
		case terminated && !isSpace(c):
			return apperrors.Validationf("sql must be a single statement")
		case c == ';':
			terminated = true
			i++
		case c == '\'' || c == '"' || c == '`':
			end := scanQuoted(query, i, c)
			if end < 0 {
				return apperrors.Validationf("unterminated string in sql")
			}
			i = end
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			for i < len(query) && query[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				return apperrors.Validationf("unterminated comment in sql")
			}
			i += end + 4
		default:
			i++
		}
	}
	return nil
}

// scanQuoted returns the index just past the closing quote, honoring
// doubled-quote escapes, or -1 when unterminated.
func scanQuoted(s string, start int, quote byte) int {
	i := start + 1
	for i < len(s) {
		if s[i] == quote {
			if i+1 < len(s) && s[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func validIdentifier(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		ok := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9')
		if !ok {
			return false
		}
	}
	return len(s) > 0
}

func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func unionColumns(rows []canonical.Row) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, row := range rows {
		for col := range row {
			if _, ok := seen[col]; !ok {
				seen[col] = struct{}{}
				out = append(out, col)
			}
		}
	}
	sort.Strings(out)
	return out
}

func bindValue(v interface{}) interface{} {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val
	default:
		return v
	}
}
