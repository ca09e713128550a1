package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Dialect carries the per-driver SQL fragments. Queries are written with `?`
// placeholders and passed through sqlx.Rebind, so only genuinely divergent
// syntax lives here.
type Dialect struct {
	Name string

	// NullSafeEq builds a null-safe equality predicate for the CAS update:
	// the expected commit may be nil for the first advance of a fresh ref.
	NullSafeEq func(column string) string

	// SupportsSkipLocked selects the single-statement SKIP LOCKED claim; the
	// SQLite fallback claims with a conditional UPDATE under its write lock.
	SupportsSkipLocked bool
}

var postgresDialect = Dialect{
	Name: "postgres",
	NullSafeEq: func(column string) string {
		return column + " IS NOT DISTINCT FROM ?"
	},
	SupportsSkipLocked: true,
}

var sqliteDialect = Dialect{
	Name: "sqlite",
	NullSafeEq: func(column string) string {
		// SQLite's IS operator compares NULLs as equal.
		return column + " IS ?"
	},
	SupportsSkipLocked: false,
}

// isUniqueViolation recognizes duplicate-key errors from either driver so
// repositories can map them to the conflict taxonomy.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrConstraint &&
			(sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}
