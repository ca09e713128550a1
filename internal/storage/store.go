// Package storage is the data-access layer: sqlx repositories over a single
// relational schema, served by PostgreSQL (production) or SQLite (local mode
// and tests). All mutations go through a UnitOfWork so cross-repository
// writes stay atomic.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Store owns the connection pool and hands out units of work.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	logger  *logrus.Logger
}

// Open connects to the database named by url. postgres:// and postgresql://
// URLs select the pgx backend; anything else is treated as a SQLite path
// (":memory:" included).
func Open(url string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var (
		db      *sqlx.DB
		dialect Dialect
		err     error
	)
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err = sqlx.Connect("pgx", url)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		dialect = postgresDialect
	} else {
		dsn := url
		if !strings.Contains(dsn, "?") {
			dsn += "?_fk=1&_busy_timeout=5000"
		}
		db, err = sqlx.Connect("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("connect to sqlite: %w", err)
		}
		// A memory database vanishes when its last connection closes; a
		// single connection also serializes writers, which SQLite wants.
		db.SetMaxOpenConns(1)
		db.Exec("PRAGMA foreign_keys = ON")
		db.Exec("PRAGMA journal_mode = WAL")
		dialect = sqliteDialect
	}

	return &Store{db: db, dialect: dialect, logger: logger}, nil
}

// Ping verifies connectivity; used to fail fast at startup.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect exposes the active SQL dialect (used by tests).
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Migrate applies the schema DDL for the active backend.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := schemaSQLite
	if s.dialect.Name == "postgres" {
		ddl = schemaPostgres
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.WithField("backend", s.dialect.Name).Info("schema applied")
	return nil
}

// Begin opens a unit of work. The caller must Commit or Rollback; Rollback
// after Commit is a no-op, so `defer uow.Rollback()` is the standard shape.
func (s *Store) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return newUnitOfWork(tx, s.dialect), nil
}

// WithUoW runs fn inside one unit of work, committing on success and rolling
// back on error or panic.
func (s *Store) WithUoW(ctx context.Context, fn func(*UnitOfWork) error) error {
	uow, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	if err := fn(uow); err != nil {
		return err
	}
	return uow.Commit()
}
