package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UnitOfWork wraps one database transaction and exposes the repositories
// scoped to it. All repository mutations performed through a single
// UnitOfWork commit or roll back together.
type UnitOfWork struct {
	tx   *sqlx.Tx
	d    Dialect
	done bool

	Users    *UserRepo
	Datasets *DatasetRepo
	Rows     *RowRepo
	Commits  *CommitRepo
	Refs     *RefRepo
	Jobs     *JobRepo
	Reader   *TableReader
}

func newUnitOfWork(tx *sqlx.Tx, d Dialect) *UnitOfWork {
	uow := &UnitOfWork{tx: tx, d: d}
	uow.Users = &UserRepo{uow: uow}
	uow.Datasets = &DatasetRepo{uow: uow}
	uow.Rows = &RowRepo{uow: uow}
	uow.Commits = &CommitRepo{uow: uow}
	uow.Refs = &RefRepo{uow: uow}
	uow.Jobs = &JobRepo{uow: uow}
	uow.Reader = &TableReader{uow: uow}
	return uow
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.done {
		return fmt.Errorf("unit of work already closed")
	}
	u.done = true
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback rolls the transaction back. Safe to call after Commit.
func (u *UnitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// rebind translates `?` placeholders for the active driver.
func (u *UnitOfWork) rebind(query string) string {
	return u.tx.Rebind(query)
}
