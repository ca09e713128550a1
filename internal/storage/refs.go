package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/models"
)

// RefRepo persists refs. The ref row is the single mutable hot spot of the
// schema; every advancement goes through UpdateAtomically.
type RefRepo struct {
	uow *UnitOfWork
}

// Get returns a ref or NotFound.
func (r *RefRepo) Get(ctx context.Context, datasetID, name string) (*models.Ref, error) {
	var ref models.Ref
	query := r.uow.rebind(`
		SELECT dataset_id, name, commit_id, updated_at
		FROM refs WHERE dataset_id = ? AND name = ?`)
	if err := r.uow.tx.GetContext(ctx, &ref, query, datasetID, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("ref", name)
		}
		return nil, fmt.Errorf("get ref: %w", err)
	}
	return &ref, nil
}

// Create inserts a new ref; a duplicate name maps to Conflict. commitID may
// be nil for a freshly created dataset.
func (r *RefRepo) Create(ctx context.Context, datasetID, name string, commitID *string) error {
	if err := models.ValidateRefName(name); err != nil {
		return err
	}
	query := r.uow.rebind(`
		INSERT INTO refs (dataset_id, name, commit_id, updated_at) VALUES (?, ?, ?, ?)`)
	if _, err := r.uow.tx.ExecContext(ctx, query, datasetID, name, commitID, time.Now().UTC()); err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflictf("ref %q already exists", name).WithCause(err)
		}
		return fmt.Errorf("create ref: %w", err)
	}
	return nil
}

// UpdateAtomically advances the ref from expected to newCommitID in a single
// conditional UPDATE. Returns false when the ref moved concurrently (the CAS
// lost); the caller decides whether to rebuild or surface the conflict.
func (r *RefRepo) UpdateAtomically(ctx context.Context, datasetID, name, newCommitID string, expected *string) (bool, error) {
	query := r.uow.rebind(fmt.Sprintf(`
		UPDATE refs SET commit_id = ?, updated_at = ?
		WHERE dataset_id = ? AND name = ? AND %s`, r.uow.d.NullSafeEq("commit_id")))
	res, err := r.uow.tx.ExecContext(ctx, query, newCommitID, time.Now().UTC(), datasetID, name, expected)
	if err != nil {
		return false, fmt.Errorf("cas ref update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas ref rows affected: %w", err)
	}
	return n == 1, nil
}

// Delete removes a ref. The dataset's default branch is protected.
func (r *RefRepo) Delete(ctx context.Context, datasetID, name string) error {
	var defaultBranch string
	dsQuery := r.uow.rebind(`SELECT default_branch FROM datasets WHERE id = ?`)
	if err := r.uow.tx.GetContext(ctx, &defaultBranch, dsQuery, datasetID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("dataset", datasetID)
		}
		return fmt.Errorf("get default branch: %w", err)
	}
	if name == defaultBranch {
		return apperrors.BusinessRule("protect_default_branch",
			fmt.Sprintf("cannot delete default branch %q", name))
	}

	query := r.uow.rebind(`DELETE FROM refs WHERE dataset_id = ? AND name = ?`)
	res, err := r.uow.tx.ExecContext(ctx, query, datasetID, name)
	if err != nil {
		return fmt.Errorf("delete ref: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("ref", name)
	}
	return nil
}

// List returns all refs of a dataset ordered by name.
func (r *RefRepo) List(ctx context.Context, datasetID string) ([]models.Ref, error) {
	var refs []models.Ref
	query := r.uow.rebind(`
		SELECT dataset_id, name, commit_id, updated_at
		FROM refs WHERE dataset_id = ? ORDER BY name`)
	if err := r.uow.tx.SelectContext(ctx, &refs, query, datasetID); err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	return refs, nil
}
