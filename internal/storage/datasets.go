package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/models"
)

// UserRepo persists principal records.
type UserRepo struct {
	uow *UnitOfWork
}

// Upsert ensures the principal row exists, refreshing the display name.
func (r *UserRepo) Upsert(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	query := r.uow.rebind(`
		INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`)
	if _, err := r.uow.tx.ExecContext(ctx, query, user.ID, user.Name, user.CreatedAt); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// Get returns a user or NotFound.
func (r *UserRepo) Get(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	query := r.uow.rebind(`SELECT id, name, created_at FROM users WHERE id = ?`)
	if err := r.uow.tx.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("user", id)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

// DatasetRepo persists datasets, their tags and their permission grants.
type DatasetRepo struct {
	uow *UnitOfWork
}

// Create inserts a dataset. A duplicate (name, created_by) maps to Conflict.
func (r *DatasetRepo) Create(ctx context.Context, ds *models.Dataset) error {
	now := time.Now().UTC()
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = now
	}
	ds.UpdatedAt = now
	query := r.uow.rebind(`
		INSERT INTO datasets (id, name, description, created_by, default_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.uow.tx.ExecContext(ctx, query,
		ds.ID, ds.Name, ds.Description, ds.CreatedBy, ds.DefaultBranch, ds.CreatedAt, ds.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflictf("dataset %q already exists for this user", ds.Name).WithCause(err)
		}
		return fmt.Errorf("create dataset: %w", err)
	}
	if len(ds.Tags) > 0 {
		if err := r.SetTags(ctx, ds.ID, ds.Tags); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a dataset with its tags, or NotFound.
func (r *DatasetRepo) Get(ctx context.Context, id string) (*models.Dataset, error) {
	var ds models.Dataset
	query := r.uow.rebind(`
		SELECT id, name, description, created_by, default_branch, created_at, updated_at
		FROM datasets WHERE id = ?`)
	if err := r.uow.tx.GetContext(ctx, &ds, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("dataset", id)
		}
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	tags, err := r.GetTags(ctx, id)
	if err != nil {
		return nil, err
	}
	ds.Tags = tags
	return &ds, nil
}

// ListForUser returns datasets the user holds any permission on, newest
// first, with the total for pagination.
func (r *DatasetRepo) ListForUser(ctx context.Context, userID string, offset, limit int) ([]models.Dataset, int, error) {
	var total int
	countQuery := r.uow.rebind(`
		SELECT COUNT(*) FROM datasets d
		WHERE EXISTS (SELECT 1 FROM dataset_permissions p WHERE p.dataset_id = d.id AND p.user_id = ?)`)
	if err := r.uow.tx.GetContext(ctx, &total, countQuery, userID); err != nil {
		return nil, 0, fmt.Errorf("count datasets: %w", err)
	}

	var datasets []models.Dataset
	query := r.uow.rebind(`
		SELECT d.id, d.name, d.description, d.created_by, d.default_branch, d.created_at, d.updated_at
		FROM datasets d
		WHERE EXISTS (SELECT 1 FROM dataset_permissions p WHERE p.dataset_id = d.id AND p.user_id = ?)
		ORDER BY d.created_at DESC, d.id DESC
		LIMIT ? OFFSET ?`)
	if err := r.uow.tx.SelectContext(ctx, &datasets, query, userID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("list datasets: %w", err)
	}
	for i := range datasets {
		tags, err := r.GetTags(ctx, datasets[i].ID)
		if err != nil {
			return nil, 0, err
		}
		datasets[i].Tags = tags
	}
	return datasets, total, nil
}

// Update changes mutable metadata and bumps updated_at.
func (r *DatasetRepo) Update(ctx context.Context, id, name, description string) error {
	query := r.uow.rebind(`
		UPDATE datasets SET name = ?, description = ?, updated_at = ? WHERE id = ?`)
	res, err := r.uow.tx.ExecContext(ctx, query, name, description, time.Now().UTC(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflictf("dataset %q already exists for this user", name).WithCause(err)
		}
		return fmt.Errorf("update dataset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("dataset", id)
	}
	return nil
}

// Delete removes the dataset; refs, commits, manifests, permissions, tags and
// jobs cascade. Rows are shared across datasets and stay.
func (r *DatasetRepo) Delete(ctx context.Context, id string) error {
	query := r.uow.rebind(`DELETE FROM datasets WHERE id = ?`)
	res, err := r.uow.tx.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete dataset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("dataset", id)
	}
	return nil
}

// SetTags replaces the dataset's tag set.
func (r *DatasetRepo) SetTags(ctx context.Context, datasetID string, tags []string) error {
	if err := models.ValidateTags(tags); err != nil {
		return err
	}
	del := r.uow.rebind(`DELETE FROM dataset_tags WHERE dataset_id = ?`)
	if _, err := r.uow.tx.ExecContext(ctx, del, datasetID); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	if len(tags) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO dataset_tags (dataset_id, tag) VALUES `)
	args := make([]interface{}, 0, len(tags)*2)
	for i, tag := range tags {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?)")
		args = append(args, datasetID, tag)
	}
	if _, err := r.uow.tx.ExecContext(ctx, r.uow.rebind(sb.String()), args...); err != nil {
		return fmt.Errorf("insert tags: %w", err)
	}
	return nil
}

// GetTags returns the dataset's tags sorted.
func (r *DatasetRepo) GetTags(ctx context.Context, datasetID string) ([]string, error) {
	var tags []string
	query := r.uow.rebind(`SELECT tag FROM dataset_tags WHERE dataset_id = ? ORDER BY tag`)
	if err := r.uow.tx.SelectContext(ctx, &tags, query, datasetID); err != nil {
		return nil, fmt.Errorf("get tags: %w", err)
	}
	return tags, nil
}

// GrantPermission upserts a user's level on a dataset.
func (r *DatasetRepo) GrantPermission(ctx context.Context, p models.Permission) error {
	if !p.Level.Valid() {
		return apperrors.Validationf("unknown permission level %q", p.Level)
	}
	query := r.uow.rebind(`
		INSERT INTO dataset_permissions (dataset_id, user_id, level) VALUES (?, ?, ?)
		ON CONFLICT (dataset_id, user_id) DO UPDATE SET level = excluded.level`)
	if _, err := r.uow.tx.ExecContext(ctx, query, p.DatasetID, p.UserID, p.Level); err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

// GetPermission returns the stored level for (dataset, user), or nil when no
// grant exists.
func (r *DatasetRepo) GetPermission(ctx context.Context, datasetID, userID string) (*models.Permission, error) {
	var p models.Permission
	query := r.uow.rebind(`
		SELECT dataset_id, user_id, level FROM dataset_permissions
		WHERE dataset_id = ? AND user_id = ?`)
	if err := r.uow.tx.GetContext(ctx, &p, query, datasetID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get permission: %w", err)
	}
	return &p, nil
}

// RevokePermission removes a grant.
func (r *DatasetRepo) RevokePermission(ctx context.Context, datasetID, userID string) error {
	query := r.uow.rebind(`DELETE FROM dataset_permissions WHERE dataset_id = ? AND user_id = ?`)
	if _, err := r.uow.tx.ExecContext(ctx, query, datasetID, userID); err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	return nil
}

// ListPermissions returns all grants on a dataset.
func (r *DatasetRepo) ListPermissions(ctx context.Context, datasetID string) ([]models.Permission, error) {
	var perms []models.Permission
	query := r.uow.rebind(`
		SELECT dataset_id, user_id, level FROM dataset_permissions
		WHERE dataset_id = ? ORDER BY user_id`)
	if err := r.uow.tx.SelectContext(ctx, &perms, query, datasetID); err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	return perms, nil
}
