package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/models"
)

// manifestInsertBatchSize uses five parameters per entry; keep the statement
// under SQLite's default host-parameter cap.
const manifestInsertBatchSize = 150

// CommitRepo persists commits, manifests and derived schemas. All three are
// insert-only; commit ids are content hashes, so repeating an insert with
// identical content is a no-op.
type CommitRepo struct {
	uow *UnitOfWork
}

// CreateWithManifest writes the commit row and its manifest entries inside
// the enclosing transaction. The commit id must be computed by the caller
// (canonical.CommitID) before insert.
func (r *CommitRepo) CreateWithManifest(ctx context.Context, commit *models.Commit, manifest []models.ManifestEntry) error {
	if commit.CreatedAt.IsZero() {
		commit.CreatedAt = time.Now().UTC()
	}
	query := r.uow.rebind(`
		INSERT INTO commits (commit_id, dataset_id, parent_commit_id, message, author_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (commit_id) DO NOTHING`)
	res, err := r.uow.tx.ExecContext(ctx, query,
		commit.CommitID, commit.DatasetID, commit.ParentCommitID,
		commit.Message, commit.AuthorID, commit.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert commit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Identical content commit already exists; its manifest does too.
		return nil
	}

	for start := 0; start < len(manifest); start += manifestInsertBatchSize {
		end := start + manifestInsertBatchSize
		if end > len(manifest) {
			end = len(manifest)
		}
		if err := r.insertManifestBatch(ctx, manifest[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *CommitRepo) insertManifestBatch(ctx context.Context, entries []models.ManifestEntry) error {
	if len(entries) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO commit_manifests (commit_id, table_key, logical_row_id, row_hash, position) VALUES `)
	args := make([]interface{}, 0, len(entries)*5)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, e.CommitID, e.TableKey, e.LogicalRowID, e.RowHash, e.Position)
	}
	if _, err := r.uow.tx.ExecContext(ctx, r.uow.rebind(sb.String()), args...); err != nil {
		return fmt.Errorf("insert manifest entries: %w", err)
	}
	return nil
}

// Get returns a commit or NotFound.
func (r *CommitRepo) Get(ctx context.Context, commitID string) (*models.Commit, error) {
	var commit models.Commit
	query := r.uow.rebind(`
		SELECT commit_id, dataset_id, parent_commit_id, message, author_id, created_at
		FROM commits WHERE commit_id = ?`)
	if err := r.uow.tx.GetContext(ctx, &commit, query, commitID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("commit", commitID)
		}
		return nil, fmt.Errorf("get commit: %w", err)
	}
	return &commit, nil
}

// ResolveByPrefix finds a commit in a dataset by an id prefix of at least 8
// characters; ambiguous prefixes are a conflict.
func (r *CommitRepo) ResolveByPrefix(ctx context.Context, datasetID, prefix string) (*models.Commit, error) {
	if len(prefix) < 8 {
		return nil, apperrors.Validationf("commit id prefix must be at least 8 characters")
	}
	var commits []models.Commit
	query := r.uow.rebind(`
		SELECT commit_id, dataset_id, parent_commit_id, message, author_id, created_at
		FROM commits WHERE dataset_id = ? AND commit_id LIKE ? LIMIT 2`)
	if err := r.uow.tx.SelectContext(ctx, &commits, query, datasetID, prefix+"%"); err != nil {
		return nil, fmt.Errorf("resolve commit prefix: %w", err)
	}
	switch len(commits) {
	case 0:
		return nil, apperrors.NotFound("commit", prefix)
	case 1:
		return &commits[0], nil
	default:
		return nil, apperrors.Conflictf("commit id prefix %q is ambiguous", prefix)
	}
}

// historyCTE walks parent_commit_id from a tip, newest first. depth orders
// the chain without trusting timestamps.
const historyCTE = `
	WITH RECURSIVE chain(commit_id, depth) AS (
		SELECT ?, 0
		UNION ALL
		SELECT c.parent_commit_id, chain.depth + 1
		FROM commits c
		JOIN chain ON c.commit_id = chain.commit_id
		WHERE c.parent_commit_id IS NOT NULL
	)`

// History follows the parent chain from the ref's current tip, newest first.
// A ref that exists but points nowhere yet yields an empty history.
func (r *CommitRepo) History(ctx context.Context, datasetID, refName string, offset, limit int) ([]models.Commit, error) {
	tip, err := r.refTip(ctx, datasetID, refName)
	if err != nil {
		return nil, err
	}
	if tip == nil {
		return []models.Commit{}, nil
	}
	var commits []models.Commit
	query := r.uow.rebind(historyCTE + `
		SELECT c.commit_id, c.dataset_id, c.parent_commit_id, c.message, c.author_id, c.created_at
		FROM commits c
		JOIN chain ON c.commit_id = chain.commit_id
		ORDER BY chain.depth
		LIMIT ? OFFSET ?`)
	if err := r.uow.tx.SelectContext(ctx, &commits, query, *tip, limit, offset); err != nil {
		return nil, fmt.Errorf("get commit history: %w", err)
	}
	return commits, nil
}

// CountForRef returns the length of the chain reachable from the ref tip.
func (r *CommitRepo) CountForRef(ctx context.Context, datasetID, refName string) (int, error) {
	tip, err := r.refTip(ctx, datasetID, refName)
	if err != nil {
		return 0, err
	}
	if tip == nil {
		return 0, nil
	}
	var n int
	query := r.uow.rebind(historyCTE + `
		SELECT COUNT(*) FROM commits c JOIN chain ON c.commit_id = chain.commit_id`)
	if err := r.uow.tx.GetContext(ctx, &n, query, *tip); err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	return n, nil
}

func (r *CommitRepo) refTip(ctx context.Context, datasetID, refName string) (*string, error) {
	var tip sql.NullString
	query := r.uow.rebind(`SELECT commit_id FROM refs WHERE dataset_id = ? AND name = ?`)
	if err := r.uow.tx.GetContext(ctx, &tip, query, datasetID, refName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("ref", refName)
		}
		return nil, fmt.Errorf("resolve ref: %w", err)
	}
	if !tip.Valid {
		return nil, nil
	}
	return &tip.String, nil
}

// CountRows counts manifest entries for a commit, optionally per table.
func (r *CommitRepo) CountRows(ctx context.Context, commitID string, tableKey *string) (int, error) {
	var (
		n     int
		query string
		args  []interface{}
	)
	if tableKey != nil {
		query = `SELECT COUNT(*) FROM commit_manifests WHERE commit_id = ? AND table_key = ?`
		args = []interface{}{commitID, *tableKey}
	} else {
		query = `SELECT COUNT(*) FROM commit_manifests WHERE commit_id = ?`
		args = []interface{}{commitID}
	}
	if err := r.uow.tx.GetContext(ctx, &n, r.uow.rebind(query), args...); err != nil {
		return 0, fmt.Errorf("count commit rows: %w", err)
	}
	return n, nil
}

// CreateSchema stores the derived schema for a commit, plus optional opaque
// profile statistics.
func (r *CommitRepo) CreateSchema(ctx context.Context, commitID string, schema models.CommitSchema, stats json.RawMessage) error {
	payload, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal commit schema: %w", err)
	}
	var statsVal interface{}
	if len(stats) > 0 {
		statsVal = string(stats)
	}
	query := r.uow.rebind(`
		INSERT INTO commit_schemas (commit_id, schema_json, stats_json) VALUES (?, ?, ?)
		ON CONFLICT (commit_id) DO NOTHING`)
	if _, err := r.uow.tx.ExecContext(ctx, query, commitID, string(payload), statsVal); err != nil {
		return fmt.Errorf("insert commit schema: %w", err)
	}
	return nil
}

// GetStats returns the profile statistics stored with a commit's schema, or
// nil when none were recorded.
func (r *CommitRepo) GetStats(ctx context.Context, commitID string) (json.RawMessage, error) {
	var payload sql.NullString
	query := r.uow.rebind(`SELECT stats_json FROM commit_schemas WHERE commit_id = ?`)
	if err := r.uow.tx.GetContext(ctx, &payload, query, commitID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("commit schema", commitID)
		}
		return nil, fmt.Errorf("get commit stats: %w", err)
	}
	if !payload.Valid {
		return nil, nil
	}
	return json.RawMessage(payload.String), nil
}

// GetSchema returns the derived schema, or NotFound if none was stored.
func (r *CommitRepo) GetSchema(ctx context.Context, commitID string) (models.CommitSchema, error) {
	var payload string
	query := r.uow.rebind(`SELECT schema_json FROM commit_schemas WHERE commit_id = ?`)
	if err := r.uow.tx.GetContext(ctx, &payload, query, commitID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("commit schema", commitID)
		}
		return nil, fmt.Errorf("get commit schema: %w", err)
	}
	var schema models.CommitSchema
	if err := json.Unmarshal([]byte(payload), &schema); err != nil {
		return nil, fmt.Errorf("unmarshal commit schema: %w", err)
	}
	return schema, nil
}
