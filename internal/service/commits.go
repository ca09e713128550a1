package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/canonical"
	"github.com/tabulahq/tabula/internal/events"
	"github.com/tabulahq/tabula/internal/models"
	"github.com/tabulahq/tabula/internal/prepare"
	"github.com/tabulahq/tabula/internal/storage"
)

// GetCommit returns one commit by full id. Requires read on its dataset.
func (s *Service) GetCommit(ctx context.Context, userID, datasetID, commitID string) (*models.Commit, error) {
	var commit *models.Commit
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelRead); err != nil {
			return err
		}
		var err error
		commit, err = s.resolveCommit(ctx, uow, datasetID, commitID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return commit, nil
}

// Checkout resolves a ref name, a full commit id, or a commit id prefix of
// at least eight characters, trying refs first.
func (s *Service) Checkout(ctx context.Context, userID, datasetID, refOrCommit string) (*models.Commit, error) {
	var commit *models.Commit
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelRead); err != nil {
			return err
		}
		var err error
		commit, err = s.resolveCommit(ctx, uow, datasetID, refOrCommit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return commit, nil
}

// resolveCommit maps a ref name or commit id (prefix) to its commit within
// the caller's unit of work.
func (s *Service) resolveCommit(ctx context.Context, uow *storage.UnitOfWork, datasetID, refOrCommit string) (*models.Commit, error) {
	ref, err := uow.Refs.Get(ctx, datasetID, refOrCommit)
	switch {
	case err == nil:
		if ref.CommitID == nil {
			return nil, apperrors.NotFound("commit for ref", refOrCommit)
		}
		return uow.Commits.Get(ctx, *ref.CommitID)
	case !apperrors.IsKind(err, apperrors.KindNotFound):
		return nil, err
	}

	commit, err := uow.Commits.ResolveByPrefix(ctx, datasetID, refOrCommit)
	if err != nil {
		return nil, err
	}
	return commit, nil
}

// CommitPage is one page of history plus the full chain length.
type CommitPage struct {
	Items  []models.Commit `json:"items"`
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Limit  int             `json:"limit"`
}

// GetHistory walks the parent chain from a ref's tip, newest first.
func (s *Service) GetHistory(ctx context.Context, userID, datasetID, refName string, offset, limit int) (*CommitPage, error) {
	offset, limit = normalizePage(offset, limit)
	page := &CommitPage{Offset: offset, Limit: limit}
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelRead); err != nil {
			return err
		}
		var err error
		page.Items, err = uow.Commits.History(ctx, datasetID, refName, offset, limit)
		if err != nil {
			return err
		}
		page.Total, err = uow.Commits.CountForRef(ctx, datasetID, refName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// GetCommitSchema returns the derived schema, read through the schema cache
// when one is configured. Schemas are immutable, so a hit never goes stale.
func (s *Service) GetCommitSchema(ctx context.Context, userID, datasetID, refOrCommit string) (models.CommitSchema, error) {
	var (
		schema    models.CommitSchema
		commitID  string
		fromCache bool
	)
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelRead); err != nil {
			return err
		}
		commit, err := s.resolveCommit(ctx, uow, datasetID, refOrCommit)
		if err != nil {
			return err
		}
		commitID = commit.CommitID

		if cached, ok, cacheErr := s.schemas.GetSchema(ctx, commitID); cacheErr == nil && ok {
			schema = cached
			fromCache = true
			return nil
		} else if cacheErr != nil {
			s.logger.Warn("schema cache read failed", "commit_id", commitID, "error", cacheErr)
		}
		schema, err = uow.Commits.GetSchema(ctx, commitID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !fromCache {
		if err := s.schemas.SetSchema(ctx, commitID, schema); err != nil {
			s.logger.Warn("schema cache write failed", "commit_id", commitID, "error", err)
		}
	}
	return schema, nil
}

// GetCommitStats returns the opaque profile statistics stored with a
// commit, or nil when none were recorded.
func (s *Service) GetCommitStats(ctx context.Context, userID, datasetID, refOrCommit string) (json.RawMessage, error) {
	var stats json.RawMessage
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelRead); err != nil {
			return err
		}
		commit, err := s.resolveCommit(ctx, uow, datasetID, refOrCommit)
		if err != nil {
			return err
		}
		stats, err = uow.Commits.GetStats(ctx, commit.CommitID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ListTables lists the table keys visible at a ref or commit.
func (s *Service) ListTables(ctx context.Context, userID, datasetID, refOrCommit string) ([]string, error) {
	var keys []string
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelRead); err != nil {
			return err
		}
		commit, err := s.resolveCommit(ctx, uow, datasetID, refOrCommit)
		if err != nil {
			return err
		}
		keys, err = uow.Reader.ListTableKeys(ctx, commit.CommitID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// TablePage is one page of decoded table rows, each carrying the synthetic
// _logical_row_id column.
type TablePage struct {
	Rows   []canonical.Row `json:"rows"`
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Limit  int             `json:"limit"`
}

// GetTableData reads a page of rows for one table at a ref or commit.
func (s *Service) GetTableData(ctx context.Context, userID, datasetID, refOrCommit, tableKey string, offset, limit int) (*TablePage, error) {
	offset, limit = normalizePage(offset, limit)
	page := &TablePage{Offset: offset, Limit: limit}
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelRead); err != nil {
			return err
		}
		commit, err := s.resolveCommit(ctx, uow, datasetID, refOrCommit)
		if err != nil {
			return err
		}
		page.Rows, err = uow.Reader.GetTableData(ctx, commit.CommitID, tableKey, offset, limit)
		if err != nil {
			return err
		}
		page.Total, err = uow.Reader.CountTableRows(ctx, commit.CommitID, tableKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// GetTableSchema returns the derived schema for one table.
func (s *Service) GetTableSchema(ctx context.Context, userID, datasetID, refOrCommit, tableKey string) (*models.TableSchema, error) {
	var schema *models.TableSchema
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelRead); err != nil {
			return err
		}
		commit, err := s.resolveCommit(ctx, uow, datasetID, refOrCommit)
		if err != nil {
			return err
		}
		schema, err = uow.Reader.GetTableSchema(ctx, commit.CommitID, tableKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return schema, nil
}

// CreateCommitDirect writes a commit synchronously from already parsed
// tables and fast-forwards the ref, failing with Conflict if the ref moved
// since the transaction observed it.
func (s *Service) CreateCommitDirect(ctx context.Context, userID, datasetID, refName, message string, tables []prepare.Table) (*models.Commit, error) {
	if err := models.ValidateCommitMessage(message); err != nil {
		return nil, err
	}

	var commit *models.Commit
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelWrite); err != nil {
			return err
		}
		ref, err := uow.Refs.Get(ctx, datasetID, refName)
		if err != nil {
			return err
		}

		prepared, err := prepare.PrepareTables(tables)
		if err != nil {
			return err
		}
		var entries []models.ManifestEntry
		commit, entries = prepare.BuildCommit(datasetID, ref.CommitID, message, userID, time.Now().UTC(), prepared)

		if err := uow.Rows.AddRowsIfNotExist(ctx, prepared.Rows); err != nil {
			return err
		}
		if err := uow.Commits.CreateWithManifest(ctx, commit, entries); err != nil {
			return err
		}
		stats, err := prepare.MarshalStats(prepared.Stats)
		if err != nil {
			return err
		}
		if err := uow.Commits.CreateSchema(ctx, commit.CommitID, prepared.Schema, stats); err != nil {
			return err
		}

		ok, err := uow.Refs.UpdateAtomically(ctx, datasetID, refName, commit.CommitID, ref.CommitID)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Conflictf("ref %s moved during commit", refName)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.Event{
		Type: events.CommitCreated, AggregateType: "commit", AggregateID: commit.CommitID, UserID: userID,
		Payload: map[string]interface{}{"dataset_id": datasetID, "ref": refName},
	})
	s.bus.Publish(ctx, events.Event{
		Type: events.RefAdvanced, AggregateType: "ref", AggregateID: refName, UserID: userID,
		Payload: map[string]interface{}{"dataset_id": datasetID, "commit_id": commit.CommitID},
	})
	return commit, nil
}
