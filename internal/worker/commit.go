package worker

import (
	"context"
	"time"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/models"
	"github.com/tabulahq/tabula/internal/prepare"
	"github.com/tabulahq/tabula/internal/storage"
)

// writeCommit prepares the tables and writes rows, commit, manifest and
// schema inside the caller's transaction. Row inserts go in batches with a
// cancel check between batches.
func (p *Pool) writeCommit(ctx context.Context, uow *storage.UnitOfWork, jobID, datasetID string, parent *string, message, authorID string, tables []prepare.Table) (*models.Commit, *prepare.Prepared, error) {
	prepared, err := prepare.PrepareTables(tables)
	if err != nil {
		return nil, nil, err
	}
	commit, entries := prepare.BuildCommit(datasetID, parent, message, authorID, time.Now().UTC(), prepared)

	for start := 0; start < len(prepared.Rows); start += p.cfg.RowBatchSize {
		end := start + p.cfg.RowBatchSize
		if end > len(prepared.Rows) {
			end = len(prepared.Rows)
		}
		if err := uow.Rows.AddRowsIfNotExist(ctx, prepared.Rows[start:end]); err != nil {
			return nil, nil, err
		}
		if err := checkCancelled(ctx, uow, jobID); err != nil {
			return nil, nil, err
		}
	}

	if err := uow.Commits.CreateWithManifest(ctx, commit, entries); err != nil {
		return nil, nil, err
	}
	stats, err := prepare.MarshalStats(prepared.Stats)
	if err != nil {
		return nil, nil, err
	}
	if err := uow.Commits.CreateSchema(ctx, commit.CommitID, prepared.Schema, stats); err != nil {
		return nil, nil, err
	}
	return commit, prepared, nil
}

// advanceRef fast-forwards a ref by CAS, creating the branch at the
// expected commit first when it does not exist yet.
func advanceRef(ctx context.Context, uow *storage.UnitOfWork, datasetID, name, newCommitID string, expected *string, createIfMissing bool) error {
	_, err := uow.Refs.Get(ctx, datasetID, name)
	if apperrors.IsKind(err, apperrors.KindNotFound) {
		if !createIfMissing {
			return err
		}
		if err := uow.Refs.Create(ctx, datasetID, name, expected); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	ok, err := uow.Refs.UpdateAtomically(ctx, datasetID, name, newCommitID, expected)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Conflictf("ref %s moved since the job was queued", name)
	}
	return nil
}
