package worker

import (
	"context"
	"encoding/json"
	"os"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/models"
	"github.com/tabulahq/tabula/internal/parser"
	"github.com/tabulahq/tabula/internal/prepare"
	"github.com/tabulahq/tabula/internal/service"
	"github.com/tabulahq/tabula/internal/staging"
	"github.com/tabulahq/tabula/internal/storage"
)

// ImportExecutor parses an uploaded file and commits its tables to the
// target ref. The staged input file is deleted whatever the outcome.
type ImportExecutor struct {
	pool    *Pool
	parsers *parser.Factory
	ledger  *staging.Ledger
}

// ImportSummary is the output_summary of a completed import.
type ImportSummary struct {
	NewCommitID   string         `json:"new_commit_id"`
	UpdatedRef    string         `json:"updated_ref"`
	RowsProcessed int            `json:"rows_processed"`
	Tables        map[string]int `json:"tables"`
}

// Execute implements Executor.
func (e *ImportExecutor) Execute(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var params service.ImportParams
	if err := json.Unmarshal(job.RunParameters, &params); err != nil {
		return nil, apperrors.Validationf("malformed import parameters: %v", err)
	}
	defer e.cleanup(params)

	fileParser, err := e.parsers.ForFilename(params.Filename)
	if err != nil {
		return nil, err
	}
	parsed, err := fileParser.Parse(ctx, params.SourcePath)
	if err != nil {
		return nil, err
	}
	tables := make([]prepare.Table, 0, len(parsed.Tables))
	for _, t := range parsed.Tables {
		tables = append(tables, prepare.Table{Key: t.Key, Rows: t.Rows})
	}

	var summary ImportSummary
	err = e.pool.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := checkCancelled(ctx, uow, job.ID); err != nil {
			return err
		}

		// Two-phase conflict detection: the tip must still be the one the
		// job was bound to, and the CAS below must observe it unchanged.
		ref, err := uow.Refs.Get(ctx, job.DatasetID, params.TargetRef)
		if err != nil {
			return err
		}
		if !tipMatches(ref.CommitID, job.SourceCommitID) {
			return apperrors.Conflictf("ref %s moved since the job was queued", params.TargetRef)
		}

		commit, prepared, err := e.pool.writeCommit(ctx, uow, job.ID, job.DatasetID, ref.CommitID, params.CommitMessage, job.UserID, tables)
		if err != nil {
			return err
		}
		if err := advanceRef(ctx, uow, job.DatasetID, params.TargetRef, commit.CommitID, job.SourceCommitID, false); err != nil {
			return err
		}

		summary = ImportSummary{
			NewCommitID:   commit.CommitID,
			UpdatedRef:    params.TargetRef,
			RowsProcessed: prepared.TotalRowCount(),
			Tables:        tableRowCounts(tables),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.pool.publishRefAdvanced(ctx, job, params.TargetRef, summary.NewCommitID)
	return json.Marshal(summary)
}

// cleanup removes the staged input file. Import inputs are single-use; a
// failed job does not keep its upload.
func (e *ImportExecutor) cleanup(params service.ImportParams) {
	if params.StagedFileID != "" && e.ledger != nil {
		if err := e.ledger.Remove(params.StagedFileID); err != nil {
			e.pool.logger.Warn("staged file cleanup failed", "staged_file_id", params.StagedFileID, "error", err)
		}
		return
	}
	if params.SourcePath != "" {
		if err := os.Remove(params.SourcePath); err != nil && !os.IsNotExist(err) {
			e.pool.logger.Warn("temp file cleanup failed", "path", params.SourcePath, "error", err)
		}
	}
}

func tableRowCounts(tables []prepare.Table) map[string]int {
	counts := make(map[string]int, len(tables))
	for _, t := range tables {
		counts[t.Key] = len(t.Rows)
	}
	return counts
}
