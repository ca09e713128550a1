package worker

import (
	"context"
	"encoding/json"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/canonical"
	"github.com/tabulahq/tabula/internal/models"
	"github.com/tabulahq/tabula/internal/prepare"
	"github.com/tabulahq/tabula/internal/sampling"
	"github.com/tabulahq/tabula/internal/service"
	"github.com/tabulahq/tabula/internal/storage"
)

// Sampled output table keys.
const (
	SampleTableKey   = "sample"
	ResidualTableKey = "residual"
)

// SamplingExecutor draws rows from a source table and materializes the
// selection (and optionally the residual) as a new commit.
type SamplingExecutor struct {
	pool *Pool
}

// SamplingJobSummary is the output_summary of a completed sampling job.
type SamplingJobSummary struct {
	OutputCommitID  string           `json:"output_commit_id"`
	SamplingSummary sampling.Summary `json:"sampling_summary"`
}

// Execute implements Executor.
func (e *SamplingExecutor) Execute(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var params service.SamplingParams
	if err := json.Unmarshal(job.RunParameters, &params); err != nil {
		return nil, apperrors.Validationf("malformed sampling parameters: %v", err)
	}

	var summary SamplingJobSummary
	err := e.pool.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		ref, err := uow.Refs.Get(ctx, job.DatasetID, params.SourceRef)
		if err != nil {
			return err
		}
		if ref.CommitID == nil {
			return apperrors.Validationf("source ref %s has no commits", params.SourceRef)
		}
		sourceTip := *ref.CommitID

		rows, err := readTableValues(ctx, uow, job.ID, sourceTip, params.TableKey, e.pool.cfg.RowBatchSize)
		if err != nil {
			return err
		}

		result, err := sampling.Run(rows, params.Rounds)
		if err != nil {
			return err
		}

		tables := buildSampleTables(rows, result, params)
		commit, _, err := e.pool.writeCommit(ctx, uow, job.ID, job.DatasetID, &sourceTip, params.CommitMessage, job.UserID, tables)
		if err != nil {
			return err
		}

		if params.OutputBranchName != nil {
			err = advanceRef(ctx, uow, job.DatasetID, *params.OutputBranchName, commit.CommitID, &sourceTip, true)
		} else {
			err = advanceRef(ctx, uow, job.DatasetID, params.SourceRef, commit.CommitID, &sourceTip, false)
		}
		if err != nil {
			return err
		}

		summary = SamplingJobSummary{
			OutputCommitID:  commit.CommitID,
			SamplingSummary: result.Summary(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	outputRef := params.SourceRef
	if params.OutputBranchName != nil {
		outputRef = *params.OutputBranchName
	}
	e.pool.publishRefAdvanced(ctx, job, outputRef, summary.OutputCommitID)
	return json.Marshal(summary)
}

// buildSampleTables assembles the sample table (per-round column selections
// applied) and, when requested, the residual complement. Rows keep source
// order.
func buildSampleTables(rows []canonical.Row, result *sampling.Result, params service.SamplingParams) []prepare.Table {
	projected := make(map[int]canonical.Row, len(result.SelectedIndexes))
	for r, indexes := range result.RoundIndexes {
		selection := params.Rounds[r].Selection
		for _, idx := range indexes {
			projected[idx] = sampling.ApplySelection(rows[idx], selection)
		}
	}

	sample := prepare.Table{Key: SampleTableKey}
	for _, idx := range result.SelectedIndexes {
		sample.Rows = append(sample.Rows, projected[idx])
	}
	tables := []prepare.Table{sample}

	if params.ExportResidual {
		residual := prepare.Table{Key: ResidualTableKey}
		for _, idx := range result.ResidualIndexes {
			residual.Rows = append(residual.Rows, rows[idx])
		}
		tables = append(tables, residual)
	}
	return tables
}

// readTableValues streams one (commit, table) pair inside the caller's
// transaction, dropping the synthetic logical-id column and checking the
// cancel flag between batches.
func readTableValues(ctx context.Context, uow *storage.UnitOfWork, jobID, commitID, tableKey string, batchSize int) ([]canonical.Row, error) {
	stream, err := uow.Reader.StreamTableData(ctx, commitID, tableKey, batchSize)
	if err != nil {
		return nil, err
	}
	var out []canonical.Row
	for {
		batch, err := stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return out, nil
		}
		for _, row := range batch {
			out = append(out, row.Values)
		}
		if err := checkCancelled(ctx, uow, jobID); err != nil {
			return nil, err
		}
	}
}
