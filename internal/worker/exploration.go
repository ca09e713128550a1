package worker

import (
	"context"
	"encoding/json"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/canonical"
	"github.com/tabulahq/tabula/internal/models"
	"github.com/tabulahq/tabula/internal/prepare"
	"github.com/tabulahq/tabula/internal/service"
	"github.com/tabulahq/tabula/internal/storage"
)

// ExplorationExecutor profiles one table at a ref. It writes no commit;
// the profile lands in the job's output_summary.
type ExplorationExecutor struct {
	pool *Pool
}

// ExplorationSummary is the output_summary of a completed exploration job.
type ExplorationSummary struct {
	SourceCommitID string             `json:"source_commit_id"`
	TableKey       string             `json:"table_key"`
	Profile        prepare.TableStats `json:"profile"`
}

// Execute implements Executor.
func (e *ExplorationExecutor) Execute(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var params service.ExplorationParams
	if err := json.Unmarshal(job.RunParameters, &params); err != nil {
		return nil, apperrors.Validationf("malformed exploration parameters: %v", err)
	}

	var summary ExplorationSummary
	err := e.pool.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		ref, err := uow.Refs.Get(ctx, job.DatasetID, params.SourceRef)
		if err != nil {
			return err
		}
		if ref.CommitID == nil {
			return apperrors.Validationf("source ref %s has no commits", params.SourceRef)
		}

		rows, err := readTableValues(ctx, uow, job.ID, *ref.CommitID, params.TableKey, e.pool.cfg.RowBatchSize)
		if err != nil {
			return err
		}
		if len(params.Columns) > 0 {
			rows = projectColumns(rows, params.Columns)
		}

		summary = ExplorationSummary{
			SourceCommitID: *ref.CommitID,
			TableKey:       params.TableKey,
			Profile:        prepare.ProfileRows(rows),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(summary)
}

func projectColumns(rows []canonical.Row, columns []string) []canonical.Row {
	out := make([]canonical.Row, len(rows))
	for i, row := range rows {
		projected := make(canonical.Row, len(columns))
		for _, col := range columns {
			if v, ok := row[col]; ok {
				projected[col] = v
			}
		}
		out[i] = projected
	}
	return out
}
