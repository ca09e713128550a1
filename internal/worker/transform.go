package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/models"
	"github.com/tabulahq/tabula/internal/parser"
	"github.com/tabulahq/tabula/internal/prepare"
	"github.com/tabulahq/tabula/internal/service"
	"github.com/tabulahq/tabula/internal/storage"
	"github.com/tabulahq/tabula/internal/transform"
)

// TransformExecutor materializes the named source tables, runs the user's
// SQL over them, and commits the result as the primary table of the target.
type TransformExecutor struct {
	pool *Pool
}

// TransformSummary is the output_summary of a completed sql_transform job.
type TransformSummary struct {
	OutputCommitID  string   `json:"output_commit_id"`
	TargetDatasetID string   `json:"target_dataset_id"`
	RowCount        int      `json:"row_count"`
	Columns         []string `json:"columns"`
}

// Execute implements Executor.
func (e *TransformExecutor) Execute(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	var params service.TransformParams
	if err := json.Unmarshal(job.RunParameters, &params); err != nil {
		return nil, apperrors.Validationf("malformed transform parameters: %v", err)
	}

	var (
		summary   TransformSummary
		outputRef string
	)
	err := e.pool.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		sources, err := e.materializeSources(ctx, uow, job.ID, params.Sources)
		if err != nil {
			return err
		}

		result, err := transform.Execute(ctx, sources, params.SQL)
		if err != nil {
			return err
		}
		if err := checkCancelled(ctx, uow, job.ID); err != nil {
			return err
		}

		targetDataset, targetRef, tip, err := e.resolveTarget(ctx, uow, job, params.Target)
		if err != nil {
			return err
		}

		tables := []prepare.Table{{Key: parser.PrimaryTableKey, Rows: result.Rows}}
		commit, _, err := e.pool.writeCommit(ctx, uow, job.ID, targetDataset, tip, params.Target.Message, job.UserID, tables)
		if err != nil {
			return err
		}

		outputRef = targetRef
		if params.Target.OutputBranchName != nil {
			outputRef = *params.Target.OutputBranchName
		}
		createIfMissing := params.Target.OutputBranchName != nil
		if err := advanceRef(ctx, uow, targetDataset, outputRef, commit.CommitID, tip, createIfMissing); err != nil {
			return err
		}

		summary = TransformSummary{
			OutputCommitID:  commit.CommitID,
			TargetDatasetID: targetDataset,
			RowCount:        len(result.Rows),
			Columns:         result.Columns,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.pool.publishRefAdvanced(ctx, job, outputRef, summary.OutputCommitID)
	return json.Marshal(summary)
}

// materializeSources loads every source (commit, table) into a named
// relation, using the stored schema for a deterministic column order.
func (e *TransformExecutor) materializeSources(ctx context.Context, uow *storage.UnitOfWork, jobID string, specs []service.TransformSource) ([]transform.Source, error) {
	sources := make([]transform.Source, 0, len(specs))
	for _, spec := range specs {
		ref, err := uow.Refs.Get(ctx, spec.DatasetID, spec.Ref)
		if err != nil {
			return nil, err
		}
		if ref.CommitID == nil {
			return nil, apperrors.Validationf("source ref %s has no commits", spec.Ref)
		}

		rows, err := readTableValues(ctx, uow, jobID, *ref.CommitID, spec.TableKey, e.pool.cfg.RowBatchSize)
		if err != nil {
			return nil, err
		}
		var columns []string
		if schema, err := uow.Reader.GetTableSchema(ctx, *ref.CommitID, spec.TableKey); err == nil {
			for _, col := range schema.Columns {
				columns = append(columns, col.Name)
			}
		}
		sources = append(sources, transform.Source{
			Alias:   spec.Alias,
			Columns: columns,
			Rows:    rows,
		})
	}
	return sources, nil
}

// resolveTarget returns the dataset, ref name and expected tip the result
// commit advances. With create_new_dataset the dataset is created here,
// owned by the job's user.
func (e *TransformExecutor) resolveTarget(ctx context.Context, uow *storage.UnitOfWork, job *models.Job, target service.TransformTarget) (string, string, *string, error) {
	if target.CreateNewDataset {
		ds := &models.Dataset{
			ID:            uuid.NewString(),
			Name:          target.NewDatasetName,
			CreatedBy:     job.UserID,
			DefaultBranch: e.pool.cfg.DefaultBranch,
			CreatedAt:     time.Now().UTC(),
		}
		if err := uow.Datasets.Create(ctx, ds); err != nil {
			return "", "", nil, err
		}
		if err := uow.Datasets.GrantPermission(ctx, models.Permission{
			DatasetID: ds.ID, UserID: job.UserID, Level: models.LevelAdmin,
		}); err != nil {
			return "", "", nil, err
		}
		if err := uow.Refs.Create(ctx, ds.ID, ds.DefaultBranch, nil); err != nil {
			return "", "", nil, err
		}
		return ds.ID, ds.DefaultBranch, nil, nil
	}

	ref, err := uow.Refs.Get(ctx, target.DatasetID, target.Ref)
	if err != nil {
		return "", "", nil, err
	}
	if target.ExpectedHeadCommitID != nil && !tipMatches(ref.CommitID, target.ExpectedHeadCommitID) {
		return "", "", nil, apperrors.Conflictf("ref %s is not at the expected head commit", target.Ref)
	}
	return target.DatasetID, target.Ref, ref.CommitID, nil
}
