package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/events"
	"github.com/tabulahq/tabula/internal/models"
	"github.com/tabulahq/tabula/internal/permissions"
	"github.com/tabulahq/tabula/internal/sampling"
	"github.com/tabulahq/tabula/internal/storage"
)

// ImportParams is the run_parameters payload of an import job.
type ImportParams struct {
	StagedFileID  string `json:"staged_file_id,omitempty"`
	SourcePath    string `json:"source_path"`
	Filename      string `json:"filename"`
	TargetRef     string `json:"target_ref"`
	CommitMessage string `json:"commit_message"`
}

// SamplingParams is the run_parameters payload of a sampling job.
type SamplingParams struct {
	SourceRef        string               `json:"source_ref"`
	TableKey         string               `json:"table_key"`
	Rounds           []sampling.RoundSpec `json:"rounds"`
	ExportResidual   bool                 `json:"export_residual"`
	OutputBranchName *string              `json:"output_branch_name,omitempty"`
	CommitMessage    string               `json:"commit_message"`
}

// TransformSource binds one alias to a (dataset, ref, table) triple.
type TransformSource struct {
	Alias     string `json:"alias"`
	DatasetID string `json:"dataset_id"`
	Ref       string `json:"ref"`
	TableKey  string `json:"table_key"`
}

// TransformTarget names where the transform result commits. With
// CreateNewDataset set, the worker creates a fresh dataset named
// NewDatasetName (owned by the job's user) and commits to its default
// branch instead of an existing target.
type TransformTarget struct {
	DatasetID            string  `json:"dataset_id"`
	Ref                  string  `json:"ref"`
	Message              string  `json:"message"`
	ExpectedHeadCommitID *string `json:"expected_head_commit_id,omitempty"`
	OutputBranchName     *string `json:"output_branch_name,omitempty"`
	CreateNewDataset     bool    `json:"create_new_dataset,omitempty"`
	NewDatasetName       string  `json:"new_dataset_name,omitempty"`
}

// TransformParams is the run_parameters payload of a sql_transform job.
type TransformParams struct {
	Sources []TransformSource `json:"sources"`
	SQL     string            `json:"sql"`
	Target  TransformTarget   `json:"target"`
}

// ExplorationParams is the run_parameters payload of an exploration job.
type ExplorationParams struct {
	SourceRef string   `json:"source_ref"`
	TableKey  string   `json:"table_key"`
	Columns   []string `json:"columns,omitempty"`
}

// QueueImport enqueues a pending import job bound to the target ref's
// current tip; an advance before the worker runs fails the job cleanly.
func (s *Service) QueueImport(ctx context.Context, userID, datasetID string, p ImportParams) (*models.Job, error) {
	if p.SourcePath == "" || p.Filename == "" {
		return nil, apperrors.Validationf("import requires source_path and filename")
	}
	if p.TargetRef == "" {
		p.TargetRef = s.defaultBranch
	}
	if p.CommitMessage == "" {
		p.CommitMessage = "Import " + p.Filename
	}
	if err := models.ValidateCommitMessage(p.CommitMessage); err != nil {
		return nil, err
	}
	return s.queueJob(ctx, userID, datasetID, models.RunTypeImport, models.LevelWrite, p.TargetRef, p)
}

// QueueSampling enqueues a pending sampling job bound to the source ref's
// current tip.
func (s *Service) QueueSampling(ctx context.Context, userID, datasetID string, p SamplingParams) (*models.Job, error) {
	if len(p.Rounds) == 0 {
		return nil, apperrors.Validationf("sampling requires at least one round")
	}
	if p.TableKey == "" {
		return nil, apperrors.Validationf("sampling requires table_key")
	}
	if p.SourceRef == "" {
		p.SourceRef = s.defaultBranch
	}
	if p.CommitMessage == "" {
		p.CommitMessage = "Sampling of " + p.TableKey
	}
	if err := models.ValidateCommitMessage(p.CommitMessage); err != nil {
		return nil, err
	}
	if p.OutputBranchName != nil {
		if err := models.ValidateRefName(*p.OutputBranchName); err != nil {
			return nil, err
		}
	}
	return s.queueJob(ctx, userID, datasetID, models.RunTypeSampling, models.LevelWrite, p.SourceRef, p)
}

// QueueTransform enqueues a pending sql_transform job on the target
// dataset. The caller needs write on the target and read on every source.
func (s *Service) QueueTransform(ctx context.Context, userID string, p TransformParams) (*models.Job, error) {
	if strings.TrimSpace(p.SQL) == "" {
		return nil, apperrors.Validationf("transform requires sql")
	}
	if len(p.Sources) == 0 {
		return nil, apperrors.Validationf("transform requires at least one source")
	}
	if p.Target.CreateNewDataset {
		if strings.TrimSpace(p.Target.NewDatasetName) == "" {
			return nil, apperrors.Validationf("create_new_dataset requires new_dataset_name")
		}
	} else if p.Target.DatasetID == "" {
		return nil, apperrors.Validationf("transform requires target.dataset_id")
	}
	if p.Target.Ref == "" {
		p.Target.Ref = s.defaultBranch
	}
	if p.Target.Message == "" {
		p.Target.Message = "SQL transform"
	}
	if err := models.ValidateCommitMessage(p.Target.Message); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(p.Sources))
	for _, src := range p.Sources {
		if src.Alias == "" || src.DatasetID == "" || src.Ref == "" || src.TableKey == "" {
			return nil, apperrors.Validationf("every transform source needs alias, dataset_id, ref and table_key")
		}
		if _, dup := seen[src.Alias]; dup {
			return nil, apperrors.Validationf("duplicate source alias %q", src.Alias)
		}
		seen[src.Alias] = struct{}{}
	}

	var job *models.Job
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		perms := permissions.NewService(uow)
		if !p.Target.CreateNewDataset {
			if err := perms.Require(ctx, permissions.ResourceDataset, p.Target.DatasetID, userID, models.LevelWrite); err != nil {
				return err
			}
		}
		for _, src := range p.Sources {
			if err := perms.Require(ctx, permissions.ResourceDataset, src.DatasetID, userID, models.LevelRead); err != nil {
				return err
			}
			if _, err := uow.Refs.Get(ctx, src.DatasetID, src.Ref); err != nil {
				return err
			}
		}

		// A job row needs a dataset to live under; with create_new_dataset
		// it is parked under the first source until the worker creates the
		// real target.
		jobDataset := p.Target.DatasetID
		var tip *string
		if p.Target.CreateNewDataset {
			jobDataset = p.Sources[0].DatasetID
		} else {
			targetRef, err := uow.Refs.Get(ctx, p.Target.DatasetID, p.Target.Ref)
			if err != nil {
				return err
			}
			tip = targetRef.CommitID
		}
		var err error
		job, err = s.insertJob(ctx, uow, userID, jobDataset, models.RunTypeSQLTransform, tip, p)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publishQueued(ctx, job)
	return job, nil
}

// QueueExploration enqueues a profiling job over one table at a ref.
func (s *Service) QueueExploration(ctx context.Context, userID, datasetID string, p ExplorationParams) (*models.Job, error) {
	if p.TableKey == "" {
		return nil, apperrors.Validationf("exploration requires table_key")
	}
	if p.SourceRef == "" {
		p.SourceRef = s.defaultBranch
	}
	return s.queueJob(ctx, userID, datasetID, models.RunTypeExploration, models.LevelRead, p.SourceRef, p)
}

// queueJob handles the common path: permission check, binding the job to
// the ref's current tip, and inserting the pending row.
func (s *Service) queueJob(ctx context.Context, userID, datasetID string, runType models.RunType, level models.PermissionLevel, refName string, params interface{}) (*models.Job, error) {
	var job *models.Job
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, level); err != nil {
			return err
		}
		ref, err := uow.Refs.Get(ctx, datasetID, refName)
		if err != nil {
			return err
		}
		job, err = s.insertJob(ctx, uow, userID, datasetID, runType, ref.CommitID, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publishQueued(ctx, job)
	return job, nil
}

func (s *Service) insertJob(ctx context.Context, uow *storage.UnitOfWork, userID, datasetID string, runType models.RunType, sourceCommitID *string, params interface{}) (*models.Job, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, apperrors.Internalf("marshal run parameters: %v", err)
	}
	job := &models.Job{
		ID:             uuid.NewString(),
		RunType:        runType,
		Status:         models.JobPending,
		DatasetID:      datasetID,
		UserID:         userID,
		SourceCommitID: sourceCommitID,
		RunParameters:  raw,
	}
	if err := uow.Jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) publishQueued(ctx context.Context, job *models.Job) {
	s.bus.Publish(ctx, events.Event{
		Type: events.JobQueued, AggregateType: "job", AggregateID: job.ID, UserID: job.UserID,
		Payload: map[string]interface{}{"run_type": string(job.RunType), "dataset_id": job.DatasetID},
	})
}

// GetJob returns one job; the requester must own it or hold read on its
// dataset.
func (s *Service) GetJob(ctx context.Context, userID, jobID string) (*models.Job, error) {
	var job *models.Job
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		perms := permissions.NewService(uow)
		if err := perms.Require(ctx, permissions.ResourceJob, jobID, userID, models.LevelRead); err != nil {
			return err
		}
		var err error
		job, err = uow.Jobs.Get(ctx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// JobPage is one page of a dataset's jobs, newest first.
type JobPage struct {
	Items  []models.Job `json:"items"`
	Total  int          `json:"total"`
	Offset int          `json:"offset"`
	Limit  int          `json:"limit"`
}

// ListJobs lists a dataset's jobs. Requires read.
func (s *Service) ListJobs(ctx context.Context, userID, datasetID string, offset, limit int) (*JobPage, error) {
	offset, limit = normalizePage(offset, limit)
	page := &JobPage{Offset: offset, Limit: limit}
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelRead); err != nil {
			return err
		}
		var err error
		page.Items, page.Total, err = uow.Jobs.ListForDataset(ctx, datasetID, offset, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// CancelJob cancels a pending job outright or requests cooperative
// cancellation of a running one. Terminal jobs fail with BusinessRule.
func (s *Service) CancelJob(ctx context.Context, userID, jobID string) (models.JobStatus, error) {
	var status models.JobStatus
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		perms := permissions.NewService(uow)
		if err := perms.Require(ctx, permissions.ResourceJob, jobID, userID, models.LevelWrite); err != nil {
			return err
		}
		var err error
		status, err = uow.Jobs.RequestCancel(ctx, jobID)
		return err
	})
	if err != nil {
		return "", err
	}

	s.bus.Publish(ctx, events.Event{
		Type: events.JobStatusChanged, AggregateType: "job", AggregateID: jobID, UserID: userID,
		Payload: map[string]interface{}{"to": string(status)},
	})
	return status, nil
}
