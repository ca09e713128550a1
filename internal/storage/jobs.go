package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/models"
)

const jobColumns = `id, run_type, status, dataset_id, user_id, source_commit_id,
	run_parameters, output_summary, error_message, cancel_requested, created_at, completed_at`

// JobRepo persists job rows. Acquisition lives on Store so its transaction
// stays short and never holds row locks across job execution.
type JobRepo struct {
	uow *UnitOfWork
}

// Create inserts a pending job, assigning a UUID if the caller did not.
func (r *JobRepo) Create(ctx context.Context, job *models.Job) error {
	if !job.RunType.Valid() {
		return apperrors.Validationf("unknown run type %q", job.RunType)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if len(job.RunParameters) == 0 {
		job.RunParameters = json.RawMessage("{}")
	}
	query := r.uow.rebind(`
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.uow.tx.ExecContext(ctx, query,
		job.ID, job.RunType, job.Status, job.DatasetID, job.UserID, job.SourceCommitID,
		string(job.RunParameters), nullableJSON(job.OutputSummary), job.ErrorMessage,
		job.CancelRequested, job.CreatedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Get returns a job or NotFound.
func (r *JobRepo) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	query := r.uow.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)
	if err := r.uow.tx.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// ListForDataset returns jobs newest first with the total for pagination.
func (r *JobRepo) ListForDataset(ctx context.Context, datasetID string, offset, limit int) ([]models.Job, int, error) {
	var total int
	countQuery := r.uow.rebind(`SELECT COUNT(*) FROM jobs WHERE dataset_id = ?`)
	if err := r.uow.tx.GetContext(ctx, &total, countQuery, datasetID); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	var jobs []models.Job
	query := r.uow.rebind(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE dataset_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`)
	if err := r.uow.tx.SelectContext(ctx, &jobs, query, datasetID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

// UpdateStatus advances the lifecycle state machine. Illegal transitions are
// business-rule violations; terminal states also record completed_at.
func (r *JobRepo) UpdateStatus(ctx context.Context, id string, next models.JobStatus, outputSummary json.RawMessage, errorMessage *string) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !current.Status.CanTransitionTo(next) {
		return apperrors.BusinessRule("bad_state",
			fmt.Sprintf("job cannot transition from %s to %s", current.Status, next))
	}
	var completedAt *time.Time
	if next.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}
	// Guarding on the observed status keeps concurrent transitions honest.
	query := r.uow.rebind(`
		UPDATE jobs SET status = ?, output_summary = COALESCE(?, output_summary),
			error_message = ?, completed_at = ?
		WHERE id = ? AND status = ?`)
	res, err := r.uow.tx.ExecContext(ctx, query,
		next, nullableJSON(outputSummary), errorMessage, completedAt, id, current.Status)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Conflictf("job %s changed state concurrently", id)
	}
	return nil
}

// RequestCancel cancels a pending job immediately; for a running job it sets
// the cooperative flag the worker polls at batch boundaries. Returns the
// resulting status.
func (r *JobRepo) RequestCancel(ctx context.Context, id string) (models.JobStatus, error) {
	job, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	switch job.Status {
	case models.JobPending:
		if err := r.UpdateStatus(ctx, id, models.JobCancelled, nil, nil); err != nil {
			return "", err
		}
		return models.JobCancelled, nil
	case models.JobRunning:
		query := r.uow.rebind(`UPDATE jobs SET cancel_requested = ? WHERE id = ? AND status = ?`)
		if _, err := r.uow.tx.ExecContext(ctx, query, true, id, models.JobRunning); err != nil {
			return "", fmt.Errorf("request cancel: %w", err)
		}
		return models.JobRunning, nil
	default:
		return "", apperrors.BusinessRule("bad_state",
			fmt.Sprintf("job in state %s cannot be cancelled", job.Status))
	}
}

// IsCancelRequested is the worker-side check at batch boundaries.
func (r *JobRepo) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	query := r.uow.rebind(`SELECT cancel_requested FROM jobs WHERE id = ?`)
	if err := r.uow.tx.GetContext(ctx, &flag, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, apperrors.NotFound("job", id)
		}
		return false, fmt.Errorf("check cancel flag: %w", err)
	}
	return flag, nil
}

// nullableJSON maps empty raw messages to SQL NULL so COALESCE keeps the
// previous value.
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// AcquireNextPendingJob atomically claims the oldest pending job (optionally
// of one run type) and marks it running. Returns nil when the queue is empty.
//
// Postgres claims in one statement using FOR UPDATE SKIP LOCKED, so
// concurrent workers never block on or double-claim a row. SQLite claims
// with a conditional UPDATE under its single-writer lock.
func (s *Store) AcquireNextPendingJob(ctx context.Context, runType *models.RunType) (*models.Job, error) {
	if s.dialect.SupportsSkipLocked {
		return s.acquireSkipLocked(ctx, runType)
	}
	return s.acquireSQLite(ctx, runType)
}

func (s *Store) acquireSkipLocked(ctx context.Context, runType *models.RunType) (*models.Job, error) {
	var (
		filter string
		args   []interface{}
	)
	if runType != nil {
		filter = `AND run_type = ?`
		args = append(args, *runType)
	}
	query := s.db.Rebind(fmt.Sprintf(`
		UPDATE jobs SET status = 'running'
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' %s
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns, filter))

	var job models.Job
	err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire job: %w", err)
	}
	return &job, nil
}

func (s *Store) acquireSQLite(ctx context.Context, runType *models.RunType) (*models.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("acquire job: begin: %w", err)
	}
	defer tx.Rollback()

	var (
		filter string
		args   []interface{}
	)
	if runType != nil {
		filter = `AND run_type = ?`
		args = append(args, *runType)
	}
	var job models.Job
	selectQuery := tx.Rebind(fmt.Sprintf(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' %s
		ORDER BY created_at, id
		LIMIT 1`, filter))
	if err := tx.GetContext(ctx, &job, selectQuery, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("acquire job: select: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		tx.Rebind(`UPDATE jobs SET status = 'running' WHERE id = ? AND status = 'pending'`), job.ID)
	if err != nil {
		return nil, fmt.Errorf("acquire job: claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to another worker; the caller polls again.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("acquire job: commit: %w", err)
	}
	job.Status = models.JobRunning
	return &job, nil
}

// ListStaleRunning returns running jobs older than the cutoff. In-process
// nothing re-queues them; an external sweeper can use this to implement a
// timeout-based relaunch policy.
func (s *Store) ListStaleRunning(ctx context.Context, olderThan time.Duration) ([]models.Job, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var jobs []models.Job
	query := s.db.Rebind(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'running' AND created_at < ?
		ORDER BY created_at`)
	if err := s.db.SelectContext(ctx, &jobs, query, cutoff); err != nil {
		return nil, fmt.Errorf("list stale running jobs: %w", err)
	}
	return jobs, nil
}
