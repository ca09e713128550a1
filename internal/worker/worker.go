// Package worker runs the background job loops. Each run type gets its own
// pool of loops; a loop acquires one pending job in a short transaction,
// executes it in a second transaction, then records the outcome. Cancelled
// flags are honored at batch boundaries.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/events"
	"github.com/tabulahq/tabula/internal/models"
	"github.com/tabulahq/tabula/internal/parser"
	"github.com/tabulahq/tabula/internal/staging"
	"github.com/tabulahq/tabula/internal/storage"
)

// errCancelled aborts an executor when the job's cancel flag is observed.
var errCancelled = errors.New("job cancelled")

// Executor runs one acquired job and returns its output summary.
type Executor interface {
	Execute(ctx context.Context, job *models.Job) (json.RawMessage, error)
}

// Config sizes the pool and its batches.
type Config struct {
	PollInterval    time.Duration
	PoolSizePerType int
	RowBatchSize    int
	DefaultBranch   string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PoolSizePerType <= 0 {
		c.PoolSizePerType = 2
	}
	if c.RowBatchSize <= 0 {
		c.RowBatchSize = 1000
	}
	if c.DefaultBranch == "" {
		c.DefaultBranch = "main"
	}
	return c
}

// Pool owns the loops for all run types.
type Pool struct {
	store     *storage.Store
	bus       *events.Bus
	cfg       Config
	logger    *slog.Logger
	executors map[models.RunType]Executor
}

// NewPool wires executors for every run type. The staging ledger may be nil
// when imports arrive by path instead of through the upload spool.
func NewPool(store *storage.Store, parsers *parser.Factory, ledger *staging.Ledger, bus *events.Bus, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	if bus == nil {
		bus = events.NewBus()
	}
	p := &Pool{
		store:  store,
		bus:    bus,
		cfg:    cfg,
		logger: slog.Default().With("component", "worker"),
	}
	p.executors = map[models.RunType]Executor{
		models.RunTypeImport:       &ImportExecutor{pool: p, parsers: parsers, ledger: ledger},
		models.RunTypeSampling:     &SamplingExecutor{pool: p},
		models.RunTypeSQLTransform: &TransformExecutor{pool: p},
		models.RunTypeExploration:  &ExplorationExecutor{pool: p},
	}
	return p
}

// Run starts every loop and blocks until the context is cancelled. A loop
// finishes its current job before exiting, which is the SIGTERM drain path.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for runType := range p.executors {
		rt := runType
		for i := 0; i < p.cfg.PoolSizePerType; i++ {
			g.Go(func() error {
				p.runLoop(ctx, rt)
				return nil
			})
		}
	}
	return g.Wait()
}

// ProcessOne acquires and runs at most one pending job, of the given run
// type or any type when nil. It reports whether a job was processed; the
// single-shot path used by tests and manual drains.
func (p *Pool) ProcessOne(ctx context.Context, runType *models.RunType) (bool, error) {
	job, err := p.store.AcquireNextPendingJob(ctx, runType)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.process(ctx, job, p.logger)
	return true, nil
}

func (p *Pool) runLoop(ctx context.Context, runType models.RunType) {
	logger := p.logger.With("run_type", string(runType))
	logger.Info("worker loop started")
	for {
		if ctx.Err() != nil {
			logger.Info("worker loop stopped")
			return
		}
		job, err := p.store.AcquireNextPendingJob(ctx, &runType)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("acquire failed", "error", err)
			}
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}
		p.process(ctx, job, logger)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// process runs one job and records the terminal status. The executor runs
// on a background-derived context so a shutdown signal does not abort a job
// mid-transaction; cancellation flows through the job's cancel flag.
func (p *Pool) process(ctx context.Context, job *models.Job, logger *slog.Logger) {
	logger = logger.With("job_id", job.ID, "dataset_id", job.DatasetID)
	logger.Info("job started")
	started := time.Now()

	// Detach from the loop context: a shutdown signal must not roll back the
	// in-flight transaction and fail the job. Values (correlation id) carry
	// over; cancellation flows through the job's cancel flag only.
	executor := p.executors[job.RunType]
	summary, err := executor.Execute(context.WithoutCancel(ctx), job)

	switch {
	case err == nil:
		p.finish(job, models.JobCompleted, summary, nil)
		logger.Info("job completed", "duration", time.Since(started).Round(time.Millisecond))
	case errors.Is(err, errCancelled):
		p.finish(job, models.JobCancelled, nil, nil)
		logger.Info("job cancelled")
	default:
		msg := err.Error()
		p.finish(job, models.JobFailed, nil, &msg)
		logger.Error("job failed", "error", err, "kind", apperrors.KindOf(err))
	}
}

// finish records the terminal status in its own short transaction, detached
// from the request context so shutdown cannot lose the outcome.
func (p *Pool) finish(job *models.Job, status models.JobStatus, summary json.RawMessage, errMsg *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		return uow.Jobs.UpdateStatus(ctx, job.ID, status, summary, errMsg)
	})
	if err != nil {
		p.logger.Error("record job outcome failed", "job_id", job.ID, "status", string(status), "error", err)
		return
	}
	p.bus.Publish(ctx, events.Event{
		Type: events.JobStatusChanged, AggregateType: "job", AggregateID: job.ID, UserID: job.UserID,
		Payload: map[string]interface{}{"to": string(status), "run_type": string(job.RunType)},
	})
}

// publishRefAdvanced emits the ref.advanced event once an executor's
// transaction has committed a fast-forward.
func (p *Pool) publishRefAdvanced(ctx context.Context, job *models.Job, refName, commitID string) {
	p.bus.Publish(ctx, events.Event{
		Type: events.RefAdvanced, AggregateType: "ref", AggregateID: refName, UserID: job.UserID,
		Payload: map[string]interface{}{"dataset_id": job.DatasetID, "commit_id": commitID},
	})
}

// checkCancelled consults the job's cancel flag; executors call it at batch
// boundaries. It reads through the caller's unit of work, so the SQLite
// backend's single connection is never asked for a second transaction.
func checkCancelled(ctx context.Context, uow *storage.UnitOfWork, jobID string) error {
	requested, err := uow.Jobs.IsCancelRequested(ctx, jobID)
	if err != nil {
		return err
	}
	if requested {
		return errCancelled
	}
	return nil
}

// tipMatches compares a ref tip against the tip a job was queued at.
func tipMatches(current, expected *string) bool {
	if current == nil || expected == nil {
		return current == expected
	}
	return *current == *expected
}
