package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulahq/tabula/internal/canonical"
	"github.com/tabulahq/tabula/internal/events"
	"github.com/tabulahq/tabula/internal/models"
	"github.com/tabulahq/tabula/internal/parser"
	"github.com/tabulahq/tabula/internal/prepare"
	"github.com/tabulahq/tabula/internal/sampling"
	"github.com/tabulahq/tabula/internal/service"
	"github.com/tabulahq/tabula/internal/storage"
)

type testEnv struct {
	store *storage.Store
	svc   *service.Service
	pool  *Pool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	store, err := storage.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	bus := events.NewBus()
	return &testEnv{
		store: store,
		svc:   service.New(store, bus, nil, "main"),
		pool:  NewPool(store, parser.NewFactory(), nil, bus, Config{RowBatchSize: 3}),
	}
}

func (env *testEnv) runOne(t *testing.T, runType models.RunType) {
	t.Helper()
	ran, err := env.pool.ProcessOne(context.Background(), &runType)
	require.NoError(t, err)
	require.True(t, ran, "expected a pending %s job", runType)
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rows.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (env *testEnv) rowStoreCount(t *testing.T) int {
	t.Helper()
	var n int
	err := env.store.WithUoW(context.Background(), func(uow *storage.UnitOfWork) error {
		var err error
		n, err = uow.Rows.Count(context.Background())
		return err
	})
	require.NoError(t, err)
	return n
}

func TestImportEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ds, err := env.svc.CreateDataset(ctx, "u1", service.CreateDatasetInput{Name: "D1"})
	require.NoError(t, err)

	path := writeCSV(t, "id,name\n1,a\n2,b\n")
	job, err := env.svc.QueueImport(ctx, "u1", ds.ID, service.ImportParams{
		SourcePath: path,
		Filename:   "rows.csv",
	})
	require.NoError(t, err)

	env.runOne(t, models.RunTypeImport)

	done, err := env.svc.GetJob(ctx, "u1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	var summary ImportSummary
	require.NoError(t, json.Unmarshal(done.OutputSummary, &summary))
	assert.Equal(t, 2, summary.RowsProcessed)
	assert.NotEmpty(t, summary.NewCommitID)
	assert.Equal(t, "main", summary.UpdatedRef)
	assert.Equal(t, map[string]int{"primary": 2}, summary.Tables)

	keys, err := env.svc.ListTables(ctx, "u1", ds.ID, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"primary"}, keys)

	page, err := env.svc.GetTableData(ctx, "u1", ds.ID, "main", "primary", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	schema, err := env.svc.GetTableSchema(ctx, "u1", ds.ID, "main", "primary")
	require.NoError(t, err)
	require.Len(t, schema.Columns, 2)
	assert.Equal(t, "id", schema.Columns[0].Name)
	assert.Equal(t, "integer", schema.Columns[0].Type)
	assert.Equal(t, "name", schema.Columns[1].Name)
	assert.Equal(t, "string", schema.Columns[1].Type)

	// The staged input is deleted whatever the outcome.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

// A shutdown signal drains the in-flight job: the executor must not inherit
// the loop context's cancellation, or the transaction rolls back and the job
// is wrongly recorded as failed.
func TestShutdownSignalDoesNotFailInFlightJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ds, err := env.svc.CreateDataset(ctx, "u1", service.CreateDatasetInput{Name: "D1"})
	require.NoError(t, err)

	job, err := env.svc.QueueImport(ctx, "u1", ds.ID, service.ImportParams{
		SourcePath: writeCSV(t, "id,name\n1,a\n2,b\n"),
		Filename:   "rows.csv",
	})
	require.NoError(t, err)

	acquired, err := env.store.AcquireNextPendingJob(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, acquired)
	require.Equal(t, job.ID, acquired.ID)

	// The loop context is already cancelled when the executor starts, the
	// worst case of a signal arriving mid-job.
	cancelledCtx, cancel := context.WithCancel(ctx)
	cancel()
	env.pool.process(cancelledCtx, acquired, env.pool.logger)

	done, err := env.svc.GetJob(ctx, "u1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, done.Status)

	page, err := env.svc.GetTableData(ctx, "u1", ds.ID, "main", "primary", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestImportDeduplicatesAcrossBranches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ds, err := env.svc.CreateDataset(ctx, "u1", service.CreateDatasetInput{Name: "D1"})
	require.NoError(t, err)
	_, err = env.svc.CreateRef(ctx, "u1", ds.ID, service.CreateRefInput{Name: "copy"})
	require.NoError(t, err)

	content := "id,name\n1,a\n2,b\n"
	for _, target := range []string{"main", "copy"} {
		_, err := env.svc.QueueImport(ctx, "u1", ds.ID, service.ImportParams{
			SourcePath: writeCSV(t, content),
			Filename:   "rows.csv",
			TargetRef:  target,
		})
		require.NoError(t, err)
		env.runOne(t, models.RunTypeImport)
	}

	// Two unique rows stored once, not once per branch.
	assert.Equal(t, 2, env.rowStoreCount(t))

	for _, target := range []string{"main", "copy"} {
		page, err := env.svc.GetTableData(ctx, "u1", ds.ID, target, "primary", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
	}
}

func TestImportConflictWhenRefMoved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ds, err := env.svc.CreateDataset(ctx, "u1", service.CreateDatasetInput{Name: "D1"})
	require.NoError(t, err)

	jobA, err := env.svc.QueueImport(ctx, "u1", ds.ID, service.ImportParams{
		SourcePath: writeCSV(t, "id\n1\n"), Filename: "rows.csv",
	})
	require.NoError(t, err)
	jobB, err := env.svc.QueueImport(ctx, "u1", ds.ID, service.ImportParams{
		SourcePath: writeCSV(t, "id\n2\n"), Filename: "rows.csv",
	})
	require.NoError(t, err)

	env.runOne(t, models.RunTypeImport)
	env.runOne(t, models.RunTypeImport)

	doneA, err := env.svc.GetJob(ctx, "u1", jobA.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, doneA.Status)

	doneB, err := env.svc.GetJob(ctx, "u1", jobB.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, doneB.Status)
	require.NotNil(t, doneB.ErrorMessage)
	assert.Contains(t, *doneB.ErrorMessage, "moved")

	// The ref stayed at job A's commit.
	var summaryA ImportSummary
	require.NoError(t, json.Unmarshal(doneA.OutputSummary, &summaryA))
	ref, err := env.svc.GetRef(ctx, "u1", ds.ID, "main")
	require.NoError(t, err)
	require.NotNil(t, ref.CommitID)
	assert.Equal(t, summaryA.NewCommitID, *ref.CommitID)
}

func TestCancelledJobInvisibleToWorkers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ds, err := env.svc.CreateDataset(ctx, "u1", service.CreateDatasetInput{Name: "D1"})
	require.NoError(t, err)

	size := 1
	job, err := env.svc.QueueSampling(ctx, "u1", ds.ID, service.SamplingParams{
		TableKey: "primary",
		Rounds:   []sampling.RoundSpec{{Method: sampling.MethodRandom, SampleSize: &size}},
	})
	require.NoError(t, err)

	_, err = env.svc.CancelJob(ctx, "u1", job.ID)
	require.NoError(t, err)

	runType := models.RunTypeSampling
	ran, err := env.pool.ProcessOne(ctx, &runType)
	require.NoError(t, err)
	assert.False(t, ran)

	got, err := env.svc.GetJob(ctx, "u1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func seedGroupedRows(t *testing.T, env *testEnv, ds string) {
	t.Helper()
	rows := make([]canonical.Row, 0, 6)
	for i, grp := range []string{"X", "X", "X", "Y", "Y", "Z"} {
		rows = append(rows, canonical.Row{"id": int64(i), "grp": grp})
	}
	_, err := env.svc.CreateCommitDirect(context.Background(), "u1", ds, "main", "seed", []prepare.Table{
		{Key: "primary", Rows: rows},
	})
	require.NoError(t, err)
}

func TestSamplingJobStratified(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ds, err := env.svc.CreateDataset(ctx, "u1", service.CreateDatasetInput{Name: "D1"})
	require.NoError(t, err)
	seedGroupedRows(t, env, ds.ID)

	per := 1
	seed := int64(42)
	branch := "sampled"
	job, err := env.svc.QueueSampling(ctx, "u1", ds.ID, service.SamplingParams{
		TableKey: "primary",
		Rounds: []sampling.RoundSpec{{
			Method:            sampling.MethodStratified,
			StrataColumns:     []string{"grp"},
			SamplesPerStratum: &per,
			RandomSeed:        &seed,
		}},
		ExportResidual:   true,
		OutputBranchName: &branch,
	})
	require.NoError(t, err)

	env.runOne(t, models.RunTypeSampling)

	done, err := env.svc.GetJob(ctx, "u1", job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, done.Status, "error: %v", done.ErrorMessage)

	var summary SamplingJobSummary
	require.NoError(t, json.Unmarshal(done.OutputSummary, &summary))
	assert.Equal(t, 3, summary.SamplingSummary.TotalSamples)
	assert.Equal(t, 3, summary.SamplingSummary.ResidualCount)

	// The output branch carries sample and residual tables; main is parent.
	keys, err := env.svc.ListTables(ctx, "u1", ds.ID, branch)
	require.NoError(t, err)
	assert.Equal(t, []string{SampleTableKey, ResidualTableKey}, keys)

	page, err := env.svc.GetTableData(ctx, "u1", ds.ID, branch, SampleTableKey, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	tip, err := env.svc.Checkout(ctx, "u1", ds.ID, branch)
	require.NoError(t, err)
	main, err := env.svc.GetRef(ctx, "u1", ds.ID, "main")
	require.NoError(t, err)
	require.NotNil(t, tip.ParentCommitID)
	assert.Equal(t, *main.CommitID, *tip.ParentCommitID)
}

func TestTransformJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ds, err := env.svc.CreateDataset(ctx, "u1", service.CreateDatasetInput{Name: "D1"})
	require.NoError(t, err)
	seedGroupedRows(t, env, ds.ID)

	job, err := env.svc.QueueTransform(ctx, "u1", service.TransformParams{
		Sources: []service.TransformSource{{Alias: "src", DatasetID: ds.ID, Ref: "main", TableKey: "primary"}},
		SQL:     "SELECT grp, COUNT(*) AS n FROM src GROUP BY grp ORDER BY grp",
		Target:  service.TransformTarget{DatasetID: ds.ID, Ref: "main", Message: "group counts"},
	})
	require.NoError(t, err)

	env.runOne(t, models.RunTypeSQLTransform)

	done, err := env.svc.GetJob(ctx, "u1", job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, done.Status, "error: %v", done.ErrorMessage)

	var summary TransformSummary
	require.NoError(t, json.Unmarshal(done.OutputSummary, &summary))
	assert.Equal(t, 3, summary.RowCount)
	assert.Equal(t, []string{"grp", "n"}, summary.Columns)

	page, err := env.svc.GetTableData(ctx, "u1", ds.ID, "main", "primary", 0, 10)
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	assert.Equal(t, "X", page.Rows[0]["grp"])
	assert.Equal(t, int64(3), page.Rows[0]["n"])
}

func TestTransformExpectedHeadConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ds, err := env.svc.CreateDataset(ctx, "u1", service.CreateDatasetInput{Name: "D1"})
	require.NoError(t, err)
	seedGroupedRows(t, env, ds.ID)

	stale := "0000000000000000000000000000000000000000000000000000000000000000"
	job, err := env.svc.QueueTransform(ctx, "u1", service.TransformParams{
		Sources: []service.TransformSource{{Alias: "src", DatasetID: ds.ID, Ref: "main", TableKey: "primary"}},
		SQL:     "SELECT * FROM src",
		Target: service.TransformTarget{
			DatasetID: ds.ID, Ref: "main", Message: "stale write",
			ExpectedHeadCommitID: &stale,
		},
	})
	require.NoError(t, err)

	env.runOne(t, models.RunTypeSQLTransform)

	done, err := env.svc.GetJob(ctx, "u1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Contains(t, *done.ErrorMessage, "expected head")
}

func TestTransformIntoNewDataset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ds, err := env.svc.CreateDataset(ctx, "u1", service.CreateDatasetInput{Name: "D1"})
	require.NoError(t, err)
	seedGroupedRows(t, env, ds.ID)

	job, err := env.svc.QueueTransform(ctx, "u1", service.TransformParams{
		Sources: []service.TransformSource{{Alias: "src", DatasetID: ds.ID, Ref: "main", TableKey: "primary"}},
		SQL:     "SELECT DISTINCT grp FROM src ORDER BY grp",
		Target:  service.TransformTarget{CreateNewDataset: true, NewDatasetName: "derived"},
	})
	require.NoError(t, err)

	env.runOne(t, models.RunTypeSQLTransform)

	done, err := env.svc.GetJob(ctx, "u1", job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, done.Status, "error: %v", done.ErrorMessage)

	var summary TransformSummary
	require.NoError(t, json.Unmarshal(done.OutputSummary, &summary))
	assert.NotEqual(t, ds.ID, summary.TargetDatasetID)

	page, err := env.svc.GetTableData(ctx, "u1", summary.TargetDatasetID, "main", "primary", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
}

func TestExplorationJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ds, err := env.svc.CreateDataset(ctx, "u1", service.CreateDatasetInput{Name: "D1"})
	require.NoError(t, err)
	seedGroupedRows(t, env, ds.ID)

	job, err := env.svc.QueueExploration(ctx, "u1", ds.ID, service.ExplorationParams{TableKey: "primary"})
	require.NoError(t, err)

	env.runOne(t, models.RunTypeExploration)

	done, err := env.svc.GetJob(ctx, "u1", job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, done.Status, "error: %v", done.ErrorMessage)

	var summary ExplorationSummary
	require.NoError(t, json.Unmarshal(done.OutputSummary, &summary))
	assert.Equal(t, 6, summary.Profile.RowCount)
	assert.Equal(t, 3, summary.Profile.Columns["grp"].DistinctCount)
}

func TestImportBadFileFailsCleanly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ds, err := env.svc.CreateDataset(ctx, "u1", service.CreateDatasetInput{Name: "D1"})
	require.NoError(t, err)

	path := writeCSV(t, "")
	job, err := env.svc.QueueImport(ctx, "u1", ds.ID, service.ImportParams{
		SourcePath: path, Filename: "rows.csv",
	})
	require.NoError(t, err)

	env.runOne(t, models.RunTypeImport)

	done, err := env.svc.GetJob(ctx, "u1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, done.Status)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "failed import must still delete its input")
}
