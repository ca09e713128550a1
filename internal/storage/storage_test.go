package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/canonical"
	"github.com/tabulahq/tabula/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	store, err := Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func createTestDataset(t *testing.T, store *Store, name string) *models.Dataset {
	t.Helper()
	ds := &models.Dataset{
		ID:            uuid.NewString(),
		Name:          name,
		CreatedBy:     "u1",
		DefaultBranch: "main",
	}
	err := store.WithUoW(context.Background(), func(uow *UnitOfWork) error {
		if err := uow.Datasets.Create(context.Background(), ds); err != nil {
			return err
		}
		return uow.Refs.Create(context.Background(), ds.ID, "main", nil)
	})
	require.NoError(t, err)
	return ds
}

func hashRows(t *testing.T, rows []canonical.Row) []canonical.HashedRow {
	t.Helper()
	hashed := make([]canonical.HashedRow, len(rows))
	for i, row := range rows {
		hr, err := canonical.HashRow(row)
		require.NoError(t, err)
		hashed[i] = hr
	}
	return hashed
}

// writeCommit inserts rows, a commit with a single-table manifest, and its
// schema, then returns the commit id.
func writeCommit(t *testing.T, store *Store, ds *models.Dataset, parent *string, rows []canonical.Row) string {
	t.Helper()
	ctx := context.Background()
	hashed := hashRows(t, rows)

	items := make([]canonical.ManifestItem, len(hashed))
	for i, hr := range hashed {
		items[i] = canonical.ManifestItem{
			TableKey:     "primary",
			LogicalRowID: logicalID("primary", i),
			RowHash:      hr.Hash,
		}
	}
	commitID := canonical.CommitID(canonical.CommitInput{
		DatasetID:      ds.ID,
		ParentCommitID: parent,
		Message:        "test commit",
		AuthorID:       "u1",
		Timestamp:      time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Manifest:       items,
	})

	entries := make([]models.ManifestEntry, len(items))
	for i, item := range items {
		entries[i] = models.ManifestEntry{
			CommitID:     commitID,
			TableKey:     item.TableKey,
			LogicalRowID: item.LogicalRowID,
			RowHash:      item.RowHash,
			Position:     i,
		}
	}
	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		if err := uow.Rows.AddRowsIfNotExist(ctx, hashed); err != nil {
			return err
		}
		commit := &models.Commit{
			CommitID:       commitID,
			DatasetID:      ds.ID,
			ParentCommitID: parent,
			Message:        "test commit",
			AuthorID:       "u1",
		}
		if err := uow.Commits.CreateWithManifest(ctx, commit, entries); err != nil {
			return err
		}
		return uow.Commits.CreateSchema(ctx, commitID, models.CommitSchema{
			"primary": {Columns: []models.Column{{Name: "id", Type: "integer"}}, RowCount: len(rows)},
		}, nil)
	})
	require.NoError(t, err)
	return commitID
}

func logicalID(table string, i int) string {
	return table + ":" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var digits []byte
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func TestDatasetCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")

	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		got, err := uow.Datasets.Get(ctx, ds.ID)
		require.NoError(t, err)
		assert.Equal(t, "D1", got.Name)
		assert.Equal(t, "main", got.DefaultBranch)
		return nil
	})
	require.NoError(t, err)
}

func TestDatasetDuplicateNameConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestDataset(t, store, "D1")

	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		return uow.Datasets.Create(ctx, &models.Dataset{
			ID: uuid.NewString(), Name: "D1", CreatedBy: "u1", DefaultBranch: "main",
		})
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))
}

func TestDatasetTagsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")

	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		return uow.Datasets.SetTags(ctx, ds.ID, []string{"weather", "daily"})
	})
	require.NoError(t, err)

	err = store.WithUoW(ctx, func(uow *UnitOfWork) error {
		tags, err := uow.Datasets.GetTags(ctx, ds.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"daily", "weather"}, tags)
		return nil
	})
	require.NoError(t, err)
}

func TestPermissionGrantAndUpgrade(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")

	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		if err := uow.Datasets.GrantPermission(ctx, models.Permission{
			DatasetID: ds.ID, UserID: "u2", Level: models.LevelRead,
		}); err != nil {
			return err
		}
		return uow.Datasets.GrantPermission(ctx, models.Permission{
			DatasetID: ds.ID, UserID: "u2", Level: models.LevelAdmin,
		})
	})
	require.NoError(t, err)

	err = store.WithUoW(ctx, func(uow *UnitOfWork) error {
		p, err := uow.Datasets.GetPermission(ctx, ds.ID, "u2")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, models.LevelAdmin, p.Level)
		return nil
	})
	require.NoError(t, err)
}

func TestRowStoreIdempotence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rows := hashRows(t, []canonical.Row{
		{"id": int64(1), "name": "a"},
		{"id": int64(2), "name": "b"},
	})

	for i := 0; i < 2; i++ {
		err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
			return uow.Rows.AddRowsIfNotExist(ctx, rows)
		})
		require.NoError(t, err)
	}

	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		n, err := uow.Rows.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := uow.Rows.GetRowsByHash(ctx, []string{rows[0].Hash, rows[1].Hash, "missing"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Equal(t, rows[0].CanonicalJSON, got[rows[0].Hash])
		return nil
	})
	require.NoError(t, err)
}

func TestRowStoreDuplicateWithinBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	hr, err := canonical.HashRow(canonical.Row{"id": int64(1)})
	require.NoError(t, err)

	err = store.WithUoW(ctx, func(uow *UnitOfWork) error {
		return uow.Rows.AddRowsIfNotExist(ctx, []canonical.HashedRow{hr, hr})
	})
	require.NoError(t, err)
}

func TestCommitCreateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")

	rows := []canonical.Row{{"id": int64(1)}, {"id": int64(2)}}
	first := writeCommit(t, store, ds, nil, rows)
	second := writeCommit(t, store, ds, nil, rows)
	assert.Equal(t, first, second)

	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		n, err := uow.Commits.CountRows(ctx, first, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})
	require.NoError(t, err)
}

func TestCommitHistoryWalksParentChain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")

	c1 := writeCommit(t, store, ds, nil, []canonical.Row{{"id": int64(1)}})
	c2 := writeCommit(t, store, ds, &c1, []canonical.Row{{"id": int64(2)}})
	c3 := writeCommit(t, store, ds, &c2, []canonical.Row{{"id": int64(3)}})

	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		ok, err := uow.Refs.UpdateAtomically(ctx, ds.ID, "main", c3, nil)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	err = store.WithUoW(ctx, func(uow *UnitOfWork) error {
		history, err := uow.Commits.History(ctx, ds.ID, "main", 0, 10)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, c3, history[0].CommitID)
		assert.Equal(t, c2, history[1].CommitID)
		assert.Equal(t, c1, history[2].CommitID)
		// The chain terminates at an initial commit.
		assert.Nil(t, history[2].ParentCommitID)

		total, err := uow.Commits.CountForRef(ctx, ds.ID, "main")
		require.NoError(t, err)
		assert.Equal(t, 3, total)

		page, err := uow.Commits.History(ctx, ds.ID, "main", 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, c2, page[0].CommitID)
		return nil
	})
	require.NoError(t, err)
}

func TestRefCASFirstAdvanceFromNull(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")
	c1 := writeCommit(t, store, ds, nil, []canonical.Row{{"id": int64(1)}})

	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		ok, err := uow.Refs.UpdateAtomically(ctx, ds.ID, "main", c1, nil)
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestRefCASConflictLeavesRefUnchanged(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")
	c1 := writeCommit(t, store, ds, nil, []canonical.Row{{"id": int64(1)}})
	c2 := writeCommit(t, store, ds, &c1, []canonical.Row{{"id": int64(2)}})

	// First advance from null succeeds; a second advance that still expects
	// null must fail and leave the ref at c1.
	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		ok, err := uow.Refs.UpdateAtomically(ctx, ds.ID, "main", c1, nil)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	err = store.WithUoW(ctx, func(uow *UnitOfWork) error {
		ok, err := uow.Refs.UpdateAtomically(ctx, ds.ID, "main", c2, nil)
		require.NoError(t, err)
		assert.False(t, ok)

		ref, err := uow.Refs.Get(ctx, ds.ID, "main")
		require.NoError(t, err)
		require.NotNil(t, ref.CommitID)
		assert.Equal(t, c1, *ref.CommitID)
		return nil
	})
	require.NoError(t, err)
}

func TestRefCASExactlyOneWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")
	base := writeCommit(t, store, ds, nil, []canonical.Row{{"id": int64(0)}})

	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		ok, err := uow.Refs.UpdateAtomically(ctx, ds.ID, "main", base, nil)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	// N advance attempts from the same expected tip: exactly one wins.
	wins := 0
	for i := 1; i <= 5; i++ {
		next := writeCommit(t, store, ds, &base, []canonical.Row{{"id": int64(i)}})
		err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
			ok, err := uow.Refs.UpdateAtomically(ctx, ds.ID, "main", next, &base)
			require.NoError(t, err)
			if ok {
				wins++
			}
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, wins)
}

func TestRefDeleteProtectsDefaultBranch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")

	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		return uow.Refs.Delete(ctx, ds.ID, "main")
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindBusinessRule))
	ae := apperrors.AsError(err)
	assert.Equal(t, "protect_default_branch", ae.Code)

	// The ref remains.
	err = store.WithUoW(ctx, func(uow *UnitOfWork) error {
		_, err := uow.Refs.Get(ctx, ds.ID, "main")
		return err
	})
	require.NoError(t, err)
}

func TestRefDeleteNonDefault(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")

	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		if err := uow.Refs.Create(ctx, ds.ID, "feature/x", nil); err != nil {
			return err
		}
		return uow.Refs.Delete(ctx, ds.ID, "feature/x")
	})
	require.NoError(t, err)
}

func TestRefCreateDuplicateConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")

	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		return uow.Refs.Create(ctx, ds.ID, "main", nil)
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))
}

func createTestJob(t *testing.T, store *Store, ds *models.Dataset, runType models.RunType) *models.Job {
	t.Helper()
	job := &models.Job{RunType: runType, DatasetID: ds.ID, UserID: "u1"}
	err := store.WithUoW(context.Background(), func(uow *UnitOfWork) error {
		return uow.Jobs.Create(context.Background(), job)
	})
	require.NoError(t, err)
	return job
}

func TestJobAcquireClaimsOldestExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")

	first := createTestJob(t, store, ds, models.RunTypeImport)
	time.Sleep(5 * time.Millisecond) // distinct created_at ordering
	second := createTestJob(t, store, ds, models.RunTypeImport)

	a, err := store.AcquireNextPendingJob(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, first.ID, a.ID)
	assert.Equal(t, models.JobRunning, a.Status)

	b, err := store.AcquireNextPendingJob(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, second.ID, b.ID)

	c, err := store.AcquireNextPendingJob(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestJobAcquireFiltersByRunType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")

	createTestJob(t, store, ds, models.RunTypeImport)
	sampling := createTestJob(t, store, ds, models.RunTypeSampling)

	rt := models.RunTypeSampling
	job, err := store.AcquireNextPendingJob(ctx, &rt)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, sampling.ID, job.ID)
}

func TestJobStatusTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")
	job := createTestJob(t, store, ds, models.RunTypeImport)

	acquired, err := store.AcquireNextPendingJob(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, acquired)

	err = store.WithUoW(ctx, func(uow *UnitOfWork) error {
		return uow.Jobs.UpdateStatus(ctx, job.ID, models.JobCompleted,
			[]byte(`{"rows_processed":2}`), nil)
	})
	require.NoError(t, err)

	err = store.WithUoW(ctx, func(uow *UnitOfWork) error {
		got, err := uow.Jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)
		assert.JSONEq(t, `{"rows_processed":2}`, string(got.OutputSummary))

		// completed is terminal
		err = uow.Jobs.UpdateStatus(ctx, job.ID, models.JobRunning, nil, nil)
		assert.True(t, apperrors.IsKind(err, apperrors.KindBusinessRule))
		return nil
	})
	require.NoError(t, err)
}

func TestJobCancelPendingIsInvisibleToWorkers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")
	job := createTestJob(t, store, ds, models.RunTypeSampling)

	err := store.WithUoW(ctx, func(uow *UnitOfWork) error {
		status, err := uow.Jobs.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobCancelled, status)
		return nil
	})
	require.NoError(t, err)

	acquired, err := store.AcquireNextPendingJob(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, acquired)

	err = store.WithUoW(ctx, func(uow *UnitOfWork) error {
		got, err := uow.Jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobCancelled, got.Status)
		assert.NotNil(t, got.CompletedAt)
		return nil
	})
	require.NoError(t, err)
}

func TestJobCancelRunningSetsCooperativeFlag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")
	job := createTestJob(t, store, ds, models.RunTypeImport)

	_, err := store.AcquireNextPendingJob(ctx, nil)
	require.NoError(t, err)

	err = store.WithUoW(ctx, func(uow *UnitOfWork) error {
		status, err := uow.Jobs.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobRunning, status)

		flagged, err := uow.Jobs.IsCancelRequested(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, flagged)
		return nil
	})
	require.NoError(t, err)
}

func TestJobCancelTerminalIsBadState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ds := createTestDataset(t, store, "D1")
	job := createTestJob(t, store, ds, models.RunTypeImport)

	_, err := store.AcquireNextPendingJob(ctx, nil)
	require.NoError(t, err)
	err = store.WithUoW(ctx, func(uow *UnitOfWork) error {
		return uow.Jobs.UpdateStatus(ctx, job.ID, models.JobFailed, nil, strPtr("boom"))
	})
	require.NoError(t, err)

	err = store.WithUoW(ctx, func(uow *UnitOfWork) error {
		_, err := uow.Jobs.RequestCancel(ctx, job.ID)
		return err
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindBusinessRule))
}

func strPtr(s string) *string { return &s }

func TestUnitOfWorkRollsBackAllWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	ds := &models.Dataset{ID: uuid.NewString(), Name: "D1", CreatedBy: "u1", DefaultBranch: "main"}
	require.NoError(t, uow.Datasets.Create(ctx, ds))
	require.NoError(t, uow.Refs.Create(ctx, ds.ID, "main", nil))
	require.NoError(t, uow.Rollback())

	err = store.WithUoW(ctx, func(inner *UnitOfWork) error {
		_, err := inner.Datasets.Get(ctx, ds.ID)
		assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
		return nil
	})
	require.NoError(t, err)
}
