package permissions

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/models"
	"github.com/tabulahq/tabula/internal/storage"
)

func setup(t *testing.T) (*storage.Store, *models.Dataset) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	store, err := storage.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	ds := &models.Dataset{ID: uuid.NewString(), Name: "D1", CreatedBy: "owner", DefaultBranch: "main"}
	require.NoError(t, store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := uow.Datasets.Create(ctx, ds); err != nil {
			return err
		}
		return uow.Datasets.GrantPermission(ctx, models.Permission{
			DatasetID: ds.ID, UserID: "owner", Level: models.LevelAdmin,
		})
	}))
	return store, ds
}

func TestAdminSatisfiesAllLevels(t *testing.T) {
	store, ds := setup(t)
	ctx := context.Background()

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	defer uow.Rollback()

	svc := NewService(uow)
	for _, level := range []models.PermissionLevel{models.LevelRead, models.LevelWrite, models.LevelAdmin} {
		granted, err := svc.Has(ctx, ResourceDataset, ds.ID, "owner", level)
		require.NoError(t, err)
		assert.True(t, granted, "admin should satisfy %s", level)
	}
}

func TestReadDoesNotSatisfyWrite(t *testing.T) {
	store, ds := setup(t)
	ctx := context.Background()

	require.NoError(t, store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		return uow.Datasets.GrantPermission(ctx, models.Permission{
			DatasetID: ds.ID, UserID: "viewer", Level: models.LevelRead,
		})
	}))

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	defer uow.Rollback()

	svc := NewService(uow)
	require.NoError(t, svc.Require(ctx, ResourceDataset, ds.ID, "viewer", models.LevelRead))

	err = svc.Require(ctx, ResourceDataset, ds.ID, "viewer", models.LevelWrite)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPermissionDenied))
}

func TestNoGrantIsDenied(t *testing.T) {
	store, ds := setup(t)
	ctx := context.Background()

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	defer uow.Rollback()

	svc := NewService(uow)
	err = svc.Require(ctx, ResourceDataset, ds.ID, "stranger", models.LevelRead)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPermissionDenied))
}

func TestJobOwnerMayActWithoutDatasetGrant(t *testing.T) {
	store, ds := setup(t)
	ctx := context.Background()

	job := &models.Job{RunType: models.RunTypeImport, DatasetID: ds.ID, UserID: "runner"}
	require.NoError(t, store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		return uow.Jobs.Create(ctx, job)
	}))

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	defer uow.Rollback()

	svc := NewService(uow)
	require.NoError(t, svc.Require(ctx, ResourceJob, job.ID, "runner", models.LevelWrite))

	// Dataset admin may also act on the job.
	require.NoError(t, svc.Require(ctx, ResourceJob, job.ID, "owner", models.LevelWrite))

	err = svc.Require(ctx, ResourceJob, job.ID, "stranger", models.LevelWrite)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPermissionDenied))
}

func TestMemoizationWithinRequest(t *testing.T) {
	store, ds := setup(t)
	ctx := context.Background()

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	defer uow.Rollback()

	svc := NewService(uow)
	granted, err := svc.Has(ctx, ResourceDataset, ds.ID, "owner", models.LevelAdmin)
	require.NoError(t, err)
	require.True(t, granted)

	// Revoking mid-request does not change the memoized answer; the memo is
	// scoped to this unit of work by design.
	require.NoError(t, uow.Datasets.RevokePermission(ctx, ds.ID, "owner"))
	granted, err = svc.Has(ctx, ResourceDataset, ds.ID, "owner", models.LevelAdmin)
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestRequireAnyAndAll(t *testing.T) {
	store, ds := setup(t)
	ctx := context.Background()

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	defer uow.Rollback()

	svc := NewService(uow)
	checks := []Check{
		{ResourceDataset, ds.ID, "stranger", models.LevelRead},
		{ResourceDataset, ds.ID, "owner", models.LevelAdmin},
	}
	require.NoError(t, svc.RequireAny(ctx, checks))

	err = svc.RequireAll(ctx, checks)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPermissionDenied))
}
