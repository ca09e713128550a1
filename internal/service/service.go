// Package service implements the versioning commands and queries on top of
// the storage layer. Every operation opens exactly one unit of work; domain
// events publish only after the transaction commits.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/cache"
	"github.com/tabulahq/tabula/internal/events"
	"github.com/tabulahq/tabula/internal/models"
	"github.com/tabulahq/tabula/internal/permissions"
	"github.com/tabulahq/tabula/internal/prepare"
	"github.com/tabulahq/tabula/internal/storage"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Service exposes dataset, ref, commit and job operations.
type Service struct {
	store         *storage.Store
	bus           *events.Bus
	schemas       cache.SchemaCache
	defaultBranch string
	logger        *slog.Logger
}

// New wires a Service. A nil bus or cache falls back to a private bus and a
// no-op cache; an empty default branch name falls back to "main".
func New(store *storage.Store, bus *events.Bus, schemas cache.SchemaCache, defaultBranch string) *Service {
	if bus == nil {
		bus = events.NewBus()
	}
	if schemas == nil {
		schemas = cache.Noop{}
	}
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Service{
		store:         store,
		bus:           bus,
		schemas:       schemas,
		defaultBranch: defaultBranch,
		logger:        slog.Default().With("component", "service"),
	}
}

// Bus exposes the event bus so callers can attach subscribers.
func (s *Service) Bus() *events.Bus { return s.bus }

func normalizePage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return offset, limit
}

// EnsureUser upserts the principal record, keeping foreign keys satisfied
// for externally issued identities.
func (s *Service) EnsureUser(ctx context.Context, user models.User) error {
	if user.ID == "" {
		return apperrors.Validationf("user id must not be empty")
	}
	return s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		return uow.Users.Upsert(ctx, &user)
	})
}

// CreateDatasetInput carries the caller-supplied dataset fields.
type CreateDatasetInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// CreateDataset creates the dataset, grants the creator admin, creates the
// default branch, and writes the empty initial commit the branch points at.
func (s *Service) CreateDataset(ctx context.Context, userID string, in CreateDatasetInput) (*models.Dataset, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperrors.Validationf("dataset name must not be empty")
	}
	if len(name) > 200 {
		return nil, apperrors.Validationf("dataset name must be at most 200 characters")
	}
	if err := models.ValidateTags(in.Tags); err != nil {
		return nil, err
	}

	ds := &models.Dataset{
		ID:            uuid.NewString(),
		Name:          name,
		Description:   in.Description,
		CreatedBy:     userID,
		DefaultBranch: s.defaultBranch,
		Tags:          in.Tags,
	}

	empty, err := prepare.PrepareTables(nil)
	if err != nil {
		return nil, err
	}
	initial, _ := prepare.BuildCommit(ds.ID, nil, "Initial commit", userID, time.Now().UTC(), empty)

	err = s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := uow.Users.Upsert(ctx, &models.User{ID: userID}); err != nil {
			return err
		}
		if err := uow.Datasets.Create(ctx, ds); err != nil {
			return err
		}
		if err := uow.Datasets.GrantPermission(ctx, models.Permission{
			DatasetID: ds.ID, UserID: userID, Level: models.LevelAdmin,
		}); err != nil {
			return err
		}
		if err := uow.Refs.Create(ctx, ds.ID, s.defaultBranch, nil); err != nil {
			return err
		}
		if err := uow.Commits.CreateWithManifest(ctx, initial, nil); err != nil {
			return err
		}
		if err := uow.Commits.CreateSchema(ctx, initial.CommitID, models.CommitSchema{}, nil); err != nil {
			return err
		}
		ok, err := uow.Refs.UpdateAtomically(ctx, ds.ID, s.defaultBranch, initial.CommitID, nil)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Conflictf("ref %s changed during dataset creation", s.defaultBranch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.Event{
		Type: events.DatasetCreated, AggregateType: "dataset", AggregateID: ds.ID, UserID: userID,
		Payload: map[string]interface{}{"name": ds.Name, "initial_commit_id": initial.CommitID},
	})
	return ds, nil
}

// GetDataset returns a dataset the user can read.
func (s *Service) GetDataset(ctx context.Context, userID, datasetID string) (*models.Dataset, error) {
	var ds *models.Dataset
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelRead); err != nil {
			return err
		}
		var err error
		ds, err = uow.Datasets.Get(ctx, datasetID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// DatasetPage is one page of datasets plus the unpaginated total.
type DatasetPage struct {
	Items  []models.Dataset `json:"items"`
	Total  int              `json:"total"`
	Offset int              `json:"offset"`
	Limit  int              `json:"limit"`
}

// ListDatasets lists datasets the user holds any permission on.
func (s *Service) ListDatasets(ctx context.Context, userID string, offset, limit int) (*DatasetPage, error) {
	offset, limit = normalizePage(offset, limit)
	page := &DatasetPage{Offset: offset, Limit: limit}
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		var err error
		page.Items, page.Total, err = uow.Datasets.ListForUser(ctx, userID, offset, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// UpdateDatasetInput carries optional dataset updates; nil fields are left
// unchanged.
type UpdateDatasetInput struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	Tags        *[]string `json:"tags"`
}

// UpdateDataset renames or re-describes a dataset, or replaces its tags.
func (s *Service) UpdateDataset(ctx context.Context, userID, datasetID string, in UpdateDatasetInput) (*models.Dataset, error) {
	if in.Tags != nil {
		if err := models.ValidateTags(*in.Tags); err != nil {
			return nil, err
		}
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return nil, apperrors.Validationf("dataset name must not be empty")
	}

	var ds *models.Dataset
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelWrite); err != nil {
			return err
		}
		current, err := uow.Datasets.Get(ctx, datasetID)
		if err != nil {
			return err
		}
		name, description := current.Name, current.Description
		if in.Name != nil {
			name = strings.TrimSpace(*in.Name)
		}
		if in.Description != nil {
			description = *in.Description
		}
		if err := uow.Datasets.Update(ctx, datasetID, name, description); err != nil {
			return err
		}
		if in.Tags != nil {
			if err := uow.Datasets.SetTags(ctx, datasetID, *in.Tags); err != nil {
				return err
			}
		}
		ds, err = uow.Datasets.Get(ctx, datasetID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.Event{
		Type: events.DatasetUpdated, AggregateType: "dataset", AggregateID: datasetID, UserID: userID,
	})
	return ds, nil
}

// DeleteDataset removes the dataset and everything it owns. Shared row-store
// entries survive.
func (s *Service) DeleteDataset(ctx context.Context, userID, datasetID string) error {
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelAdmin); err != nil {
			return err
		}
		return uow.Datasets.Delete(ctx, datasetID)
	})
	if err != nil {
		return err
	}

	s.bus.Publish(ctx, events.Event{
		Type: events.DatasetDeleted, AggregateType: "dataset", AggregateID: datasetID, UserID: userID,
	})
	return nil
}

// GrantPermission sets a user's level on a dataset. Requires admin.
func (s *Service) GrantPermission(ctx context.Context, userID, datasetID, granteeID string, level models.PermissionLevel) error {
	if !level.Valid() {
		return apperrors.Validationf("unknown permission level %q", level)
	}
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelAdmin); err != nil {
			return err
		}
		if err := uow.Users.Upsert(ctx, &models.User{ID: granteeID}); err != nil {
			return err
		}
		return uow.Datasets.GrantPermission(ctx, models.Permission{
			DatasetID: datasetID, UserID: granteeID, Level: level,
		})
	})
	if err != nil {
		return err
	}

	s.bus.Publish(ctx, events.Event{
		Type: events.PermissionGranted, AggregateType: "dataset", AggregateID: datasetID, UserID: userID,
		Payload: map[string]interface{}{"grantee": granteeID, "level": string(level)},
	})
	return nil
}

// RevokePermission removes a user's grant. The creator's admin grant cannot
// be revoked.
func (s *Service) RevokePermission(ctx context.Context, userID, datasetID, granteeID string) error {
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelAdmin); err != nil {
			return err
		}
		ds, err := uow.Datasets.Get(ctx, datasetID)
		if err != nil {
			return err
		}
		if ds.CreatedBy == granteeID {
			return apperrors.BusinessRule("protect_creator_grant", "the creator's admin grant cannot be revoked")
		}
		return uow.Datasets.RevokePermission(ctx, datasetID, granteeID)
	})
	if err != nil {
		return err
	}

	s.bus.Publish(ctx, events.Event{
		Type: events.PermissionRevoked, AggregateType: "dataset", AggregateID: datasetID, UserID: userID,
		Payload: map[string]interface{}{"grantee": granteeID},
	})
	return nil
}

// ListPermissions lists grants on a dataset. Requires read.
func (s *Service) ListPermissions(ctx context.Context, userID, datasetID string) ([]models.Permission, error) {
	var perms []models.Permission
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelRead); err != nil {
			return err
		}
		var err error
		perms, err = uow.Datasets.ListPermissions(ctx, datasetID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return perms, nil
}

// requireDataset runs a permission check inside the caller's unit of work.
func (s *Service) requireDataset(ctx context.Context, uow *storage.UnitOfWork, datasetID, userID string, level models.PermissionLevel) error {
	return permissions.NewService(uow).Require(ctx, permissions.ResourceDataset, datasetID, userID, level)
}
