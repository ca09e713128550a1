package service

import (
	"context"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/events"
	"github.com/tabulahq/tabula/internal/models"
	"github.com/tabulahq/tabula/internal/storage"
)

// CreateRefInput names the new ref and where it starts. Exactly one of
// FromRef and FromCommitID may be set; with neither, the ref starts at the
// default branch tip.
type CreateRefInput struct {
	Name         string  `json:"name"`
	FromRef      *string `json:"from_ref"`
	FromCommitID *string `json:"from_commit_id"`
}

// CreateRef creates a branch pointing at the resolved start commit.
func (s *Service) CreateRef(ctx context.Context, userID, datasetID string, in CreateRefInput) (*models.Ref, error) {
	if in.FromRef != nil && in.FromCommitID != nil {
		return nil, apperrors.Validationf("from_ref and from_commit_id are mutually exclusive")
	}

	var ref *models.Ref
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelWrite); err != nil {
			return err
		}

		var start *string
		switch {
		case in.FromCommitID != nil:
			commit, err := uow.Commits.Get(ctx, *in.FromCommitID)
			if err != nil {
				return err
			}
			if commit.DatasetID != datasetID {
				return apperrors.Validationf("commit %s belongs to another dataset", commit.CommitID)
			}
			start = &commit.CommitID
		default:
			source := s.defaultBranch
			if in.FromRef != nil {
				source = *in.FromRef
			}
			from, err := uow.Refs.Get(ctx, datasetID, source)
			if err != nil {
				return err
			}
			start = from.CommitID
		}

		if err := uow.Refs.Create(ctx, datasetID, in.Name, start); err != nil {
			return err
		}
		var err error
		ref, err = uow.Refs.Get(ctx, datasetID, in.Name)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.Event{
		Type: events.RefCreated, AggregateType: "ref", AggregateID: in.Name, UserID: userID,
		Payload: map[string]interface{}{"dataset_id": datasetID},
	})
	return ref, nil
}

// GetRef returns one ref. Requires read.
func (s *Service) GetRef(ctx context.Context, userID, datasetID, name string) (*models.Ref, error) {
	var ref *models.Ref
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelRead); err != nil {
			return err
		}
		var err error
		ref, err = uow.Refs.Get(ctx, datasetID, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// ListRefs lists a dataset's refs. Requires read.
func (s *Service) ListRefs(ctx context.Context, userID, datasetID string) ([]models.Ref, error) {
	var refs []models.Ref
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelRead); err != nil {
			return err
		}
		var err error
		refs, err = uow.Refs.List(ctx, datasetID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// DeleteRef deletes a branch. The default branch is protected.
func (s *Service) DeleteRef(ctx context.Context, userID, datasetID, name string) error {
	err := s.store.WithUoW(ctx, func(uow *storage.UnitOfWork) error {
		if err := s.requireDataset(ctx, uow, datasetID, userID, models.LevelWrite); err != nil {
			return err
		}
		return uow.Refs.Delete(ctx, datasetID, name)
	})
	if err != nil {
		return err
	}

	s.bus.Publish(ctx, events.Event{
		Type: events.RefDeleted, AggregateType: "ref", AggregateID: name, UserID: userID,
		Payload: map[string]interface{}{"dataset_id": datasetID},
	})
	return nil
}
