// Package permissions resolves (principal, resource, action) checks against
// the permission repository, memoized per request.
package permissions

import (
	"context"
	"fmt"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/models"
	"github.com/tabulahq/tabula/internal/storage"
)

// ResourceType names the kinds of resources permission checks understand.
type ResourceType string

const (
	ResourceDataset ResourceType = "dataset"
	ResourceJob     ResourceType = "job"
)

// Check is one (resource, user, level) query, used by RequireAll/RequireAny.
type Check struct {
	ResourceType ResourceType
	ResourceID   string
	UserID       string
	Level        models.PermissionLevel
}

type memoKey struct {
	resourceType ResourceType
	resourceID   string
	userID       string
	level        models.PermissionLevel
}

// Service is bound to one unit of work; the memoization map is valid only
// for that request and is discarded with it.
type Service struct {
	uow  *storage.UnitOfWork
	memo map[memoKey]bool
}

// NewService creates a request-scoped permission service.
func NewService(uow *storage.UnitOfWork) *Service {
	return &Service{uow: uow, memo: make(map[memoKey]bool)}
}

// Has reports whether the user holds at least the given level on the
// resource. A stored level satisfies any lower required level.
func (s *Service) Has(ctx context.Context, resourceType ResourceType, resourceID, userID string, level models.PermissionLevel) (bool, error) {
	if !level.Valid() {
		return false, apperrors.Validationf("unknown permission level %q", level)
	}
	key := memoKey{resourceType, resourceID, userID, level}
	if cached, ok := s.memo[key]; ok {
		return cached, nil
	}

	granted, err := s.resolve(ctx, resourceType, resourceID, userID, level)
	if err != nil {
		return false, err
	}
	s.memo[key] = granted
	return granted, nil
}

func (s *Service) resolve(ctx context.Context, resourceType ResourceType, resourceID, userID string, level models.PermissionLevel) (bool, error) {
	switch resourceType {
	case ResourceDataset:
		perm, err := s.uow.Datasets.GetPermission(ctx, resourceID, userID)
		if err != nil {
			return false, err
		}
		return perm != nil && perm.Level.Satisfies(level), nil
	case ResourceJob:
		// A user may act on a job they own, or on any job of a dataset they
		// hold the requisite level on.
		job, err := s.uow.Jobs.Get(ctx, resourceID)
		if err != nil {
			return false, err
		}
		if job.UserID == userID {
			return true, nil
		}
		return s.Has(ctx, ResourceDataset, job.DatasetID, userID, level)
	default:
		return false, apperrors.Validationf("unknown resource type %q", resourceType)
	}
}

// Require returns PermissionDenied unless the user holds the level.
func (s *Service) Require(ctx context.Context, resourceType ResourceType, resourceID, userID string, level models.PermissionLevel) error {
	granted, err := s.Has(ctx, resourceType, resourceID, userID, level)
	if err != nil {
		return err
	}
	if !granted {
		return apperrors.PermissionDenied(string(resourceType), resourceID, string(level))
	}
	return nil
}

// RequireAll succeeds only if every check passes.
func (s *Service) RequireAll(ctx context.Context, checks []Check) error {
	for _, c := range checks {
		if err := s.Require(ctx, c.ResourceType, c.ResourceID, c.UserID, c.Level); err != nil {
			return err
		}
	}
	return nil
}

// RequireAny succeeds if at least one check passes.
func (s *Service) RequireAny(ctx context.Context, checks []Check) error {
	if len(checks) == 0 {
		return apperrors.Validationf("RequireAny needs at least one check")
	}
	for _, c := range checks {
		granted, err := s.Has(ctx, c.ResourceType, c.ResourceID, c.UserID, c.Level)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
	}
	first := checks[0]
	return apperrors.PermissionDenied(string(first.ResourceType), first.ResourceID,
		fmt.Sprintf("any of %d grants", len(checks)))
}
