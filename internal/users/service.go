package users

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id int64) (User, error)
}

// Service handles user directory reads and the user-facing RBAC views.
type Service struct {
	repo  RepositoryPort
	roles rbac.RoleService
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, roles rbac.RoleService) *Service {
	return &Service{repo: repo, roles: roles}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// Roles returns the user's currently valid roles.
func (s *Service) Roles(ctx context.Context, userID, organizationID int64) ([]rbac.RoleInfo, error) {
	if err := s.ensureUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.roles.GetUserRoles(ctx, userID, organizationID)
}

// Permissions returns the user's resolved permissions at scope.
func (s *Service) Permissions(ctx context.Context, userID int64, scope rbac.Scope, resourceID string) ([]rbac.PermissionInfo, error) {
	if err := s.ensureUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.roles.GetUserPermissions(ctx, userID, scope, resourceID)
}

func (s *Service) ensureUser(ctx context.Context, userID int64) error {
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		return fmt.Errorf("user %d: %w", userID, err)
	}
	return nil
}
