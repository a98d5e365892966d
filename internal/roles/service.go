package roles

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	ListBindings(ctx context.Context, roleID int64) ([]rbac.Binding, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes role and binding writes inside one transaction.
type TxRepository interface {
	Lock(ctx context.Context, key int64) error
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	GetRole(ctx context.Context, id int64) (rbac.Role, error)
	InsertRole(ctx context.Context, role rbac.Role) (rbac.Role, error)
	UpdateRole(ctx context.Context, role rbac.Role) error
	UpdateDerived(ctx context.Context, role rbac.Role) error
	SoftDeleteRole(ctx context.Context, id, actorID int64, at time.Time) error
	CountActiveChildren(ctx context.Context, id int64) (int, error)
	DeactivateAssignments(ctx context.Context, roleID, actorID int64, at time.Time) (int64, error)
	EnsurePermission(ctx context.Context, code string) (int64, error)
	InsertBinding(ctx context.Context, b rbac.Binding) (rbac.Binding, error)
	DeleteBinding(ctx context.Context, roleID, bindingID int64) (rbac.Binding, error)
	ListBindings(ctx context.Context, roleID int64) ([]rbac.Binding, error)
	SetInlinePermissions(ctx context.Context, roleID int64, perms map[string]rbac.Effect) error
}

// Config carries the optional collaborators of Service.
type Config struct {
	Cache     *rbac.DecisionCache
	Publisher rbac.Publisher
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Service handles role business logic.
type Service struct {
	repo      RepositoryPort
	cache     *rbac.DecisionCache
	publisher rbac.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cfg.Cache, publisher: cfg.Publisher, logger: logger, now: clock}
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	return s.repo.ListRoles(ctx)
}

// ListBindings returns the bindings held directly by roleID.
func (s *Service) ListBindings(ctx context.Context, roleID int64) ([]rbac.Binding, error) {
	return s.repo.ListBindings(ctx, roleID)
}

// CreateRole validates and stores a custom role.
func (s *Service) CreateRole(ctx context.Context, in CreateRoleInput, actorID int64) (rbac.Role, error) {
	in.Code = strings.ToLower(strings.TrimSpace(in.Code))
	in.Name = strings.TrimSpace(in.Name)
	if err := rbac.ValidateStruct(in); err != nil {
		return rbac.Role{}, err
	}
	if strings.HasPrefix(in.Code, "system.") {
		return rbac.Role{}, &rbac.ValidationError{Field: "code", Reason: "the system namespace is reserved", Codes: []string{in.Code}}
	}
	now := s.now()
	role := rbac.Role{
		Code:             in.Code,
		Name:             in.Name,
		Description:      in.Description,
		Type:             in.Type,
		ParentID:         in.ParentID,
		OrganizationID:   in.OrganizationID,
		DepartmentID:     in.DepartmentID,
		Priority:         in.Priority,
		IsActive:         true,
		RequiresApproval: in.RequiresApproval,
		Permissions:      map[string]rbac.Effect{},
		CreatedAt:        now,
		CreatedBy:        actorID,
	}
	if err := role.Anchor().Validate(); err != nil {
		return rbac.Role{}, err
	}
	var created rbac.Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.Lock(ctx, shared.HierarchyLockKey); err != nil {
			return err
		}
		all, err := tx.ListRoles(ctx)
		if err != nil {
			return err
		}
		derived, err := rbac.NewHierarchy(all).Derive(role)
		if err != nil {
			return err
		}
		created, err = tx.InsertRole(ctx, derived)
		return err
	})
	if err != nil {
		return rbac.Role{}, err
	}
	s.afterWrite(ctx, rbac.NewRoleCreatedEvent(created, actorID, now))
	return created, nil
}

// UpdateRole applies in to a non-system role. Re-parenting recomputes depth
// and path for the role and every descendant.
func (s *Service) UpdateRole(ctx context.Context, id int64, in UpdateRoleInput, actorID int64) (rbac.Role, error) {
	if err := rbac.ValidateStruct(in); err != nil {
		return rbac.Role{}, err
	}
	now := s.now()
	var (
		updated rbac.Role
		changed []string
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		changed = changed[:0]
		if err := tx.Lock(ctx, shared.HierarchyLockKey); err != nil {
			return err
		}
		role, err := tx.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return fmt.Errorf("%w: system role %s is read-only", rbac.ErrPermissionDenied, role.Code)
		}
		if in.Name != nil && strings.TrimSpace(*in.Name) != role.Name {
			role.Name = strings.TrimSpace(*in.Name)
			changed = append(changed, "name")
		}
		if in.Description != nil && *in.Description != role.Description {
			role.Description = *in.Description
			changed = append(changed, "description")
		}
		if in.Priority != nil && *in.Priority != role.Priority {
			role.Priority = *in.Priority
			changed = append(changed, "priority")
		}
		if in.IsActive != nil && *in.IsActive != role.IsActive {
			role.IsActive = *in.IsActive
			changed = append(changed, "is_active")
		}
		if in.RequiresApproval != nil && *in.RequiresApproval != role.RequiresApproval {
			role.RequiresApproval = *in.RequiresApproval
			changed = append(changed, "requires_approval")
		}
		reparent := in.ParentID != nil && *in.ParentID != role.ParentID
		if reparent {
			role.ParentID = *in.ParentID
			changed = append(changed, "parent_id")
		}
		role.UpdatedAt = now
		role.UpdatedBy = actorID
		if !reparent {
			updated = role
			return tx.UpdateRole(ctx, role)
		}

		all, err := tx.ListRoles(ctx)
		if err != nil {
			return err
		}
		h := rbac.NewHierarchy(all)
		derived, err := h.Derive(role)
		if err != nil {
			return err
		}
		h.Put(derived)
		if err := tx.UpdateRole(ctx, derived); err != nil {
			return err
		}
		descendants, err := h.Rederive(derived.ID)
		if err != nil {
			return err
		}
		for _, d := range descendants {
			if err := tx.UpdateDerived(ctx, d); err != nil {
				return err
			}
		}
		updated = derived
		return nil
	})
	if err != nil {
		return rbac.Role{}, err
	}
	if len(changed) > 0 {
		s.afterWrite(ctx, rbac.NewRoleUpdatedEvent(updated, changed, actorID, now))
	}
	return updated, nil
}

// DeleteRole soft-deletes a childless, non-system role and deactivates its
// assignments.
func (s *Service) DeleteRole(ctx context.Context, id, actorID int64) error {
	now := s.now()
	var deleted rbac.Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.Lock(ctx, shared.HierarchyLockKey); err != nil {
			return err
		}
		role, err := tx.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return fmt.Errorf("%w: system role %s cannot be deleted", rbac.ErrPermissionDenied, role.Code)
		}
		children, err := tx.CountActiveChildren(ctx, id)
		if err != nil {
			return err
		}
		if children > 0 {
			return &rbac.ValidationError{Field: "id", Reason: fmt.Sprintf("role still has %d child roles", children), Codes: []string{role.Code}}
		}
		n, err := tx.DeactivateAssignments(ctx, id, actorID, now)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.Info("role assignments deactivated", slog.String("role", role.Code), slog.Int64("count", n))
		}
		deleted = role
		return tx.SoftDeleteRole(ctx, id, actorID, now)
	})
	if err != nil {
		return err
	}
	s.afterWrite(ctx, rbac.NewRoleDeletedEvent(deleted, actorID, now))
	return nil
}

// AddBinding grants or denies a permission on a role. Unscoped bindings take
// the role's anchor, and a scoped binding must lie within it.
func (s *Service) AddBinding(ctx context.Context, roleID int64, in BindingInput, actorID int64) (rbac.Binding, error) {
	in.Permission = rbac.NormalizePermissionCode(in.Permission)
	in.Effect = rbac.Effect(strings.ToUpper(strings.TrimSpace(string(in.Effect))))
	if err := rbac.ValidateStruct(in); err != nil {
		return rbac.Binding{}, err
	}
	now := s.now()
	var (
		role    rbac.Role
		created rbac.Binding
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		role, err = tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return fmt.Errorf("%w: system role %s is read-only", rbac.ErrPermissionDenied, role.Code)
		}
		b := rbac.Binding{
			RoleID:         roleID,
			PermissionCode: in.Permission,
			Effect:         in.Effect,
			OrganizationID: in.OrganizationID,
			DepartmentID:   in.DepartmentID,
			ResourceID:     strings.TrimSpace(in.ResourceID),
			Conditions:     in.Conditions,
			ValidFrom:      in.ValidFrom,
			ValidUntil:     in.ValidUntil,
			CreatedAt:      now,
			CreatedBy:      actorID,
		}
		if err := b.Validate(); err != nil {
			return err
		}
		if b.OrganizationID == 0 && role.OrganizationID != 0 {
			return &rbac.ValidationError{Field: "scope", Reason: "a global binding cannot be added to a scoped role", Codes: []string{role.Code, b.PermissionCode}}
		}
		if !role.Anchor().Contains(rbac.Scope{OrganizationID: b.OrganizationID, DepartmentID: b.DepartmentID}) {
			return &rbac.ValidationError{Field: "scope", Reason: "binding scope must lie within the role scope", Codes: []string{role.Code, b.PermissionCode}}
		}
		existing, err := tx.ListBindings(ctx, roleID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Key() == b.Key() {
				return fmt.Errorf("binding %s already exists on role %s: %w", b.PermissionCode, role.Code, shared.ErrConflict)
			}
		}
		if b.PermissionID, err = tx.EnsurePermission(ctx, b.PermissionCode); err != nil {
			return err
		}
		if created, err = tx.InsertBinding(ctx, b); err != nil {
			return err
		}
		return tx.SetInlinePermissions(ctx, roleID, InlinePermissions(append(existing, created)))
	})
	if err != nil {
		return rbac.Binding{}, err
	}
	s.afterWrite(ctx, rbac.NewPermissionChangedEvent(role, created, []string{created.PermissionCode}, nil, actorID, now))
	return created, nil
}

// RemoveBinding deletes one binding from a non-system role.
func (s *Service) RemoveBinding(ctx context.Context, roleID, bindingID, actorID int64) error {
	now := s.now()
	var (
		role    rbac.Role
		removed rbac.Binding
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		role, err = tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return fmt.Errorf("%w: system role %s is read-only", rbac.ErrPermissionDenied, role.Code)
		}
		if removed, err = tx.DeleteBinding(ctx, roleID, bindingID); err != nil {
			return err
		}
		remaining, err := tx.ListBindings(ctx, roleID)
		if err != nil {
			return err
		}
		return tx.SetInlinePermissions(ctx, roleID, InlinePermissions(remaining))
	})
	if err != nil {
		return err
	}
	s.afterWrite(ctx, rbac.NewPermissionChangedEvent(role, removed, nil, []string{removed.PermissionCode}, actorID, now))
	return nil
}

// Bootstrap seeds the system permission vocabulary and the built-in roles
// with their global ALLOW bindings. Running it again only fills gaps.
func (s *Service) Bootstrap(ctx context.Context) (BootstrapResult, error) {
	now := s.now()
	var (
		result BootstrapResult
		events []rbac.Event
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result = BootstrapResult{}
		events = events[:0]
		if err := tx.Lock(ctx, shared.BootstrapLockKey); err != nil {
			return err
		}
		if err := tx.Lock(ctx, shared.HierarchyLockKey); err != nil {
			return err
		}
		permIDs := make(map[string]int64)
		ensure := func(code string) (int64, error) {
			if id, ok := permIDs[code]; ok {
				return id, nil
			}
			id, err := tx.EnsurePermission(ctx, code)
			if err != nil {
				return 0, fmt.Errorf("ensure permission %s: %w", code, err)
			}
			permIDs[code] = id
			return id, nil
		}
		for _, code := range rbac.SystemPermissionCodes() {
			if _, err := ensure(code); err != nil {
				return err
			}
		}

		all, err := tx.ListRoles(ctx)
		if err != nil {
			return err
		}
		h := rbac.NewHierarchy(all)
		byCode := make(map[string]rbac.Role, len(all))
		for _, r := range all {
			byCode[r.Code] = r
		}
		for _, def := range rbac.SystemRoleDefinitions() {
			role, ok := byCode[def.Code]
			if !ok {
				role = rbac.Role{
					Code:        def.Code,
					Name:        def.Name,
					Type:        def.Type,
					IsSystem:    true,
					IsActive:    true,
					Permissions: map[string]rbac.Effect{},
					CreatedAt:   now,
				}
				if def.ParentCode != "" {
					parent, ok := byCode[def.ParentCode]
					if !ok {
						return fmt.Errorf("bootstrap: parent %s of %s missing", def.ParentCode, def.Code)
					}
					role.ParentID = parent.ID
				}
				derived, err := h.Derive(role)
				if err != nil {
					return err
				}
				if role, err = tx.InsertRole(ctx, derived); err != nil {
					return err
				}
				h.Put(role)
				byCode[role.Code] = role
				result.RolesCreated++
				events = append(events, rbac.NewRoleCreatedEvent(role, 0, now))
			}

			existing, err := tx.ListBindings(ctx, role.ID)
			if err != nil {
				return err
			}
			have := make(map[rbac.PermissionKey]bool, len(existing))
			for _, b := range existing {
				have[b.Key()] = true
			}
			var added []string
			for _, code := range def.Permissions {
				b := rbac.Binding{RoleID: role.ID, PermissionCode: code, Effect: rbac.EffectAllow, CreatedAt: now}
				if have[b.Key()] {
					continue
				}
				if b.PermissionID, err = ensure(code); err != nil {
					return err
				}
				if b, err = tx.InsertBinding(ctx, b); err != nil {
					return err
				}
				existing = append(existing, b)
				added = append(added, code)
			}
			if len(added) == 0 {
				continue
			}
			result.BindingsCreated += len(added)
			if err := tx.SetInlinePermissions(ctx, role.ID, InlinePermissions(existing)); err != nil {
				return err
			}
			events = append(events, rbac.NewPermissionChangedEvent(role, rbac.Binding{}, added, nil, 0, now))
		}
		result.Permissions = len(permIDs)
		return nil
	})
	if err != nil {
		return BootstrapResult{}, err
	}
	if result.RolesCreated == 0 && result.BindingsCreated == 0 {
		return result, nil
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Error("rbac cache bump", slog.Any("error", err))
	}
	for _, ev := range events {
		s.publish(ctx, ev)
	}
	s.logger.Info("rbac bootstrap complete",
		slog.Int("permissions", result.Permissions),
		slog.Int("roles_created", result.RolesCreated),
		slog.Int("bindings_created", result.BindingsCreated))
	return result, nil
}

// InlinePermissions summarises bindings as code to effect; DENY wins when a
// code is bound with both effects.
func InlinePermissions(bindings []rbac.Binding) map[string]rbac.Effect {
	out := make(map[string]rbac.Effect, len(bindings))
	for _, b := range bindings {
		if out[b.PermissionCode] == rbac.EffectDeny {
			continue
		}
		out[b.PermissionCode] = b.Effect
	}
	return out
}

func (s *Service) afterWrite(ctx context.Context, event rbac.Event) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Error("rbac cache bump", slog.Any("error", err))
	}
	s.publish(ctx, event)
}

func (s *Service) publish(ctx context.Context, event rbac.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("rbac publish event", slog.String("type", string(event.Type)), slog.Any("error", err))
	}
}

