package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// RoleService is the boundary the rest of the application uses for roles and
// permission checks. Service is the in-process implementation.
type RoleService interface {
	GetRole(ctx context.Context, roleID int64) (*RoleInfo, error)
	GetUserRoles(ctx context.Context, userID, organizationID int64) ([]RoleInfo, error)
	GetUserPermissions(ctx context.Context, userID int64, scope Scope, resourceID string) ([]PermissionInfo, error)
	UserHasPermission(ctx context.Context, userID int64, permission string, scope Scope, resourceID string) bool
	AssignRoleToUser(ctx context.Context, req AssignRequest) (bool, error)
	RevokeRoleFromUser(ctx context.Context, req RevokeRequest) (bool, error)
	GetOrganizationRoles(ctx context.Context, organizationID int64) ([]RoleInfo, error)
	GetDepartmentRoles(ctx context.Context, departmentID int64) ([]RoleInfo, error)
}

// Store defines data access used by Service.
type Store interface {
	GetRole(ctx context.Context, id int64) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListRolesByOrganization(ctx context.Context, organizationID int64) ([]Role, error)
	ListRolesByDepartment(ctx context.Context, departmentID int64) ([]Role, error)
	ListBindings(ctx context.Context, roleIDs []int64) ([]Binding, error)
	ListUserAssignments(ctx context.Context, userID int64) ([]Assignment, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
}

// TxStore exposes assignment writes inside one transaction.
type TxStore interface {
	FindActiveAssignment(ctx context.Context, key AssignmentKey) (Assignment, error)
	FindLatestAssignment(ctx context.Context, key AssignmentKey) (Assignment, error)
	LockAssignment(ctx context.Context, id int64) (Assignment, error)
	InsertAssignment(ctx context.Context, a Assignment) (Assignment, error)
	UpdateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	ClearPrimary(ctx context.Context, userID, organizationID, exceptID int64) error
}

// Directory confirms that assignment targets exist.
type Directory interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
	ScopeExists(ctx context.Context, scope Scope) (bool, error)
}

// ApprovalLogger records approval workflow steps and reads them back.
type ApprovalLogger interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref int64) ([]shared.ApprovalLog, error)
}

// DecisionRecorder observes resolved decisions.
type DecisionRecorder interface {
	ObserveDecision(reason string, allowed, cached bool)
}

// ServiceConfig carries the optional collaborators of Service.
type ServiceConfig struct {
	Directory Directory
	Cache     *DecisionCache
	Publisher Publisher
	Approvals ApprovalLogger
	Metrics   DecisionRecorder
	Logger    *slog.Logger
	Clock     func() time.Time
}

// AssignRequest describes a role assignment. Scope.OrganizationID is required;
// Scope.ProjectID narrows the assignment to one project resource.
type AssignRequest struct {
	UserID     int64      `json:"user_id" validate:"required,gt=0"`
	RoleID     int64      `json:"role_id" validate:"required,gt=0"`
	Scope      Scope      `json:"scope"`
	AssignedBy int64      `json:"assigned_by,omitempty" validate:"gte=0"`
	IsPrimary  bool       `json:"is_primary"`
	ValidFrom  time.Time  `json:"valid_from"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// RevokeRequest mirrors AssignRequest for revocation.
type RevokeRequest struct {
	UserID    int64 `json:"user_id" validate:"required,gt=0"`
	RoleID    int64 `json:"role_id" validate:"required,gt=0"`
	Scope     Scope `json:"scope"`
	RevokedBy int64 `json:"revoked_by,omitempty" validate:"gte=0"`
}

// Service orchestrates RBAC operations.
type Service struct {
	store     Store
	directory Directory
	resolver  *Resolver
	cache     *DecisionCache
	publisher Publisher
	approvals ApprovalLogger
	metrics   DecisionRecorder
	logger    *slog.Logger
	now       func() time.Time
	flight    singleflight.Group
}

var _ RoleService = (*Service)(nil)

// NewService constructs a Service backed by store.
func NewService(store Store, cfg ServiceConfig) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		directory: cfg.Directory,
		resolver:  NewResolver(clock),
		cache:     cfg.Cache,
		publisher: cfg.Publisher,
		approvals: cfg.Approvals,
		metrics:   cfg.Metrics,
		logger:    logger,
		now:       clock,
	}
}

// GetRole returns the role or nil when it does not exist.
func (s *Service) GetRole(ctx context.Context, roleID int64) (*RoleInfo, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	info := NewRoleInfo(role)
	return &info, nil
}

// GetUserRoles lists roles of the user's valid assignments, primary first,
// then by priority. A zero organizationID lists every organization.
func (s *Service) GetUserRoles(ctx context.Context, userID, organizationID int64) ([]RoleInfo, error) {
	snap, err := s.loadAssignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []RoleInfo
	for _, a := range snap.Assignments {
		if !a.IsValid(now) || (organizationID != 0 && a.OrganizationID != organizationID) {
			continue
		}
		role, ok := snap.Hierarchy.Role(a.RoleID)
		if !ok || !role.IsActive {
			continue
		}
		info := NewRoleInfo(role)
		scope := a.Scope()
		info.AssignmentID = a.ID
		info.Scope = &scope
		info.IsPrimary = a.IsPrimary
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

// GetUserPermissions resolves every permission key visible to the user at scope.
func (s *Service) GetUserPermissions(ctx context.Context, userID int64, scope Scope, resourceID string) ([]PermissionInfo, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	snap, err := s.snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	candidates, _, err := s.resolver.ScopeCandidates(snap, scope, resourceID)
	if err != nil {
		return nil, err
	}
	return PermissionInfos(ResolvePermissionPrecedence(candidates)), nil
}

// UserHasPermission answers a permission check. Any internal failure,
// including a panic while resolving, yields false.
func (s *Service) UserHasPermission(ctx context.Context, userID int64, permission string, scope Scope, resourceID string) (allowed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rbac check panicked", slog.Int64("user_id", userID), slog.String("permission", permission), slog.Any("panic", r))
			allowed = false
		}
	}()
	decision, err := s.Explain(ctx, Query{UserID: userID, Permission: permission, Scope: scope, ResourceID: resourceID})
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, shared.ErrValidation) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "rbac check failed closed",
			slog.Int64("user_id", userID),
			slog.String("permission", permission),
			slog.Any("error", err))
		return false
	}
	return decision.Allowed
}

// Explain resolves q and returns the full decision. Errors always come with a
// denying decision.
func (s *Service) Explain(ctx context.Context, q Query) (Decision, error) {
	q.Permission = NormalizePermissionCode(q.Permission)
	if err := ValidatePermissionFormat(q.Permission); err != nil {
		return Decision{Reason: ReasonDenyInvalid, Detail: err.Error()}, err
	}
	if err := q.Scope.Validate(); err != nil {
		return Decision{Reason: ReasonDenyInvalid, Detail: err.Error()}, err
	}
	if !s.cache.enabled() {
		d, err := s.decide(ctx, q)
		s.observe(d, false)
		return d, err
	}

	key, err := s.cache.Key(ctx, q)
	if err != nil {
		s.logger.Warn("rbac cache key", slog.Any("error", err))
		d, err := s.decide(ctx, q)
		s.observe(d, false)
		return d, err
	}
	if d, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.Warn("rbac cache get", slog.Any("error", err))
	} else if ok {
		s.observe(d, true)
		return d, nil
	}

	// The key embeds the cache version, so a flight started before a write
	// is never joined by a check issued after it.
	ch := s.flight.DoChan(key, func() (interface{}, error) {
		return s.decide(ctx, q)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Decision{Reason: ReasonDenyError, Detail: ctx.Err().Error()}, ctx.Err()
	case res = <-ch:
	}
	d, _ := res.Val.(Decision)
	if res.Err != nil {
		s.observe(d, false)
		return d, res.Err
	}
	if err := s.cache.Set(ctx, key, d); err != nil {
		s.logger.Warn("rbac cache set", slog.Any("error", err))
	}
	s.observe(d, false)
	return d, nil
}

func (s *Service) decide(ctx context.Context, q Query) (Decision, error) {
	snap, err := s.snapshot(ctx, q.UserID)
	if err != nil {
		return Decision{Reason: ReasonDenyError, Detail: err.Error()}, err
	}
	d := s.resolver.Decide(snap, q)
	if d.Reason == ReasonDenyError {
		return d, fmt.Errorf("%w: %s", ErrCorruptHierarchy, d.Detail)
	}
	return d, nil
}

func (s *Service) observe(d Decision, cached bool) {
	if s.metrics != nil {
		s.metrics.ObserveDecision(string(d.Reason), d.Allowed, cached)
	}
}

// AssignRoleToUser creates or refreshes the assignment for the request's
// (user, role, organization, department, project) tuple. An active assignment
// with the same tuple is updated in place.
func (s *Service) AssignRoleToUser(ctx context.Context, req AssignRequest) (bool, error) {
	if err := ValidateStruct(req); err != nil {
		return false, err
	}
	if err := req.Scope.Validate(); err != nil {
		return false, err
	}
	if req.Scope.OrganizationID == 0 {
		return false, &ValidationError{Field: "organization_id", Reason: "assignments must be anchored to an organization"}
	}
	now := s.now()
	validFrom := req.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(validFrom) {
		return false, &ValidationError{Field: "expires_at", Reason: "expiry must be after valid_from"}
	}

	role, err := s.store.GetRole(ctx, req.RoleID)
	if err != nil {
		return false, err
	}
	if !role.IsActive {
		return false, notFound("role", req.RoleID)
	}
	if !role.Anchor().Contains(req.Scope) {
		return false, &ValidationError{Field: "scope", Reason: "assignment scope lies outside the role scope", Codes: []string{role.Code}}
	}
	if err := s.ensureTargets(ctx, req.UserID, req.Scope); err != nil {
		return false, err
	}
	if err := s.authorize(ctx, req.AssignedBy, role, req.Scope); err != nil {
		return false, err
	}

	key := AssignmentKey{UserID: req.UserID, RoleID: req.RoleID, Scope: req.Scope}
	var saved Assignment
	err = s.withRetry(ctx, func(ctx context.Context, tx TxStore) error {
		existing, err := tx.FindActiveAssignment(ctx, key)
		switch {
		case err == nil:
			existing.IsPrimary = req.IsPrimary
			existing.ValidFrom = validFrom
			existing.ExpiresAt = req.ExpiresAt
			existing.AssignedBy = req.AssignedBy
			existing.AssignedAt = now
			saved, err = tx.UpdateAssignment(ctx, existing)
		case errors.Is(err, ErrNotFound):
			status := ApprovalNone
			if role.RequiresApproval {
				status = ApprovalPending
			}
			saved, err = tx.InsertAssignment(ctx, Assignment{
				UserID:         req.UserID,
				RoleID:         req.RoleID,
				OrganizationID: req.Scope.OrganizationID,
				DepartmentID:   req.Scope.DepartmentID,
				ProjectID:      req.Scope.ProjectID,
				IsActive:       true,
				IsPrimary:      req.IsPrimary,
				ValidFrom:      validFrom,
				ExpiresAt:      req.ExpiresAt,
				ApprovalStatus: status,
				AssignedBy:     req.AssignedBy,
				AssignedAt:     now,
			})
		}
		if err != nil {
			return err
		}
		if saved.IsPrimary {
			return tx.ClearPrimary(ctx, saved.UserID, saved.OrganizationID, saved.ID)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	s.afterWrite(ctx, NewRoleAssignedEvent(role, saved, req.AssignedBy, now))
	if saved.ApprovalStatus == ApprovalPending {
		s.recordApproval(ctx, saved.ID, req.AssignedBy, shared.ApprovalSubmit)
	}
	s.logger.Info("role assigned",
		slog.Int64("user_id", saved.UserID),
		slog.String("role", role.Code),
		slog.Int64("organization_id", saved.OrganizationID),
		slog.String("approval_status", string(saved.ApprovalStatus)))
	return true, nil
}

// RevokeRoleFromUser deactivates the assignment for the tuple. It returns
// false without error when the latest matching assignment is already inactive,
// and ErrNotFound when no assignment ever existed.
func (s *Service) RevokeRoleFromUser(ctx context.Context, req RevokeRequest) (bool, error) {
	if err := ValidateStruct(req); err != nil {
		return false, err
	}
	if err := req.Scope.Validate(); err != nil {
		return false, err
	}
	role, err := s.store.GetRole(ctx, req.RoleID)
	if err != nil {
		return false, err
	}
	if err := s.authorize(ctx, req.RevokedBy, role, req.Scope); err != nil {
		return false, err
	}

	now := s.now()
	key := AssignmentKey{UserID: req.UserID, RoleID: req.RoleID, Scope: req.Scope}
	var (
		revoked Assignment
		changed bool
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		a, err := tx.FindLatestAssignment(ctx, key)
		if err != nil {
			return err
		}
		if !a.IsActive {
			return nil
		}
		a.IsActive = false
		a.RevokedBy = req.RevokedBy
		a.RevokedAt = &now
		revoked, err = tx.UpdateAssignment(ctx, a)
		changed = err == nil
		return err
	})
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	s.afterWrite(ctx, NewRoleRevokedEvent(role, revoked, req.RevokedBy, now))
	s.logger.Info("role revoked", slog.Int64("user_id", req.UserID), slog.String("role", role.Code))
	return true, nil
}

// ApproveAssignment moves a pending assignment to approved.
func (s *Service) ApproveAssignment(ctx context.Context, assignmentID, actorID int64) (Assignment, error) {
	return s.transition(ctx, assignmentID, actorID, ApprovalApproved)
}

// RejectAssignment moves a pending assignment to rejected and deactivates it.
// A rejected assignment is never reused; a new assignment must be created.
func (s *Service) RejectAssignment(ctx context.Context, assignmentID, actorID int64) (Assignment, error) {
	return s.transition(ctx, assignmentID, actorID, ApprovalRejected)
}

func (s *Service) transition(ctx context.Context, assignmentID, actorID int64, target ApprovalStatus) (Assignment, error) {
	now := s.now()
	var (
		updated Assignment
		role    Role
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		a, err := tx.LockAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if a.ApprovalStatus != ApprovalPending || !a.IsActive {
			return &ValidationError{Field: "approval_status", Reason: fmt.Sprintf("assignment %d is not pending", a.ID)}
		}
		role, err = s.store.GetRole(ctx, a.RoleID)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, actorID, role, a.Scope()); err != nil {
			return err
		}
		a.ApprovalStatus = target
		a.ApprovedBy = actorID
		a.ApprovedAt = &now
		if target == ApprovalRejected {
			a.IsActive = false
		}
		updated, err = tx.UpdateAssignment(ctx, a)
		return err
	})
	if err != nil {
		return Assignment{}, err
	}

	action := shared.ApprovalApprove
	event := NewRoleAssignedEvent(role, updated, actorID, now)
	if target == ApprovalRejected {
		action = shared.ApprovalReject
		event = NewRoleRevokedEvent(role, updated, actorID, now)
	}
	s.afterWrite(ctx, event)
	s.recordApproval(ctx, updated.ID, actorID, action)
	return updated, nil
}

// GetOrganizationRoles lists active roles anchored to the organization.
func (s *Service) GetOrganizationRoles(ctx context.Context, organizationID int64) ([]RoleInfo, error) {
	roles, err := s.store.ListRolesByOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return activeInfos(roles), nil
}

// GetDepartmentRoles lists active roles anchored to the department.
func (s *Service) GetDepartmentRoles(ctx context.Context, departmentID int64) ([]RoleInfo, error) {
	roles, err := s.store.ListRolesByDepartment(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	return activeInfos(roles), nil
}

// AuditConflicts reports keys where the user's roles reach both ALLOW and DENY at scope.
func (s *Service) AuditConflicts(ctx context.Context, userID int64, scope Scope) ([]Conflict, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	snap, err := s.snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	candidates, _, err := s.resolver.ScopeCandidates(snap, scope, "")
	if err != nil {
		return nil, err
	}
	return CheckPermissionConflicts(candidates), nil
}

// SweepExpiredAssignments deactivates active assignments past their expiry.
// Resolution already ignores them; the sweep keeps queries small.
func (s *Service) SweepExpiredAssignments(ctx context.Context) (int64, error) {
	n, err := s.store.DeactivateExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := s.cache.Bump(ctx); err != nil {
			s.logger.Error("rbac cache bump", slog.Any("error", err))
		}
	}
	return n, nil
}

func (s *Service) withRetry(ctx context.Context, fn func(context.Context, TxStore) error) error {
	err := s.store.WithTx(ctx, fn)
	if errors.Is(err, errDuplicateAssignment) {
		// A concurrent identical request inserted first; the retry updates its row.
		err = s.store.WithTx(ctx, fn)
	}
	return err
}

func (s *Service) ensureTargets(ctx context.Context, userID int64, scope Scope) error {
	if s.directory == nil {
		return nil
	}
	ok, err := s.directory.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return notFound("user", userID)
	}
	ok, err = s.directory.ScopeExists(ctx, scope)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: scope %s org=%d dept=%d project=%d", ErrNotFound, scope.Level(), scope.OrganizationID, scope.DepartmentID, scope.ProjectID)
	}
	return nil
}

// authorize requires the actor's best priority within scope to reach the
// role's priority. A zero actor is the system itself.
func (s *Service) authorize(ctx context.Context, actorID int64, role Role, scope Scope) error {
	if actorID == 0 {
		return nil
	}
	snap, err := s.loadAssignments(ctx, actorID)
	if err != nil {
		return err
	}
	now := s.now()
	best := -1
	for _, a := range snap.Assignments {
		if !a.IsValid(now) {
			continue
		}
		r, ok := snap.Hierarchy.Role(a.RoleID)
		if !ok || !r.IsActive || !a.CoversFor(r, scope) {
			continue
		}
		if p := r.EffectivePriority(); p > best {
			best = p
		}
	}
	if best < role.EffectivePriority() {
		return fmt.Errorf("%w: actor %d priority %d below role %s priority %d", ErrPermissionDenied, actorID, max(best, 0), role.Code, role.EffectivePriority())
	}
	return nil
}

func (s *Service) afterWrite(ctx context.Context, event Event) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Error("rbac cache bump", slog.Any("error", err))
	}
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("rbac publish event", slog.String("type", string(event.Type)), slog.Any("error", err))
	}
}

func (s *Service) recordApproval(ctx context.Context, assignmentID, actorID int64, action shared.ApprovalAction) {
	if s.approvals == nil {
		return
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  ApprovalModule,
		RefID:   assignmentID,
		ActorID: actorID,
		Action:  action,
		At:      s.now(),
	})
	if err != nil {
		s.logger.Warn("rbac record approval", slog.Int64("assignment_id", assignmentID), slog.Any("error", err))
	}
}

// ApprovalHistory returns the approval log of one assignment, oldest first.
func (s *Service) ApprovalHistory(ctx context.Context, assignmentID int64) ([]shared.ApprovalLog, error) {
	if assignmentID <= 0 {
		return nil, &ValidationError{Field: "assignment_id", Reason: "must be a positive integer"}
	}
	if s.approvals == nil {
		return []shared.ApprovalLog{}, nil
	}
	logs, err := s.approvals.List(ctx, ApprovalModule, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("rbac: approval history %d: %w", assignmentID, err)
	}
	if logs == nil {
		logs = []shared.ApprovalLog{}
	}
	return logs, nil
}

// ApprovalModule tags approval log rows written for assignments.
const ApprovalModule = "rbac.assignment"

// loadAssignments fetches all roles and the user's assignments in parallel.
func (s *Service) loadAssignments(ctx context.Context, userID int64) (Snapshot, error) {
	var (
		roles       []Role
		assignments []Assignment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		roles, err = s.store.ListRoles(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		assignments, err = s.store.ListUserAssignments(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Hierarchy: NewHierarchy(roles), Assignments: assignments}, nil
}

// snapshot loads everything a resolution for userID needs, including the
// bindings of every assigned role and its ancestors.
func (s *Service) snapshot(ctx context.Context, userID int64) (Snapshot, error) {
	snap, err := s.loadAssignments(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	ids := make(map[int64]struct{})
	for _, a := range snap.Assignments {
		chain, err := snap.Hierarchy.Ancestors(a.RoleID)
		if err != nil {
			// Unknown or corrupt roles are skipped or reported by the resolver.
			ids[a.RoleID] = struct{}{}
			continue
		}
		for _, r := range chain {
			ids[r.ID] = struct{}{}
		}
	}
	snap.Bindings = make(map[int64][]Binding, len(ids))
	if len(ids) == 0 {
		return snap, nil
	}
	roleIDs := make([]int64, 0, len(ids))
	for id := range ids {
		roleIDs = append(roleIDs, id)
	}
	sort.Slice(roleIDs, func(i, j int) bool { return roleIDs[i] < roleIDs[j] })
	bindings, err := s.store.ListBindings(ctx, roleIDs)
	if err != nil {
		return Snapshot{}, err
	}
	for _, b := range bindings {
		snap.Bindings[b.RoleID] = append(snap.Bindings[b.RoleID], b)
	}
	return snap, nil
}

func activeInfos(roles []Role) []RoleInfo {
	out := make([]RoleInfo, 0, len(roles))
	for _, r := range roles {
		if !r.IsActive {
			continue
		}
		out = append(out, NewRoleInfo(r))
	}
	return out
}
