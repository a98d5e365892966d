package rbac

import (
	"time"
)

// RoleType classifies roles and drives their default priority.
type RoleType string

const (
	RoleTypeSystem       RoleType = "system"
	RoleTypeOrganization RoleType = "organization"
	RoleTypeDepartment   RoleType = "department"
	RoleTypeProject      RoleType = "project"
	RoleTypeCustom       RoleType = "custom"
)

// SystemPriority is the fixed priority of system-typed roles.
const SystemPriority = 1000

// IsValid checks if the type is known.
func (t RoleType) IsValid() bool {
	switch t {
	case RoleTypeSystem, RoleTypeOrganization, RoleTypeDepartment, RoleTypeProject, RoleTypeCustom:
		return true
	default:
		return false
	}
}

func (t RoleType) basePriority() int {
	switch t {
	case RoleTypeSystem:
		return SystemPriority
	case RoleTypeOrganization:
		return 500
	case RoleTypeDepartment:
		return 300
	case RoleTypeProject:
		return 200
	default:
		return 100
	}
}

// Effect is the outcome a binding contributes.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// IsValid checks if the effect is known.
func (e Effect) IsValid() bool {
	return e == EffectAllow || e == EffectDeny
}

// ScopeLevel names how narrow a scope is.
type ScopeLevel string

const (
	ScopeGlobal       ScopeLevel = "global"
	ScopeOrganization ScopeLevel = "organization"
	ScopeDepartment   ScopeLevel = "department"
	ScopeProject      ScopeLevel = "project"
)

// Scope is the organization/department/project context of a query or assignment.
// Zero ids mean "not set".
type Scope struct {
	OrganizationID int64 `json:"organization_id,omitempty"`
	DepartmentID   int64 `json:"department_id,omitempty"`
	ProjectID      int64 `json:"project_id,omitempty"`
}

// GlobalScope returns the empty scope.
func GlobalScope() Scope { return Scope{} }

// OrgScope returns an organization scope.
func OrgScope(orgID int64) Scope { return Scope{OrganizationID: orgID} }

// DeptScope returns a department scope nested in an organization.
func DeptScope(orgID, deptID int64) Scope {
	return Scope{OrganizationID: orgID, DepartmentID: deptID}
}

// Level reports the narrowest populated level.
func (s Scope) Level() ScopeLevel {
	switch {
	case s.ProjectID != 0:
		return ScopeProject
	case s.DepartmentID != 0:
		return ScopeDepartment
	case s.OrganizationID != 0:
		return ScopeOrganization
	default:
		return ScopeGlobal
	}
}

// Validate enforces that narrower ids nest inside an organization.
func (s Scope) Validate() error {
	if s.OrganizationID < 0 || s.DepartmentID < 0 || s.ProjectID < 0 {
		return &ValidationError{Field: "scope", Reason: "scope ids must be positive"}
	}
	if (s.DepartmentID != 0 || s.ProjectID != 0) && s.OrganizationID == 0 {
		return &ValidationError{Field: "scope", Reason: "department or project scope requires an organization"}
	}
	return nil
}

// Contains reports whether inner lies within s. An empty s contains everything.
func (s Scope) Contains(inner Scope) bool {
	if s.OrganizationID == 0 {
		return true
	}
	if inner.OrganizationID != s.OrganizationID {
		return false
	}
	if s.DepartmentID != 0 && inner.DepartmentID != s.DepartmentID {
		return false
	}
	if s.ProjectID != 0 && inner.ProjectID != s.ProjectID {
		return false
	}
	return true
}

// Role is a named bundle of permissions, optionally inheriting from a parent.
// Depth and FullPath are derived from the parent chain and are only written
// by Hierarchy.Derive.
type Role struct {
	ID               int64             `json:"id"`
	Code             string            `json:"code"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Type             RoleType          `json:"role_type"`
	IsSystem         bool              `json:"is_system"`
	ParentID         int64             `json:"parent_id,omitempty"`
	OrganizationID   int64             `json:"organization_id,omitempty"`
	DepartmentID     int64             `json:"department_id,omitempty"`
	Depth            int               `json:"depth"`
	FullPath         string            `json:"full_path"`
	Priority         int               `json:"priority,omitempty"`
	IsActive         bool              `json:"is_active"`
	RequiresApproval bool              `json:"requires_approval"`
	Permissions      map[string]Effect `json:"permissions,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CreatedBy        int64             `json:"created_by,omitempty"`
	UpdatedBy        int64             `json:"updated_by,omitempty"`
	DeletedAt        *time.Time        `json:"deleted_at,omitempty"`
}

// Anchor returns the scope the role is bound to.
func (r Role) Anchor() Scope {
	return Scope{OrganizationID: r.OrganizationID, DepartmentID: r.DepartmentID}
}

// EffectivePriority returns the rank used for assignment checks and ALLOW tie-breaks.
// System-typed roles rank 1000; an explicit Priority overrides the type default;
// otherwise depth erodes the type base down to zero.
func (r Role) EffectivePriority() int {
	if r.Type == RoleTypeSystem {
		return SystemPriority
	}
	if r.Priority > 0 {
		return r.Priority
	}
	p := r.Type.basePriority() - r.Depth
	if p < 0 {
		return 0
	}
	return p
}

// Binding associates a role with a permission at a scope.
type Binding struct {
	ID             int64          `json:"id"`
	RoleID         int64          `json:"role_id"`
	PermissionID   int64          `json:"permission_id,omitempty"`
	PermissionCode string         `json:"permission"`
	Effect         Effect         `json:"effect"`
	OrganizationID int64          `json:"organization_id,omitempty"`
	DepartmentID   int64          `json:"department_id,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Conditions     map[string]any `json:"conditions,omitempty"`
	ValidFrom      *time.Time     `json:"valid_from,omitempty"`
	ValidUntil     *time.Time     `json:"valid_until,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CreatedBy      int64          `json:"created_by,omitempty"`
}

// Validate checks the permission code, effect and scope nesting.
func (b Binding) Validate() error {
	if err := ValidatePermissionFormat(b.PermissionCode); err != nil {
		return err
	}
	if !b.Effect.IsValid() {
		return &ValidationError{Field: "effect", Reason: "effect must be ALLOW or DENY"}
	}
	if b.DepartmentID != 0 && b.OrganizationID == 0 {
		return &ValidationError{Field: "scope", Reason: "department-scoped binding requires an organization", Codes: []string{b.PermissionCode}}
	}
	if b.ValidFrom != nil && b.ValidUntil != nil && !b.ValidUntil.After(*b.ValidFrom) {
		return &ValidationError{Field: "valid_until", Reason: "binding window ends before it starts"}
	}
	return nil
}

// MatchesScope applies the binding scope rule: global matches anything,
// organization matches on organization, department needs both to match.
func (b Binding) MatchesScope(s Scope) bool {
	if b.OrganizationID == 0 {
		return true
	}
	if b.OrganizationID != s.OrganizationID {
		return false
	}
	if b.DepartmentID == 0 {
		return true
	}
	return b.DepartmentID == s.DepartmentID
}

// MatchesPermission reports whether the binding grants or denies code.
func (b Binding) MatchesPermission(code string) bool {
	return MatchPermission(b.PermissionCode, code)
}

// AppliesToResource reports whether the binding covers resourceID.
func (b Binding) AppliesToResource(resourceID string) bool {
	return b.ResourceID == "" || b.ResourceID == resourceID
}

// ActiveAt reports whether now falls inside the binding window.
func (b Binding) ActiveAt(now time.Time) bool {
	if b.ValidFrom != nil && now.Before(*b.ValidFrom) {
		return false
	}
	if b.ValidUntil != nil && !now.Before(*b.ValidUntil) {
		return false
	}
	return true
}

// Key returns the precedence key of the binding.
func (b Binding) Key() PermissionKey {
	return PermissionKey{
		Permission:     b.PermissionCode,
		OrganizationID: b.OrganizationID,
		DepartmentID:   b.DepartmentID,
		ResourceID:     b.ResourceID,
	}
}

// PermissionKey groups bindings for override and precedence.
type PermissionKey struct {
	Permission     string `json:"permission"`
	OrganizationID int64  `json:"organization_id,omitempty"`
	DepartmentID   int64  `json:"department_id,omitempty"`
	ResourceID     string `json:"resource_id,omitempty"`
}

// ApprovalStatus tracks the optional approval workflow of an assignment.
// The empty status means no approval was required.
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = ""
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Assignment links a user to a role within an organization.
type Assignment struct {
	ID             int64          `json:"id"`
	UserID         int64          `json:"user_id"`
	RoleID         int64          `json:"role_id"`
	OrganizationID int64          `json:"organization_id"`
	DepartmentID   int64          `json:"department_id,omitempty"`
	ProjectID      int64          `json:"project_id,omitempty"`
	IsActive       bool           `json:"is_active"`
	IsPrimary      bool           `json:"is_primary"`
	ValidFrom      time.Time      `json:"valid_from"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approval_status,omitempty"`
	AssignedBy     int64          `json:"assigned_by,omitempty"`
	AssignedAt     time.Time      `json:"assigned_at"`
	ApprovedBy     int64          `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time     `json:"approved_at,omitempty"`
	RevokedBy      int64          `json:"revoked_by,omitempty"`
	RevokedAt      *time.Time     `json:"revoked_at,omitempty"`
}

// Scope returns the assignment scope.
func (a Assignment) Scope() Scope {
	return Scope{OrganizationID: a.OrganizationID, DepartmentID: a.DepartmentID, ProjectID: a.ProjectID}
}

// Key returns the uniqueness tuple of the assignment.
func (a Assignment) Key() AssignmentKey {
	return AssignmentKey{UserID: a.UserID, RoleID: a.RoleID, Scope: a.Scope()}
}

// IsExpired reports whether ExpiresAt is set and not after now.
func (a Assignment) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// IsValid reports whether the assignment contributes permissions at now.
func (a Assignment) IsValid(now time.Time) bool {
	if !a.IsActive || a.IsExpired(now) {
		return false
	}
	if a.ValidFrom.After(now) {
		return false
	}
	return a.ApprovalStatus == ApprovalNone || a.ApprovalStatus == ApprovalApproved
}

// Covers reports whether the assignment's anchor contains the query scope:
// the organization must match and any department or project on the
// assignment must match too. An anchored assignment never covers a global query.
func (a Assignment) Covers(s Scope) bool {
	return a.Scope().Contains(s)
}

// CoversFor is Covers for an assignment of role. Only system-type roles are
// platform wide, so they alone reach global queries from an organization anchor.
func (a Assignment) CoversFor(role Role, s Scope) bool {
	if s.Level() == ScopeGlobal && a.OrganizationID != 0 {
		return role.Type == RoleTypeSystem
	}
	return a.Covers(s)
}

// AssignmentKey is the uniqueness tuple of an active assignment.
type AssignmentKey struct {
	UserID int64
	RoleID int64
	Scope  Scope
}

// RoleInfo is the read model returned by RoleService.
type RoleInfo struct {
	ID             int64    `json:"id"`
	Code           string   `json:"code"`
	Name           string   `json:"name"`
	Type           RoleType `json:"role_type"`
	IsSystem       bool     `json:"is_system"`
	ParentID       int64    `json:"parent_id,omitempty"`
	OrganizationID int64    `json:"organization_id,omitempty"`
	DepartmentID   int64    `json:"department_id,omitempty"`
	Depth          int      `json:"depth"`
	FullPath       string   `json:"full_path"`
	Priority       int      `json:"priority"`
	IsActive       bool     `json:"is_active"`
	AssignmentID   int64    `json:"assignment_id,omitempty"`
	Scope          *Scope   `json:"scope,omitempty"`
	IsPrimary      bool     `json:"is_primary,omitempty"`
}

// NewRoleInfo projects a role into its read model.
func NewRoleInfo(r Role) RoleInfo {
	return RoleInfo{
		ID:             r.ID,
		Code:           r.Code,
		Name:           r.Name,
		Type:           r.Type,
		IsSystem:       r.IsSystem,
		ParentID:       r.ParentID,
		OrganizationID: r.OrganizationID,
		DepartmentID:   r.DepartmentID,
		Depth:          r.Depth,
		FullPath:       r.FullPath,
		Priority:       r.EffectivePriority(),
		IsActive:       r.IsActive,
	}
}

// PermissionInfo is one resolved entry of a user's effective permissions.
type PermissionInfo struct {
	Permission     string  `json:"permission"`
	Category       string  `json:"category"`
	Effect         Effect  `json:"effect"`
	OrganizationID int64   `json:"organization_id,omitempty"`
	DepartmentID   int64   `json:"department_id,omitempty"`
	ResourceID     string  `json:"resource_id,omitempty"`
	RoleID         int64   `json:"role_id"`
	RoleCode       string  `json:"role_code"`
	SourceRoleID   int64   `json:"source_role_id"`
	Inherited      bool    `json:"inherited"`
	Priority       int     `json:"priority"`
	Contributors   []int64 `json:"contributors,omitempty"`
}
