package roles

import (
	"time"

	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
)

// CreateRoleInput describes a new role.
type CreateRoleInput struct {
	Code             string        `json:"code" validate:"required,rolecode,max=100"`
	Name             string        `json:"name" validate:"required,max=200"`
	Description      string        `json:"description" validate:"max=1000"`
	Type             rbac.RoleType `json:"role_type" validate:"required,oneof=organization department project custom"`
	ParentID         int64         `json:"parent_id" validate:"gte=0"`
	OrganizationID   int64         `json:"organization_id" validate:"gte=0"`
	DepartmentID     int64         `json:"department_id" validate:"gte=0"`
	Priority         int           `json:"priority" validate:"gte=0,lt=1000"`
	RequiresApproval bool          `json:"requires_approval"`
}

// UpdateRoleInput carries optional changes; nil fields are left untouched.
// A ParentID pointing at zero detaches the role into a root.
type UpdateRoleInput struct {
	Name             *string `json:"name" validate:"omitempty,min=1,max=200"`
	Description      *string `json:"description" validate:"omitempty,max=1000"`
	ParentID         *int64  `json:"parent_id" validate:"omitempty,gte=0"`
	Priority         *int    `json:"priority" validate:"omitempty,gte=0,lt=1000"`
	IsActive         *bool   `json:"is_active"`
	RequiresApproval *bool   `json:"requires_approval"`
}

// BindingInput grants or denies one permission on a role.
type BindingInput struct {
	Permission     string         `json:"permission" validate:"required,permcode"`
	Effect         rbac.Effect    `json:"effect" validate:"required,oneof=ALLOW DENY"`
	OrganizationID int64          `json:"organization_id" validate:"gte=0"`
	DepartmentID   int64          `json:"department_id" validate:"gte=0"`
	ResourceID     string         `json:"resource_id" validate:"max=200"`
	Conditions     map[string]any `json:"conditions"`
	ValidFrom      *time.Time     `json:"valid_from"`
	ValidUntil     *time.Time     `json:"valid_until"`
}

// BootstrapResult summarises a seeding run.
type BootstrapResult struct {
	Permissions     int `json:"permissions"`
	RolesCreated    int `json:"roles_created"`
	BindingsCreated int `json:"bindings_created"`
}
