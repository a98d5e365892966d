package rbac

import (
	"fmt"
	"regexp"
	"strings"
)

// WildcardSegment marks a prefix-wildcard permission when used as the final segment.
const WildcardSegment = "*"

var codeSegment = regexp.MustCompile(`^[a-z0-9_]+$`)

// Permission represents an atomic capability.
type Permission struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
}

// IsWildcard reports whether the permission matches by prefix.
func (p Permission) IsWildcard() bool {
	return strings.HasSuffix(p.Code, "."+WildcardSegment)
}

// NormalizePermissionCode trims and lowercases a permission code.
func NormalizePermissionCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// ValidatePermissionFormat checks that code is segment(.segment)+ with an optional trailing "*".
func ValidatePermissionFormat(code string) error {
	if code == "" {
		return &ValidationError{Field: "permission", Reason: "permission code is required"}
	}
	segments := strings.Split(code, ".")
	if len(segments) < 2 {
		return &ValidationError{Field: "permission", Reason: "permission code needs at least two segments", Codes: []string{code}}
	}
	for i, seg := range segments {
		if seg == WildcardSegment && i == len(segments)-1 {
			continue
		}
		if !codeSegment.MatchString(seg) {
			return &ValidationError{Field: "permission", Reason: fmt.Sprintf("invalid permission segment %q", seg), Codes: []string{code}}
		}
	}
	return nil
}

// PermissionCategory returns the resource segment of a code.
func PermissionCategory(code string) string {
	if idx := strings.IndexByte(code, '.'); idx > 0 {
		return code[:idx]
	}
	return code
}

// MatchPermission reports whether a granted pattern covers the queried code:
// exactly, or by a trailing "*" matching any code sharing the prefix.
func MatchPermission(pattern, query string) bool {
	if pattern == query {
		return true
	}
	if !strings.HasSuffix(pattern, "."+WildcardSegment) {
		return false
	}
	prefix := strings.TrimSuffix(pattern, WildcardSegment)
	return strings.HasPrefix(query, prefix) && len(query) > len(prefix)
}

// PermissionHierarchy lists every code that would grant code, most specific first.
func PermissionHierarchy(code string) []string {
	code = NormalizePermissionCode(code)
	if code == "" {
		return nil
	}
	chain := []string{code}
	segments := strings.Split(code, ".")
	last := len(segments) - 1
	if segments[last] == WildcardSegment {
		last--
	}
	for i := last; i >= 1; i-- {
		chain = append(chain, strings.Join(segments[:i], ".")+"."+WildcardSegment)
	}
	return chain
}

// System role codes.
const (
	RoleSuperAdmin     = "system.super_admin"
	RoleOrgAdmin       = "system.org_admin"
	RoleDeptManager    = "system.dept_manager"
	RoleProjectManager = "system.project_manager"
	RoleUser           = "system.user"
	RoleViewer         = "system.viewer"
)

// Permission codes used by the role-management surface itself.
const (
	PermRolesCreate = "roles.create"
	PermRolesRead   = "roles.read"
	PermRolesUpdate = "roles.update"
	PermRolesDelete = "roles.delete"
	PermRolesManage = "roles.manage"
	PermRolesAssign = "roles.assign"
	PermRolesRevoke = "roles.revoke"
	PermUsersRead   = "users.read"
	PermSystemAudit = "system.audit"
)

var (
	systemResources = []string{"organizations", "departments", "users", "roles", "projects", "system"}
	crudActions     = []string{"create", "read", "update", "delete", "manage"}
)

// SystemPermissionCodes returns the fixed permission vocabulary.
func SystemPermissionCodes() []string {
	codes := make([]string, 0, len(systemResources)*len(crudActions)+5)
	for _, res := range systemResources {
		for _, action := range crudActions {
			codes = append(codes, res+"."+action)
		}
		switch res {
		case "roles":
			codes = append(codes, PermRolesAssign, PermRolesRevoke)
		case "system":
			codes = append(codes, "system.config", "system.monitor", PermSystemAudit)
		}
	}
	return codes
}

// SystemRoleDefinition describes a built-in role and its global grants.
type SystemRoleDefinition struct {
	Code        string
	Name        string
	Type        RoleType
	ParentCode  string
	Permissions []string
}

// SystemRoleDefinitions returns the built-in roles in parent-first order. All of
// them are created with IsSystem set; only super_admin carries the system type.
func SystemRoleDefinitions() []SystemRoleDefinition {
	return []SystemRoleDefinition{
		{
			Code: RoleSuperAdmin, Name: "Super Administrator", Type: RoleTypeSystem,
			Permissions: []string{"organizations.*", "departments.*", "users.*", "roles.*", "projects.*", "system.*"},
		},
		{
			Code: RoleViewer, Name: "Viewer", Type: RoleTypeCustom,
			Permissions: []string{"organizations.read", "departments.read", "users.read", "projects.read"},
		},
		{
			Code: RoleUser, Name: "User", Type: RoleTypeCustom, ParentCode: RoleViewer,
			Permissions: []string{"projects.update"},
		},
		{
			Code: RoleProjectManager, Name: "Project Manager", Type: RoleTypeProject, ParentCode: RoleUser,
			Permissions: []string{"projects.create", "projects.update", "projects.delete", "projects.manage"},
		},
		{
			Code: RoleDeptManager, Name: "Department Manager", Type: RoleTypeDepartment, ParentCode: RoleProjectManager,
			Permissions: []string{"departments.update", "users.create", "users.update", "roles.read", PermRolesAssign, PermRolesRevoke},
		},
		{
			Code: RoleOrgAdmin, Name: "Organization Administrator", Type: RoleTypeOrganization, ParentCode: RoleDeptManager,
			Permissions: []string{"organizations.*", "departments.*", "users.*", "roles.*", "projects.*", "system.monitor"},
		},
	}
}
