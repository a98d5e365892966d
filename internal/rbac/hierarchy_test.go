package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRole(id, parent int64, code string) Role {
	return Role{ID: id, ParentID: parent, Code: code, Type: RoleTypeCustom, IsActive: true}
}

func chainHierarchy() *Hierarchy {
	return NewHierarchy([]Role{
		testRole(1, 0, "base"),
		testRole(2, 1, "mid"),
		testRole(3, 2, "leaf"),
		testRole(4, 1, "sibling"),
	})
}

func TestAncestors(t *testing.T) {
	h := chainHierarchy()
	chain, err := h.Ancestors(3)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []string{"leaf", "mid", "base"}, []string{chain[0].Code, chain[1].Code, chain[2].Code})

	_, err = h.Ancestors(99)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAncestorsStopsOnCorruptData(t *testing.T) {
	cyclic := NewHierarchy([]Role{testRole(1, 3, "a"), testRole(2, 1, "b"), testRole(3, 2, "c")})
	_, err := cyclic.Ancestors(1)
	assert.True(t, errors.Is(err, ErrCorruptHierarchy))

	dangling := NewHierarchy([]Role{testRole(1, 42, "orphan")})
	_, err = dangling.Ancestors(1)
	assert.True(t, errors.Is(err, ErrCorruptHierarchy))
}

func TestCanInheritFrom(t *testing.T) {
	h := chainHierarchy()
	assert.False(t, h.CanInheritFrom(1, 1), "self")
	assert.False(t, h.CanInheritFrom(1, 3), "descendant")
	assert.False(t, h.CanInheritFrom(1, 99), "unknown")
	assert.True(t, h.CanInheritFrom(4, 3))
	assert.True(t, h.CanInheritFrom(3, 4))

	cyclic := NewHierarchy([]Role{testRole(1, 2, "a"), testRole(2, 1, "b"), testRole(5, 0, "c")})
	assert.False(t, cyclic.CanInheritFrom(5, 1), "candidate chain never reaches a root")
}

func TestValidateParentRejectsCycle(t *testing.T) {
	h := NewHierarchy([]Role{testRole(1, 0, "a"), testRole(2, 1, "b")})
	a, _ := h.Role(1)

	err := h.ValidateParent(a, 2)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "parent_id", verr.Field)

	unchanged, _ := h.Role(1)
	assert.Zero(t, unchanged.ParentID)
}

func TestValidateParentLongCycle(t *testing.T) {
	h := NewHierarchy([]Role{testRole(1, 0, "a"), testRole(2, 1, "b"), testRole(3, 2, "c")})
	a, _ := h.Role(1)
	err := h.ValidateParent(a, 3)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestValidateParentScope(t *testing.T) {
	parent := testRole(1, 0, "org_five")
	parent.OrganizationID = 5
	h := NewHierarchy([]Role{parent})

	inside := Role{Code: "dept_ten", OrganizationID: 5, DepartmentID: 10}
	assert.NoError(t, h.ValidateParent(inside, 1))

	outside := Role{Code: "org_six", OrganizationID: 6}
	err := h.ValidateParent(outside, 1)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "scope", verr.Field)

	global := Role{Code: "global"}
	assert.Error(t, h.ValidateParent(global, 1))

	_, err = h.Derive(Role{Code: "x", ParentID: 77})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeriveAndRederive(t *testing.T) {
	h := NewHierarchy(nil)
	for _, r := range []Role{testRole(1, 0, "base"), testRole(2, 1, "mid"), testRole(3, 2, "leaf")} {
		derived, err := h.Derive(r)
		require.NoError(t, err)
		h.Put(derived)
	}
	leaf, _ := h.Role(3)
	assert.Equal(t, 2, leaf.Depth)
	assert.Equal(t, "base/mid/leaf", leaf.FullPath)

	// Move mid under a new root and recompute everything below it.
	root, err := h.Derive(testRole(9, 0, "root"))
	require.NoError(t, err)
	h.Put(root)
	mid, _ := h.Role(2)
	mid.ParentID = 9
	mid, err = h.Derive(mid)
	require.NoError(t, err)
	h.Put(mid)

	updated, err := h.Rederive(2)
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, "root/mid/leaf", updated[0].FullPath)

	base, _ := h.Role(1)
	assert.Empty(t, h.Descendants(base.ID))
	assert.Len(t, h.Descendants(9), 2)
}

func TestEffectivePriority(t *testing.T) {
	tests := []struct {
		name string
		role Role
		want int
	}{
		{"system ignores override", Role{Type: RoleTypeSystem, Priority: 5, Depth: 3}, SystemPriority},
		{"explicit priority", Role{Type: RoleTypeCustom, Priority: 700, Depth: 2}, 700},
		{"organization base", Role{Type: RoleTypeOrganization}, 500},
		{"department eroded by depth", Role{Type: RoleTypeDepartment, Depth: 4}, 296},
		{"project", Role{Type: RoleTypeProject, Depth: 1}, 199},
		{"custom floor", Role{Type: RoleTypeCustom, Depth: 250}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.role.EffectivePriority())
		})
	}
}
