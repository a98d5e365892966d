package roles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

type memRepo struct {
	roles       map[int64]rbac.Role
	bindings    map[int64]rbac.Binding
	permissions map[string]int64
	assignments map[int64]int // active assignment count per role
	locks       []int64
	nextID      int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		roles:       map[int64]rbac.Role{},
		bindings:    map[int64]rbac.Binding{},
		permissions: map[string]int64{},
		assignments: map[int64]int{},
	}
}

func (m *memRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memRepo) ListRoles(context.Context) ([]rbac.Role, error) {
	out := make([]rbac.Role, 0, len(m.roles))
	for _, r := range m.roles {
		if r.DeletedAt == nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) ListBindings(_ context.Context, roleID int64) ([]rbac.Binding, error) {
	var out []rbac.Binding
	for _, b := range m.bindings {
		if b.RoleID == roleID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// WithTx runs fn against a copy and only keeps its writes on success.
func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := m.clone()
	if err := fn(ctx, m); err != nil {
		*m = *snapshot
		return err
	}
	return nil
}

func (m *memRepo) clone() *memRepo {
	c := *m
	c.roles = make(map[int64]rbac.Role, len(m.roles))
	for k, v := range m.roles {
		c.roles[k] = v
	}
	c.bindings = make(map[int64]rbac.Binding, len(m.bindings))
	for k, v := range m.bindings {
		c.bindings[k] = v
	}
	c.permissions = make(map[string]int64, len(m.permissions))
	for k, v := range m.permissions {
		c.permissions[k] = v
	}
	c.assignments = make(map[int64]int, len(m.assignments))
	for k, v := range m.assignments {
		c.assignments[k] = v
	}
	c.locks = append([]int64(nil), m.locks...)
	return &c
}

func (m *memRepo) Lock(_ context.Context, key int64) error {
	m.locks = append(m.locks, key)
	return nil
}

func (m *memRepo) GetRole(_ context.Context, id int64) (rbac.Role, error) {
	r, ok := m.roles[id]
	if !ok || r.DeletedAt != nil {
		return rbac.Role{}, fmt.Errorf("%w: role %d", rbac.ErrNotFound, id)
	}
	return r, nil
}

func (m *memRepo) InsertRole(_ context.Context, role rbac.Role) (rbac.Role, error) {
	for _, r := range m.roles {
		if r.Code == role.Code && r.DeletedAt == nil {
			return rbac.Role{}, fmt.Errorf("role code %q already exists: %w", role.Code, shared.ErrConflict)
		}
	}
	role.ID = m.id()
	m.roles[role.ID] = role
	return role, nil
}

func (m *memRepo) UpdateRole(_ context.Context, role rbac.Role) error {
	m.roles[role.ID] = role
	return nil
}

func (m *memRepo) UpdateDerived(_ context.Context, role rbac.Role) error {
	r := m.roles[role.ID]
	r.Depth, r.FullPath = role.Depth, role.FullPath
	m.roles[role.ID] = r
	return nil
}

func (m *memRepo) SoftDeleteRole(_ context.Context, id, actorID int64, at time.Time) error {
	r := m.roles[id]
	r.IsActive = false
	r.DeletedAt = &at
	r.UpdatedBy = actorID
	m.roles[id] = r
	return nil
}

func (m *memRepo) CountActiveChildren(_ context.Context, id int64) (int, error) {
	n := 0
	for _, r := range m.roles {
		if r.ParentID == id && r.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) DeactivateAssignments(_ context.Context, roleID, _ int64, _ time.Time) (int64, error) {
	n := m.assignments[roleID]
	m.assignments[roleID] = 0
	return int64(n), nil
}

func (m *memRepo) EnsurePermission(_ context.Context, code string) (int64, error) {
	if id, ok := m.permissions[code]; ok {
		return id, nil
	}
	id := m.id()
	m.permissions[code] = id
	return id, nil
}

func (m *memRepo) InsertBinding(_ context.Context, b rbac.Binding) (rbac.Binding, error) {
	b.ID = m.id()
	m.bindings[b.ID] = b
	return b, nil
}

func (m *memRepo) DeleteBinding(_ context.Context, roleID, bindingID int64) (rbac.Binding, error) {
	b, ok := m.bindings[bindingID]
	if !ok || b.RoleID != roleID {
		return rbac.Binding{}, fmt.Errorf("%w: binding %d", rbac.ErrNotFound, bindingID)
	}
	delete(m.bindings, bindingID)
	return b, nil
}

func (m *memRepo) SetInlinePermissions(_ context.Context, roleID int64, perms map[string]rbac.Effect) error {
	r := m.roles[roleID]
	r.Permissions = perms
	m.roles[roleID] = r
	return nil
}

type capturePublisher struct {
	events []rbac.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev rbac.Event) error {
	p.events = append(p.events, ev)
	return nil
}

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService() (*Service, *memRepo, *capturePublisher) {
	repo := newMemRepo()
	pub := &capturePublisher{}
	svc := NewService(repo, Config{Publisher: pub, Clock: func() time.Time { return fixedNow }})
	return svc, repo, pub
}

func mustCreate(t *testing.T, svc *Service, in CreateRoleInput) rbac.Role {
	t.Helper()
	role, err := svc.CreateRole(context.Background(), in, 7)
	require.NoError(t, err)
	return role
}

func TestCreateRoleDerivesPath(t *testing.T) {
	svc, repo, pub := newTestService()
	root := mustCreate(t, svc, CreateRoleInput{Code: "finance", Name: "Finance", Type: rbac.RoleTypeOrganization, OrganizationID: 1})
	child := mustCreate(t, svc, CreateRoleInput{Code: "finance.clerk", Name: "Clerk", Type: rbac.RoleTypeDepartment, ParentID: root.ID, OrganizationID: 1, DepartmentID: 4})

	assert.Equal(t, 0, root.Depth)
	assert.Equal(t, "finance", root.FullPath)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, "finance/finance.clerk", child.FullPath)
	assert.Equal(t, int64(7), child.CreatedBy)
	assert.Contains(t, repo.locks, shared.HierarchyLockKey)
	require.Len(t, pub.events, 2)
	assert.Equal(t, rbac.EventRoleCreated, pub.events[1].Type)
}

func TestCreateRoleRejectsInvalidInput(t *testing.T) {
	svc, repo, _ := newTestService()
	root := mustCreate(t, svc, CreateRoleInput{Code: "ops", Name: "Ops", Type: rbac.RoleTypeOrganization, OrganizationID: 1})

	cases := map[string]CreateRoleInput{
		"bad code":        {Code: "Ops Team", Name: "x", Type: rbac.RoleTypeCustom},
		"system type":     {Code: "custom_sys", Name: "x", Type: rbac.RoleTypeSystem},
		"reserved prefix": {Code: "system.auditor", Name: "x", Type: rbac.RoleTypeCustom},
		"dept no org":     {Code: "loose", Name: "x", Type: rbac.RoleTypeDepartment, DepartmentID: 3},
		"outside parent":  {Code: "other_org", Name: "x", Type: rbac.RoleTypeOrganization, ParentID: root.ID, OrganizationID: 2},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateRole(context.Background(), in, 1)
			require.Error(t, err)
			assert.True(t, errors.Is(err, shared.ErrValidation), "got %v", err)
		})
	}
	assert.Len(t, repo.roles, 1)
}

func TestCreateRoleDuplicateCodeConflicts(t *testing.T) {
	svc, _, _ := newTestService()
	mustCreate(t, svc, CreateRoleInput{Code: "ops", Name: "Ops", Type: rbac.RoleTypeCustom})
	_, err := svc.CreateRole(context.Background(), CreateRoleInput{Code: "ops", Name: "Again", Type: rbac.RoleTypeCustom}, 1)
	assert.ErrorIs(t, err, shared.ErrConflict)
}

func TestUpdateRoleReparentRederivesDescendants(t *testing.T) {
	svc, repo, pub := newTestService()
	a := mustCreate(t, svc, CreateRoleInput{Code: "a", Name: "A", Type: rbac.RoleTypeCustom})
	b := mustCreate(t, svc, CreateRoleInput{Code: "b", Name: "B", Type: rbac.RoleTypeCustom})
	c := mustCreate(t, svc, CreateRoleInput{Code: "c", Name: "C", Type: rbac.RoleTypeCustom, ParentID: b.ID})

	parent := a.ID
	updated, err := svc.UpdateRole(context.Background(), b.ID, UpdateRoleInput{ParentID: &parent}, 9)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Depth)
	assert.Equal(t, "a/b", updated.FullPath)
	assert.Equal(t, 2, repo.roles[c.ID].Depth)
	assert.Equal(t, "a/b/c", repo.roles[c.ID].FullPath)

	last := pub.events[len(pub.events)-1]
	assert.Equal(t, rbac.EventRoleUpdated, last.Type)
	assert.Equal(t, []string{"parent_id"}, last.Added)
}

func TestUpdateRoleRejectsCycle(t *testing.T) {
	svc, repo, _ := newTestService()
	a := mustCreate(t, svc, CreateRoleInput{Code: "a", Name: "A", Type: rbac.RoleTypeCustom})
	b := mustCreate(t, svc, CreateRoleInput{Code: "b", Name: "B", Type: rbac.RoleTypeCustom, ParentID: a.ID})

	parent := b.ID
	_, err := svc.UpdateRole(context.Background(), a.ID, UpdateRoleInput{ParentID: &parent}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.Zero(t, repo.roles[a.ID].ParentID)
}

func TestUpdateRoleWithoutChangesPublishesNothing(t *testing.T) {
	svc, _, pub := newTestService()
	a := mustCreate(t, svc, CreateRoleInput{Code: "a", Name: "A", Type: rbac.RoleTypeCustom})
	before := len(pub.events)

	name := "A"
	_, err := svc.UpdateRole(context.Background(), a.ID, UpdateRoleInput{Name: &name}, 1)
	require.NoError(t, err)
	assert.Len(t, pub.events, before)
}

func TestSystemRolesAreReadOnly(t *testing.T) {
	svc, repo, _ := newTestService()
	_, err := svc.Bootstrap(context.Background())
	require.NoError(t, err)

	var admin rbac.Role
	for _, r := range repo.roles {
		if r.Code == rbac.RoleSuperAdmin {
			admin = r
		}
	}
	require.NotZero(t, admin.ID)

	name := "Root"
	_, err = svc.UpdateRole(context.Background(), admin.ID, UpdateRoleInput{Name: &name}, 1)
	assert.ErrorIs(t, err, shared.ErrPermissionDenied)
	assert.ErrorIs(t, svc.DeleteRole(context.Background(), admin.ID, 1), shared.ErrPermissionDenied)
	_, err = svc.AddBinding(context.Background(), admin.ID, BindingInput{Permission: "reports.read", Effect: rbac.EffectDeny}, 1)
	assert.ErrorIs(t, err, shared.ErrPermissionDenied)
}

func TestDeleteRole(t *testing.T) {
	svc, repo, pub := newTestService()
	parent := mustCreate(t, svc, CreateRoleInput{Code: "p", Name: "P", Type: rbac.RoleTypeCustom})
	child := mustCreate(t, svc, CreateRoleInput{Code: "k", Name: "K", Type: rbac.RoleTypeCustom, ParentID: parent.ID})
	repo.assignments[child.ID] = 3

	err := svc.DeleteRole(context.Background(), parent.ID, 1)
	assert.ErrorIs(t, err, shared.ErrValidation)

	require.NoError(t, svc.DeleteRole(context.Background(), child.ID, 1))
	assert.NotNil(t, repo.roles[child.ID].DeletedAt)
	assert.False(t, repo.roles[child.ID].IsActive)
	assert.Zero(t, repo.assignments[child.ID])
	assert.Equal(t, rbac.EventRoleDeleted, pub.events[len(pub.events)-1].Type)

	_, err = repo.GetRole(context.Background(), child.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	require.NoError(t, svc.DeleteRole(context.Background(), parent.ID, 1))
}

func TestAddBindingStaysWithinAnchor(t *testing.T) {
	svc, repo, pub := newTestService()
	role := mustCreate(t, svc, CreateRoleInput{Code: "acct", Name: "Acct", Type: rbac.RoleTypeDepartment, OrganizationID: 1, DepartmentID: 2})

	_, err := svc.AddBinding(context.Background(), role.ID, BindingInput{Permission: "invoices.approve", Effect: rbac.EffectAllow}, 5)
	var verr *rbac.ValidationError
	require.ErrorAs(t, err, &verr, "an unscoped binding is global and is not moved onto the anchor")
	assert.Equal(t, "scope", verr.Field)
	assert.Empty(t, repo.roles[role.ID].Permissions)

	b, err := svc.AddBinding(context.Background(), role.ID, BindingInput{Permission: " Invoices.Approve ", Effect: "allow", OrganizationID: 1, DepartmentID: 2}, 5)
	require.NoError(t, err)
	assert.Equal(t, "invoices.approve", b.PermissionCode)
	assert.Equal(t, rbac.EffectAllow, b.Effect)
	assert.Equal(t, int64(1), b.OrganizationID)
	assert.Equal(t, int64(2), b.DepartmentID)
	assert.NotZero(t, b.PermissionID)
	assert.Equal(t, rbac.EffectAllow, repo.roles[role.ID].Permissions["invoices.approve"])

	last := pub.events[len(pub.events)-1]
	assert.Equal(t, rbac.EventPermissionChanged, last.Type)
	assert.Equal(t, []string{"invoices.approve"}, last.Added)

	_, err = svc.AddBinding(context.Background(), role.ID, BindingInput{Permission: "invoices.approve", Effect: rbac.EffectDeny, OrganizationID: 1, DepartmentID: 2}, 5)
	assert.ErrorIs(t, err, shared.ErrConflict)

	_, err = svc.AddBinding(context.Background(), role.ID, BindingInput{Permission: "invoices.read", Effect: rbac.EffectAllow, OrganizationID: 9}, 5)
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.AddBinding(context.Background(), role.ID, BindingInput{Permission: "invoices", Effect: rbac.EffectAllow}, 5)
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestRemoveBindingRecomputesInline(t *testing.T) {
	svc, repo, pub := newTestService()
	role := mustCreate(t, svc, CreateRoleInput{Code: "r", Name: "R", Type: rbac.RoleTypeCustom})
	allow, err := svc.AddBinding(context.Background(), role.ID, BindingInput{Permission: "docs.read", Effect: rbac.EffectAllow}, 1)
	require.NoError(t, err)
	_, err = svc.AddBinding(context.Background(), role.ID, BindingInput{Permission: "docs.read", Effect: rbac.EffectDeny, ResourceID: "secret"}, 1)
	require.NoError(t, err)
	assert.Equal(t, rbac.EffectDeny, repo.roles[role.ID].Permissions["docs.read"])

	require.NoError(t, svc.RemoveBinding(context.Background(), role.ID, allow.ID, 1))
	assert.Equal(t, rbac.EffectDeny, repo.roles[role.ID].Permissions["docs.read"])
	assert.Equal(t, []string{"docs.read"}, pub.events[len(pub.events)-1].Removed)

	err = svc.RemoveBinding(context.Background(), role.ID, allow.ID, 1)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestBootstrapIsIdempotent(t *testing.T) {
	svc, repo, pub := newTestService()
	first, err := svc.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(rbac.SystemRoleDefinitions()), first.RolesCreated)
	assert.Positive(t, first.BindingsCreated)
	assert.GreaterOrEqual(t, first.Permissions, len(rbac.SystemPermissionCodes()))
	assert.Contains(t, repo.locks, shared.BootstrapLockKey)

	byCode := map[string]rbac.Role{}
	for _, r := range repo.roles {
		byCode[r.Code] = r
		assert.True(t, r.IsSystem, r.Code)
	}
	orgAdmin := byCode[rbac.RoleOrgAdmin]
	assert.Equal(t, "system.viewer/system.user/system.project_manager/system.dept_manager/system.org_admin", orgAdmin.FullPath)
	assert.Equal(t, 4, orgAdmin.Depth)
	assert.Equal(t, rbac.SystemPriority, byCode[rbac.RoleSuperAdmin].EffectivePriority())
	assert.Equal(t, rbac.EffectAllow, byCode[rbac.RoleSuperAdmin].Permissions["roles.*"])

	events := len(pub.events)
	second, err := svc.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.RolesCreated)
	assert.Zero(t, second.BindingsCreated)
	assert.Len(t, pub.events, events)
	assert.Len(t, repo.roles, len(rbac.SystemRoleDefinitions()))
}

func TestInlinePermissionsDenyWins(t *testing.T) {
	got := InlinePermissions([]rbac.Binding{
		{PermissionCode: "a.read", Effect: rbac.EffectDeny},
		{PermissionCode: "a.read", Effect: rbac.EffectAllow},
		{PermissionCode: "b.read", Effect: rbac.EffectAllow},
	})
	assert.Equal(t, map[string]rbac.Effect{"a.read": rbac.EffectDeny, "b.read": rbac.EffectAllow}, got)
}
