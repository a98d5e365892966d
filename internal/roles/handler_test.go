package roles

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

type repoLookup struct{ repo *memRepo }

func (l repoLookup) GetRole(ctx context.Context, id int64) (*rbac.RoleInfo, error) {
	r, ok := l.repo.roles[id]
	if !ok {
		return nil, nil
	}
	info := rbac.NewRoleInfo(r)
	return &info, nil
}

// grants ignores scope but remembers the last one it was asked about.
type grants struct {
	perms     map[int64][]string
	lastScope rbac.Scope
}

func (g *grants) UserHasPermission(ctx context.Context, userID int64, permission string, scope rbac.Scope, resourceID string) bool {
	g.lastScope = scope
	for _, p := range g.perms[userID] {
		if rbac.MatchPermission(p, permission) {
			return true
		}
	}
	return false
}

const (
	manager = int64(7)
	reader  = int64(8)
)

func newRolesRouter(t *testing.T) (http.Handler, *memRepo, *grants) {
	t.Helper()
	svc, repo, _ := newTestService()
	g := &grants{perms: map[int64][]string{manager: {"roles.*"}, reader: {"roles.read"}}}
	return mountRoles(svc, repo, g), repo, g
}

func mountRoles(svc *Service, repo *memRepo, checker rbac.Checker) http.Handler {
	h := NewHandler(nil, svc, rbac.Middleware{Checker: checker}, repoLookup{repo: repo})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if raw := req.Header.Get("X-User"); raw != "" {
				id, _ := strconv.ParseInt(raw, 10, 64)
				req = req.WithContext(shared.ContextWithActor(req.Context(), id))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/rbac", h.MountRoutes)
	return r
}

func send(h http.Handler, method, path string, actor int64, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if actor != 0 {
		req.Header.Set("X-User", strconv.FormatInt(actor, 10))
	}
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func TestRoleAdminEndpoints(t *testing.T) {
	router, repo, g := newRolesRouter(t)

	body := `{"code":"ops","name":"Ops","role_type":"organization","organization_id":5}`
	assert.Equal(t, http.StatusUnauthorized, send(router, http.MethodPost, "/rbac/roles", 0, body).Code)
	assert.Equal(t, http.StatusForbidden, send(router, http.MethodPost, "/rbac/roles", reader, body).Code)
	assert.Equal(t, http.StatusBadRequest, send(router, http.MethodPost, "/rbac/roles", manager, `{`).Code)

	res := send(router, http.MethodPost, "/rbac/roles", manager, body)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	assert.Equal(t, rbac.OrgScope(5), g.lastScope)
	var created rbac.Role
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	assert.Equal(t, "ops", created.Code)
	path := "/rbac/roles/" + strconv.FormatInt(created.ID, 10)

	assert.Equal(t, http.StatusBadRequest, send(router, http.MethodPost, "/rbac/roles", manager,
		`{"code":"Bad Code","name":"x","role_type":"custom"}`).Code)
	assert.Equal(t, http.StatusConflict, send(router, http.MethodPost, "/rbac/roles", manager, body).Code)

	res = send(router, http.MethodPatch, path, manager, `{"name":"Operations"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, "Operations", repo.roles[created.ID].Name)
	assert.Equal(t, rbac.OrgScope(5), g.lastScope, "authorized at the role anchor")

	res = send(router, http.MethodGet, "/rbac/roles", reader, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `"ops"`)

	assert.Equal(t, http.StatusNotFound, send(router, http.MethodDelete, "/rbac/roles/999", manager, "").Code)
	assert.Equal(t, http.StatusForbidden, send(router, http.MethodDelete, path, reader, "").Code)
	assert.Equal(t, http.StatusNoContent, send(router, http.MethodDelete, path, manager, "").Code)
}

func TestBindingEndpoints(t *testing.T) {
	router, repo, _ := newRolesRouter(t)
	res := send(router, http.MethodPost, "/rbac/roles", manager, `{"code":"clerk","name":"Clerk","role_type":"custom"}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var role rbac.Role
	require.NoError(t, json.NewDecoder(res.Body).Decode(&role))
	base := "/rbac/roles/" + strconv.FormatInt(role.ID, 10) + "/permissions"

	assert.Equal(t, http.StatusBadRequest, send(router, http.MethodPost, base, manager, `{"permission":"nodot","effect":"ALLOW"}`).Code)

	res = send(router, http.MethodPost, base, manager, `{"permission":"projects.read","effect":"ALLOW"}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var b rbac.Binding
	require.NoError(t, json.NewDecoder(res.Body).Decode(&b))
	assert.Equal(t, rbac.EffectAllow, repo.roles[role.ID].Permissions["projects.read"])

	res = send(router, http.MethodGet, base, reader, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "projects.read")

	bindingPath := base + "/" + strconv.FormatInt(b.ID, 10)
	assert.Equal(t, http.StatusNoContent, send(router, http.MethodDelete, bindingPath, manager, "").Code)
	assert.Equal(t, http.StatusNotFound, send(router, http.MethodDelete, bindingPath, manager, "").Code)
	assert.Equal(t, http.StatusBadRequest, send(router, http.MethodDelete, base+"/zero", manager, "").Code)
}

// checkStore serves memRepo's roles and bindings to a real rbac.Service so
// handler checks run through the resolver, scope rules included.
type checkStore struct {
	repo        *memRepo
	assignments []rbac.Assignment
}

func (s *checkStore) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	return s.repo.GetRole(ctx, id)
}

func (s *checkStore) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	return s.repo.ListRoles(ctx)
}

func (s *checkStore) ListRolesByOrganization(context.Context, int64) ([]rbac.Role, error) {
	return nil, nil
}

func (s *checkStore) ListRolesByDepartment(context.Context, int64) ([]rbac.Role, error) {
	return nil, nil
}

func (s *checkStore) ListBindings(_ context.Context, roleIDs []int64) ([]rbac.Binding, error) {
	want := make(map[int64]bool, len(roleIDs))
	for _, id := range roleIDs {
		want[id] = true
	}
	var out []rbac.Binding
	for _, b := range s.repo.bindings {
		if want[b.RoleID] {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *checkStore) ListUserAssignments(_ context.Context, userID int64) ([]rbac.Assignment, error) {
	var out []rbac.Assignment
	for _, a := range s.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *checkStore) DeactivateExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *checkStore) WithTx(context.Context, func(context.Context, rbac.TxStore) error) error {
	return errors.New("checkStore is read-only")
}

func (s *checkStore) assign(userID, roleID int64, scope rbac.Scope) {
	s.assignments = append(s.assignments, rbac.Assignment{
		ID: int64(len(s.assignments) + 1), UserID: userID, RoleID: roleID,
		OrganizationID: scope.OrganizationID, DepartmentID: scope.DepartmentID,
		IsActive: true, ValidFrom: fixedNow.Add(-time.Hour), AssignedAt: fixedNow.Add(-time.Hour),
	})
}

func TestOrganizationAdminCannotEditGlobalRoles(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService()

	// Shaped like the bootstrapped org admin: unanchored, global roles.* grant.
	tenantAdmin := mustCreate(t, svc, CreateRoleInput{Code: "tenant_admin", Name: "Tenant Admin", Type: rbac.RoleTypeOrganization})
	_, err := svc.AddBinding(ctx, tenantAdmin.ID, BindingInput{Permission: "roles.*", Effect: rbac.EffectAllow}, 0)
	require.NoError(t, err)
	platform, err := repo.InsertRole(ctx, rbac.Role{Code: "platform_admin", Name: "Platform", Type: rbac.RoleTypeSystem, IsSystem: true, IsActive: true, FullPath: "platform_admin"})
	require.NoError(t, err)
	_, err = repo.InsertBinding(ctx, rbac.Binding{RoleID: platform.ID, PermissionCode: "roles.*", Effect: rbac.EffectAllow})
	require.NoError(t, err)

	global := mustCreate(t, svc, CreateRoleInput{Code: "shared_viewer", Name: "Shared Viewer", Type: rbac.RoleTypeCustom})
	local := mustCreate(t, svc, CreateRoleInput{Code: "org5_clerk", Name: "Clerk", Type: rbac.RoleTypeCustom, OrganizationID: 5})

	const (
		orgAdmin   = int64(20)
		superAdmin = int64(21)
	)
	store := &checkStore{repo: repo}
	store.assign(orgAdmin, tenantAdmin.ID, rbac.OrgScope(5))
	store.assign(superAdmin, platform.ID, rbac.OrgScope(1))
	checker := rbac.NewService(store, rbac.ServiceConfig{Clock: func() time.Time { return fixedNow }})
	router := mountRoles(svc, repo, checker)

	globalPath := "/rbac/roles/" + strconv.FormatInt(global.ID, 10)
	localPath := "/rbac/roles/" + strconv.FormatInt(local.ID, 10)

	assert.Equal(t, http.StatusForbidden, send(router, http.MethodPatch, globalPath, orgAdmin, `{"name":"Hijacked"}`).Code)
	assert.Equal(t, http.StatusForbidden, send(router, http.MethodPost, globalPath+"/permissions", orgAdmin, `{"permission":"users.delete","effect":"ALLOW"}`).Code)
	assert.Equal(t, http.StatusForbidden, send(router, http.MethodDelete, globalPath, orgAdmin, "").Code)
	assert.Equal(t, http.StatusForbidden, send(router, http.MethodPost, "/rbac/roles", orgAdmin, `{"code":"everywhere","name":"Everywhere","role_type":"custom"}`).Code)
	assert.Equal(t, "Shared Viewer", repo.roles[global.ID].Name)
	assert.Nil(t, repo.roles[global.ID].DeletedAt)

	res := send(router, http.MethodPatch, localPath, orgAdmin, `{"name":"Org 5 Clerk"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, http.StatusForbidden, send(router, http.MethodPost, "/rbac/roles", orgAdmin, `{"code":"org6_clerk","name":"Clerk","role_type":"custom","organization_id":6}`).Code)

	res = send(router, http.MethodPatch, globalPath, superAdmin, `{"name":"Shared Reader"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, "Shared Reader", repo.roles[global.ID].Name)
}
