package rbac

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

type memGuard struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (g *memGuard) CheckAndInsert(ctx context.Context, key, module string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	g.keys[key] = true
	return nil
}

func (g *memGuard) Delete(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}

// withActor stands in for the token middleware: X-User carries the actor id.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := r.Header.Get("X-User"); raw != "" {
			id, _ := strconv.ParseInt(raw, 10, 64)
			r = r.WithContext(shared.ContextWithActor(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func newTestRouter(t *testing.T, checkRate int) (http.Handler, *harness, *memGuard) {
	t.Helper()
	h := newHarness(t, nil)
	h.store.addBinding(1, "users.*", EffectAllow, GlobalScope())
	h.store.addBinding(1, "system.*", EffectAllow, GlobalScope())
	guard := &memGuard{keys: make(map[string]bool)}
	handler := NewHandler(nil, h.svc, Middleware{Checker: h.svc}, guard, checkRate)
	r := chi.NewRouter()
	r.Use(withActor)
	r.Route("/rbac", handler.MountRoutes)
	return r, h, guard
}

func do(t *testing.T, h http.Handler, method, target string, actor int64, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if actor != 0 {
		req.Header.Set("X-User", strconv.FormatInt(actor, 10))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func decodeCheck(t *testing.T, res *httptest.ResponseRecorder) checkResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var out checkResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func TestCheckEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t, 0)

	assert.Equal(t, http.StatusUnauthorized, do(t, router, http.MethodGet, "/rbac/check?permission=roles.read", 0, "").Code)

	out := decodeCheck(t, do(t, router, http.MethodGet, "/rbac/check?permission=roles.read&organization_id=5", admin, ""))
	assert.True(t, out.Allowed)
	assert.Nil(t, out.Decision)

	out = decodeCheck(t, do(t, router, http.MethodGet, "/rbac/check?permission=roles.read&organization_id=5", member, ""))
	assert.False(t, out.Allowed)

	// Checking someone else needs users.read.
	res := do(t, router, http.MethodGet, "/rbac/check?permission=roles.read&user_id=1&organization_id=5", member, "")
	assert.Equal(t, http.StatusForbidden, res.Code)
	out = decodeCheck(t, do(t, router, http.MethodGet, "/rbac/check?permission=projects.read&user_id=2&organization_id=5", admin, ""))
	assert.False(t, out.Allowed)

	res = do(t, router, http.MethodGet, "/rbac/check?permission=roles.read&user_id=abc", admin, "")
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestCheckExplain(t *testing.T) {
	router, _, _ := newTestRouter(t, 0)

	out := decodeCheck(t, do(t, router, http.MethodGet, "/rbac/check?permission=roles.assign&organization_id=5&explain=1", admin, ""))
	assert.True(t, out.Allowed)
	require.NotNil(t, out.Decision)
	assert.Equal(t, ReasonAllow, out.Decision.Reason)
	require.NotNil(t, out.Decision.Winner)
	assert.Equal(t, RoleSuperAdmin, out.Decision.Winner.RoleCode)

	res := do(t, router, http.MethodGet, "/rbac/check?permission=bad&explain=1", admin, "")
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = do(t, router, http.MethodGet, "/rbac/check?permission=roles.read&explain=1", member, "")
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestCheckRateLimit(t *testing.T) {
	router, _, _ := newTestRouter(t, 2)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/rbac/check?permission=roles.read", admin, "").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(t, router, http.MethodGet, "/rbac/check?permission=roles.read", admin, "").Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/rbac/check?permission=roles.read", member, "").Code, "budgets are per caller")
}

func TestAssignAndRevokeEndpoints(t *testing.T) {
	router, h, _ := newTestRouter(t, 0)
	body := `{"user_id":2,"role_id":3,"scope":{"organization_id":5}}`

	assert.Equal(t, http.StatusUnauthorized, do(t, router, http.MethodPost, "/rbac/assignments", 0, body).Code)
	assert.Equal(t, http.StatusForbidden, do(t, router, http.MethodPost, "/rbac/assignments", member, body).Code)

	res := do(t, router, http.MethodPost, "/rbac/assignments", admin, body)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.JSONEq(t, `{"assigned":true}`, res.Body.String())
	active := h.store.active(member)
	require.Len(t, active, 1)
	assert.Equal(t, admin, active[0].AssignedBy)

	res = do(t, router, http.MethodPost, "/rbac/assignments", admin, `{"user_id":77,"role_id":3,"scope":{"organization_id":5}}`)
	assert.Equal(t, http.StatusNotFound, res.Code)
	res = do(t, router, http.MethodPost, "/rbac/assignments", admin, `{"user_id":2,"role_id":3}`)
	assert.Equal(t, http.StatusBadRequest, res.Code)
	res = do(t, router, http.MethodPost, "/rbac/assignments", admin, `{`)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	revoke := `{"user_id":2,"role_id":3,"scope":{"organization_id":5}}`
	res = do(t, router, http.MethodPost, "/rbac/assignments/revoke", admin, revoke)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.JSONEq(t, `{"revoked":true}`, res.Body.String())
	res = do(t, router, http.MethodPost, "/rbac/assignments/revoke", admin, revoke)
	assert.JSONEq(t, `{"revoked":false}`, res.Body.String())
}

func TestAssignIdempotencyKey(t *testing.T) {
	router, _, guard := newTestRouter(t, 0)
	body := `{"user_id":2,"role_id":3,"scope":{"organization_id":5}}`

	res := do(t, router, http.MethodPost, "/rbac/assignments", admin, body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, res.Code)
	res = do(t, router, http.MethodPost, "/rbac/assignments", admin, body, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, res.Code)

	// A failed request releases its key for a retry.
	res = do(t, router, http.MethodPost, "/rbac/assignments", admin, `{"user_id":2,"role_id":99,"scope":{"organization_id":5}}`, "Idempotency-Key", "k-2")
	assert.Equal(t, http.StatusNotFound, res.Code)
	guard.mu.Lock()
	assert.False(t, guard.keys["k-2"])
	guard.mu.Unlock()
}

func TestApprovalEndpoints(t *testing.T) {
	router, h, _ := newTestRouter(t, 0)
	res := do(t, router, http.MethodPost, "/rbac/assignments", admin, `{"user_id":2,"role_id":4,"scope":{"organization_id":5}}`)
	require.Equal(t, http.StatusOK, res.Code)
	id := h.store.active(member)[0].ID
	path := "/rbac/assignments/" + strconv.FormatInt(id, 10)

	assert.Equal(t, http.StatusForbidden, do(t, router, http.MethodPost, path+"/approve", 77, "").Code)

	res = do(t, router, http.MethodPost, path+"/approve", admin, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var a Assignment
	require.NoError(t, json.NewDecoder(res.Body).Decode(&a))
	assert.Equal(t, ApprovalApproved, a.ApprovalStatus)

	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, path+"/reject", admin, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodPost, "/rbac/assignments/9999/approve", admin, "").Code)

	res = do(t, router, http.MethodGet, path+"/approvals", admin, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `"action":"APPROVE"`)
	assert.Equal(t, http.StatusForbidden, do(t, router, http.MethodGet, path+"/approvals", member, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, "/rbac/assignments/x/approve", admin, "").Code)
}

func TestRoleReadEndpoints(t *testing.T) {
	router, _, _ := newTestRouter(t, 0)

	res := do(t, router, http.MethodGet, "/rbac/roles/2", admin, "")
	require.Equal(t, http.StatusOK, res.Code)
	var info RoleInfo
	require.NoError(t, json.NewDecoder(res.Body).Decode(&info))
	assert.Equal(t, "org_admin", info.Code)

	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/rbac/roles/404", admin, "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, router, http.MethodGet, "/rbac/roles/2", member, "").Code)

	res = do(t, router, http.MethodGet, "/rbac/organizations/5/roles", admin, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `"org_admin"`)
	res = do(t, router, http.MethodGet, "/rbac/departments/10/roles", admin, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.NotContains(t, res.Body.String(), `"org_admin"`)
}

func TestConflictsEndpoint(t *testing.T) {
	router, h, _ := newTestRouter(t, 0)
	h.store.addRole(Role{ID: 9, Code: "blocked", Type: RoleTypeCustom, FullPath: "blocked"})
	h.store.addBinding(9, "projects.read", EffectDeny, GlobalScope())
	h.assign(t, 3, OrgScope(5))
	h.assign(t, 9, OrgScope(5))

	assert.Equal(t, http.StatusForbidden, do(t, router, http.MethodGet, "/rbac/conflicts?user_id=2", member, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/rbac/conflicts", admin, "").Code)

	res := do(t, router, http.MethodGet, "/rbac/conflicts?user_id=2&organization_id=5", admin, "")
	require.Equal(t, http.StatusOK, res.Code)
	var out struct {
		Conflicts []Conflict `json:"conflicts"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	require.Len(t, out.Conflicts, 1)
	assert.Equal(t, "projects.read", out.Conflicts[0].Permission)
}

type stubChecker map[string]bool

func (s stubChecker) UserHasPermission(ctx context.Context, userID int64, permission string, scope Scope, resourceID string) bool {
	return s[permission]
}

func TestMiddlewareRequireAnyAndAll(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	m := Middleware{Checker: stubChecker{"roles.read": true}}

	tests := []struct {
		name   string
		mw     func(http.Handler) http.Handler
		actor  int64
		status int
	}{
		{"anonymous", m.RequireAny("roles.read"), 0, http.StatusUnauthorized},
		{"any granted", m.RequireAny("roles.manage", "ROLES.READ"), 1, http.StatusNoContent},
		{"any missing", m.RequireAny("roles.manage"), 1, http.StatusForbidden},
		{"all granted", m.RequireAll("roles.read", "roles.read"), 1, http.StatusNoContent},
		{"all partially granted", m.RequireAll("roles.read", "roles.manage"), 1, http.StatusForbidden},
		{"nothing required", m.RequireAll(" "), 0, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := do(t, withActor(tt.mw(ok)), http.MethodGet, "/", tt.actor, "")
			assert.Equal(t, tt.status, res.Code)
		})
	}
}

func TestScopeFromRequest(t *testing.T) {
	var (
		gotScope    Scope
		gotResource string
		gotErr      error
	)
	r := chi.NewRouter()
	r.Get("/organizations/{organization_id}/docs", func(w http.ResponseWriter, req *http.Request) {
		gotScope, gotResource, gotErr = ScopeFromRequest(req)
	})

	do(t, r, http.MethodGet, "/organizations/5/docs?department_id=10&resource_id=doc-1", 0, "")
	require.NoError(t, gotErr)
	assert.Equal(t, Scope{OrganizationID: 5, DepartmentID: 10}, gotScope)
	assert.Equal(t, "doc-1", gotResource)

	do(t, r, http.MethodGet, "/organizations/5/docs?organization_id=7", 0, "")
	require.NoError(t, gotErr)
	assert.Equal(t, int64(7), gotScope.OrganizationID, "query string wins over route params")

	for _, query := range []string{"organization_id=abc", "organization_id=-5", "department_id=0", "project_id=x"} {
		do(t, r, http.MethodGet, "/organizations/5/docs?"+query, 0, "")
		require.Error(t, gotErr, query)
		assert.ErrorIs(t, gotErr, shared.ErrValidation, query)
	}
}

func TestMalformedScopeIsRejected(t *testing.T) {
	router, _, _ := newTestRouter(t, 0)

	for _, target := range []string{
		"/rbac/check?permission=roles.read&organization_id=abc",
		"/rbac/check?permission=roles.read&organization_id=-1",
		"/rbac/roles/2?organization_id=abc",
		"/rbac/conflicts?user_id=2&organization_id=x",
	} {
		res := do(t, router, http.MethodGet, target, member, "")
		assert.Equal(t, http.StatusBadRequest, res.Code, target)
	}
}
