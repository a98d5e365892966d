package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-rbac/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// Checker answers permission checks. Service satisfies it.
type Checker interface {
	UserHasPermission(ctx context.Context, userID int64, permission string, scope Scope, resourceID string) bool
}

// ScopeFunc extracts the scope and resource a request targets.
type ScopeFunc func(r *http.Request) (Scope, string, error)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Checker Checker
	Logger  *slog.Logger
	// Scope defaults to ScopeFromRequest.
	Scope ScopeFunc
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissions(perms), false)
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissions(perms), true)
}

func (m Middleware) require(required []string, all bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			scopeFn := m.Scope
			if scopeFn == nil {
				scopeFn = ScopeFromRequest
			}
			scope, resourceID, err := scopeFn(r)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			granted := 0
			for _, perm := range required {
				if m.Checker.UserHasPermission(r.Context(), userID, perm, scope, resourceID) {
					granted++
					if !all {
						break
					}
				} else if all {
					break
				}
			}
			if (all && granted == len(required)) || (!all && granted > 0) {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Info("rbac forbidden",
					slog.Int64("user_id", userID),
					slog.String("path", r.URL.Path),
					slog.Any("permissions", required))
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission "+strings.Join(required, ","))
		})
	}
}

// ScopeFromRequest reads organization_id, department_id, project_id and
// resource_id from the query string, falling back to the route params of the
// same name. A malformed or non-positive id is a ValidationError rather than
// an unset id, which would widen the check.
func ScopeFromRequest(r *http.Request) (Scope, string, error) {
	var (
		scope Scope
		err   error
	)
	if scope.OrganizationID, err = requestInt(r, "organization_id"); err != nil {
		return Scope{}, "", err
	}
	if scope.DepartmentID, err = requestInt(r, "department_id"); err != nil {
		return Scope{}, "", err
	}
	if scope.ProjectID, err = requestInt(r, "project_id"); err != nil {
		return Scope{}, "", err
	}
	return scope, requestParam(r, "resource_id"), nil
}

func requestParam(r *http.Request, name string) string {
	if v := strings.TrimSpace(r.URL.Query().Get(name)); v != "" {
		return v
	}
	return strings.TrimSpace(chi.URLParam(r, name))
}

func requestInt(r *http.Request, name string) (int64, error) {
	raw := requestParam(r, name)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &ValidationError{Field: name, Reason: "must be a positive integer"}
	}
	return id, nil
}

func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = NormalizePermissionCode(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
