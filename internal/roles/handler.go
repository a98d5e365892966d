package roles

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-rbac/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// RoleLookup resolves a role's anchor for scoped permission checks.
type RoleLookup interface {
	GetRole(ctx context.Context, roleID int64) (*rbac.RoleInfo, error)
}

// Handler manages role management endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
	lookup  RoleLookup
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, lookup RoleLookup) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, lookup: lookup}
}

// MountRoutes registers role routes. Paths are absolute so the handler can
// share the /rbac router with the read-only role endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermRolesRead, rbac.PermRolesManage))
		r.Get("/roles", h.listRoles)
		r.Get("/roles/{id}/permissions", h.listBindings)
	})
	r.Post("/roles", h.createRole)
	r.Patch("/roles/{id}", h.updateRole)
	r.Delete("/roles/{id}", h.deleteRole)
	r.Post("/roles/{id}/permissions", h.addBinding)
	r.Delete("/roles/{id}/permissions/{bindingID}", h.removeBinding)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) listBindings(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	bindings, err := h.service.ListBindings(r.Context(), id)
	if err != nil {
		h.fail(w, "list role bindings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"bindings": bindings})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var in CreateRoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, &rbac.ValidationError{Reason: "malformed JSON body"})
		return
	}
	actorID, ok := h.authorize(w, r, rbac.PermRolesCreate, rbac.Scope{OrganizationID: in.OrganizationID, DepartmentID: in.DepartmentID})
	if !ok {
		return
	}
	role, err := h.service.CreateRole(r.Context(), in, actorID)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, actorID, ok := h.authorizeRole(w, r, rbac.PermRolesUpdate)
	if !ok {
		return
	}
	var in UpdateRoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, &rbac.ValidationError{Reason: "malformed JSON body"})
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, in, actorID)
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, actorID, ok := h.authorizeRole(w, r, rbac.PermRolesDelete)
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), id, actorID); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addBinding(w http.ResponseWriter, r *http.Request) {
	id, actorID, ok := h.authorizeRole(w, r, rbac.PermRolesUpdate)
	if !ok {
		return
	}
	var in BindingInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, &rbac.ValidationError{Reason: "malformed JSON body"})
		return
	}
	b, err := h.service.AddBinding(r.Context(), id, in, actorID)
	if err != nil {
		h.fail(w, "add role binding", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, b)
}

func (h *Handler) removeBinding(w http.ResponseWriter, r *http.Request) {
	id, actorID, ok := h.authorizeRole(w, r, rbac.PermRolesUpdate)
	if !ok {
		return
	}
	bindingID, err := parseID(r, "bindingID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.RemoveBinding(r.Context(), id, bindingID, actorID); err != nil {
		h.fail(w, "remove role binding", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorizeRole checks perm at the anchor of the role named by the id param.
func (h *Handler) authorizeRole(w http.ResponseWriter, r *http.Request, perm string) (int64, int64, bool) {
	id, err := parseID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return 0, 0, false
	}
	info, err := h.lookup.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, "lookup role", err)
		return 0, 0, false
	}
	if info == nil {
		httpx.RespondError(w, shared.ErrNotFound)
		return 0, 0, false
	}
	actorID, ok := h.authorize(w, r, perm, rbac.Scope{OrganizationID: info.OrganizationID, DepartmentID: info.DepartmentID})
	return id, actorID, ok
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, perm string, scope rbac.Scope) (int64, bool) {
	actorID, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return 0, false
	}
	if !h.rbac.Checker.UserHasPermission(r.Context(), actorID, perm, scope, "") {
		h.logger.Info("rbac forbidden", slog.Int64("user_id", actorID), slog.String("path", r.URL.Path), slog.String("permission", perm))
		httpx.RespondError(w, shared.ErrPermissionDenied)
		return 0, false
	}
	return actorID, true
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if !shared.IsClientError(err) {
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		return 0, &rbac.ValidationError{Field: param, Reason: "must be a positive integer"}
	}
	return id, nil
}
