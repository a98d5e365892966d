package users

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-rbac/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// Handler manages user endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermUsersRead))
		r.Get("/users", h.listUsers)
	})
	// Users may always read their own roles; reading others needs users.read.
	r.Get("/users/{id}/roles", h.userRoles)
	r.Get("/users/{id}/permissions", h.userPermissions)
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		h.logger.Error("list users failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *Handler) userRoles(w http.ResponseWriter, r *http.Request) {
	userID, scope, _, ok := h.target(w, r)
	if !ok {
		return
	}
	roles, err := h.service.Roles(r.Context(), userID, scope.OrganizationID)
	if err != nil {
		h.respondError(w, "user roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	userID, scope, resourceID, ok := h.target(w, r)
	if !ok {
		return
	}
	perms, err := h.service.Permissions(r.Context(), userID, scope, resourceID)
	if err != nil {
		h.respondError(w, "user permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

// target resolves the user in the path and enforces the self-or-users.read rule.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (int64, rbac.Scope, string, bool) {
	actorID, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return 0, rbac.Scope{}, "", false
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user id must be a positive integer")
		return 0, rbac.Scope{}, "", false
	}
	scope, resourceID, err := rbac.ScopeFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return 0, rbac.Scope{}, "", false
	}
	if userID != actorID && !h.rbac.Checker.UserHasPermission(r.Context(), actorID, rbac.PermUsersRead, scope, "") {
		httpx.RespondError(w, rbac.ErrPermissionDenied)
		return 0, rbac.Scope{}, "", false
	}
	return userID, scope, resourceID, true
}

func (h *Handler) respondError(w http.ResponseWriter, msg string, err error) {
	if !shared.IsClientError(err) {
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
