package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-rbac/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// IdempotencyGuard rejects replayed mutation requests.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

const idempotencyModule = "rbac.assignments"

// Handler exposes permission checks and assignment management over JSON.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	rbac        Middleware
	idempotency IdempotencyGuard
	checkLimit  func(http.Handler) http.Handler
}

// NewHandler builds Handler instance. checkRate is the per-caller request
// budget per minute for /check; zero disables the limit.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware, idempotency IdempotencyGuard, checkRate int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := func(next http.Handler) http.Handler { return next }
	if checkRate > 0 {
		limiter = httprate.Limit(checkRate, time.Minute,
			httprate.WithKeyFuncs(rateLimitKey),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "permission check budget exhausted")
			}),
		)
	}
	return &Handler{logger: logger, service: service, rbac: rbac, idempotency: idempotency, checkLimit: limiter}
}

// MountRoutes registers RBAC routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.checkLimit)
		r.Get("/check", h.handleCheck)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(PermRolesRead, PermRolesManage))
		r.Get("/roles/{id}", h.handleGetRole)
		r.Get("/organizations/{organization_id}/roles", h.handleOrganizationRoles)
		r.Get("/departments/{department_id}/roles", h.handleDepartmentRoles)
	})
	r.Post("/assignments", h.handleAssign)
	r.Post("/assignments/revoke", h.handleRevoke)
	r.Post("/assignments/{id}/approve", h.handleApprove)
	r.Post("/assignments/{id}/reject", h.handleReject)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(PermSystemAudit))
		r.Get("/conflicts", h.handleConflicts)
		r.Get("/assignments/{id}/approvals", h.handleApprovalHistory)
	})
}

type checkResponse struct {
	Allowed  bool      `json:"allowed"`
	Decision *Decision `json:"decision,omitempty"`
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	actorID, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	scope, resourceID, err := ScopeFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	userID := actorID
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.RespondError(w, &ValidationError{Field: "user_id", Reason: "must be a positive integer"})
			return
		}
		userID = id
	}
	if userID != actorID && !h.service.UserHasPermission(r.Context(), actorID, PermUsersRead, scope, "") {
		httpx.RespondError(w, ErrPermissionDenied)
		return
	}
	q := Query{UserID: userID, Permission: r.URL.Query().Get("permission"), Scope: scope, ResourceID: resourceID}
	if r.URL.Query().Get("explain") == "" {
		httpx.JSON(w, http.StatusOK, checkResponse{
			Allowed: h.service.UserHasPermission(r.Context(), q.UserID, q.Permission, q.Scope, q.ResourceID),
		})
		return
	}
	if !h.service.UserHasPermission(r.Context(), actorID, PermSystemAudit, scope, "") {
		httpx.RespondError(w, ErrPermissionDenied)
		return
	}
	d, err := h.service.Explain(r.Context(), q)
	if err != nil && errors.Is(err, shared.ErrValidation) {
		httpx.RespondError(w, err)
		return
	}
	if err != nil {
		h.logger.Error("rbac explain", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, checkResponse{Allowed: d.Allowed, Decision: &d})
}

func (h *Handler) handleGetRole(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	info, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, "rbac get role", err)
		return
	}
	if info == nil {
		httpx.RespondError(w, notFound("role", id))
		return
	}
	httpx.JSON(w, http.StatusOK, info)
}

func (h *Handler) handleOrganizationRoles(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "organization_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	roles, err := h.service.GetOrganizationRoles(r.Context(), id)
	if err != nil {
		h.fail(w, "rbac organization roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) handleDepartmentRoles(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "department_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	roles, err := h.service.GetDepartmentRoles(r.Context(), id)
	if err != nil {
		h.fail(w, "rbac department roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req AssignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, &ValidationError{Reason: "malformed JSON body"})
		return
	}
	if !h.service.UserHasPermission(r.Context(), actorID, PermRolesAssign, req.Scope, "") {
		httpx.RespondError(w, ErrPermissionDenied)
		return
	}
	req.AssignedBy = actorID

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate Request", "idempotency key already used")
				return
			}
			h.fail(w, "rbac idempotency", err)
			return
		}
	}
	assigned, err := h.service.AssignRoleToUser(r.Context(), req)
	if err != nil {
		if key != "" && h.idempotency != nil {
			if derr := h.idempotency.Delete(r.Context(), key); derr != nil {
				h.logger.Warn("rbac idempotency release", slog.Any("error", derr))
			}
		}
		h.fail(w, "rbac assign", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"assigned": assigned})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req RevokeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, &ValidationError{Reason: "malformed JSON body"})
		return
	}
	if !h.service.UserHasPermission(r.Context(), actorID, PermRolesRevoke, req.Scope, "") {
		httpx.RespondError(w, ErrPermissionDenied)
		return
	}
	req.RevokedBy = actorID
	revoked, err := h.service.RevokeRoleFromUser(r.Context(), req)
	if err != nil {
		h.fail(w, "rbac revoke", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"revoked": revoked})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.service.ApproveAssignment)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.service.RejectAssignment)
}

// Approvals are authorized by priority inside the service: the approver must
// outrank or equal the role being granted within the assignment scope.
func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, int64) (Assignment, error)) {
	actorID, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	id, err := parseID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	a, err := fn(r.Context(), id, actorID)
	if err != nil {
		h.fail(w, "rbac approval transition", err)
		return
	}
	httpx.JSON(w, http.StatusOK, a)
}

func (h *Handler) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	logs, err := h.service.ApprovalHistory(r.Context(), id)
	if err != nil {
		h.fail(w, "rbac approval history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"approvals": logs})
}

func (h *Handler) handleConflicts(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.RespondError(w, &ValidationError{Field: "user_id", Reason: "must be a positive integer"})
		return
	}
	scope, _, err := ScopeFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	conflicts, err := h.service.AuditConflicts(r.Context(), userID, scope)
	if err != nil {
		h.fail(w, "rbac conflicts", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

// requireActor only establishes the actor; the scoped permission check runs
// once the body is decoded.
func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actorID, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthorized)
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
		return 0, &ValidationError{Field: param, Reason: "must be a positive integer"}
	}
	return id, nil
}

func rateLimitKey(r *http.Request) (string, error) {
	if id, ok := shared.ActorFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(id, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
