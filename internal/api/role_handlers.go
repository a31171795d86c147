package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/api/respond"
	"github.com/modelgate/modelgate/internal/rbac"
	"github.com/modelgate/modelgate/internal/storage"
	"github.com/modelgate/modelgate/internal/tenant"
)

// RoleHandler serves role CRUD and user-role assignment. The routes run
// behind RequirePermission so only role managers reach them.
type RoleHandler struct {
	resolver *rbac.Resolver
}

func NewRoleHandler(resolver *rbac.Resolver) *RoleHandler {
	return &RoleHandler{resolver: resolver}
}

type roleRequest struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Permissions []string `json:"permissions"`
}

type roleResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Permissions []string  `json:"permissions"`
	IsSystem    bool      `json:"is_system"`
}

func toRoleResponse(role *storage.Role) roleResponse {
	return roleResponse{
		ID:          role.ID,
		Name:        role.Name,
		DisplayName: role.DisplayName,
		Permissions: role.Permissions,
		IsSystem:    role.IsSystem,
	}
}

// List handles GET /api/v1/roles.
func (h *RoleHandler) List(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	roles, err := h.resolver.ListRoles(r.Context(), tc.TenantID)
	if err != nil {
		respond.Error(w, r, http.StatusInternalServerError, respond.CodeInternal, "failed to list roles")
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	respond.JSON(w, r, http.StatusOK, map[string]any{"roles": out})
}

// Create handles POST /api/v1/roles.
func (h *RoleHandler) Create(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	var req roleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		respond.FieldError(w, r, "name", "name is required")
		return
	}

	role := &storage.Role{
		TenantID:    tc.TenantID,
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Permissions: req.Permissions,
	}
	if err := h.resolver.CreateRole(r.Context(), role); err != nil {
		if errors.Is(err, rbac.ErrRoleExists) {
			respond.Error(w, r, http.StatusConflict, respond.CodeConflict, err.Error())
			return
		}
		respond.Error(w, r, http.StatusInternalServerError, respond.CodeInternal, "failed to create role")
		return
	}
	respond.JSON(w, r, http.StatusCreated, toRoleResponse(role))
}

// Update handles PUT /api/v1/roles/{roleID}.
func (h *RoleHandler) Update(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	roleID, err := uuid.Parse(chi.URLParam(r, "roleID"))
	if err != nil {
		respond.FieldError(w, r, "roleID", "invalid role id")
		return
	}
	var req roleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	role := &storage.Role{
		ID:          roleID,
		TenantID:    tc.TenantID,
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Permissions: req.Permissions,
	}
	if err := h.resolver.UpdateRole(r.Context(), role); err != nil {
		if errors.Is(err, rbac.ErrRoleNotFound) {
			respond.Error(w, r, http.StatusNotFound, respond.CodeNotFound, err.Error())
			return
		}
		respond.Error(w, r, http.StatusInternalServerError, respond.CodeInternal, "failed to update role")
		return
	}
	respond.JSON(w, r, http.StatusOK, toRoleResponse(role))
}

// Delete handles DELETE /api/v1/roles/{roleID}. System roles refuse.
func (h *RoleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	roleID, err := uuid.Parse(chi.URLParam(r, "roleID"))
	if err != nil {
		respond.FieldError(w, r, "roleID", "invalid role id")
		return
	}

	if err := h.resolver.DeleteRole(r.Context(), tc.TenantID, roleID); err != nil {
		switch {
		case errors.Is(err, rbac.ErrSystemRole):
			respond.Error(w, r, http.StatusForbidden, respond.CodeForbidden, err.Error())
		case errors.Is(err, rbac.ErrRoleNotFound):
			respond.Error(w, r, http.StatusNotFound, respond.CodeNotFound, err.Error())
		default:
			respond.Error(w, r, http.StatusInternalServerError, respond.CodeInternal, "failed to delete role")
		}
		return
	}
	respond.Message(w, r, http.StatusOK, "role deleted")
}

type assignRequest struct {
	UserID    uuid.UUID  `json:"user_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Assign handles POST /api/v1/roles/{roleID}/assignments.
func (h *RoleHandler) Assign(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	roleID, err := uuid.Parse(chi.URLParam(r, "roleID"))
	if err != nil {
		respond.FieldError(w, r, "roleID", "invalid role id")
		return
	}
	var req assignRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.resolver.AssignRole(r.Context(), tc.TenantID, &storage.RoleAssignment{
		UserID:    req.UserID,
		RoleID:    roleID,
		ExpiresAt: req.ExpiresAt,
	}); err != nil {
		respond.Error(w, r, http.StatusInternalServerError, respond.CodeInternal, "failed to assign role")
		return
	}
	respond.Message(w, r, http.StatusOK, "role assigned")
}

// Unassign handles DELETE /api/v1/roles/{roleID}/assignments/{userID}.
func (h *RoleHandler) Unassign(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	roleID, err := uuid.Parse(chi.URLParam(r, "roleID"))
	if err != nil {
		respond.FieldError(w, r, "roleID", "invalid role id")
		return
	}
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		respond.FieldError(w, r, "userID", "invalid user id")
		return
	}

	if err := h.resolver.UnassignRole(r.Context(), tc.TenantID, userID, roleID); err != nil {
		respond.Error(w, r, http.StatusInternalServerError, respond.CodeInternal, "failed to unassign role")
		return
	}
	respond.Message(w, r, http.StatusOK, "role unassigned")
}
