package rbac

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tenantgate/tenantgate/pkg/contextkeys"
	"github.com/tenantgate/tenantgate/pkg/httputil"
	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/tenants"
)

// Handlers exposes role and resource-permission management over HTTP
type Handlers struct {
	store   *Store
	service *Service
	logger  *observability.Logger
}

// NewHandlers creates the RBAC HTTP handlers
func NewHandlers(store *Store, service *Service, logger *observability.Logger) *Handlers {
	return &Handlers{store: store, service: service, logger: logger}
}

// RegisterRoutes attaches the RBAC management endpoints to the router
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/roles", h.ListRoles).Methods(http.MethodGet)
	r.HandleFunc("/roles", h.CreateRole).Methods(http.MethodPost)
	r.HandleFunc("/roles/{role_id}/assignments", h.AssignRole).Methods(http.MethodPost)
	r.HandleFunc("/roles/{role_id}/assignments/{user_id}", h.RevokeRole).Methods(http.MethodDelete)
	r.HandleFunc("/resource-permissions", h.GrantResourcePermission).Methods(http.MethodPost)
	r.HandleFunc("/resource-permissions", h.RevokeResourcePermission).Methods(http.MethodDelete)
}

func (h *Handlers) tenantFrom(r *http.Request) (*tenants.Tenant, bool) {
	tc, ok := r.Context().Value(contextkeys.TenantKey).(*tenants.TenantContext)
	if !ok || !tc.Resolved() {
		return nil, false
	}
	return tc.Tenant, true
}

// ListRoles returns the roles visible in the resolved tenant
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenantFrom(r)
	if !ok {
		httputil.WriteNotFound(w, "no tenant resolved for this request")
		return
	}

	roles, err := h.store.ListRoles(r.Context(), tenant.ID)
	if err != nil {
		h.logger.WithError(err).Error("failed to list roles")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{"roles": roles})
}

type createRoleRequest struct {
	Name           string  `json:"name"`
	OrganizationID *int64  `json:"organization_id,omitempty"`
	ParentRoleID   *int64  `json:"parent_role_id,omitempty"`
	Priority       int     `json:"priority"`
	PermissionIDs  []int64 `json:"permission_ids,omitempty"`
}

// CreateRole defines a custom role within the resolved tenant
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenantFrom(r)
	if !ok {
		httputil.WriteNotFound(w, "no tenant resolved for this request")
		return
	}

	var req createRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "role name is required")
		return
	}

	role := &Role{
		Name:           req.Name,
		Type:           RoleTypeCustom,
		TenantID:       &tenant.ID,
		OrganizationID: req.OrganizationID,
		ParentRoleID:   req.ParentRoleID,
		Priority:       req.Priority,
	}

	if err := h.service.CreateRole(r.Context(), role); err != nil {
		h.logger.WithError(err).Error("failed to create role")
		httputil.WriteInternalError(w)
		return
	}

	if len(req.PermissionIDs) > 0 {
		if err := h.service.UpdateRolePermissions(r.Context(), role, req.PermissionIDs); err != nil {
			h.logger.WithError(err).Error("failed to link role permissions")
			httputil.WriteInternalError(w)
			return
		}
	}

	httputil.WriteCreated(w, role)
}

type assignRoleRequest struct {
	UserID         int64  `json:"user_id"`
	OrganizationID *int64 `json:"organization_id,omitempty"`
}

// AssignRole grants a role to a user within the resolved tenant
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenantFrom(r)
	if !ok {
		httputil.WriteNotFound(w, "no tenant resolved for this request")
		return
	}

	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}

	var req assignRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == 0 {
		httputil.WriteBadRequest(w, "user_id is required")
		return
	}

	assignment := &RoleAssignment{
		UserID:         req.UserID,
		RoleID:         roleID,
		TenantID:       tenant.ID,
		OrganizationID: req.OrganizationID,
	}
	if actorID, ok := contextkeys.GetUserID(r.Context()); ok {
		assignment.AssignedBy = &actorID
	}

	if err := h.service.AssignRole(r.Context(), assignment); err != nil {
		switch {
		case errors.Is(err, ErrRoleNotFound):
			httputil.WriteNotFound(w, "role not found")
		case errors.Is(err, ErrRoleScopeMismatch):
			httputil.WriteBadRequest(w, err.Error())
		default:
			h.logger.WithError(err).Error("failed to assign role")
			httputil.WriteInternalError(w)
		}
		return
	}

	httputil.WriteCreated(w, assignment)
}

// RevokeRole removes a role from a user within the resolved tenant
func (h *Handlers) RevokeRole(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenantFrom(r)
	if !ok {
		httputil.WriteNotFound(w, "no tenant resolved for this request")
		return
	}

	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	var actorID *int64
	if id, ok := contextkeys.GetUserID(r.Context()); ok {
		actorID = &id
	}

	if err := h.service.RevokeRole(r.Context(), userID, roleID, tenant.ID, nil, actorID); err != nil {
		h.logger.WithError(err).Error("failed to revoke role")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteNoContent(w)
}

type resourcePermissionRequest struct {
	UserID       int64      `json:"user_id"`
	Permission   string     `json:"permission"`
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	Granted      *bool      `json:"granted,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// GrantResourcePermission records a per-resource grant or deny
func (h *Handlers) GrantResourcePermission(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenantFrom(r)
	if !ok {
		httputil.WriteNotFound(w, "no tenant resolved for this request")
		return
	}

	var req resourcePermissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == 0 || req.Permission == "" || req.ResourceType == "" || req.ResourceID == "" {
		httputil.WriteBadRequest(w, "user_id, permission, resource_type, and resource_id are required")
		return
	}

	perm, err := h.store.GetPermissionByName(r.Context(), req.Permission)
	if err != nil {
		httputil.WriteNotFound(w, "unknown permission: "+req.Permission)
		return
	}

	granted := true
	if req.Granted != nil {
		granted = *req.Granted
	}

	grant := &ResourcePermission{
		UserID:       req.UserID,
		PermissionID: perm.ID,
		TenantID:     tenant.ID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Granted:      granted,
		ExpiresAt:    req.ExpiresAt,
	}
	if actorID, ok := contextkeys.GetUserID(r.Context()); ok {
		grant.GrantedBy = &actorID
	}

	if err := h.service.GrantResourcePermission(r.Context(), grant); err != nil {
		h.logger.WithError(err).Error("failed to grant resource permission")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteCreated(w, grant)
}

// RevokeResourcePermission deletes a per-resource grant
func (h *Handlers) RevokeResourcePermission(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenantFrom(r)
	if !ok {
		httputil.WriteNotFound(w, "no tenant resolved for this request")
		return
	}

	var req resourcePermissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	perm, err := h.store.GetPermissionByName(r.Context(), req.Permission)
	if err != nil {
		httputil.WriteNotFound(w, "unknown permission: "+req.Permission)
		return
	}

	var actorID *int64
	if id, ok := contextkeys.GetUserID(r.Context()); ok {
		actorID = &id
	}

	if err := h.service.RevokeResourcePermission(r.Context(), req.UserID, perm.ID, req.ResourceType, req.ResourceID, tenant.ID, actorID); err != nil {
		h.logger.WithError(err).Error("failed to revoke resource permission")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteNoContent(w)
}
