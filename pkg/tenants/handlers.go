package tenants

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tenantgate/tenantgate/pkg/httputil"
	"github.com/tenantgate/tenantgate/pkg/observability"
)

// SeedFunc runs after a tenant is created, before the response is
// written. Used to install the tenant's default role catalog.
type SeedFunc func(r *http.Request, tenantID int64) error

// Handlers exposes tenant lifecycle and organization management over HTTP.
// These are operator endpoints; the caller mounts them behind permission
// middleware.
type Handlers struct {
	store    *Store
	manager  *Manager
	seedHook SeedFunc
	logger   *observability.Logger
}

// NewHandlers creates the tenant HTTP handlers. seed runs after tenant
// creation; nil skips seeding.
func NewHandlers(store *Store, manager *Manager, seed SeedFunc, logger *observability.Logger) *Handlers {
	return &Handlers{store: store, manager: manager, seedHook: seed, logger: logger}
}

// RegisterRoutes attaches the tenant management endpoints to the router
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/tenants", h.CreateTenant).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{tenant_id}", h.GetTenant).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{tenant_id}", h.DeleteTenant).Methods(http.MethodDelete)
	r.HandleFunc("/tenants/{tenant_id}/suspend", h.SuspendTenant).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{tenant_id}/reactivate", h.ReactivateTenant).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{tenant_id}/cancel", h.CancelTenant).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{tenant_id}/organizations", h.CreateOrganization).Methods(http.MethodPost)
	r.HandleFunc("/organizations/{org_id}/invitations", h.InviteMember).Methods(http.MethodPost)
	r.HandleFunc("/invitations/{token}/accept", h.AcceptInvitation).Methods(http.MethodPost)
}

type createTenantRequest struct {
	Slug   string  `json:"slug"`
	Name   string  `json:"name"`
	Domain *string `json:"domain,omitempty"`
}

// CreateTenant provisions a new trial tenant and seeds its default roles
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Slug == "" || req.Name == "" {
		httputil.WriteBadRequest(w, "slug and name are required")
		return
	}

	tenant, err := h.manager.CreateTenant(r.Context(), req.Slug, req.Name, req.Domain)
	if err != nil {
		h.logger.WithError(err).Error("failed to create tenant")
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if h.seedHook != nil {
		if err := h.seedHook(r, tenant.ID); err != nil {
			h.logger.WithError(err).WithTenant(tenant.ID, tenant.Slug).Error("failed to seed tenant roles")
			httputil.WriteInternalError(w)
			return
		}
	}

	httputil.WriteCreated(w, tenant)
}

// GetTenant returns a tenant by internal ID
func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	tenant, err := h.store.GetByID(r.Context(), tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		httputil.WriteNotFound(w, "tenant not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to load tenant")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccess(w, tenant)
}

type suspendRequest struct {
	Reason string `json:"reason"`
}

// SuspendTenant suspends a tenant with a recorded reason
func (h *Handlers) SuspendTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	var req suspendRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Reason == "" {
		httputil.WriteBadRequest(w, "suspension reason is required")
		return
	}

	if err := h.manager.Suspend(r.Context(), tenantID, req.Reason); err != nil {
		h.writeStatusError(w, err, "failed to suspend tenant")
		return
	}
	httputil.WriteNoContent(w)
}

// ReactivateTenant returns a suspended tenant to active status
func (h *Handlers) ReactivateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	if err := h.manager.Reactivate(r.Context(), tenantID); err != nil {
		h.writeStatusError(w, err, "failed to reactivate tenant")
		return
	}
	httputil.WriteNoContent(w)
}

// CancelTenant permanently cancels a tenant
func (h *Handlers) CancelTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	if err := h.manager.Cancel(r.Context(), tenantID); err != nil {
		h.writeStatusError(w, err, "failed to cancel tenant")
		return
	}
	httputil.WriteNoContent(w)
}

// DeleteTenant permanently removes a tenant that has no active members
func (h *Handlers) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	err := h.manager.Delete(r.Context(), tenantID)
	if IsActiveMembers(err) {
		httputil.WriteError(w, http.StatusConflict, "tenant_has_active_members", err.Error())
		return
	}
	if err != nil {
		h.writeStatusError(w, err, "failed to delete tenant")
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) writeStatusError(w http.ResponseWriter, err error, logMessage string) {
	if errors.Is(err, ErrTenantNotFound) {
		httputil.WriteNotFound(w, "tenant not found")
		return
	}
	h.logger.WithError(err).Error(logMessage)
	httputil.WriteInternalError(w)
}

type createOrganizationRequest struct {
	Slug             string `json:"slug"`
	Name             string `json:"name"`
	Type             string `json:"type"`
	ParentID         *int64 `json:"parent_id,omitempty"`
	Visibility       string `json:"visibility,omitempty"`
	RequiresApproval bool   `json:"requires_approval"`
}

// CreateOrganization adds an organization to a tenant
func (h *Handlers) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenant_id")
	if !ok {
		return
	}

	var req createOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Slug == "" || req.Name == "" {
		httputil.WriteBadRequest(w, "slug and name are required")
		return
	}

	org := &Organization{
		TenantID:         tenantID,
		Slug:             req.Slug,
		Name:             req.Name,
		Type:             req.Type,
		ParentID:         req.ParentID,
		Visibility:       OrganizationVisibility(req.Visibility),
		RequiresApproval: req.RequiresApproval,
	}

	if err := h.store.CreateOrganization(r.Context(), org); err != nil {
		if errors.Is(err, ErrOrganizationNotFound) {
			httputil.WriteBadRequest(w, "parent organization not found in this tenant")
			return
		}
		h.logger.WithError(err).Error("failed to create organization")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteCreated(w, org)
}

// invitationTTL bounds how long a pending invitation stays redeemable.
const invitationTTL = 14 * 24 * time.Hour

type inviteMemberRequest struct {
	UserID int64  `json:"user_id"`
	RoleID *int64 `json:"role_id,omitempty"`
}

// InviteMember creates a pending membership with an invitation token
func (h *Handlers) InviteMember(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}

	var req inviteMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == 0 {
		httputil.WriteBadRequest(w, "user_id is required")
		return
	}

	expires := time.Now().Add(invitationTTL)
	membership := &OrganizationMembership{
		UserID:              req.UserID,
		OrganizationID:      orgID,
		RoleID:              req.RoleID,
		InvitationExpiresAt: &expires,
	}

	if err := h.store.CreateMembership(r.Context(), membership); err != nil {
		h.logger.WithError(err).Error("failed to create invitation")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteCreated(w, membership)
}

// AcceptInvitation redeems an invitation token
func (h *Handlers) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	if token == "" {
		httputil.WriteBadRequest(w, "invitation token is required")
		return
	}

	if err := h.store.ActivateMembership(r.Context(), token); err != nil {
		httputil.WriteNotFound(w, "invitation not found or expired")
		return
	}
	httputil.WriteNoContent(w)
}
