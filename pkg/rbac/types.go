package rbac

import (
	"fmt"
	"strconv"
	"time"
)

// Action is an operation a permission allows on a resource type
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionManage  Action = "manage"
	ActionInvite  Action = "invite"
	ActionApprove Action = "approve"
	ActionExecute Action = "execute"
	ActionAdmin   Action = "admin"
)

// Scope is the level at which a permission applies
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeTenant       Scope = "tenant"
	ScopeOrganization Scope = "organization"
	ScopeResource     Scope = "resource"
)

// RoleType distinguishes system-seeded roles from tenant-defined ones
type RoleType string

const (
	RoleTypeSystem    RoleType = "system"
	RoleTypeCustom    RoleType = "custom"
	RoleTypeInherited RoleType = "inherited"
)

// Role is a named bundle of permissions assignable within a scope.
// A nil TenantID or OrganizationID means the role is global at that level.
type Role struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Type           RoleType `json:"type"`
	TenantID       *int64   `json:"tenant_id,omitempty"`
	OrganizationID *int64   `json:"organization_id,omitempty"`

	// ParentRoleID is recorded for single-parent inheritance chains but is
	// not traversed during permission aggregation; only directly assigned
	// role permissions count.
	ParentRoleID *int64 `json:"parent_role_id,omitempty"`

	// Priority breaks ties between overlapping roles, higher wins
	Priority int `json:"priority"`

	Settings  map[string]interface{} `json:"settings,omitempty"`
	IsActive  bool                   `json:"is_active"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Permission is an atomic named capability in dotted "resource.action" form
type Permission struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	ResourceType string `json:"resource_type"`
	Action       Action `json:"action"`
	Scope        Scope  `json:"scope"`

	Prerequisites []string `json:"prerequisites,omitempty"`
	Conflicts     []string `json:"conflicts,omitempty"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// PermissionName builds the dotted permission name
func PermissionName(resourceType string, action Action) string {
	return resourceType + "." + string(action)
}

// RoleAssignment links a user to a role with its assignment context
type RoleAssignment struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	RoleID         int64     `json:"role_id"`
	TenantID       int64     `json:"tenant_id"`
	OrganizationID *int64    `json:"organization_id,omitempty"`
	AssignedBy     *int64    `json:"assigned_by,omitempty"`
	AssignedAt     time.Time `json:"assigned_at"`
}

// ResourcePermission is a direct grant or deny of one permission to one
// user on one specific resource instance, independent of role membership
type ResourcePermission struct {
	ID           int64  `json:"id"`
	UserID       int64  `json:"user_id"`
	PermissionID int64  `json:"permission_id"`
	TenantID     int64  `json:"tenant_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Granted      bool   `json:"granted"`

	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
	Conditions map[string]interface{} `json:"conditions,omitempty"`

	GrantedBy *int64    `json:"granted_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PermissionSet is the cached projection of a user's resolved permissions
// within a tenant (and optionally an organization). It is derived state,
// never authoritative.
type PermissionSet struct {
	Permissions []string `json:"permissions"`
	Roles       []string `json:"roles"`

	LastComputedAt time.Time `json:"last_computed_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Invalidated    bool      `json:"invalidated"`
}

// Has reports whether the set contains the named permission
func (ps *PermissionSet) Has(permissionName string) bool {
	for _, name := range ps.Permissions {
		if name == permissionName {
			return true
		}
	}
	return false
}

// Usable reports whether the cached set may still answer checks
func (ps *PermissionSet) Usable(now time.Time) bool {
	return !ps.Invalidated && now.Before(ps.ExpiresAt)
}

// CacheKey builds the shared-cache key for a user's permission set
func CacheKey(userID, tenantID int64, organizationID *int64) string {
	key := fmt.Sprintf("tenant:%d:permissions:user:%d", tenantID, userID)
	if organizationID != nil {
		key += ":org:" + strconv.FormatInt(*organizationID, 10)
	}
	return key
}

// System role names seeded for every tenant
const (
	RoleTenantAdmin = "tenant_admin"
	RoleOrgAdmin    = "org_admin"
	RoleMember      = "member"
)

// SystemRoleSeed describes one system role and the permission names it carries
type SystemRoleSeed struct {
	Name        string
	Priority    int
	Permissions []string
}

// SystemRoles returns the role definitions seeded into each new tenant
func SystemRoles() []SystemRoleSeed {
	return []SystemRoleSeed{
		{
			Name:     RoleTenantAdmin,
			Priority: 100,
			Permissions: []string{
				"tenant.admin",
				"organization.manage",
				"role.manage",
				"user.invite",
				"user.manage",
				"projects.create",
				"projects.read",
				"projects.update",
				"projects.delete",
			},
		},
		{
			Name:     RoleOrgAdmin,
			Priority: 90,
			Permissions: []string{
				"organization.manage",
				"user.invite",
				"user.approve",
				"projects.create",
				"projects.read",
				"projects.update",
				"projects.delete",
			},
		},
		{
			Name:     RoleMember,
			Priority: 10,
			Permissions: []string{
				"projects.read",
				"projects.create",
			},
		},
	}
}
