package tenants

import (
	"strconv"
	"time"
)

// TenantStatus represents the lifecycle state of a tenant
type TenantStatus string

const (
	StatusTrial     TenantStatus = "trial"
	StatusActive    TenantStatus = "active"
	StatusSuspended TenantStatus = "suspended"
	StatusCancelled TenantStatus = "cancelled"
)

// Tenant represents an isolated customer environment
type Tenant struct {
	ID         int64        `json:"id"`
	Slug       string       `json:"slug"`
	UUID       string       `json:"uuid"`
	Name       string       `json:"name"`
	Domain     *string      `json:"domain,omitempty"`
	Status     TenantStatus `json:"status"`
	SchemaName string       `json:"schema_name"`

	Settings       map[string]interface{} `json:"settings,omitempty"`
	ResourceLimits map[string]int64       `json:"resource_limits,omitempty"`

	TrialEndsAt      *time.Time `json:"trial_ends_at,omitempty"`
	SuspendedAt      *time.Time `json:"suspended_at,omitempty"`
	SuspensionReason *string    `json:"suspension_reason,omitempty"`

	// AllowedIPRanges restricts access to the listed CIDR blocks when non-empty
	AllowedIPRanges []string `json:"allowed_ip_ranges,omitempty"`

	SessionTimeout time.Duration `json:"session_timeout,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTrialExpired reports whether a trial tenant's trial window has lapsed
func (t *Tenant) IsTrialExpired(now time.Time) bool {
	return t.Status == StatusTrial && t.TrialEndsAt != nil && t.TrialEndsAt.Before(now)
}

// OrganizationVisibility controls who can discover an organization
type OrganizationVisibility string

const (
	VisibilityPublic  OrganizationVisibility = "public"
	VisibilityPrivate OrganizationVisibility = "private"
)

// Organization represents a hierarchical grouping of users within a tenant
type Organization struct {
	ID               int64                  `json:"id"`
	TenantID         int64                  `json:"tenant_id"`
	Slug             string                 `json:"slug"`
	Name             string                 `json:"name"`
	Type             string                 `json:"type"`
	ParentID         *int64                 `json:"parent_id,omitempty"`
	Visibility       OrganizationVisibility `json:"visibility"`
	RequiresApproval bool                   `json:"requires_approval"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// MembershipStatus represents the state of a user's organization membership
type MembershipStatus string

const (
	MembershipPending   MembershipStatus = "pending"
	MembershipActive    MembershipStatus = "active"
	MembershipSuspended MembershipStatus = "suspended"
	MembershipRemoved   MembershipStatus = "removed"
)

// OrganizationMembership links a user to an organization
type OrganizationMembership struct {
	ID                  int64            `json:"id"`
	UserID              int64            `json:"user_id"`
	OrganizationID      int64            `json:"organization_id"`
	Status              MembershipStatus `json:"status"`
	RoleID              *int64           `json:"role_id,omitempty"`
	InvitationToken     *string          `json:"invitation_token,omitempty"`
	InvitedAt           *time.Time       `json:"invited_at,omitempty"`
	InvitationExpiresAt *time.Time       `json:"invitation_expires_at,omitempty"`
	JoinedAt            *time.Time       `json:"joined_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// ResolvedFrom identifies which request signal produced a tenant match
type ResolvedFrom string

const (
	ResolvedFromHeaderID     ResolvedFrom = "header_id"
	ResolvedFromHeaderSlug   ResolvedFrom = "header_slug"
	ResolvedFromCustomDomain ResolvedFrom = "custom_domain"
	ResolvedFromSubdomain    ResolvedFrom = "subdomain"
	ResolvedFromDefault      ResolvedFrom = "default"
	ResolvedFromSkipped      ResolvedFrom = "skipped"
)

// TenantContext is the per-request resolution result attached to the
// request context for downstream consumers.
type TenantContext struct {
	Tenant       *Tenant      `json:"tenant,omitempty"`
	ResolvedFrom ResolvedFrom `json:"resolved_from"`
	SchemaName   string       `json:"schema_name,omitempty"`
}

// Resolved reports whether a tenant was matched
func (tc *TenantContext) Resolved() bool {
	return tc != nil && tc.Tenant != nil
}

// CachePrefix returns the tenant-scoped cache key prefix
func (tc *TenantContext) CachePrefix() string {
	if tc.Resolved() {
		return "tenant:" + strconv.FormatInt(tc.Tenant.ID, 10)
	}
	return "tenant:default"
}
