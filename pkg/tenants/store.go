package tenants

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrTenantNotFound is returned by point lookups when no tenant matches
var ErrTenantNotFound = fmt.Errorf("tenant not found")

// ErrOrganizationNotFound is returned by organization lookups when no row
// matches within the tenant
var ErrOrganizationNotFound = fmt.Errorf("organization not found")

// Store handles tenant and organization persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new tenant store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const tenantColumns = `id, slug, uuid, name, domain, status, schema_name, settings, resource_limits,
	trial_ends_at, suspended_at, suspension_reason, allowed_ip_ranges, session_timeout_seconds,
	created_at, updated_at`

// GetByUUID retrieves a tenant by its public UUID
func (s *Store) GetByUUID(ctx context.Context, tenantUUID string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE uuid = $1`
	return s.scanTenant(s.db.QueryRowContext(ctx, query, tenantUUID))
}

// GetBySlug retrieves a tenant by slug
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE slug = $1`
	return s.scanTenant(s.db.QueryRowContext(ctx, query, slug))
}

// GetByDomain retrieves a tenant by its registered custom domain
func (s *Store) GetByDomain(ctx context.Context, domain string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE domain = $1`
	return s.scanTenant(s.db.QueryRowContext(ctx, query, domain))
}

// GetByID retrieves a tenant by internal ID
func (s *Store) GetByID(ctx context.Context, id int64) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return s.scanTenant(s.db.QueryRowContext(ctx, query, id))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	var domain, suspensionReason sql.NullString
	var settingsJSON, limitsJSON sql.NullString
	var trialEndsAt, suspendedAt sql.NullTime
	var ipRanges pq.StringArray
	var sessionTimeoutSeconds sql.NullInt64

	err := row.Scan(
		&t.ID,
		&t.Slug,
		&t.UUID,
		&t.Name,
		&domain,
		&t.Status,
		&t.SchemaName,
		&settingsJSON,
		&limitsJSON,
		&trialEndsAt,
		&suspendedAt,
		&suspensionReason,
		&ipRanges,
		&sessionTimeoutSeconds,
		&t.CreatedAt,
		&t.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}

	if domain.Valid {
		d := domain.String
		t.Domain = &d
	}
	if suspensionReason.Valid {
		r := suspensionReason.String
		t.SuspensionReason = &r
	}
	if trialEndsAt.Valid {
		ts := trialEndsAt.Time
		t.TrialEndsAt = &ts
	}
	if suspendedAt.Valid {
		ts := suspendedAt.Time
		t.SuspendedAt = &ts
	}
	if settingsJSON.Valid && settingsJSON.String != "" {
		if err := json.Unmarshal([]byte(settingsJSON.String), &t.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tenant settings: %w", err)
		}
	}
	if limitsJSON.Valid && limitsJSON.String != "" {
		if err := json.Unmarshal([]byte(limitsJSON.String), &t.ResourceLimits); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tenant resource limits: %w", err)
		}
	}
	t.AllowedIPRanges = []string(ipRanges)
	if sessionTimeoutSeconds.Valid {
		t.SessionTimeout = time.Duration(sessionTimeoutSeconds.Int64) * time.Second
	}

	return &t, nil
}

// CreateTenant inserts a new tenant. Slug and domain uniqueness is enforced
// by database constraints; a fresh UUID and schema name are generated here.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	if t.SchemaName == "" {
		t.SchemaName = SchemaNameForSlug(t.Slug)
	}
	if t.Status == "" {
		t.Status = StatusTrial
	}

	settingsJSON, err := json.Marshal(t.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal tenant settings: %w", err)
	}
	limitsJSON, err := json.Marshal(t.ResourceLimits)
	if err != nil {
		return fmt.Errorf("failed to marshal tenant resource limits: %w", err)
	}

	query := `
		INSERT INTO tenants (slug, uuid, name, domain, status, schema_name, settings, resource_limits,
			trial_ends_at, allowed_ip_ranges, session_timeout_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`

	now := time.Now()
	var sessionTimeoutSeconds sql.NullInt64
	if t.SessionTimeout > 0 {
		sessionTimeoutSeconds = sql.NullInt64{Int64: int64(t.SessionTimeout / time.Second), Valid: true}
	}

	err = s.db.QueryRowContext(ctx, query,
		t.Slug,
		t.UUID,
		t.Name,
		t.Domain,
		t.Status,
		t.SchemaName,
		string(settingsJSON),
		string(limitsJSON),
		t.TrialEndsAt,
		pq.StringArray(t.AllowedIPRanges),
		sessionTimeoutSeconds,
		now,
		now,
	).Scan(&t.ID)

	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

// UpdateStatus transitions a tenant's status, recording suspension details
// when the new status is suspended and clearing them otherwise
func (s *Store) UpdateStatus(ctx context.Context, tenantID int64, status TenantStatus, reason *string) error {
	var query string
	var args []interface{}

	now := time.Now()
	if status == StatusSuspended {
		query = `
			UPDATE tenants
			SET status = $1, suspended_at = $2, suspension_reason = $3, updated_at = $4
			WHERE id = $5
		`
		args = []interface{}{status, now, reason, now, tenantID}
	} else {
		query = `
			UPDATE tenants
			SET status = $1, suspended_at = NULL, suspension_reason = NULL, updated_at = $2
			WHERE id = $3
		`
		args = []interface{}{status, now, tenantID}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update tenant status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check tenant status update: %w", err)
	}
	if affected == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// CountActiveMemberships returns the number of active memberships across all
// of the tenant's organizations
func (s *Store) CountActiveMemberships(ctx context.Context, tenantID int64) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM organization_memberships m
		JOIN organizations o ON o.id = m.organization_id
		WHERE o.tenant_id = $1 AND m.status = $2
	`

	var count int64
	err := s.db.QueryRowContext(ctx, query, tenantID, MembershipActive).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active memberships: %w", err)
	}
	return count, nil
}

// DeleteTenant removes a tenant row; dependent rows cascade
func (s *Store) DeleteTenant(ctx context.Context, tenantID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check tenant deletion: %w", err)
	}
	if affected == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// ListExpiredTrials returns trial tenants whose trial window lapsed before the cutoff
func (s *Store) ListExpiredTrials(ctx context.Context, cutoff time.Time) ([]Tenant, error) {
	query := `SELECT ` + tenantColumns + `
		FROM tenants
		WHERE status = $1 AND trial_ends_at IS NOT NULL AND trial_ends_at < $2
		ORDER BY trial_ends_at ASC`

	rows, err := s.db.QueryContext(ctx, query, StatusTrial, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired trials: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		t, err := s.scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

// CreateOrganization inserts a new organization within a tenant. The parent,
// if set, must belong to the same tenant.
func (s *Store) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.Visibility == "" {
		org.Visibility = VisibilityPrivate
	}

	if org.ParentID != nil {
		if _, err := s.GetOrganization(ctx, org.TenantID, *org.ParentID); err != nil {
			return fmt.Errorf("parent organization: %w", err)
		}
	}

	query := `
		INSERT INTO organizations (tenant_id, slug, name, type, parent_id, visibility, requires_approval, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	now := time.Now()
	err := s.db.QueryRowContext(ctx, query,
		org.TenantID,
		org.Slug,
		org.Name,
		org.Type,
		org.ParentID,
		org.Visibility,
		org.RequiresApproval,
		now,
		now,
	).Scan(&org.ID)

	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}

	org.CreatedAt = now
	org.UpdatedAt = now
	return nil
}

// GetOrganization retrieves an organization by ID within a tenant
func (s *Store) GetOrganization(ctx context.Context, tenantID, orgID int64) (*Organization, error) {
	query := `
		SELECT id, tenant_id, slug, name, type, parent_id, visibility, requires_approval, created_at, updated_at
		FROM organizations
		WHERE id = $1 AND tenant_id = $2
	`

	var org Organization
	var parentID sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, orgID, tenantID).Scan(
		&org.ID,
		&org.TenantID,
		&org.Slug,
		&org.Name,
		&org.Type,
		&parentID,
		&org.Visibility,
		&org.RequiresApproval,
		&org.CreatedAt,
		&org.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	if parentID.Valid {
		pid := parentID.Int64
		org.ParentID = &pid
	}

	return &org, nil
}

// CreateMembership records a pending membership with an invitation token
func (s *Store) CreateMembership(ctx context.Context, m *OrganizationMembership) error {
	if m.Status == "" {
		m.Status = MembershipPending
	}
	if m.InvitationToken == nil {
		token := uuid.NewString()
		m.InvitationToken = &token
	}

	query := `
		INSERT INTO organization_memberships (user_id, organization_id, status, role_id, invitation_token, invited_at, invitation_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	now := time.Now()
	if m.InvitedAt == nil {
		m.InvitedAt = &now
	}

	err := s.db.QueryRowContext(ctx, query,
		m.UserID,
		m.OrganizationID,
		m.Status,
		m.RoleID,
		m.InvitationToken,
		m.InvitedAt,
		m.InvitationExpiresAt,
		now,
		now,
	).Scan(&m.ID)

	if err != nil {
		return fmt.Errorf("failed to create membership: %w", err)
	}

	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

// ActivateMembership accepts a pending invitation by its token
func (s *Store) ActivateMembership(ctx context.Context, token string) error {
	query := `
		UPDATE organization_memberships
		SET status = $1, joined_at = $2, invitation_token = NULL, updated_at = $2
		WHERE invitation_token = $3
		  AND status = $4
		  AND (invitation_expires_at IS NULL OR invitation_expires_at > $2)
	`

	result, err := s.db.ExecContext(ctx, query, MembershipActive, time.Now(), token, MembershipPending)
	if err != nil {
		return fmt.Errorf("failed to activate membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check membership activation: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("invitation not found or expired")
	}
	return nil
}

// PurgeExpiredInvitations removes pending memberships whose invitations lapsed
func (s *Store) PurgeExpiredInvitations(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM organization_memberships
		WHERE status = $1 AND invitation_expires_at IS NOT NULL AND invitation_expires_at < $2
	`

	result, err := s.db.ExecContext(ctx, query, MembershipPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired invitations: %w", err)
	}
	return result.RowsAffected()
}

// SchemaNameForSlug derives the isolation namespace for a tenant slug
func SchemaNameForSlug(slug string) string {
	return "tenant_" + strings.ReplaceAll(slug, "-", "_")
}
