package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store handles RBAC data persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// HasRolePermission reports whether the user holds any active role in the
// tenant whose direct permission set contains the named permission. Parent
// roles are not expanded.
func (s *Store) HasRolePermission(ctx context.Context, userID, tenantID int64, organizationID *int64, permissionName string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM role_assignments ra
			JOIN roles r ON r.id = ra.role_id
			JOIN role_permissions rp ON rp.role_id = r.id
			JOIN permissions p ON p.id = rp.permission_id
			WHERE ra.user_id = $1
			  AND ra.tenant_id = $2
			  AND ($3::BIGINT IS NULL OR ra.organization_id = $3 OR ra.organization_id IS NULL)
			  AND r.is_active = TRUE
			  AND p.is_active = TRUE
			  AND p.name = $4
		)
	`

	var allowed bool
	err := s.db.QueryRowContext(ctx, query, userID, tenantID, organizationID, permissionName).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("failed to check role permission: %w", err)
	}
	return allowed, nil
}

// HasResourcePermission reports whether an unexpired explicit grant exists
// for the user on the specific resource instance
func (s *Store) HasResourcePermission(ctx context.Context, userID, tenantID int64, permissionName, resourceType, resourceID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM resource_permissions rp
			JOIN permissions p ON p.id = rp.permission_id
			WHERE rp.user_id = $1
			  AND rp.tenant_id = $2
			  AND p.name = $3
			  AND rp.resource_type = $4
			  AND rp.resource_id = $5
			  AND rp.granted = TRUE
			  AND (rp.expires_at IS NULL OR rp.expires_at > NOW())
		)
	`

	var allowed bool
	err := s.db.QueryRowContext(ctx, query, userID, tenantID, permissionName, resourceType, resourceID).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("failed to check resource permission: %w", err)
	}
	return allowed, nil
}

// GetPermissionSet computes the user's full permission-name and role-name
// sets from directly assigned active roles in the tenant
func (s *Store) GetPermissionSet(ctx context.Context, userID, tenantID int64, organizationID *int64) (*PermissionSet, error) {
	query := `
		SELECT r.name, p.name
		FROM role_assignments ra
		JOIN roles r ON r.id = ra.role_id
		JOIN role_permissions rp ON rp.role_id = r.id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ra.user_id = $1
		  AND ra.tenant_id = $2
		  AND ($3::BIGINT IS NULL OR ra.organization_id = $3 OR ra.organization_id IS NULL)
		  AND r.is_active = TRUE
		  AND p.is_active = TRUE
		ORDER BY r.name, p.name
	`

	rows, err := s.db.QueryContext(ctx, query, userID, tenantID, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute permission set: %w", err)
	}
	defer rows.Close()

	roleSeen := make(map[string]struct{})
	permSeen := make(map[string]struct{})
	set := &PermissionSet{
		Permissions: []string{},
		Roles:       []string{},
	}

	for rows.Next() {
		var roleName, permName string
		if err := rows.Scan(&roleName, &permName); err != nil {
			return nil, fmt.Errorf("failed to scan permission set row: %w", err)
		}
		if _, ok := roleSeen[roleName]; !ok {
			roleSeen[roleName] = struct{}{}
			set.Roles = append(set.Roles, roleName)
		}
		if _, ok := permSeen[permName]; !ok {
			permSeen[permName] = struct{}{}
			set.Permissions = append(set.Permissions, permName)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read permission set rows: %w", err)
	}

	set.LastComputedAt = time.Now()
	return set, nil
}

// CreateRole creates a new role
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	settingsJSON, err := json.Marshal(role.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal role settings: %w", err)
	}

	query := `
		INSERT INTO roles (name, type, tenant_id, organization_id, parent_role_id, priority, settings, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	now := time.Now()
	err = s.db.QueryRowContext(ctx, query,
		role.Name,
		role.Type,
		role.TenantID,
		role.OrganizationID,
		role.ParentRoleID,
		role.Priority,
		string(settingsJSON),
		role.IsActive,
		now,
		now,
	).Scan(&role.ID)

	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetRoleByID retrieves a role by its primary key
func (s *Store) GetRoleByID(ctx context.Context, id int64) (*Role, error) {
	query := `
		SELECT id, name, type, tenant_id, organization_id, parent_role_id, priority, settings, is_active, created_at, updated_at
		FROM roles
		WHERE id = $1
	`

	return s.scanRole(s.db.QueryRowContext(ctx, query, id))
}

// GetRoleByName retrieves a role by its unique (name, tenant, organization) scope
func (s *Store) GetRoleByName(ctx context.Context, name string, tenantID, organizationID *int64) (*Role, error) {
	query := `
		SELECT id, name, type, tenant_id, organization_id, parent_role_id, priority, settings, is_active, created_at, updated_at
		FROM roles
		WHERE name = $1
		  AND (tenant_id = $2 OR ($2::BIGINT IS NULL AND tenant_id IS NULL))
		  AND (organization_id = $3 OR ($3::BIGINT IS NULL AND organization_id IS NULL))
	`

	return s.scanRole(s.db.QueryRowContext(ctx, query, name, tenantID, organizationID))
}

// ListRoles lists roles visible within a tenant, including global system roles
func (s *Store) ListRoles(ctx context.Context, tenantID int64) ([]Role, error) {
	query := `
		SELECT id, name, type, tenant_id, organization_id, parent_role_id, priority, settings, is_active, created_at, updated_at
		FROM roles
		WHERE tenant_id = $1 OR tenant_id IS NULL
		ORDER BY priority DESC, name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := s.scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanRole(row rowScanner) (*Role, error) {
	var role Role
	var tenantID, orgID, parentRoleID sql.NullInt64
	var settingsJSON sql.NullString

	err := row.Scan(
		&role.ID,
		&role.Name,
		&role.Type,
		&tenantID,
		&orgID,
		&parentRoleID,
		&role.Priority,
		&settingsJSON,
		&role.IsActive,
		&role.CreatedAt,
		&role.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan role: %w", err)
	}

	if tenantID.Valid {
		id := tenantID.Int64
		role.TenantID = &id
	}
	if orgID.Valid {
		id := orgID.Int64
		role.OrganizationID = &id
	}
	if parentRoleID.Valid {
		id := parentRoleID.Int64
		role.ParentRoleID = &id
	}
	if settingsJSON.Valid && settingsJSON.String != "" {
		if err := json.Unmarshal([]byte(settingsJSON.String), &role.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal role settings: %w", err)
		}
	}

	return &role, nil
}

// CreatePermission registers a permission definition
func (s *Store) CreatePermission(ctx context.Context, perm *Permission) error {
	query := `
		INSERT INTO permissions (name, resource_type, action, scope, prerequisites, conflicts, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	now := time.Now()
	err := s.db.QueryRowContext(ctx, query,
		perm.Name,
		perm.ResourceType,
		perm.Action,
		perm.Scope,
		pq.StringArray(perm.Prerequisites),
		pq.StringArray(perm.Conflicts),
		perm.IsActive,
		now,
	).Scan(&perm.ID)

	if err != nil {
		return fmt.Errorf("failed to create permission: %w", err)
	}

	perm.CreatedAt = now
	return nil
}

// GetPermissionByName retrieves a permission definition by its dotted name
func (s *Store) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	query := `
		SELECT id, name, resource_type, action, scope, prerequisites, conflicts, is_active, created_at
		FROM permissions
		WHERE name = $1
	`

	var perm Permission
	var prerequisites, conflicts pq.StringArray

	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&perm.ID,
		&perm.Name,
		&perm.ResourceType,
		&perm.Action,
		&perm.Scope,
		&prerequisites,
		&conflicts,
		&perm.IsActive,
		&perm.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("permission not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}

	perm.Prerequisites = []string(prerequisites)
	perm.Conflicts = []string(conflicts)
	return &perm, nil
}

// AddPermissionToRole links a permission to a role
func (s *Store) AddPermissionToRole(ctx context.Context, roleID, permissionID int64) error {
	query := `
		INSERT INTO role_permissions (role_id, permission_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("failed to add permission to role: %w", err)
	}
	return nil
}

// AssignRole records a role assignment for a user
func (s *Store) AssignRole(ctx context.Context, assignment *RoleAssignment) error {
	query := `
		INSERT INTO role_assignments (user_id, role_id, tenant_id, organization_id, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	now := time.Now()
	err := s.db.QueryRowContext(ctx, query,
		assignment.UserID,
		assignment.RoleID,
		assignment.TenantID,
		assignment.OrganizationID,
		assignment.AssignedBy,
		now,
	).Scan(&assignment.ID)

	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}

	assignment.AssignedAt = now
	return nil
}

// RevokeRole removes a role assignment
func (s *Store) RevokeRole(ctx context.Context, userID, roleID, tenantID int64, organizationID *int64) error {
	query := `
		DELETE FROM role_assignments
		WHERE user_id = $1
		  AND role_id = $2
		  AND tenant_id = $3
		  AND (organization_id = $4 OR ($4::BIGINT IS NULL AND organization_id IS NULL))
	`

	_, err := s.db.ExecContext(ctx, query, userID, roleID, tenantID, organizationID)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	return nil
}

// GrantResourcePermission records an explicit per-resource grant or deny
func (s *Store) GrantResourcePermission(ctx context.Context, grant *ResourcePermission) error {
	conditionsJSON, err := json.Marshal(grant.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal grant conditions: %w", err)
	}

	query := `
		INSERT INTO resource_permissions (user_id, permission_id, tenant_id, resource_type, resource_id, granted, expires_at, conditions, granted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, permission_id, resource_type, resource_id)
		DO UPDATE SET granted = EXCLUDED.granted, expires_at = EXCLUDED.expires_at, conditions = EXCLUDED.conditions, granted_by = EXCLUDED.granted_by
		RETURNING id
	`

	now := time.Now()
	err = s.db.QueryRowContext(ctx, query,
		grant.UserID,
		grant.PermissionID,
		grant.TenantID,
		grant.ResourceType,
		grant.ResourceID,
		grant.Granted,
		grant.ExpiresAt,
		string(conditionsJSON),
		grant.GrantedBy,
		now,
	).Scan(&grant.ID)

	if err != nil {
		return fmt.Errorf("failed to grant resource permission: %w", err)
	}

	grant.CreatedAt = now
	return nil
}

// RevokeResourcePermission deletes an explicit per-resource grant
func (s *Store) RevokeResourcePermission(ctx context.Context, userID, permissionID int64, resourceType, resourceID string, tenantID int64) error {
	query := `
		DELETE FROM resource_permissions
		WHERE user_id = $1 AND permission_id = $2 AND resource_type = $3 AND resource_id = $4 AND tenant_id = $5
	`

	_, err := s.db.ExecContext(ctx, query, userID, permissionID, resourceType, resourceID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to revoke resource permission: %w", err)
	}
	return nil
}

// PurgeExpiredResourcePermissions deletes grants whose expiry passed before the cutoff
func (s *Store) PurgeExpiredResourcePermissions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM resource_permissions
		WHERE expires_at IS NOT NULL AND expires_at < $1
	`

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired resource permissions: %w", err)
	}
	return result.RowsAffected()
}

// AuditEntry records who changed what in the RBAC tables
type AuditEntry struct {
	ID           int64                  `json:"id"`
	TenantID     int64                  `json:"tenant_id"`
	ActorID      *int64                 `json:"actor_id,omitempty"`
	Action       string                 `json:"action"`
	TargetUserID int64                  `json:"target_user_id"`
	Details      map[string]interface{} `json:"details,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// RecordAudit appends an audit row for an RBAC mutation
func (s *Store) RecordAudit(ctx context.Context, entry *AuditEntry) error {
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	query := `
		INSERT INTO rbac_audit_log (tenant_id, actor_id, action, target_user_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	now := time.Now()
	err = s.db.QueryRowContext(ctx, query,
		entry.TenantID,
		entry.ActorID,
		entry.Action,
		entry.TargetUserID,
		string(detailsJSON),
		now,
	).Scan(&entry.ID)

	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	entry.CreatedAt = now
	return nil
}
