package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/tenantgate/tenantgate/pkg/observability"
)

// Service is the write path for RBAC mutations. Every mutation records an
// audit row and invalidates the affected cache keys before reporting
// success, so staleness is bounded by one in-flight TTL window.
type Service struct {
	store       *Store
	invalidator *Invalidator
	logger      *observability.Logger
}

// NewService creates the RBAC mutation service
func NewService(store *Store, invalidator *Invalidator, logger *observability.Logger) *Service {
	return &Service{store: store, invalidator: invalidator, logger: logger}
}

// AssignRole grants a role to a user and invalidates their cached
// permissions. The role must be global or scoped to the assignment's
// tenant and organization.
func (s *Service) AssignRole(ctx context.Context, assignment *RoleAssignment) error {
	role, err := s.store.GetRoleByID(ctx, assignment.RoleID)
	if err != nil {
		return err
	}
	if err := checkRoleScope(role, assignment.TenantID, assignment.OrganizationID); err != nil {
		return err
	}

	if err := s.store.AssignRole(ctx, assignment); err != nil {
		return err
	}

	s.audit(ctx, &AuditEntry{
		TenantID:     assignment.TenantID,
		ActorID:      assignment.AssignedBy,
		Action:       "role.assign",
		TargetUserID: assignment.UserID,
		Details:      map[string]interface{}{"role_id": assignment.RoleID},
	})

	return s.invalidator.Invalidate(ctx, assignment.UserID, assignment.TenantID, assignment.OrganizationID)
}

// RevokeRole removes a role from a user and invalidates their cached permissions
func (s *Service) RevokeRole(ctx context.Context, userID, roleID, tenantID int64, organizationID *int64, actorID *int64) error {
	if err := s.store.RevokeRole(ctx, userID, roleID, tenantID, organizationID); err != nil {
		return err
	}

	s.audit(ctx, &AuditEntry{
		TenantID:     tenantID,
		ActorID:      actorID,
		Action:       "role.revoke",
		TargetUserID: userID,
		Details:      map[string]interface{}{"role_id": roleID},
	})

	return s.invalidator.Invalidate(ctx, userID, tenantID, organizationID)
}

// GrantResourcePermission records a per-resource grant or deny and
// invalidates the user's cached permissions
func (s *Service) GrantResourcePermission(ctx context.Context, grant *ResourcePermission) error {
	if err := s.store.GrantResourcePermission(ctx, grant); err != nil {
		return err
	}

	s.audit(ctx, &AuditEntry{
		TenantID:     grant.TenantID,
		ActorID:      grant.GrantedBy,
		Action:       "resource_permission.grant",
		TargetUserID: grant.UserID,
		Details: map[string]interface{}{
			"permission_id": grant.PermissionID,
			"resource_type": grant.ResourceType,
			"resource_id":   grant.ResourceID,
			"granted":       grant.Granted,
		},
	})

	return s.invalidator.Invalidate(ctx, grant.UserID, grant.TenantID, nil)
}

// RevokeResourcePermission deletes a per-resource grant and invalidates
// the user's cached permissions
func (s *Service) RevokeResourcePermission(ctx context.Context, userID, permissionID int64, resourceType, resourceID string, tenantID int64, actorID *int64) error {
	if err := s.store.RevokeResourcePermission(ctx, userID, permissionID, resourceType, resourceID, tenantID); err != nil {
		return err
	}

	s.audit(ctx, &AuditEntry{
		TenantID:     tenantID,
		ActorID:      actorID,
		Action:       "resource_permission.revoke",
		TargetUserID: userID,
		Details: map[string]interface{}{
			"permission_id": permissionID,
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	})

	return s.invalidator.Invalidate(ctx, userID, tenantID, nil)
}

// CreateRole defines a new custom role; existing cached sets are unaffected
// until the role is assigned
func (s *Service) CreateRole(ctx context.Context, role *Role) error {
	if role.Type == "" {
		role.Type = RoleTypeCustom
	}
	role.IsActive = true
	return s.store.CreateRole(ctx, role)
}

// UpdateRolePermissions relinks a role's permission set and flushes every
// cached projection in the tenant, since any user holding the role is stale
func (s *Service) UpdateRolePermissions(ctx context.Context, role *Role, permissionIDs []int64) error {
	if role.TenantID == nil {
		return fmt.Errorf("cannot modify a global role")
	}

	for _, permID := range permissionIDs {
		if err := s.store.AddPermissionToRole(ctx, role.ID, permID); err != nil {
			return err
		}
	}

	return s.invalidator.InvalidateTenant(ctx, *role.TenantID)
}

// SeedSystemRoles creates the system roles and their permission links for a
// new tenant, registering any permission definitions that do not exist yet
func (s *Service) SeedSystemRoles(ctx context.Context, tenantID int64) error {
	for _, seed := range SystemRoles() {
		role := &Role{
			Name:     seed.Name,
			Type:     RoleTypeSystem,
			TenantID: &tenantID,
			Priority: seed.Priority,
			IsActive: true,
		}
		if err := s.store.CreateRole(ctx, role); err != nil {
			return fmt.Errorf("failed to seed role %s: %w", seed.Name, err)
		}

		for _, permName := range seed.Permissions {
			perm, err := s.store.GetPermissionByName(ctx, permName)
			if err != nil {
				perm = permissionFromName(permName)
				if err := s.store.CreatePermission(ctx, perm); err != nil {
					return fmt.Errorf("failed to seed permission %s: %w", permName, err)
				}
			}
			if err := s.store.AddPermissionToRole(ctx, role.ID, perm.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) audit(ctx context.Context, entry *AuditEntry) {
	if err := s.store.RecordAudit(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("action", entry.Action).Warn("failed to record audit entry")
	}
}

// checkRoleScope verifies the role is assignable within the tenant and
// organization. Roles with a nil tenant are global and assignable anywhere.
func checkRoleScope(role *Role, tenantID int64, organizationID *int64) error {
	if !role.IsActive {
		return ErrRoleNotFound
	}
	if role.TenantID != nil && *role.TenantID != tenantID {
		return ErrRoleScopeMismatch
	}
	if role.OrganizationID != nil {
		if organizationID == nil || *organizationID != *role.OrganizationID {
			return ErrRoleScopeMismatch
		}
	}
	return nil
}

// permissionFromName derives a permission definition from its dotted name
func permissionFromName(name string) *Permission {
	resourceType := name
	action := ActionRead
	if idx := strings.LastIndex(name, "."); idx > 0 {
		resourceType = name[:idx]
		action = Action(name[idx+1:])
	}
	return &Permission{
		Name:         name,
		ResourceType: resourceType,
		Action:       action,
		Scope:        ScopeTenant,
		IsActive:     true,
	}
}
