package rbac

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/storage"
)

func newServiceFixture(t *testing.T) (*Service, sqlmock.Sqlmock, *storage.SharedCache, *miniredis.Miniredis) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	cache := storage.NewSharedCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	store := NewStore(db)
	invalidator := NewInvalidator(cache, logger, nil)
	return NewService(store, invalidator, logger), mock, cache, mr
}

func roleRow(tenantID interface{}) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "type", "tenant_id", "organization_id", "parent_role_id",
		"priority", "settings", "is_active", "created_at", "updated_at",
	}).AddRow(int64(3), "member", "system", tenantID, nil, nil, 10, "{}", true, time.Now(), time.Now())
}

func TestAssignRoleInvalidatesCache(t *testing.T) {
	service, mock, cache, mr := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, cache.SetEx(ctx, CacheKey(7, 42, nil), "{}", time.Minute))

	mock.ExpectQuery("SELECT (.+) FROM roles WHERE id").WillReturnRows(roleRow(int64(42)))
	mock.ExpectQuery("INSERT INTO role_assignments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectQuery("INSERT INTO rbac_audit_log").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	assignment := &RoleAssignment{UserID: 7, RoleID: 3, TenantID: 42}
	require.NoError(t, service.AssignRole(ctx, assignment))

	assert.Equal(t, int64(5), assignment.ID)
	assert.False(t, mr.Exists(CacheKey(7, 42, nil)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignRoleAuditFailureDoesNotFailMutation(t *testing.T) {
	service, mock, _, mr := newServiceFixture(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM roles WHERE id").WillReturnRows(roleRow(int64(42)))
	mock.ExpectQuery("INSERT INTO role_assignments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectQuery("INSERT INTO rbac_audit_log").WillReturnError(assert.AnError)

	assignment := &RoleAssignment{UserID: 7, RoleID: 3, TenantID: 42}
	require.NoError(t, service.AssignRole(ctx, assignment))
	assert.False(t, mr.Exists(CacheKey(7, 42, nil)))
}

func TestAssignRoleStoreFailureSkipsInvalidation(t *testing.T) {
	service, mock, cache, mr := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, cache.SetEx(ctx, CacheKey(7, 42, nil), "{}", time.Minute))
	mock.ExpectQuery("SELECT (.+) FROM roles WHERE id").WillReturnRows(roleRow(int64(42)))
	mock.ExpectQuery("INSERT INTO role_assignments").WillReturnError(assert.AnError)

	err := service.AssignRole(ctx, &RoleAssignment{UserID: 7, RoleID: 3, TenantID: 42})
	assert.Error(t, err)
	assert.True(t, mr.Exists(CacheKey(7, 42, nil)))
}

func TestRevokeRoleTenantWideClearsOrgScopedCache(t *testing.T) {
	service, mock, cache, mr := newServiceFixture(t)
	ctx := context.Background()
	org := int64(9)

	require.NoError(t, cache.SetEx(ctx, CacheKey(7, 42, &org), "{}", time.Minute))

	mock.ExpectExec("DELETE FROM role_assignments").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO rbac_audit_log").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	require.NoError(t, service.RevokeRole(ctx, 7, 3, 42, nil, nil))

	// org-scoped sets include org-less assignments, so a tenant-wide
	// revoke must flush them too
	assert.False(t, mr.Exists(CacheKey(7, 42, &org)))
}

func TestAssignRoleRejectsForeignRole(t *testing.T) {
	service, mock, cache, mr := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, cache.SetEx(ctx, CacheKey(7, 42, nil), "{}", time.Minute))
	mock.ExpectQuery("SELECT (.+) FROM roles WHERE id").WillReturnRows(roleRow(int64(43)))

	err := service.AssignRole(ctx, &RoleAssignment{UserID: 7, RoleID: 3, TenantID: 42})
	require.ErrorIs(t, err, ErrRoleScopeMismatch)
	assert.True(t, mr.Exists(CacheKey(7, 42, nil)))
	assert.NoError(t, mock.ExpectationsWereMet(), "no assignment insert for a foreign role")
}

func TestAssignRoleGlobalRoleAllowed(t *testing.T) {
	service, mock, _, _ := newServiceFixture(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM roles WHERE id").WillReturnRows(roleRow(nil))
	mock.ExpectQuery("INSERT INTO role_assignments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectQuery("INSERT INTO rbac_audit_log").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	require.NoError(t, service.AssignRole(ctx, &RoleAssignment{UserID: 7, RoleID: 3, TenantID: 42}))
}

func TestUpdateRolePermissionsFlushesTenant(t *testing.T) {
	service, mock, cache, mr := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, cache.SetEx(ctx, CacheKey(7, 42, nil), "{}", time.Minute))
	require.NoError(t, cache.SetEx(ctx, CacheKey(8, 42, nil), "{}", time.Minute))

	mock.ExpectExec("INSERT INTO role_permissions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO role_permissions").WillReturnResult(sqlmock.NewResult(0, 1))

	tenantID := int64(42)
	role := &Role{ID: 3, TenantID: &tenantID}
	require.NoError(t, service.UpdateRolePermissions(ctx, role, []int64{10, 11}))

	assert.False(t, mr.Exists(CacheKey(7, 42, nil)))
	assert.False(t, mr.Exists(CacheKey(8, 42, nil)))
}

func TestUpdateRolePermissionsRejectsGlobalRole(t *testing.T) {
	service, _, _, _ := newServiceFixture(t)

	err := service.UpdateRolePermissions(context.Background(), &Role{ID: 3}, []int64{10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "global role")
}

func TestSeedSystemRoles(t *testing.T) {
	service, mock, _, _ := newServiceFixture(t)

	var roleID int64
	for _, seed := range SystemRoles() {
		roleID++
		mock.ExpectQuery("INSERT INTO roles").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(roleID))
		for range seed.Permissions {
			// each permission resolves to an existing definition
			mock.ExpectQuery("SELECT (.+) FROM permissions WHERE name =").
				WillReturnRows(sqlmock.NewRows([]string{
					"id", "name", "resource_type", "action", "scope",
					"prerequisites", "conflicts", "is_active", "created_at",
				}).AddRow(int64(1), "projects.read", "projects", "read", "tenant", "{}", "{}", true, time.Now()))
			mock.ExpectExec("INSERT INTO role_permissions").
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
	}

	require.NoError(t, service.SeedSystemRoles(context.Background(), 42))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionFromName(t *testing.T) {
	perm := permissionFromName("projects.read")
	assert.Equal(t, "projects", perm.ResourceType)
	assert.Equal(t, ActionRead, perm.Action)
	assert.Equal(t, ScopeTenant, perm.Scope)
	assert.True(t, perm.IsActive)

	perm = permissionFromName("tenant.admin")
	assert.Equal(t, "tenant", perm.ResourceType)
	assert.Equal(t, ActionAdmin, perm.Action)
}
