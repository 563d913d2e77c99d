package rbac

import (
	"context"
	"encoding/json"
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

type checkerFixture struct {
	checker *Checker
	store   *Store
	mock    sqlmock.Sqlmock
	cache   *storage.SharedCache
	mr      *miniredis.Miniredis
}

func newCheckerFixture(t *testing.T) *checkerFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	cache := storage.NewSharedCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	store := NewStore(db)
	checker := NewChecker(store, cache, 5*time.Minute, logger, nil)
	checker.refreshDone = make(chan struct{}, 4)

	return &checkerFixture{checker: checker, store: store, mock: mock, cache: cache, mr: mr}
}

func (f *checkerFixture) waitForRefresh(t *testing.T) {
	t.Helper()
	select {
	case <-f.checker.refreshDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cache refresh")
	}
}

func existsRow(v bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"exists"}).AddRow(v)
}

func permissionSetRows(pairs ...[2]string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"role_name", "permission_name"})
	for _, p := range pairs {
		rows.AddRow(p[0], p[1])
	}
	return rows
}

func TestCheckSecondCallServedFromCache(t *testing.T) {
	f := newCheckerFixture(t)
	ctx := context.Background()
	req := CheckRequest{UserID: 7, Permission: "projects.read", TenantID: 42}

	// exactly one role-join query and one full-set refresh are expected;
	// the second Check must not reach the store at all
	f.mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRow(true))
	f.mock.ExpectQuery("SELECT r.name, p.name").
		WillReturnRows(permissionSetRows([2]string{"member", "projects.read"}, [2]string{"member", "projects.create"}))

	allowed, err := f.checker.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, allowed)
	f.waitForRefresh(t)

	allowed, err = f.checker.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCheckCachedSetLackingNameFallsThrough(t *testing.T) {
	f := newCheckerFixture(t)
	ctx := context.Background()

	set := &PermissionSet{
		Permissions:    []string{"projects.read"},
		Roles:          []string{"member"},
		LastComputedAt: time.Now(),
		ExpiresAt:      time.Now().Add(5 * time.Minute),
	}
	encoded, err := json.Marshal(set)
	require.NoError(t, err)
	require.NoError(t, f.cache.SetEx(ctx, CacheKey(7, 42, nil), string(encoded), 5*time.Minute))

	// absence from the cached set is not an authoritative deny; the role
	// query still runs
	f.mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRow(false))

	allowed, err := f.checker.Check(ctx, CheckRequest{UserID: 7, Permission: "projects.delete", TenantID: 42})
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCheckInvalidatedSetIgnored(t *testing.T) {
	f := newCheckerFixture(t)
	ctx := context.Background()

	set := &PermissionSet{
		Permissions: []string{"projects.read"},
		Roles:       []string{"member"},
		ExpiresAt:   time.Now().Add(5 * time.Minute),
		Invalidated: true,
	}
	encoded, _ := json.Marshal(set)
	require.NoError(t, f.cache.SetEx(ctx, CacheKey(7, 42, nil), string(encoded), 5*time.Minute))

	f.mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRow(true))
	f.mock.ExpectQuery("SELECT r.name, p.name").
		WillReturnRows(permissionSetRows([2]string{"member", "projects.read"}))

	allowed, err := f.checker.Check(ctx, CheckRequest{UserID: 7, Permission: "projects.read", TenantID: 42})
	require.NoError(t, err)
	assert.True(t, allowed)
	f.waitForRefresh(t)
}

func TestCheckExpiredSetIgnored(t *testing.T) {
	f := newCheckerFixture(t)
	ctx := context.Background()

	set := &PermissionSet{
		Permissions: []string{"projects.read"},
		Roles:       []string{"member"},
		ExpiresAt:   time.Now().Add(-time.Second),
	}
	encoded, _ := json.Marshal(set)
	require.NoError(t, f.cache.SetEx(ctx, CacheKey(7, 42, nil), string(encoded), 5*time.Minute))

	f.mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRow(false))

	allowed, err := f.checker.Check(ctx, CheckRequest{UserID: 7, Permission: "projects.read", TenantID: 42})
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestCheckResourceOverride(t *testing.T) {
	f := newCheckerFixture(t)
	ctx := context.Background()

	// no role grants the permission, but an explicit resource grant does
	f.mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRow(false))
	f.mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRow(true))
	f.mock.ExpectQuery("SELECT r.name, p.name").WillReturnRows(permissionSetRows())

	allowed, err := f.checker.Check(ctx, CheckRequest{
		UserID:       7,
		Permission:   "projects.update",
		TenantID:     42,
		ResourceType: "project",
		ResourceID:   "proj-123",
	})
	require.NoError(t, err)
	assert.True(t, allowed)
	f.waitForRefresh(t)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCheckDeniedWithoutResource(t *testing.T) {
	f := newCheckerFixture(t)

	// no resource identifiers supplied, so only the role query runs
	f.mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRow(false))

	allowed, err := f.checker.Check(context.Background(), CheckRequest{UserID: 7, Permission: "projects.delete", TenantID: 42})
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCheckFailsClosedOnStoreError(t *testing.T) {
	f := newCheckerFixture(t)

	f.mock.ExpectQuery("SELECT EXISTS").WillReturnError(assert.AnError)

	allowed, err := f.checker.Check(context.Background(), CheckRequest{UserID: 7, Permission: "projects.read", TenantID: 42})
	assert.Error(t, err)
	assert.False(t, allowed)
}

func TestCheckFailsClosedOnCacheError(t *testing.T) {
	f := newCheckerFixture(t)
	f.mr.Close()

	allowed, err := f.checker.Check(context.Background(), CheckRequest{UserID: 7, Permission: "projects.read", TenantID: 42})
	assert.Error(t, err)
	assert.False(t, allowed)
}

func TestRequireReturnsTypedError(t *testing.T) {
	f := newCheckerFixture(t)

	f.mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRow(false))

	err := f.checker.Require(context.Background(), CheckRequest{UserID: 7, Permission: "projects.delete", TenantID: 42})
	require.Error(t, err)
	assert.True(t, IsPermissionDenied(err))
	assert.Contains(t, err.Error(), "projects.delete")
}

func TestRequirePassesWhenAllowed(t *testing.T) {
	f := newCheckerFixture(t)

	f.mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRow(true))
	f.mock.ExpectQuery("SELECT r.name, p.name").
		WillReturnRows(permissionSetRows([2]string{"member", "projects.read"}))

	err := f.checker.Require(context.Background(), CheckRequest{UserID: 7, Permission: "projects.read", TenantID: 42})
	assert.NoError(t, err)
	f.waitForRefresh(t)
}

func TestGrantAfterStaleCacheIsVisible(t *testing.T) {
	f := newCheckerFixture(t)
	ctx := context.Background()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	invalidator := NewInvalidator(f.cache, logger, nil)
	service := NewService(f.store, invalidator, logger)

	// a stale permission set was cached before the grant
	stale := &PermissionSet{
		Permissions: []string{"projects.read"},
		Roles:       []string{"member"},
		ExpiresAt:   time.Now().Add(5 * time.Minute),
	}
	encoded, _ := json.Marshal(stale)
	require.NoError(t, f.cache.SetEx(ctx, CacheKey(7, 42, nil), string(encoded), 5*time.Minute))

	// grant writes the row, audits, and invalidates the cached set
	f.mock.ExpectQuery("INSERT INTO resource_permissions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	f.mock.ExpectQuery("INSERT INTO rbac_audit_log").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	grant := &ResourcePermission{
		UserID:       7,
		PermissionID: 3,
		TenantID:     42,
		ResourceType: "project",
		ResourceID:   "proj-123",
		Granted:      true,
	}
	require.NoError(t, service.GrantResourcePermission(ctx, grant))
	assert.False(t, f.mr.Exists(CacheKey(7, 42, nil)))

	// the next check recomputes and sees the new grant
	f.mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRow(false))
	f.mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRow(true))
	f.mock.ExpectQuery("SELECT r.name, p.name").WillReturnRows(permissionSetRows())

	allowed, err := f.checker.Check(ctx, CheckRequest{
		UserID:       7,
		Permission:   "projects.update",
		TenantID:     42,
		ResourceType: "project",
		ResourceID:   "proj-123",
	})
	require.NoError(t, err)
	assert.True(t, allowed)
	f.waitForRefresh(t)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRoleLifecycleScenario(t *testing.T) {
	f := newCheckerFixture(t)
	ctx := context.Background()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	invalidator := NewInvalidator(f.cache, logger, nil)
	service := NewService(f.store, invalidator, logger)

	readReq := CheckRequest{UserID: 7, Permission: "projects.read", TenantID: 42}
	deleteReq := CheckRequest{UserID: 7, Permission: "projects.delete", TenantID: 42}

	// member role grants projects.read
	f.mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRow(true))
	f.mock.ExpectQuery("SELECT r.name, p.name").
		WillReturnRows(permissionSetRows([2]string{"member", "projects.read"}, [2]string{"member", "projects.create"}))

	allowed, err := f.checker.Check(ctx, readReq)
	require.NoError(t, err)
	assert.True(t, allowed)
	f.waitForRefresh(t)

	// projects.delete is not in the cached set, so the store is consulted
	// and denies
	f.mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRow(false))
	allowed, err = f.checker.Check(ctx, deleteReq)
	require.NoError(t, err)
	assert.False(t, allowed)

	// revoking the role invalidates the cached set
	f.mock.ExpectExec("DELETE FROM role_assignments").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery("INSERT INTO rbac_audit_log").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	require.NoError(t, service.RevokeRole(ctx, 7, 3, 42, nil, nil))
	assert.False(t, f.mr.Exists(CacheKey(7, 42, nil)))

	// the next check recomputes and denies
	f.mock.ExpectQuery("SELECT EXISTS").WillReturnRows(existsRow(false))
	allowed, err = f.checker.Check(ctx, readReq)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "tenant:42:permissions:user:7", CacheKey(7, 42, nil))
	org := int64(9)
	assert.Equal(t, "tenant:42:permissions:user:7:org:9", CacheKey(7, 42, &org))
}

func TestPermissionSetUsable(t *testing.T) {
	now := time.Now()
	set := &PermissionSet{ExpiresAt: now.Add(time.Minute)}
	assert.True(t, set.Usable(now))

	set.Invalidated = true
	assert.False(t, set.Usable(now))

	set.Invalidated = false
	set.ExpiresAt = now.Add(-time.Second)
	assert.False(t, set.Usable(now))
}
