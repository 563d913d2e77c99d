package lifecycle

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/rbac"
	"github.com/tenantgate/tenantgate/pkg/storage"
	"github.com/tenantgate/tenantgate/pkg/tenants"
)

type janitorFixture struct {
	janitor *Janitor
	mock    sqlmock.Sqlmock
	mr      *miniredis.Miniredis
}

func newJanitorFixture(t *testing.T) *janitorFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	cache := storage.NewSharedCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	janitor := NewJanitor(
		tenants.NewStore(db),
		rbac.NewStore(db),
		rbac.NewInvalidator(cache, logger, metrics),
		logger,
	)
	return &janitorFixture{janitor: janitor, mock: mock, mr: mr}
}

func expiredTrialRows(id int64, slug string, trialEnd time.Time) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "slug", "uuid", "name", "domain", "status", "schema_name",
		"settings", "resource_limits", "trial_ends_at", "suspended_at",
		"suspension_reason", "allowed_ip_ranges", "session_timeout_seconds",
		"created_at", "updated_at",
	}).AddRow(
		id, slug, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "Acme Corp", nil,
		"trial", "tenant_"+slug, nil, nil, trialEnd, nil, nil,
		pq.StringArray{}, nil, now, now,
	)
}

func TestSweepExpiredTrialsSuspendsAndFlushesCache(t *testing.T) {
	f := newJanitorFixture(t)

	f.mr.Set("tenant:42:permissions:user:7", `{}`)

	trialEnd := time.Now().Add(-30 * 24 * time.Hour)
	f.mock.ExpectQuery("SELECT .+ FROM tenants").
		WillReturnRows(expiredTrialRows(42, "acme", trialEnd))
	f.mock.ExpectExec("UPDATE tenants").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := f.janitor.SweepExpiredTrials(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())

	_, getErr := f.mr.Get("tenant:42:permissions:user:7")
	assert.Error(t, getErr, "permission cache for suspended tenant should be flushed")
}

func TestSweepExpiredTrialsGracePeriodCutoff(t *testing.T) {
	f := newJanitorFixture(t)
	sweepAt := time.Date(2026, 8, 29, 0, 5, 0, 0, time.UTC)
	f.janitor.now = func() time.Time { return sweepAt }

	f.mock.ExpectQuery("SELECT .+ FROM tenants").
		WithArgs(string(tenants.StatusTrial), sweepAt.Add(-trialGracePeriod)).
		WillReturnRows(expiredTrialRows(42, "acme", sweepAt.Add(-8*24*time.Hour)))
	f.mock.ExpectExec("UPDATE tenants").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, f.janitor.SweepExpiredTrials(context.Background()))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSweepExpiredTrialsContinuesAfterFailure(t *testing.T) {
	f := newJanitorFixture(t)

	trialEnd := time.Now().Add(-30 * 24 * time.Hour)
	rows := expiredTrialRows(42, "acme", trialEnd)
	now := time.Now()
	rows.AddRow(
		43, "globex", "7ca7b810-9dad-11d1-80b4-00c04fd430c8", "Globex", nil,
		"trial", "tenant_globex", nil, nil, trialEnd, nil, nil,
		pq.StringArray{}, nil, now, now,
	)

	f.mock.ExpectQuery("SELECT .+ FROM tenants").WillReturnRows(rows)
	f.mock.ExpectExec("UPDATE tenants").WillReturnError(assert.AnError)
	f.mock.ExpectExec("UPDATE tenants").WillReturnResult(sqlmock.NewResult(0, 1))

	err := f.janitor.SweepExpiredTrials(context.Background())
	assert.Error(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet(), "second tenant should still be suspended")
}

func TestPurgeExpiredInvitations(t *testing.T) {
	f := newJanitorFixture(t)

	f.mock.ExpectExec("DELETE FROM organization_memberships").
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, f.janitor.PurgeExpiredInvitations(context.Background()))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestPurgeExpiredGrants(t *testing.T) {
	f := newJanitorFixture(t)

	f.mock.ExpectExec("DELETE FROM resource_permissions").
		WillReturnResult(sqlmock.NewResult(0, 5))

	require.NoError(t, f.janitor.PurgeExpiredGrants(context.Background()))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestPurgeExpiredGrantsPropagatesError(t *testing.T) {
	f := newJanitorFixture(t)

	f.mock.ExpectExec("DELETE FROM resource_permissions").
		WillReturnError(assert.AnError)

	assert.Error(t, f.janitor.PurgeExpiredGrants(context.Background()))
}
