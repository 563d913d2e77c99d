package tenants

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/pkg/observability"
)

func newTestValidator() *Validator {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewValidator([]string{"/signup", "/login", "/healthz"}, logger, nil)
}

func activeContext(tenant *Tenant) *TenantContext {
	return &TenantContext{Tenant: tenant, ResolvedFrom: ResolvedFromHeaderSlug, SchemaName: tenant.SchemaName}
}

func TestValidateActiveTenantPasses(t *testing.T) {
	v := newTestValidator()
	r := httptest.NewRequest(http.MethodGet, "/projects", nil)

	rejection := v.Validate(activeContext(testTenant()), r)
	assert.Nil(t, rejection)
}

func TestValidateSkippedContextPasses(t *testing.T) {
	v := newTestValidator()
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	assert.Nil(t, v.Validate(SkippedContext(), r))
}

func TestValidateUnresolvedPublicPath(t *testing.T) {
	v := newTestValidator()
	tc := &TenantContext{ResolvedFrom: ResolvedFromDefault}

	r := httptest.NewRequest(http.MethodPost, "/signup", nil)
	assert.Nil(t, v.Validate(tc, r))

	r = httptest.NewRequest(http.MethodGet, "/projects", nil)
	rejection := v.Validate(tc, r)
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonTenantNotFound, rejection.Reason)
	assert.Equal(t, http.StatusNotFound, rejection.StatusCode)
}

func TestValidateSuspendedTenant(t *testing.T) {
	v := newTestValidator()
	tenant := testTenant()
	tenant.Status = StatusSuspended
	reason := "payment overdue"
	tenant.SuspensionReason = &reason

	r := httptest.NewRequest(http.MethodGet, "/projects", nil)
	rejection := v.Validate(activeContext(tenant), r)
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonTenantSuspended, rejection.Reason)
	assert.Equal(t, http.StatusForbidden, rejection.StatusCode)
	assert.Contains(t, rejection.Message, "payment overdue")
}

func TestValidateCancelledTenant(t *testing.T) {
	v := newTestValidator()
	tenant := testTenant()
	tenant.Status = StatusCancelled

	r := httptest.NewRequest(http.MethodGet, "/projects", nil)
	rejection := v.Validate(activeContext(tenant), r)
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonTenantCancelled, rejection.Reason)
	assert.Equal(t, http.StatusGone, rejection.StatusCode)
}

func TestValidateTrialExpiry(t *testing.T) {
	v := newTestValidator()
	now := time.Now()
	v.now = func() time.Time { return now }

	tenant := testTenant()
	tenant.Status = StatusTrial
	r := httptest.NewRequest(http.MethodGet, "/projects", nil)

	// one second past the trial end is rejected
	past := now.Add(-time.Second)
	tenant.TrialEndsAt = &past
	rejection := v.Validate(activeContext(tenant), r)
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonTrialExpired, rejection.Reason)
	assert.Equal(t, http.StatusPaymentRequired, rejection.StatusCode)

	// one second before the trial end is accepted
	future := now.Add(time.Second)
	tenant.TrialEndsAt = &future
	assert.Nil(t, v.Validate(activeContext(tenant), r))
}

func TestValidateIPAllowList(t *testing.T) {
	v := newTestValidator()
	tenant := testTenant()
	tenant.AllowedIPRanges = []string{"10.0.0.0/8"}

	r := httptest.NewRequest(http.MethodGet, "/projects", nil)
	r.RemoteAddr = "10.1.2.3:52100"
	assert.Nil(t, v.Validate(activeContext(tenant), r))

	r.RemoteAddr = "192.168.1.1:52100"
	rejection := v.Validate(activeContext(tenant), r)
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonIPNotAllowed, rejection.Reason)
	assert.Equal(t, http.StatusForbidden, rejection.StatusCode)
}

func TestValidateMalformedRangeSkipped(t *testing.T) {
	v := newTestValidator()
	tenant := testTenant()
	tenant.AllowedIPRanges = []string{"not-a-cidr", "10.0.0.0/8"}

	r := httptest.NewRequest(http.MethodGet, "/projects", nil)
	r.RemoteAddr = "10.1.2.3:52100"
	assert.Nil(t, v.Validate(activeContext(tenant), r))
}

func TestValidateUnparseableClientIPDenies(t *testing.T) {
	v := newTestValidator()
	tenant := testTenant()
	tenant.AllowedIPRanges = []string{"10.0.0.0/8"}

	r := httptest.NewRequest(http.MethodGet, "/projects", nil)
	r.Header.Set("X-Forwarded-For", "garbage")
	rejection := v.Validate(activeContext(tenant), r)
	require.NotNil(t, rejection)
	assert.Equal(t, ReasonIPNotAllowed, rejection.Reason)
}

func TestClientIPPrecedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "172.16.0.9:4000"

	assert.Equal(t, "172.16.0.9", ClientIP(r))

	r.Header.Set("X-Real-IP", "10.5.5.5")
	assert.Equal(t, "10.5.5.5", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(r))
}
