package tenants

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandlers(t *testing.T, seed SeedFunc) (*mux.Router, sqlmock.Sqlmock) {
	t.Helper()
	manager, mock, _ := newTestManager(t)

	h := NewHandlers(manager.store, manager, seed, manager.logger)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r, mock
}

func TestHandlersCreateTenantSeedsRoles(t *testing.T) {
	var seededTenant int64
	router, mock := newTestHandlers(t, func(r *http.Request, tenantID int64) error {
		seededTenant = tenantID
		return nil
	})

	mock.ExpectQuery("INSERT INTO tenants").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tenants",
		strings.NewReader(`{"slug":"acme","name":"Acme Corp"}`))
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, int64(11), seededTenant)
	assert.Contains(t, w.Body.String(), `"slug":"acme"`)
	assert.Contains(t, w.Body.String(), `"status":"trial"`)
}

func TestHandlersCreateTenantRejectsMissingFields(t *testing.T) {
	router, _ := newTestHandlers(t, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tenants", strings.NewReader(`{"slug":"acme"}`))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlersSuspendUnknownTenant(t *testing.T) {
	router, mock := newTestHandlers(t, nil)

	mock.ExpectExec("UPDATE tenants").WillReturnResult(sqlmock.NewResult(0, 0))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tenants/99/suspend",
		strings.NewReader(`{"reason":"abuse report"}`))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlersSuspendRequiresReason(t *testing.T) {
	router, _ := newTestHandlers(t, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tenants/42/suspend", strings.NewReader(`{}`))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlersGetTenant(t *testing.T) {
	router, mock := newTestHandlers(t, nil)

	mock.ExpectQuery("SELECT (.+) FROM tenants WHERE id").
		WillReturnRows(addTenantRow(tenantRows(), testTenant()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tenants/42", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"slug":"acme"`)
}

func TestHandlersCreateOrganizationRejectsForeignParent(t *testing.T) {
	router, mock := newTestHandlers(t, nil)

	mock.ExpectQuery("SELECT (.+) FROM organizations WHERE id =").
		WithArgs(int64(9), int64(42)).
		WillReturnRows(orgRows())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tenants/42/organizations",
		strings.NewReader(`{"slug":"platform","name":"Platform","parent_id":9}`))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "parent organization")
}

func TestHandlersDeleteTenantWithActiveMembers(t *testing.T) {
	router, mock := newTestHandlers(t, nil)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/tenants/42", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "tenant_has_active_members")
}

func TestHandlersDeleteTenant(t *testing.T) {
	router, mock := newTestHandlers(t, nil)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectQuery("SELECT (.+) FROM tenants WHERE id").
		WillReturnRows(addTenantRow(tenantRows(), testTenant()))
	mock.ExpectExec("DELETE FROM tenants").WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/tenants/42", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandlersAcceptInvitation(t *testing.T) {
	router, mock := newTestHandlers(t, nil)

	mock.ExpectExec("UPDATE organization_memberships").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/invitations/some-token/accept", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandlersAcceptInvitationExpired(t *testing.T) {
	router, mock := newTestHandlers(t, nil)

	mock.ExpectExec("UPDATE organization_memberships").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/invitations/stale-token/accept", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
