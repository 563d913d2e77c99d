package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tenantgate/tenantgate/pkg/contextkeys"
	"github.com/tenantgate/tenantgate/pkg/httputil"
	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/tenants"
)

// PermissionMiddleware wraps handlers with permission requirements
type PermissionMiddleware struct {
	checker *Checker
}

// NewPermissionMiddleware creates permission-enforcement middleware
func NewPermissionMiddleware(checker *Checker) *PermissionMiddleware {
	return &PermissionMiddleware{checker: checker}
}

// RequirePermission rejects requests whose authenticated user lacks the
// named permission in the resolved tenant. Requires tenant resolution and
// authentication middleware to have run first.
func (pm *PermissionMiddleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := contextkeys.GetUserID(r.Context())
			if !ok {
				httputil.WriteError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
				return
			}

			tc, ok := r.Context().Value(contextkeys.TenantKey).(*tenants.TenantContext)
			if !ok || !tc.Resolved() {
				httputil.WriteError(w, http.StatusNotFound, "tenant_not_found", "no tenant resolved for this request")
				return
			}

			req := CheckRequest{
				UserID:     userID,
				Permission: permission,
				TenantID:   tc.Tenant.ID,
			}

			// resource overrides apply when the route carries a typed
			// resource path, e.g. /projects/{id}
			vars := mux.Vars(r)
			if resourceID, ok := vars["id"]; ok {
				if resourceType, ok := vars["resource_type"]; ok {
					req.ResourceType = resourceType
					req.ResourceID = resourceID
				}
			}

			if err := pm.checker.Require(r.Context(), req); err != nil {
				if IsPermissionDenied(err) {
					httputil.WriteForbidden(w, "insufficient permissions")
					return
				}
				observability.FromContext(r.Context()).WithError(err).Error("permission check failed")
				httputil.WriteInternalError(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
