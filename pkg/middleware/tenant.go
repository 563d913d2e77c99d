package middleware

import (
	"net/http"
	"strings"

	"github.com/tenantgate/tenantgate/pkg/contextkeys"
	"github.com/tenantgate/tenantgate/pkg/httputil"
	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/tenants"
)

// TenantMiddleware resolves the tenant for each request, validates that
// the tenant may be served, and attaches the resolved context for
// downstream handlers. Requests to infrastructure paths (health checks,
// metrics) bypass resolution entirely.
type TenantMiddleware struct {
	resolver  *tenants.Resolver
	validator *tenants.Validator
	skipPaths map[string]struct{}
	logger    *observability.Logger
}

// NewTenantMiddleware creates tenant resolution middleware. skipPaths are
// exact request paths that bypass resolution and validation.
func NewTenantMiddleware(resolver *tenants.Resolver, validator *tenants.Validator, skipPaths []string, logger *observability.Logger) *TenantMiddleware {
	paths := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		paths[p] = struct{}{}
	}
	return &TenantMiddleware{
		resolver:  resolver,
		validator: validator,
		skipPaths: paths,
		logger:    logger,
	}
}

// Handler wraps an HTTP handler with tenant resolution and access validation.
func (m *TenantMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shouldSkip(r) {
			tc := tenants.SkippedContext()
			ctx := contextkeys.WithTenant(r.Context(), tc)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tc, err := m.resolver.Resolve(r.Context(), tenants.Signals{
			TenantID:   r.Header.Get("X-Tenant-ID"),
			TenantSlug: r.Header.Get("X-Tenant-Slug"),
			Host:       r.Host,
		})
		if err != nil {
			m.logger.WithError(err).Error("tenant resolution failed")
			httputil.WriteInternalError(w)
			return
		}

		setTenantHeaders(w, tc)

		if rejection := m.validator.Validate(tc, r); rejection != nil {
			httputil.WriteError(w, rejection.StatusCode, string(rejection.Reason), rejection.Message)
			return
		}

		ctx := contextkeys.WithTenant(r.Context(), tc)
		if tc.Resolved() {
			ctx = contextkeys.WithSchema(ctx, tc.SchemaName)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *TenantMiddleware) shouldSkip(r *http.Request) bool {
	if _, ok := m.skipPaths[r.URL.Path]; ok {
		return true
	}
	// Load balancer probes identify themselves in the User-Agent and do
	// not carry tenant signals.
	ua := strings.ToLower(r.Header.Get("User-Agent"))
	return strings.Contains(ua, "healthcheck") || strings.Contains(ua, "kube-probe")
}

// setTenantHeaders exposes the resolution outcome on the response so
// clients and proxies can observe which tenant served the request. The
// headers are written for rejected requests too.
func setTenantHeaders(w http.ResponseWriter, tc *tenants.TenantContext) {
	w.Header().Set("X-Tenant-Resolved-From", string(tc.ResolvedFrom))
	if !tc.Resolved() {
		return
	}
	w.Header().Set("X-Tenant-ID", tc.Tenant.UUID)
	w.Header().Set("X-Tenant-Slug", tc.Tenant.Slug)
	w.Header().Set("X-Tenant-Schema", tc.SchemaName)
}

// GetTenantContext extracts the resolved tenant context from a request.
// Returns nil when tenant middleware did not run.
func GetTenantContext(r *http.Request) *tenants.TenantContext {
	tc, ok := r.Context().Value(contextkeys.TenantKey).(*tenants.TenantContext)
	if !ok {
		return nil
	}
	return tc
}
