// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//   import "github.com/tenantgate/tenantgate/pkg/contextkeys"
//   ctx = context.WithValue(ctx, contextkeys.TenantKey, tc)
//   tc := ctx.Value(contextkeys.TenantKey).(*tenants.TenantContext)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// TenantKey contains *tenants.TenantContext
	// Set by: middleware.TenantMiddleware (pkg/middleware/tenant.go)
	// Required by: all tenant-scoped endpoints, RBAC middleware
	// Type: *tenants.TenantContext
	TenantKey Key = "tenant_context"

	// SchemaKey contains the tenant isolation schema name
	// Set by: middleware.TenantMiddleware after access validation
	// Used by: data-access code that routes queries to the tenant schema
	// Type: string
	SchemaKey Key = "tenant_schema"

	// UserIDKey contains the authenticated principal id
	// Set by: the authentication layer, consumed by the RBAC middleware
	// Type: int64
	UserIDKey Key = "user_id"

	// RequestIDKey contains request ID string (UUID)
	// Set by: HTTP middleware, observability layer
	// Used by: Logger, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// Helper functions for type-safe context operations

// WithTenant adds the resolved tenant context to the context
func WithTenant(ctx context.Context, tc interface{}) context.Context {
	return context.WithValue(ctx, TenantKey, tc)
}

// WithSchema adds the tenant isolation schema name to the context
func WithSchema(ctx context.Context, schema string) context.Context {
	return context.WithValue(ctx, SchemaKey, schema)
}

// WithUserID adds the principal id to the context
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetSchema retrieves the tenant schema from context
func GetSchema(ctx context.Context) string {
	if schema, ok := ctx.Value(SchemaKey).(string); ok {
		return schema
	}
	return ""
}

// GetUserID retrieves the principal id from context; false when unauthenticated
func GetUserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
