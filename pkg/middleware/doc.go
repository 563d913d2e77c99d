// Package middleware provides the HTTP middleware chain for tenant-scoped
// request handling: tenant resolution and access validation, and
// per-tenant rate limiting backed by the shared cache.
package middleware
