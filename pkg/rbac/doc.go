// Package rbac implements role-based access control scoped to tenants.
//
// Permission checks consult a cached per-user permission-set projection in
// the shared cache, falling back to role-aggregation and resource-override
// queries against the store. Mutations audit themselves and invalidate the
// affected cache keys before returning, bounding staleness to one TTL
// window plus invalidation latency.
package rbac
