// Package tenants implements tenant resolution and lifecycle enforcement.
//
// Incoming requests carry several identifying signals (explicit headers,
// custom domains, subdomains); the Resolver maps them to a TenantContext
// through a three-tier cache, and the Validator enforces the resolved
// tenant's status, trial window, and IP allow-list before the request
// reaches any handler.
package tenants
