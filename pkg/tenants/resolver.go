package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/storage"
)

// LookupKind identifies which tenant field a lookup goes through
type LookupKind int

const (
	LookupUUID LookupKind = iota
	LookupSlug
	LookupDomain
)

// String returns the field name used in cache keys and metrics labels
func (k LookupKind) String() string {
	switch k {
	case LookupUUID:
		return "uuid"
	case LookupSlug:
		return "slug"
	case LookupDomain:
		return "domain"
	default:
		return "unknown"
	}
}

// TenantLookup is the store surface the resolver needs
type TenantLookup interface {
	GetByUUID(ctx context.Context, tenantUUID string) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	GetByDomain(ctx context.Context, domain string) (*Tenant, error)
}

// Signals are the request attributes tenant resolution consumes
type Signals struct {
	TenantID   string // X-Tenant-ID header, a tenant UUID
	TenantSlug string // X-Tenant-Slug header
	Host       string // Host header, may include a port
}

// ResolverConfig controls resolution behavior
type ResolverConfig struct {
	DefaultTenantSlug       string
	HeaderResolutionEnabled bool
	DomainResolutionEnabled bool
	ReservedSubdomains      []string
	CacheTTL                time.Duration
	MemoryCacheSize         int
}

// Resolver maps request signals to a TenantContext through a three-tier
// cache: in-process LRU, shared cache, then the store.
type Resolver struct {
	store  TenantLookup
	cache  *storage.SharedCache
	memory *lru.LRU[string, *Tenant]

	defaultSlug        string
	headerEnabled      bool
	domainEnabled      bool
	reservedSubdomains map[string]struct{}
	cacheTTL           time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewResolver creates a tenant resolver with its own in-process cache
func NewResolver(store TenantLookup, cache *storage.SharedCache, cfg ResolverConfig, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	reserved := make(map[string]struct{}, len(cfg.ReservedSubdomains))
	for _, label := range cfg.ReservedSubdomains {
		reserved[strings.ToLower(label)] = struct{}{}
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	size := cfg.MemoryCacheSize
	if size <= 0 {
		size = 1024
	}

	return &Resolver{
		store:              store,
		cache:              cache,
		memory:             lru.NewLRU[string, *Tenant](size, nil, ttl),
		defaultSlug:        cfg.DefaultTenantSlug,
		headerEnabled:      cfg.HeaderResolutionEnabled,
		domainEnabled:      cfg.DomainResolutionEnabled,
		reservedSubdomains: reserved,
		cacheTTL:           ttl,
		logger:             logger,
		metrics:            metrics,
	}
}

// Resolve tries each request signal in priority order and returns the
// context for the first tenant that matches. Signals that do not match
// fall through to the next; store or cache failures abort resolution.
func (r *Resolver) Resolve(ctx context.Context, signals Signals) (*TenantContext, error) {
	start := time.Now()
	tc, err := r.resolve(ctx, signals)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.ResolutionsTotal.WithLabelValues(string(tc.ResolvedFrom)).Inc()
		r.metrics.ResolutionDuration.WithLabelValues(string(tc.ResolvedFrom)).Observe(time.Since(start).Seconds())
	}
	return tc, nil
}

func (r *Resolver) resolve(ctx context.Context, signals Signals) (*TenantContext, error) {
	if r.headerEnabled {
		if signals.TenantID != "" {
			if _, err := uuid.Parse(signals.TenantID); err == nil {
				tenant, err := r.lookup(ctx, LookupUUID, signals.TenantID)
				if err != nil {
					return nil, err
				}
				if tenant != nil {
					return r.contextFor(tenant, ResolvedFromHeaderID), nil
				}
			}
		}

		if signals.TenantSlug != "" {
			tenant, err := r.lookup(ctx, LookupSlug, signals.TenantSlug)
			if err != nil {
				return nil, err
			}
			if tenant != nil {
				return r.contextFor(tenant, ResolvedFromHeaderSlug), nil
			}
		}
	}

	if r.domainEnabled && signals.Host != "" {
		host := hostWithoutPort(signals.Host)

		tenant, err := r.lookup(ctx, LookupDomain, host)
		if err != nil {
			return nil, err
		}
		if tenant != nil {
			return r.contextFor(tenant, ResolvedFromCustomDomain), nil
		}

		if candidate := subdomainCandidate(host, r.reservedSubdomains); candidate != "" {
			tenant, err := r.lookup(ctx, LookupSlug, candidate)
			if err != nil {
				return nil, err
			}
			if tenant != nil {
				return r.contextFor(tenant, ResolvedFromSubdomain), nil
			}
		}
	}

	if r.defaultSlug != "" {
		tenant, err := r.lookup(ctx, LookupSlug, r.defaultSlug)
		if err != nil {
			return nil, err
		}
		if tenant != nil {
			return r.contextFor(tenant, ResolvedFromDefault), nil
		}
	}

	return &TenantContext{ResolvedFrom: ResolvedFromDefault}, nil
}

// SkippedContext is the resolution result for operational paths that
// bypass tenant resolution
func SkippedContext() *TenantContext {
	return &TenantContext{ResolvedFrom: ResolvedFromSkipped}
}

func (r *Resolver) contextFor(tenant *Tenant, from ResolvedFrom) *TenantContext {
	return &TenantContext{
		Tenant:       tenant,
		ResolvedFrom: from,
		SchemaName:   tenant.SchemaName,
	}
}

// lookup resolves one (kind, value) pair through the cache tiers. A nil
// tenant with nil error means the value matched nothing; misses are not
// cached so the caller can try the next signal.
func (r *Resolver) lookup(ctx context.Context, kind LookupKind, value string) (*Tenant, error) {
	memKey := kind.String() + ":" + value

	if tenant, ok := r.memory.Get(memKey); ok {
		r.observeCache("memory", kind, true)
		return tenant, nil
	}
	r.observeCache("memory", kind, false)

	cacheKey := fmt.Sprintf("tenant:%s:%s", kind, value)
	cached, found, err := r.cache.Get(ctx, cacheKey)
	if err != nil {
		return nil, fmt.Errorf("tenant cache lookup failed: %w", err)
	}
	if found {
		var tenant Tenant
		if err := json.Unmarshal([]byte(cached), &tenant); err == nil {
			// shared-cache hits do not refill the in-process tier;
			// it fills only from store reads
			r.observeCache("shared", kind, true)
			return &tenant, nil
		}
		r.logger.WithField("cache_key", cacheKey).Warn("discarding undecodable cached tenant")
	}
	r.observeCache("shared", kind, false)

	tenant, err := r.queryStore(ctx, kind, value)
	if errors.Is(err, ErrTenantNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tenant store lookup failed: %w", err)
	}

	r.memory.Add(memKey, tenant)
	if encoded, err := json.Marshal(tenant); err == nil {
		if err := r.cache.SetEx(ctx, cacheKey, string(encoded), r.cacheTTL); err != nil {
			r.logger.WithError(err).WithField("cache_key", cacheKey).Warn("failed to populate tenant cache")
			if r.metrics != nil {
				r.metrics.CachePopulateErrors.Inc()
			}
		}
	}

	return tenant, nil
}

func (r *Resolver) queryStore(ctx context.Context, kind LookupKind, value string) (*Tenant, error) {
	switch kind {
	case LookupUUID:
		return r.store.GetByUUID(ctx, value)
	case LookupSlug:
		return r.store.GetBySlug(ctx, value)
	case LookupDomain:
		return r.store.GetByDomain(ctx, value)
	default:
		return nil, fmt.Errorf("unknown lookup kind: %d", kind)
	}
}

func (r *Resolver) observeCache(tier string, kind LookupKind, hit bool) {
	if r.metrics == nil {
		return
	}
	if hit {
		r.metrics.CacheHitsTotal.WithLabelValues(tier, kind.String()).Inc()
	} else {
		r.metrics.CacheMissesTotal.WithLabelValues(tier, kind.String()).Inc()
	}
}

func hostWithoutPort(host string) string {
	host = strings.ToLower(host)
	if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.Contains(host[idx:], "]") {
		host = host[:idx]
	}
	return host
}

// subdomainCandidate returns the first host label as a candidate slug when
// the host has at least three labels and the label is not reserved
func subdomainCandidate(host string, reserved map[string]struct{}) string {
	labels := strings.Split(strings.ToLower(host), ".")
	if len(labels) < 3 {
		return ""
	}
	first := labels[0]
	if first == "" {
		return ""
	}
	if _, ok := reserved[first]; ok {
		return ""
	}
	return first
}
