package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/storage"
	"github.com/tenantgate/tenantgate/pkg/tenants"
)

// RateLimitConfig controls the fixed-window limiter.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// DefaultRateLimitConfig returns the limit applied to tenants that carry
// no requests_per_minute resource limit.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
	}
}

// RateLimiter implements a Redis-backed fixed-window counter so limits
// are shared across instances.
type RateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewRateLimiter creates a Redis-backed rate limiter.
func NewRateLimiter(cache *storage.SharedCache, config *RateLimitConfig, prefix string) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RateLimiter{
		redis:  cache.Client(),
		config: config,
		prefix: prefix,
	}
}

// Allow increments the window counter for key and reports whether the
// request is under limit. The limit argument overrides the configured
// default when positive.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64) (bool, error) {
	if limit <= 0 {
		limit = int64(rl.config.RequestsPerWindow)
	}
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	return incr.Val() <= limit, nil
}

// TTL returns the time until the window for key resets.
func (rl *RateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.redis.TTL(ctx, fmt.Sprintf("%s:%s", rl.prefix, key)).Result()
}

// Reset clears the counter for key.
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, fmt.Sprintf("%s:%s", rl.prefix, key)).Err()
}

// RateLimitMiddleware applies per-tenant request limits. Resolved tenants
// share a counter keyed by tenant id; unresolved traffic is limited per
// client address. A tenant's requests_per_minute resource limit overrides
// the default window size.
type RateLimitMiddleware struct {
	limiter *RateLimiter
	logger  *observability.Logger
}

// NewRateLimitMiddleware creates per-tenant rate limit middleware.
func NewRateLimitMiddleware(cache *storage.SharedCache, config *RateLimitConfig, logger *observability.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: NewRateLimiter(cache, config, "ratelimit"),
		logger:  logger,
	}
}

// Handler wraps an HTTP handler with rate limiting. Runs after tenant
// resolution; requests the resolver skipped are not counted.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := GetTenantContext(r)
		if tc == nil || tc.ResolvedFrom == tenants.ResolvedFromSkipped {
			next.ServeHTTP(w, r)
			return
		}

		key, limit := m.limitFor(tc, r)
		allowed, err := m.limiter.Allow(r.Context(), key, limit)
		if err != nil {
			// Counter outages must not take down request serving.
			m.logger.WithError(err).Warn("rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			m.rateLimitExceeded(r.Context(), w, key)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) limitFor(tc *tenants.TenantContext, r *http.Request) (string, int64) {
	if tc.Resolved() {
		if limit, ok := tc.Tenant.ResourceLimits["requests_per_minute"]; ok {
			return tc.CachePrefix(), limit
		}
		return tc.CachePrefix(), 0
	}
	return "ip:" + tenants.ClientIP(r), 0
}

func (m *RateLimitMiddleware) rateLimitExceeded(ctx context.Context, w http.ResponseWriter, key string) {
	retryAfter := m.limiter.config.WindowDuration.Seconds()
	if ttl, err := m.limiter.TTL(ctx, key); err == nil && ttl > 0 {
		retryAfter = ttl.Seconds()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(fmt.Sprintf(`{"error":"rate_limited","detail":"request limit exceeded","retry_after":%.0f}`, retryAfter)))
}
