package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/storage"
)

// PermissionReader is the store surface the checker needs
type PermissionReader interface {
	HasRolePermission(ctx context.Context, userID, tenantID int64, organizationID *int64, permissionName string) (bool, error)
	HasResourcePermission(ctx context.Context, userID, tenantID int64, permissionName, resourceType, resourceID string) (bool, error)
	GetPermissionSet(ctx context.Context, userID, tenantID int64, organizationID *int64) (*PermissionSet, error)
}

// CheckRequest describes one permission check
type CheckRequest struct {
	UserID         int64
	Permission     string
	TenantID       int64
	OrganizationID *int64

	// ResourceType and ResourceID enable the per-resource override check
	// when both are set
	ResourceType string
	ResourceID   string
}

// Checker answers permission checks through a cached permission-set
// projection backed by role and resource-override queries
type Checker struct {
	store    PermissionReader
	cache    *storage.SharedCache
	cacheTTL time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics

	// refreshDone receives after each background cache refresh; tests use
	// it to wait for the fire-and-forget populate
	refreshDone chan struct{}
}

// NewChecker creates a permission checker
func NewChecker(store PermissionReader, cache *storage.SharedCache, cacheTTL time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Checker {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Checker{
		store:    store,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
		metrics:  metrics,
	}
}

// Check reports whether the user holds the permission in the tenant.
// A cached set that contains the name answers immediately; a cached set
// that lacks it is not authoritative and falls through to recomputation.
// Store or cache lookup failures fail closed.
func (c *Checker) Check(ctx context.Context, req CheckRequest) (bool, error) {
	start := time.Now()
	allowed, source, err := c.check(ctx, req)
	if err != nil {
		return false, err
	}

	if c.metrics != nil {
		outcome := "denied"
		if allowed {
			outcome = "allowed"
		}
		c.metrics.PermissionChecksTotal.WithLabelValues(outcome, source).Inc()
		c.metrics.PermissionCheckDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	}

	return allowed, nil
}

func (c *Checker) check(ctx context.Context, req CheckRequest) (bool, string, error) {
	key := CacheKey(req.UserID, req.TenantID, req.OrganizationID)

	cached, found, err := c.cache.Get(ctx, key)
	if err != nil {
		return false, "", fmt.Errorf("permission cache lookup failed: %w", err)
	}
	if found {
		var set PermissionSet
		if err := json.Unmarshal([]byte(cached), &set); err != nil {
			c.logger.WithField("cache_key", key).Warn("discarding undecodable cached permission set")
		} else if set.Usable(time.Now()) && set.Has(req.Permission) {
			return true, "cache", nil
		}
	}

	roleAllowed, err := c.store.HasRolePermission(ctx, req.UserID, req.TenantID, req.OrganizationID, req.Permission)
	if err != nil {
		return false, "", err
	}

	resourceAllowed := false
	if req.ResourceType != "" && req.ResourceID != "" {
		resourceAllowed, err = c.store.HasResourcePermission(ctx, req.UserID, req.TenantID, req.Permission, req.ResourceType, req.ResourceID)
		if err != nil {
			return false, "", err
		}
	}

	allowed := roleAllowed || resourceAllowed
	if allowed {
		c.refreshCacheAsync(req.UserID, req.TenantID, req.OrganizationID)
	}

	source := "role"
	if !roleAllowed && resourceAllowed {
		source = "resource"
	}
	return allowed, source, nil
}

// Require returns a PermissionDeniedError when the check fails. Infra
// failures surface as-is so callers never conflate them with denial.
func (c *Checker) Require(ctx context.Context, req CheckRequest) error {
	allowed, err := c.Check(ctx, req)
	if err != nil {
		return err
	}
	if !allowed {
		return &PermissionDeniedError{
			UserID:     req.UserID,
			Permission: req.Permission,
			TenantID:   req.TenantID,
		}
	}
	return nil
}

// refreshCacheAsync recomputes and stores the user's full permission set
// in the background. It never fails or blocks the request that triggered
// it; errors are logged and dropped.
func (c *Checker) refreshCacheAsync(userID, tenantID int64, organizationID *int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		defer func() {
			if c.refreshDone != nil {
				c.refreshDone <- struct{}{}
			}
		}()
		defer observability.RecoverPanic(c.logger, "permission cache refresh")

		if err := c.populateCache(ctx, userID, tenantID, organizationID); err != nil {
			c.logger.WithError(err).WithFields(map[string]interface{}{
				"user_id":   userID,
				"tenant_id": tenantID,
			}).Warn("failed to refresh permission cache")
			if c.metrics != nil {
				c.metrics.CachePopulateErrors.Inc()
			}
		}
	}()
}

func (c *Checker) populateCache(ctx context.Context, userID, tenantID int64, organizationID *int64) error {
	set, err := c.store.GetPermissionSet(ctx, userID, tenantID, organizationID)
	if err != nil {
		return err
	}
	set.ExpiresAt = time.Now().Add(c.cacheTTL)

	encoded, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode permission set: %w", err)
	}

	key := CacheKey(userID, tenantID, organizationID)
	return c.cache.SetEx(ctx, key, string(encoded), c.cacheTTL)
}
