package rbac

import (
	"context"
	"fmt"

	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/storage"
)

// Invalidator deletes cached permission sets when role or permission
// mutations make them stale. Only the shared cache is touched; in-process
// tiers self-correct at their own TTL boundary.
type Invalidator struct {
	cache   *storage.SharedCache
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewInvalidator creates a cache invalidator
func NewInvalidator(cache *storage.SharedCache, logger *observability.Logger, metrics *observability.Metrics) *Invalidator {
	return &Invalidator{cache: cache, logger: logger, metrics: metrics}
}

// Invalidate deletes the cached permission sets for the user in the tenant.
// An org-scoped mutation removes the org key and the tenant-wide key, since
// either projection can carry it. A tenant-wide mutation (nil organization)
// removes every key for the user: org-scoped sets aggregate org-less
// assignments, so all of them are stale.
func (i *Invalidator) Invalidate(ctx context.Context, userID, tenantID int64, organizationID *int64) error {
	if organizationID == nil {
		base := CacheKey(userID, tenantID, nil)
		if err := i.cache.Delete(ctx, base); err != nil {
			return fmt.Errorf("failed to invalidate permission cache: %w", err)
		}
		// base+"*" would also match other users (user:7 vs user:71)
		if err := i.cache.DeletePattern(ctx, base+":org:*"); err != nil {
			return fmt.Errorf("failed to invalidate permission cache: %w", err)
		}
	} else {
		keys := []string{
			CacheKey(userID, tenantID, nil),
			CacheKey(userID, tenantID, organizationID),
		}
		if err := i.cache.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("failed to invalidate permission cache: %w", err)
		}
	}

	if i.metrics != nil {
		i.metrics.CacheInvalidationsTotal.Inc()
	}
	i.logger.WithFields(map[string]interface{}{
		"user_id":   userID,
		"tenant_id": tenantID,
	}).Debug("invalidated permission cache")
	return nil
}

// InvalidateTenant removes every cached permission set in a tenant. Used
// when a role definition changes, which can affect any number of users.
func (i *Invalidator) InvalidateTenant(ctx context.Context, tenantID int64) error {
	pattern := fmt.Sprintf("tenant:%d:permissions:*", tenantID)
	if err := i.cache.DeletePattern(ctx, pattern); err != nil {
		return fmt.Errorf("failed to invalidate tenant permission cache: %w", err)
	}

	if i.metrics != nil {
		i.metrics.CacheInvalidationsTotal.Inc()
	}
	i.logger.WithField("tenant_id", tenantID).Debug("invalidated tenant permission cache")
	return nil
}
