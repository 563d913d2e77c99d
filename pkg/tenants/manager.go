package tenants

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/storage"
)

const trialDuration = 30 * 24 * time.Hour

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ActiveMembersError is returned by Delete when the tenant still has active
// organization members
type ActiveMembersError struct {
	TenantID int64
	Count    int64
}

// Error implements the error interface
func (e *ActiveMembersError) Error() string {
	return fmt.Sprintf("tenant %d has %d active members and cannot be deleted", e.TenantID, e.Count)
}

// IsActiveMembers reports whether err is an active-members deletion refusal
func IsActiveMembers(err error) bool {
	var active *ActiveMembersError
	return errors.As(err, &active)
}

// Manager performs tenant lifecycle operations. Status transitions evict
// the tenant's shared-cache entries before returning so other instances
// stop serving the stale record; in-process tiers age out on their TTL.
type Manager struct {
	store  *Store
	cache  *storage.SharedCache
	logger *observability.Logger
}

// NewManager creates a tenant lifecycle manager. cache may be nil when no
// shared cache is attached.
func NewManager(store *Store, cache *storage.SharedCache, logger *observability.Logger) *Manager {
	return &Manager{store: store, cache: cache, logger: logger}
}

// CreateTenant provisions a new trial tenant with a 30-day trial window
func (m *Manager) CreateTenant(ctx context.Context, slug, name string, domain *string) (*Tenant, error) {
	if !slugPattern.MatchString(slug) {
		return nil, fmt.Errorf("invalid tenant slug: %q", slug)
	}

	trialEnd := time.Now().Add(trialDuration)
	tenant := &Tenant{
		Slug:        slug,
		Name:        name,
		Domain:      domain,
		Status:      StatusTrial,
		TrialEndsAt: &trialEnd,
	}

	if err := m.store.CreateTenant(ctx, tenant); err != nil {
		return nil, err
	}

	m.logger.WithTenant(tenant.ID, tenant.Slug).Info("tenant created")
	return tenant, nil
}

// Suspend transitions a tenant to suspended with a reason
func (m *Manager) Suspend(ctx context.Context, tenantID int64, reason string) error {
	if err := m.store.UpdateStatus(ctx, tenantID, StatusSuspended, &reason); err != nil {
		return err
	}
	if err := m.evict(ctx, tenantID); err != nil {
		return err
	}
	m.logger.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"reason":    reason,
	}).Warn("tenant suspended")
	return nil
}

// Reactivate returns a suspended tenant to active status
func (m *Manager) Reactivate(ctx context.Context, tenantID int64) error {
	if err := m.store.UpdateStatus(ctx, tenantID, StatusActive, nil); err != nil {
		return err
	}
	if err := m.evict(ctx, tenantID); err != nil {
		return err
	}
	m.logger.WithField("tenant_id", tenantID).Info("tenant reactivated")
	return nil
}

// Cancel marks a tenant as permanently cancelled
func (m *Manager) Cancel(ctx context.Context, tenantID int64) error {
	if err := m.store.UpdateStatus(ctx, tenantID, StatusCancelled, nil); err != nil {
		return err
	}
	if err := m.evict(ctx, tenantID); err != nil {
		return err
	}
	m.logger.WithField("tenant_id", tenantID).Warn("tenant cancelled")
	return nil
}

// Delete permanently removes a tenant. Tenants with active members cannot
// be deleted; suspend or cancel them instead.
func (m *Manager) Delete(ctx context.Context, tenantID int64) error {
	activeMembers, err := m.store.CountActiveMemberships(ctx, tenantID)
	if err != nil {
		return err
	}
	if activeMembers > 0 {
		return &ActiveMembersError{TenantID: tenantID, Count: activeMembers}
	}

	if err := m.evict(ctx, tenantID); err != nil {
		return err
	}
	if err := m.store.DeleteTenant(ctx, tenantID); err != nil {
		return err
	}
	m.logger.WithField("tenant_id", tenantID).Warn("tenant deleted")
	return nil
}

// evict removes the tenant's resolution entries and its per-principal
// permission sets from the shared cache. The eviction must succeed before
// the status change is reported to the caller.
func (m *Manager) evict(ctx context.Context, tenantID int64) error {
	if m.cache == nil {
		return nil
	}

	tenant, err := m.store.GetByID(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load tenant for cache eviction: %w", err)
	}

	keys := []string{
		fmt.Sprintf("tenant:%s:%s", LookupUUID, tenant.UUID),
		fmt.Sprintf("tenant:%s:%s", LookupSlug, tenant.Slug),
	}
	if tenant.Domain != nil {
		keys = append(keys, fmt.Sprintf("tenant:%s:%s", LookupDomain, *tenant.Domain))
	}
	if err := m.cache.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to evict tenant cache entries: %w", err)
	}

	pattern := fmt.Sprintf("tenant:%d:permissions:*", tenantID)
	if err := m.cache.DeletePattern(ctx, pattern); err != nil {
		return fmt.Errorf("failed to evict tenant permission sets: %w", err)
	}
	return nil
}
