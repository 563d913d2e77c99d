// Package lifecycle runs scheduled maintenance over tenant and
// permission data: expired trial handling, invitation cleanup, and
// expired resource grant purging.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/rbac"
	"github.com/tenantgate/tenantgate/pkg/tenants"
)

// trialGracePeriod is how long an expired trial keeps its trial status
// before the janitor suspends it. During the grace period requests are
// already rejected with a payment-required response; suspension only
// finalizes the state.
const trialGracePeriod = 7 * 24 * time.Hour

// Config holds the cron schedules for each maintenance job.
type Config struct {
	TrialSweepSchedule      string
	InvitationPurgeSchedule string
	GrantPurgeSchedule      string
}

// DefaultConfig returns the production schedules: trials swept daily at
// 00:05 UTC, invitations and grants purged hourly.
func DefaultConfig() Config {
	return Config{
		TrialSweepSchedule:      "5 0 * * *",
		InvitationPurgeSchedule: "0 * * * *",
		GrantPurgeSchedule:      "30 * * * *",
	}
}

// Janitor owns the maintenance jobs. Each job is safe to run
// concurrently with request serving and may be invoked directly for
// one-shot runs.
type Janitor struct {
	tenantStore *tenants.Store
	rbacStore   *rbac.Store
	invalidator *rbac.Invalidator
	logger      *observability.Logger
	now         func() time.Time
}

// NewJanitor creates a janitor. invalidator may be nil when no shared
// cache is attached.
func NewJanitor(tenantStore *tenants.Store, rbacStore *rbac.Store, invalidator *rbac.Invalidator, logger *observability.Logger) *Janitor {
	return &Janitor{
		tenantStore: tenantStore,
		rbacStore:   rbacStore,
		invalidator: invalidator,
		logger:      logger,
		now:         time.Now,
	}
}

// Schedule registers every job on the given cron scheduler. The caller
// starts and stops the scheduler.
func (j *Janitor) Schedule(c *cron.Cron, cfg Config) error {
	if _, err := c.AddFunc(cfg.TrialSweepSchedule, func() {
		if err := j.SweepExpiredTrials(context.Background()); err != nil {
			j.logger.WithError(err).Error("trial sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule trial sweep: %w", err)
	}

	if _, err := c.AddFunc(cfg.InvitationPurgeSchedule, func() {
		if err := j.PurgeExpiredInvitations(context.Background()); err != nil {
			j.logger.WithError(err).Error("invitation purge failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule invitation purge: %w", err)
	}

	if _, err := c.AddFunc(cfg.GrantPurgeSchedule, func() {
		if err := j.PurgeExpiredGrants(context.Background()); err != nil {
			j.logger.WithError(err).Error("grant purge failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule grant purge: %w", err)
	}

	return nil
}

// SweepExpiredTrials suspends tenants whose trial ended more than the
// grace period ago. Tenants inside the grace period are left on trial
// status; request-time validation already rejects them. A failure on one
// tenant does not stop the sweep.
func (j *Janitor) SweepExpiredTrials(ctx context.Context) error {
	cutoff := j.now().Add(-trialGracePeriod)
	expired, err := j.tenantStore.ListExpiredTrials(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list expired trials: %w", err)
	}

	reason := "trial expired"
	var failed int
	for i := range expired {
		tenant := &expired[i]
		if err := j.tenantStore.UpdateStatus(ctx, tenant.ID, tenants.StatusSuspended, &reason); err != nil {
			failed++
			j.logger.WithError(err).WithTenant(tenant.ID, tenant.Slug).Error("failed to suspend expired trial")
			continue
		}
		if j.invalidator != nil {
			if err := j.invalidator.InvalidateTenant(ctx, tenant.ID); err != nil {
				j.logger.WithError(err).WithTenant(tenant.ID, tenant.Slug).Warn("failed to flush permission cache for suspended tenant")
			}
		}
		j.logger.WithTenant(tenant.ID, tenant.Slug).Info("suspended tenant with expired trial")
	}

	if failed > 0 {
		return fmt.Errorf("trial sweep: %d of %d suspensions failed", failed, len(expired))
	}
	return nil
}

// PurgeExpiredInvitations removes pending organization invitations whose
// expiry has passed.
func (j *Janitor) PurgeExpiredInvitations(ctx context.Context) error {
	purged, err := j.tenantStore.PurgeExpiredInvitations(ctx, j.now())
	if err != nil {
		return fmt.Errorf("purge expired invitations: %w", err)
	}
	if purged > 0 {
		j.logger.WithField("purged", purged).Info("purged expired invitations")
	}
	return nil
}

// PurgeExpiredGrants removes resource permission grants whose expiry has
// passed. Expired grants are already ignored by permission checks; the
// purge keeps the table from growing without bound.
func (j *Janitor) PurgeExpiredGrants(ctx context.Context) error {
	purged, err := j.rbacStore.PurgeExpiredResourcePermissions(ctx, j.now())
	if err != nil {
		return fmt.Errorf("purge expired grants: %w", err)
	}
	if purged > 0 {
		j.logger.WithField("purged", purged).Info("purged expired resource grants")
	}
	return nil
}
