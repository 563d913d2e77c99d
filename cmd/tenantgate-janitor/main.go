package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/tenantgate/tenantgate/pkg/config"
	"github.com/tenantgate/tenantgate/pkg/lifecycle"
	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/rbac"
	"github.com/tenantgate/tenantgate/pkg/storage"
	"github.com/tenantgate/tenantgate/pkg/tenants"
)

var (
	trialSchedule      = flag.String("trial-schedule", "", "Cron schedule for the expired-trial sweep (default: daily 00:05 UTC)")
	invitationSchedule = flag.String("invitation-schedule", "", "Cron schedule for expired invitation purging (default: hourly)")
	grantSchedule      = flag.String("grant-schedule", "", "Cron schedule for expired grant purging (default: hourly)")
	runOnce            = flag.Bool("run-once", false, "Run every job once and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	db, err := storage.Connect(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer db.Close()

	cache, err := storage.NewSharedCache(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer cache.Close()

	janitor := lifecycle.NewJanitor(
		tenants.NewStore(db),
		rbac.NewStore(db),
		rbac.NewInvalidator(cache, logger, nil),
		logger,
	)

	if *runOnce {
		ctx := context.Background()
		if err := janitor.SweepExpiredTrials(ctx); err != nil {
			log.Fatalf("Trial sweep failed: %v", err)
		}
		if err := janitor.PurgeExpiredInvitations(ctx); err != nil {
			log.Fatalf("Invitation purge failed: %v", err)
		}
		if err := janitor.PurgeExpiredGrants(ctx); err != nil {
			log.Fatalf("Grant purge failed: %v", err)
		}
		log.Println("Maintenance completed successfully")
		return
	}

	schedules := lifecycle.DefaultConfig()
	if *trialSchedule != "" {
		schedules.TrialSweepSchedule = *trialSchedule
	}
	if *invitationSchedule != "" {
		schedules.InvitationPurgeSchedule = *invitationSchedule
	}
	if *grantSchedule != "" {
		schedules.GrantPurgeSchedule = *grantSchedule
	}

	c := cron.New()
	if err := janitor.Schedule(c, schedules); err != nil {
		log.Fatalf("Failed to schedule maintenance jobs: %v", err)
	}

	c.Start()
	logger.WithFields(map[string]interface{}{
		"trial_schedule":      schedules.TrialSweepSchedule,
		"invitation_schedule": schedules.InvitationPurgeSchedule,
		"grant_schedule":      schedules.GrantPurgeSchedule,
	}).Info("janitor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	stopCtx := c.Stop()
	<-stopCtx.Done()
}
