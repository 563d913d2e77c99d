package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tenantgate/tenantgate/pkg/config"
	"github.com/tenantgate/tenantgate/pkg/httputil"
	"github.com/tenantgate/tenantgate/pkg/middleware"
	"github.com/tenantgate/tenantgate/pkg/observability"
	"github.com/tenantgate/tenantgate/pkg/rbac"
	"github.com/tenantgate/tenantgate/pkg/storage"
	"github.com/tenantgate/tenantgate/pkg/tenants"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	db, err := storage.Connect(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}

	ctx := context.Background()
	if err := tenants.RunMigrations(ctx, db); err != nil {
		log.Fatalf("Failed to run tenant migrations: %v", err)
	}
	if err := rbac.RunMigrations(ctx, db); err != nil {
		log.Fatalf("Failed to run rbac migrations: %v", err)
	}

	cache, err := storage.NewSharedCache(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	metrics.ObserveDBPool(db)

	tenantStore := tenants.NewStore(db)
	rbacStore := rbac.NewStore(db)

	resolver := tenants.NewResolver(tenantStore, cache, tenants.ResolverConfig{
		DefaultTenantSlug:       cfg.Resolution.DefaultTenantSlug,
		HeaderResolutionEnabled: cfg.Resolution.HeaderResolutionEnabled,
		DomainResolutionEnabled: cfg.Resolution.DomainResolutionEnabled,
		ReservedSubdomains:      cfg.Resolution.ReservedSubdomains,
		CacheTTL:                cfg.Resolution.CacheTTL,
		MemoryCacheSize:         cfg.Resolution.MemoryCacheSize,
	}, logger, metrics)
	validator := tenants.NewValidator(cfg.Resolution.PublicPaths, logger, metrics)

	manager := tenants.NewManager(tenantStore, cache, logger)
	invalidator := rbac.NewInvalidator(cache, logger, metrics)
	checker := rbac.NewChecker(rbacStore, cache, cfg.Permissions.CacheTTL, logger, metrics)
	service := rbac.NewService(rbacStore, invalidator, logger)

	tenantMW := middleware.NewTenantMiddleware(resolver, validator, cfg.Resolution.SkipPaths, logger)
	rateLimitMW := middleware.NewRateLimitMiddleware(cache, nil, logger)
	permissionMW := rbac.NewPermissionMiddleware(checker)

	router := mux.NewRouter()

	rbacHandlers := rbac.NewHandlers(rbacStore, service, logger)
	rbacRouter := router.PathPrefix("/api/v1").Subrouter()
	rbacRouter.Use(permissionMW.RequirePermission("role.manage"))
	rbacHandlers.RegisterRoutes(rbacRouter)

	seedRoles := func(r *http.Request, tenantID int64) error {
		return service.SeedSystemRoles(r.Context(), tenantID)
	}
	tenantHandlers := tenants.NewHandlers(tenantStore, manager, seedRoles, logger)
	adminRouter := router.PathPrefix("/api/v1/admin").Subrouter()
	adminRouter.Use(permissionMW.RequirePermission("tenant.admin"))
	tenantHandlers.RegisterRoutes(adminRouter)

	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		tenantMW.Handler,
		rateLimitMW.Handler,
	)

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      chain(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(db, cache.Client())
	healthRouter := mux.NewRouter()
	healthRouter.HandleFunc("/healthz", health.Liveness).Methods(http.MethodGet)
	healthRouter.HandleFunc("/readyz", health.Readiness).Methods(http.MethodGet)
	if cfg.Observability.MetricsEnabled {
		healthRouter.Handle("/metrics", observability.Handler(registry))
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthRouter,
	}

	shutdown := observability.NewShutdownManager(logger, apiServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return cache.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return db.Close()
	})

	var group errgroup.Group
	group.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("API server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return shutdown.WaitForShutdown()
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}
