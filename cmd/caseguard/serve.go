package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/caseguard/pkg/api"
	"github.com/platinummonkey/caseguard/pkg/audit"
	"github.com/platinummonkey/caseguard/pkg/auth"
	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/billing"
	"github.com/platinummonkey/caseguard/pkg/config"
	"github.com/platinummonkey/caseguard/pkg/entitlements"
	"github.com/platinummonkey/caseguard/pkg/middleware"
	"github.com/platinummonkey/caseguard/pkg/observability"
	"github.com/platinummonkey/caseguard/pkg/rbac"
	"github.com/platinummonkey/caseguard/pkg/realtime"
	"github.com/platinummonkey/caseguard/pkg/storage"
)

const (
	auditWorkers   = 4
	auditQueueSize = 4096
	auditTimeout   = 5 * time.Second
)

func runServe(args []string, bootLogger *logrus.Logger) error {
	fs := newFlagSet("serve")
	migrate := fs.Bool("migrate", false, "migrate the schema before serving")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("version", version)
	bootLogger.WithFields(logrus.Fields{
		"addr":    cfg.Server.Addr(),
		"driver":  cfg.Database.Driver,
		"version": version,
	}).Info("starting caseguard")

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("failed to flush telemetry")
		}
	}()

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(nil)
	}

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if *migrate {
		if err := storage.Migrate(ctx, db); err != nil {
			return err
		}
		logger.Info("schema migrated")
	}

	rdb, err := storage.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// audit writes outlive the signal context so queued events drain on Close
	emitter := audit.NewAsyncEmitter(context.Background(), audit.NewSQLStore(db), audit.EmitterConfig{
		Workers:      auditWorkers,
		QueueSize:    auditQueueSize,
		WriteTimeout: auditTimeout,
	}, logger, metrics)

	cache := entitlements.NewRedisStore(rdb, cfg.Cache.TTL, logger, metrics)
	coordinator := entitlements.NewCoordinator(cache, cfg.Cache.SubscriptionTTL, logger, metrics)
	roleStore := rbac.NewStore(db, storage.DialectFor(cfg.Database.Driver))
	security := auth.NewSecurityStore(db)

	rebuilder := authz.NewRebuilder(roleStore, cache, authz.RebuilderConfig{
		TTL:          cfg.Cache.TTL,
		Timeout:      cfg.Cache.RebuildTimeout,
		Debounce:     cfg.Cache.RebuildDebounce,
		DebounceSize: cfg.Cache.RebuildDebounceSize,
	}, logger, metrics).WithRoles(security)
	engine := authz.NewEngine(authz.EngineConfig{
		Store:          cache,
		Rebuilder:      rebuilder,
		MFA:            security,
		SuperAdminRole: cfg.Authz.SuperAdminRole,
		Logger:         logger,
		Metrics:        metrics,
	})
	table := authz.DefaultTable(cfg.Authz.SuperAdminRole)

	tokens, err := auth.NewTokenManager(auth.TokenConfig{
		AccessSecret:  cfg.Tokens.AccessSecret,
		AccessTTL:     cfg.Tokens.AccessTTL,
		RefreshSecret: cfg.Tokens.RefreshSecret,
		RefreshTTL:    cfg.Tokens.RefreshTTL,
		Issuer:        cfg.Tokens.Issuer,
	}, logger)
	if err != nil {
		return err
	}
	sessions := auth.NewSessionService(tokens, security, auth.NewMFAVerifier(), coordinator, emitter, logger)

	roles := rbac.NewService(roleStore, coordinator, emitter, cfg.Authz.SuperAdminRole, logger).
		WithRebuilder(rebuilder)
	subscriptions := billing.NewService(billing.NewStore(db), coordinator, emitter, logger)

	binder := realtime.NewBinder(realtime.BinderConfig{
		Tokens:  tokens,
		Engine:  engine,
		Table:   table,
		Logger:  logger,
		Metrics: metrics,
	})
	transport := realtime.NewTransport(binder, cfg.Realtime.AllowedOrigins, logger)

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.PerMinute > 0 {
		limiter = middleware.NewRateLimiter(rdb, cfg.RateLimit.PerMinute, time.Minute, "caseguard:ratelimit", logger)
	}

	server := api.NewServer(api.Config{
		Tokens:      tokens,
		Engine:      engine,
		Table:       table,
		Sessions:    sessions,
		Roles:       roles,
		Billing:     subscriptions,
		Cache:       coordinator,
		Audit:       emitter,
		RateLimiter: limiter,
		Realtime:    transport,
		Tracing:     cfg.Observability.OTelEnabled,
		Logger:      logger,
		Metrics:     metrics,
	})

	apiServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, rdb, version), metrics)
	healthServer := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	var reconciler *billing.Reconciler
	if cfg.Billing.ReconcileSchedule != "" {
		reconciler = billing.NewReconciler(subscriptions, cfg.Billing.ReconcileSchedule, logger)
		if err := reconciler.Start(gctx); err != nil {
			return err
		}
	}

	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("api server listening")
		return listen(apiServer)
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		return listen(healthServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
		// hijacked websocket connections are not tracked by http.Server
		if n := binder.Shutdown(); n > 0 {
			logger.WithField("sessions", n).Info("realtime sessions closed")
		}
		if reconciler != nil {
			reconciler.Stop()
		}
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
		if err := emitter.Close(cfg.Server.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("audit emitter: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("caseguard stopped")
	return nil
}

// listen runs srv until Shutdown is called
func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", srv.Addr, err)
	}
	return nil
}
