// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup and health probes for caseguard.
//
// # Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Warn("subscription snapshot missing")
//
// Request-scoped loggers travel in the context:
//
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx).Info("authorized")
//
// # Metrics
//
// Metrics is nil-safe so components can be built without a registry in tests:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordDecision("deny", "module_not_in_plan", elapsed)
//
// # Health
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(mux, checker, metrics)
package observability
