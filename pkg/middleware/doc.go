// Package middleware provides the HTTP middleware stack in front of every
// caseguard route.
//
// # Middleware Components
//
// RequestID: request id, request-scoped logger and client info
//
//	router.Use(middleware.RequestID(logger))
//
// Authenticate: verifies an optional Bearer access token
//
//	router.Use(middleware.Authenticate(tokens))
//	// a missing header continues anonymously, a bad token is a bare 401
//
// Authorize: runs the decision engine for one operation
//
//	router.Handle("/roles", middleware.Authorize(engine, table, authz.OpRolesList, logger)(listRoles))
//	// the X-Org-Id header is the tenant hint
//
// RateLimiter: Redis fixed-window limiting shared across instances
//
//	limiter := middleware.NewRateLimiter(redisClient, 10, time.Minute, "ratelimit:auth", logger)
//	router.Handle("/auth/refresh", limiter.Handler(refresh))
//
// Metrics: Prometheus request counter and latency histogram by route template
//
//	router.Use(middleware.Metrics(metrics))
//
// # Related Packages
//
//   - pkg/auth: token verification
//   - pkg/authz: decision engine and requirement table
//   - pkg/contextkeys: values set for handlers
package middleware
