// Package api provides the caseguard HTTP API.
//
// # Overview
//
// Every route lives under /api/v1 and is declared with an operation id. The
// router wraps each handler in the same pipeline:
//
//	Authenticate -> [RateLimit] -> Authorize(op) -> Audit(op) -> handler
//
// so handlers only run for requests the decision engine allowed, and they
// read the resolved tenant from the request context rather than from
// headers or claims.
//
// # Routes
//
//	POST   /api/v1/auth/refresh            auth.refresh (public, rate limited)
//	POST   /api/v1/auth/logout             auth.logout
//	POST   /api/v1/auth/mfa/verify         auth.mfa.verify (rate limited)
//	GET    /api/v1/roles                   roles.list
//	POST   /api/v1/roles                   roles.create
//	GET    /api/v1/roles/{id}/permissions  roles.permissions
//	POST   /api/v1/roles/grant             roles.grant
//	POST   /api/v1/roles/assign            roles.assign
//	POST   /api/v1/roles/revoke            roles.revoke
//	GET    /api/v1/roles/user/{userId}     roles.user
//	DELETE /api/v1/roles/{id}              roles.delete
//	GET    /api/v1/subscription/plans      subscription.plans (public)
//	POST   /api/v1/subscription/plans      subscription.plan.create
//	GET    /api/v1/subscription            subscription.current
//	POST   /api/v1/subscription            subscription.subscribe
//	POST   /api/v1/subscription/cancel     subscription.cancel
//	POST   /api/v1/admin/cache/flush       cache.flush
//	GET    /api/v1/ws                      realtime transport
//
// # Responses
//
// Success bodies are {"data": ..., "message": ...}; failures are
// {"error": "..."} with the status mapped from the authz error taxonomy.
//
// # Usage
//
//	server := api.NewServer(api.Config{
//		Tokens:   tokenManager,
//		Engine:   engine,
//		Table:    authz.DefaultTable(cfg.Authz.SuperAdminRole),
//		Sessions: sessions,
//		Roles:    roleService,
//		Billing:  billingService,
//		Cache:    coordinator,
//		Audit:    emitter,
//	})
//	http.ListenAndServe(":8080", server)
package api
