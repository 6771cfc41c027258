// Package authz is the authorization decision engine.
//
// Every operation has a declarative Requirement in a Table built at startup.
// Engine.Authorize evaluates one requirement against a verified Identity in
// a fixed order:
//
//  1. public requirements allow without an identity
//  2. a missing identity is ErrUnauthenticated
//  3. the super-admin role allows unconditionally
//  4. required system roles
//  5. MFA, for requirements that demand it and subjects that enrolled
//  6. tenant resolution: the explicit hint wins over the claim tenant
//  7. cached subscription status (a missing snapshot does not block)
//  8. module availability in the tenant plan
//  9. cached permission grant set; a miss allows and schedules a rebuild
//
// Denials are *ForbiddenError values whose Reason is shown to the client.
// Store failures on the subscription snapshot propagate as errors; store
// failures on the grant set are treated as a cache miss.
//
//	engine := authz.NewEngine(authz.EngineConfig{
//	    Store:          store,
//	    Rebuilder:      authz.NewRebuilder(repo, store, authz.RebuilderConfig{Debounce: 5 * time.Second}, logger, metrics),
//	    SuperAdminRole: "super_admin",
//	})
//	decision, err := engine.Authorize(ctx, identity, req, r.Header.Get("X-Org-Id"))
package authz
