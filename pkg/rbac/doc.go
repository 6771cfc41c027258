// Package rbac is the source of truth for roles and their permission grants.
//
// The grant matrix is features × actions: a permission key is
// "<feature>.<action>" (cases.create, roles.assign). Every role carries one
// role_permissions row per applicable pair, seeded with granted=false when
// the role is created; SetGrants flips the listed pairs to true.
//
// System roles have no tenant, are seeded from the catalog and cannot be
// deleted or, except by a super admin, modified. Custom roles belong to
// exactly one tenant.
//
// Store implements Repository over database/sql for postgres and sqlite.
// Service adds the authorization rules of role management and keeps the
// entitlement cache consistent: every mutation invalidates the affected
// grant sets before it returns.
//
//	svc := rbac.NewService(rbac.NewStore(db, storage.DialectFor(driver)), coordinator, emitter, "super_admin", logger)
//	err := svc.GrantPermissions(ctx, actor, tenantID, roleID, []string{"cases.read", "cases.create"})
//
// Store.ResolveGrantSet is the authz.GrantSource used to rebuild cached
// grant sets after a miss.
package rbac
