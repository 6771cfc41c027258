// Package billing owns plans and tenant subscriptions and keeps the cached
// entitlement snapshot of every tenant in step with them.
//
// A plan enables a set of modules and carries numeric limits (-1 means
// unlimited). Every subscription change overwrites the tenant's snapshot
// before returning, cancellation included, so module gating never falls
// back to the fail-open path while a change is in flight.
//
// Reconciler rewrites every snapshot on a cron schedule. It repairs
// snapshots that missed an invalidation and refreshes their TTL.
package billing
