// Package entitlements holds the cached projections the authorization engine
// reads on every request, and the coordinator that keeps them consistent with
// the relational source of truth.
//
// Two namespaces live in redis:
//
//	subscription:<tenant>                 tenant entitlement snapshot
//	permissions:<subject>:<tenant|system> flattened permission grant set
//
// A missing entry is not an error. GetSnapshot returns (nil, nil) and
// GetGrantSet returns (nil, false, nil); callers decide what a miss means.
//
// Every mutation to roles, grants, assignments or subscriptions calls the
// Coordinator before it reports success:
//
//	if err := coordinator.AssignmentChanged(ctx, subjectID, tenantID); err != nil {
//	    return fmt.Errorf("failed to invalidate grants: %w", err)
//	}
package entitlements
