package authz

import (
	"context"
	"fmt"

	"github.com/platinummonkey/caseguard/pkg/entitlements"
)

// CheckLimit compares current against the tenant's plan limit for key.
// Authorize never calls it and no caseguard route counts resources; it is
// exported for business code (cases, members) to call before creating a
// countable resource. A missing snapshot, an undefined key or an unlimited
// value all allow.
func (e *Engine) CheckLimit(ctx context.Context, tenantID, key string, current int) error {
	if tenantID == "" {
		return nil
	}

	snap, err := e.store.GetSnapshot(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load subscription snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}

	limit, ok := snap.Limit(key)
	if !ok || limit == entitlements.Unlimited {
		return nil
	}
	if current >= limit {
		return LimitExceeded(key, current, limit)
	}
	return nil
}
