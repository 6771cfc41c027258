package entitlements

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/caseguard/pkg/observability"
)

// RoleScope identifies a role for invalidation. System roles apply to every
// tenant; custom roles carry the tenant they belong to.
type RoleScope struct {
	ID       string
	TenantID string
	System   bool
}

// Coordinator removes or overwrites cached entitlements after a mutation.
// Each method runs synchronously and returns the store error so the caller
// can fail the mutation instead of leaving stale grants visible.
type Coordinator struct {
	store           Store
	subscriptionTTL time.Duration
	logger          *observability.Logger
	metrics         *observability.Metrics
}

// NewCoordinator creates a coordinator over store
func NewCoordinator(store Store, subscriptionTTL time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		store:           store,
		subscriptionTTL: subscriptionTTL,
		logger:          observability.Default(logger),
		metrics:         metrics,
	}
}

// RoleGrantsChanged purges grant sets that may include the role's grants
func (c *Coordinator) RoleGrantsChanged(ctx context.Context, role RoleScope) error {
	return c.invalidateRole(ctx, "role_grants", role)
}

// RoleDeleted purges grant sets that may include the deleted role
func (c *Coordinator) RoleDeleted(ctx context.Context, role RoleScope) error {
	return c.invalidateRole(ctx, "role_deleted", role)
}

func (c *Coordinator) invalidateRole(ctx context.Context, kind string, role RoleScope) error {
	pattern, generation := AllPermissionsPattern, GlobalGenerationKey
	if !role.System && role.TenantID != "" {
		pattern, generation = TenantPattern(role.TenantID), TenantGenerationKey(role.TenantID)
	}
	fields := map[string]interface{}{"role_id": role.ID, "system": role.System}
	if err := c.bump(ctx, generation, fields); err != nil {
		return err
	}
	return c.deletePattern(ctx, kind, pattern, fields)
}

// AssignmentChanged purges the grant set of one (subject, tenant) pair
func (c *Coordinator) AssignmentChanged(ctx context.Context, subjectID, tenantID string) error {
	fields := map[string]interface{}{"subject_id": subjectID, "tenant_id": tenantID}
	if err := c.bump(ctx, SubjectGenerationKey(subjectID), fields); err != nil {
		return err
	}
	if err := c.store.DeleteGrantSet(ctx, subjectID, tenantID); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"subject_id": subjectID,
			"tenant_id":  tenantID,
		}).WithError(err).Error("failed to invalidate grant set")
		return err
	}
	c.metrics.RecordInvalidation("assignment")
	c.logger.WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"tenant_id":  tenantID,
	}).Debug("grant set invalidated")
	return nil
}

// SubscriptionChanged overwrites the tenant snapshot; nil deletes it
func (c *Coordinator) SubscriptionChanged(ctx context.Context, tenantID string, snap *Snapshot) error {
	var err error
	if snap == nil {
		err = c.store.DeleteSnapshot(ctx, tenantID)
	} else {
		err = c.store.SetSnapshot(ctx, tenantID, snap, c.subscriptionTTL)
	}
	if err != nil {
		c.logger.WithField("tenant_id", tenantID).WithError(err).Error("failed to refresh subscription snapshot")
		return fmt.Errorf("failed to refresh subscription snapshot: %w", err)
	}
	c.metrics.RecordInvalidation("subscription")
	return nil
}

// SubjectLoggedOut purges every grant set of the subject
func (c *Coordinator) SubjectLoggedOut(ctx context.Context, subjectID string) error {
	fields := map[string]interface{}{"subject_id": subjectID}
	if err := c.bump(ctx, SubjectGenerationKey(subjectID), fields); err != nil {
		return err
	}
	return c.deletePattern(ctx, "logout", SubjectPattern(subjectID), fields)
}

// FlushPermissions purges every cached grant set
func (c *Coordinator) FlushPermissions(ctx context.Context) (int, error) {
	if err := c.bump(ctx, GlobalGenerationKey, nil); err != nil {
		return 0, err
	}
	n, err := c.store.DeletePattern(ctx, AllPermissionsPattern)
	if err != nil {
		c.logger.WithError(err).Error("failed to flush permission cache")
		return n, fmt.Errorf("failed to flush permission cache: %w", err)
	}
	c.metrics.RecordInvalidation("flush")
	c.logger.WithField("deleted", n).Info("permission cache flushed")
	return n, nil
}

// bump advances a generation counter before the matching grant sets are
// deleted, so a rebuild that read the old counter cannot write afterwards
func (c *Coordinator) bump(ctx context.Context, key string, fields map[string]interface{}) error {
	if err := c.store.BumpGeneration(ctx, key); err != nil {
		c.logger.WithFields(fields).WithField("generation", key).WithError(err).Error("failed to advance grant generation")
		return err
	}
	return nil
}

func (c *Coordinator) deletePattern(ctx context.Context, kind, pattern string, fields map[string]interface{}) error {
	n, err := c.store.DeletePattern(ctx, pattern)
	logger := c.logger.WithFields(fields).WithField("pattern", pattern)
	if err != nil {
		logger.WithError(err).Error("failed to invalidate grant sets")
		return fmt.Errorf("failed to invalidate %s: %w", pattern, err)
	}
	c.metrics.RecordInvalidation(kind)
	logger.WithField("deleted", n).Debug("grant sets invalidated")
	return nil
}
