package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/caseguard/pkg/audit"
	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/entitlements"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

const auditModule = "subscription"

var (
	// ErrInvalidPlan is returned for a plan missing required fields
	ErrInvalidPlan = errors.New("invalid plan")
	// ErrInvalidStatus is returned for an unknown subscription status
	ErrInvalidStatus = errors.New("invalid subscription status")
)

// SnapshotWriter overwrites (or, with nil, deletes) a tenant's cached
// entitlement snapshot
type SnapshotWriter interface {
	SubscriptionChanged(ctx context.Context, tenantID string, snap *entitlements.Snapshot) error
}

// Service applies subscription changes and keeps snapshots current
type Service struct {
	store     *Store
	snapshots SnapshotWriter
	audit     audit.Emitter
	logger    *observability.Logger
	now       func() time.Time
}

// NewService creates a Service
func NewService(store *Store, snapshots SnapshotWriter, emitter audit.Emitter, logger *observability.Logger) *Service {
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	return &Service{
		store:     store,
		snapshots: snapshots,
		audit:     emitter,
		logger:    observability.Default(logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Plans lists the plans open for subscription
func (s *Service) Plans(ctx context.Context) ([]Plan, error) {
	return s.store.ListPlans(ctx, true)
}

// CreatePlan adds a plan
func (s *Service) CreatePlan(ctx context.Context, actor *authz.Identity, plan *Plan) (*Plan, error) {
	if plan.Slug == "" || plan.Name == "" {
		return nil, fmt.Errorf("%w: slug and name are required", ErrInvalidPlan)
	}
	if plan.BillingInterval != "" && !plan.BillingInterval.Valid() {
		return nil, fmt.Errorf("%w: unknown billing interval %q", ErrInvalidPlan, plan.BillingInterval)
	}
	if err := s.store.CreatePlan(ctx, plan); err != nil {
		return nil, err
	}

	s.emit(ctx, actor, "", audit.Event{
		Action:     "create_plan",
		EntityType: "plan",
		EntityID:   plan.ID,
		NewData:    map[string]interface{}{"slug": plan.Slug, "modules": plan.Modules, "limits": plan.Limits},
	})
	return plan, nil
}

// Current returns the tenant's subscription with its plan
func (s *Service) Current(ctx context.Context, tenantID string) (*Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	plan, err := s.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	sub.Plan = plan
	return sub, nil
}

// Subscribe puts tenant on planID, starting a trial when the plan has one
func (s *Service) Subscribe(ctx context.Context, actor *authz.Identity, tenantID, planID string) (*Subscription, error) {
	if tenantID == "" {
		return nil, authz.Forbidden("organization context required")
	}
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, authz.NotFound("plan", planID)
	}

	var previous *Subscription
	if existing, err := s.store.GetSubscription(ctx, tenantID); err == nil {
		previous = existing
	} else if !authz.IsNotFound(err) {
		return nil, err
	}

	now := s.now()
	sub := &Subscription{
		TenantID:           tenantID,
		PlanID:             plan.ID,
		Status:             entitlements.StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   plan.BillingInterval.PeriodEnd(now),
		UpdatedAt:          now,
		Plan:               plan,
	}
	if plan.TrialDays > 0 {
		trialEnds := now.AddDate(0, 0, plan.TrialDays)
		sub.Status = entitlements.StatusTrialing
		sub.TrialEndsAt = &trialEnds
	}

	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return nil, err
	}
	if err := s.snapshots.SubscriptionChanged(ctx, tenantID, snapshotOf(sub, plan)); err != nil {
		return nil, fmt.Errorf("subscription saved but snapshot refresh failed: %w", err)
	}

	event := audit.Event{
		Action:     "subscribe",
		EntityType: "subscription",
		EntityID:   tenantID,
		NewData:    map[string]interface{}{"planId": plan.ID, "planSlug": plan.Slug, "status": sub.Status},
	}
	if previous != nil {
		event.OldData = map[string]interface{}{"planId": previous.PlanID, "status": previous.Status}
	}
	s.emit(ctx, actor, tenantID, event)

	s.logger.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"plan":      plan.Slug,
		"status":    sub.Status,
	}).Info("subscription updated")
	return sub, nil
}

// Cancel cancels the tenant's subscription. Access ends immediately.
func (s *Service) Cancel(ctx context.Context, actor *authz.Identity, tenantID, reason string) error {
	sub, err := s.store.GetSubscription(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateStatus(ctx, tenantID, entitlements.StatusCanceled, reason); err != nil {
		return err
	}
	if err := s.writeSnapshot(ctx, sub, entitlements.StatusCanceled); err != nil {
		return err
	}

	s.emit(ctx, actor, tenantID, audit.Event{
		Action:     "cancel",
		EntityType: "subscription",
		EntityID:   tenantID,
		OldData:    map[string]interface{}{"status": sub.Status},
		NewData:    map[string]interface{}{"status": entitlements.StatusCanceled, "reason": reason},
	})
	return nil
}

// UpdateStatus records a status change reported by the payment provider
func (s *Service) UpdateStatus(ctx context.Context, tenantID string, status entitlements.SubscriptionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	sub, err := s.store.GetSubscription(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateStatus(ctx, tenantID, status, ""); err != nil {
		return err
	}
	if err := s.writeSnapshot(ctx, sub, status); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"from":      sub.Status,
		"to":        status,
	}).Info("subscription status changed")
	return nil
}

// BuildSnapshot derives the cached entitlement state of sub
func (s *Service) BuildSnapshot(ctx context.Context, sub *Subscription) (*entitlements.Snapshot, error) {
	plan := sub.Plan
	if plan == nil {
		var err error
		if plan, err = s.store.GetPlan(ctx, sub.PlanID); err != nil {
			return nil, err
		}
	}
	return snapshotOf(sub, plan), nil
}

func (s *Service) writeSnapshot(ctx context.Context, sub *Subscription, status entitlements.SubscriptionStatus) error {
	sub.Status = status
	snap, err := s.BuildSnapshot(ctx, sub)
	if err != nil {
		return fmt.Errorf("failed to build snapshot: %w", err)
	}
	if err := s.snapshots.SubscriptionChanged(ctx, sub.TenantID, snap); err != nil {
		return fmt.Errorf("subscription saved but snapshot refresh failed: %w", err)
	}
	return nil
}

func snapshotOf(sub *Subscription, plan *Plan) *entitlements.Snapshot {
	expires := sub.CurrentPeriodEnd
	modules := plan.Modules
	if modules == nil {
		modules = []string{}
	}
	return &entitlements.Snapshot{
		Status:    sub.Status,
		PlanSlug:  plan.Slug,
		Modules:   modules,
		Limits:    plan.Limits,
		ExpiresAt: &expires,
	}
}

func (s *Service) emit(ctx context.Context, actor *authz.Identity, tenantID string, event audit.Event) {
	event.Module = auditModule
	event.TenantID = tenantID
	if actor != nil {
		event.SubjectID = actor.SubjectID
	}
	s.audit.LogEvent(ctx, event)
}
