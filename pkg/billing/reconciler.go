package billing

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/caseguard/pkg/observability"
)

// Reconciler periodically rewrites every tenant snapshot from the database
type Reconciler struct {
	service  *Service
	schedule string
	logger   *observability.Logger
	cron     *cron.Cron
}

// NewReconciler creates a Reconciler for a cron schedule such as "@every 10m"
func NewReconciler(service *Service, schedule string, logger *observability.Logger) *Reconciler {
	return &Reconciler{
		service:  service,
		schedule: schedule,
		logger:   observability.Default(logger),
	}
}

// RunOnce rewrites every snapshot and returns how many were written
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	subs, err := r.service.store.ListSubscriptions(ctx)
	if err != nil {
		return 0, err
	}

	written := 0
	var failed int
	for i := range subs {
		sub := &subs[i]
		snap, err := r.service.BuildSnapshot(ctx, sub)
		if err == nil {
			err = r.service.snapshots.SubscriptionChanged(ctx, sub.TenantID, snap)
		}
		if err != nil {
			failed++
			r.logger.WithField("tenant_id", sub.TenantID).WithError(err).Warn("failed to reconcile snapshot")
			continue
		}
		written++
	}

	if failed > 0 {
		return written, fmt.Errorf("%d of %d snapshots failed to reconcile", failed, len(subs))
	}
	return written, nil
}

// Start schedules RunOnce. ctx bounds each run.
func (r *Reconciler) Start(ctx context.Context) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.schedule, func() {
		n, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.WithError(err).Error("snapshot reconciliation incomplete")
			return
		}
		r.logger.WithField("snapshots", n).Debug("snapshots reconciled")
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.schedule, err)
	}

	r.cron.Start()
	r.logger.WithField("schedule", r.schedule).Info("snapshot reconciler started")
	return nil
}

// Stop waits for a running reconciliation to finish
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}
