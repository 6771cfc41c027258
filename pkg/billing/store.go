package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/entitlements"
)

// Store persists plans and subscriptions
type Store struct {
	db *sql.DB
}

// NewStore creates a Store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const planColumns = `id, slug, name, description, price_cents, billing_interval, trial_days, is_active, is_public`

func scanPlan(row interface{ Scan(...interface{}) error }) (Plan, error) {
	var p Plan
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Description, &p.PriceCents, &p.BillingInterval, &p.TrialDays, &p.Active, &p.Public)
	return p, err
}

// ListPlans lists active plans, optionally only the public ones
func (s *Store) ListPlans(ctx context.Context, publicOnly bool) ([]Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE is_active = TRUE`
	if publicOnly {
		query += ` AND is_public = TRUE`
	}
	query += ` ORDER BY price_cents, name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	var plans []Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range plans {
		if plans[i].Modules, plans[i].Limits, err = s.PlanEntitlements(ctx, plans[i].ID); err != nil {
			return nil, err
		}
	}
	return plans, nil
}

// GetPlan loads a plan with its modules and limits
func (s *Store) GetPlan(ctx context.Context, id string) (*Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.NotFound("plan", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	if p.Modules, p.Limits, err = s.PlanEntitlements(ctx, id); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePlan inserts a plan with its modules and limits
func (s *Store) CreatePlan(ctx context.Context, p *Plan) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.BillingInterval == "" {
		p.BillingInterval = IntervalMonthly
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans WHERE slug = $1`, p.Slug).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check plan slug: %w", err)
	}
	if exists > 0 {
		return authz.Conflict(fmt.Sprintf("plan %q already exists", p.Slug))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.Slug, p.Name, p.Description, p.PriceCents, string(p.BillingInterval), p.TrialDays, p.Active, p.Public)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}

	for _, module := range p.Modules {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plan_modules (plan_id, module_key) VALUES ($1, $2)`, p.ID, module,
		); err != nil {
			return fmt.Errorf("failed to add plan module %s: %w", module, err)
		}
	}
	for key, value := range p.Limits {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plan_limits (plan_id, limit_key, limit_value) VALUES ($1, $2, $3)`, p.ID, key, value,
		); err != nil {
			return fmt.Errorf("failed to add plan limit %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// PlanEntitlements returns the modules and limits of a plan
func (s *Store) PlanEntitlements(ctx context.Context, planID string) ([]string, map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT module_key FROM plan_modules WHERE plan_id = $1 ORDER BY module_key`, planID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load plan modules: %w", err)
	}
	modules := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan plan module: %w", err)
		}
		modules = append(modules, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT limit_key, limit_value FROM plan_limits WHERE plan_id = $1`, planID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load plan limits: %w", err)
	}
	defer rows.Close()
	limits := map[string]int{}
	for rows.Next() {
		var key string
		var value int
		if err := rows.Scan(&key, &value); err != nil {
			return nil, nil, fmt.Errorf("failed to scan plan limit: %w", err)
		}
		limits[key] = value
	}
	return modules, limits, rows.Err()
}

const subscriptionColumns = `org_id, plan_id, status, current_period_start, current_period_end,
	trial_ends_at, canceled_at, cancel_reason, updated_at`

func scanSubscription(row interface{ Scan(...interface{}) error }) (Subscription, error) {
	var sub Subscription
	var trialEnds, canceledAt sql.NullTime
	var reason sql.NullString
	err := row.Scan(&sub.TenantID, &sub.PlanID, &sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&trialEnds, &canceledAt, &reason, &sub.UpdatedAt)
	if err != nil {
		return Subscription{}, err
	}
	if trialEnds.Valid {
		sub.TrialEndsAt = &trialEnds.Time
	}
	if canceledAt.Valid {
		sub.CanceledAt = &canceledAt.Time
	}
	sub.CancelReason = reason.String
	return sub, nil
}

// GetSubscription loads the tenant's subscription
func (s *Store) GetSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE org_id = $1`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.NotFound("subscription", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// UpsertSubscription creates or replaces the tenant's subscription
func (s *Store) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (org_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			trial_ends_at = excluded.trial_ends_at,
			canceled_at = excluded.canceled_at,
			cancel_reason = excluded.cancel_reason,
			updated_at = excluded.updated_at
	`, sub.TenantID, sub.PlanID, string(sub.Status), sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		nullTime(sub.TrialEndsAt), nullTime(sub.CanceledAt), nullString(sub.CancelReason), sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// UpdateStatus changes the tenant's subscription status. Moving to canceled
// records the time and reason.
func (s *Store) UpdateStatus(ctx context.Context, tenantID string, status entitlements.SubscriptionStatus, reason string) error {
	now := time.Now().UTC()
	var canceledAt *time.Time
	if status == entitlements.StatusCanceled {
		canceledAt = &now
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $1,
			canceled_at = COALESCE($2, canceled_at),
			cancel_reason = COALESCE($3, cancel_reason),
			updated_at = $4
		WHERE org_id = $5
	`, string(status), nullTime(canceledAt), nullString(reason), now, tenantID)
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return authz.NotFound("subscription", tenantID)
	}
	return nil
}

// ListSubscriptions lists every tenant subscription
func (s *Store) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY org_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
