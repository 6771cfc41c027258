package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/caseguard/pkg/billing"
	"github.com/platinummonkey/caseguard/pkg/rbac"
)

// Summary counts what Apply wrote
type Summary struct {
	Modules  int
	Features int
	Actions  int
	Roles    int
	Grants   int
	Plans    int
}

// Apply upserts the catalog in one transaction
func Apply(ctx context.Context, db *sql.DB, c *Catalog) (Summary, error) {
	var s Summary

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return s, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range c.Actions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO actions (id, key, name) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name
		`, rbac.ActionID(a.Key), a.Key, a.Name); err != nil {
			return s, fmt.Errorf("failed to upsert action %s: %w", a.Key, err)
		}
		s.Actions++
	}

	for _, m := range c.Modules {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO modules (key, name) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET name = excluded.name
		`, m.Key, m.Name); err != nil {
			return s, fmt.Errorf("failed to upsert module %s: %w", m.Key, err)
		}
		s.Modules++

		for _, f := range m.Features {
			featureID := rbac.FeatureID(f.Key)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO features (id, module_key, key, name) VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE SET module_key = excluded.module_key, name = excluded.name
			`, featureID, m.Key, f.Key, f.Name); err != nil {
				return s, fmt.Errorf("failed to upsert feature %s: %w", f.Key, err)
			}
			s.Features++

			for _, a := range f.Actions {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO feature_actions (feature_id, action_id) VALUES ($1, $2)
					ON CONFLICT DO NOTHING
				`, featureID, rbac.ActionID(a)); err != nil {
					return s, fmt.Errorf("failed to link %s.%s: %w", f.Key, a, err)
				}
			}
		}
	}

	now := time.Now().UTC()
	for _, r := range c.Roles {
		n, err := applyRole(ctx, tx, r, now)
		if err != nil {
			return s, err
		}
		s.Roles++
		s.Grants += n
	}

	for _, p := range c.Plans {
		if err := applyPlan(ctx, tx, p); err != nil {
			return s, err
		}
		s.Plans++
	}

	if err := tx.Commit(); err != nil {
		return s, fmt.Errorf("failed to commit catalog: %w", err)
	}
	return s, nil
}

// applyRole upserts a system role, gives it a grant row for every
// feature-action pair and turns on its seed grants
func applyRole(ctx context.Context, tx *sql.Tx, r Role, now time.Time) (int, error) {
	roleID := rbac.SystemRoleID(r.Slug)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO roles (id, slug, name, description, org_id, is_system, created_at)
		VALUES ($1, $2, $3, $4, NULL, TRUE, $5)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, description = excluded.description
	`, roleID, r.Slug, r.Name, r.Description, now); err != nil {
		return 0, fmt.Errorf("failed to upsert role %s: %w", r.Slug, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO role_permissions (role_id, feature_id, action_id, granted)
		SELECT CAST($1 AS TEXT), feature_id, action_id, FALSE FROM feature_actions WHERE 1 = 1
		ON CONFLICT (role_id, feature_id, action_id) DO NOTHING
	`, roleID); err != nil {
		return 0, fmt.Errorf("failed to seed grant rows for %s: %w", r.Slug, err)
	}

	all := false
	for _, g := range r.Grants {
		if g == AllGrants {
			all = true
		}
	}
	if all {
		result, err := tx.ExecContext(ctx, `UPDATE role_permissions SET granted = TRUE WHERE role_id = $1`, roleID)
		if err != nil {
			return 0, fmt.Errorf("failed to grant all to %s: %w", r.Slug, err)
		}
		n, _ := result.RowsAffected()
		return int(n), nil
	}

	grants := 0
	for _, g := range r.Grants {
		feature, action, ok := rbac.SplitPermissionKey(g)
		if !ok {
			return 0, fmt.Errorf("role %s: invalid permission %q", r.Slug, g)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE role_permissions SET granted = TRUE
			WHERE role_id = $1 AND feature_id = $2 AND action_id = $3
		`, roleID, rbac.FeatureID(feature), rbac.ActionID(action)); err != nil {
			return 0, fmt.Errorf("failed to grant %s to %s: %w", g, r.Slug, err)
		}
		grants++
	}
	return grants, nil
}

// applyPlan upserts a plan by slug and replaces its modules and limits
func applyPlan(ctx context.Context, tx *sql.Tx, p Plan) error {
	planID := PlanID(p.Slug)
	var existing string
	err := tx.QueryRowContext(ctx, `SELECT id FROM plans WHERE slug = $1`, p.Slug).Scan(&existing)
	switch {
	case err == nil:
		planID = existing
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to look up plan %s: %w", p.Slug, err)
	}

	interval := billing.BillingInterval(p.BillingInterval)
	if interval == "" {
		interval = billing.IntervalMonthly
	}
	public := true
	if p.Public != nil {
		public = *p.Public
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plans (id, slug, name, description, price_cents, billing_interval, trial_days, is_active, is_public)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			price_cents = excluded.price_cents,
			billing_interval = excluded.billing_interval,
			trial_days = excluded.trial_days,
			is_active = excluded.is_active,
			is_public = excluded.is_public
	`, planID, p.Slug, p.Name, p.Description, p.PriceCents, string(interval), p.TrialDays, public); err != nil {
		return fmt.Errorf("failed to upsert plan %s: %w", p.Slug, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_modules WHERE plan_id = $1`, planID); err != nil {
		return fmt.Errorf("failed to reset plan modules: %w", err)
	}
	for _, m := range p.Modules {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plan_modules (plan_id, module_key) VALUES ($1, $2)`, planID, m,
		); err != nil {
			return fmt.Errorf("failed to add module %s to plan %s: %w", m, p.Slug, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_limits WHERE plan_id = $1`, planID); err != nil {
		return fmt.Errorf("failed to reset plan limits: %w", err)
	}
	keys := make([]string, 0, len(p.Limits))
	for k := range p.Limits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plan_limits (plan_id, limit_key, limit_value) VALUES ($1, $2, $3)`, planID, k, p.Limits[k],
		); err != nil {
			return fmt.Errorf("failed to add limit %s to plan %s: %w", k, p.Slug, err)
		}
	}
	return nil
}
