package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one versioned schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns every schema migration in version order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create permission catalog tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS modules (
					key TEXT PRIMARY KEY,
					name TEXT NOT NULL
				);

				CREATE TABLE IF NOT EXISTS features (
					id TEXT PRIMARY KEY,
					module_key TEXT NOT NULL REFERENCES modules(key),
					key TEXT NOT NULL UNIQUE,
					name TEXT NOT NULL DEFAULT ''
				);

				CREATE TABLE IF NOT EXISTS actions (
					id TEXT PRIMARY KEY,
					key TEXT NOT NULL UNIQUE,
					name TEXT NOT NULL DEFAULT ''
				);

				CREATE TABLE IF NOT EXISTS feature_actions (
					feature_id TEXT NOT NULL REFERENCES features(id) ON DELETE CASCADE,
					action_id TEXT NOT NULL REFERENCES actions(id) ON DELETE CASCADE,
					PRIMARY KEY (feature_id, action_id)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create role tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id TEXT PRIMARY KEY,
					slug TEXT NOT NULL,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					org_id TEXT,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_roles_org_id ON roles(org_id);

				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					feature_id TEXT NOT NULL REFERENCES features(id),
					action_id TEXT NOT NULL REFERENCES actions(id),
					granted BOOLEAN NOT NULL DEFAULT FALSE,
					PRIMARY KEY (role_id, feature_id, action_id)
				);

				CREATE TABLE IF NOT EXISTS user_roles (
					user_id TEXT NOT NULL,
					role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					org_id TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (user_id, role_id, org_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_roles_org_id ON user_roles(org_id);
			`,
		},
		{
			Version:     3,
			Description: "Create plan and subscription tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS plans (
					id TEXT PRIMARY KEY,
					slug TEXT NOT NULL UNIQUE,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					price_cents BIGINT NOT NULL DEFAULT 0,
					billing_interval TEXT NOT NULL DEFAULT 'monthly',
					trial_days INTEGER NOT NULL DEFAULT 0,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_public BOOLEAN NOT NULL DEFAULT TRUE
				);

				CREATE TABLE IF NOT EXISTS plan_modules (
					plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
					module_key TEXT NOT NULL,
					PRIMARY KEY (plan_id, module_key)
				);

				CREATE TABLE IF NOT EXISTS plan_limits (
					plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
					limit_key TEXT NOT NULL,
					limit_value INTEGER NOT NULL,
					PRIMARY KEY (plan_id, limit_key)
				);

				CREATE TABLE IF NOT EXISTS subscriptions (
					org_id TEXT PRIMARY KEY,
					plan_id TEXT NOT NULL REFERENCES plans(id),
					status TEXT NOT NULL,
					current_period_start TIMESTAMP NOT NULL,
					current_period_end TIMESTAMP NOT NULL,
					trial_ends_at TIMESTAMP,
					canceled_at TIMESTAMP,
					cancel_reason TEXT,
					updated_at TIMESTAMP NOT NULL
				);
			`,
		},
		{
			Version:     4,
			Description: "Create credential and audit tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_security (
					user_id TEXT PRIMARY KEY,
					email TEXT NOT NULL UNIQUE,
					user_type TEXT NOT NULL,
					current_org_id TEXT,
					mfa_enabled BOOLEAN NOT NULL DEFAULT FALSE,
					mfa_secret TEXT,
					refresh_token_hash TEXT,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS audit_logs (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					org_id TEXT,
					module TEXT NOT NULL,
					action TEXT NOT NULL,
					entity_type TEXT,
					entity_id TEXT,
					old_data TEXT,
					new_data TEXT,
					metadata TEXT,
					ip_address TEXT,
					user_agent TEXT,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_audit_logs_org_id ON audit_logs(org_id, created_at);
			`,
		},
	}
}

// Migrate applies every pending migration. Each migration runs in its own
// transaction together with its schema_migrations row.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)`,
		m.Version, m.Description, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}

	return tx.Commit()
}
