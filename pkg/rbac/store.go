package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/storage"
)

// SuperAdminSlug is the system role seeded with every grant
const SuperAdminSlug = "super_admin"

// Store handles role and grant persistence
type Store struct {
	db      *sql.DB
	dialect storage.Dialect
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB, dialect storage.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

const roleColumns = `r.id, r.slug, r.name, r.description, r.org_id, r.is_system, r.created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row rowScanner, extra ...interface{}) (Role, error) {
	var role Role
	var tenant sql.NullString
	dest := append([]interface{}{
		&role.ID, &role.Slug, &role.Name, &role.Description, &tenant, &role.System, &role.CreatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Role{}, err
	}
	role.TenantID = tenant.String
	return role, nil
}

// CreateRole inserts role and seeds its grant matrix in one transaction.
// ID and Slug are filled in when empty.
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	if role.Slug == "" {
		role.Slug = Slugify(role.Name)
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM roles WHERE slug = $1 AND COALESCE(org_id, '') = $2`,
		role.Slug, role.TenantID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check role slug: %w", err)
	}
	if exists > 0 {
		return authz.Conflict(fmt.Sprintf("role %q already exists", role.Slug))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO roles (id, slug, name, description, org_id, is_system, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, role.ID, role.Slug, role.Name, role.Description, nullString(role.TenantID), role.System, role.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}

	seed := role.System && role.Slug == SuperAdminSlug
	_, err = tx.ExecContext(ctx, `
		INSERT INTO role_permissions (role_id, feature_id, action_id, granted)
		SELECT CAST($1 AS TEXT), feature_id, action_id, CAST($2 AS BOOLEAN) FROM feature_actions
	`, role.ID, seed)
	if err != nil {
		return fmt.Errorf("failed to seed role permissions: %w", err)
	}

	return tx.Commit()
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, id string) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.id = $1`, id)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.NotFound("role", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return &role, nil
}

// GetRolesByTenant lists the tenant's custom roles and every system role,
// system roles first
func (s *Store) GetRolesByTenant(ctx context.Context, tenantID string) ([]Role, error) {
	query := `
		SELECT ` + roleColumns + `,
			(SELECT COUNT(*) FROM user_roles ur WHERE ur.role_id = r.id AND ur.org_id = $1)
		FROM roles r
		WHERE r.org_id = $1 OR (r.org_id IS NULL AND r.is_system = TRUE)
		ORDER BY r.is_system DESC, r.name
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var count int
		role, err := scanRole(rows, &count)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		role.AssignmentCount = count
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetGrantMatrix returns every feature × action cell for the role
func (s *Store) GetGrantMatrix(ctx context.Context, roleID string) ([]Grant, error) {
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return nil, err
	}

	query := `
		SELECT f.id, f.key, f.module_key, a.id, a.key, COALESCE(rp.granted, FALSE)
		FROM feature_actions fa
		JOIN features f ON f.id = fa.feature_id
		JOIN actions a ON a.id = fa.action_id
		LEFT JOIN role_permissions rp
			ON rp.role_id = $1 AND rp.feature_id = fa.feature_id AND rp.action_id = fa.action_id
		ORDER BY f.key, a.key
	`
	rows, err := s.db.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get grant matrix: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.FeatureID, &g.FeatureKey, &g.ModuleKey, &g.ActionID, &g.ActionKey, &g.Granted); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// GetUserRoles lists the roles assigned to subject in tenant
func (s *Store) GetUserRoles(ctx context.Context, subjectID, tenantID string) ([]Role, error) {
	query := `
		SELECT ` + roleColumns + `
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND ur.org_id = $2
		ORDER BY r.name
	`
	rows, err := s.db.QueryContext(ctx, query, subjectID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// SetGrants replaces the role's granted cells with grants. The role row is
// locked for the duration so concurrent grant edits serialize.
func (s *Store) SetGrants(ctx context.Context, roleID string, grants []GrantRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM roles WHERE id = $1`+s.dialect.ForUpdate(), roleID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.NotFound("role", roleID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock role: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE role_permissions SET granted = FALSE WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to clear grants: %w", err)
	}

	if len(grants) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO role_permissions (role_id, feature_id, action_id, granted)
			VALUES ($1, $2, $3, TRUE)
			ON CONFLICT (role_id, feature_id, action_id) DO UPDATE SET granted = TRUE
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare grant: %w", err)
		}
		defer stmt.Close()

		for _, g := range grants {
			if _, err := stmt.ExecContext(ctx, roleID, g.FeatureID, g.ActionID); err != nil {
				return fmt.Errorf("failed to grant permission: %w", err)
			}
		}
	}

	return tx.Commit()
}

// ResolveGrantRefs maps permission keys to feature × action ids. A key that
// is not in the matrix is reported as NotFound.
func (s *Store) ResolveGrantRefs(ctx context.Context, keys []string) ([]GrantRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.key, a.key, f.id, a.id
		FROM feature_actions fa
		JOIN features f ON f.id = fa.feature_id
		JOIN actions a ON a.id = fa.action_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load permission matrix: %w", err)
	}
	defer rows.Close()

	known := make(map[string]GrantRef)
	for rows.Next() {
		var feature, action string
		var ref GrantRef
		if err := rows.Scan(&feature, &action, &ref.FeatureID, &ref.ActionID); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		known[PermissionKey(feature, action)] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	refs := make([]GrantRef, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		ref, ok := known[key]
		if !ok {
			return nil, authz.NotFound("permission", key)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// AssignUserRole assigns a role to subject in tenant; re-assigning is a no-op
func (s *Store) AssignUserRole(ctx context.Context, subjectID, roleID, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role_id, org_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, role_id, org_id) DO NOTHING
	`, subjectID, roleID, tenantID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RevokeUserRole removes an assignment
func (s *Store) RevokeUserRole(ctx context.Context, subjectID, roleID, tenantID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2 AND org_id = $3`,
		subjectID, roleID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return authz.NotFound("role assignment", "")
	}
	return nil
}

// DeleteRole deletes a role with its grants and assignments
func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to delete role permissions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to delete role assignments: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return authz.NotFound("role", roleID)
	}

	return tx.Commit()
}

// ResolveGrantSet returns the permission keys subject effectively holds in
// tenant: the union over its assigned roles plus the system role named by
// its claim. An empty tenant resolves the system role alone.
func (s *Store) ResolveGrantSet(ctx context.Context, subjectID, systemRole, tenantID string) ([]string, error) {
	query := `
		SELECT DISTINCT f.key, a.key
		FROM role_permissions rp
		JOIN roles r ON r.id = rp.role_id
		JOIN features f ON f.id = rp.feature_id
		JOIN actions a ON a.id = rp.action_id
		WHERE rp.granted = TRUE AND (
			(r.is_system = TRUE AND r.org_id IS NULL AND r.slug = $1)`
	args := []interface{}{systemRole}
	if tenantID != "" {
		query += `
			OR r.id IN (SELECT ur.role_id FROM user_roles ur WHERE ur.user_id = $2 AND ur.org_id = $3)`
		args = append(args, subjectID, tenantID)
	}
	query += `
		)
		ORDER BY f.key, a.key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve grant set: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var feature, action string
		if err := rows.Scan(&feature, &action); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		keys = append(keys, PermissionKey(feature, action))
	}
	return keys, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: strings.TrimSpace(s) != ""}
}
