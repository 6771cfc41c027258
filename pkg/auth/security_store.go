package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/caseguard/pkg/authz"
)

// SecurityStore reads and writes the per-user credential state kept in
// user_security
type SecurityStore struct {
	db *sql.DB
}

// NewSecurityStore creates a SecurityStore
func NewSecurityStore(db *sql.DB) *SecurityStore {
	return &SecurityStore{db: db}
}

// GetPrincipal loads the account data tokens are minted from
func (s *SecurityStore) GetPrincipal(ctx context.Context, subjectID string) (Principal, error) {
	query := `
		SELECT user_id, email, user_type, current_org_id
		FROM user_security
		WHERE user_id = $1
	`
	var p Principal
	var tenant sql.NullString
	err := s.db.QueryRowContext(ctx, query, subjectID).Scan(&p.SubjectID, &p.Email, &p.UserType, &tenant)
	if errors.Is(err, sql.ErrNoRows) {
		return Principal{}, authz.NotFound("user", subjectID)
	}
	if err != nil {
		return Principal{}, fmt.Errorf("failed to load principal: %w", err)
	}
	p.TenantID = tenant.String
	return p, nil
}

// SystemRole resolves the subject's system role from its user type
func (s *SecurityStore) SystemRole(ctx context.Context, subjectID string) (string, error) {
	p, err := s.GetPrincipal(ctx, subjectID)
	if err != nil {
		return "", err
	}
	return RoleForUserType(p.UserType), nil
}

// MFAEnabled reports whether the subject has TOTP enrolled
func (s *SecurityStore) MFAEnabled(ctx context.Context, subjectID string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx, `SELECT mfa_enabled FROM user_security WHERE user_id = $1`, subjectID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, authz.NotFound("user", subjectID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to load mfa status: %w", err)
	}
	return enabled, nil
}

// MFASecret returns the TOTP secret, or "" when MFA is not enabled
func (s *SecurityStore) MFASecret(ctx context.Context, subjectID string) (string, error) {
	var enabled bool
	var secret sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT mfa_enabled, mfa_secret FROM user_security WHERE user_id = $1`, subjectID,
	).Scan(&enabled, &secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", authz.NotFound("user", subjectID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load mfa secret: %w", err)
	}
	if !enabled {
		return "", nil
	}
	return secret.String, nil
}

// SetRefreshTokenHash stores the hash of the current refresh token. A nil
// hash revokes the refresh credential.
func (s *SecurityStore) SetRefreshTokenHash(ctx context.Context, subjectID string, hash *string) error {
	value := sql.NullString{}
	if hash != nil {
		value = sql.NullString{String: *hash, Valid: true}
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE user_security SET refresh_token_hash = $1, updated_at = $2 WHERE user_id = $3`,
		value, time.Now().UTC(), subjectID,
	)
	if err != nil {
		return fmt.Errorf("failed to store refresh token hash: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return authz.NotFound("user", subjectID)
	}
	return nil
}

// RotateRefreshTokenHash replaces the stored hash only while it still equals
// current. It reports false when another rotation or a logout got there first.
func (s *SecurityStore) RotateRefreshTokenHash(ctx context.Context, subjectID, current, next string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE user_security SET refresh_token_hash = $1, updated_at = $2 WHERE user_id = $3 AND refresh_token_hash = $4`,
		next, time.Now().UTC(), subjectID, current,
	)
	if err != nil {
		return false, fmt.Errorf("failed to rotate refresh token hash: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows == 1, nil
}
