package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/platinummonkey/caseguard/pkg/audit"
	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

// CredentialStore is the subset of SecurityStore the session service needs
type CredentialStore interface {
	GetPrincipal(ctx context.Context, subjectID string) (Principal, error)
	MFASecret(ctx context.Context, subjectID string) (string, error)
	SetRefreshTokenHash(ctx context.Context, subjectID string, hash *string) error
	RotateRefreshTokenHash(ctx context.Context, subjectID, current, next string) (bool, error)
}

// SessionInvalidator purges cached grants when a session ends
type SessionInvalidator interface {
	SubjectLoggedOut(ctx context.Context, subjectID string) error
}

// SessionService implements the session lifecycle: issue, refresh with
// rotation, MFA upgrade and logout
type SessionService struct {
	tokens      *TokenManager
	store       CredentialStore
	mfa         *MFAVerifier
	invalidator SessionInvalidator
	audit       audit.Emitter
	logger      *observability.Logger
}

// NewSessionService creates a SessionService
func NewSessionService(tokens *TokenManager, store CredentialStore, mfa *MFAVerifier, invalidator SessionInvalidator, emitter audit.Emitter, logger *observability.Logger) *SessionService {
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	if mfa == nil {
		mfa = NewMFAVerifier()
	}
	return &SessionService{
		tokens:      tokens,
		store:       store,
		mfa:         mfa,
		invalidator: invalidator,
		audit:       emitter,
		logger:      observability.Default(logger),
	}
}

// HashToken returns the hex sha256 of a raw token
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Issue mints a token pair for subject and records its refresh hash
func (s *SessionService) Issue(ctx context.Context, subjectID string, mfaVerified bool) (TokenPair, error) {
	principal, err := s.store.GetPrincipal(ctx, subjectID)
	if err != nil {
		return TokenPair{}, err
	}

	pair, err := s.tokens.IssuePair(principal, mfaVerified)
	if err != nil {
		return TokenPair{}, err
	}

	hash := HashToken(pair.RefreshToken)
	if err := s.store.SetRefreshTokenHash(ctx, subjectID, &hash); err != nil {
		return TokenPair{}, fmt.Errorf("failed to record refresh token: %w", err)
	}
	return pair, nil
}

// Refresh exchanges a valid, current refresh token for a new pair. The old
// refresh token stops working; of two refreshes racing on the same token
// only one succeeds.
func (s *SessionService) Refresh(ctx context.Context, rawRefresh string) (TokenPair, error) {
	identity, err := s.tokens.VerifyRefresh(rawRefresh)
	if err != nil {
		return TokenPair{}, err
	}

	principal, err := s.store.GetPrincipal(ctx, identity.SubjectID)
	if err != nil {
		if authz.IsNotFound(err) {
			return TokenPair{}, authz.ErrUnauthenticated
		}
		return TokenPair{}, err
	}

	pair, err := s.tokens.IssuePair(principal, identity.MFAVerified)
	if err != nil {
		return TokenPair{}, err
	}

	rotated, err := s.store.RotateRefreshTokenHash(ctx, identity.SubjectID, HashToken(rawRefresh), HashToken(pair.RefreshToken))
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to record refresh token: %w", err)
	}
	if !rotated {
		s.logger.WithField("subject_id", identity.SubjectID).Debug("refresh token not current")
		return TokenPair{}, authz.ErrUnauthenticated
	}

	s.audit.LogEvent(ctx, audit.Event{
		SubjectID: identity.SubjectID,
		TenantID:  identity.TenantID,
		Module:    "auth",
		Action:    "token_refresh",
	})
	return pair, nil
}

// VerifyMFA checks a TOTP code and upgrades the session to mfaVerified
func (s *SessionService) VerifyMFA(ctx context.Context, identity *Identity, code string) (TokenPair, error) {
	if identity == nil {
		return TokenPair{}, authz.ErrUnauthenticated
	}

	secret, err := s.store.MFASecret(ctx, identity.SubjectID)
	if err != nil {
		return TokenPair{}, err
	}
	if secret == "" {
		return TokenPair{}, authz.Forbidden("MFA is not enabled for this account")
	}
	if !s.mfa.Validate(secret, code) {
		s.logger.WithField("subject_id", identity.SubjectID).Debug("invalid mfa code")
		return TokenPair{}, authz.ErrUnauthenticated
	}

	pair, err := s.Issue(ctx, identity.SubjectID, true)
	if err != nil {
		return TokenPair{}, err
	}

	s.audit.LogEvent(ctx, audit.Event{
		SubjectID: identity.SubjectID,
		TenantID:  identity.TenantID,
		Module:    "auth",
		Action:    "mfa_verified",
	})
	return pair, nil
}

// Logout revokes the refresh credential and purges every cached grant set
// of the subject
func (s *SessionService) Logout(ctx context.Context, subjectID string) error {
	if err := s.store.SetRefreshTokenHash(ctx, subjectID, nil); err != nil {
		return err
	}
	if s.invalidator != nil {
		if err := s.invalidator.SubjectLoggedOut(ctx, subjectID); err != nil {
			return fmt.Errorf("failed to invalidate cached grants: %w", err)
		}
	}

	s.audit.LogEvent(ctx, audit.Event{
		SubjectID: subjectID,
		Module:    "auth",
		Action:    "logout",
	})
	return nil
}
