package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

// TokenConfig holds the two independent secret+TTL pairs
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// TokenPair is returned on login, refresh and MFA verification
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// TokenManager signs and verifies access and refresh tokens
type TokenManager struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	logger        *observability.Logger
	now           func() time.Time
}

// NewTokenManager validates cfg and creates a TokenManager
func NewTokenManager(cfg TokenConfig, logger *observability.Logger) (*TokenManager, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("access and refresh secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}

	return &TokenManager{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		logger:        observability.Default(logger),
		now:           time.Now,
	}, nil
}

// IssuePair mints an access and a refresh token for principal
func (m *TokenManager) IssuePair(principal Principal, mfaVerified bool) (TokenPair, error) {
	access, err := m.sign(principal, mfaVerified, TokenTypeAccess, m.accessTTL, m.accessSecret)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.sign(principal, mfaVerified, TokenTypeRefresh, m.refreshTTL, m.refreshSecret)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(m.accessTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}

func (m *TokenManager) sign(principal Principal, mfaVerified bool, typ TokenType, ttl time.Duration, secret []byte) (string, error) {
	now := m.now()
	claims := &Claims{
		Email:       principal.Email,
		Role:        RoleForUserType(principal.UserType),
		UserType:    principal.UserType,
		TenantID:    principal.TenantID,
		MFAVerified: mfaVerified,
		Type:        typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   principal.SubjectID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", typ, err)
	}
	return signed, nil
}

// VerifyAccess validates an access token and returns its identity
func (m *TokenManager) VerifyAccess(raw string) (*Identity, error) {
	claims, err := m.verify(raw, TokenTypeAccess, m.accessSecret)
	if err != nil {
		return nil, err
	}
	return claims.Identity(), nil
}

// VerifyRefresh validates a refresh token and returns its identity
func (m *TokenManager) VerifyRefresh(raw string) (*Identity, error) {
	claims, err := m.verify(raw, TokenTypeRefresh, m.refreshSecret)
	if err != nil {
		return nil, err
	}
	return claims.Identity(), nil
}

func (m *TokenManager) verify(raw string, want TokenType, secret []byte) (*Claims, error) {
	if raw == "" {
		return nil, authz.ErrUnauthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, opts...)
	if err != nil {
		m.logger.WithField("token_type", string(want)).WithError(err).Debug("token rejected")
		return nil, authz.ErrUnauthenticated
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		m.logger.WithField("token_type", string(want)).Debug("token rejected: invalid claims")
		return nil, authz.ErrUnauthenticated
	}
	if claims.Type != want {
		m.logger.WithFields(map[string]interface{}{
			"expected": string(want),
			"actual":   string(claims.Type),
		}).Debug("token rejected: wrong type")
		return nil, authz.ErrUnauthenticated
	}

	return claims, nil
}
