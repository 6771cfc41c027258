package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/caseguard/pkg/authz"
)

// Identity is the verified claim set handed to the authorization engine
type Identity = authz.Identity

// TokenType distinguishes access from refresh tokens
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// System roles
const (
	RoleSuperAdmin = "super_admin"
	RoleOrgOwner   = "org_owner"
	RoleOrgAdmin   = "org_admin"
	RoleOrgMember  = "org_member"
	RoleClient     = "client"
	RoleAdvocate   = "advocate"
	RoleDetective  = "detective"
)

// SystemRoles lists every platform role
var SystemRoles = []string{
	RoleSuperAdmin, RoleOrgOwner, RoleOrgAdmin, RoleOrgMember, RoleClient, RoleAdvocate, RoleDetective,
}

// IsSystemRole reports whether slug is a platform role
func IsSystemRole(slug string) bool {
	for _, r := range SystemRoles {
		if r == slug {
			return true
		}
	}
	return false
}

// RoleForUserType maps a user type to the system role placed in its tokens
func RoleForUserType(userType string) string {
	if userType == RoleSuperAdmin {
		return RoleSuperAdmin
	}
	return userType
}

// Claims is the JWT payload of both token types
type Claims struct {
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	UserType    string    `json:"userType"`
	TenantID    string    `json:"orgId,omitempty"`
	MFAVerified bool      `json:"mfaVerified"`
	Type        TokenType `json:"typ"`
	jwt.RegisteredClaims
}

// Identity converts verified claims to an Identity
func (c *Claims) Identity() *Identity {
	identity := &Identity{
		SubjectID:   c.Subject,
		Email:       c.Email,
		Role:        c.Role,
		UserType:    c.UserType,
		TenantID:    c.TenantID,
		MFAVerified: c.MFAVerified,
	}
	if c.IssuedAt != nil {
		identity.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		identity.ExpiresAt = c.ExpiresAt.Time
	}
	return identity
}

// Principal is the account data tokens are minted from
type Principal struct {
	SubjectID string
	Email     string
	UserType  string
	TenantID  string
}
