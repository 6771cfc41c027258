package authz

import "time"

// Identity is the verified claim set of an access token. It is never
// mutated after verification.
type Identity struct {
	SubjectID   string    `json:"sub"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	UserType    string    `json:"userType"`
	TenantID    string    `json:"orgId,omitempty"`
	MFAVerified bool      `json:"mfaVerified"`
	IssuedAt    time.Time `json:"iat"`
	ExpiresAt   time.Time `json:"exp"`
}

// HasRole reports whether the identity's system role is one of roles
func (i *Identity) HasRole(roles ...string) bool {
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}

// Expired reports whether the token behind the identity has lapsed at now.
// A zero ExpiresAt never expires.
func (i *Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}
