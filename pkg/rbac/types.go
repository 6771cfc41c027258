package rbac

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is a system role (no tenant) or a tenant-scoped custom role
type Role struct {
	ID              string    `json:"id"`
	Slug            string    `json:"slug"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	TenantID        string    `json:"orgId,omitempty"`
	System          bool      `json:"isSystem"`
	CreatedAt       time.Time `json:"createdAt"`
	AssignmentCount int       `json:"userCount"`
}

// Grant is one cell of a role's feature × action matrix
type Grant struct {
	FeatureID  string `json:"featureId"`
	FeatureKey string `json:"feature"`
	ModuleKey  string `json:"module"`
	ActionID   string `json:"actionId"`
	ActionKey  string `json:"action"`
	Granted    bool   `json:"granted"`
}

// Key returns the permission key of the cell
func (g Grant) Key() string {
	return PermissionKey(g.FeatureKey, g.ActionKey)
}

// GrantRef identifies a feature × action pair
type GrantRef struct {
	FeatureID string
	ActionID  string
}

// Repository is the role-permission source of truth
type Repository interface {
	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, id string) (*Role, error)
	GetRolesByTenant(ctx context.Context, tenantID string) ([]Role, error)
	GetGrantMatrix(ctx context.Context, roleID string) ([]Grant, error)
	GetUserRoles(ctx context.Context, subjectID, tenantID string) ([]Role, error)
	SetGrants(ctx context.Context, roleID string, grants []GrantRef) error
	ResolveGrantRefs(ctx context.Context, keys []string) ([]GrantRef, error)
	AssignUserRole(ctx context.Context, subjectID, roleID, tenantID string) error
	RevokeUserRole(ctx context.Context, subjectID, roleID, tenantID string) error
	DeleteRole(ctx context.Context, roleID string) error
	ResolveGrantSet(ctx context.Context, subjectID, systemRole, tenantID string) ([]string, error)
}

// PermissionKey joins a feature and an action key
func PermissionKey(feature, action string) string {
	return feature + "." + action
}

// SplitPermissionKey splits a key at its last dot
func SplitPermissionKey(key string) (feature, action string, ok bool) {
	i := strings.LastIndex(key, ".")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

var whitespace = regexp.MustCompile(`\s+`)

// Slugify derives a role slug from its display name
func Slugify(name string) string {
	return whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
}

// Catalog rows get name-based ids so seeding the same catalog twice
// produces the same rows.
var idNamespace = uuid.MustParse("5b0f8c3e-7d7a-4c61-9f0e-6a3c2d1b9e40")

// FeatureID returns the stable id of a feature key
func FeatureID(key string) string {
	return uuid.NewSHA1(idNamespace, []byte("feature:"+key)).String()
}

// ActionID returns the stable id of an action key
func ActionID(key string) string {
	return uuid.NewSHA1(idNamespace, []byte("action:"+key)).String()
}

// SystemRoleID returns the stable id of a system role slug
func SystemRoleID(slug string) string {
	return uuid.NewSHA1(idNamespace, []byte("role:"+slug)).String()
}
