package entitlements

import (
	"fmt"
	"time"
)

// SubscriptionStatus is the lifecycle state of a tenant subscription
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusUnpaid   SubscriptionStatus = "unpaid"
	StatusPaused   SubscriptionStatus = "paused"
)

// Valid reports whether s is a known status
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled, StatusUnpaid, StatusPaused:
		return true
	}
	return false
}

// Unlimited marks a plan limit with no ceiling
const Unlimited = -1

// Snapshot is the cached entitlement state of one tenant
type Snapshot struct {
	Status    SubscriptionStatus `json:"status"`
	PlanSlug  string             `json:"planSlug,omitempty"`
	Modules   []string           `json:"modules"`
	Limits    map[string]int     `json:"limits,omitempty"`
	ExpiresAt *time.Time         `json:"expiresAt,omitempty"`
}

// Active is true for active and trialing subscriptions
func (s *Snapshot) Active() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing
}

// HasModule reports whether the plan enables module key
func (s *Snapshot) HasModule(key string) bool {
	for _, m := range s.Modules {
		if m == key {
			return true
		}
	}
	return false
}

// Limit returns the numeric limit for key and whether the plan defines one
func (s *Snapshot) Limit(key string) (int, bool) {
	if s.Limits == nil {
		return 0, false
	}
	v, ok := s.Limits[key]
	return v, ok
}

const (
	subscriptionPrefix = "subscription:"
	permissionsPrefix  = "permissions:"

	// SystemTenant replaces the tenant segment of a grant set key when a
	// request carries no tenant context.
	SystemTenant = "system"

	// AllPermissionsPattern matches every cached grant set
	AllPermissionsPattern = permissionsPrefix + "*"
)

// SubscriptionKey returns subscription:<tenant>
func SubscriptionKey(tenantID string) string {
	return subscriptionPrefix + tenantID
}

// TenantKey maps an empty tenant to SystemTenant
func TenantKey(tenantID string) string {
	if tenantID == "" {
		return SystemTenant
	}
	return tenantID
}

// PermissionsKey returns permissions:<subject>:<tenant|system>
func PermissionsKey(subjectID, tenantID string) string {
	return fmt.Sprintf("%s%s:%s", permissionsPrefix, subjectID, TenantKey(tenantID))
}

// SubjectPattern matches every grant set of one subject
func SubjectPattern(subjectID string) string {
	return fmt.Sprintf("%s%s:*", permissionsPrefix, subjectID)
}

// TenantPattern matches every grant set cached for one tenant
func TenantPattern(tenantID string) string {
	return fmt.Sprintf("%s*:%s", permissionsPrefix, TenantKey(tenantID))
}
