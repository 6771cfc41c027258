package billing

import (
	"time"

	"github.com/platinummonkey/caseguard/pkg/entitlements"
)

// BillingInterval is a plan's billing period
type BillingInterval string

const (
	IntervalMonthly   BillingInterval = "monthly"
	IntervalQuarterly BillingInterval = "quarterly"
	IntervalYearly    BillingInterval = "yearly"
)

// Valid reports whether the interval is known
func (i BillingInterval) Valid() bool {
	switch i {
	case IntervalMonthly, IntervalQuarterly, IntervalYearly:
		return true
	}
	return false
}

// PeriodEnd returns the end of a period that starts at start
func (i BillingInterval) PeriodEnd(start time.Time) time.Time {
	switch i {
	case IntervalYearly:
		return start.AddDate(1, 0, 0)
	case IntervalQuarterly:
		return start.AddDate(0, 3, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// Plan is a purchasable bundle of modules and limits
type Plan struct {
	ID              string          `json:"id"`
	Slug            string          `json:"slug"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	PriceCents      int64           `json:"priceCents"`
	BillingInterval BillingInterval `json:"billingInterval"`
	TrialDays       int             `json:"trialDays"`
	Active          bool            `json:"isActive"`
	Public          bool            `json:"isPublic"`
	Modules         []string        `json:"modules"`
	Limits          map[string]int  `json:"limits"`
}

// Subscription is a tenant's current plan and status
type Subscription struct {
	TenantID           string                          `json:"orgId"`
	PlanID             string                          `json:"planId"`
	Status             entitlements.SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time                       `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time                       `json:"currentPeriodEnd"`
	TrialEndsAt        *time.Time                      `json:"trialEndsAt,omitempty"`
	CanceledAt         *time.Time                      `json:"canceledAt,omitempty"`
	CancelReason       string                          `json:"cancelReason,omitempty"`
	UpdatedAt          time.Time                       `json:"updatedAt"`
	Plan               *Plan                           `json:"plan,omitempty"`
}
