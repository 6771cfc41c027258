// Package contextkeys provides centralized context key definitions
//
// All request-scoped values shared between middleware and handlers are keyed
// here so that producers and consumers agree on a single key and type.
//
//	ctx = contextkeys.WithIdentity(ctx, identity)
//	identity, _ := ctx.Value(contextkeys.IdentityKey).(*auth.Identity)
package contextkeys

import (
	"context"
	"time"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains *auth.Identity
	// Set by: middleware.Authenticate
	// Required by: middleware.Authorize, every protected handler
	IdentityKey Key = "identity"

	// TenantKey contains the tenant resolved by the authorization engine (string)
	// Set by: middleware.Authorize after an allow decision
	// Used by: handlers scoping reads and writes to the active tenant
	TenantKey Key = "tenant_id"

	// RequirementKey contains the authz.Requirement of the matched operation
	// Set by: middleware.Authorize
	// Used by: audit middleware to decide whether to emit an event
	RequirementKey Key = "requirement"

	// RequestIDKey contains the request id (UUID string)
	// Set by: middleware.RequestID
	RequestIDKey Key = "request_id"

	// RequestStartTimeKey contains the time the request entered the stack
	// Set by: middleware.RequestID
	RequestStartTimeKey Key = "request_start_time"
)

// WithIdentity adds the authenticated identity to the context
func WithIdentity(ctx context.Context, identity interface{}) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// WithTenant adds the resolved tenant id to the context
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantKey, tenantID)
}

// WithRequirement adds the operation requirement to the context
func WithRequirement(ctx context.Context, requirement interface{}) context.Context {
	return context.WithValue(ctx, RequirementKey, requirement)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithRequestStartTime adds request start time to the context
func WithRequestStartTime(ctx context.Context, start time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, start)
}

// GetTenant retrieves the resolved tenant id from context
func GetTenant(ctx context.Context) string {
	if tenantID, ok := ctx.Value(TenantKey).(string); ok {
		return tenantID
	}
	return ""
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetRequestStartTime retrieves the request start time, zero if unset
func GetRequestStartTime(ctx context.Context) time.Time {
	if start, ok := ctx.Value(RequestStartTimeKey).(time.Time); ok {
		return start
	}
	return time.Time{}
}
