package authz

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthenticated is returned for a missing or invalid credential.
// It never carries detail about which part of the credential failed.
var ErrUnauthenticated = errors.New("unauthorized")

// ForbiddenError is an authenticated but disallowed request
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return e.Reason
}

// Forbidden builds a ForbiddenError with a client-facing reason
func Forbidden(reason string) error {
	return &ForbiddenError{Reason: reason}
}

// NotFoundError reports a referenced resource that does not exist
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// NotFound builds a NotFoundError
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ConflictError reports a duplicate unique key
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// Conflict builds a ConflictError
func Conflict(message string) error {
	return &ConflictError{Message: message}
}

// IsForbidden reports whether err wraps a ForbiddenError
func IsForbidden(err error) bool {
	var fe *ForbiddenError
	return errors.As(err, &fe)
}

// IsNotFound reports whether err wraps a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err wraps a ConflictError
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// StatusCode maps err to its HTTP status; unknown errors are 500
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case IsForbidden(err):
		return http.StatusForbidden
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Reasons shared across packages
const (
	ReasonSubscriptionInactive = "subscription not active"
	ReasonMissingPermissions   = "missing required permissions"
	ReasonMFARequired          = "MFA verification required for this action"
	ReasonSelfRemoval          = "cannot remove yourself"
	ReasonSystemRoleDelete     = "cannot delete system roles"
	ReasonSystemRoleModify     = "cannot modify system roles"
	ReasonCrossTenantRole      = "role does not belong to your organization"
)

// ModuleNotInPlan is the reason for a module missing from the tenant plan
func ModuleNotInPlan(module string) error {
	return Forbidden(fmt.Sprintf("module '%s' not available in current plan", module))
}

// LimitExceeded is the reason for a plan limit reached by the tenant
func LimitExceeded(key string, current, limit int) error {
	return Forbidden(fmt.Sprintf("plan limit exceeded for %s. current: %d, limit: %d", key, current, limit))
}
