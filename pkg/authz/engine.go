package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/caseguard/pkg/entitlements"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

// Decision reasons recorded on allow
const (
	ReasonPublic                = "public"
	ReasonSuperAdmin            = "super_admin"
	ReasonGranted               = "granted"
	ReasonCacheMiss             = "cache_miss"
	ReasonNoPermissionsRequired = "no_permissions_required"
)

// Decision is the outcome of an allowed authorization check
type Decision struct {
	Allowed   bool
	TenantID  string
	Reason    string
	CacheMiss bool
}

// MFAStatusSource reports whether a subject has MFA enrolled
type MFAStatusSource interface {
	MFAEnabled(ctx context.Context, subjectID string) (bool, error)
}

// RebuildScheduler rebuilds a grant set in the background after a cache miss
type RebuildScheduler interface {
	Schedule(identity *Identity, tenantID string)
}

// EngineConfig wires the engine's collaborators
type EngineConfig struct {
	Store          entitlements.Store
	Rebuilder      RebuildScheduler
	MFA            MFAStatusSource
	SuperAdminRole string
	Logger         *observability.Logger
	Metrics        *observability.Metrics
}

// Engine is the authorization decision pipeline. It holds no request state
// and is safe for concurrent use.
type Engine struct {
	store          entitlements.Store
	rebuilder      RebuildScheduler
	mfa            MFAStatusSource
	superAdminRole string
	logger         *observability.Logger
	metrics        *observability.Metrics
	tracer         trace.Tracer
}

// NewEngine creates an Engine
func NewEngine(cfg EngineConfig) *Engine {
	logger := observability.Default(cfg.Logger)
	if cfg.MFA == nil {
		logger.Warn("no MFA status source configured, RequireMFA requirements are not enforced")
	}
	return &Engine{
		store:          cfg.Store,
		rebuilder:      cfg.Rebuilder,
		mfa:            cfg.MFA,
		superAdminRole: cfg.SuperAdminRole,
		logger:         logger,
		metrics:        cfg.Metrics,
		tracer:         observability.Tracer("github.com/platinummonkey/caseguard/pkg/authz"),
	}
}

// SuperAdminRole returns the configured bypass role
func (e *Engine) SuperAdminRole() string {
	return e.superAdminRole
}

// Authorize decides whether identity may perform an operation with requirement
// req. tenantHint is the explicit tenant header and wins over the claim tenant.
//
// A denial is returned as ErrUnauthenticated or a *ForbiddenError. Any other
// error is an infrastructure failure.
func (e *Engine) Authorize(ctx context.Context, identity *Identity, req Requirement, tenantHint string) (Decision, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "authz.Authorize")
	defer span.End()

	decision, err := e.decide(ctx, identity, req, tenantHint)

	result, reason := "allow", decision.Reason
	switch {
	case errors.Is(err, ErrUnauthenticated):
		result, reason = "deny", "unauthenticated"
	case IsForbidden(err):
		result, reason = "deny", denyLabel(err)
	case err != nil:
		result, reason = "error", "store_error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("authz.result", result),
		attribute.String("authz.reason", reason),
		attribute.String("authz.tenant_id", decision.TenantID),
		attribute.Bool("authz.cache_miss", decision.CacheMiss),
	)
	e.metrics.RecordDecision(result, reason, time.Since(start))

	return decision, err
}

func (e *Engine) decide(ctx context.Context, identity *Identity, req Requirement, tenantHint string) (Decision, error) {
	if req.Public {
		return Decision{Allowed: true, Reason: ReasonPublic}, nil
	}

	// long-lived callers such as socket sessions hold an identity past its token
	if identity == nil || identity.Expired(time.Now()) {
		return Decision{}, ErrUnauthenticated
	}

	tenantID := tenantHint
	if tenantID == "" {
		tenantID = identity.TenantID
	}

	if e.superAdminRole != "" && identity.Role == e.superAdminRole {
		return Decision{Allowed: true, TenantID: tenantID, Reason: ReasonSuperAdmin}, nil
	}

	if len(req.Roles) > 0 && !identity.HasRole(req.Roles...) {
		return Decision{}, Forbidden("required role: " + strings.Join(req.Roles, " or "))
	}

	if req.RequireMFA && !identity.MFAVerified && e.mfa != nil {
		enabled, err := e.mfa.MFAEnabled(ctx, identity.SubjectID)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to check MFA status: %w", err)
		}
		if enabled {
			return Decision{}, Forbidden(ReasonMFARequired)
		}
	}

	if tenantID != "" {
		snap, err := e.store.GetSnapshot(ctx, tenantID)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to load subscription snapshot: %w", err)
		}
		if snap != nil {
			if !snap.Active() {
				return Decision{}, Forbidden(ReasonSubscriptionInactive)
			}
			if snap.Modules != nil {
				for _, module := range req.Modules() {
					if !snap.HasModule(module) {
						return Decision{}, ModuleNotInPlan(module)
					}
				}
			}
		}
	}

	if len(req.Permissions) == 0 {
		return Decision{Allowed: true, TenantID: tenantID, Reason: ReasonNoPermissionsRequired}, nil
	}

	granted, found, err := e.store.GetGrantSet(ctx, identity.SubjectID, tenantID)
	if err != nil {
		e.logger.WithFields(map[string]interface{}{
			"subject_id": identity.SubjectID,
			"tenant_id":  entitlements.TenantKey(tenantID),
		}).WithError(err).Warn("grant set lookup failed, treating as cache miss")
		found = false
	}

	if !found {
		if e.rebuilder != nil {
			e.rebuilder.Schedule(identity, tenantID)
		}
		return Decision{Allowed: true, TenantID: tenantID, Reason: ReasonCacheMiss, CacheMiss: true}, nil
	}

	if !containsAll(granted, req.Permissions) {
		return Decision{}, Forbidden(ReasonMissingPermissions)
	}

	return Decision{Allowed: true, TenantID: tenantID, Reason: ReasonGranted}, nil
}

func containsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, k := range have {
		set[k] = struct{}{}
	}
	for _, k := range want {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}

// denyLabel keeps metric label cardinality bounded
func denyLabel(err error) string {
	var fe *ForbiddenError
	if !errors.As(err, &fe) {
		return "forbidden"
	}
	switch {
	case strings.HasPrefix(fe.Reason, "required role"):
		return "role"
	case strings.HasPrefix(fe.Reason, "module '"):
		return "module_not_in_plan"
	case fe.Reason == ReasonSubscriptionInactive:
		return "subscription_inactive"
	case fe.Reason == ReasonMissingPermissions:
		return "missing_permissions"
	case fe.Reason == ReasonMFARequired:
		return "mfa_required"
	default:
		return "forbidden"
	}
}
