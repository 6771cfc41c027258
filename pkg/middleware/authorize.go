package middleware

import (
	"context"
	"net/http"

	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/contextkeys"
	"github.com/platinummonkey/caseguard/pkg/httputil"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

// TenantHeader is the explicit tenant hint
const TenantHeader = "X-Org-Id"

// Authorizer is the decision engine
type Authorizer interface {
	Authorize(ctx context.Context, identity *authz.Identity, req authz.Requirement, tenantHint string) (authz.Decision, error)
}

// Authorize gates next behind the requirement of op. On allow the resolved
// tenant and the requirement are stored in the request context.
func Authorize(engine Authorizer, table *authz.Table, op string, logger *observability.Logger) func(http.Handler) http.Handler {
	logger = observability.Default(logger)
	req, ok := table.Lookup(op)
	if !ok {
		logger.WithField("operation", op).Error("route has no authorization requirement")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ok {
				httputil.WriteInternalError(w)
				return
			}

			ctx := r.Context()
			decision, err := engine.Authorize(ctx, IdentityFrom(r), req, r.Header.Get(TenantHeader))
			if err != nil {
				if authz.StatusCode(err) >= http.StatusInternalServerError {
					observability.FromContext(ctx).WithField("operation", op).WithError(err).Error("authorization failed")
				}
				httputil.WriteAuthzError(w, err)
				return
			}

			ctx = contextkeys.WithTenant(ctx, decision.TenantID)
			ctx = contextkeys.WithRequirement(ctx, req)
			if decision.TenantID != "" {
				ctx = observability.WithTenantID(ctx, decision.TenantID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
