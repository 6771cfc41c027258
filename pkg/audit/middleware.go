package audit

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/contextkeys"
	"github.com/platinummonkey/caseguard/pkg/httputil"
)

// entityParams are the route variables tried, in order, as the entity id
var entityParams = []string{"id", "userId"}

// Middleware emits an event after a 2xx response when the operation's
// requirement carries an AuditSpec. Other operations pass through untouched.
func Middleware(emitter Emitter, table *authz.Table, op string) func(http.Handler) http.Handler {
	req, ok := table.Lookup(op)
	return func(next http.Handler) http.Handler {
		if !ok || req.Audit == nil || emitter == nil {
			return next
		}
		spec := *req.Audit

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := httputil.NewStatusRecorder(w)
			next.ServeHTTP(rec, r)

			if rec.Status < 200 || rec.Status >= 300 {
				return
			}

			ctx := r.Context()
			event := Event{
				TenantID:   contextkeys.GetTenant(ctx),
				Module:     spec.Module,
				Action:     spec.Action,
				EntityType: spec.EntityType,
				EntityID:   entityID(r),
				Metadata: map[string]interface{}{
					"method":     r.Method,
					"url":        r.URL.Path,
					"operation":  op,
					"status":     rec.Status,
					"request_id": contextkeys.GetRequestID(ctx),
				},
				IPAddress: httputil.ClientIP(r),
				UserAgent: r.UserAgent(),
			}
			if identity, ok := ctx.Value(contextkeys.IdentityKey).(*authz.Identity); ok && identity != nil {
				event.SubjectID = identity.SubjectID
			}

			emitter.LogEvent(ctx, event)
		})
	}
}

func entityID(r *http.Request) string {
	vars := mux.Vars(r)
	for _, key := range entityParams {
		if v := vars[key]; v != "" {
			return v
		}
	}
	return ""
}
