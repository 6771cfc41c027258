package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/caseguard/pkg/audit"
	"github.com/platinummonkey/caseguard/pkg/contextkeys"
	"github.com/platinummonkey/caseguard/pkg/httputil"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-Id"

// RequestID reuses an inbound X-Request-Id or generates one, and seeds the
// context with the request id, a request-scoped logger and client details.
func RequestID(logger *observability.Logger) func(http.Handler) http.Handler {
	logger = observability.Default(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > 128 {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx := r.Context()
			ctx = contextkeys.WithRequestID(ctx, requestID)
			ctx = contextkeys.WithRequestStartTime(ctx, time.Now())
			ctx = observability.WithRequestID(ctx, requestID)
			ctx = observability.WithLogger(ctx, logger.WithFields(map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
			}))
			ctx = audit.WithClient(ctx, httputil.ClientIP(r), r.UserAgent())

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
