package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/caseguard/pkg/httputil"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

// Metrics records request count and latency labelled by the mux route
// template. It must run inside the router so the route is known.
func Metrics(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := httputil.NewStatusRecorder(w)
			next.ServeHTTP(rec, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.RecordHTTPRequest(r.Method, route, rec.Status, time.Since(start))
		})
	}
}

// Logging writes one line per request at info, or warn for 5xx
func Logging() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := httputil.NewStatusRecorder(w)
			next.ServeHTTP(rec, r)

			entry := observability.FromContext(r.Context()).WithFields(map[string]interface{}{
				"status":      rec.Status,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			if rec.Status >= http.StatusInternalServerError {
				entry.Warn("request failed")
				return
			}
			entry.Info("request completed")
		})
	}
}
