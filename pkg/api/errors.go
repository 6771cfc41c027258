package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/billing"
	"github.com/platinummonkey/caseguard/pkg/httputil"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

// writeError renders a service error. Validation errors become 400, the
// authz taxonomy maps through httputil, anything else is logged and hidden.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, billing.ErrInvalidPlan) || errors.Is(err, billing.ErrInvalidStatus) {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if authz.StatusCode(err) >= http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithField("path", r.URL.Path).WithError(err).Error("request failed")
	}
	httputil.WriteAuthzError(w, err)
}
