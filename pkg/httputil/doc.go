// Package httputil provides HTTP helpers shared by the API and middleware
// packages.
//
// Successful responses use a data envelope:
//
//	httputil.WriteData(w, http.StatusOK, roles, "")
//	// {"data": [...]}
//
// Failures use a single error field:
//
//	httputil.WriteAuthzError(w, err)
//	// 403 {"error": "missing required permissions"}
//
// WriteAuthzError maps the authz error taxonomy to status codes and never
// echoes detail for authentication failures or internal errors.
//
// Request parsing:
//
//	var req grantRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//	    return
//	}
//	roleID, ok := httputil.ParsePathStringOrError(w, r, "id")
package httputil
