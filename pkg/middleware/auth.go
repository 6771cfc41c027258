package middleware

import (
	"net/http"

	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/contextkeys"
	"github.com/platinummonkey/caseguard/pkg/httputil"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

// TokenVerifier verifies access tokens
type TokenVerifier interface {
	VerifyAccess(raw string) (*authz.Identity, error)
}

// Authenticate verifies the Bearer access token when one is present. A
// request without an Authorization header continues with no identity so
// public operations stay reachable; Authorize rejects it everywhere else.
func Authenticate(tokens TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := httputil.BearerToken(header)
			if token == "" {
				httputil.WriteUnauthorized(w)
				return
			}
			identity, err := tokens.VerifyAccess(token)
			if err != nil {
				httputil.WriteUnauthorized(w)
				return
			}

			ctx := contextkeys.WithIdentity(r.Context(), identity)
			ctx = observability.WithSubjectID(ctx, identity.SubjectID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFrom returns the identity set by Authenticate, nil when anonymous
func IdentityFrom(r *http.Request) *authz.Identity {
	identity, _ := r.Context().Value(contextkeys.IdentityKey).(*authz.Identity)
	return identity
}
