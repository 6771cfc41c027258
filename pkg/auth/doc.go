// Package auth verifies and issues bearer credentials and manages the
// session lifecycle around them.
//
// Access and refresh tokens are HS256 JWTs signed with two different
// secrets. A token carries its purpose in the "typ" claim, so a refresh
// token is rejected where an access token is expected and the reverse.
// Every verification failure is authz.ErrUnauthenticated; the cause is only
// logged.
//
//	tokens, err := auth.NewTokenManager(auth.TokenConfig{
//	    AccessSecret:  cfg.Tokens.AccessSecret,
//	    RefreshSecret: cfg.Tokens.RefreshSecret,
//	    AccessTTL:     15 * time.Minute,
//	    RefreshTTL:    7 * 24 * time.Hour,
//	}, logger)
//	identity, err := tokens.VerifyAccess(raw)
//
// SessionService rotates refresh tokens (only the sha256 of the current one
// is stored), upgrades a session after TOTP verification and revokes it on
// logout.
package auth
