// Package realtime binds websocket connections to verified identities and
// re-authorizes every privileged message.
//
// A connection authenticates once, during the handshake. The token is taken
// from the "bearer, <token>" subprotocol, the Authorization header or the
// token query parameter, in that order. A failed handshake is closed
// without a session.
//
// Authenticated sessions join user:<id> and, when the claim names one,
// org:<id>. Case rooms are joined on request. Messages whose handler names
// an operation run through the authorization engine with the session's
// identity before the handler executes; a denial is reported to the sender
// only and the session stays open.
//
//	binder := realtime.NewBinder(realtime.BinderConfig{
//	    Tokens: tokens,
//	    Engine: engine,
//	    Table:  table,
//	})
//	router.Handle("/ws", realtime.NewTransport(binder, allowedOrigins, logger))
package realtime
