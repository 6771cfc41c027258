package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/platinummonkey/caseguard/pkg/httputil"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256

	bearerProtocol = "bearer"
)

// ErrSlowConsumer is returned when a connection's send buffer is full
var ErrSlowConsumer = errors.New("realtime connection send buffer full")

// Transport serves websocket connections for a Binder
type Transport struct {
	binder         *Binder
	allowedOrigins []string
	logger         *observability.Logger
	upgrader       websocket.Upgrader
}

// NewTransport creates a Transport. An empty allowedOrigins accepts any
// origin; "*" does the same explicitly.
func NewTransport(binder *Binder, allowedOrigins []string, logger *observability.Logger) *Transport {
	t := &Transport{
		binder:         binder,
		allowedOrigins: allowedOrigins,
		logger:         observability.Default(logger),
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      t.checkOrigin,
		Subprotocols:     []string{bearerProtocol},
	}
	return t
}

// HandshakeFromRequest extracts the credential candidates of r
func HandshakeFromRequest(r *http.Request) Handshake {
	return Handshake{
		AuthToken: subprotocolToken(websocket.Subprotocols(r)),
		Header:    r.Header.Get("Authorization"),
		Query:     r.URL.Query().Get("token"),
	}
}

// subprotocolToken reads the token of a "bearer, <token>" offer
func subprotocolToken(protocols []string) string {
	for i, p := range protocols {
		if strings.EqualFold(p, bearerProtocol) && i+1 < len(protocols) {
			return protocols[i+1]
		}
	}
	return ""
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if len(t.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, allowed := range t.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	t.logger.WithField("origin", origin).Warn("websocket origin rejected")
	return false
}

// ServeHTTP rejects unauthenticated handshakes with 401, then upgrades and
// serves the connection until it closes.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handshake := HandshakeFromRequest(r)
	if _, err := t.binder.Authenticate(handshake); err != nil {
		httputil.WriteUnauthorized(w)
		return
	}

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		t.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	conn := newWSConn(ws)
	ctx := r.Context()
	sess, err := t.binder.Connect(ctx, conn, handshake)
	if err != nil {
		_ = ws.Close()
		return
	}

	go conn.writePump()
	t.readPump(ctx, sess, conn)
}

func (t *Transport) readPump(ctx context.Context, sess *Session, conn *wsConn) {
	defer t.binder.Disconnect(sess)

	ws := conn.ws
	ws.SetReadLimit(maxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx = observability.WithSubjectID(observability.WithTenantID(ctx, sess.TenantID()), sess.SubjectID())
	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.WithField("session_id", sess.ID()).WithError(err).Debug("unexpected websocket close")
			}
			return
		}
		if err := t.binder.Handle(ctx, sess, env); err != nil {
			return
		}
	}
}

// wsConn adapts a websocket connection to Conn. Writes go through a
// buffered channel drained by writePump.
type wsConn struct {
	ws   *websocket.Conn
	send chan Envelope
	done chan struct{}
	once sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:   ws,
		send: make(chan Envelope, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) Send(env Envelope) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		return ErrSlowConsumer
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case env := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
