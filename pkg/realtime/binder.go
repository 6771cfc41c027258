package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

// ErrNotAuthenticated is returned when a message arrives on a session that
// is not in the authenticated state
var ErrNotAuthenticated = errors.New("session not authenticated")

// TokenVerifier verifies access tokens
type TokenVerifier interface {
	VerifyAccess(raw string) (*authz.Identity, error)
}

// Authorizer is the decision engine
type Authorizer interface {
	Authorize(ctx context.Context, identity *authz.Identity, req authz.Requirement, tenantHint string) (authz.Decision, error)
}

// MessageSink persists chat messages. Without one, messages are relayed
// without persistence.
type MessageSink interface {
	SaveMessage(ctx context.Context, sender *authz.Identity, msg *Message) error
	MarkRead(ctx context.Context, reader *authz.Identity, caseID, messageID string) error
	DeleteMessage(ctx context.Context, actor *authz.Identity, caseID, messageID string) error
}

// Handshake carries the credential candidates of a connection attempt
type Handshake struct {
	AuthToken string // from the "bearer, <token>" subprotocol
	Header    string // Authorization header value
	Query     string // token query parameter
}

// Token returns the first non-empty credential in priority order
func (h Handshake) Token() string {
	if t := strings.TrimSpace(h.AuthToken); t != "" {
		return t
	}
	if t := strings.TrimSpace(h.Header); t != "" {
		if len(t) > 7 && strings.EqualFold(t[:7], "bearer ") {
			if token := strings.TrimSpace(t[7:]); token != "" {
				return token
			}
		}
	}
	return strings.TrimSpace(h.Query)
}

// HandlerFunc handles one inbound event on an authenticated session
type HandlerFunc func(ctx context.Context, sess *Session, data json.RawMessage) error

type handler struct {
	op string
	fn HandlerFunc
}

// BinderConfig wires a Binder
type BinderConfig struct {
	Tokens   TokenVerifier
	Engine   Authorizer
	Table    *authz.Table
	Sink     MessageSink
	Registry *Registry
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Binder authenticates connections and dispatches their messages
type Binder struct {
	tokens   TokenVerifier
	engine   Authorizer
	table    *authz.Table
	sink     MessageSink
	registry *Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
	handlers map[string]handler
	now      func() time.Time
}

// NewBinder creates a Binder with the default chat handlers
func NewBinder(cfg BinderConfig) *Binder {
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	b := &Binder{
		tokens:   cfg.Tokens,
		engine:   cfg.Engine,
		table:    cfg.Table,
		sink:     cfg.Sink,
		registry: registry,
		logger:   observability.Default(cfg.Logger),
		metrics:  cfg.Metrics,
		handlers: make(map[string]handler),
		now:      func() time.Time { return time.Now().UTC() },
	}

	b.Register(EventJoinRoom, authz.OpChatJoin, b.handleJoin)
	b.Register(EventLeaveRoom, authz.OpChatJoin, b.handleLeave)
	b.Register(EventTyping, "", b.relayTyping(EventUserTyping))
	b.Register(EventStopTyping, "", b.relayTyping(EventUserStopTyping))
	b.Register(EventSendMessage, authz.OpChatSend, b.handleSendMessage)
	b.Register(EventMessageRead, authz.OpChatRead, b.handleMessageRead)
	b.Register(EventMessageDelete, authz.OpChatDelete, b.handleMessageDelete)
	return b
}

// Register sets the handler of event. A non-empty op is authorized with the
// session identity before fn runs.
func (b *Binder) Register(event, op string, fn HandlerFunc) {
	b.handlers[event] = handler{op: op, fn: fn}
}

// Registry returns the session registry
func (b *Binder) Registry() *Registry {
	return b.registry
}

// Authenticate verifies the handshake credential without binding a session
func (b *Binder) Authenticate(h Handshake) (*authz.Identity, error) {
	token := h.Token()
	if token == "" {
		return nil, authz.ErrUnauthenticated
	}
	return b.tokens.VerifyAccess(token)
}

// Connect authenticates a new connection and binds it. On failure conn is
// closed and no session exists.
func (b *Binder) Connect(ctx context.Context, conn Conn, h Handshake) (*Session, error) {
	sess := newSession(conn)

	identity, err := b.Authenticate(h)
	if err != nil {
		sess.state.Store(int32(StateDisconnected))
		_ = conn.Close()
		b.logger.WithError(err).Debug("realtime connection rejected")
		return nil, authz.ErrUnauthenticated
	}

	sess.identity = identity
	if !sess.transition(StateConnecting, StateAuthenticated) {
		_ = conn.Close()
		return nil, authz.ErrUnauthenticated
	}

	b.registry.Add(sess)
	b.registry.Join(sess, UserRoom(identity.SubjectID))
	if identity.TenantID != "" {
		b.registry.Join(sess, OrgRoom(identity.TenantID))
	}
	b.metrics.AddRealtimeConnections(1)

	b.broadcast(b.registry.All(), EventUserOnline, PresencePayload{UserID: identity.SubjectID}, "")

	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"session_id": sess.id,
		"subject_id": identity.SubjectID,
		"tenant_id":  identity.TenantID,
	}).Info("realtime session connected")
	return sess, nil
}

// Disconnect tears down sess. Calling it again is a no-op.
func (b *Binder) Disconnect(sess *Session) {
	if sess == nil || !sess.transition(StateAuthenticated, StateDisconnected) {
		return
	}
	_ = sess.conn.Close()

	remaining, ok := b.registry.Remove(sess)
	if !ok {
		return
	}
	b.metrics.AddRealtimeConnections(-1)

	if remaining == 0 {
		b.broadcast(b.registry.All(), EventUserOffline, PresencePayload{UserID: sess.SubjectID()}, "")
	}
	b.logger.WithFields(map[string]interface{}{
		"session_id": sess.id,
		"subject_id": sess.SubjectID(),
	}).Info("realtime session disconnected")
}

// Shutdown disconnects every session. It is used on server shutdown, after
// the HTTP listener has stopped accepting upgrades.
func (b *Binder) Shutdown() int {
	sessions := b.registry.All()
	for _, sess := range sessions {
		b.Disconnect(sess)
	}
	return len(sessions)
}

// Handle dispatches one inbound envelope. Rejections are sent to the sender
// and the session stays open. The returned error is only non-nil when the
// session itself is unusable: it is not authenticated, or the token it was
// opened with has expired, in which case the session is disconnected.
func (b *Binder) Handle(ctx context.Context, sess *Session, env Envelope) error {
	if sess.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}

	if sess.identity.Expired(b.now()) {
		b.metrics.RecordRealtimeMessage(env.Event, "denied")
		b.rejectErr(sess, env.Event, authz.ErrUnauthenticated)
		b.logger.WithFields(map[string]interface{}{
			"session_id": sess.id,
			"subject_id": sess.SubjectID(),
		}).Info("realtime session token expired")
		b.Disconnect(sess)
		return authz.ErrUnauthenticated
	}

	h, ok := b.handlers[env.Event]
	if !ok {
		b.metrics.RecordRealtimeMessage("unknown", "rejected")
		b.reject(sess, env.Event, http.StatusBadRequest, "unknown event")
		return nil
	}

	if err := b.authorize(ctx, sess, h.op); err != nil {
		b.metrics.RecordRealtimeMessage(env.Event, "denied")
		b.rejectErr(sess, env.Event, err)
		return nil
	}

	if err := h.fn(ctx, sess, env.Data); err != nil {
		b.metrics.RecordRealtimeMessage(env.Event, "error")
		b.rejectErr(sess, env.Event, err)
		return nil
	}

	b.metrics.RecordRealtimeMessage(env.Event, "ok")
	return nil
}

// authorize runs the engine for op. Requirements that ask for nothing
// beyond authentication are satisfied by the session itself.
func (b *Binder) authorize(ctx context.Context, sess *Session, op string) error {
	if op == "" {
		return nil
	}
	req, ok := b.table.Lookup(op)
	if !ok {
		return fmt.Errorf("no requirement registered for %s", op)
	}
	if req.Public || connectionLevel(req) {
		return nil
	}
	_, err := b.engine.Authorize(ctx, sess.identity, req, sess.TenantID())
	return err
}

func connectionLevel(req authz.Requirement) bool {
	return len(req.Permissions) == 0 && len(req.Roles) == 0 && !req.RequireMFA
}

// SendToUser sends to every connection of a subject
func (b *Binder) SendToUser(userID, event string, data interface{}) {
	b.broadcast(b.registry.Members(UserRoom(userID)), event, data, "")
}

// SendToOrg sends to every connection in a tenant
func (b *Binder) SendToOrg(tenantID, event string, data interface{}) {
	b.broadcast(b.registry.Members(OrgRoom(tenantID)), event, data, "")
}

// SendToCase sends to every connection in a case room
func (b *Binder) SendToCase(caseID, event string, data interface{}) {
	b.broadcast(b.registry.Members(CaseRoom(caseID)), event, data, "")
}

// OnlineUsers lists subjects with a live connection
func (b *Binder) OnlineUsers() []string {
	return b.registry.Online()
}

func (b *Binder) handleJoin(ctx context.Context, sess *Session, data json.RawMessage) error {
	var p CasePayload
	if err := decodeCase(data, &p); err != nil {
		return err
	}
	b.registry.Join(sess, CaseRoom(p.CaseID))
	return b.sendTo(sess, EventJoined, RoomPayload{Room: p.CaseID})
}

func (b *Binder) handleLeave(ctx context.Context, sess *Session, data json.RawMessage) error {
	var p CasePayload
	if err := decodeCase(data, &p); err != nil {
		return err
	}
	b.registry.Leave(sess, CaseRoom(p.CaseID))
	return b.sendTo(sess, EventRoomLeft, RoomPayload{Room: p.CaseID})
}

func (b *Binder) relayTyping(event string) HandlerFunc {
	return func(ctx context.Context, sess *Session, data json.RawMessage) error {
		var p CasePayload
		if err := decodeCase(data, &p); err != nil {
			return err
		}
		b.broadcast(b.registry.Members(CaseRoom(p.CaseID)), event,
			TypingPayload{UserID: sess.SubjectID(), CaseID: p.CaseID}, sess.id)
		return nil
	}
}

func (b *Binder) handleSendMessage(ctx context.Context, sess *Session, data json.RawMessage) error {
	var p SendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errBadPayload
	}
	if p.CaseID == "" || strings.TrimSpace(p.Content) == "" {
		return errBadPayload
	}

	msg := &Message{
		ID:        uuid.NewString(),
		CaseID:    p.CaseID,
		SenderID:  sess.SubjectID(),
		Content:   p.Content,
		Type:      p.Type,
		Metadata:  p.Metadata,
		CreatedAt: b.now(),
	}
	if b.sink != nil {
		if err := b.sink.SaveMessage(ctx, sess.identity, msg); err != nil {
			return err
		}
	}
	b.SendToCase(p.CaseID, EventNewMessage, msg)
	return nil
}

func (b *Binder) handleMessageRead(ctx context.Context, sess *Session, data json.RawMessage) error {
	p, err := decodeMessageRef(data)
	if err != nil {
		return err
	}
	if b.sink != nil {
		if err := b.sink.MarkRead(ctx, sess.identity, p.CaseID, p.MessageID); err != nil {
			return err
		}
	}
	p.UserID = sess.SubjectID()
	b.SendToCase(p.CaseID, EventMessageRead, p)
	return nil
}

func (b *Binder) handleMessageDelete(ctx context.Context, sess *Session, data json.RawMessage) error {
	p, err := decodeMessageRef(data)
	if err != nil {
		return err
	}
	if b.sink != nil {
		if err := b.sink.DeleteMessage(ctx, sess.identity, p.CaseID, p.MessageID); err != nil {
			return err
		}
	}
	p.UserID = sess.SubjectID()
	b.SendToCase(p.CaseID, EventMessageDeleted, p)
	return nil
}

var errBadPayload = errors.New("invalid payload")

func decodeCase(data json.RawMessage, p *CasePayload) error {
	if err := json.Unmarshal(data, p); err != nil || p.CaseID == "" {
		return errBadPayload
	}
	return nil
}

func decodeMessageRef(data json.RawMessage) (MessageRefPayload, error) {
	var p MessageRefPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CaseID == "" || p.MessageID == "" {
		return p, errBadPayload
	}
	return p, nil
}

func (b *Binder) sendTo(sess *Session, event string, data interface{}) error {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return err
	}
	return sess.Send(env)
}

// broadcast sends to sessions, skipping the session with id except
func (b *Binder) broadcast(sessions []*Session, event string, data interface{}, except string) {
	env, err := NewEnvelope(event, data)
	if err != nil {
		b.logger.WithField("event", event).WithError(err).Error("failed to encode realtime event")
		return
	}
	for _, s := range sessions {
		if s.id == except || s.State() != StateAuthenticated {
			continue
		}
		if err := s.Send(env); err != nil {
			b.logger.WithFields(map[string]interface{}{
				"session_id": s.id,
				"event":      event,
			}).WithError(err).Debug("failed to deliver realtime event")
		}
	}
}

func (b *Binder) reject(sess *Session, event string, code int, message string) {
	if err := b.sendTo(sess, EventError, ErrorPayload{Event: event, Code: code, Message: message}); err != nil {
		b.logger.WithField("session_id", sess.id).WithError(err).Debug("failed to deliver realtime error")
	}
}

func (b *Binder) rejectErr(sess *Session, event string, err error) {
	if errors.Is(err, errBadPayload) {
		b.reject(sess, event, http.StatusBadRequest, err.Error())
		return
	}

	code := authz.StatusCode(err)
	message := err.Error()
	switch code {
	case http.StatusUnauthorized:
		message = authz.ErrUnauthenticated.Error()
	case http.StatusInternalServerError:
		b.logger.WithFields(map[string]interface{}{
			"session_id": sess.id,
			"event":      event,
		}).WithError(err).Error("realtime handler failed")
		message = "internal server error"
	}
	b.reject(sess, event, code, message)
}
