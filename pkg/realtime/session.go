package realtime

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/platinummonkey/caseguard/pkg/authz"
)

// State is the lifecycle position of a session
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Conn is the outbound side of one client connection
type Conn interface {
	Send(Envelope) error
	Close() error
}

// Session is one client connection and the identity bound to it. The
// identity is set once at authentication and never changes.
type Session struct {
	id       string
	conn     Conn
	identity *authz.Identity
	state    atomic.Int32

	mu    sync.Mutex
	rooms map[string]struct{}
}

func newSession(conn Conn) *Session {
	return &Session{
		id:    uuid.NewString(),
		conn:  conn,
		rooms: make(map[string]struct{}),
	}
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Identity returns the bound identity, nil before authentication
func (s *Session) Identity() *authz.Identity { return s.identity }

// SubjectID returns the bound subject
func (s *Session) SubjectID() string {
	if s.identity == nil {
		return ""
	}
	return s.identity.SubjectID
}

// TenantID returns the tenant of the bound claim
func (s *Session) TenantID() string {
	if s.identity == nil {
		return ""
	}
	return s.identity.TenantID
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Rooms returns the joined rooms, sorted
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Send writes env to this session's connection
func (s *Session) Send(env Envelope) error {
	return s.conn.Send(env)
}
