package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/entitlements"
)

// memoryConn records everything sent to it
type memoryConn struct {
	mu     sync.Mutex
	sent   []Envelope
	closed int
	err    error
}

func (c *memoryConn) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *memoryConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, env := range c.sent {
		out = append(out, env.Event)
	}
	return out
}

func (c *memoryConn) last(t *testing.T, event string, v interface{}) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Event == event {
			require.NoError(t, json.Unmarshal(c.sent[i].Data, v))
			return
		}
	}
	t.Fatalf("no %s event sent", event)
}

func (c *memoryConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// stubVerifier accepts the tokens it knows
type stubVerifier map[string]*authz.Identity

func (s stubVerifier) VerifyAccess(raw string) (*authz.Identity, error) {
	if id, ok := s[raw]; ok {
		return id, nil
	}
	return nil, authz.ErrUnauthenticated
}

var (
	alice = &authz.Identity{SubjectID: "alice", Role: "lawyer", TenantID: "org-1"}
	bob   = &authz.Identity{SubjectID: "bob", Role: "client", TenantID: "org-1"}
	carol = &authz.Identity{SubjectID: "carol", Role: "client"}
)

type binderHarness struct {
	binder *Binder
	cache  *entitlements.RedisStore
}

func newBinderHarness(t *testing.T, sink MessageSink) *binderHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cache := entitlements.NewRedisStore(client, time.Hour, nil, nil)
	engine := authz.NewEngine(authz.EngineConfig{Store: cache, SuperAdminRole: "super_admin"})

	binder := NewBinder(BinderConfig{
		Tokens: stubVerifier{"alice-token": alice, "bob-token": bob, "carol-token": carol},
		Engine: engine,
		Table:  authz.DefaultTable("super_admin"),
		Sink:   sink,
	})
	binder.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }
	return &binderHarness{binder: binder, cache: cache}
}

func (h *binderHarness) grant(t *testing.T, id *authz.Identity, keys ...string) {
	t.Helper()
	require.NoError(t, h.cache.SetGrantSet(context.Background(), id.SubjectID, id.TenantID, keys, time.Hour))
}

func (h *binderHarness) connect(t *testing.T, token string) (*Session, *memoryConn) {
	t.Helper()
	conn := &memoryConn{}
	sess, err := h.binder.Connect(context.Background(), conn, Handshake{AuthToken: token})
	require.NoError(t, err)
	return sess, conn
}

func envelope(t *testing.T, event string, data interface{}) Envelope {
	t.Helper()
	env, err := NewEnvelope(event, data)
	require.NoError(t, err)
	return env
}
