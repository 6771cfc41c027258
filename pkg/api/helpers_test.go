package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/caseguard/pkg/audit"
	"github.com/platinummonkey/caseguard/pkg/auth"
	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/billing"
	"github.com/platinummonkey/caseguard/pkg/catalog"
	"github.com/platinummonkey/caseguard/pkg/entitlements"
	"github.com/platinummonkey/caseguard/pkg/middleware"
	"github.com/platinummonkey/caseguard/pkg/rbac"
	"github.com/platinummonkey/caseguard/pkg/storage"
	"github.com/platinummonkey/caseguard/pkg/storage/storagetest"
)

const (
	testOrg        = "org-1"
	testTOTPSecret = "JBSWY3DPEHPK3PXP"
)

// apiHarness runs the full stack over in-memory sqlite and miniredis
type apiHarness struct {
	t         *testing.T
	server    *Server
	tokens    *auth.TokenManager
	sessions  *auth.SessionService
	rebuilder *authz.Rebuilder
	emitter   *audit.MemoryEmitter
}

type harnessOption func(*Config, redis.UniversalClient)

func withRateLimit(limit int) harnessOption {
	return func(cfg *Config, client redis.UniversalClient) {
		cfg.RateLimiter = middleware.NewRateLimiter(client, limit, time.Minute, "ratelimit", nil)
	}
}

func newAPIHarness(t *testing.T, opts ...harnessOption) *apiHarness {
	t.Helper()
	ctx := context.Background()

	db := storagetest.OpenSQLite(t)
	cat, err := catalog.Load("../../configs/catalog.yaml")
	require.NoError(t, err)
	_, err = catalog.Apply(ctx, db, cat)
	require.NoError(t, err)

	users := []struct {
		id, userType string
		org          interface{}
		mfa          bool
		secret       interface{}
	}{
		{"owner-1", "org_owner", testOrg, true, testTOTPSecret},
		{"member-1", "org_member", testOrg, false, nil},
		{"admin-1", "super_admin", nil, false, nil},
	}
	for _, u := range users {
		_, err := db.ExecContext(ctx, `
			INSERT INTO user_security (user_id, email, user_type, current_org_id, mfa_enabled, mfa_secret, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, u.id, u.id+"@example.com", u.userType, u.org, u.mfa, u.secret, time.Now().UTC())
		require.NoError(t, err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cache := entitlements.NewRedisStore(client, time.Hour, nil, nil)
	coordinator := entitlements.NewCoordinator(cache, time.Hour, nil, nil)
	security := auth.NewSecurityStore(db)
	roles := rbac.NewStore(db, storage.SQLite)
	rebuilder := authz.NewRebuilder(roles, cache, authz.RebuilderConfig{}, nil, nil)
	engine := authz.NewEngine(authz.EngineConfig{
		Store:          cache,
		MFA:            security,
		SuperAdminRole: "super_admin",
	})

	tokens, err := auth.NewTokenManager(auth.TokenConfig{
		AccessSecret:  strings.Repeat("a", 32),
		RefreshSecret: strings.Repeat("r", 32),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    time.Hour,
		Issuer:        "caseguard-test",
	}, nil)
	require.NoError(t, err)

	emitter := &audit.MemoryEmitter{}
	sessions := auth.NewSessionService(tokens, security, nil, coordinator, emitter, nil)

	cfg := Config{
		Tokens:   tokens,
		Engine:   engine,
		Table:    authz.DefaultTable("super_admin"),
		Sessions: sessions,
		Roles:    rbac.NewService(roles, coordinator, emitter, "super_admin", nil),
		Billing:  billing.NewService(billing.NewStore(db), coordinator, emitter, nil),
		Cache:    coordinator,
		Audit:    emitter,
		Realtime: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	}
	for _, opt := range opts {
		opt(&cfg, client)
	}

	return &apiHarness{
		t:         t,
		server:    NewServer(cfg),
		tokens:    tokens,
		sessions:  sessions,
		rebuilder: rebuilder,
		emitter:   emitter,
	}
}

// login issues a token pair and caches the subject's grant set so the
// request is decided on real grants rather than a cache miss
func (h *apiHarness) login(subject string, mfaVerified bool) auth.TokenPair {
	h.t.Helper()
	pair, err := h.sessions.Issue(context.Background(), subject, mfaVerified)
	require.NoError(h.t, err)
	h.warm(pair.AccessToken)
	return pair
}

func (h *apiHarness) warm(accessToken string) {
	h.t.Helper()
	identity, err := h.tokens.VerifyAccess(accessToken)
	require.NoError(h.t, err)
	require.NoError(h.t, h.rebuilder.Rebuild(context.Background(), identity, identity.TenantID))
}

func (h *apiHarness) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

type response struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) response {
	t.Helper()
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(resp.Data, data), rec.Body.String())
	}
	return resp
}
