package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/caseguard/pkg/auth"
	"github.com/platinummonkey/caseguard/pkg/billing"
	"github.com/platinummonkey/caseguard/pkg/catalog"
	"github.com/platinummonkey/caseguard/pkg/entitlements"
	"github.com/platinummonkey/caseguard/pkg/rbac"
)

func TestAuthentication(t *testing.T) {
	h := newAPIHarness(t)

	t.Run("public route allows anonymous", func(t *testing.T) {
		rec := h.do(http.MethodGet, "/api/v1/subscription/plans", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var plans []billing.Plan
		decode(t, rec, &plans)
		assert.Len(t, plans, 7)
	})

	t.Run("missing token", func(t *testing.T) {
		rec := h.do(http.MethodGet, "/api/v1/roles", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
	})

	t.Run("invalid token", func(t *testing.T) {
		rec := h.do(http.MethodGet, "/api/v1/roles", "not-a-token", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
	})

	t.Run("refresh token is not an access token", func(t *testing.T) {
		pair := h.login("owner-1", false)
		rec := h.do(http.MethodGet, "/api/v1/roles", pair.RefreshToken, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("request id is echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/subscription/plans", nil)
		req.Header.Set("X-Request-Id", "req-123")
		rec := httptest.NewRecorder()
		h.server.ServeHTTP(rec, req)
		assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := h.do(http.MethodGet, "/api/v1/nope", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"error":"route not found"}`, rec.Body.String())
	})

	t.Run("websocket route is mounted", func(t *testing.T) {
		rec := h.do(http.MethodGet, "/api/v1/ws", "", nil)
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})
}

func TestSessionEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	t.Run("refresh rotates the pair", func(t *testing.T) {
		pair := h.login("member-1", false)

		rec := h.do(http.MethodPost, "/api/v1/auth/refresh", "", RefreshRequest{RefreshToken: pair.RefreshToken})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var next auth.TokenPair
		resp := decode(t, rec, &next)
		assert.Equal(t, "Tokens refreshed", resp.Message)
		assert.NotEmpty(t, next.AccessToken)

		rec = h.do(http.MethodPost, "/api/v1/auth/refresh", "", RefreshRequest{RefreshToken: pair.RefreshToken})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		// the refresh token may also travel as a Bearer header
		rec = h.do(http.MethodPost, "/api/v1/auth/refresh", next.RefreshToken, nil)
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("refresh without token", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/api/v1/auth/refresh", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("logout revokes the refresh token", func(t *testing.T) {
		pair := h.login("member-1", false)

		rec := h.do(http.MethodPost, "/api/v1/auth/logout", pair.AccessToken, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = h.do(http.MethodPost, "/api/v1/auth/refresh", "", RefreshRequest{RefreshToken: pair.RefreshToken})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("mfa verify upgrades the session", func(t *testing.T) {
		pair := h.login("owner-1", false)
		code, err := totp.GenerateCode(testTOTPSecret, time.Now().UTC())
		require.NoError(t, err)

		rec := h.do(http.MethodPost, "/api/v1/auth/mfa/verify", pair.AccessToken, MFAVerifyRequest{Code: code})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var upgraded auth.TokenPair
		decode(t, rec, &upgraded)
		identity, err := h.tokens.VerifyAccess(upgraded.AccessToken)
		require.NoError(t, err)
		assert.True(t, identity.MFAVerified)
	})

	t.Run("mfa verify rejects a wrong code", func(t *testing.T) {
		pair := h.login("owner-1", false)
		code, err := totp.GenerateCode(testTOTPSecret, time.Now().UTC())
		require.NoError(t, err)
		wrong := "000000"
		if code == wrong {
			wrong = "111111"
		}

		rec := h.do(http.MethodPost, "/api/v1/auth/mfa/verify", pair.AccessToken, MFAVerifyRequest{Code: wrong})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = h.do(http.MethodPost, "/api/v1/auth/mfa/verify", pair.AccessToken, MFAVerifyRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	var actions []string
	for _, e := range h.emitter.Events() {
		actions = append(actions, e.Module+"."+e.Action)
	}
	assert.Contains(t, actions, "auth.token_refresh")
	assert.Contains(t, actions, "auth.logout")
	assert.Contains(t, actions, "auth.mfa_verified")
}

func TestRateLimitedRefresh(t *testing.T) {
	h := newAPIHarness(t, withRateLimit(2))

	for i := 0; i < 2; i++ {
		rec := h.do(http.MethodPost, "/api/v1/auth/refresh", "", RefreshRequest{RefreshToken: "bogus"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := h.do(http.MethodPost, "/api/v1/auth/refresh", "", RefreshRequest{RefreshToken: "bogus"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// other routes are not limited
	rec = h.do(http.MethodGet, "/api/v1/subscription/plans", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoleLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	owner := h.login("owner-1", false).AccessToken
	member := h.login("member-1", false).AccessToken

	rec := h.do(http.MethodGet, "/api/v1/roles", member, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "missing required permissions", decode(t, rec, nil).Error)

	rec = h.do(http.MethodPost, "/api/v1/roles", owner, CreateRoleRequest{Name: "Senior Paralegal"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var role rbac.Role
	decode(t, rec, &role)
	assert.Equal(t, "senior_paralegal", role.Slug)
	assert.Equal(t, testOrg, role.TenantID)

	rec = h.do(http.MethodPost, "/api/v1/roles", owner, CreateRoleRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/roles/grant", owner, GrantPermissionsRequest{RoleID: role.ID, Permissions: []string{"roles.read"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/api/v1/roles/grant", owner, GrantPermissionsRequest{RoleID: role.ID, Permissions: []string{"roles.fly"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/roles/grant", owner, GrantPermissionsRequest{
		RoleID:      rbac.SystemRoleID("org_member"),
		Permissions: []string{"roles.read"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "cannot modify system roles", decode(t, rec, nil).Error)

	h.warm(owner)
	rec = h.do(http.MethodGet, "/api/v1/roles/"+role.ID+"/permissions", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var grants []rbac.Grant
	decode(t, rec, &grants)
	granted := map[string]bool{}
	for _, g := range grants {
		if g.Granted {
			granted[g.Key()] = true
		}
	}
	assert.Equal(t, map[string]bool{"roles.read": true}, granted)

	rec = h.do(http.MethodPost, "/api/v1/roles/assign", owner, AssignRoleRequest{UserID: "member-1", RoleID: role.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	h.warm(member)
	rec = h.do(http.MethodGet, "/api/v1/roles", member, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var listed []rbac.Role
	decode(t, rec, &listed)
	var names []string
	for _, r := range listed {
		names = append(names, r.Name)
	}
	assert.Contains(t, names, "Senior Paralegal")

	rec = h.do(http.MethodGet, "/api/v1/roles/user/member-1", member, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var userRoles []rbac.Role
	decode(t, rec, &userRoles)
	require.Len(t, userRoles, 1)
	assert.Equal(t, role.ID, userRoles[0].ID)

	h.warm(owner)
	rec = h.do(http.MethodPost, "/api/v1/roles/revoke", owner, AssignRoleRequest{UserID: "owner-1", RoleID: role.ID})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "cannot remove yourself", decode(t, rec, nil).Error)

	rec = h.do(http.MethodPost, "/api/v1/roles/revoke", owner, AssignRoleRequest{UserID: "member-1", RoleID: role.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	h.warm(member)
	rec = h.do(http.MethodGet, "/api/v1/roles", member, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodDelete, "/api/v1/roles/"+rbac.SystemRoleID("org_member"), owner, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "cannot delete system roles", decode(t, rec, nil).Error)

	rec = h.do(http.MethodDelete, "/api/v1/roles/"+role.ID, owner, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodDelete, "/api/v1/roles/"+role.ID, owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscriptionFlow(t *testing.T) {
	h := newAPIHarness(t)
	owner := h.login("owner-1", false).AccessToken
	admin := h.login("admin-1", false).AccessToken

	rec := h.do(http.MethodPost, "/api/v1/subscription", owner, SubscribeRequest{PlanID: catalog.PlanID("law_firm_pro")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sub billing.Subscription
	decode(t, rec, &sub)
	assert.Equal(t, entitlements.StatusTrialing, sub.Status)
	require.NotNil(t, sub.TrialEndsAt)

	rec = h.do(http.MethodGet, "/api/v1/subscription", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &sub)
	require.NotNil(t, sub.Plan)
	assert.Equal(t, "law_firm_pro", sub.Plan.Slug)

	t.Run("cancel requires a verified session", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/api/v1/subscription/cancel", owner, CancelRequest{Reason: "moving"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "MFA verification required for this action", decode(t, rec, nil).Error)
	})

	t.Run("plan creation needs the super admin role", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/api/v1/subscription/plans", owner, CreatePlanRequest{Slug: "boutique", Name: "Boutique"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "required role: super_admin", decode(t, rec, nil).Error)

		rec = h.do(http.MethodPost, "/api/v1/subscription/plans", admin, CreatePlanRequest{Name: "No Slug"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = h.do(http.MethodPost, "/api/v1/subscription/plans", admin, CreatePlanRequest{
			Slug: "boutique", Name: "Boutique", PriceCents: 2999, Modules: []string{"cases"}, Limits: map[string]int{"maxUsers": 3},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = h.do(http.MethodPost, "/api/v1/subscription/plans", admin, CreatePlanRequest{Slug: "boutique", Name: "Again"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("verified cancel deactivates the tenant", func(t *testing.T) {
		verified := h.login("owner-1", true).AccessToken

		rec := h.do(http.MethodPost, "/api/v1/subscription/cancel", verified, CancelRequest{Reason: "moving"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = h.do(http.MethodGet, "/api/v1/subscription", verified, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "subscription not active", decode(t, rec, nil).Error)
	})
}

func TestModuleGating(t *testing.T) {
	h := newAPIHarness(t)
	owner := h.login("owner-1", false).AccessToken

	rec := h.do(http.MethodGet, "/api/v1/roles", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/api/v1/subscription", owner, SubscribeRequest{PlanID: catalog.PlanID("free")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodGet, "/api/v1/roles", owner, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "module 'roles' not available in current plan", decode(t, rec, nil).Error)

	// the free plan has no billing module, so changing plans is gated too
	rec = h.do(http.MethodPost, "/api/v1/subscription", owner, SubscribeRequest{PlanID: "missing"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "module 'billing' not available in current plan", decode(t, rec, nil).Error)
}

func TestCacheFlush(t *testing.T) {
	h := newAPIHarness(t)
	owner := h.login("owner-1", false).AccessToken
	admin := h.login("admin-1", false).AccessToken

	rec := h.do(http.MethodPost, "/api/v1/admin/cache/flush", owner, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "required role: super_admin", decode(t, rec, nil).Error)

	rec = h.do(http.MethodPost, "/api/v1/admin/cache/flush", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result map[string]int
	decode(t, rec, &result)
	assert.Equal(t, 2, result["deleted"])

	var flushed bool
	for _, e := range h.emitter.Events() {
		if e.Module == "admin" && e.Action == "flush_permissions_cache" {
			flushed = true
			assert.Equal(t, "admin-1", e.SubjectID)
			assert.Equal(t, "cache", e.EntityType)
		}
	}
	assert.True(t, flushed)
}
