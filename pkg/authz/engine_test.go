package authz

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/caseguard/pkg/entitlements"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

type scheduledRebuild struct {
	subject string
	tenant  string
}

type fakeRebuilder struct {
	mu    sync.Mutex
	calls []scheduledRebuild
}

func (f *fakeRebuilder) Schedule(identity *Identity, tenantID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scheduledRebuild{identity.SubjectID, tenantID})
}

func (f *fakeRebuilder) scheduled() []scheduledRebuild {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduledRebuild(nil), f.calls...)
}

type fakeMFA struct {
	enabled map[string]bool
	err     error
}

func (f *fakeMFA) MFAEnabled(ctx context.Context, subjectID string) (bool, error) {
	return f.enabled[subjectID], f.err
}

// failingStore fails snapshot or grant set reads on demand
type failingStore struct {
	entitlements.Store
	snapshotErr error
	grantErr    error
}

func (f *failingStore) GetSnapshot(ctx context.Context, tenantID string) (*entitlements.Snapshot, error) {
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	return f.Store.GetSnapshot(ctx, tenantID)
}

func (f *failingStore) GetGrantSet(ctx context.Context, subjectID, tenantID string) ([]string, bool, error) {
	if f.grantErr != nil {
		return nil, false, f.grantErr
	}
	return f.Store.GetGrantSet(ctx, subjectID, tenantID)
}

type engineFixture struct {
	engine    *Engine
	store     *entitlements.RedisStore
	rebuilder *fakeRebuilder
	mfa       *fakeMFA
	mr        *miniredis.Miniredis
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := entitlements.NewRedisStore(client, time.Hour, nil, nil)
	rebuilder := &fakeRebuilder{}
	mfa := &fakeMFA{enabled: map[string]bool{}}

	return &engineFixture{
		engine: NewEngine(EngineConfig{
			Store:          store,
			Rebuilder:      rebuilder,
			MFA:            mfa,
			SuperAdminRole: "super_admin",
		}),
		store:     store,
		rebuilder: rebuilder,
		mfa:       mfa,
		mr:        mr,
	}
}

func (f *engineFixture) snapshot(t *testing.T, tenant string, snap *entitlements.Snapshot) {
	t.Helper()
	require.NoError(t, f.store.SetSnapshot(context.Background(), tenant, snap, 0))
}

func (f *engineFixture) grants(t *testing.T, subject, tenant string, keys ...string) {
	t.Helper()
	require.NoError(t, f.store.SetGrantSet(context.Background(), subject, tenant, keys, 0))
}

func member(tenant string) *Identity {
	return &Identity{SubjectID: "u1", Role: "org_member", UserType: "org_member", TenantID: tenant}
}

func assertForbidden(t *testing.T, err error, reason string) {
	t.Helper()
	var fe *ForbiddenError
	require.True(t, errors.As(err, &fe), "expected ForbiddenError, got %v", err)
	assert.Equal(t, reason, fe.Reason)
}

func TestEnginePublicAllowsWithoutIdentity(t *testing.T) {
	f := newEngineFixture(t)
	f.snapshot(t, "org-1", &entitlements.Snapshot{Status: entitlements.StatusCanceled})

	for _, identity := range []*Identity{nil, member("org-1")} {
		decision, err := f.engine.Authorize(context.Background(), identity, Requirement{Public: true, Permissions: []string{"cases.read"}}, "org-1")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, ReasonPublic, decision.Reason)
	}
}

func TestEngineRequiresIdentity(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Authorize(context.Background(), nil, Requirement{}, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestEngineRejectsExpiredIdentity(t *testing.T) {
	f := newEngineFixture(t)
	f.grants(t, "u1", "org-1", "cases.read")
	req := Requirement{Permissions: []string{"cases.read"}}

	expired := member("org-1")
	expired.ExpiresAt = time.Now().Add(-2 * time.Hour)
	_, err := f.engine.Authorize(context.Background(), expired, req, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	root := &Identity{SubjectID: "admin", Role: "super_admin", ExpiresAt: time.Now().Add(-time.Minute)}
	_, err = f.engine.Authorize(context.Background(), root, req, "org-1")
	assert.ErrorIs(t, err, ErrUnauthenticated, "expiry applies before the super admin bypass")

	live := member("org-1")
	live.ExpiresAt = time.Now().Add(time.Hour)
	decision, err := f.engine.Authorize(context.Background(), live, req, "")
	require.NoError(t, err)
	assert.Equal(t, ReasonGranted, decision.Reason)

	decision, err = f.engine.Authorize(context.Background(), expired, Requirement{Public: true}, "")
	require.NoError(t, err)
	assert.Equal(t, ReasonPublic, decision.Reason)
}

func TestIdentityExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&Identity{}).Expired(now), "zero expiry never lapses")
	assert.False(t, (&Identity{ExpiresAt: now.Add(time.Second)}).Expired(now))
	assert.True(t, (&Identity{ExpiresAt: now.Add(-time.Second)}).Expired(now))
}

func TestEngineSuperAdminBypass(t *testing.T) {
	f := newEngineFixture(t)
	f.snapshot(t, "org-1", &entitlements.Snapshot{Status: entitlements.StatusUnpaid, Modules: []string{}})
	f.grants(t, "admin", "org-1")

	admin := &Identity{SubjectID: "admin", Role: "super_admin"}
	req := Requirement{Roles: []string{"org_owner"}, Permissions: []string{"billing.manage"}, RequireMFA: true}

	decision, err := f.engine.Authorize(context.Background(), admin, req, "org-1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonSuperAdmin, decision.Reason)
	assert.Equal(t, "org-1", decision.TenantID)
	assert.Empty(t, f.rebuilder.scheduled())
}

func TestEngineRequiredRoles(t *testing.T) {
	f := newEngineFixture(t)
	req := Requirement{Roles: []string{"org_owner", "org_admin"}}

	_, err := f.engine.Authorize(context.Background(), member(""), req, "")
	assertForbidden(t, err, "required role: org_owner or org_admin")

	owner := &Identity{SubjectID: "u2", Role: "org_admin"}
	decision, err := f.engine.Authorize(context.Background(), owner, req, "")
	require.NoError(t, err)
	assert.Equal(t, ReasonNoPermissionsRequired, decision.Reason)
}

func TestEngineMFA(t *testing.T) {
	req := Requirement{Permissions: []string{"cases.export"}, RequireMFA: true}

	t.Run("enrolled and unverified is denied", func(t *testing.T) {
		f := newEngineFixture(t)
		f.mfa.enabled["u1"] = true
		f.grants(t, "u1", "org-1", "cases.export")

		_, err := f.engine.Authorize(context.Background(), member("org-1"), req, "")
		assertForbidden(t, err, ReasonMFARequired)
	})

	t.Run("verified token passes", func(t *testing.T) {
		f := newEngineFixture(t)
		f.mfa.enabled["u1"] = true
		f.grants(t, "u1", "org-1", "cases.export")
		identity := member("org-1")
		identity.MFAVerified = true

		decision, err := f.engine.Authorize(context.Background(), identity, req, "")
		require.NoError(t, err)
		assert.Equal(t, ReasonGranted, decision.Reason)
	})

	t.Run("not enrolled passes", func(t *testing.T) {
		f := newEngineFixture(t)
		f.grants(t, "u1", "org-1", "cases.export")

		_, err := f.engine.Authorize(context.Background(), member("org-1"), req, "")
		require.NoError(t, err)
	})

	t.Run("status lookup error propagates", func(t *testing.T) {
		f := newEngineFixture(t)
		f.mfa.err = errors.New("db down")

		_, err := f.engine.Authorize(context.Background(), member("org-1"), req, "")
		require.Error(t, err)
		assert.False(t, IsForbidden(err))
	})
}

func TestEngineWarnsWithoutMFASource(t *testing.T) {
	var out bytes.Buffer
	NewEngine(EngineConfig{Logger: observability.NewLogger(observability.WarnLevel, &out)})
	assert.Contains(t, out.String(), "RequireMFA requirements are not enforced")

	out.Reset()
	NewEngine(EngineConfig{MFA: &fakeMFA{}, Logger: observability.NewLogger(observability.WarnLevel, &out)})
	assert.Empty(t, out.String())
}

func TestEngineTenantResolution(t *testing.T) {
	f := newEngineFixture(t)
	f.snapshot(t, "org-hint", &entitlements.Snapshot{Status: entitlements.StatusActive, Modules: []string{"cases"}})
	f.snapshot(t, "org-claim", &entitlements.Snapshot{Status: entitlements.StatusCanceled})

	decision, err := f.engine.Authorize(context.Background(), member("org-claim"), Requirement{}, "org-hint")
	require.NoError(t, err)
	assert.Equal(t, "org-hint", decision.TenantID)

	_, err = f.engine.Authorize(context.Background(), member("org-claim"), Requirement{}, "")
	assertForbidden(t, err, ReasonSubscriptionInactive)
}

func TestEngineSubscriptionStatus(t *testing.T) {
	req := Requirement{Permissions: []string{"cases.read"}}

	tests := []struct {
		status  entitlements.SubscriptionStatus
		allowed bool
	}{
		{entitlements.StatusActive, true},
		{entitlements.StatusTrialing, true},
		{entitlements.StatusPastDue, false},
		{entitlements.StatusCanceled, false},
		{entitlements.StatusUnpaid, false},
		{entitlements.StatusPaused, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f := newEngineFixture(t)
			f.snapshot(t, "org-1", &entitlements.Snapshot{Status: tt.status, Modules: []string{"cases"}})
			f.grants(t, "u1", "org-1", "cases.read")

			_, err := f.engine.Authorize(context.Background(), member("org-1"), req, "")
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assertForbidden(t, err, ReasonSubscriptionInactive)
			}
		})
	}
}

func TestEngineModuleGate(t *testing.T) {
	t.Run("module outside plan denies despite grant", func(t *testing.T) {
		f := newEngineFixture(t)
		f.snapshot(t, "org-1", &entitlements.Snapshot{Status: entitlements.StatusActive, Modules: []string{"cases"}})
		f.grants(t, "u1", "org-1", "cases.read", "billing.manage")

		_, err := f.engine.Authorize(context.Background(), member("org-1"), Requirement{Permissions: []string{"cases.read", "billing.manage"}}, "")
		assertForbidden(t, err, "module 'billing' not available in current plan")
	})

	t.Run("snapshot without module list skips the gate", func(t *testing.T) {
		f := newEngineFixture(t)
		require.NoError(t, f.mr.Set("subscription:org-1", `{"status":"active"}`))
		f.grants(t, "u1", "org-1", "billing.manage")

		_, err := f.engine.Authorize(context.Background(), member("org-1"), Requirement{Permissions: []string{"billing.manage"}}, "")
		assert.NoError(t, err)
	})

	t.Run("missing snapshot does not block", func(t *testing.T) {
		f := newEngineFixture(t)
		f.grants(t, "u1", "org-1", "billing.manage")

		decision, err := f.engine.Authorize(context.Background(), member("org-1"), Requirement{Permissions: []string{"billing.manage"}}, "")
		require.NoError(t, err)
		assert.Equal(t, ReasonGranted, decision.Reason)
	})
}

func TestEngineGrantSet(t *testing.T) {
	req := Requirement{Permissions: []string{"roles.read", "roles.assign"}}

	t.Run("all keys present allows", func(t *testing.T) {
		f := newEngineFixture(t)
		f.grants(t, "u1", "org-1", "roles.read", "roles.assign", "cases.read")

		decision, err := f.engine.Authorize(context.Background(), member("org-1"), req, "")
		require.NoError(t, err)
		assert.False(t, decision.CacheMiss)
		assert.Equal(t, ReasonGranted, decision.Reason)
	})

	t.Run("one key missing denies", func(t *testing.T) {
		f := newEngineFixture(t)
		f.grants(t, "u1", "org-1", "roles.read")

		_, err := f.engine.Authorize(context.Background(), member("org-1"), req, "")
		assertForbidden(t, err, ReasonMissingPermissions)
		assert.Empty(t, f.rebuilder.scheduled())
	})

	t.Run("miss allows and schedules rebuild", func(t *testing.T) {
		f := newEngineFixture(t)

		decision, err := f.engine.Authorize(context.Background(), member("org-1"), req, "")
		require.NoError(t, err)
		assert.True(t, decision.CacheMiss)
		assert.Equal(t, ReasonCacheMiss, decision.Reason)
		assert.Equal(t, []scheduledRebuild{{"u1", "org-1"}}, f.rebuilder.scheduled())
	})

	t.Run("no tenant reads the system grant set", func(t *testing.T) {
		f := newEngineFixture(t)
		client := &Identity{SubjectID: "s1", Role: "client"}

		decision, err := f.engine.Authorize(context.Background(), client, Requirement{Permissions: []string{"billing.manage"}}, "")
		require.NoError(t, err)
		assert.True(t, decision.CacheMiss)
		assert.Equal(t, []scheduledRebuild{{"s1", ""}}, f.rebuilder.scheduled())

		f.grants(t, "s1", "", "cases.read")
		_, err = f.engine.Authorize(context.Background(), client, Requirement{Permissions: []string{"billing.manage"}}, "")
		assertForbidden(t, err, ReasonMissingPermissions)
	})
}

func TestEngineStoreFailures(t *testing.T) {
	t.Run("snapshot error is a hard failure", func(t *testing.T) {
		f := newEngineFixture(t)
		engine := NewEngine(EngineConfig{
			Store:          &failingStore{Store: f.store, snapshotErr: errors.New("redis down")},
			Rebuilder:      f.rebuilder,
			SuperAdminRole: "super_admin",
		})

		_, err := engine.Authorize(context.Background(), member("org-1"), Requirement{Permissions: []string{"cases.read"}}, "")
		require.Error(t, err)
		assert.False(t, IsForbidden(err))
		assert.Contains(t, err.Error(), "redis down")
	})

	t.Run("grant set error is a cache miss", func(t *testing.T) {
		f := newEngineFixture(t)
		engine := NewEngine(EngineConfig{
			Store:          &failingStore{Store: f.store, grantErr: errors.New("redis down")},
			Rebuilder:      f.rebuilder,
			SuperAdminRole: "super_admin",
		})

		decision, err := engine.Authorize(context.Background(), member("org-1"), Requirement{Permissions: []string{"cases.read"}}, "")
		require.NoError(t, err)
		assert.True(t, decision.CacheMiss)
		assert.Len(t, f.rebuilder.scheduled(), 1)
	})
}

func TestEngineStepOrder(t *testing.T) {
	// a suspended tenant must see the subscription reason, never a permission one
	f := newEngineFixture(t)
	f.snapshot(t, "T", &entitlements.Snapshot{Status: entitlements.StatusPastDue, Modules: []string{"cases"}})
	f.grants(t, "u1", "T")

	for _, perm := range []string{"cases.read", "billing.manage", "roles.delete"} {
		_, err := f.engine.Authorize(context.Background(), member("T"), Requirement{Permissions: []string{perm}}, "")
		assertForbidden(t, err, ReasonSubscriptionInactive)
	}
}

func TestCheckLimit(t *testing.T) {
	f := newEngineFixture(t)
	f.snapshot(t, "org-1", &entitlements.Snapshot{
		Status: entitlements.StatusActive,
		Limits: map[string]int{"max_cases": 10, "max_users": entitlements.Unlimited},
	})
	ctx := context.Background()

	assert.NoError(t, f.engine.CheckLimit(ctx, "org-1", "max_cases", 9))
	assertForbidden(t, f.engine.CheckLimit(ctx, "org-1", "max_cases", 10), "plan limit exceeded for max_cases. current: 10, limit: 10")
	assert.NoError(t, f.engine.CheckLimit(ctx, "org-1", "max_users", 100000))
	assert.NoError(t, f.engine.CheckLimit(ctx, "org-1", "max_documents", 5))
	assert.NoError(t, f.engine.CheckLimit(ctx, "org-2", "max_cases", 500))
	assert.NoError(t, f.engine.CheckLimit(ctx, "", "max_cases", 500))
}

func TestEmbeddedCaseExport(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.mfa.enabled["u1"] = true
	f.grants(t, "u1", "org-1", "cases.export")
	f.snapshot(t, "org-1", &entitlements.Snapshot{Status: entitlements.StatusActive, Limits: map[string]int{"maxCases": 3}})

	req, ok := DefaultTable("super_admin").Lookup(OpCasesExport)
	require.True(t, ok)

	_, err := f.engine.Authorize(ctx, member("org-1"), req, "")
	assertForbidden(t, err, ReasonMFARequired)

	verified := member("org-1")
	verified.MFAVerified = true
	_, err = f.engine.Authorize(ctx, verified, req, "")
	require.NoError(t, err)

	assert.NoError(t, f.engine.CheckLimit(ctx, "org-1", "maxCases", 2))
	assert.True(t, IsForbidden(f.engine.CheckLimit(ctx, "org-1", "maxCases", 3)))
}
