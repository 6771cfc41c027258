package authz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/caseguard/pkg/entitlements"
)

type fakeGrantSource struct {
	calls   atomic.Int32
	delay   time.Duration
	err     error
	mu      sync.Mutex
	grants  map[string][]string
	lastArg [3]string
}

func (f *fakeGrantSource) ResolveGrantSet(ctx context.Context, subjectID, systemRole, tenantID string) ([]string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastArg = [3]string{subjectID, systemRole, tenantID}
	if f.err != nil {
		return nil, f.err
	}
	return f.grants[subjectID+":"+tenantID], nil
}

func TestRebuilderRebuild(t *testing.T) {
	f := newEngineFixture(t)
	source := &fakeGrantSource{grants: map[string][]string{"u1:org-1": {"cases.read", "cases.create"}}}
	r := NewRebuilder(source, f.store, RebuilderConfig{TTL: 30 * time.Minute}, nil, nil)

	require.NoError(t, r.Rebuild(context.Background(), member("org-1"), "org-1"))

	keys, found, err := f.store.GetGrantSet(context.Background(), "u1", "org-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.ElementsMatch(t, []string{"cases.read", "cases.create"}, keys)
	assert.Equal(t, 30*time.Minute, f.mr.TTL("permissions:u1:org-1"))
	assert.Equal(t, [3]string{"u1", "org_member", "org-1"}, source.lastArg)
}

func TestRebuilderRebuildError(t *testing.T) {
	f := newEngineFixture(t)
	source := &fakeGrantSource{err: errors.New("db down")}
	r := NewRebuilder(source, f.store, RebuilderConfig{Debounce: time.Minute, DebounceSize: 10}, nil, nil)

	err := r.Rebuild(context.Background(), member("org-1"), "org-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.False(t, f.mr.Exists("permissions:u1:org-1"))
}

func TestRebuilderSingleflight(t *testing.T) {
	f := newEngineFixture(t)
	source := &fakeGrantSource{delay: 50 * time.Millisecond, grants: map[string][]string{"u1:org-1": {"cases.read"}}}
	r := NewRebuilder(source, f.store, RebuilderConfig{}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Rebuild(context.Background(), member("org-1"), "org-1"))
		}()
	}
	wg.Wait()

	assert.Less(t, source.calls.Load(), int32(10))
}

func TestRebuilderScheduleDebounce(t *testing.T) {
	f := newEngineFixture(t)
	source := &fakeGrantSource{grants: map[string][]string{"u1:org-1": {"cases.read"}}}
	r := NewRebuilder(source, f.store, RebuilderConfig{Debounce: time.Minute, DebounceSize: 100}, nil, nil)

	r.Schedule(member("org-1"), "org-1")
	assert.Eventually(t, func() bool {
		return f.mr.Exists("permissions:u1:org-1")
	}, time.Second, 10*time.Millisecond)

	f.mr.Del("permissions:u1:org-1")
	r.Schedule(member("org-1"), "org-1")
	time.Sleep(50 * time.Millisecond)
	assert.False(t, f.mr.Exists("permissions:u1:org-1"), "second schedule inside the window is debounced")
	assert.Equal(t, int32(1), source.calls.Load())

	r.Forget("u1", "org-1")
	r.Schedule(member("org-1"), "org-1")
	assert.Eventually(t, func() bool {
		return f.mr.Exists("permissions:u1:org-1")
	}, time.Second, 10*time.Millisecond)
}

func TestRebuilderNilIdentity(t *testing.T) {
	f := newEngineFixture(t)
	source := &fakeGrantSource{}
	r := NewRebuilder(source, f.store, RebuilderConfig{}, nil, nil)
	r.Schedule(nil, "org-1")
	assert.Zero(t, source.calls.Load())
}

func TestEngineWithRebuilderRoundTrip(t *testing.T) {
	f := newEngineFixture(t)
	source := &fakeGrantSource{grants: map[string][]string{"u1:org-1": {"roles.read"}}}
	r := NewRebuilder(source, f.store, RebuilderConfig{}, nil, nil)
	engine := NewEngine(EngineConfig{Store: f.store, Rebuilder: r, SuperAdminRole: "super_admin"})
	ctx := context.Background()

	decision, err := engine.Authorize(ctx, member("org-1"), Requirement{Permissions: []string{"roles.delete"}}, "")
	require.NoError(t, err)
	assert.True(t, decision.CacheMiss)

	assert.Eventually(t, func() bool {
		return f.mr.Exists("permissions:u1:org-1")
	}, time.Second, 10*time.Millisecond)

	_, err = engine.Authorize(ctx, member("org-1"), Requirement{Permissions: []string{"roles.delete"}}, "")
	assertForbidden(t, err, ReasonMissingPermissions)

	decision, err = engine.Authorize(ctx, member("org-1"), Requirement{Permissions: []string{"roles.read"}}, "")
	require.NoError(t, err)
	assert.Equal(t, ReasonGranted, decision.Reason)
}

// blockingGrantSource parks ResolveGrantSet until release is closed
type blockingGrantSource struct {
	entered chan struct{}
	release chan struct{}
	grants  []string
}

func (b *blockingGrantSource) ResolveGrantSet(ctx context.Context, subjectID, systemRole, tenantID string) ([]string, error) {
	close(b.entered)
	<-b.release
	return b.grants, nil
}

func TestRebuilderDiscardsResultInvalidatedMidFlight(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	source := &blockingGrantSource{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		grants:  []string{"roles.delete"},
	}
	r := NewRebuilder(source, f.store, RebuilderConfig{}, nil, nil)
	coordinator := entitlements.NewCoordinator(f.store, time.Hour, nil, nil)

	done := make(chan error, 1)
	go func() { done <- r.Rebuild(ctx, member("org-1"), "org-1") }()

	<-source.entered
	require.NoError(t, coordinator.AssignmentChanged(ctx, "u1", "org-1"))
	close(source.release)
	require.NoError(t, <-done)

	assert.False(t, f.mr.Exists("permissions:u1:org-1"), "grants read before the revoke must not be cached")

	engine := NewEngine(EngineConfig{Store: f.store, SuperAdminRole: "super_admin"})
	decision, err := engine.Authorize(ctx, member("org-1"), Requirement{Permissions: []string{"roles.delete"}}, "")
	require.NoError(t, err)
	assert.True(t, decision.CacheMiss)
}

func TestRebuilderAfterInvalidationWrites(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	source := &fakeGrantSource{grants: map[string][]string{"u1:org-1": {"cases.read"}}}
	r := NewRebuilder(source, f.store, RebuilderConfig{}, nil, nil)
	coordinator := entitlements.NewCoordinator(f.store, time.Hour, nil, nil)

	require.NoError(t, coordinator.RoleGrantsChanged(ctx, entitlements.RoleScope{ID: "r1", TenantID: "org-1"}))
	require.NoError(t, r.Rebuild(ctx, member("org-1"), "org-1"))
	assert.True(t, f.mr.Exists("permissions:u1:org-1"))
}

type fixedRoles map[string]string

func (f fixedRoles) SystemRole(_ context.Context, subjectID string) (string, error) {
	role, ok := f[subjectID]
	if !ok {
		return "", NotFound("user", subjectID)
	}
	return role, nil
}

func TestRebuilderRebuildSubject(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	source := &fakeGrantSource{grants: map[string][]string{"u1:org-1": {"cases.read"}}}

	r := NewRebuilder(source, f.store, RebuilderConfig{}, nil, nil)
	assert.Error(t, r.RebuildSubject(ctx, "u1", "org-1"), "no role source configured")

	r.WithRoles(fixedRoles{"u1": "org_member"})
	require.NoError(t, r.RebuildSubject(ctx, "u1", "org-1"))
	assert.Equal(t, [3]string{"u1", "org_member", "org-1"}, source.lastArg)
	assert.True(t, f.mr.Exists("permissions:u1:org-1"))

	err := r.RebuildSubject(ctx, "ghost", "org-1")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
