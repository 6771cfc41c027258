package billing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/caseguard/pkg/audit"
	"github.com/platinummonkey/caseguard/pkg/entitlements"
	"github.com/platinummonkey/caseguard/pkg/storage/storagetest"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type harness struct {
	store   *Store
	service *Service
	cache   *entitlements.RedisStore
	audit   *audit.MemoryEmitter
	mr      *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cache := entitlements.NewRedisStore(client, time.Hour, nil, nil)
	coordinator := entitlements.NewCoordinator(cache, time.Hour, nil, nil)

	store := NewStore(storagetest.OpenSQLite(t))
	emitter := &audit.MemoryEmitter{}
	service := NewService(store, coordinator, emitter, nil)
	service.now = func() time.Time { return testNow }

	return &harness{store: store, service: service, cache: cache, audit: emitter, mr: mr}
}

func (h *harness) createPlan(t *testing.T, slug string, interval BillingInterval, trialDays int) *Plan {
	t.Helper()
	plan := &Plan{
		Slug:            slug,
		Name:            slug,
		PriceCents:      4900,
		BillingInterval: interval,
		TrialDays:       trialDays,
		Active:          true,
		Public:          true,
		Modules:         []string{"cases", "chat"},
		Limits:          map[string]int{"max_users": 5, "storage_gb": entitlements.Unlimited},
	}
	require.NoError(t, h.store.CreatePlan(context.Background(), plan))
	return plan
}

func (h *harness) snapshot(t *testing.T, tenantID string) *entitlements.Snapshot {
	t.Helper()
	snap, err := h.cache.GetSnapshot(context.Background(), tenantID)
	require.NoError(t, err)
	return snap
}
