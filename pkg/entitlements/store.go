package entitlements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/caseguard/pkg/observability"
)

// Store is the typed view over the entitlement cache
type Store interface {
	GetSnapshot(ctx context.Context, tenantID string) (*Snapshot, error)
	SetSnapshot(ctx context.Context, tenantID string, snap *Snapshot, ttl time.Duration) error
	DeleteSnapshot(ctx context.Context, tenantID string) error

	GetGrantSet(ctx context.Context, subjectID, tenantID string) ([]string, bool, error)
	SetGrantSet(ctx context.Context, subjectID, tenantID string, keys []string, ttl time.Duration) error
	DeleteGrantSet(ctx context.Context, subjectID, tenantID string) error

	GrantGeneration(ctx context.Context, subjectID, tenantID string) (Generation, error)
	SetGrantSetIfCurrent(ctx context.Context, subjectID, tenantID string, keys []string, ttl time.Duration, gen Generation) (bool, error)
	BumpGeneration(ctx context.Context, keys ...string) error

	DeletePattern(ctx context.Context, pattern string) (int, error)
	Ping(ctx context.Context) error
}

const scanBatch = 100

// RedisStore implements Store on redis with JSON values
type RedisStore struct {
	client     redis.UniversalClient
	defaultTTL time.Duration
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewRedisStore wraps client. A zero ttl passed to a setter uses defaultTTL.
func NewRedisStore(client redis.UniversalClient, defaultTTL time.Duration, logger *observability.Logger, metrics *observability.Metrics) *RedisStore {
	return &RedisStore{
		client:     client,
		defaultTTL: defaultTTL,
		logger:     observability.Default(logger),
		metrics:    metrics,
	}
}

func (s *RedisStore) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}

// GetSnapshot returns the tenant snapshot, or nil on a miss
func (s *RedisStore) GetSnapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	var snap Snapshot
	found, err := s.getJSON(ctx, "subscription", SubscriptionKey(tenantID), &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

// SetSnapshot writes the tenant snapshot
func (s *RedisStore) SetSnapshot(ctx context.Context, tenantID string, snap *Snapshot, ttl time.Duration) error {
	if snap == nil {
		return errors.New("snapshot is nil")
	}
	return s.setJSON(ctx, SubscriptionKey(tenantID), snap, ttl)
}

// DeleteSnapshot removes the tenant snapshot; a missing key is not an error
func (s *RedisStore) DeleteSnapshot(ctx context.Context, tenantID string) error {
	if err := s.client.Del(ctx, SubscriptionKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// GetGrantSet returns the cached permission keys for (subject, tenant)
func (s *RedisStore) GetGrantSet(ctx context.Context, subjectID, tenantID string) ([]string, bool, error) {
	var keys []string
	found, err := s.getJSON(ctx, "permissions", PermissionsKey(subjectID, tenantID), &keys)
	if err != nil || !found {
		return nil, false, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, true, nil
}

// SetGrantSet caches the permission keys for (subject, tenant)
func (s *RedisStore) SetGrantSet(ctx context.Context, subjectID, tenantID string, keys []string, ttl time.Duration) error {
	if keys == nil {
		keys = []string{}
	}
	return s.setJSON(ctx, PermissionsKey(subjectID, tenantID), keys, ttl)
}

// DeleteGrantSet removes one grant set; a missing key is not an error
func (s *RedisStore) DeleteGrantSet(ctx context.Context, subjectID, tenantID string) error {
	if err := s.client.Del(ctx, PermissionsKey(subjectID, tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to delete grant set: %w", err)
	}
	return nil
}

// DeletePattern deletes every key matching pattern and returns how many were removed
func (s *RedisStore) DeletePattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("failed to delete keys for pattern %s: %w", pattern, err)
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scan failed for pattern %s: %w", pattern, err)
	}
	if err := flush(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// Ping checks redis connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) getJSON(ctx context.Context, namespace, key string, dest interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		s.metrics.RecordCacheLookup(namespace, "miss")
		return false, nil
	}
	if err != nil {
		s.metrics.RecordCacheLookup(namespace, "error")
		return false, fmt.Errorf("redis get failed: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		s.logger.WithField("key", key).WithError(err).Warn("deleting corrupt entitlement entry")
		if delErr := s.client.Del(ctx, key).Err(); delErr != nil {
			s.logger.WithField("key", key).WithError(delErr).Warn("failed to delete corrupt entitlement entry")
		}
		s.metrics.RecordCacheLookup(namespace, "miss")
		return false, nil
	}

	s.metrics.RecordCacheLookup(namespace, "hit")
	return true, nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, s.ttl(ttl)).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
