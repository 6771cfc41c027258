package entitlements

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const generationPrefix = "permgen:"

// generationTTL bounds how long an idle counter is kept. It only has to
// outlive an in-flight rebuild.
const generationTTL = 24 * time.Hour

// GlobalGenerationKey is bumped when a system role changes or the cache is flushed
const GlobalGenerationKey = generationPrefix + "global"

// TenantGenerationKey is bumped when a role of the tenant changes
func TenantGenerationKey(tenantID string) string {
	return generationPrefix + "tenant:" + TenantKey(tenantID)
}

// SubjectGenerationKey is bumped when the subject's assignments change or it logs out
func SubjectGenerationKey(subjectID string) string {
	return generationPrefix + "subject:" + subjectID
}

// Generation holds the invalidation counters a grant set depends on, as read
// before its grants were resolved from the repository.
type Generation struct {
	keys   []string
	values []string
}

// String is stable for equal counter values
func (g Generation) String() string {
	return strings.Join(g.values, "/")
}

func generationKeys(subjectID, tenantID string) []string {
	return []string{GlobalGenerationKey, TenantGenerationKey(tenantID), SubjectGenerationKey(subjectID)}
}

// setIfGeneration writes KEYS[n+1] only while KEYS[1..n] still hold ARGV[2..n+1].
// A missing counter compares as the empty string.
var setIfGeneration = redis.NewScript(`
local n = tonumber(ARGV[1])
for i = 1, n do
  local current = redis.call('GET', KEYS[i])
  if current == false then current = '' end
  if current ~= ARGV[i + 1] then return 0 end
end
local ttl = tonumber(ARGV[n + 3])
if ttl > 0 then
  redis.call('SET', KEYS[n + 1], ARGV[n + 2], 'PX', ttl)
else
  redis.call('SET', KEYS[n + 1], ARGV[n + 2])
end
return 1
`)

// GrantGeneration reads the counters guarding the (subject, tenant) grant set
func (s *RedisStore) GrantGeneration(ctx context.Context, subjectID, tenantID string) (Generation, error) {
	keys := generationKeys(subjectID, tenantID)
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return Generation{}, fmt.Errorf("failed to read grant generation: %w", err)
	}

	gen := Generation{keys: keys, values: make([]string, len(keys))}
	for i, v := range vals {
		if str, ok := v.(string); ok {
			gen.values[i] = str
		}
	}
	return gen, nil
}

// SetGrantSetIfCurrent caches keys only if no invalidation ran since gen was
// read. It reports whether the grant set was written. A zero Generation
// writes unconditionally.
func (s *RedisStore) SetGrantSetIfCurrent(ctx context.Context, subjectID, tenantID string, keys []string, ttl time.Duration, gen Generation) (bool, error) {
	if len(gen.keys) == 0 {
		return true, s.SetGrantSet(ctx, subjectID, tenantID, keys, ttl)
	}
	if keys == nil {
		keys = []string{}
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return false, fmt.Errorf("failed to marshal grant set: %w", err)
	}

	scriptKeys := append(append([]string{}, gen.keys...), PermissionsKey(subjectID, tenantID))
	args := make([]interface{}, 0, len(gen.values)+3)
	args = append(args, len(gen.values))
	for _, v := range gen.values {
		args = append(args, v)
	}
	args = append(args, string(data), s.ttl(ttl).Milliseconds())

	written, err := setIfGeneration.Run(ctx, s.client, scriptKeys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("redis conditional set failed: %w", err)
	}
	return written == 1, nil
}

// BumpGeneration increments the given counters so rebuilds that read the
// previous values discard their result
func (s *RedisStore) BumpGeneration(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, key := range keys {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, generationTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to bump grant generation: %w", err)
	}
	return nil
}
