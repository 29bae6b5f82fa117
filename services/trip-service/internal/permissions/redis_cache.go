package permissions

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stores the decision only while the resource epoch still matches and records the key
// in the resource index used by bulk invalidation.
var setIfEpochScript = redis.NewScript(`
local epoch = redis.call("GET", KEYS[2]) or "0"
if epoch ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
redis.call("SADD", KEYS[3], KEYS[1])
redis.call("PEXPIRE", KEYS[3], ARGV[3])
return 1
`)

var invalidateResourceScript = redis.NewScript(`
redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
local members = redis.call("SMEMBERS", KEYS[2])
for _, k in ipairs(members) do
  redis.call("DEL", k)
end
redis.call("DEL", KEYS[2])
return #members
`)

// epochTTL bounds how long an untouched resource keeps its epoch key. It only needs to
// outlive a single store lookup.
const epochTTL = 24 * time.Hour

var keyEscaper = strings.NewReplacer(":", "_", "{", "_", "}", "_")

func keyPart(s string) string {
	return keyEscaper.Replace(s)
}

// RedisCache shares decisions between trip-service instances. All keys of a resource
// carry the same hash tag so the scripts stay on one cluster slot.
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisCache(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "perm"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) tag(resource string) string {
	return c.prefix + ":{" + keyPart(resource) + "}"
}

func (c *RedisCache) decisionKey(k Key) string {
	return c.tag(k.Resource) + ":d:" + keyPart(k.Principal) + ":" + string(k.Action)
}

func (c *RedisCache) epochKey(resource string) string {
	return c.tag(resource) + ":epoch"
}

func (c *RedisCache) indexKey(resource string) string {
	return c.tag(resource) + ":keys"
}

func (c *RedisCache) Get(ctx context.Context, k Key) (Lookup, error) {
	vals, err := c.rdb.MGet(ctx, c.decisionKey(k), c.epochKey(k.Resource)).Result()
	if err != nil {
		return Lookup{}, fmt.Errorf("redis permission get %s: %w", k, err)
	}
	var l Lookup
	if s, ok := vals[1].(string); ok {
		if l.Epoch, err = strconv.ParseUint(s, 10, 64); err != nil {
			return Lookup{}, fmt.Errorf("redis permission epoch %q: %w", s, err)
		}
	}
	if s, ok := vals[0].(string); ok {
		l.Hit = true
		l.Allowed = s == "1"
	}
	return l, nil
}

func (c *RedisCache) Set(ctx context.Context, k Key, allowed bool, epoch uint64) error {
	v := "0"
	if allowed {
		v = "1"
	}
	keys := []string{c.decisionKey(k), c.epochKey(k.Resource), c.indexKey(k.Resource)}
	err := setIfEpochScript.Run(ctx, c.rdb, keys, strconv.FormatUint(epoch, 10), v, c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis permission set %s: %w", k, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, k Key) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, c.epochKey(k.Resource))
		p.PExpire(ctx, c.epochKey(k.Resource), epochTTL)
		p.Del(ctx, c.decisionKey(k))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis permission invalidate %s: %w", k, err)
	}
	return nil
}

func (c *RedisCache) InvalidateResource(ctx context.Context, resource string) error {
	keys := []string{c.epochKey(resource), c.indexKey(resource)}
	if err := invalidateResourceScript.Run(ctx, c.rdb, keys, epochTTL.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis permission invalidate resource %s: %w", resource, err)
	}
	return nil
}
