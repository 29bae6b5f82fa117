package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// The check and the increment run in one script, so concurrent callers cannot both pass
// the limit. The key expires at the end of its period.
var tryIncrementScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
if used > tonumber(ARGV[2]) - amount then
  return {0, used}
end
used = redis.call("INCRBY", KEYS[1], amount)
redis.call("PEXPIREAT", KEYS[1], ARGV[3])
return {1, used}
`)

// RedisStore is a fixed-window counter shared by every usage-service instance.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "quota"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(w Window) string {
	return s.prefix + ":" + w.Principal + ":" + strconv.FormatInt(w.Start.Unix(), 10)
}

func (s *RedisStore) TryIncrement(ctx context.Context, w Window, amount, limit int64) (int64, bool, error) {
	res, err := tryIncrementScript.Run(ctx, s.rdb, []string{s.key(w)}, amount, limit, w.End.UnixMilli()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis quota increment for %s: %w", w.Principal, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected redis script result %v", res)
	}
	return res[1], res[0] == 1, nil
}

func (s *RedisStore) Used(ctx context.Context, w Window) (int64, error) {
	used, err := s.rdb.Get(ctx, s.key(w)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis quota usage for %s: %w", w.Principal, err)
	}
	return used, nil
}
