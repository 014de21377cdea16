package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "fimgate:cache:"

// The group is wrapped in a hash tag so every key of a group lands in the
// same cluster slot and the scripts may touch them together.
func redisGenKey(group string) string { return keyPrefix + "{" + group + "}:gen" }
func redisIndexKey(group string) string { return keyPrefix + "{" + group + "}:keys" }
func redisEntryKey(group, key string) string {
	return keyPrefix + "{" + group + "}:e:" + key
}

// KEYS: gen, entry, index. ARGV: expected generation, value, ttl ms.
var putScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('SADD', KEYS[3], KEYS[2])
redis.call('PEXPIRE', KEYS[3], ARGV[3])
return 1
`)

// KEYS: gen, index.
var clearScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[2])
for _, k in ipairs(members) do
  redis.call('DEL', k)
end
redis.call('DEL', KEYS[2])
return redis.call('INCR', KEYS[1])
`)

// RedisStore shares cached replies between gateway replicas.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an established client. The store owns the client from
// then on and closes it in Close.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Generation(ctx context.Context, group string) (uint64, error) {
	if s == nil || s.client == nil {
		return 0, ErrUnavailable
	}
	raw, err := s.client.Get(ctx, redisGenKey(group)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read generation: %w", err)
	}
	gen, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode generation %q: %w", raw, err)
	}
	return gen, nil
}

func (s *RedisStore) Get(ctx context.Context, group, key string) ([]byte, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, ErrUnavailable
	}
	data, err := s.client.Get(ctx, redisEntryKey(group, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read entry: %w", err)
	}
	return data, true, nil
}

func (s *RedisStore) Put(ctx context.Context, group, key string, gen uint64, value []byte, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, ErrUnavailable
	}
	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	res, err := putScript.Run(ctx, s.client,
		[]string{redisGenKey(group), redisEntryKey(group, key), redisIndexKey(group)},
		strconv.FormatUint(gen, 10), value, ms,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("store entry: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Clear(ctx context.Context, group string) (uint64, error) {
	if s == nil || s.client == nil {
		return 0, ErrUnavailable
	}
	gen, err := clearScript.Run(ctx, s.client, []string{redisGenKey(group), redisIndexKey(group)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("clear group: %w", err)
	}
	return uint64(gen), nil
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
