package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript applies one fixed-window step atomically.
// KEYS[1] = bucket hash (fields: start, count)
// ARGV[1] = now in unix ms
// ARGV[2] = period in ms
// ARGV[3] = max hits per window
// ARGV[4] = 1 to take a slot, 0 to peek
// Returns {admitted, start_ms, count}.
var fixedWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local period = tonumber(ARGV[2])
		local max    = tonumber(ARGV[3])
		local take   = tonumber(ARGV[4])

		local vals  = redis.call('HMGET', key, 'start', 'count')
		local start = tonumber(vals[1])
		local count = tonumber(vals[2])

		if start == nil or count == nil or now - start >= period then
			if take == 0 then
				return {1, now, 0}
			end
			redis.call('HSET', key, 'start', now, 'count', 1)
			redis.call('PEXPIRE', key, period)
			return {1, now, 1}
		end

		if take == 0 then
			return {1, start, count}
		end
		if count >= max then
			return {0, start, count}
		end
		count = redis.call('HINCRBY', key, 'count', 1)
		return {1, start, count}
`)

const redisKeyPrefix = "ratelimit:"

// RedisStore keeps counters in Redis so replicas share quotas.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Take(ctx context.Context, bucket string, now time.Time, spec Spec) (Window, bool, error) {
	return s.run(ctx, bucket, now, spec, 1)
}

func (s *RedisStore) Peek(ctx context.Context, bucket string, now time.Time, spec Spec) (Window, error) {
	w, _, err := s.run(ctx, bucket, now, spec, 0)
	return w, err
}

func (s *RedisStore) run(ctx context.Context, bucket string, now time.Time, spec Spec, take int) (Window, bool, error) {
	res, err := fixedWindowScript.Run(ctx, s.rdb,
		[]string{redisKeyPrefix + bucket},
		now.UnixMilli(), spec.Period.Milliseconds(), spec.Max, take,
	).Int64Slice()
	if err != nil {
		return Window{}, false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(res) != 3 {
		return Window{}, false, fmt.Errorf("ratelimit: redis: unexpected reply length %d", len(res))
	}
	return Window{Start: time.UnixMilli(res[1]), Count: int(res[2])}, res[0] == 1, nil
}
