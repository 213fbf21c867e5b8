package chat

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultThrottlePrefix = "parley:send:"

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisThrottle is a SendThrottle shared by every instance pointing at the
// same Redis. Each allowed attempt is a key set with NX and a PX expiry.
type RedisThrottle struct {
	rdb      redis.Cmdable
	interval time.Duration
	prefix   string
}

// NewRedisThrottle constructs a RedisThrottle. interval <= 0 allows everything.
func NewRedisThrottle(rdb redis.Cmdable, interval time.Duration) (*RedisThrottle, error) {
	if rdb == nil {
		return nil, errors.New("chat: nil redis client")
	}
	return &RedisThrottle{rdb: rdb, interval: interval, prefix: defaultThrottlePrefix}, nil
}

// Allow reports whether an attempt for key is permitted and records it.
func (t *RedisThrottle) Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	if t.interval <= 0 {
		return true, 0, nil
	}

	k := t.prefix + key
	ok, err := t.rdb.SetNX(ctx, k, now.UnixMilli(), t.interval).Result()
	if err != nil {
		return false, 0, err
	}
	if ok {
		return true, 0, nil
	}

	ttl, err := t.rdb.PTTL(ctx, k).Result()
	if err != nil {
		return false, 0, err
	}
	// -1 (no expiry) or -2 (expired between calls): report the full interval.
	if ttl <= 0 {
		ttl = t.interval
	}
	return false, ttl, nil
}

// Release deletes the key if it still records the attempt made at at.
func (t *RedisThrottle) Release(ctx context.Context, key string, at time.Time) error {
	if t.interval <= 0 {
		return nil
	}
	return releaseScript.Run(ctx, t.rdb, []string{t.prefix + key}, strconv.FormatInt(at.UnixMilli(), 10)).Err()
}
