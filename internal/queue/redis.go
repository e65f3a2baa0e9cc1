package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "changehook:delivery_jobs"

// Members are scored by their due time in unix milliseconds. An existing member
// only moves to an earlier score.
var enqueueScript = redis.NewScript(`
local cur = redis.call('ZSCORE', KEYS[1], ARGV[2])
if cur then
  if tonumber(ARGV[1]) < tonumber(cur) then
    redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
  end
  return 1
end
local cap = tonumber(ARGV[3])
if cap > 0 and redis.call('ZCARD', KEYS[1]) >= cap then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

var popScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ids[1])
return ids[1]
`)

// Redis is a Queue shared by every process pointed at the same key. Consumers
// poll for due members.
type Redis struct {
	rdb      *redis.Client
	key      string
	capacity int
	poll     time.Duration
	now      func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

type RedisOption func(*Redis)

func WithKey(key string) RedisOption { return func(r *Redis) { r.key = key } }

func WithPollInterval(d time.Duration) RedisOption { return func(r *Redis) { r.poll = d } }

func NewRedis(rdb *redis.Client, capacity int, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:      rdb,
		key:      DefaultRedisKey,
		capacity: capacity,
		poll:     250 * time.Millisecond,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewRedisFromURL parses a redis:// URL, as used by REDIS_URL.
func NewRedisFromURL(url string, capacity int, opts ...RedisOption) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedis(redis.NewClient(opt), capacity, opts...), nil
}

func (r *Redis) Enqueue(ctx context.Context, id string, notBefore time.Time) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	n, err := enqueueScript.Run(ctx, r.rdb, []string{r.key}, notBefore.UnixMilli(), id, r.capacity).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrQueueFull
	}
	return nil
}

func (r *Redis) Dequeue(ctx context.Context) (string, error) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		id, err := popScript.Run(ctx, r.rdb, []string{r.key}, r.now().UnixMilli()).Text()
		switch {
		case err == nil:
			return id, nil
		case !errors.Is(err, redis.Nil):
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-r.done:
			return "", ErrClosed
		case <-ticker.C:
		}
	}
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.rdb.ZCard(ctx, r.key).Result()
	return int(n), err
}

// Close stops consumers. The underlying client stays open.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}
