package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig carries the connection settings for the Redis cache.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// Redis implements Cache on go-redis v9.
type Redis struct {
	rdb    *redis.Client
	prefix string
	log    *slog.Logger
}

// incrScript increments a counter and applies the ttl only on the
// increment that created the key, in one atomic step.
var incrScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// casScript compares the stored value against ARGV[1] ('' matches a
// missing key) and writes ARGV[2] on match.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local want = ARGV[1]
if (cur == false and want == '') or (cur ~= false and cur == want) then
  if tonumber(ARGV[3]) > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
  else
    redis.call('SET', KEYS[1], ARGV[2])
  end
  return 1
end
return 0
`)

// NewRedis connects and pings. The caller decides whether a failure
// falls back to the in-memory cache.
func NewRedis(cfg RedisConfig, log *slog.Logger) (*Redis, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", cfg.Addr, err)
	}

	log.Info("redis connected", "addr", cfg.Addr, "db", cfg.DB)
	return &Redis{rdb: rdb, prefix: cfg.KeyPrefix, log: log}, nil
}

func (c *Redis) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + k
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	return val, err
}

func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.rdb.Set(ctx, c.key(key), value, ttl).Err()
}

func (c *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.rdb.Del(ctx, full...).Err()
}

func (c *Redis) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := incrScript.Run(ctx, c.rdb, []string{c.key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return res, nil
}

func (c *Redis) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	res, err := casScript.Run(ctx, c.rdb, []string{c.key(key)}, string(old), string(next), ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("cas %s: %w", key, err)
	}
	return res == 1, nil
}

func (c *Redis) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	pipe := c.rdb.TxPipeline()
	pipe.SAdd(ctx, c.key(key), ifaces...)
	if ttl > 0 {
		pipe.PExpire(ctx, c.key(key), ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return c.rdb.SRem(ctx, c.key(key), ifaces...).Err()
}

func (c *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, c.key(key)).Result()
}

func (c *Redis) SCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.SCard(ctx, c.key(key)).Result()
}

// DeletePattern walks the keyspace with SCAN and deletes in batches.
// Keys created mid-scan may survive; callers treat this as cleanup.
func (c *Redis) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var removed int64
	iter := c.rdb.Scan(ctx, 0, c.key(pattern), 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			n, err := c.rdb.Del(ctx, batch...).Result()
			removed += n
			if err != nil {
				return removed, err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	if len(batch) > 0 {
		n, err := c.rdb.Del(ctx, batch...).Result()
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (c *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.rdb.Publish(ctx, c.key(topic), payload).Err()
}

// Subscribe registers handler on a pub/sub topic and returns an
// unsubscribe function. Messages for one subscription are dispatched
// sequentially, preserving publish order.
func (c *Redis) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func(), error) {
	sub := c.rdb.Subscribe(ctx, c.key(topic))

	// Wait for subscription confirmation before returning so callers
	// never miss frames published right after Subscribe.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.rdb.Close()
}
