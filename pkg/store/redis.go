package store

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var errClientUnavailable = errors.New("redis client not initialized")

// ClientProvider hands out the current Redis client. The reconnecting wrapper in
// pkg/redis satisfies it; tests can wrap a plain client with Direct.
type ClientProvider interface {
	GetClient() *goredis.Client
}

type directClient struct {
	client *goredis.Client
}

func (d directClient) GetClient() *goredis.Client { return d.client }

// Direct adapts a plain go-redis client to ClientProvider
func Direct(client *goredis.Client) ClientProvider {
	return directClient{client: client}
}

// RedisStore implements Store on top of Redis
type RedisStore struct {
	provider ClientProvider
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(provider ClientProvider) *RedisStore {
	return &RedisStore{provider: provider}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) client() (*goredis.Client, error) {
	c := s.provider.GetClient()
	if c == nil {
		return nil, errClientUnavailable
	}
	return c, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	c, err := s.client()
	if err != nil {
		return "", false, err
	}
	val, err := c.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c, err := s.client()
	if err != nil {
		return false, err
	}
	return c.SetNX(ctx, key, value, ttl).Result()
}

// Increment seeds the key with its TTL only when absent, then increments,
// inside one MULTI/EXEC so concurrent instances agree on the count.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c, err := s.client()
	if err != nil {
		return 0, err
	}

	var incr *goredis.IntCmd
	_, err = c.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, ttl)
		incr = pipe.Incr(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	c, err := s.client()
	if err != nil {
		return 0, err
	}
	d, err := c.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return normalizeTTL(d), nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.Del(ctx, keys...).Err()
}

func (s *RedisStore) Push(ctx context.Context, key string, values ...string) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.LPush(ctx, key, toArgs(values)...).Err()
}

func (s *RedisStore) Trim(ctx context.Context, key string, start, stop int64) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.LTrim(ctx, key, start, stop).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	c, err := s.client()
	if err != nil {
		return nil, err
	}
	return c.LRange(ctx, key, start, stop).Result()
}

// Pipeline returns a MULTI/EXEC batch
func (s *RedisStore) Pipeline() Pipeline {
	return &redisPipeline{store: s}
}

// normalizeTTL maps the -1/-2 sentinels for "no expiry" and "missing key" to zero
func normalizeTTL(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

type redisPipeline struct {
	store *RedisStore
	queue []func(ctx context.Context, pipe goredis.Pipeliner) func() Result
}

func (p *redisPipeline) add(op func(ctx context.Context, pipe goredis.Pipeliner) func() Result) {
	p.queue = append(p.queue, op)
}

func (p *redisPipeline) Get(key string) {
	p.add(func(ctx context.Context, pipe goredis.Pipeliner) func() Result {
		cmd := pipe.Get(ctx, key)
		return func() Result {
			val, err := cmd.Result()
			if errors.Is(err, goredis.Nil) {
				return Result{}
			}
			if err != nil {
				return Result{Err: err}
			}
			return Result{Val: val}
		}
	})
}

func (p *redisPipeline) Set(key, value string, ttl time.Duration) {
	p.add(func(ctx context.Context, pipe goredis.Pipeliner) func() Result {
		cmd := pipe.Set(ctx, key, value, ttl)
		return func() Result {
			val, err := cmd.Result()
			return Result{Val: val, Err: err}
		}
	})
}

func (p *redisPipeline) Increment(key string, ttl time.Duration) {
	p.add(func(ctx context.Context, pipe goredis.Pipeliner) func() Result {
		pipe.SetNX(ctx, key, 0, ttl)
		cmd := pipe.Incr(ctx, key)
		return func() Result {
			val, err := cmd.Result()
			return Result{Val: val, Err: err}
		}
	})
}

func (p *redisPipeline) TTL(key string) {
	p.add(func(ctx context.Context, pipe goredis.Pipeliner) func() Result {
		cmd := pipe.PTTL(ctx, key)
		return func() Result {
			val, err := cmd.Result()
			return Result{Val: normalizeTTL(val), Err: err}
		}
	})
}

func (p *redisPipeline) Delete(keys ...string) {
	p.add(func(ctx context.Context, pipe goredis.Pipeliner) func() Result {
		cmd := pipe.Del(ctx, keys...)
		return func() Result {
			val, err := cmd.Result()
			return Result{Val: val, Err: err}
		}
	})
}

func (p *redisPipeline) Push(key string, values ...string) {
	p.add(func(ctx context.Context, pipe goredis.Pipeliner) func() Result {
		cmd := pipe.LPush(ctx, key, toArgs(values)...)
		return func() Result {
			val, err := cmd.Result()
			return Result{Val: val, Err: err}
		}
	})
}

func (p *redisPipeline) Trim(key string, start, stop int64) {
	p.add(func(ctx context.Context, pipe goredis.Pipeliner) func() Result {
		cmd := pipe.LTrim(ctx, key, start, stop)
		return func() Result {
			return Result{Err: cmd.Err()}
		}
	})
}

func (p *redisPipeline) Expire(key string, ttl time.Duration) {
	p.add(func(ctx context.Context, pipe goredis.Pipeliner) func() Result {
		cmd := pipe.Expire(ctx, key, ttl)
		return func() Result {
			val, err := cmd.Result()
			return Result{Val: val, Err: err}
		}
	})
}

func (p *redisPipeline) Range(key string, start, stop int64) {
	p.add(func(ctx context.Context, pipe goredis.Pipeliner) func() Result {
		cmd := pipe.LRange(ctx, key, start, stop)
		return func() Result {
			val, err := cmd.Result()
			return Result{Val: val, Err: err}
		}
	})
}

func (p *redisPipeline) Exec(ctx context.Context) ([]Result, error) {
	c, err := p.store.client()
	if err != nil {
		return nil, err
	}

	pipe := c.TxPipeline()
	readers := make([]func() Result, len(p.queue))
	for i, op := range p.queue {
		readers[i] = op(ctx, pipe)
	}
	p.queue = nil

	// go-redis records per-command errors, so each reader sees its own outcome
	_, err = pipe.Exec(ctx)
	if errors.Is(err, goredis.Nil) {
		err = nil
	}

	results := make([]Result, len(readers))
	for i, read := range readers {
		results[i] = read()
	}
	return results, err
}
