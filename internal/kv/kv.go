// Package kv is the ephemeral key-value layer backing revocation sets,
// failure counters, sessions, MFA codes and rate-limit windows.
//
// Everything here survives a process restart of the service but not a
// restart of the store itself. Callers that can degrade gracefully check
// for ErrUnavailable and apply their own fail-open/fail-closed policy.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "mg:"

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnavailable is returned when the store cannot be reached.
	ErrUnavailable = errors.New("kv: store unavailable")
)

// Store is the contract every ephemeral-state consumer depends on.
// The concrete implementation is Redis; tests use miniredis through the
// same client.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Incr atomically increments a counter. The TTL is applied only when
	// the key is created, so the window is anchored at the first failure.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Allow implements a sliding-window rate limit: it records one event
	// under key and reports whether the window still had room for it.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RedisStore implements Store on top of go-redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedis connects a RedisStore using a redis:// URL.
func NewRedis(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisFromClient wraps an existing client. Tests use this with miniredis.
func NewRedisFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = keyPrefix + k
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := keyPrefix + key
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	// NX: the window starts at the first increment and is not extended by
	// later ones.
	pipe.ExpireNX(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return incr.Val(), nil
}

// allowScript trims, checks and records in one server-side step so two
// concurrent callers can never both slip through the last slot.
var allowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// allowSeq disambiguates events landing on the same nanosecond.
var allowSeq atomic.Uint64

// Allow records one event and reports whether it fit inside the window.
// Implemented as a sorted set of event timestamps, trimmed, counted and
// appended atomically.
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := keyPrefix + "win:" + key
	now := time.Now().UnixNano()
	cutoff := now - window.Nanoseconds()
	member := fmt.Sprintf("%d-%d", now, allowSeq.Add(1))

	res, err := allowScript.Run(ctx, s.client, []string{k},
		cutoff, limit, now, member, window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res == 1, nil
}
