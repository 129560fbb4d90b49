// Package cache provides the Redis-backed counter store shared by every
// gateway instance.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gourl/quotagate/internal/config"
	"github.com/gourl/quotagate/internal/metrics"
	"github.com/gourl/quotagate/internal/ratelimit"
)

// defaultOpTimeout bounds a single command when none is configured.
const defaultOpTimeout = 250 * time.Millisecond

// Ensure RedisCounterStore implements ratelimit.CounterStore
var _ ratelimit.CounterStore = (*RedisCounterStore)(nil)

// RedisCounterStore implements ratelimit.CounterStore with GET, INCR and
// EXPIRE against a shared Redis server. Every command is bounded by the
// configured timeout; failures and timeouts are reported as
// ratelimit.ErrStoreUnavailable.
type RedisCounterStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisCounterStore creates a new Redis counter store client.
func NewRedisCounterStore(ctx context.Context, cfg *config.RedisConfig) (*RedisCounterStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// Verify connectivity
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisCounterStoreFromClient(client, cfg.OpTimeout), nil
}

// NewRedisCounterStoreFromClient wraps an existing client. A non-positive
// opTimeout selects the default.
func NewRedisCounterStoreFromClient(client *redis.Client, opTimeout time.Duration) *RedisCounterStore {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &RedisCounterStore{client: client, opTimeout: opTimeout}
}

// Get returns the counter stored at key.
func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, bool, error) {
	ctx, cancel, done := s.begin(ctx, "get")
	defer cancel()

	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			done(nil)
			return 0, false, nil
		}
		done(err)
		return 0, false, unavailable("get", err)
	}
	done(nil)

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, false, ratelimit.Malformed(key, raw, err)
	}
	return value, true, nil
}

// Incr atomically increments the counter at key, creating it at 1.
func (s *RedisCounterStore) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel, done := s.begin(ctx, "incr")
	defer cancel()

	n, err := s.client.Incr(ctx, key).Result()
	done(err)
	if err != nil {
		if isNotInteger(err) {
			return 0, ratelimit.Malformed(key, "", err)
		}
		return 0, unavailable("incr", err)
	}
	return n, nil
}

// Expire sets the time-to-live on key.
func (s *RedisCounterStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel, done := s.begin(ctx, "expire")
	defer cancel()

	err := s.client.Expire(ctx, key, ttl).Err()
	done(err)
	if err != nil {
		return unavailable("expire", err)
	}
	return nil
}

// TTL returns the remaining time-to-live on key. Redis reports -1 for keys
// without expiry and -2 for absent keys.
func (s *RedisCounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel, done := s.begin(ctx, "ttl")
	defer cancel()

	ttl, err := s.client.TTL(ctx, key).Result()
	done(err)
	if err != nil {
		return 0, unavailable("ttl", err)
	}
	return ttl, nil
}

// Ping checks if the store is reachable.
func (s *RedisCounterStore) Ping(ctx context.Context) error {
	ctx, cancel, done := s.begin(ctx, "ping")
	defer cancel()

	err := s.client.Ping(ctx).Err()
	done(err)
	if err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for advanced operations.
func (s *RedisCounterStore) Client() *redis.Client {
	return s.client
}

// begin bounds ctx by the command timeout and returns a callback that records
// the command's latency and outcome.
func (s *RedisCounterStore) begin(ctx context.Context, op string) (context.Context, context.CancelFunc, func(error)) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	start := time.Now()
	return ctx, cancel, func(err error) {
		metrics.RecordStoreOp(op, time.Since(start), err != nil)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w", op, ratelimit.Unavailable(err))
}

// isNotInteger reports whether Redis refused to INCR a non-integer value.
func isNotInteger(err error) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	return strings.Contains(rerr.Error(), "not an integer")
}
