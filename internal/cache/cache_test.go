package cache

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gourl/quotagate/internal/config"
	"github.com/gourl/quotagate/internal/ratelimit"
)

func skipIfNoRedis(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_REDIS") != "true" {
		t.Skip("Skipping: TEST_REDIS not set. Run with docker-compose up -d")
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func testRedisConfig() *config.RedisConfig {
	return &config.RedisConfig{
		Host:      getEnvOrDefault("REDIS_HOST", "localhost"),
		Port:      6379,
		Password:  getEnvOrDefault("REDIS_PASSWORD", ""),
		DB:        0,
		PoolSize:  10,
		OpTimeout: time.Second,
	}
}

func setupTestRedis(t *testing.T) (*RedisCounterStore, func()) {
	t.Helper()
	skipIfNoRedis(t)

	ctx := context.Background()
	cfg := testRedisConfig()

	store, err := NewRedisCounterStore(ctx, cfg)
	require.NoError(t, err)

	cleanup := func() {
		// Clean up test keys
		client := store.Client()
		iter := client.Scan(ctx, 0, "test:*", 0).Iterator()
		for iter.Next(ctx) {
			_ = client.Del(ctx, iter.Val())
		}
		_ = store.Close()
	}

	return store, cleanup
}

// unreachableStore returns a store pointed at a port nothing listens on.
func unreachableStore(t *testing.T) *RedisCounterStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCounterStoreFromClient(client, 200*time.Millisecond)
}

func TestNewRedisCounterStore(t *testing.T) {
	skipIfNoRedis(t)

	ctx := context.Background()
	store, err := NewRedisCounterStore(ctx, testRedisConfig())
	require.NoError(t, err)
	defer store.Close()

	assert.NotNil(t, store.Client())
	assert.NoError(t, store.Ping(ctx))
}

func TestNewRedisCounterStore_InvalidHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := &config.RedisConfig{
		Host:     "invalid-host-that-does-not-exist",
		Port:     6379,
		PoolSize: 1,
	}

	_, err := NewRedisCounterStore(ctx, cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestNewRedisCounterStoreFromClient_DefaultTimeout(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	store := NewRedisCounterStoreFromClient(client, 0)
	assert.Equal(t, defaultOpTimeout, store.opTimeout)
}

func TestRedisCounterStore_Unavailable(t *testing.T) {
	store := unreachableStore(t)
	ctx := context.Background()

	t.Run("get", func(t *testing.T) {
		_, _, err := store.Get(ctx, "test:k")
		assert.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)
	})

	t.Run("incr", func(t *testing.T) {
		_, err := store.Incr(ctx, "test:k")
		assert.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)
	})

	t.Run("expire", func(t *testing.T) {
		err := store.Expire(ctx, "test:k", time.Minute)
		assert.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)
	})

	t.Run("ping", func(t *testing.T) {
		assert.ErrorIs(t, store.Ping(ctx), ratelimit.ErrStoreUnavailable)
	})
}

func TestRedisCounterStore_CanceledContext(t *testing.T) {
	store := unreachableStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Incr(ctx, "test:k")
	assert.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)
}

func TestRedisCounterStore_GetIncrExpire(t *testing.T) {
	store, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("absent key", func(t *testing.T) {
		_, ok, err := store.Get(ctx, "test:absent")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("incr creates at one", func(t *testing.T) {
		key := "test:incr1"

		n, err := store.Incr(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = store.Incr(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		v, ok, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(2), v)
	})

	t.Run("expire sets ttl", func(t *testing.T) {
		key := "test:ttl1"

		_, err := store.Incr(ctx, key)
		require.NoError(t, err)

		ttl, err := store.TTL(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(-1), ttl, "no ttl before expire")

		require.NoError(t, store.Expire(ctx, key, time.Minute))

		ttl, err = store.TTL(ctx, key)
		require.NoError(t, err)
		assert.Greater(t, ttl, 50*time.Second)
		assert.LessOrEqual(t, ttl, time.Minute)
	})

	t.Run("key disappears after ttl", func(t *testing.T) {
		key := "test:ttl2"

		_, err := store.Incr(ctx, key)
		require.NoError(t, err)
		require.NoError(t, store.Expire(ctx, key, time.Second))

		time.Sleep(1100 * time.Millisecond)

		_, ok, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRedisCounterStore_Malformed(t *testing.T) {
	store, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	key := "test:malformed"
	require.NoError(t, store.Client().Set(ctx, key, "abc", time.Minute).Err())

	_, _, err := store.Get(ctx, key)
	assert.ErrorIs(t, err, ratelimit.ErrMalformedCounter)
	assert.NotErrorIs(t, err, ratelimit.ErrStoreUnavailable)

	_, err = store.Incr(ctx, key)
	assert.ErrorIs(t, err, ratelimit.ErrMalformedCounter)
}

func TestRedisCounterStore_EngineStrictConcurrency(t *testing.T) {
	store, cleanup := setupTestRedis(t)
	defer cleanup()

	engine, err := ratelimit.NewEngine(store, ratelimit.Config{
		Limit:     1,
		Window:    time.Minute,
		Mode:      ratelimit.ModeStrict,
		KeyPrefix: "test:",
	})
	require.NoError(t, err)

	subject := ratelimit.SubjectID("race-" + strconv.FormatInt(time.Now().UnixNano(), 10))
	results := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		go func() {
			v, err := engine.Check(context.Background(), subject)
			results <- err == nil && v.Allowed
		}()
	}

	allowed := 0
	for i := 0; i < 50; i++ {
		if <-results {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)
}
