package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Ensure MemoryStore implements CounterStore
var _ CounterStore = (*MemoryStore)(nil)

// MemoryStore is an in-process CounterStore with TTL semantics.
//
// Counts live in this process only, so quotas are per process rather than
// shared. It is intended for tests and single-instance development.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*counter
	now     func() time.Time

	// For cleanup
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// counter is a single stored value and its expiry (zero means none).
type counter struct {
	value     int64
	expiresAt time.Time
}

func (c *counter) expired(now time.Time) bool {
	return !c.expiresAt.IsZero() && !now.Before(c.expiresAt)
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used to evaluate expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates an in-memory counter store. Expired keys are removed
// lazily on access and by a background sweep every cleanupEvery; a zero or
// negative interval disables the sweep.
func NewMemoryStore(cleanupEvery time.Duration, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		entries: make(map[string]*counter),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if cleanupEvery > 0 {
		m.wg.Add(1)
		go m.cleanupLoop(cleanupEvery)
	}

	return m
}

// Get returns the counter value for key.
func (m *MemoryStore) Get(ctx context.Context, key string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, Unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.live(key)
	if !ok {
		return 0, false, nil
	}
	return c.value, true, nil
}

// Incr atomically increments the counter for key.
func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, Unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.live(key)
	if !ok {
		c = &counter{}
		m.entries[key] = c
	}
	c.value++
	return c.value, nil
}

// Expire sets the time-to-live for key. It is a no-op for absent keys.
func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return Unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.live(key)
	if !ok {
		return nil
	}
	if ttl <= 0 {
		delete(m.entries, key)
		return nil
	}
	c.expiresAt = m.now().Add(ttl)
	return nil
}

// TTL returns the remaining time-to-live of key. ok is false when the key is
// absent; a zero duration with ok set means the key never expires.
func (m *MemoryStore) TTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.live(key)
	if !ok {
		return 0, false
	}
	if c.expiresAt.IsZero() {
		return 0, true
	}
	return c.expiresAt.Sub(m.now()), true
}

// Len returns the number of live keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, c := range m.entries {
		if !c.expired(now) {
			n++
		}
	}
	return n
}

// Close stops the background sweep.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
	return nil
}

// live returns the entry for key, dropping it if it has expired.
// The caller must hold m.mu.
func (m *MemoryStore) live(key string) (*counter, bool) {
	c, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if c.expired(m.now()) {
		delete(m.entries, key)
		return nil, false
	}
	return c, true
}

// cleanupLoop periodically removes expired entries.
func (m *MemoryStore) cleanupLoop(every time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup removes expired entries from the map.
func (m *MemoryStore) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, c := range m.entries {
		if c.expired(now) {
			delete(m.entries, key)
		}
	}
}
