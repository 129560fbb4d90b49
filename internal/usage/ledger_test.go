package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gourl/quotagate/internal/ratelimit"
)

// mockFlusher accumulates flushed tallies.
type mockFlusher struct {
	mu      sync.Mutex
	tallies map[Key]Tally
	calls   int
	err     error
}

func newMockFlusher() *mockFlusher {
	return &mockFlusher{tallies: make(map[Key]Tally)}
}

func (m *mockFlusher) FlushUsage(ctx context.Context, usage map[Key]Tally) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	for k, t := range usage {
		cur := m.tallies[k]
		cur.Allowed += t.Allowed
		cur.Denied += t.Denied
		m.tallies[k] = cur
	}
	return m.err
}

func (m *mockFlusher) snapshot() (map[Key]Tally, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Key]Tally, len(m.tallies))
	for k, t := range m.tallies {
		out[k] = t
	}
	return out, m.calls
}

func allowed(windowStart int64) ratelimit.Verdict {
	return ratelimit.Verdict{Allowed: true, WindowStart: windowStart}
}

func denied(windowStart int64) ratelimit.Verdict {
	return ratelimit.Verdict{Allowed: false, WindowStart: windowStart}
}

func TestLedger_ObserveVerdict(t *testing.T) {
	t.Run("tallies per subject and window", func(t *testing.T) {
		flusher := newMockFlusher()
		ledger := NewLedger(Config{FlushInterval: time.Hour, BatchSize: 1000}, flusher)

		ledger.ObserveVerdict("u1", allowed(60))
		ledger.ObserveVerdict("u1", allowed(60))
		ledger.ObserveVerdict("u1", denied(60))
		ledger.ObserveVerdict("u1", allowed(120))
		ledger.ObserveVerdict("u2", denied(60))
		ledger.Stop()

		tallies, calls := flusher.snapshot()
		assert.Equal(t, 1, calls)
		assert.Equal(t, map[Key]Tally{
			{Subject: "u1", WindowStart: 60}:  {Allowed: 2, Denied: 1},
			{Subject: "u1", WindowStart: 120}: {Allowed: 1},
			{Subject: "u2", WindowStart: 60}:  {Denied: 1},
		}, tallies)
	})

	t.Run("flushes on interval", func(t *testing.T) {
		flusher := newMockFlusher()
		ledger := NewLedger(Config{FlushInterval: 20 * time.Millisecond, BatchSize: 1000}, flusher)
		defer ledger.Stop()

		ledger.ObserveVerdict("u1", allowed(60))

		assert.Eventually(t, func() bool {
			tallies, _ := flusher.snapshot()
			return tallies[Key{Subject: "u1", WindowStart: 60}].Allowed == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("flushes when batch size reached", func(t *testing.T) {
		flusher := newMockFlusher()
		ledger := NewLedger(Config{FlushInterval: time.Hour, BatchSize: 3}, flusher)
		defer ledger.Stop()

		for i := 0; i < 3; i++ {
			ledger.ObserveVerdict("u1", allowed(60))
		}

		assert.Eventually(t, func() bool {
			tallies, _ := flusher.snapshot()
			return tallies[Key{Subject: "u1", WindowStart: 60}].Allowed == 3
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("flush errors do not stop the ledger", func(t *testing.T) {
		flusher := newMockFlusher()
		flusher.err = errors.New("db down")
		ledger := NewLedger(Config{FlushInterval: time.Hour, BatchSize: 1}, flusher)

		ledger.ObserveVerdict("u1", allowed(60))
		assert.Eventually(t, func() bool {
			_, calls := flusher.snapshot()
			return calls == 1
		}, time.Second, 5*time.Millisecond)

		ledger.ObserveVerdict("u1", allowed(60))
		ledger.Stop()

		_, calls := flusher.snapshot()
		assert.Equal(t, 2, calls)
	})
}

func TestLedger_Stop(t *testing.T) {
	t.Run("is safe to call multiple times", func(t *testing.T) {
		ledger := NewLedger(DefaultConfig(), newMockFlusher())
		ledger.Stop()
		ledger.Stop()
	})

	t.Run("ignores verdicts after stop", func(t *testing.T) {
		flusher := newMockFlusher()
		ledger := NewLedger(DefaultConfig(), flusher)
		ledger.Stop()

		ledger.ObserveVerdict("u1", allowed(60))

		tallies, calls := flusher.snapshot()
		assert.Empty(t, tallies)
		assert.Zero(t, calls)
		assert.Empty(t, ledger.Pending())
	})
}

func TestLedger_Concurrency(t *testing.T) {
	flusher := newMockFlusher()
	ledger := NewLedger(Config{FlushInterval: 10 * time.Millisecond, BatchSize: 50, ChannelBuffer: 100000}, flusher)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ledger.ObserveVerdict("u1", allowed(60))
			}
		}()
	}
	wg.Wait()
	ledger.Stop()

	tallies, _ := flusher.snapshot()
	assert.Equal(t, int64(1000), tallies[Key{Subject: "u1", WindowStart: 60}].Allowed)
	assert.Zero(t, ledger.Dropped())
}

func TestLedger_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	flusher := &blockingFlusher{release: block}
	ledger := NewLedger(Config{FlushInterval: time.Hour, BatchSize: 1, ChannelBuffer: 1}, flusher)

	// The first verdict triggers a flush that blocks the loop.
	ledger.ObserveVerdict("u1", allowed(60))
	require.Eventually(t, func() bool { return flusher.started() }, time.Second, time.Millisecond)

	ledger.ObserveVerdict("u1", allowed(60)) // fills the buffer
	ledger.ObserveVerdict("u1", allowed(60)) // dropped

	assert.Equal(t, int64(1), ledger.Dropped())

	close(block)
	ledger.Stop()
}

func TestLedger_WithEngine(t *testing.T) {
	flusher := newMockFlusher()
	ledger := NewLedger(Config{FlushInterval: time.Hour, BatchSize: 1000}, flusher)

	store := ratelimit.NewMemoryStore(0)
	defer store.Close()
	now := time.Unix(90, 0)
	engine, err := ratelimit.NewEngine(store, ratelimit.Config{Limit: 2, Window: time.Minute},
		ratelimit.WithClock(func() time.Time { return now }),
		ratelimit.WithObserver(ledger))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := engine.Check(context.Background(), "u1")
		require.NoError(t, err)
	}
	ledger.Stop()

	tallies, _ := flusher.snapshot()
	assert.Equal(t, Tally{Allowed: 2, Denied: 1}, tallies[Key{Subject: "u1", WindowStart: 60}])
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Second, cfg.FlushInterval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 10000, cfg.ChannelBuffer)
	assert.Equal(t, 5*time.Second, cfg.FlushTimeout)
}

// blockingFlusher blocks its first flush until release is closed.
type blockingFlusher struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (b *blockingFlusher) FlushUsage(ctx context.Context, usage map[Key]Tally) error {
	b.mu.Lock()
	b.calls++
	first := b.calls == 1
	b.mu.Unlock()
	if first {
		<-b.release
	}
	return nil
}

func (b *blockingFlusher) started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls > 0
}
