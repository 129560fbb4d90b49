// Package usage keeps an audit ledger of rate limit verdicts per subject and
// window. The ledger is fed by the engine after each decision and never
// influences admission.
package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gourl/quotagate/internal/metrics"
	"github.com/gourl/quotagate/internal/ratelimit"
)

// Key identifies one subject's window.
type Key struct {
	Subject     ratelimit.SubjectID
	WindowStart int64
}

// Tally counts verdicts within one window.
type Tally struct {
	Allowed int64
	Denied  int64
}

// Flusher persists accumulated tallies. Tallies are deltas and must be added
// to whatever is already stored.
type Flusher interface {
	FlushUsage(ctx context.Context, usage map[Key]Tally) error
}

// Config holds configuration for the Ledger.
type Config struct {
	FlushInterval time.Duration // How often to flush accumulated tallies
	BatchSize     int           // Flush once this many verdicts are pending
	ChannelBuffer int           // Size of the verdict channel buffer
	FlushTimeout  time.Duration // Upper bound on a single flush
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 10 * time.Second,
		BatchSize:     100,
		ChannelBuffer: 10000,
		FlushTimeout:  5 * time.Second,
	}
}

type event struct {
	key     Key
	allowed bool
}

// Ensure Ledger implements VerdictObserver
var _ ratelimit.VerdictObserver = (*Ledger)(nil)

// Ledger aggregates verdicts in memory and hands them to a Flusher in
// batches. Recording never blocks; verdicts that arrive while the buffer is
// full are dropped and counted.
type Ledger struct {
	flusher Flusher
	cfg     Config

	events  chan event
	mu      sync.Mutex
	tallies map[Key]Tally
	pending int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopped  atomic.Bool
	dropped  atomic.Int64
}

// NewLedger creates a Ledger and starts its flush loop.
func NewLedger(cfg Config, flusher Flusher) *Ledger {
	def := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = def.ChannelBuffer
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}

	l := &Ledger{
		flusher: flusher,
		cfg:     cfg,
		events:  make(chan event, cfg.ChannelBuffer),
		tallies: make(map[Key]Tally),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go l.run()
	return l
}

// ObserveVerdict records a verdict for subject.
func (l *Ledger) ObserveVerdict(subject ratelimit.SubjectID, v ratelimit.Verdict) {
	if l.stopped.Load() {
		return
	}

	ev := event{
		key:     Key{Subject: subject, WindowStart: v.WindowStart},
		allowed: v.Allowed,
	}
	select {
	case l.events <- ev:
	default:
		l.dropped.Add(1)
		metrics.RecordUsageDropped()
	}
}

// Dropped returns the number of verdicts discarded because the buffer was full.
func (l *Ledger) Dropped() int64 {
	return l.dropped.Load()
}

// Pending returns a snapshot of tallies not yet flushed.
func (l *Ledger) Pending() map[Key]Tally {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[Key]Tally, len(l.tallies))
	for k, t := range l.tallies {
		out[k] = t
	}
	return out
}

// Stop drains buffered verdicts, flushes once more and stops the loop.
func (l *Ledger) Stop() {
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		close(l.stopCh)
		<-l.doneCh
	})
}

func (l *Ledger) run() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-l.events:
			if l.add(ev) >= l.cfg.BatchSize {
				l.flush()
			}

		case <-ticker.C:
			l.flush()

		case <-l.stopCh:
			l.drain()
			l.flush()
			return
		}
	}
}

// add folds ev into the pending tallies and returns the pending event count.
func (l *Ledger) add(ev event) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.tallies[ev.key]
	if ev.allowed {
		t.Allowed++
	} else {
		t.Denied++
	}
	l.tallies[ev.key] = t
	l.pending++
	return l.pending
}

func (l *Ledger) drain() {
	for {
		select {
		case ev := <-l.events:
			l.add(ev)
		default:
			return
		}
	}
}

func (l *Ledger) flush() {
	l.mu.Lock()
	if len(l.tallies) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.tallies
	l.tallies = make(map[Key]Tally)
	l.pending = 0
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.FlushTimeout)
	defer cancel()

	// A failed batch is not retried; the flusher logs it.
	err := l.flusher.FlushUsage(ctx, batch)
	metrics.RecordUsageFlush(err != nil)
}
