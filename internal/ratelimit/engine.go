package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gourl/quotagate/pkg/logger"
)

// VerdictObserver receives every verdict the engine produces.
// Implementations must not block.
type VerdictObserver interface {
	ObserveVerdict(subject SubjectID, v Verdict)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock used to pick the current window.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger used for store faults.
func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithObserver registers observers notified of each verdict.
func WithObserver(observers ...VerdictObserver) Option {
	return func(e *Engine) { e.observers = append(e.observers, observers...) }
}

// Ensure Engine implements Limiter
var _ Limiter = (*Engine)(nil)

// Engine enforces a fixed-window quota per subject.
//
// The engine holds no mutable state of its own; all counts live in the
// CounterStore, so one Engine may be used from many goroutines and many
// processes may share one store.
type Engine struct {
	store     CounterStore
	cfg       Config
	clock     WindowClock
	now       func() time.Time
	log       *logger.Logger
	observers []VerdictObserver
}

// NewEngine creates an engine enforcing cfg against store.
func NewEngine(store CounterStore, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("counter store is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStrict
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	mode, _ := ParseMode(string(cfg.Mode))
	cfg.Mode = mode

	e := &Engine{
		store: store,
		cfg:   cfg,
		clock: NewWindowClock(cfg.Window),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Clock returns the engine's window clock.
func (e *Engine) Clock() WindowClock {
	return e.clock
}

// Check consumes one unit of the subject's quota in the current window.
//
// A denied request is reported through the verdict, not as an error. Errors
// wrap ErrStoreUnavailable, ErrMalformedCounter or ErrEmptySubject and carry
// no verdict.
func (e *Engine) Check(ctx context.Context, subject SubjectID) (Verdict, error) {
	if subject == "" {
		return Verdict{}, ErrEmptySubject
	}

	windowStart := e.clock.CurrentWindowStart(e.now())
	key := CounterKey(e.cfg.KeyPrefix, subject, windowStart)

	var (
		v   Verdict
		err error
	)
	switch e.cfg.Mode {
	case ModeBestEffort:
		v, err = e.checkBestEffort(ctx, key, windowStart)
	default:
		v, err = e.checkStrict(ctx, key, windowStart)
	}
	if err != nil {
		e.logFault("rate limit check failed", subject, key, err)
		return Verdict{}, err
	}

	for _, o := range e.observers {
		o.ObserveVerdict(subject, v)
	}
	return v, nil
}

// checkStrict increments first and compares the new count to the limit.
// Denied callers still bump the stored counter, so it may exceed the limit by
// the number of denials, but admissions never do.
//
// The TTL is reapplied after every increment so a failed Expire on creation
// is repaired by the next caller. The last increment lands before the window
// ends, so a counter never outlives two windows.
func (e *Engine) checkStrict(ctx context.Context, key string, windowStart int64) (Verdict, error) {
	n, err := e.store.Incr(ctx, key)
	if err != nil {
		return Verdict{}, storeErr("incr", key, err)
	}
	if n < 1 {
		return Verdict{}, fmt.Errorf("incr %s returned %d: %w", key, n, ErrMalformedCounter)
	}
	if err := e.store.Expire(ctx, key, e.clock.Size()); err != nil {
		return Verdict{}, storeErr("expire", key, err)
	}
	return e.verdict(n <= e.cfg.Limit, n, windowStart), nil
}

// checkBestEffort reads the counter and increments only when under the limit.
// The read and the increment are separate calls: concurrent callers for one
// subject can all read the same count and all be admitted.
func (e *Engine) checkBestEffort(ctx context.Context, key string, windowStart int64) (Verdict, error) {
	count, err := e.currentCount(ctx, key)
	if err != nil {
		return Verdict{}, err
	}
	if count >= e.cfg.Limit {
		return e.verdict(false, count, windowStart), nil
	}

	n, err := e.store.Incr(ctx, key)
	if err != nil {
		return Verdict{}, storeErr("incr", key, err)
	}
	if err := e.store.Expire(ctx, key, e.clock.Size()); err != nil {
		return Verdict{}, storeErr("expire", key, err)
	}
	return e.verdict(true, n, windowStart), nil
}

// Peek reports the subject's quota in the current window without consuming
// any. Allowed is true when a Check made now would be admitted, barring races.
func (e *Engine) Peek(ctx context.Context, subject SubjectID) (Verdict, error) {
	if subject == "" {
		return Verdict{}, ErrEmptySubject
	}

	windowStart := e.clock.CurrentWindowStart(e.now())
	key := CounterKey(e.cfg.KeyPrefix, subject, windowStart)

	count, err := e.currentCount(ctx, key)
	if err != nil {
		e.logFault("rate limit peek failed", subject, key, err)
		return Verdict{}, err
	}
	return e.verdict(count < e.cfg.Limit, count, windowStart), nil
}

// currentCount reads the counter, treating an absent key as zero.
func (e *Engine) currentCount(ctx context.Context, key string) (int64, error) {
	count, ok, err := e.store.Get(ctx, key)
	if err != nil {
		return 0, storeErr("get", key, err)
	}
	if !ok {
		return 0, nil
	}
	if count < 0 {
		return 0, fmt.Errorf("get %s returned %d: %w", key, count, ErrMalformedCounter)
	}
	return count, nil
}

// verdict builds a verdict for the window starting at windowStart, given the
// number of requests counted in it.
func (e *Engine) verdict(allowed bool, count, windowStart int64) Verdict {
	remaining := e.cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	resetAt := windowStart + int64(e.clock.Size()/time.Second)

	v := Verdict{
		Allowed:     allowed,
		Limit:       e.cfg.Limit,
		Remaining:   remaining,
		WindowStart: windowStart,
		ResetAt:     resetAt,
	}
	if !allowed {
		v.Remaining = 0
		v.RetryAfter = resetAt
	}
	return v
}

// storeErr annotates a store failure. Anything that is not a malformed value
// is reported as the store being unavailable.
func storeErr(op, key string, err error) error {
	if !errors.Is(err, ErrMalformedCounter) {
		err = Unavailable(err)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

func (e *Engine) logFault(msg string, subject SubjectID, key string, err error) {
	if e.log == nil {
		return
	}
	e.log.Error(msg,
		"subject", string(subject),
		"key", key,
		"error", err.Error(),
	)
}
