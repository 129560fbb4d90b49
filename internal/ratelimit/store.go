package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// CounterStore is the set of atomic counter primitives the engine needs.
//
// A single backing service is shared by every engine instance, across
// processes, so it is the only source of truth for counts. Implementations
// wrap transport failures and timeouts in ErrStoreUnavailable and values that
// do not parse as integers in ErrMalformedCounter.
type CounterStore interface {
	// Get returns the counter value. ok is false when the key does not exist.
	Get(ctx context.Context, key string) (value int64, ok bool, err error)

	// Incr atomically increments the counter, creating it at 1 if absent,
	// and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets or refreshes the key's time-to-live. The last call wins.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// CounterKey builds the key for a subject's counter in the given window.
func CounterKey(prefix string, subject SubjectID, windowStart int64) string {
	return prefix + string(subject) + ":" + strconv.FormatInt(windowStart, 10)
}
