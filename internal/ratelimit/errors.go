package ratelimit

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is returned when a counter store call fails or times
	// out. It is never converted into a verdict; the caller decides whether to
	// fail open or closed.
	ErrStoreUnavailable = errors.New("counter store unavailable")

	// ErrMalformedCounter is returned when the store holds a value that is not
	// a non-negative integer.
	ErrMalformedCounter = errors.New("malformed counter value")

	// ErrEmptySubject is returned when Check is called without a subject.
	ErrEmptySubject = errors.New("empty subject")
)

// Unavailable wraps a store failure so that it matches both ErrStoreUnavailable
// and the underlying cause.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// Malformed reports a stored value that is not an integer counter.
func Malformed(key, raw string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: key %s holds %q: %w", ErrMalformedCounter, key, raw, cause)
	}
	return fmt.Errorf("%w: key %s holds %q", ErrMalformedCounter, key, raw)
}
