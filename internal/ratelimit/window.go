package ratelimit

import "time"

// WindowClock maps wall time onto fixed, non-overlapping windows.
type WindowClock struct {
	size int64 // seconds
}

// NewWindowClock creates a clock for windows of the given size.
// The size is truncated to whole seconds and must be at least one second.
func NewWindowClock(size time.Duration) WindowClock {
	secs := int64(size / time.Second)
	if secs < 1 {
		secs = 1
	}
	return WindowClock{size: secs}
}

// Size returns the window size.
func (c WindowClock) Size() time.Duration {
	return time.Duration(c.size) * time.Second
}

// CurrentWindowStart returns the epoch second at which the window containing
// now began: floor(now / size) * size.
func (c WindowClock) CurrentWindowStart(now time.Time) int64 {
	sec := now.Unix()
	start := sec - sec%c.size
	if sec%c.size < 0 {
		// pre-epoch times still floor towards negative infinity
		start -= c.size
	}
	return start
}

// WindowEnd returns the epoch second at which the window containing now ends.
func (c WindowClock) WindowEnd(now time.Time) int64 {
	return c.CurrentWindowStart(now) + c.size
}
