// Package ratelimit implements fixed-window request quotas backed by a shared
// counter store.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Mode selects how the engine sequences counter reads and increments.
type Mode string

const (
	// ModeStrict increments first and compares the returned count against the
	// limit. Admissions never exceed the limit, even under concurrent callers.
	ModeStrict Mode = "strict"

	// ModeBestEffort reads the counter and increments only when under the
	// limit. The read and the increment are separate store calls, so racing
	// callers for the same subject can each observe a count below the limit
	// and be admitted, overshooting it by up to the number of racers.
	ModeBestEffort Mode = "best-effort"
)

// ParseMode parses a mode name. An empty string yields ModeStrict.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeStrict:
		return ModeStrict, nil
	case ModeBestEffort, "besteffort", "best_effort":
		return ModeBestEffort, nil
	default:
		return "", fmt.Errorf("unknown rate limit mode %q", s)
	}
}

// Limiter decides whether a subject may make another request.
type Limiter interface {
	// Check consumes one unit of quota for the subject if any is left.
	Check(ctx context.Context, subject SubjectID) (Verdict, error)

	// Peek reports the subject's quota status without consuming any.
	Peek(ctx context.Context, subject SubjectID) (Verdict, error)
}

// Config holds rate limiter configuration.
type Config struct {
	Limit     int64         // Maximum admitted requests per window
	Window    time.Duration // Window size, whole seconds
	Mode      Mode          // Counting mode
	KeyPrefix string        // Prepended to every counter key
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Limit:  100,
		Window: time.Minute,
		Mode:   ModeStrict,
	}
}

// Validate checks the configuration for values the engine cannot work with.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", c.Limit)
	}
	if c.Window < time.Second {
		return fmt.Errorf("window must be at least 1s, got %s", c.Window)
	}
	if c.Window%time.Second != 0 {
		return fmt.Errorf("window must be a whole number of seconds, got %s", c.Window)
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	return nil
}
