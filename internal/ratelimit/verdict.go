package ratelimit

import "time"

// SubjectID identifies the principal whose requests are counted.
// It is produced by a resolver and never interpreted by the engine.
type SubjectID string

// Verdict is the outcome of an admission check.
type Verdict struct {
	Allowed     bool  // Whether the request is admitted
	Limit       int64 // The configured limit
	Remaining   int64 // Admissions left in the current window
	WindowStart int64 // Epoch second the current window began
	ResetAt     int64 // Epoch second the current window ends
	RetryAfter  int64 // Equal to ResetAt when denied, zero otherwise
}

// Denied reports whether the request was rejected for exceeding its quota.
func (v Verdict) Denied() bool {
	return !v.Allowed
}

// RetryTime returns RetryAfter as a time value.
func (v Verdict) RetryTime() time.Time {
	return time.Unix(v.RetryAfter, 0).UTC()
}
