package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimitExceeded is matched by *ExceededError.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrStoreUnavailable is returned only by fail-closed windows; fail-open
	// windows swallow store errors.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

// WindowResult is the state of one window after a check.
type WindowResult struct {
	Window    string    `json:"window"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	Used      int64     `json:"used"`
	Reset     time.Time `json:"reset"`
	// Degraded is set when the store failed and the window admitted anyway.
	Degraded bool `json:"degraded,omitempty"`
}

// Decision is the outcome of a check across all windows. Limit, Remaining
// and Reset describe the rejecting window, or the most restrictive one when
// the request was admitted.
type Decision struct {
	Allowed    bool
	Window     string
	Limit      int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration
	Results    []WindowResult
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d *Decision) RetryAfterSeconds() int64 {
	return ceilSeconds(d.RetryAfter)
}

// ResetUnix is the reset time in epoch seconds, rounded up.
func (d *Decision) ResetUnix() int64 {
	return ceilUnix(d.Reset)
}

// ExceededError carries the rejecting decision.
type ExceededError struct {
	Decision *Decision
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s window, retry in %ds", e.Decision.Window, e.Decision.RetryAfterSeconds())
}

func (e *ExceededError) Unwrap() error {
	return ErrRateLimitExceeded
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

func ceilUnix(t time.Time) int64 {
	ms := t.UnixMilli()
	return (ms + 999) / 1000
}
