package engine

import (
	"math"
	"time"
)

// RetryKind selects the shape of a retry policy.
type RetryKind string

const (
	// RetryNone gives up on the first failure.
	RetryNone RetryKind = "none"

	// RetryFixed waits a constant interval between attempts.
	RetryFixed RetryKind = "fixed"

	// RetryExponential multiplies the interval by Factor after every attempt.
	RetryExponential RetryKind = "exponential"
)

// RetryPolicy decides whether a failed stage invocation is retried and after how long.
// The zero value never retries.
type RetryPolicy struct {
	// Kind is the policy shape.
	Kind RetryKind `json:"kind"`

	// Interval is the fixed interval, or the first interval of an exponential policy.
	Interval time.Duration `json:"interval"`

	// MaxAttempts caps the total number of invocations. Zero means no cap.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Factor is the exponential growth factor.
	Factor float64 `json:"factor,omitempty"`

	// MaxInterval caps a single exponential wait.
	MaxInterval time.Duration `json:"max_interval,omitempty"`

	// MaxElapsed caps the sum of all waits. Zero means no cap.
	MaxElapsed time.Duration `json:"max_elapsed,omitempty"`
}

// RetryDecision is the result of consulting a retry policy.
type RetryDecision struct {
	// Retry is false when the engine must give up.
	Retry bool

	// After is how long to wait before the next attempt.
	After time.Duration
}

// GiveUp is the decision that ends retrying.
var GiveUp = RetryDecision{}

// NoRetry returns a policy that never retries.
func NoRetry() RetryPolicy {
	return RetryPolicy{Kind: RetryNone}
}

// FixedInterval returns a policy that retries every interval, up to maxAttempts invocations.
func FixedInterval(interval time.Duration, maxAttempts int) RetryPolicy {
	return RetryPolicy{
		Kind:        RetryFixed,
		Interval:    interval,
		MaxAttempts: maxAttempts,
	}
}

// DatabaseRetry returns the short exponential backoff used for local store operations.
func DatabaseRetry() RetryPolicy {
	return RetryPolicy{
		Kind:        RetryExponential,
		Interval:    100 * time.Millisecond,
		Factor:      2,
		MaxInterval: 2 * time.Second,
		MaxAttempts: 10,
	}
}

// CloudRetry returns the long exponential backoff used for cloud-provider calls.
// It tolerates provider eventual consistency and rate limiting for up to 30 minutes.
func CloudRetry() RetryPolicy {
	return RetryPolicy{
		Kind:        RetryExponential,
		Interval:    15 * time.Second,
		Factor:      2,
		MaxInterval: 3 * time.Minute,
		MaxElapsed:  30 * time.Minute,
	}
}

// ShouldRetry decides what happens after the attempt-th failed invocation (1-based).
// It is a pure function of its arguments.
func (p RetryPolicy) ShouldRetry(attempt int, outcome Outcome) RetryDecision {
	if outcome != OutcomeRetryableFailure || attempt < 1 {
		return GiveUp
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return GiveUp
	}

	switch p.Kind {
	case RetryFixed:
		return RetryDecision{Retry: true, After: p.Interval}

	case RetryExponential:
		wait := p.interval(attempt)
		if p.MaxElapsed > 0 && p.elapsed(attempt) > p.MaxElapsed {
			return GiveUp
		}
		return RetryDecision{Retry: true, After: wait}

	default:
		return GiveUp
	}
}

const maxDuration = time.Duration(math.MaxInt64)

// interval returns the wait after the attempt-th failure of an exponential policy.
func (p RetryPolicy) interval(attempt int) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	ceiling := maxDuration
	if p.MaxInterval > 0 {
		ceiling = p.MaxInterval
	}
	// The product is clamped as a float; converting an out-of-range float to an
	// integer is implementation defined.
	delay := float64(p.Interval) * math.Pow(factor, float64(attempt-1))
	switch {
	case math.IsNaN(delay) || delay >= float64(ceiling):
		return ceiling
	case delay < 0:
		return 0
	}
	return time.Duration(delay)
}

// elapsed returns the total wait through the attempt-th failure, saturating at
// the largest representable duration.
func (p RetryPolicy) elapsed(attempt int) time.Duration {
	var total time.Duration
	for i := 1; i <= attempt; i++ {
		d := p.interval(i)
		if total > maxDuration-d {
			return maxDuration
		}
		total += d
	}
	return total
}
