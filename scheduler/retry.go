package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// Decision is the retry controller's verdict for one failure.
// Interval, when > 0, overrides the backoff ladder for this attempt.
type Decision struct {
	Retry    bool
	Interval time.Duration
}

// Decider inspects a failure and decides whether it is worth retrying.
// A nil decider means "always retry, no override interval".
type Decider func(err error) Decision

// NoRetry marks an error as non-retryable.
//
// Factories can wrap validation errors or other permanent failures with
// NoRetry so the default retry path won't waste time on them. A configured
// Decider still takes precedence.
//
// Example:
//
//	return zero, scheduler.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before retrying.
//
// Useful when a downstream system returns a Retry-After value (e.g. HTTP
// 429). The hint overrides the backoff ladder the same way a Decider
// interval does; an explicit Decider interval still wins.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// decideRetry resolves one failure against the decider, the ladder, and
// the always-retry escape hatch. attempt counts retries already performed:
// 0 on the first failure.
//
// Returns the wait before re-invoking the factory and whether to retry at
// all. Declined means the policy's terminal outcome applies.
func decideRetry(o options, err error, attempt int) (time.Duration, bool) {
	var override time.Duration
	if o.decider != nil {
		d := o.decider(err)
		if !d.Retry {
			return 0, false
		}
		override = d.Interval
	} else if IsNoRetry(err) {
		return 0, false
	}

	// Ladder exhausted and no escape hatch: stop retrying.
	if attempt >= len(o.backoff) && !o.alwaysRetry {
		return 0, false
	}

	if override > 0 {
		return override, true
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	if len(o.backoff) == 0 {
		return 0, true
	}
	if attempt >= len(o.backoff) {
		return o.backoff[len(o.backoff)-1], true
	}
	return o.backoff[attempt], true
}
