package scheduler

import (
	"fmt"
	"strings"
)

// Policy selects how a task failure is handled once the factory settles
// with an error.
type Policy int

const (
	// FailFast treats the first failure as fatal for the whole scheduler.
	FailFast Policy = iota

	// RetryThenFail retries with backoff; if retries are declined or
	// exhausted the failure becomes fatal.
	RetryThenFail

	// Ignore discards the failed task and keeps going.
	Ignore

	// RetryThenIgnore retries with backoff; if retries are declined or
	// exhausted the task is discarded and the scheduler keeps going.
	RetryThenIgnore
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case RetryThenFail:
		return "retry-then-fail"
	case Ignore:
		return "ignore"
	case RetryThenIgnore:
		return "retry-then-ignore"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "retry-then-fail", "retry_then_fail":
		return RetryThenFail, nil
	case "fail-fast", "fail_fast":
		return FailFast, nil
	case "ignore":
		return Ignore, nil
	case "retry-then-ignore", "retry_then_ignore":
		return RetryThenIgnore, nil
	default:
		return RetryThenFail, fmt.Errorf("unknown rejection policy %q", s)
	}
}
