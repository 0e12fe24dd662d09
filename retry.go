package graphflow

import (
	"time"

	"github.com/petrijr/graphflow/pkg/api"
)

// RetryBuilder builds the RetryPolicy of a worker node, see WithRetry.
//
//	Retry(4).
//	    WithExponentialBackoff(100*time.Millisecond, 2, time.Second).
//	    On(api.FailureTimeout, api.FailureCrashed)
//
// Retries happen inside one invocation: downstream nodes only see the final
// result or the last failure.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy allowing maxAttempts attempts in total. Values
// below 1 mean a single attempt.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(maxAttempts, 1)}}
}

// WithExponentialBackoff waits initial before the first retry and grows the
// delay by multiplier (2 when not positive) up to limit (no cap when not
// positive).
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, limit time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	r.policy.InitialBackoff = initial
	r.policy.BackoffMultiplier = multiplier
	r.policy.MaxBackoff = limit
	return r
}

// WithConstantBackoff waits delay between attempts.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.policy.InitialBackoff = delay
	r.policy.BackoffMultiplier = 1
	r.policy.MaxBackoff = 0
	return r
}

// Immediate retries without waiting.
func (r RetryBuilder) Immediate() RetryBuilder {
	r.policy.InitialBackoff = 0
	r.policy.BackoffMultiplier = 0
	r.policy.MaxBackoff = 0
	return r
}

// On restricts retries to failures of the given kinds. A worker rejecting
// its input usually fails the same way again, so
// On(api.FailureTimeout, api.FailureCrashed) is a common choice.
func (r RetryBuilder) On(kinds ...api.FailureKind) RetryBuilder {
	r.policy.RetryOn = append([]api.FailureKind(nil), kinds...)
	return r
}

// Policy returns the built policy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
