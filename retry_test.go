package graphflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/graphflow/pkg/api"
)

func TestRetry_Builder(t *testing.T) {
	assert.Equal(t, 1, Retry(0).Policy().MaxAttempts)
	assert.Equal(t, 1, Retry(-5).Policy().MaxAttempts)

	p := Retry(3).WithExponentialBackoff(100*time.Millisecond, 0, 2*time.Second).Policy()
	assert.Equal(t, RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        2 * time.Second,
	}, p)

	p = Retry(5).WithExponentialBackoff(time.Second, 3, 0).WithConstantBackoff(250 * time.Millisecond).Policy()
	assert.Equal(t, 250*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, 1.0, p.BackoffMultiplier)
	assert.Zero(t, p.MaxBackoff)

	p = Retry(7).WithExponentialBackoff(100*time.Millisecond, 2, 5*time.Second).Immediate().Policy()
	assert.Equal(t, RetryPolicy{MaxAttempts: 7}, p)
}

func TestRetry_DelayGrowsAndCaps(t *testing.T) {
	p := Retry(5).WithExponentialBackoff(10*time.Millisecond, 2, 35*time.Millisecond).Policy()
	assert.Equal(t, 10*time.Millisecond, p.Delay(1))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2))
	assert.Equal(t, 35*time.Millisecond, p.Delay(3))
	assert.Zero(t, Retry(3).Immediate().Policy().Delay(2))
}

func TestRetry_OnFiltersKinds(t *testing.T) {
	all := Retry(3).Policy()
	assert.True(t, all.Retries(api.FailureRejected))
	assert.False(t, all.Retries(api.FailureCancelled))

	some := Retry(3).On(api.FailureTimeout, api.FailureCrashed).Policy()
	assert.True(t, some.Retries(api.FailureTimeout))
	assert.False(t, some.Retries(api.FailureRejected))
	assert.False(t, Retry(3).On(api.FailureCancelled).Policy().Retries(api.FailureCancelled))
}

// A worker node built WithRetry is retried until it succeeds.
func TestRetry_AppliedToWorkerNode(t *testing.T) {
	var calls atomic.Int32
	flaky := WorkerFunc(func(ctx context.Context, req InvocationRequest) (Result, error) {
		if calls.Add(1) < 3 {
			return Result{}, api.Rejected("not yet")
		}
		return Result{Text: "ok"}, nil
	})

	eng := NewInMemoryEngine()
	NewGraph("retry-node").
		Worker("flaky", flaky, WithRetry(Retry(3).WithConstantBackoff(time.Millisecond))).
		MustRegister(eng)

	inst, err := Run(context.Background(), eng, "retry-node", Text("go"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, "ok", inst.Output())
	assert.EqualValues(t, 3, calls.Load())
}

// Failures outside RetryOn surface after the first attempt.
func TestRetry_SkipsKindsOutsideOn(t *testing.T) {
	var calls atomic.Int32
	picky := WorkerFunc(func(ctx context.Context, req InvocationRequest) (Result, error) {
		calls.Add(1)
		return Result{}, api.Rejected("never")
	})

	eng := NewInMemoryEngine()
	NewGraph("picky").
		Worker("picky", picky, WithRetry(Retry(5).Immediate().On(api.FailureTimeout))).
		MustRegister(eng)

	inst, err := Run(context.Background(), eng, "picky", Text("go"))
	require.Error(t, err)
	assert.Equal(t, StatusFailed, inst.Status)
	assert.EqualValues(t, 1, calls.Load())
}
