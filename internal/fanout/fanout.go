package fanout

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/graphflow/pkg/api"
)

// DefaultMaxParallel bounds a fan-out whose MaxParallel is zero.
const DefaultMaxParallel = 4

// InvokeFunc runs one instance for the unit at index.
type InvokeFunc func(ctx context.Context, index int, unit string) (api.Result, error)

// Outcome is the result of one instance.
type Outcome struct {
	Index  int
	Unit   string
	Result api.Result
	Err    error
	// Finished is the 1-based position of this instance in completion order.
	Finished int
}

// Run executes invoke once per unit with at most maxParallel instances in
// flight and waits for all of them. Instance failures are independent: one
// failing instance never cancels its siblings. Outcomes are returned in
// unit order.
//
// When ctx is done, instances that have not started yet record ctx.Err().
func Run(ctx context.Context, units []string, maxParallel int, invoke InvokeFunc) []Outcome {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	outcomes := make([]Outcome, len(units))

	var finished atomic.Int64
	var g errgroup.Group
	g.SetLimit(maxParallel)

	for i, unit := range units {
		outcomes[i] = Outcome{Index: i, Unit: unit}
		if err := ctx.Err(); err != nil {
			outcomes[i].Err = err
			outcomes[i].Finished = int(finished.Add(1))
			continue
		}
		g.Go(func() error {
			res, err := invoke(ctx, i, unit)
			outcomes[i].Result = res
			outcomes[i].Err = err
			outcomes[i].Finished = int(finished.Add(1))
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Order returns outcomes in the forwarding order selected by order.
func Order(outcomes []Outcome, order api.FanoutOrder) []Outcome {
	if order != api.OrderCompletion {
		return outcomes
	}
	out := make([]Outcome, len(outcomes))
	for _, o := range outcomes {
		out[o.Finished-1] = o
	}
	return out
}

// Failed returns the indexes of failed instances in unit order.
func Failed(outcomes []Outcome) []int {
	var idx []int
	for _, o := range outcomes {
		if o.Err != nil {
			idx = append(idx, o.Index)
		}
	}
	return idx
}
