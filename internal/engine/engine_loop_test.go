package engine

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/graphflow/pkg/api"
)

// plan -> design -> review -> ctr -> design, ctr -> release
func reviewLoop(name string, design, review, release api.Worker, max int) api.GraphDefinition {
	return api.GraphDefinition{
		Name: name,
		Nodes: []api.NodeDefinition{
			worker("plan", echo("the plan")),
			worker("design", design),
			worker("review", review),
			counter("ctr", max),
			worker("release", release),
		},
		Edges: []api.EdgeDefinition{
			api.Edge("plan", "design"),
			api.Edge("design", "review"),
			api.Edge("review", "ctr"),
			api.Edge("ctr", "design"),
			api.Edge("ctr", "release"),
		},
	}
}

func TestEngine_CounterBoundsCycle(t *testing.T) {
	e := newTestEngine(t)
	design, review, release := &recorder{}, &recorder{}, &recorder{}

	inst := runGraph(t, e, reviewLoop("bounded-loop", design, review, release, 2), "in")

	require.Equal(t, api.RunCompleted, inst.Status, "err: %v", inst.Err)
	assert.Equal(t, 1, inst.Nodes["plan"].Invocations)
	assert.Equal(t, 3, inst.Nodes["design"].Invocations)
	assert.Equal(t, 3, inst.Nodes["review"].Invocations)
	assert.Equal(t, 3, inst.Nodes["ctr"].Invocations)
	assert.Equal(t, 1, inst.Nodes["release"].Invocations)

	exit := release.requests()[0].Input
	require.Len(t, exit, 1)
	assert.Equal(t, "LOOP_EXIT: Loop limit reached (2)", exit[0].Text)
	assert.Equal(t, "ctr", exit[0].Source)
	assert.Equal(t, "3", exit[0].Meta[api.MetaLoopCount])

	require.Len(t, inst.Cycles, 1)
	c := inst.Cycles[0]
	assert.Equal(t, "EXITED", c.Phase)
	assert.Equal(t, 2, c.Iterations)
	assert.Equal(t, 1, c.Entries)
	assert.Equal(t, map[string]int{"ctr": 3}, c.Counters)
}

func TestEngine_ReentryDoesNotWaitForExternalPredecessor(t *testing.T) {
	e := newTestEngine(t)
	design := &recorder{}

	inst := runGraph(t, e, reviewLoop("reentry", design, &recorder{}, &recorder{}, 1), "in")
	require.Equal(t, api.RunCompleted, inst.Status)

	reqs := design.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []string{"the plan"}, texts(reqs[0].Input))

	// Retention 0: the second round only sees the back-edge delivery.
	require.Len(t, reqs[1].Input, 1)
	assert.Equal(t, "ctr", reqs[1].Input[0].Source)
	assert.Equal(t, "1", reqs[1].Input[0].Meta[api.MetaLoopCount])
	assert.Equal(t, "1", reqs[1].Input[0].Meta[api.MetaLoopMax])
}

func TestEngine_RetainAllAccumulatesAcrossIterations(t *testing.T) {
	e := newTestEngine(t)
	design := &recorder{}
	def := reviewLoop("retain", design, echo("needs work"), &recorder{}, 2)
	def.Nodes[1].Retention = api.RetainAll

	inst := runGraph(t, e, def, "in")
	require.Equal(t, api.RunCompleted, inst.Status)

	reqs := design.requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"the plan"}, texts(reqs[0].Input))
	assert.Equal(t, []string{"the plan", "needs work"}, texts(reqs[1].Input))
	assert.Equal(t, []string{"the plan", "needs work", "needs work"}, texts(reqs[2].Input))

	for i := 1; i < len(reqs[2].Input); i++ {
		assert.Greater(t, reqs[2].Input[i].Seq, reqs[2].Input[i-1].Seq, "sequence order")
	}
}

func TestEngine_ConditionExitsLoopBeforeCounter(t *testing.T) {
	e := newTestEngine(t)
	verdicts := []string{"REJECTED: more tests", "APPROVED"}
	review := &recorder{}
	review.fn = func(req api.InvocationRequest) (api.Result, error) {
		return api.Result{Text: verdicts[req.Invocation-1]}, nil
	}
	ship := &recorder{}

	inst := runGraph(t, e, api.GraphDefinition{
		Name: "review-exit",
		Nodes: []api.NodeDefinition{
			worker("write", &recorder{}),
			worker("review", review),
			counter("ctr", 5),
			worker("ship", ship),
			worker("giveup", &recorder{}),
		},
		Edges: []api.EdgeDefinition{
			api.Edge("write", "review"),
			when(api.Edge("review", "ctr"), api.NoneOf("APPROVED")),
			when(api.Edge("review", "ship"), api.AnyOf("APPROVED")),
			api.Edge("ctr", "write"),
			api.Edge("ctr", "giveup"),
		},
		Entries: []string{"write"},
	}, "in")

	require.Equal(t, api.RunCompleted, inst.Status, "err: %v", inst.Err)
	assert.Equal(t, 2, inst.Nodes["review"].Invocations)
	assert.Equal(t, 1, inst.Nodes["ctr"].Invocations)
	assert.EqualValues(t, 1, ship.calls.Load())
	assert.Equal(t, api.NodeNeverRan, inst.Nodes["giveup"].Status)
	assert.Equal(t, "EXITED", inst.Cycles[0].Phase)

	evs, err := e.ListEvents(t.Context(), inst.ID)
	require.NoError(t, err)
	assert.Contains(t, eventTypes(evs), string(api.EventLoopContinue))
	assert.NotContains(t, eventTypes(evs), string(api.EventLoopExit))
}

func TestEngine_ZeroBudgetCounterExitsImmediately(t *testing.T) {
	e := newTestEngine(t)
	design := &recorder{}

	inst := runGraph(t, e, reviewLoop("zero", design, &recorder{}, &recorder{}, 0), "in")

	require.Equal(t, api.RunCompleted, inst.Status)
	assert.EqualValues(t, 1, design.calls.Load())
	assert.Contains(t, inst.Output(), "LOOP_EXIT: Loop limit reached (0)")
}

// z -> x -> y -> c -> x, w -> y, c -> out. y has an external predecessor of
// its own, so its first round joins on w even though the cycle is entered.
func TestEngine_CycleMemberJoinsOnExternalPredecessor(t *testing.T) {
	e := newTestEngine(t)
	x, y, out := &recorder{}, &recorder{}, &recorder{}
	slow := api.WorkerFunc(func(ctx context.Context, req api.InvocationRequest) (api.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return api.Result{Text: "late context"}, nil
	})

	inst := runGraph(t, e, api.GraphDefinition{
		Name: "member-join",
		Nodes: []api.NodeDefinition{
			worker("z", echo("start")),
			worker("w", slow),
			worker("x", x),
			worker("y", y),
			counter("c", 1),
			worker("out", out),
		},
		Edges: []api.EdgeDefinition{
			api.Edge("z", "x"),
			api.Edge("x", "y"),
			api.Edge("w", "y"),
			api.Edge("y", "c"),
			api.Edge("c", "x"),
			api.Edge("c", "out"),
		},
		Entries: []string{"z", "w"},
	}, "in")

	require.Equal(t, api.RunCompleted, inst.Status, "err: %v", inst.Err)
	reqs := y.requests()
	require.Len(t, reqs, 2)
	assert.ElementsMatch(t, []string{"x(start)", "late context"}, texts(reqs[0].Input))

	// The second pass is driven by the cycle alone.
	require.Len(t, reqs[1].Input, 1)
	assert.Equal(t, "x", reqs[1].Input[0].Source)
	assert.EqualValues(t, 2, x.calls.Load())
	assert.EqualValues(t, 1, out.calls.Load())
	assert.Equal(t, 1, inst.Cycles[0].Entries)
}

// A failed attempt routed to a counter comes back as another attempt.
func TestEngine_CounterRetriesAfterFailure(t *testing.T) {
	e := newTestEngine(t)
	job := &recorder{}
	job.fn = func(req api.InvocationRequest) (api.Result, error) {
		if req.Invocation == 1 {
			return api.Result{}, api.Rejected("flaky upstream")
		}
		return api.Result{Text: "done on attempt " + strconv.Itoa(req.Invocation)}, nil
	}
	giveup := &recorder{}

	inst := runGraph(t, e, api.GraphDefinition{
		Name: "failure-retry",
		Nodes: []api.NodeDefinition{
			worker("job", job),
			counter("attempts", 2),
			worker("out", &recorder{fn: func(req api.InvocationRequest) (api.Result, error) {
				return api.Result{Text: req.Text()}, nil
			}}),
			worker("giveup", giveup),
		},
		Edges: []api.EdgeDefinition{
			api.Edge("job", "out"),
			when(api.Edge("job", "attempts"), api.AnyOf(api.FailureMarker)),
			api.Edge("attempts", "job"),
			api.Edge("attempts", "giveup"),
		},
		Entries: []string{"job"},
	}, "in")

	require.Equal(t, api.RunCompleted, inst.Status, "err: %v", inst.Err)
	assert.Equal(t, "done on attempt 2", inst.Output())
	assert.EqualValues(t, 0, giveup.calls.Load())

	reqs := job.requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Input, 1)
	retry := reqs[1].Input[0]
	assert.False(t, retry.IsFailure(), "the counter hands back a plain message")
	assert.Contains(t, retry.Text, "INVOCATION_FAILED(")
	assert.Contains(t, retry.Text, "flaky upstream")
	assert.Equal(t, "1", retry.Meta[api.MetaLoopCount])
}

// Two runs of one graph keep their own messages and loop state.
func TestEngine_ConcurrentRunsOfSameGraph(t *testing.T) {
	e := newTestEngine(t)
	design, release := &recorder{}, &recorder{}
	def := reviewLoop("shared", design, &recorder{}, release, 2)
	def.Nodes[0] = worker("plan", &recorder{})
	require.NoError(t, e.RegisterGraph(def))

	inputs := []string{"alpha", "beta", "gamma"}
	insts := make([]*api.RunInstance, len(inputs))
	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			insts[i], _ = e.Run(ctx, "shared", api.TextMessage(in))
		}()
	}
	wg.Wait()

	byRun := map[string][]api.InvocationRequest{}
	for _, req := range design.requests() {
		byRun[req.RunID] = append(byRun[req.RunID], req)
	}
	for i, inst := range insts {
		require.NotNil(t, inst)
		require.Equal(t, api.RunCompleted, inst.Status, "err: %v", inst.Err)
		assert.Equal(t, map[string]int{"ctr": 3}, inst.Cycles[0].Counters)
		assert.Equal(t, 2, inst.Cycles[0].Iterations)

		reqs := byRun[inst.ID]
		require.Len(t, reqs, 3, "run %s", inst.ID)
		assert.Equal(t, []string{"plan(" + inputs[i] + ")"}, texts(reqs[0].Input))
	}
	assert.Len(t, release.requests(), len(inputs))
}
