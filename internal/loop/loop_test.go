package loop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/graphflow/internal/topology"
	"github.com/petrijr/graphflow/pkg/api"
)

func TestCounter_MaxTwoContinuesTwiceThenExits(t *testing.T) {
	c := NewCounter(api.CounterConfig{Max: 2})

	got := []Decision{c.Observe(), c.Observe(), c.Observe()}
	assert.Equal(t, []Decision{Continue, Continue, Exit}, got)
	assert.Equal(t, 3, c.Count())

	exit := c.ExitMessage("ctr")
	assert.Equal(t, "LOOP_EXIT: Loop limit reached (2)", exit.Text)
	assert.Equal(t, "3", exit.Meta[api.MetaLoopCount])
}

func TestCounter_MaxZeroExitsImmediately(t *testing.T) {
	c := NewCounter(api.CounterConfig{Max: 0})
	assert.Equal(t, Exit, c.Observe())
	assert.Equal(t, Exit, c.Observe())
}

var noop = api.WorkerFunc(func(ctx context.Context, req api.InvocationRequest) (api.Result, error) {
	return api.Result{}, nil
})

// plan -> design -> review -> counter -> design, counter -> release
func buildLoop(t *testing.T, reset bool) *topology.Topology {
	t.Helper()
	topo, err := topology.Build(api.GraphDefinition{
		Name: "loop",
		Nodes: []api.NodeDefinition{
			{ID: "plan", Kind: api.KindWorker, Worker: noop},
			{ID: "design", Kind: api.KindWorker, Worker: noop},
			{ID: "review", Kind: api.KindWorker, Worker: noop},
			{ID: "counter", Kind: api.KindCounter, Counter: &api.CounterConfig{Max: 1, ResetOnReentry: reset}},
			{ID: "release", Kind: api.KindWorker, Worker: noop},
		},
		Edges: []api.EdgeDefinition{
			api.Edge("plan", "design"),
			api.Edge("design", "review"),
			api.Edge("review", "counter"),
			api.Edge("counter", "design"),
			api.Edge("counter", "release"),
		},
	})
	require.NoError(t, err)
	return topo
}

func idx(t *testing.T, topo *topology.Topology, id string) int {
	t.Helper()
	i, ok := topo.Index(id)
	require.True(t, ok)
	return i
}

func armedBy(nodes ...int) func(int) bool {
	set := map[int]bool{}
	for _, n := range nodes {
		set[n] = true
	}
	return func(p int) bool { return set[p] }
}

func TestExecutor_FirstEntryRequiresExternalPredecessor(t *testing.T) {
	topo := buildLoop(t, false)
	x := New(topo)
	plan, design, counter := idx(t, topo, "plan"), idx(t, topo, "design"), idx(t, topo, "counter")

	assert.Equal(t, NotReady, x.Ready(design, armedBy(counter)), "back edge alone cannot enter the cycle")
	assert.Equal(t, Entry, x.Ready(design, armedBy(plan)))

	x.Dispatched(design, Entry)
	assert.Equal(t, Active, x.Phase(0))
}

func TestExecutor_ReentryDoesNotAwaitExternalPredecessor(t *testing.T) {
	topo := buildLoop(t, false)
	x := New(topo)
	plan, design, review, counter := idx(t, topo, "plan"), idx(t, topo, "design"), idx(t, topo, "review"), idx(t, topo, "counter")

	x.Dispatched(design, x.Ready(design, armedBy(plan)))
	assert.Equal(t, Forward, x.Ready(review, armedBy(design)))
	assert.Equal(t, Forward, x.Ready(counter, armedBy(review)))

	d, _ := x.Observe(counter)
	require.Equal(t, Continue, d)

	r := x.Ready(design, armedBy(counter))
	assert.Equal(t, BackEdge, r)
	x.Dispatched(design, r)
	assert.Equal(t, Iterating, x.Phase(0))
	assert.Equal(t, 1, x.Iterations(0))

	d, count := x.Observe(counter)
	assert.Equal(t, Exit, d)
	assert.Equal(t, 2, count)
	assert.Equal(t, Exited, x.Phase(0))
}

func TestExecutor_ResetOnReentry(t *testing.T) {
	for _, reset := range []bool{false, true} {
		topo := buildLoop(t, reset)
		x := New(topo)
		plan, design, counter := idx(t, topo, "plan"), idx(t, topo, "design"), idx(t, topo, "counter")

		x.Dispatched(design, Entry)
		x.Observe(counter)
		x.Observe(counter)
		require.Equal(t, Exited, x.Phase(0))

		require.Equal(t, Entry, x.Ready(design, armedBy(plan)))
		x.Dispatched(design, Entry)
		assert.Equal(t, Active, x.Phase(0))

		d, _ := x.Observe(counter)
		if reset {
			assert.Equal(t, Continue, d, "fresh budget after re-entry")
		} else {
			assert.Equal(t, Exit, d, "budget is spent for the whole run")
		}
	}
}

func TestExecutor_SnapshotRestore(t *testing.T) {
	topo := buildLoop(t, false)
	x := New(topo)
	design, counter := idx(t, topo, "design"), idx(t, topo, "counter")

	x.Enter(design)
	x.Observe(counter)
	x.Dispatched(design, BackEdge)

	restored := Restore(topo, x.Snapshot())
	assert.Equal(t, x.Phase(0), restored.Phase(0))
	assert.Equal(t, x.Iterations(0), restored.Iterations(0))
	assert.Equal(t, 1, restored.Count(counter))

	states := restored.States()
	require.Len(t, states, 1)
	assert.Equal(t, "ITERATING", states[0].Phase)
	assert.Equal(t, map[string]int{"counter": 1}, states[0].Counters)
	assert.Equal(t, []string{"design", "review", "counter"}, states[0].Members)
}

func TestExecutor_NonCycleNodeIsNeverReadyHere(t *testing.T) {
	topo := buildLoop(t, false)
	x := New(topo)
	assert.Equal(t, NotReady, x.Ready(idx(t, topo, "release"), func(int) bool { return true }))
}

// z -> x -> y -> c -> x, w -> y, c -> out
func buildSideInput(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.Build(api.GraphDefinition{
		Name: "side-input",
		Nodes: []api.NodeDefinition{
			{ID: "z", Kind: api.KindWorker, Worker: noop},
			{ID: "w", Kind: api.KindWorker, Worker: noop},
			{ID: "x", Kind: api.KindWorker, Worker: noop},
			{ID: "y", Kind: api.KindWorker, Worker: noop},
			{ID: "c", Kind: api.KindCounter, Counter: &api.CounterConfig{Max: 1}},
			{ID: "out", Kind: api.KindWorker, Worker: noop},
		},
		Edges: []api.EdgeDefinition{
			api.Edge("z", "x"),
			api.Edge("x", "y"),
			api.Edge("w", "y"),
			api.Edge("y", "c"),
			api.Edge("c", "x"),
			api.Edge("c", "out"),
		},
	})
	require.NoError(t, err)
	return topo
}

func TestExecutor_MemberFirstRoundJoinsOnExternalPredecessor(t *testing.T) {
	topo := buildSideInput(t)
	x := New(topo)
	z, w, xn, y, c := idx(t, topo, "z"), idx(t, topo, "w"), idx(t, topo, "x"), idx(t, topo, "y"), idx(t, topo, "c")

	x.Dispatched(xn, x.Ready(xn, armedBy(z)))
	require.Equal(t, Active, x.Phase(0))

	assert.Equal(t, NotReady, x.Ready(y, armedBy(xn)), "w has not delivered yet")
	r := x.Ready(y, armedBy(xn, w))
	require.NotEqual(t, NotReady, r)
	x.Dispatched(y, r)

	x.Dispatched(c, x.Ready(c, armedBy(y)))
	d, _ := x.Observe(c)
	require.Equal(t, Continue, d)
	x.Dispatched(xn, x.Ready(xn, armedBy(c)))

	assert.Equal(t, Forward, x.Ready(y, armedBy(xn)), "later rounds do not await w")

	restored := Restore(topo, x.Snapshot())
	assert.Equal(t, Forward, restored.Ready(y, armedBy(xn)))
	assert.Equal(t, []string{"x", "y", "c"}, x.Snapshot().Cycles[0].Closed)
}

func TestExecutor_ReentryRestartsMemberJoin(t *testing.T) {
	topo := buildSideInput(t)
	x := New(topo)
	z, w, xn, y, c := idx(t, topo, "z"), idx(t, topo, "w"), idx(t, topo, "x"), idx(t, topo, "y"), idx(t, topo, "c")

	x.Dispatched(xn, Entry)
	x.Dispatched(y, x.Ready(y, armedBy(xn, w)))
	x.Observe(c)
	x.Observe(c)
	require.Equal(t, Exited, x.Phase(0))

	x.Dispatched(xn, x.Ready(xn, armedBy(z)))
	require.Equal(t, Active, x.Phase(0))
	assert.Equal(t, NotReady, x.Ready(y, armedBy(xn)), "a new entry awaits w again")
}

func TestCounter_ResetOnExit(t *testing.T) {
	c := NewCounter(api.CounterConfig{Max: 1, ResetOnExit: true})
	assert.Equal(t, Continue, c.Observe())
	assert.Equal(t, Exit, c.Observe())
	assert.Zero(t, c.Count())
	assert.Equal(t, "2", c.ExitMessage("ctr").Meta[api.MetaLoopCount], "exit reports the count that ran out")

	assert.Equal(t, Continue, c.Observe(), "budget starts over")
	assert.Equal(t, Exit, c.Observe())
}

func TestExecutor_ResetOnExitReportsExhaustedCount(t *testing.T) {
	topo, err := topology.Build(api.GraphDefinition{
		Name: "reset-exit",
		Nodes: []api.NodeDefinition{
			{ID: "work", Kind: api.KindWorker, Worker: noop},
			{ID: "ctr", Kind: api.KindCounter, Counter: &api.CounterConfig{Max: 0, ResetOnExit: true}},
			{ID: "done", Kind: api.KindWorker, Worker: noop},
		},
		Edges: []api.EdgeDefinition{
			api.Edge("work", "ctr"),
			api.Edge("ctr", "work"),
			api.Edge("ctr", "done"),
		},
		Entries: []string{"work"},
	})
	require.NoError(t, err)
	x := New(topo)
	ctr := idx(t, topo, "ctr")

	d, count := x.Observe(ctr)
	assert.Equal(t, Exit, d)
	assert.Equal(t, 1, count)
	assert.Zero(t, x.Count(ctr))
	assert.Equal(t, "1", x.ExitMessage(ctr).Meta[api.MetaLoopCount])
}
