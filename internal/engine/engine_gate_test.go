package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/graphflow/internal/persistence"
	"github.com/petrijr/graphflow/pkg/api"
)

// draft -> approve(gate) -> publish
func approvalGraph(name string, draft, publish api.Worker) api.GraphDefinition {
	return api.GraphDefinition{
		Name: name,
		Nodes: []api.NodeDefinition{
			worker("draft", draft),
			gate("approve", "APPROVE", "REJECT"),
			worker("publish", publish),
		},
		Edges: []api.EdgeDefinition{api.Edge("draft", "approve"), api.Edge("approve", "publish")},
	}
}

func startWaiting(t *testing.T, e *engineImpl, def api.GraphDefinition) *api.RunInstance {
	t.Helper()
	require.NoError(t, e.RegisterGraph(def))
	inst, err := e.Start(context.Background(), def.Name, api.TextMessage("in"))
	require.NoError(t, err)
	waitFor(t, "run to wait on its gate", func() bool {
		cur, err := e.GetRun(context.Background(), inst.ID)
		return err == nil && cur.Status == api.RunWaiting
	})
	return inst
}

func TestEngine_GateResolution(t *testing.T) {
	e := newTestEngine(t)
	publish := &recorder{}
	ctx := context.Background()

	inst := startWaiting(t, e, approvalGraph("approval", echo("draft v1"), publish))

	cur, err := e.GetRun(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.NodeWaiting, cur.Nodes["approve"].Status)

	gates, err := e.PendingGates(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, gates, 1)
	assert.Equal(t, "approve", gates[0].NodeID)
	assert.Equal(t, "approve approve?", gates[0].Prompt)
	assert.Equal(t, []string{"draft v1"}, texts(gates[0].Context))

	err = e.ResolveGate(ctx, inst.ID, "approve", api.GateResolution{Token: "MAYBE"})
	assert.ErrorIs(t, err, api.ErrInvalidGateToken)
	err = e.ResolveGate(ctx, inst.ID, "draft", api.GateResolution{Token: "APPROVE"})
	assert.ErrorIs(t, err, api.ErrGateNotPending)

	require.NoError(t, e.ResolveGate(ctx, inst.ID, "approve", api.GateResolution{Token: "APPROVE", Payload: "ship it"}))

	final, err := e.Wait(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, api.RunCompleted, final.Status)
	assert.Equal(t, []string{"APPROVE: ship it"}, texts(publish.requests()[0].Input))

	err = e.ResolveGate(ctx, inst.ID, "approve", api.GateResolution{Token: "APPROVE"})
	assert.ErrorIs(t, err, api.ErrGateNotPending)

	evs, err := e.ListEvents(ctx, inst.ID)
	require.NoError(t, err)
	assert.Contains(t, eventTypes(evs), "gate.pending gate.resolved")
}

func TestEngine_GateTimeoutIsFailure(t *testing.T) {
	e := newTestEngine(t)
	g := gate("approve")
	g.Timeout = 20 * time.Millisecond
	escalate := &recorder{}

	inst := runGraph(t, e, api.GraphDefinition{
		Name:  "gate-timeout",
		Nodes: []api.NodeDefinition{g, worker("escalate", escalate)},
		Edges: []api.EdgeDefinition{when(api.Edge("approve", "escalate"), api.AnyOf("INVOCATION_FAILED(timeout)"))},
	}, "in")

	require.Equal(t, api.RunCompleted, inst.Status)
	assert.EqualValues(t, 1, escalate.calls.Load())
}

func TestEngine_CancelPendingGate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	inst := startWaiting(t, e, approvalGraph("cancel-gate", echo("draft"), &recorder{}))

	start := time.Now()
	require.NoError(t, e.Cancel(ctx, inst.ID))
	final, err := e.Wait(ctx, inst.ID)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, api.RunCancelled, final.Status)
	assert.ErrorIs(t, final.Err, api.ErrRunCancelled)
	assert.Equal(t, api.NodeCancelled, final.Nodes["approve"].Status)
	assert.Equal(t, api.NodeNeverRan, final.Nodes["publish"].Status)

	gates, err := e.PendingGates(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, gates)

	assert.NoError(t, e.Cancel(ctx, inst.ID), "cancelling a finished run is a no-op")
}

func TestEngine_CancelAbandonsUncooperativeWorker(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	started := make(chan struct{})

	require.NoError(t, e.RegisterGraph(api.GraphDefinition{
		Name: "stuck",
		Nodes: []api.NodeDefinition{worker("stuck", api.WorkerFunc(func(ctx context.Context, req api.InvocationRequest) (api.Result, error) {
			close(started)
			<-block
			return api.Result{Text: "late"}, nil
		}))},
	}))
	inst, err := e.Start(ctx, "stuck", api.TextMessage("in"))
	require.NoError(t, err)
	<-started

	start := time.Now()
	require.NoError(t, e.Cancel(ctx, inst.ID))
	final, err := e.Wait(ctx, inst.ID)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, api.RunCancelled, final.Status)
	assert.Equal(t, api.NodeCancelled, final.Nodes["stuck"].Status)
	assert.Empty(t, final.Outcome)
}

func TestEngine_RunContextCancelsRun(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterGraph(approvalGraph("ctx-cancel", echo("draft"), &recorder{})))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	inst, err := e.Run(ctx, "ctx-cancel", api.TextMessage("in"))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, inst)
	assert.Equal(t, api.RunCancelled, inst.Status)
}

func TestEngine_ResumeAfterFailure(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	draft := &recorder{}
	healthy := false
	check := &recorder{}
	check.fn = func(req api.InvocationRequest) (api.Result, error) {
		if !healthy {
			return api.Result{}, api.Rejected("service down")
		}
		return api.Result{Text: "checked " + req.Text()}, nil
	}

	inst := runGraph(t, e, api.GraphDefinition{
		Name:  "resume",
		Nodes: []api.NodeDefinition{worker("draft", draft), worker("check", check), worker("publish", &recorder{})},
		Edges: []api.EdgeDefinition{api.Edge("draft", "check"), api.Edge("check", "publish")},
	}, "in")
	require.Equal(t, api.RunFailed, inst.Status)
	assert.ErrorIs(t, inst.Err, api.ErrUnresolvedFailure)

	healthy = true
	resumed, err := e.Resume(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, resumed.Terminal())

	final, err := e.Wait(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, api.RunCompleted, final.Status, "err: %v", final.Err)
	assert.EqualValues(t, 1, draft.calls.Load(), "completed nodes are not redone")
	assert.Equal(t, 2, final.Nodes["check"].Invocations)
	assert.Equal(t, "publish(checked draft(in))", final.Output())

	_, err = e.Resume(ctx, inst.ID)
	assert.ErrorIs(t, err, api.ErrRunNotResumable)

	evs, err := e.ListEvents(ctx, inst.ID)
	require.NoError(t, err)
	assert.Contains(t, eventTypes(evs), "run.failed run.resumed")
}

func TestEngine_RecoverAndResumeOnAnotherEngine(t *testing.T) {
	ctx := context.Background()
	first := newTestEngine(t)
	draft, publish := &recorder{}, &recorder{}
	def := approvalGraph("recover", draft, publish)

	inst := startWaiting(t, first, def)
	t.Cleanup(func() { _ = first.Cancel(context.Background(), inst.ID) })

	snap, err := first.runs.GetRun(ctx, inst.ID)
	require.NoError(t, err)

	shared := persistence.NewInMemory()
	require.NoError(t, shared.Runs.SaveRun(ctx, snap))
	second := newTestEngine(t, func(c *Config) { c.Persistence = shared })
	require.NoError(t, second.RegisterGraph(def))

	n, err := second.RecoverStuckRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	failed, err := second.GetRun(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, api.RunFailed, failed.Status)
	assert.Contains(t, failed.Err.Error(), "run interrupted")

	n, err = second.RecoverStuckRuns(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = second.Resume(ctx, inst.ID)
	require.NoError(t, err)
	waitFor(t, "resumed gate", func() bool {
		gates, err := second.PendingGates(ctx, inst.ID)
		return err == nil && len(gates) == 1
	})
	require.NoError(t, second.ResolveGate(ctx, inst.ID, "approve", api.GateResolution{Token: "APPROVE"}))

	final, err := second.Wait(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, api.RunCompleted, final.Status, "err: %v", final.Err)
	assert.EqualValues(t, 1, draft.calls.Load(), "draft completed before the crash")
	assert.Equal(t, "publish(APPROVE)", final.Output())
}
