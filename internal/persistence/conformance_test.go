package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/graphflow/pkg/api"
)

func sampleSnapshot(id, graph string, status api.RunStatus) *api.RunSnapshot {
	return &api.RunSnapshot{
		RunID:  id,
		Graph:  graph,
		Status: status,
		Input:  api.Message{Source: "__input__", Text: "build a parser"},
		Nodes: map[string]api.NodeState{
			"design": {Status: api.NodeCompleted, Invocations: 2},
			"review": {Status: api.NodeQueued, Invocations: 1},
		},
		Buffers: map[string][]api.Message{
			"review": {{Source: "design", Seq: 3, Text: "draft v2", Meta: map[string]string{"k": "v"}}},
		},
		Seq:  map[string]uint64{"review": 3},
		Arms: map[string][]string{"release": {"counter"}},
		Pending: []api.PendingRound{
			{Node: "review", Input: []api.Message{{Source: "design", Seq: 3, Text: "draft v2"}}, Reentry: true},
		},
		Loops: api.LoopSnapshot{
			Cycles: []api.CycleSnapshot{{Phase: 2, Entries: 1, Iterations: 1, Closed: []string{"design", "review"}}},
			Counts: map[string]int{"counter": 1},
		},
		StartedAt: time.Unix(1700000000, 0).UTC(),
		UpdatedAt: time.Unix(1700000100, 0).UTC(),
	}
}

// testRunStore exercises the RunStore contract shared by every backend.
func testRunStore(t *testing.T, store RunStore) {
	t.Helper()
	ctx := context.Background()

	snap := sampleSnapshot("run-1", "review-loop", api.RunRunning)
	require.NoError(t, store.SaveRun(ctx, snap))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "review-loop", got.Graph)
	assert.Equal(t, api.RunRunning, got.Status)
	assert.Equal(t, "build a parser", got.Input.Text)
	assert.Equal(t, 2, got.Nodes["design"].Invocations)
	assert.Equal(t, "draft v2", got.Buffers["review"][0].Text)
	assert.Equal(t, "v", got.Buffers["review"][0].Meta["k"])
	assert.Equal(t, []string{"counter"}, got.Arms["release"])
	require.Len(t, got.Pending, 1)
	assert.True(t, got.Pending[0].Reentry)
	assert.Equal(t, 1, got.Loops.Counts["counter"])
	assert.Equal(t, []string{"design", "review"}, got.Loops.Cycles[0].Closed)
	assert.True(t, snap.StartedAt.Equal(got.StartedAt))

	// Mutating the returned value must not leak into the store.
	got.Nodes["design"] = api.NodeState{Status: api.NodeFailed}

	snap.Status = api.RunFailed
	snap.Reason = "node \"review\" failed"
	require.NoError(t, store.UpdateRun(ctx, snap))

	got, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, api.RunFailed, got.Status)
	assert.Equal(t, snap.Reason, got.Reason)
	assert.Equal(t, api.NodeCompleted, got.Nodes["design"].Status)

	_, err = store.GetRun(ctx, "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	err = store.UpdateRun(ctx, sampleSnapshot("missing", "g", api.RunRunning))
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound on update, got %v", err)
	}
	assert.ErrorIs(t, err, api.ErrRunNotFound)
}

func testRunStoreFilters(t *testing.T, store RunStore) {
	t.Helper()
	ctx := context.Background()

	for _, s := range []*api.RunSnapshot{
		sampleSnapshot("list-1", "graph-A", api.RunRunning),
		sampleSnapshot("list-2", "graph-A", api.RunCompleted),
		sampleSnapshot("list-3", "graph-B", api.RunCompleted),
	} {
		require.NoError(t, store.SaveRun(ctx, s))
	}

	// Status changes must move the run between status filters.
	moved := sampleSnapshot("list-1", "graph-A", api.RunFailed)
	require.NoError(t, store.UpdateRun(ctx, moved))

	ids := func(f RunFilter) []string {
		runs, err := store.ListRuns(ctx, f)
		require.NoError(t, err)
		var out []string
		for _, r := range runs {
			out = append(out, r.RunID)
		}
		return out
	}

	assert.Equal(t, []string{"list-1", "list-2", "list-3"}, ids(RunFilter{}))
	assert.Equal(t, []string{"list-1", "list-2"}, ids(RunFilter{Graph: "graph-A"}))
	assert.Equal(t, []string{"list-2", "list-3"}, ids(RunFilter{Status: api.RunCompleted}))
	assert.Equal(t, []string{"list-2"}, ids(RunFilter{Graph: "graph-A", Status: api.RunCompleted}))
	assert.Equal(t, []string{"list-1"}, ids(RunFilter{Status: api.RunFailed}))
	assert.Empty(t, ids(RunFilter{Status: api.RunRunning}))
}

func testEventStore(t *testing.T, store EventStore) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.AppendEvent(ctx, api.RunEvent{RunID: "r1", Type: api.EventRunStarted, Graph: "g"}))
	require.NoError(t, store.AppendEvent(ctx, api.RunEvent{RunID: "r2", Type: api.EventRunStarted, Graph: "g"}))
	require.NoError(t, store.AppendEvent(ctx, api.RunEvent{RunID: "r1", Type: api.EventGateResolved, Graph: "g", Node: "approve", Detail: "APPROVED"}))

	evs, err := store.ListEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, api.EventRunStarted, evs[0].Type)
	assert.Equal(t, api.EventGateResolved, evs[1].Type)
	assert.Equal(t, "approve", evs[1].Node)
	assert.Equal(t, "APPROVED", evs[1].Detail)
	assert.False(t, evs[1].At.IsZero())

	none, err := store.ListEvents(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}
