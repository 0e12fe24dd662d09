package graphflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/graphflow/pkg/api"
)

func TestGraphBuilder_BuildAndRegister(t *testing.T) {
	eng := NewInMemoryEngine()

	g := NewGraph("builder-sample").
		Worker("design", suffix("+d"), Retain(RetainAll), Timeout(time.Second)).
		Worker("review", suffix("+r"), WithRetry(Retry(3).Immediate())).
		Counter("rounds", 2, ExitMessage("enough"), ResetOnReentry(), ResetOnExit()).
		Passthrough("release").
		Literal("banner", "hello").
		Gate("approve", "ok?", "YES").
		Edge("banner", "design", SignalOnly(), Transient(), ClearContext()).
		Edge("design", "review").
		Edge("review", "rounds").
		Edge("rounds", "design").
		Edge("rounds", "release").
		Edge("release", "approve", When(Keywords([]string{"LOOP_EXIT"}, nil))).
		Edge("review", "release", ContextOnly())

	require.NoError(t, g.Register(eng))
	assert.Equal(t, "builder-sample", g.Name())

	def := g.Definition()
	require.Len(t, def.Nodes, 6)
	require.Len(t, def.Edges, 7)

	rounds := def.Nodes[2]
	assert.Equal(t, api.KindCounter, rounds.Kind)
	assert.Equal(t, "enough", rounds.Counter.Message)
	assert.True(t, rounds.Counter.ResetOnReentry)
	assert.True(t, rounds.Counter.ResetOnExit)
	assert.Equal(t, RetainAll, def.Nodes[0].Retention)
	assert.Equal(t, time.Second, def.Nodes[0].Timeout)
	assert.Equal(t, 3, def.Nodes[1].Retry.MaxAttempts)

	signal := def.Edges[0]
	assert.True(t, signal.Trigger)
	assert.False(t, signal.KeepMessage)
	assert.False(t, signal.CarryData)
	assert.True(t, signal.ClearContext)
	assert.False(t, def.Edges[6].Trigger)
}

func TestGraphBuilder_DefinitionIsACopy(t *testing.T) {
	g := NewGraph("copy").Worker("a", upper())
	def := g.Definition()
	def.Nodes[0].ID = "mutated"
	assert.Equal(t, "a", g.Definition().Nodes[0].ID)
}

func TestGraphBuilder_BuildReportsConfigErrors(t *testing.T) {
	_, err := NewGraph("uncounted").
		Worker("a", upper()).
		Worker("b", upper()).
		Edge("a", "b").
		Edge("b", "a").
		Build()
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrInvalidGraph))

	var cfgErr *api.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestGraphBuilder_PanicsOnProgrammingErrors(t *testing.T) {
	assert.Panics(t, func() { NewGraph("x").Worker("", upper()) })
	assert.Panics(t, func() { NewGraph("x").Worker("a", nil) })
}

func TestGraphBuilder_SplitFansOut(t *testing.T) {
	eng := NewInMemoryEngine()
	NewGraph("fan").
		Literal("plan", "### Task 1: A\n### Task 2: B").
		Worker("do", suffix(" done")).
		Passthrough("collect").
		Edge("plan", "do", Split(SplitConfig{Pattern: `### Task \d+:.*?(?=### Task \d+:|$)`})).
		Edge("do", "collect").
		MustRegister(eng)

	inst, err := Run(context.Background(), eng, "fan", Text(""))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, 1, inst.Nodes["do"].Invocations, "a fan-out is one invocation")
	require.Len(t, inst.Outcome, 2, "one output per unit, never merged")
	assert.Contains(t, inst.Outcome[0].Text, "### Task 1: A")
	assert.Contains(t, inst.Outcome[1].Text, "### Task 2: B done")
}

func TestAnalyze_LayersAndCycles(t *testing.T) {
	def, err := NewGraph("layout").
		Worker("plan", upper()).
		Worker("design", upper()).
		Worker("review", upper()).
		Counter("ctr", 1).
		Worker("release", upper()).
		Edge("plan", "design").
		Edge("design", "review").
		Edge("review", "ctr").
		Edge("ctr", "design").
		Edge("ctr", "release").
		Build()
	require.NoError(t, err)

	l, err := Analyze(def)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"plan"}, {"design", "review", "ctr"}, {"release"}}, l.Layers)
	assert.Equal(t, [][]string{{"design", "review", "ctr"}}, l.Cycles)
	assert.Equal(t, []string{"plan"}, l.Entries)
	assert.Equal(t, []string{"release"}, l.Terminals)
}
