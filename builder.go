package graphflow

import (
	"fmt"
	"time"

	"github.com/petrijr/graphflow/internal/topology"
	"github.com/petrijr/graphflow/pkg/api"
)

// GraphBuilder provides a fluent API for defining graphs:
//
//	g := graphflow.NewGraph("review").
//	    Worker("design", design).
//	    Worker("review", review).
//	    Counter("rounds", 3).
//	    Worker("release", release).
//	    Edge("design", "review").
//	    Edge("review", "rounds", graphflow.When(graphflow.NoneOf("APPROVED"))).
//	    Edge("review", "release", graphflow.When(graphflow.AnyOf("APPROVED"))).
//	    Edge("rounds", "design").
//	    Edge("rounds", "release")
//
//	if err := g.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
// Builder methods panic on programming errors such as an empty node ID or a
// nil worker. Structural problems (unknown edge endpoints, cycles without a
// counter) are reported by Build and Register.
type GraphBuilder struct {
	def api.GraphDefinition
}

// NewGraph creates a new graph builder with the given name.
func NewGraph(name string) *GraphBuilder {
	return &GraphBuilder{def: api.GraphDefinition{Name: name}}
}

// Name returns the graph name.
func (b *GraphBuilder) Name() string {
	return b.def.Name
}

// Definition returns a copy of the underlying GraphDefinition.
func (b *GraphBuilder) Definition() GraphDefinition {
	def := b.def
	def.Nodes = append([]api.NodeDefinition(nil), b.def.Nodes...)
	def.Edges = append([]api.EdgeDefinition(nil), b.def.Edges...)
	def.Entries = append([]string(nil), b.def.Entries...)
	def.Terminals = append([]string(nil), b.def.Terminals...)
	return def
}

// NodeOption customises a node added through the builder.
type NodeOption func(*api.NodeDefinition)

// Retain sets how many delivered messages the node keeps between rounds.
func Retain(count int) NodeOption {
	return func(n *api.NodeDefinition) { n.Retention = count }
}

// Timeout bounds one invocation of a worker or the wait of a gate.
func Timeout(d time.Duration) NodeOption {
	return func(n *api.NodeDefinition) { n.Timeout = d }
}

// WithRetry attaches a retry policy to a worker node.
func WithRetry(r RetryBuilder) NodeOption {
	p := r.Policy()
	return func(n *api.NodeDefinition) { n.Retry = &p }
}

// ExitMessage sets the text a counter emits when its budget is spent.
func ExitMessage(text string) NodeOption {
	return func(n *api.NodeDefinition) {
		if n.Counter != nil {
			n.Counter.Message = text
		}
	}
}

// ResetOnReentry gives a counter a fresh budget each time its cycle is
// entered again from outside.
func ResetOnReentry() NodeOption {
	return func(n *api.NodeDefinition) {
		if n.Counter != nil {
			n.Counter.ResetOnReentry = true
		}
	}
}

// ResetOnExit zeroes a counter's count whenever it emits its exit message.
func ResetOnExit() NodeOption {
	return func(n *api.NodeDefinition) {
		if n.Counter != nil {
			n.Counter.ResetOnExit = true
		}
	}
}

func (b *GraphBuilder) add(n api.NodeDefinition, opts []NodeOption) *GraphBuilder {
	if n.ID == "" {
		panic("graphflow: node id must not be empty")
	}
	for _, opt := range opts {
		opt(&n)
	}
	b.def.Nodes = append(b.def.Nodes, n)
	return b
}

// Worker adds a node that invokes w.
func (b *GraphBuilder) Worker(id string, w Worker, opts ...NodeOption) *GraphBuilder {
	if w == nil {
		panic(fmt.Sprintf("graphflow: node %q has nil worker", id))
	}
	return b.add(api.NodeDefinition{ID: id, Kind: api.KindWorker, Worker: w}, opts)
}

// Gate adds a human approval gate. With no tokens any non-empty token
// resolves it.
func (b *GraphBuilder) Gate(id, prompt string, tokens ...string) *GraphBuilder {
	return b.add(api.NodeDefinition{
		ID:   id,
		Kind: api.KindGate,
		Gate: &api.GateConfig{Prompt: prompt, Tokens: tokens},
	}, nil)
}

// GateWith adds a gate with node options such as Timeout.
func (b *GraphBuilder) GateWith(id, prompt string, tokens []string, opts ...NodeOption) *GraphBuilder {
	return b.add(api.NodeDefinition{
		ID:   id,
		Kind: api.KindGate,
		Gate: &api.GateConfig{Prompt: prompt, Tokens: tokens},
	}, opts)
}

// Counter adds an iteration counter that lets max messages continue around
// its cycle before it exits.
func (b *GraphBuilder) Counter(id string, max int, opts ...NodeOption) *GraphBuilder {
	return b.add(api.NodeDefinition{
		ID:      id,
		Kind:    api.KindCounter,
		Counter: &api.CounterConfig{Max: max},
	}, opts)
}

// Literal adds a node that always emits text.
func (b *GraphBuilder) Literal(id, text string) *GraphBuilder {
	return b.add(api.NodeDefinition{
		ID:      id,
		Kind:    api.KindLiteral,
		Literal: &api.LiteralConfig{Text: text},
	}, nil)
}

// Passthrough adds a node that forwards its input unchanged.
func (b *GraphBuilder) Passthrough(id string, opts ...NodeOption) *GraphBuilder {
	return b.add(api.NodeDefinition{ID: id, Kind: api.KindPassthrough}, opts)
}

// EdgeOption customises an edge added through the builder.
type EdgeOption func(*api.EdgeDefinition)

// When guards the edge with a condition.
func When(c Condition) EdgeOption {
	return func(e *api.EdgeDefinition) { e.Condition = c }
}

// ContextOnly makes the edge deliver context without arming the target.
func ContextOnly() EdgeOption {
	return func(e *api.EdgeDefinition) { e.Trigger = false }
}

// SignalOnly makes the edge arm the target without carrying the payload.
func SignalOnly() EdgeOption {
	return func(e *api.EdgeDefinition) { e.CarryData = false }
}

// Transient makes the delivered message visible for the next round only.
func Transient() EdgeOption {
	return func(e *api.EdgeDefinition) { e.KeepMessage = false }
}

// ClearContext empties the target's buffer before delivery.
func ClearContext() EdgeOption {
	return func(e *api.EdgeDefinition) { e.ClearContext = true }
}

// Split turns the edge into a dynamic fan-out over pattern matches.
func Split(cfg SplitConfig) EdgeOption {
	return func(e *api.EdgeDefinition) {
		c := cfg
		e.Split = &c
	}
}

// Edge adds a trigger edge that keeps and carries its message unless
// options say otherwise.
func (b *GraphBuilder) Edge(from, to string, opts ...EdgeOption) *GraphBuilder {
	e := api.Edge(from, to)
	for _, opt := range opts {
		opt(&e)
	}
	b.def.Edges = append(b.def.Edges, e)
	return b
}

// Entries declares the nodes that receive the run input.
func (b *GraphBuilder) Entries(ids ...string) *GraphBuilder {
	b.def.Entries = append(b.def.Entries, ids...)
	return b
}

// Terminals declares the nodes whose outputs form the run outcome.
func (b *GraphBuilder) Terminals(ids ...string) *GraphBuilder {
	b.def.Terminals = append(b.def.Terminals, ids...)
	return b
}

// Build validates the graph and returns its definition.
func (b *GraphBuilder) Build() (GraphDefinition, error) {
	def := b.Definition()
	if _, err := topology.Build(def); err != nil {
		return GraphDefinition{}, err
	}
	return def, nil
}

// Register registers the built graph with the given engine.
func (b *GraphBuilder) Register(eng Engine) error {
	return eng.RegisterGraph(b.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *GraphBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

// Layout is the static structure of a valid graph.
type Layout struct {
	// Layers lists node IDs by execution layer; a cycle occupies one layer.
	Layers [][]string
	// Cycles lists the members of every cycle.
	Cycles    [][]string
	Entries   []string
	Terminals []string
}

// Analyze validates def and returns its layout.
func Analyze(def GraphDefinition) (*Layout, error) {
	topo, err := topology.Build(def)
	if err != nil {
		return nil, err
	}
	ids := func(xs []int) []string {
		out := make([]string, len(xs))
		for i, x := range xs {
			out[i] = topo.ID(x)
		}
		return out
	}
	l := &Layout{
		Entries:   ids(topo.Entries()),
		Terminals: ids(topo.Terminals()),
	}
	for _, layer := range topo.Layers() {
		l.Layers = append(l.Layers, ids(layer))
	}
	for _, c := range topo.Cycles() {
		l.Cycles = append(l.Cycles, ids(c.Members))
	}
	return l, nil
}
