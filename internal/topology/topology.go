// Package topology validates a graph definition and computes its static
// structure: strongly connected components over trigger edges, the
// condensed layering, per-cycle metadata and the entry and terminal sets.
//
// A Topology is immutable once built and is shared by every run of the graph.
package topology

import (
	"slices"

	"github.com/petrijr/graphflow/internal/condition"
	"github.com/petrijr/graphflow/internal/fanout"
	"github.com/petrijr/graphflow/pkg/api"
)

// Cycle is a strongly connected component with more than one node, or a
// single node with a trigger self-loop.
type Cycle struct {
	Index   int
	Members []int
	// Entries are members with external trigger predecessors or declared
	// graph entries.
	Entries  []int
	Counters []int
	// ExitEdges are trigger edges from a member to a non-member.
	ExitEdges []int

	member   map[int]bool
	backEdge map[int]bool
}

// Contains reports whether node is a member of the cycle.
func (c *Cycle) Contains(node int) bool { return c.member[node] }

// IsBackEdge reports whether edge closes the cycle, as classified by a
// depth-first walk from the cycle entries.
func (c *Cycle) IsBackEdge(edge int) bool { return c.backEdge[edge] }

// Topology is the static structure of a validated graph.
type Topology struct {
	name  string
	nodes []api.NodeDefinition
	edges []api.EdgeDefinition
	index map[string]int

	out [][]int
	in  [][]int

	preds     []condition.Predicate
	splitters []*fanout.Splitter

	comp   []int
	layer  []int
	layers [][]int
	order  []int

	cycles  []*Cycle
	cycleOf []int

	externalPreds [][]int
	forwardPreds  [][]int
	backPreds     [][]int
	triggerPreds  [][]int

	entries    []int
	isEntry    []bool
	terminals  []int
	isTerminal []bool
}

// Name returns the graph name.
func (t *Topology) Name() string { return t.name }

// NodeCount returns the number of nodes.
func (t *Topology) NodeCount() int { return len(t.nodes) }

// Node returns the definition of node i.
func (t *Topology) Node(i int) api.NodeDefinition { return t.nodes[i] }

// ID returns the identifier of node i.
func (t *Topology) ID(i int) string { return t.nodes[i].ID }

// Index returns the node index of id.
func (t *Topology) Index(id string) (int, bool) {
	i, ok := t.index[id]
	return i, ok
}

// Edge returns the definition of edge e.
func (t *Topology) Edge(e int) api.EdgeDefinition { return t.edges[e] }

// EdgeCount returns the number of edges.
func (t *Topology) EdgeCount() int { return len(t.edges) }

// Source and Target return the node indexes joined by edge e.
func (t *Topology) Source(e int) int { return t.index[t.edges[e].From] }
func (t *Topology) Target(e int) int { return t.index[t.edges[e].To] }

// Out returns the outgoing edge indexes of node i in declaration order.
func (t *Topology) Out(i int) []int { return t.out[i] }

// In returns the incoming edge indexes of node i in declaration order.
func (t *Topology) In(i int) []int { return t.in[i] }

// Condition returns the compiled condition of edge e.
func (t *Topology) Condition(e int) condition.Predicate { return t.preds[e] }

// Splitter returns the splitter of edge e, or nil for a plain edge.
func (t *Topology) Splitter(e int) *fanout.Splitter { return t.splitters[e] }

// Layers returns node indexes grouped by layer. Members of a cycle share
// a layer.
func (t *Topology) Layers() [][]int { return t.layers }

// LayerOf returns the layer of node i.
func (t *Topology) LayerOf(i int) int { return t.layer[i] }

// Order returns every node sorted by (layer, index).
func (t *Topology) Order() []int { return t.order }

// Component returns the strongly connected component id of node i.
func (t *Topology) Component(i int) int { return t.comp[i] }

// Cycles returns the cycles of the graph.
func (t *Topology) Cycles() []*Cycle { return t.cycles }

// CycleOf returns the cycle containing node i, or nil.
func (t *Topology) CycleOf(i int) *Cycle {
	if c := t.cycleOf[i]; c >= 0 {
		return t.cycles[c]
	}
	return nil
}

// TriggerPreds returns the distinct nodes with a trigger edge into i.
func (t *Topology) TriggerPreds(i int) []int { return t.triggerPreds[i] }

// ExternalPreds returns the trigger predecessors of i outside its cycle.
// For a node outside any cycle it equals TriggerPreds.
func (t *Topology) ExternalPreds(i int) []int { return t.externalPreds[i] }

// ForwardPreds returns the trigger predecessors of i inside its cycle that
// reach i over a forward edge.
func (t *Topology) ForwardPreds(i int) []int { return t.forwardPreds[i] }

// BackPreds returns the trigger predecessors of i inside its cycle that
// reach i over a back edge.
func (t *Topology) BackPreds(i int) []int { return t.backPreds[i] }

// Entries returns the entry nodes.
func (t *Topology) Entries() []int { return t.entries }

// IsEntry reports whether i is an entry node.
func (t *Topology) IsEntry(i int) bool { return t.isEntry[i] }

// Terminals returns the terminal nodes.
func (t *Topology) Terminals() []int { return t.terminals }

// IsTerminal reports whether i is a terminal node.
func (t *Topology) IsTerminal(i int) bool { return t.isTerminal[i] }

// Retention returns the retention setting of every node keyed by ID.
func (t *Topology) Retention() map[string]int {
	out := make(map[string]int, len(t.nodes))
	for _, n := range t.nodes {
		out[n.ID] = n.Retention
	}
	return out
}

// StaysInCycle reports whether edge e joins two members of the same cycle.
func (t *Topology) StaysInCycle(e int) bool {
	c := t.CycleOf(t.Source(e))
	return c != nil && c.Contains(t.Target(e))
}

func sortedUnique(xs []int) []int {
	slices.Sort(xs)
	return slices.Compact(xs)
}
