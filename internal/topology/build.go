package topology

import (
	"fmt"
	"slices"
	"strings"

	"github.com/petrijr/graphflow/internal/condition"
	"github.com/petrijr/graphflow/internal/fanout"
	"github.com/petrijr/graphflow/pkg/api"
)

// Build validates def and computes its topology. Every structural problem
// is reported as a *api.ConfigError.
func Build(def api.GraphDefinition) (*Topology, error) {
	t := &Topology{name: def.Name}
	if def.Name == "" {
		return nil, t.errorf("", "graph name is empty")
	}
	if len(def.Nodes) == 0 {
		return nil, t.errorf("", "graph has no nodes")
	}

	if err := t.addNodes(def.Nodes); err != nil {
		return nil, err
	}
	if err := t.addEdges(def.Edges); err != nil {
		return nil, err
	}

	t.computeComponents()
	t.computeLayers()

	if err := t.resolveEntries(def.Entries); err != nil {
		return nil, err
	}
	if err := t.resolveTerminals(def.Terminals); err != nil {
		return nil, err
	}
	if err := t.computeCycles(); err != nil {
		return nil, err
	}
	if err := t.checkReachability(); err != nil {
		return nil, err
	}
	if err := t.checkSplits(); err != nil {
		return nil, err
	}
	if err := t.checkLayering(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Topology) errorf(node, format string, args ...any) *api.ConfigError {
	return &api.ConfigError{Graph: t.name, Node: node, Reason: fmt.Sprintf(format, args...)}
}

func (t *Topology) addNodes(nodes []api.NodeDefinition) error {
	t.nodes = slices.Clone(nodes)
	t.index = make(map[string]int, len(nodes))

	for i, n := range t.nodes {
		if n.ID == "" {
			return t.errorf("", "node %d has an empty id", i)
		}
		if _, dup := t.index[n.ID]; dup {
			return t.errorf(n.ID, "duplicate node id")
		}
		t.index[n.ID] = i
		if err := t.validateNode(n); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topology) validateNode(n api.NodeDefinition) error {
	if !n.Kind.Valid() {
		return t.errorf(n.ID, "unknown kind %q", n.Kind)
	}
	if n.Retention < api.RetainAll {
		return t.errorf(n.ID, "retention %d is below %d", n.Retention, api.RetainAll)
	}
	if n.Timeout < 0 {
		return t.errorf(n.ID, "negative timeout %s", n.Timeout)
	}
	if n.Retry != nil {
		if n.Kind != api.KindWorker {
			return t.errorf(n.ID, "retry policy on a %s node", n.Kind)
		}
		if n.Retry.MaxAttempts < 0 {
			return t.errorf(n.ID, "retry max attempts %d is negative", n.Retry.MaxAttempts)
		}
	}

	switch n.Kind {
	case api.KindWorker:
		if n.Worker == nil {
			return t.errorf(n.ID, "worker node without a worker")
		}
	case api.KindGate:
	case api.KindCounter:
		if n.Counter == nil {
			return t.errorf(n.ID, "counter node without counter config")
		}
		if n.Counter.Max < 0 {
			return t.errorf(n.ID, "counter max %d is negative", n.Counter.Max)
		}
	case api.KindPassthrough:
	case api.KindLiteral:
		if n.Literal == nil {
			return t.errorf(n.ID, "literal node without literal config")
		}
	}
	return nil
}

func (t *Topology) addEdges(edges []api.EdgeDefinition) error {
	t.edges = slices.Clone(edges)
	t.out = make([][]int, len(t.nodes))
	t.in = make([][]int, len(t.nodes))
	t.preds = make([]condition.Predicate, len(edges))
	t.splitters = make([]*fanout.Splitter, len(edges))

	for i, e := range t.edges {
		from, ok := t.index[e.From]
		if !ok {
			return t.errorf("", "edge %q -> %q references undefined node %q", e.From, e.To, e.From)
		}
		to, ok := t.index[e.To]
		if !ok {
			return t.errorf("", "edge %q -> %q references undefined node %q", e.From, e.To, e.To)
		}

		pred, err := condition.Compile(e.Condition)
		if err != nil {
			return t.errorf("", "edge %q -> %q: %v", e.From, e.To, err)
		}
		t.preds[i] = pred

		if e.Split != nil {
			if err := t.validateSplit(e); err != nil {
				return err
			}
			sp, err := fanout.Compile(*e.Split)
			if err != nil {
				return t.errorf("", "edge %q -> %q: %v", e.From, e.To, err)
			}
			t.splitters[i] = sp
		}

		t.out[from] = append(t.out[from], i)
		t.in[to] = append(t.in[to], i)
	}
	return nil
}

func (t *Topology) validateSplit(e api.EdgeDefinition) error {
	s := e.Split
	switch {
	case !e.Trigger:
		return t.errorf("", "split edge %q -> %q must be a trigger edge", e.From, e.To)
	case !e.CarryData:
		return t.errorf("", "split edge %q -> %q must carry data", e.From, e.To)
	case s.MaxParallel < 0:
		return t.errorf("", "split edge %q -> %q: max parallel %d is negative", e.From, e.To, s.MaxParallel)
	}
	switch s.OnFailure {
	case "", api.FanoutFailWhole, api.FanoutForwardEach:
	default:
		return t.errorf("", "split edge %q -> %q: unknown failure policy %q", e.From, e.To, s.OnFailure)
	}
	switch s.Order {
	case "", api.OrderSplit, api.OrderCompletion:
	default:
		return t.errorf("", "split edge %q -> %q: unknown order %q", e.From, e.To, s.Order)
	}
	return nil
}

// triggerSuccs returns the targets of the trigger edges leaving v.
func (t *Topology) triggerSuccs(v int) []int {
	var out []int
	for _, e := range t.out[v] {
		if t.edges[e].Trigger {
			out = append(out, t.index[t.edges[e].To])
		}
	}
	return out
}

func (t *Topology) computeComponents() {
	all := make([]int, len(t.nodes))
	for i := range all {
		all[i] = i
	}
	comps := tarjan(all, t.triggerSuccs)
	// Tarjan emits sinks first; number components in topological order.
	slices.Reverse(comps)

	t.comp = make([]int, len(t.nodes))
	t.cycleOf = make([]int, len(t.nodes))
	for i := range t.cycleOf {
		t.cycleOf[i] = -1
	}
	for id, members := range comps {
		for _, m := range members {
			t.comp[m] = id
		}
		if len(members) > 1 || slices.Contains(t.triggerSuccs(members[0]), members[0]) {
			c := &Cycle{
				Index:    len(t.cycles),
				Members:  members,
				member:   make(map[int]bool, len(members)),
				backEdge: make(map[int]bool),
			}
			for _, m := range members {
				c.member[m] = true
				t.cycleOf[m] = c.Index
			}
			t.cycles = append(t.cycles, c)
		}
	}

	t.triggerPreds = make([][]int, len(t.nodes))
	for v := range t.nodes {
		var preds []int
		for _, e := range t.in[v] {
			if t.edges[e].Trigger {
				preds = append(preds, t.index[t.edges[e].From])
			}
		}
		t.triggerPreds[v] = sortedUnique(preds)
	}
}

// computeLayers runs Kahn's algorithm on the condensed graph and assigns
// each component the length of the longest path reaching it.
func (t *Topology) computeLayers() {
	n := 0
	for _, c := range t.comp {
		n = max(n, c+1)
	}
	succ := make([]map[int]bool, n)
	indeg := make([]int, n)
	for i := range succ {
		succ[i] = make(map[int]bool)
	}
	for _, e := range t.edges {
		if !e.Trigger {
			continue
		}
		a, b := t.comp[t.index[e.From]], t.comp[t.index[e.To]]
		if a != b && !succ[a][b] {
			succ[a][b] = true
			indeg[b]++
		}
	}

	compLayer := make([]int, n)
	var queue []int
	for c := 0; c < n; c++ {
		if indeg[c] == 0 {
			queue = append(queue, c)
		}
	}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		next := make([]int, 0, len(succ[c]))
		for s := range succ[c] {
			next = append(next, s)
		}
		slices.Sort(next)
		for _, s := range next {
			compLayer[s] = max(compLayer[s], compLayer[c]+1)
			indeg[s]--
			if indeg[s] == 0 {
				queue = append(queue, s)
			}
		}
	}

	t.layer = make([]int, len(t.nodes))
	depth := 0
	for v := range t.nodes {
		t.layer[v] = compLayer[t.comp[v]]
		depth = max(depth, t.layer[v]+1)
	}
	t.layers = make([][]int, depth)
	for v := range t.nodes {
		t.layers[t.layer[v]] = append(t.layers[t.layer[v]], v)
	}
	for _, l := range t.layers {
		t.order = append(t.order, l...)
	}
}

func (t *Topology) resolveEntries(declared []string) error {
	t.isEntry = make([]bool, len(t.nodes))
	if len(declared) > 0 {
		for _, id := range declared {
			i, ok := t.index[id]
			if !ok {
				return t.errorf(id, "entry references undefined node")
			}
			if !t.isEntry[i] {
				t.isEntry[i] = true
				t.entries = append(t.entries, i)
			}
		}
		slices.Sort(t.entries)
		return nil
	}
	for v := range t.nodes {
		if len(t.triggerPreds[v]) == 0 {
			t.isEntry[v] = true
			t.entries = append(t.entries, v)
		}
	}
	if len(t.entries) == 0 {
		return t.errorf("", "graph has no entry node: every node has an incoming trigger edge, declare entries explicitly")
	}
	return nil
}

func (t *Topology) resolveTerminals(declared []string) error {
	t.isTerminal = make([]bool, len(t.nodes))
	if len(declared) > 0 {
		for _, id := range declared {
			i, ok := t.index[id]
			if !ok {
				return t.errorf(id, "terminal references undefined node")
			}
			if !t.isTerminal[i] {
				t.isTerminal[i] = true
				t.terminals = append(t.terminals, i)
			}
		}
		slices.Sort(t.terminals)
		return nil
	}
	for v := range t.nodes {
		if len(t.out[v]) == 0 {
			t.isTerminal[v] = true
			t.terminals = append(t.terminals, v)
		}
	}
	if len(t.terminals) == 0 {
		return t.errorf("", "graph has no terminal node: every node has an outgoing edge, declare terminals explicitly")
	}
	return nil
}

func (t *Topology) memberIDs(c *Cycle) string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = t.nodes[m].ID
	}
	return "[" + strings.Join(ids, " ") + "]"
}

func (t *Topology) computeCycles() error {
	t.externalPreds = make([][]int, len(t.nodes))
	t.forwardPreds = make([][]int, len(t.nodes))
	t.backPreds = make([][]int, len(t.nodes))

	for v := range t.nodes {
		if t.cycleOf[v] < 0 {
			t.externalPreds[v] = t.triggerPreds[v]
		}
	}

	for _, c := range t.cycles {
		var plain []int
		for _, m := range c.Members {
			if t.nodes[m].Kind == api.KindCounter {
				c.Counters = append(c.Counters, m)
			} else {
				plain = append(plain, m)
			}
		}
		if hasCycle(plain, t.triggerSuccs) {
			return t.errorf("", "cycle %s has a loop without a counter", t.memberIDs(c))
		}

		for _, m := range c.Members {
			external := false
			for _, p := range t.triggerPreds[m] {
				if !c.member[p] {
					external = true
					t.externalPreds[m] = append(t.externalPreds[m], p)
				}
			}
			if external || t.isEntry[m] {
				c.Entries = append(c.Entries, m)
			}
		}
		if len(c.Entries) == 0 {
			return t.errorf("", "cycle %s has no entry: no member has an external trigger predecessor or is declared as an entry", t.memberIDs(c))
		}

		t.classifyBackEdges(c)

		for _, m := range c.Members {
			var fwd, back []int
			for _, e := range t.in[m] {
				if !t.edges[e].Trigger {
					continue
				}
				p := t.index[t.edges[e].From]
				if !c.member[p] {
					continue
				}
				if c.backEdge[e] {
					back = append(back, p)
				} else {
					fwd = append(fwd, p)
				}
			}
			t.forwardPreds[m] = sortedUnique(fwd)
			t.backPreds[m] = sortedUnique(back)
			for _, e := range t.out[m] {
				if t.edges[e].Trigger && !c.member[t.index[t.edges[e].To]] {
					c.ExitEdges = append(c.ExitEdges, e)
				}
			}
		}
		slices.Sort(c.ExitEdges)

		if !t.counterCanExit(c) {
			return t.errorf("", "cycle %s has no exit edge from a counter that accepts its %s message", t.memberIDs(c), api.LoopExitMarker)
		}
	}
	return nil
}

// classifyBackEdges walks the cycle depth-first from its entries; an edge
// reaching a node still on the walk stack closes the loop.
func (t *Topology) classifyBackEdges(c *Cycle) {
	visited := make(map[int]bool, len(c.Members))
	onStack := make(map[int]bool, len(c.Members))

	var walk func(v int)
	walk = func(v int) {
		visited[v] = true
		onStack[v] = true
		for _, e := range t.out[v] {
			if !t.edges[e].Trigger {
				continue
			}
			w := t.index[t.edges[e].To]
			if !c.member[w] {
				continue
			}
			if onStack[w] {
				c.backEdge[e] = true
			} else if !visited[w] {
				walk(w)
			}
		}
		onStack[v] = false
	}

	for _, v := range c.Entries {
		if !visited[v] {
			walk(v)
		}
	}
	for _, v := range c.Members {
		if !visited[v] {
			walk(v)
		}
	}
}

func (t *Topology) counterCanExit(c *Cycle) bool {
	for _, e := range c.ExitEdges {
		src := t.index[t.edges[e].From]
		n := t.nodes[src]
		if n.Kind != api.KindCounter {
			continue
		}
		exit := api.LoopExitMessage(n.ID, *n.Counter, n.Counter.Max+1)
		if t.preds[e].Eval(exit) {
			return true
		}
	}
	return false
}

func (t *Topology) checkReachability() error {
	seen := make([]bool, len(t.nodes))
	queue := slices.Clone(t.entries)
	for _, e := range queue {
		seen[e] = true
	}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, w := range t.triggerSuccs(v) {
			if !seen[w] {
				seen[w] = true
				queue = append(queue, w)
			}
		}
	}
	for v, ok := range seen {
		if !ok && t.cycleOf[v] < 0 {
			return t.errorf(t.nodes[v].ID, "node is unreachable from the entry nodes")
		}
	}
	return nil
}

func (t *Topology) checkSplits() error {
	for _, e := range t.edges {
		if e.Split == nil {
			continue
		}
		from, to := t.index[e.From], t.index[e.To]
		kind := t.nodes[to].Kind
		if kind != api.KindWorker && kind != api.KindPassthrough {
			return t.errorf(e.To, "split target is a %s node; only worker and passthrough nodes fan out", kind)
		}
		if t.comp[from] == t.comp[to] {
			return t.errorf("", "split edge %q -> %q lies inside a cycle", e.From, e.To)
		}
	}
	return nil
}

func (t *Topology) checkLayering() error {
	for _, e := range t.edges {
		if !e.Trigger {
			continue
		}
		from, to := t.index[e.From], t.index[e.To]
		if t.comp[from] != t.comp[to] && t.layer[to] <= t.layer[from] {
			return t.errorf("", "edge %q -> %q does not point to a later layer", e.From, e.To)
		}
	}
	return nil
}
