package loop

import (
	"github.com/petrijr/graphflow/internal/topology"
	"github.com/petrijr/graphflow/pkg/api"
)

// Phase is the state of one cycle within a run.
type Phase int

const (
	// AwaitingEntry: no external predecessor has fired yet.
	AwaitingEntry Phase = iota
	// Active: members execute in dependency order.
	Active
	// Iterating: a back edge fired and a member was re-dispatched.
	Iterating
	// Exited: a counter exhausted its budget or an exit edge fired.
	Exited
)

func (p Phase) String() string {
	switch p {
	case AwaitingEntry:
		return "AWAITING_ENTRY"
	case Active:
		return "ACTIVE"
	case Iterating:
		return "ITERATING"
	case Exited:
		return "EXITED"
	default:
		return "UNKNOWN"
	}
}

// Readiness says whether, and why, a cycle member may close its round.
type Readiness int

const (
	NotReady Readiness = iota
	// Forward: every internal forward predecessor delivered.
	Forward
	// BackEdge: a back edge delivered; external predecessors are not re-awaited.
	BackEdge
	// Entry: every external predecessor delivered, entering the cycle.
	Entry
)

type cycleState struct {
	phase      Phase
	entries    int
	iterations int
	// closed holds the members that closed a round since the latest entry.
	// Until a member is in it, its external predecessors are part of its
	// join.
	closed map[int]bool
}

// Executor holds the loop state of one run. It is not safe for concurrent
// use; the run coordinator owns it.
type Executor struct {
	topo     *topology.Topology
	cycles   []cycleState
	counters map[int]*Counter
}

// New creates the loop state for a run of topo.
func New(topo *topology.Topology) *Executor {
	x := &Executor{
		topo:     topo,
		cycles:   make([]cycleState, len(topo.Cycles())),
		counters: make(map[int]*Counter),
	}
	for v := 0; v < topo.NodeCount(); v++ {
		n := topo.Node(v)
		if n.Kind == api.KindCounter {
			x.counters[v] = NewCounter(*n.Counter)
		}
	}
	return x
}

// Ready evaluates the readiness of cycle member node. armed reports which
// trigger predecessors delivered since the node's last round. A member with
// external predecessors joins on them for its first round after each entry
// of its cycle; later rounds only await the cycle itself.
func (x *Executor) Ready(node int, armed func(pred int) bool) Readiness {
	c := x.topo.CycleOf(node)
	if c == nil {
		return NotReady
	}
	st := &x.cycles[c.Index]

	ext := x.topo.ExternalPreds(node)
	fwd := x.topo.ForwardPreds(node)

	if st.phase != AwaitingEntry && (st.closed[node] || allArmed(ext, armed)) {
		if anyArmed(x.topo.BackPreds(node), armed) {
			return BackEdge
		}
		if len(fwd) > 0 && allArmed(fwd, armed) {
			return Forward
		}
	}
	if len(ext) > 0 && allArmed(ext, armed) && allArmed(fwd, armed) {
		return Entry
	}
	return NotReady
}

// Dispatched records that node closed a round for the given reason.
func (x *Executor) Dispatched(node int, r Readiness) {
	c := x.topo.CycleOf(node)
	if c == nil {
		return
	}
	st := &x.cycles[c.Index]
	switch r {
	case Entry:
		if st.phase == Exited {
			for _, m := range c.Counters {
				if x.topo.Node(m).Counter.ResetOnReentry {
					x.counters[m].Reset()
				}
			}
		}
		if st.phase == AwaitingEntry || st.phase == Exited {
			st.phase = Active
			st.entries++
			st.closed = nil
		}
	case BackEdge:
		st.phase = Iterating
		st.iterations++
	case Forward:
	default:
		return
	}
	if st.closed == nil {
		st.closed = make(map[int]bool, len(c.Members))
	}
	st.closed[node] = true
}

// Enter forces node's cycle into the entered state; used when the run input
// is delivered directly to a cycle member.
func (x *Executor) Enter(node int) {
	x.Dispatched(node, Entry)
}

// Observe feeds one message to counter node and returns its decision along
// with the count after the increment. An Exit marks the cycle exited.
func (x *Executor) Observe(node int) (Decision, int) {
	ctr, ok := x.counters[node]
	if !ok {
		return Continue, 0
	}
	d := ctr.Observe()
	if d == Exit {
		x.Leave(node)
	}
	return d, ctr.observed
}

// ExitMessage renders the exit message of counter node.
func (x *Executor) ExitMessage(node int) api.Message {
	return x.counters[node].ExitMessage(x.topo.ID(node))
}

// Leave marks the cycle of node as exited.
func (x *Executor) Leave(node int) {
	if c := x.topo.CycleOf(node); c != nil {
		x.cycles[c.Index].phase = Exited
	}
}

// Phase returns the phase of cycle i.
func (x *Executor) Phase(i int) Phase { return x.cycles[i].phase }

// Iterations returns the number of back-edge re-entries of cycle i.
func (x *Executor) Iterations(i int) int { return x.cycles[i].iterations }

// Count returns the current count of counter node.
func (x *Executor) Count(node int) int {
	if c, ok := x.counters[node]; ok {
		return c.Count()
	}
	return 0
}

// States describes every cycle for run views.
func (x *Executor) States() []api.CycleState {
	out := make([]api.CycleState, len(x.cycles))
	for i, c := range x.topo.Cycles() {
		st := x.cycles[i]
		cs := api.CycleState{
			Phase:      st.phase.String(),
			Entries:    st.entries,
			Iterations: st.iterations,
			Counters:   make(map[string]int, len(c.Counters)),
		}
		for _, m := range c.Members {
			cs.Members = append(cs.Members, x.topo.ID(m))
		}
		for _, m := range c.Counters {
			cs.Counters[x.topo.ID(m)] = x.counters[m].Count()
		}
		out[i] = cs
	}
	return out
}

// Snapshot returns the persistable loop state.
func (x *Executor) Snapshot() api.LoopSnapshot {
	snap := api.LoopSnapshot{
		Cycles: make([]api.CycleSnapshot, len(x.cycles)),
		Counts: make(map[string]int, len(x.counters)),
	}
	for i, st := range x.cycles {
		cs := api.CycleSnapshot{Phase: int(st.phase), Entries: st.entries, Iterations: st.iterations}
		for _, m := range x.topo.Cycles()[i].Members {
			if st.closed[m] {
				cs.Closed = append(cs.Closed, x.topo.ID(m))
			}
		}
		snap.Cycles[i] = cs
	}
	for v, c := range x.counters {
		snap.Counts[x.topo.ID(v)] = c.Count()
	}
	return snap
}

// Restore rebuilds loop state from a snapshot taken for the same topology.
func Restore(topo *topology.Topology, snap api.LoopSnapshot) *Executor {
	x := New(topo)
	for i, cs := range snap.Cycles {
		if i >= len(x.cycles) {
			break
		}
		st := cycleState{phase: Phase(cs.Phase), entries: cs.Entries, iterations: cs.Iterations}
		for _, id := range cs.Closed {
			if v, ok := topo.Index(id); ok {
				if st.closed == nil {
					st.closed = make(map[int]bool, len(cs.Closed))
				}
				st.closed[v] = true
			}
		}
		x.cycles[i] = st
	}
	for id, n := range snap.Counts {
		if v, ok := topo.Index(id); ok {
			if c, ok := x.counters[v]; ok {
				c.count = n
			}
		}
	}
	return x
}

func allArmed(preds []int, armed func(int) bool) bool {
	for _, p := range preds {
		if !armed(p) {
			return false
		}
	}
	return true
}

func anyArmed(preds []int, armed func(int) bool) bool {
	for _, p := range preds {
		if armed(p) {
			return true
		}
	}
	return false
}
