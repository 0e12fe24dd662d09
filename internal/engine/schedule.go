package engine

import (
	"github.com/petrijr/graphflow/internal/loop"
	"github.com/petrijr/graphflow/internal/msgstore"
	"github.com/petrijr/graphflow/pkg/api"
)

// schedule dispatches the head round of every idle node in topological
// order. A node never has more than one round in flight.
func (r *run) schedule() {
	if r.ctx.Err() != nil {
		return
	}
	for _, n := range r.topo.Order() {
		if _, busy := r.inflight[n]; busy || len(r.queue[n]) == 0 {
			continue
		}
		rd := r.queue[n][0]
		r.queue[n] = r.queue[n][1:]
		r.dispatch(rd)
	}
}

// fire routes one output of src along its outgoing edges.
func (r *run) fire(src int, out emission) {
	msg := out.msg
	msg.Source = r.topo.ID(src)
	c := r.topo.CycleOf(src)

	var touched []int
	internal, leaving := false, false
	for _, e := range r.topo.Out(src) {
		stays := r.topo.StaysInCycle(e)
		if out.decision != nil && c != nil && (*out.decision == loop.Continue) != stays {
			continue
		}
		if !r.topo.Condition(e).Eval(msg) {
			continue
		}
		r.deliver(src, e, msg)
		touched = append(touched, r.topo.Target(e))
		if stays {
			internal = true
		} else {
			leaving = true
		}
	}

	if c != nil && leaving && !internal {
		r.loops.Leave(src)
	}

	switch {
	case msg.IsFailure() && len(touched) == 0:
		r.halt(src, msg)
		return
	case !msg.IsFailure() && r.topo.IsTerminal(src):
		r.appendOutcome(msg)
	}

	seen := make(map[int]bool, len(touched))
	for _, t := range touched {
		if !seen[t] {
			seen[t] = true
			r.tryClose(t)
		}
	}
}

// deliver places msg into the buffer of edge e's target and arms the target
// when e is a trigger edge.
func (r *run) deliver(src, e int, msg api.Message) {
	edge := r.topo.Edge(e)
	t := r.topo.Target(e)

	payload := msg
	if !edge.CarryData {
		payload = api.Message{Source: msg.Source, Signal: true}
	}

	if edge.Split != nil && !msg.IsFailure() && edge.CarryData {
		if edge.ClearContext {
			r.store.Clear(edge.To)
		}
		r.splits[t] = append(r.splits[t], api.SplitDelivery{Edge: e, Message: payload.Clone()})
	} else {
		r.store.Deliver(edge.To, payload, msgstore.Delivery{Keep: edge.KeepMessage, Clear: edge.ClearContext})
	}

	if edge.Trigger {
		r.arms[t][src] = true
	}
}

func (r *run) armed(t int) func(int) bool {
	return func(p int) bool { return r.arms[t][p] }
}

// tryClose closes the round of t if its readiness rule is satisfied.
func (r *run) tryClose(t int) {
	if r.topo.CycleOf(t) != nil {
		readiness := r.loops.Ready(t, r.armed(t))
		if readiness == loop.NotReady {
			return
		}
		r.loops.Dispatched(t, readiness)
		r.closeRound(t, readiness == loop.BackEdge)
		return
	}

	preds := r.topo.TriggerPreds(t)
	if len(preds) == 0 {
		return
	}
	for _, p := range preds {
		if !r.arms[t][p] {
			return
		}
	}
	r.closeRound(t, false)
}

// closeRound captures the effective input of t and queues a round.
func (r *run) closeRound(t int, reentry bool) {
	rd := &round{
		node:    t,
		input:   r.store.Close(r.topo.ID(t)),
		splits:  r.splits[t],
		reentry: reentry,
	}
	r.splits[t] = nil
	clear(r.arms[t])
	r.queue[t] = append(r.queue[t], rd)
	if _, busy := r.inflight[t]; !busy {
		r.setNode(t, func(st *api.NodeState) { st.Status = api.NodeQueued })
	}
}
