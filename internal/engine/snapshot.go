package engine

import (
	"context"
	"time"

	"github.com/petrijr/graphflow/internal/loop"
	"github.com/petrijr/graphflow/internal/msgstore"
	"github.com/petrijr/graphflow/internal/topology"
	"github.com/petrijr/graphflow/pkg/api"
)

// snapshot captures the resumable state of the run. Rounds in flight are
// recorded as pending so they are redone after a crash.
func (r *run) snapshot() *api.RunSnapshot {
	buf := r.store.Snapshot()

	r.mu.RLock()
	snap := &api.RunSnapshot{
		RunID:      r.id,
		Graph:      r.topo.Name(),
		Status:     r.status,
		Input:      r.input.Clone(),
		Nodes:      make(map[string]api.NodeState, len(r.nodes)),
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		UpdatedAt:  time.Now(),
	}
	if r.err != nil {
		snap.Reason = r.err.Error()
	}
	for _, m := range r.outcome {
		snap.Outcome = append(snap.Outcome, m.Clone())
	}
	for i, st := range r.nodes {
		snap.Nodes[r.topo.ID(i)] = st
	}
	r.mu.RUnlock()

	snap.Buffers = buf.Kept
	snap.Transient = buf.Transient
	snap.Seq = buf.Seq
	snap.Loops = r.loops.Snapshot()

	snap.Arms = make(map[string][]string)
	snap.Splits = make(map[string][]api.SplitDelivery)
	for t := range r.arms {
		id := r.topo.ID(t)
		for p := range r.arms[t] {
			snap.Arms[id] = append(snap.Arms[id], r.topo.ID(p))
		}
		for _, sd := range r.splits[t] {
			snap.Splits[id] = append(snap.Splits[id], api.SplitDelivery{Edge: sd.Edge, Message: sd.Message.Clone()})
		}
	}

	// Retried and in-flight rounds precede queued ones of the same node.
	for _, rd := range r.retry {
		snap.Pending = append(snap.Pending, pendingOf(r, rd))
	}
	for _, n := range r.topo.Order() {
		if rd, ok := r.inflight[n]; ok {
			snap.Pending = append(snap.Pending, pendingOf(r, rd))
		}
		for _, rd := range r.queue[n] {
			snap.Pending = append(snap.Pending, pendingOf(r, rd))
		}
	}
	return snap
}

func pendingOf(r *run, rd *round) api.PendingRound {
	p := api.PendingRound{Node: r.topo.ID(rd.node), Reentry: rd.reentry}
	for _, m := range rd.input {
		p.Input = append(p.Input, m.Clone())
	}
	for _, sd := range rd.splits {
		p.Splits = append(p.Splits, api.SplitDelivery{Edge: sd.Edge, Message: sd.Message.Clone()})
	}
	return p
}

func (r *run) persist() {
	if err := r.eng.runs.UpdateRun(context.Background(), r.snapshot()); err != nil {
		r.eng.logger.Warn("persist run snapshot failed", "run_id", r.id, "err", err)
	}
}

// restoreRun rebuilds a run from its snapshot so that it can continue.
// Pending rounds are queued again in their recorded order.
func restoreRun(e *engineImpl, topo *topology.Topology, snap *api.RunSnapshot) *run {
	r := newRun(e, topo, snap.RunID, snap.Input)
	r.startedAt = snap.StartedAt
	r.store = msgstore.Restore(topo.Retention(), msgstore.State{
		Kept:      snap.Buffers,
		Transient: snap.Transient,
		Seq:       snap.Seq,
	})
	r.loops = loop.Restore(topo, snap.Loops)

	for _, m := range snap.Outcome {
		r.outcome = append(r.outcome, m.Clone())
	}
	for id, st := range snap.Nodes {
		if i, ok := topo.Index(id); ok {
			r.nodes[i] = st
			r.invocations[i] = st.Invocations
		}
	}
	for id, preds := range snap.Arms {
		t, ok := topo.Index(id)
		if !ok {
			continue
		}
		for _, p := range preds {
			if pi, ok := topo.Index(p); ok {
				r.arms[t][pi] = true
			}
		}
	}
	for id, sds := range snap.Splits {
		if t, ok := topo.Index(id); ok {
			r.splits[t] = append(r.splits[t], sds...)
		}
	}
	for _, p := range snap.Pending {
		n, ok := topo.Index(p.Node)
		if !ok {
			continue
		}
		r.queue[n] = append(r.queue[n], &round{node: n, input: p.Input, splits: p.Splits, reentry: p.Reentry})
		r.nodes[n].Status = api.NodeQueued
	}
	r.refreshCycles()
	return r
}
