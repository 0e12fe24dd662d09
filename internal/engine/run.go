package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/petrijr/graphflow/internal/loop"
	"github.com/petrijr/graphflow/internal/msgstore"
	"github.com/petrijr/graphflow/internal/topology"
	"github.com/petrijr/graphflow/pkg/api"
)

// InputSource is the Source of the run input delivered to entry nodes.
const InputSource = "__input__"

// round is one closed invocation of a node: its input was captured when the
// round closed and later deliveries belong to the next round.
type round struct {
	node       int
	input      []api.Message
	splits     []api.SplitDelivery
	reentry    bool
	invocation int
}

// emission is one message produced by a completed round.
type emission struct {
	msg api.Message
	// decision is set for counter outputs and restricts routing to
	// cycle-internal (Continue) or leaving (Exit) edges.
	decision *loop.Decision
}

type completion struct {
	round   *round
	outputs []emission
	err     error
}

// run is the state of one live run. Fields above mu are owned by the
// coordinator goroutine; fields below are shared with readers.
type run struct {
	eng  *engineImpl
	topo *topology.Topology
	id   string

	ctx    context.Context
	cancel context.CancelCauseFunc

	store       *msgstore.Store
	loops       *loop.Executor
	arms        []map[int]bool
	splits      [][]api.SplitDelivery
	queue       [][]*round
	inflight    map[int]*round
	local       []completion
	completions chan completion
	abandoned   chan struct{}
	done        chan struct{}
	sem         *semaphore.Weighted
	gates       *gateSet
	failure     error
	retry       []*round
	invocations []int

	mu         sync.RWMutex
	input      api.Message
	status     api.RunStatus
	err        error
	nodes      []api.NodeState
	outcome    []api.Message
	cycles     []api.CycleState
	startedAt  time.Time
	finishedAt time.Time
}

func newRun(e *engineImpl, topo *topology.Topology, id string, input api.Message) *run {
	r := &run{
		eng:         e,
		topo:        topo,
		id:          id,
		store:       msgstore.New(topo.Retention()),
		loops:       loop.New(topo),
		arms:        make([]map[int]bool, topo.NodeCount()),
		splits:      make([][]api.SplitDelivery, topo.NodeCount()),
		queue:       make([][]*round, topo.NodeCount()),
		inflight:    make(map[int]*round),
		completions: make(chan completion),
		abandoned:   make(chan struct{}),
		done:        make(chan struct{}),
		gates:       newGateSet(),
		invocations: make([]int, topo.NodeCount()),
		input:       input.Clone(),
		status:      api.RunRunning,
		nodes:       make([]api.NodeState, topo.NodeCount()),
		startedAt:   time.Now(),
	}
	for i := range r.arms {
		r.arms[i] = make(map[int]bool)
		r.nodes[i] = api.NodeState{Status: api.NodeNeverRan}
	}
	if e.cfg.MaxConcurrency > 0 {
		r.sem = semaphore.NewWeighted(int64(e.cfg.MaxConcurrency))
	}
	r.ctx, r.cancel = context.WithCancelCause(context.Background())
	r.cycles = r.loops.States()
	return r
}

// seed delivers the run input to every entry node and closes their first round.
func (r *run) seed() {
	in := r.input.Clone()
	in.Source = InputSource
	for _, n := range r.topo.Entries() {
		r.store.Deliver(r.topo.ID(n), in, msgstore.Delivery{Keep: true})
		if r.topo.CycleOf(n) != nil {
			r.loops.Enter(n)
		}
		r.closeRound(n, false)
	}
	r.refreshCycles()
}

// coordinate drives the run until no round is queued or in flight.
func (r *run) coordinate() {
	defer close(r.done)

	cancelled := r.ctx.Done()
	var grace <-chan time.Time

	r.schedule()
	for {
		for len(r.local) > 0 {
			c := r.local[0]
			r.local = r.local[1:]
			r.complete(c)
			r.schedule()
		}
		if r.refreshStatus() {
			r.persist()
		}
		if len(r.inflight) == 0 {
			break
		}

		select {
		case c := <-r.completions:
			r.complete(c)
			r.schedule()
		case <-cancelled:
			cancelled = nil
			grace = time.After(r.eng.cfg.CancelGrace)
		case <-grace:
			r.eng.logger.Warn("cancel grace expired; abandoning handlers",
				"run_id", r.id, "in_flight", len(r.inflight))
			close(r.abandoned)
			r.abandonInflight()
			r.finish()
			return
		}
	}
	r.finish()
}

// report hands a completion from a handler goroutine to the coordinator.
func (r *run) report(c completion) {
	select {
	case r.completions <- c:
	case <-r.abandoned:
	}
}

// complete applies a finished round: it updates node state and routes the
// outputs along outgoing edges.
func (r *run) complete(c completion) {
	rd := c.round
	n := rd.node
	delete(r.inflight, n)

	if r.ctx.Err() != nil {
		// The round is redone on resume.
		r.retry = append(r.retry, rd)
		r.setNode(n, func(st *api.NodeState) { st.Status = api.NodeCancelled })
		return
	}

	id := r.topo.ID(n)
	if c.err != nil {
		r.setNode(n, func(st *api.NodeState) {
			st.Status = api.NodeFailed
			st.LastError = c.err.Error()
		})
		r.eng.recordEvent(api.RunEvent{RunID: r.id, Type: api.EventNodeFailed, Graph: r.topo.Name(), Node: id, Detail: c.err.Error()})
	} else {
		r.setNode(n, func(st *api.NodeState) {
			st.Status = api.NodeCompleted
			st.LastError = ""
		})
		r.eng.recordEvent(api.RunEvent{RunID: r.id, Type: api.EventNodeCompleted, Graph: r.topo.Name(), Node: id,
			Detail: fmt.Sprintf("invocation %d, %d outputs", rd.invocation, len(c.outputs))})
	}

	for _, out := range c.outputs {
		if r.failure != nil {
			break
		}
		r.fire(n, out)
		if r.failure != nil {
			r.retry = append(r.retry, rd)
		}
	}
	if len(r.queue[n]) > 0 {
		r.setNode(n, func(st *api.NodeState) { st.Status = api.NodeQueued })
	}
	r.refreshCycles()
	r.persist()
}

// halt stops the run because a failure message had nowhere to go.
func (r *run) halt(node int, msg api.Message) {
	r.failure = fmt.Errorf("%w: node %q: %s", api.ErrUnresolvedFailure, r.topo.ID(node), msg.Text)
	r.eng.logger.Warn("unresolved failure halts run", "run_id", r.id, "node", r.topo.ID(node), "failure", msg.Text)
	r.cancel(r.failure)
}

// abandonInflight records rounds whose handlers ignored cancellation so that
// they are redone on resume.
func (r *run) abandonInflight() {
	for n, rd := range r.inflight {
		r.retry = append(r.retry, rd)
		r.setNode(n, func(st *api.NodeState) { st.Status = api.NodeCancelled })
	}
	clear(r.inflight)
}

func (r *run) finish() {
	var status api.RunStatus
	var err error
	switch {
	case r.failure != nil:
		status, err = api.RunFailed, r.failure
	case r.ctx.Err() != nil:
		status, err = api.RunCancelled, context.Cause(r.ctx)
		if !errors.Is(err, api.ErrRunCancelled) {
			err = fmt.Errorf("%w: %v", api.ErrRunCancelled, err)
		}
	case len(r.outcome) > 0:
		status = api.RunCompleted
	default:
		status, err = api.RunFailed, api.ErrNoTerminalReached
	}

	r.mu.Lock()
	for i := range r.nodes {
		st := &r.nodes[i]
		switch {
		case st.Invocations == 0:
			st.Status = api.NodeNeverRan
		case status != api.RunCompleted && (st.Status == api.NodeQueued || st.Status == api.NodeRunning || st.Status == api.NodeWaiting):
			st.Status = api.NodeCancelled
		}
	}
	r.status = status
	r.err = err
	r.finishedAt = time.Now()
	r.mu.Unlock()

	r.cancel(context.Canceled)
	r.persist()
	r.eng.forget(r)

	view := r.view()
	ctx := context.Background()
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	switch status {
	case api.RunCompleted:
		r.eng.recordEvent(api.RunEvent{RunID: r.id, Type: api.EventRunCompleted, Graph: r.topo.Name(),
			Detail: fmt.Sprintf("%d terminal outputs", len(view.Outcome))})
		r.eng.observer.OnRunCompleted(ctx, view)
	case api.RunCancelled:
		r.eng.recordEvent(api.RunEvent{RunID: r.id, Type: api.EventRunCancelled, Graph: r.topo.Name(), Detail: detail})
		r.eng.observer.OnRunFailed(ctx, view, err)
	default:
		r.eng.recordEvent(api.RunEvent{RunID: r.id, Type: api.EventRunFailed, Graph: r.topo.Name(), Detail: detail})
		r.eng.observer.OnRunFailed(ctx, view, err)
	}
	r.eng.logger.Info("run finished", "run_id", r.id, "graph", r.topo.Name(), "status", status, "err", err)
}

func (r *run) setNode(n int, f func(st *api.NodeState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(&r.nodes[n])
}

// refreshStatus reports WAITING while every in-flight round is a gate and
// nothing else is queued. It returns whether the status changed.
func (r *run) refreshStatus() bool {
	waiting := len(r.inflight) > 0
	for n := range r.inflight {
		if r.topo.Node(n).Kind != api.KindGate {
			waiting = false
			break
		}
	}
	if waiting {
		for _, q := range r.queue {
			if len(q) > 0 {
				waiting = false
				break
			}
		}
	}

	next := api.RunRunning
	if waiting {
		next = api.RunWaiting
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() || r.status == next {
		return false
	}
	r.status = next
	return true
}

func (r *run) refreshCycles() {
	states := r.loops.States()
	r.mu.Lock()
	r.cycles = states
	r.mu.Unlock()
}

func (r *run) appendOutcome(msg api.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcome = append(r.outcome, msg.Clone())
}

// view returns a point-in-time copy of the run.
func (r *run) view() *api.RunInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst := &api.RunInstance{
		ID:         r.id,
		Graph:      r.topo.Name(),
		Status:     r.status,
		Err:        r.err,
		Input:      r.input.Clone(),
		Nodes:      make(map[string]api.NodeState, len(r.nodes)),
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
	for _, m := range r.outcome {
		inst.Outcome = append(inst.Outcome, m.Clone())
	}
	for i, st := range r.nodes {
		inst.Nodes[r.topo.ID(i)] = st
	}
	for _, c := range r.cycles {
		c.Members = append([]string(nil), c.Members...)
		c.Counters = maps.Clone(c.Counters)
		inst.Cycles = append(inst.Cycles, c)
	}
	return inst
}
