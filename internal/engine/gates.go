package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/graphflow/pkg/api"
)

type pendingGate struct {
	req api.GateRequest
	ch  chan api.GateResolution
}

// gateSet tracks the gates of one run that await a decision. It is shared
// between gate handlers and ResolveGate callers.
type gateSet struct {
	mu      sync.Mutex
	pending map[string]*pendingGate
}

func newGateSet() *gateSet {
	return &gateSet{pending: make(map[string]*pendingGate)}
}

func (g *gateSet) open(req api.GateRequest) <-chan api.GateResolution {
	g.mu.Lock()
	defer g.mu.Unlock()
	pg := &pendingGate{req: req, ch: make(chan api.GateResolution, 1)}
	g.pending[req.NodeID] = pg
	return pg.ch
}

func (g *gateSet) close(node string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, node)
}

func (g *gateSet) list() []api.GateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]api.GateRequest, 0, len(g.pending))
	for _, pg := range g.pending {
		out = append(out, pg.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// resolve delivers res to the pending gate node. Each gate accepts exactly
// one resolution.
func (g *gateSet) resolve(node string, res api.GateResolution) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	pg, ok := g.pending[node]
	if !ok {
		return fmt.Errorf("%w: %q", api.ErrGateNotPending, node)
	}
	if !pg.req.Accepts(res.Token) {
		return fmt.Errorf("%w: %q for gate %q (accepted: %v)", api.ErrInvalidGateToken, res.Token, node, pg.req.Tokens)
	}
	delete(g.pending, node)
	pg.ch <- res
	return nil
}

func (r *run) runGate(rd *round) {
	n := rd.node
	def := r.topo.Node(n)
	ev := r.nodeEvent(rd, -1)
	start := time.Now()

	req := api.GateRequest{
		RunID:     r.id,
		NodeID:    def.ID,
		Context:   rd.input,
		CreatedAt: start,
	}
	if def.Gate != nil {
		req.Prompt = def.Gate.Prompt
		req.Tokens = append([]string(nil), def.Gate.Tokens...)
	}

	ch := r.gates.open(req)
	defer r.gates.close(def.ID)

	r.eng.observer.OnNodeStart(r.ctx, ev)
	r.eng.observer.OnGatePending(r.ctx, req)
	r.eng.recordEvent(api.RunEvent{RunID: r.id, Type: api.EventGatePending, Graph: r.topo.Name(), Node: def.ID, Detail: req.Prompt})

	var timeout <-chan time.Time
	if def.Timeout > 0 {
		t := time.NewTimer(def.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	c := completion{round: rd}
	select {
	case res := <-ch:
		r.eng.recordEvent(api.RunEvent{RunID: r.id, Type: api.EventGateResolved, Graph: r.topo.Name(), Node: def.ID, Detail: res.Token})
		c.outputs = []emission{{msg: api.Message{Text: res.Text()}}}
	case <-r.ctx.Done():
		fail := cancelledFailure(def.ID, r.ctx)
		c.err = fail
		c.outputs = []emission{{msg: api.FailureMessage(def.ID, fail)}}
	case <-timeout:
		fail := &api.InvocationFailure{Kind: api.FailureTimeout, Node: def.ID, Detail: fmt.Sprintf("gate not resolved within %s", def.Timeout)}
		c.err = fail
		c.outputs = []emission{{msg: api.FailureMessage(def.ID, fail)}}
	}

	r.eng.observer.OnNodeCompleted(r.ctx, ev, c.err, time.Since(start))
	r.report(c)
}
