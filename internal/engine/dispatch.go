package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/petrijr/graphflow/internal/fanout"
	"github.com/petrijr/graphflow/internal/loop"
	"github.com/petrijr/graphflow/pkg/api"
)

// dispatch starts a round. Counter, literal and plain passthrough rounds
// complete inline; worker, gate and fan-out rounds run on their own goroutine.
func (r *run) dispatch(rd *round) {
	n := rd.node
	def := r.topo.Node(n)

	r.invocations[n]++
	rd.invocation = r.invocations[n]
	r.inflight[n] = rd

	status := api.NodeRunning
	if def.Kind == api.KindGate {
		status = api.NodeWaiting
	}
	r.setNode(n, func(st *api.NodeState) {
		st.Status = status
		st.Invocations = rd.invocation
	})
	r.eng.recordEvent(api.RunEvent{RunID: r.id, Type: api.EventNodeDispatched, Graph: r.topo.Name(), Node: def.ID,
		Detail: fmt.Sprintf("invocation %d", rd.invocation)})
	r.eng.logger.Debug("node dispatched", "run_id", r.id, "node", def.ID, "kind", def.Kind, "invocation", rd.invocation)

	switch def.Kind {
	case api.KindCounter:
		r.local = append(r.local, r.runCounter(rd))
	case api.KindLiteral:
		r.local = append(r.local, r.runInline(rd, api.Message{Text: def.Literal.Text}))
	case api.KindPassthrough:
		if len(rd.splits) > 0 {
			go r.runFanout(rd)
		} else {
			r.local = append(r.local, r.runInline(rd, relay(rd.input)))
		}
	case api.KindGate:
		go r.runGate(rd)
	default:
		if len(rd.splits) > 0 {
			go r.runFanout(rd)
		} else {
			go r.runWorker(rd)
		}
	}
}

func (r *run) nodeEvent(rd *round, instance int) api.NodeEvent {
	def := r.topo.Node(rd.node)
	return api.NodeEvent{
		RunID:      r.id,
		Graph:      r.topo.Name(),
		Node:       def.ID,
		Kind:       def.Kind,
		Invocation: rd.invocation,
		Instance:   instance,
	}
}

// relay merges a round's input into one message. A single message is
// forwarded unchanged so failure and loop metadata survive.
func relay(input []api.Message) api.Message {
	if len(input) == 1 {
		m := input[0].Clone()
		m.Seq = 0
		return m
	}
	return api.Message{Text: api.JoinText(input), Attachments: api.JoinAttachments(input)}
}

func (r *run) runInline(rd *round, out api.Message) completion {
	ev := r.nodeEvent(rd, -1)
	r.eng.observer.OnNodeStart(r.ctx, ev)
	r.eng.observer.OnNodeCompleted(r.ctx, ev, nil, 0)
	return completion{round: rd, outputs: []emission{{msg: out}}}
}

func (r *run) runCounter(rd *round) completion {
	n := rd.node
	ev := r.nodeEvent(rd, -1)
	r.eng.observer.OnNodeStart(r.ctx, ev)

	d, count := r.loops.Observe(n)
	cfg := r.topo.Node(n).Counter

	var out api.Message
	typ := api.EventLoopContinue
	if d == loop.Continue {
		// A counter fed by a failure edge turns the failure into another
		// attempt; its text still carries the failure for the next round.
		out = relay(rd.input).
			WithMeta(api.MetaLoopCount, strconv.Itoa(count)).
			WithMeta(api.MetaLoopMax, strconv.Itoa(cfg.Max))
		out.Failure = nil
	} else {
		out = r.loops.ExitMessage(n)
		typ = api.EventLoopExit
	}
	r.eng.recordEvent(api.RunEvent{RunID: r.id, Type: typ, Graph: r.topo.Name(), Node: r.topo.ID(n),
		Detail: fmt.Sprintf("count %d of %d", count, cfg.Max)})

	r.eng.observer.OnNodeCompleted(r.ctx, ev, nil, 0)
	return completion{round: rd, outputs: []emission{{msg: out, decision: &d}}}
}

func (r *run) runWorker(rd *round) {
	n := rd.node
	def := r.topo.Node(n)
	ev := r.nodeEvent(rd, -1)
	start := time.Now()
	r.eng.observer.OnNodeStart(r.ctx, ev)

	res, fail := r.invoke(r.ctx, n, api.InvocationRequest{
		RunID:      r.id,
		NodeID:     def.ID,
		Input:      rd.input,
		Instance:   -1,
		Invocation: rd.invocation,
	})

	c := completion{round: rd}
	if fail != nil {
		c.err = fail
		c.outputs = []emission{{msg: api.FailureMessage(def.ID, fail)}}
	} else {
		c.outputs = []emission{{msg: api.Message{Text: res.Text, Attachments: res.Attachments}}}
	}
	r.eng.observer.OnNodeCompleted(r.ctx, ev, c.err, time.Since(start))
	r.report(c)
}

// invoke calls the worker of node n, retrying per its RetryPolicy.
// Cancelled invocations are never retried.
func (r *run) invoke(ctx context.Context, n int, req api.InvocationRequest) (api.Result, *api.InvocationFailure) {
	def := r.topo.Node(n)
	attempts := 1
	var policy api.RetryPolicy
	if def.Retry != nil && def.Retry.MaxAttempts > 1 {
		policy = *def.Retry
		attempts = policy.MaxAttempts
	}

	var last *api.InvocationFailure
	for attempt := 1; attempt <= attempts; attempt++ {
		req.Attempt = attempt
		res, fail := r.invokeOnce(ctx, def, req)
		if fail == nil {
			return res, nil
		}
		last = fail
		if attempt == attempts || !policy.Retries(fail.Kind) {
			break
		}
		r.eng.logger.Debug("worker attempt failed; retrying",
			"run_id", r.id, "node", def.ID, "attempt", attempt, "err", fail)

		if d := policy.Delay(attempt); d > 0 {
			select {
			case <-ctx.Done():
				return api.Result{}, cancelledFailure(def.ID, ctx)
			case <-time.After(d):
			}
		}
	}
	return api.Result{}, last
}

func (r *run) invokeOnce(ctx context.Context, def api.NodeDefinition, req api.InvocationRequest) (res api.Result, fail *api.InvocationFailure) {
	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return api.Result{}, cancelledFailure(def.ID, ctx)
		}
		defer r.sem.Release(1)
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = r.eng.cfg.DefaultTimeout
	}
	ictx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			res = api.Result{}
			fail = &api.InvocationFailure{Kind: api.FailureCrashed, Node: def.ID, Detail: fmt.Sprintf("panic: %v", p)}
		}
	}()

	res, err := def.Worker.Invoke(ictx, req)
	switch {
	case ctx.Err() != nil:
		return api.Result{}, cancelledFailure(def.ID, ctx)
	case timeout > 0 && errors.Is(ictx.Err(), context.DeadlineExceeded):
		return api.Result{}, &api.InvocationFailure{Kind: api.FailureTimeout, Node: def.ID,
			Detail: fmt.Sprintf("no result within %s", timeout), Err: context.DeadlineExceeded}
	case err != nil:
		return api.Result{}, classify(def.ID, err)
	case !utf8.ValidString(res.Text):
		return api.Result{}, &api.InvocationFailure{Kind: api.FailureMalformed, Node: def.ID, Detail: "result text is not valid UTF-8"}
	}
	return res, nil
}

func cancelledFailure(node string, ctx context.Context) *api.InvocationFailure {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return &api.InvocationFailure{Kind: api.FailureCancelled, Node: node, Detail: cause.Error(), Err: cause}
}

// classify turns a worker error into an invocation failure.
func classify(node string, err error) *api.InvocationFailure {
	var inv *api.InvocationFailure
	if errors.As(err, &inv) {
		out := *inv
		if out.Node == "" {
			out.Node = node
		}
		return &out
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &api.InvocationFailure{Kind: api.FailureTimeout, Node: node, Detail: err.Error(), Err: err}
	case errors.Is(err, context.Canceled):
		return &api.InvocationFailure{Kind: api.FailureCancelled, Node: node, Detail: err.Error(), Err: err}
	default:
		return &api.InvocationFailure{Kind: api.FailureCrashed, Node: node, Detail: err.Error(), Err: err}
	}
}

type unit struct {
	text   string
	source string
}

// runFanout segments the round's split deliveries and runs one instance per
// unit with bounded parallelism.
func (r *run) runFanout(rd *round) {
	n := rd.node
	def := r.topo.Node(n)
	cfg := *r.topo.Edge(rd.splits[0].Edge).Split

	var units []unit
	for _, sd := range rd.splits {
		parts, err := r.topo.Splitter(sd.Edge).Split(sd.Message.Text)
		if err != nil {
			edge := r.topo.Edge(sd.Edge)
			fail := &api.InvocationFailure{Kind: api.FailureSplit, Node: def.ID,
				Detail: fmt.Sprintf("edge %s -> %s: %v", edge.From, edge.To, err), Err: err}
			r.report(completion{round: rd, err: fail, outputs: []emission{{msg: api.FailureMessage(def.ID, fail)}}})
			return
		}
		for _, p := range parts {
			units = append(units, unit{text: p, source: sd.Message.Source})
		}
	}
	r.eng.recordEvent(api.RunEvent{RunID: r.id, Type: api.EventFanoutSplit, Graph: r.topo.Name(), Node: def.ID,
		Detail: fmt.Sprintf("%d units", len(units))})

	texts := make([]string, len(units))
	for i, u := range units {
		texts[i] = u.text
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = r.eng.cfg.DefaultMaxParallel
	}

	outcomes := fanout.Run(r.ctx, texts, maxParallel, func(ctx context.Context, i int, text string) (api.Result, error) {
		ev := r.nodeEvent(rd, i)
		start := time.Now()
		r.eng.observer.OnNodeStart(ctx, ev)

		var res api.Result
		var err error
		if def.Kind == api.KindPassthrough {
			res = api.Result{Text: text}
		} else {
			um := api.Message{Source: units[i].source, Text: text, Meta: map[string]string{api.MetaUnitIndex: strconv.Itoa(i)}}
			var fail *api.InvocationFailure
			res, fail = r.invoke(ctx, n, api.InvocationRequest{
				RunID:      r.id,
				NodeID:     def.ID,
				Input:      rd.input,
				Unit:       &um,
				Instance:   i,
				Invocation: rd.invocation,
			})
			if fail != nil {
				err = fail
			}
		}
		r.eng.observer.OnNodeCompleted(ctx, ev, err, time.Since(start))
		return res, err
	})

	r.report(r.collectFanout(rd, cfg, outcomes))
}

func (r *run) collectFanout(rd *round, cfg api.SplitConfig, outcomes []fanout.Outcome) completion {
	id := r.topo.ID(rd.node)
	total := strconv.Itoa(len(outcomes))
	failed := fanout.Failed(outcomes)
	c := completion{round: rd}

	if len(failed) > 0 && cfg.OnFailure != api.FanoutForwardEach {
		pf := &api.PartialFanoutFailure{
			Node:   id,
			Failed: failed,
			Total:  len(outcomes),
			First:  classify(id, outcomes[failed[0]].Err),
		}
		c.err = pf
		c.outputs = []emission{{msg: api.FailureMessage(id, pf.AsInvocationFailure()).WithMeta(api.MetaFanoutOf, total)}}
		return c
	}

	for _, o := range fanout.Order(outcomes, cfg.Order) {
		var m api.Message
		if o.Err != nil {
			m = api.FailureMessage(id, classify(id, o.Err))
			if c.err == nil {
				c.err = o.Err
			}
		} else {
			m = api.Message{Text: o.Result.Text, Attachments: o.Result.Attachments}
		}
		m = m.WithMeta(api.MetaUnitIndex, strconv.Itoa(o.Index)).WithMeta(api.MetaFanoutOf, total)
		c.outputs = append(c.outputs, emission{msg: m})
	}
	return c
}
