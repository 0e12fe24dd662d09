package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/graphflow/pkg/api"
)

const tracerName = "github.com/petrijr/graphflow"

type nodeKey struct {
	run        string
	node       string
	invocation int
	instance   int
}

// TracingObserver emits one span per run with a child span per node
// invocation. Gates become events on the run span.
type TracingObserver struct {
	tracer trace.Tracer

	mu    sync.Mutex
	runs  map[string]trace.Span
	nodes map[nodeKey]trace.Span
}

// NewTracingObserver creates spans with tp. A nil tp uses the global
// provider.
func NewTracingObserver(tp trace.TracerProvider) *TracingObserver {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingObserver{
		tracer: tp.Tracer(tracerName),
		runs:   make(map[string]trace.Span),
		nodes:  make(map[nodeKey]trace.Span),
	}
}

func (o *TracingObserver) OnRunStart(ctx context.Context, run *api.RunInstance) {
	_, span := o.tracer.Start(ctx, "run "+run.Graph,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("graphflow.graph", run.Graph),
			attribute.String("graphflow.run_id", run.ID),
		),
	)
	o.mu.Lock()
	if old, ok := o.runs[run.ID]; ok {
		old.End()
	}
	o.runs[run.ID] = span
	o.mu.Unlock()
}

func (o *TracingObserver) OnRunCompleted(ctx context.Context, run *api.RunInstance) {
	o.endRun(run, nil)
}

func (o *TracingObserver) OnRunFailed(ctx context.Context, run *api.RunInstance, err error) {
	o.endRun(run, err)
}

func (o *TracingObserver) endRun(run *api.RunInstance, err error) {
	o.mu.Lock()
	span, ok := o.runs[run.ID]
	delete(o.runs, run.ID)
	o.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("graphflow.status", string(run.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (o *TracingObserver) OnNodeStart(ctx context.Context, ev api.NodeEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	parent := ctx
	if rs, ok := o.runs[ev.RunID]; ok {
		parent = trace.ContextWithSpan(ctx, rs)
	}
	_, span := o.tracer.Start(parent, "node "+ev.Node,
		trace.WithAttributes(
			attribute.String("graphflow.node", ev.Node),
			attribute.String("graphflow.kind", string(ev.Kind)),
			attribute.Int("graphflow.invocation", ev.Invocation),
			attribute.Int("graphflow.instance", ev.Instance),
		),
	)
	o.nodes[key(ev)] = span
}

func (o *TracingObserver) OnNodeCompleted(ctx context.Context, ev api.NodeEvent, err error, d time.Duration) {
	o.mu.Lock()
	span, ok := o.nodes[key(ev)]
	delete(o.nodes, key(ev))
	o.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (o *TracingObserver) OnGatePending(ctx context.Context, req api.GateRequest) {
	o.mu.Lock()
	span, ok := o.runs[req.RunID]
	o.mu.Unlock()
	if !ok {
		return
	}
	span.AddEvent("gate_pending", trace.WithAttributes(
		attribute.String("graphflow.node", req.NodeID),
		attribute.String("graphflow.prompt", req.Prompt),
		attribute.StringSlice("graphflow.tokens", req.Tokens),
	))
}

func key(ev api.NodeEvent) nodeKey {
	return nodeKey{run: ev.RunID, node: ev.Node, invocation: ev.Invocation, instance: ev.Instance}
}
