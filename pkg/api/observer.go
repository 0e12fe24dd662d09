package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// NodeEvent identifies one node invocation for observers.
type NodeEvent struct {
	RunID string
	Graph string
	Node  string
	Kind  NodeKind
	// Invocation counts rounds of the node, starting at 1.
	Invocation int
	// Instance is the fan-out instance index, or -1.
	Instance int
}

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay graph execution.
type Observer interface {
	// OnRunStart is called once when a run starts or resumes, before the
	// first node is dispatched.
	OnRunStart(ctx context.Context, run *RunInstance)

	// OnRunCompleted is called when a run reaches RunCompleted.
	OnRunCompleted(ctx context.Context, run *RunInstance)

	// OnRunFailed is called when a run reaches RunFailed or RunCancelled.
	OnRunFailed(ctx context.Context, run *RunInstance, err error)

	// OnNodeStart is called before a node handler runs.
	OnNodeStart(ctx context.Context, ev NodeEvent)

	// OnNodeCompleted is called after a node handler returns, for both
	// successes and failures (err != nil).
	OnNodeCompleted(ctx context.Context, ev NodeEvent, err error, duration time.Duration)

	// OnGatePending is called when a gate starts waiting for a decision.
	OnGatePending(ctx context.Context, req GateRequest)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *RunInstance)                  {}
func (NoopObserver) OnRunCompleted(ctx context.Context, run *RunInstance)              {}
func (NoopObserver) OnRunFailed(ctx context.Context, run *RunInstance, err error)      {}
func (NoopObserver) OnNodeStart(ctx context.Context, ev NodeEvent)                     {}
func (NoopObserver) OnNodeCompleted(context.Context, NodeEvent, error, time.Duration) {}
func (NoopObserver) OnGatePending(ctx context.Context, req GateRequest)                {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *RunInstance) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run *RunInstance) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *RunInstance, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnNodeStart(ctx context.Context, ev NodeEvent) {
	for _, o := range c.observers {
		o.OnNodeStart(ctx, ev)
	}
}

func (c *CompositeObserver) OnNodeCompleted(ctx context.Context, ev NodeEvent, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnNodeCompleted(ctx, ev, err, d)
	}
}

func (c *CompositeObserver) OnGatePending(ctx context.Context, req GateRequest) {
	for _, o := range c.observers {
		o.OnGatePending(ctx, req)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / node lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *RunInstance) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("graph", run.Graph),
		slog.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run *RunInstance) {
	o.Logger.InfoContext(ctx, "run_finished",
		slog.String("graph", run.Graph),
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *RunInstance, err error) {
	o.Logger.ErrorContext(ctx, "run_finished",
		slog.String("graph", run.Graph),
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnNodeStart(ctx context.Context, ev NodeEvent) {
	o.Logger.DebugContext(ctx, "node_start",
		slog.String("graph", ev.Graph),
		slog.String("run_id", ev.RunID),
		slog.String("node", ev.Node),
		slog.String("kind", string(ev.Kind)),
		slog.Int("invocation", ev.Invocation),
		slog.Int("instance", ev.Instance),
	)
}

func (o *LoggingObserver) OnNodeCompleted(ctx context.Context, ev NodeEvent, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "node_completed",
		slog.String("graph", ev.Graph),
		slog.String("run_id", ev.RunID),
		slog.String("node", ev.Node),
		slog.Int("invocation", ev.Invocation),
		slog.Int("instance", ev.Instance),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnGatePending(ctx context.Context, req GateRequest) {
	o.Logger.InfoContext(ctx, "gate_pending",
		slog.String("run_id", req.RunID),
		slog.String("node", req.NodeID),
		slog.String("prompt", req.Prompt),
		slog.Any("tokens", req.Tokens),
	)
}

// BasicMetrics collects simple counters and aggregate node durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsFailed        atomic.Int64
	nodesCompleted    atomic.Int64
	nodesFailed       atomic.Int64
	gatesOpened       atomic.Int64
	totalNodeDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	PendingRuns   int64

	NodesCompleted  int64
	NodesFailed     int64
	GatesOpened     int64
	AvgNodeDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *RunInstance) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, run *RunInstance) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run *RunInstance, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnNodeCompleted(ctx context.Context, ev NodeEvent, err error, d time.Duration) {
	// Only successful invocations count towards the average duration.
	if err != nil {
		m.nodesFailed.Add(1)
		return
	}
	m.nodesCompleted.Add(1)
	m.totalNodeDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnGatePending(ctx context.Context, req GateRequest) {
	m.gatesOpened.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	nodes := m.nodesCompleted.Load()
	totalNs := m.totalNodeDuration.Load()

	var avg time.Duration
	if nodes > 0 {
		avg = time.Duration(totalNs / nodes)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     started,
		RunsCompleted:   completed,
		RunsFailed:      failed,
		PendingRuns:     started - completed - failed,
		NodesCompleted:  nodes,
		NodesFailed:     m.nodesFailed.Load(),
		GatesOpened:     m.gatesOpened.Load(),
		AvgNodeDuration: avg,
	}
}
