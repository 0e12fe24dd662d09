// Package api contains the core types of the graphflow engine: graph
// definitions, messages, conditions, workers, gates and run views.
//
// Most users interact with the higher-level graphflow package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom integrations and for contributors extending the
// engine itself.
//
// # Graphs
//
// A GraphDefinition names a set of nodes and the edges between them. Every
// node has a kind:
//
//   - KindWorker invokes a Worker with the messages buffered for the node.
//   - KindGate pauses until a GateResolution carrying one of its tokens is
//     supplied.
//   - KindCounter bounds a cycle. It continues while its count is below Max
//     and then emits its exit message on the edges that leave the cycle.
//   - KindPassthrough relays its input unchanged.
//   - KindLiteral emits a fixed text.
//
// Edges carry a Condition evaluated against the source output, flags that
// decide whether the target is triggered and whether the message is kept
// in its buffer, and an optional SplitConfig that fans the message out into
// one target instance per regular expression match.
//
// Definitions are validated when registered. Cycles without a bounded
// counter, unknown references and unreachable nodes are reported as a
// *ConfigError before any run starts.
//
// # Runs
//
// A run owns the buffers and counters of one execution. Its RunInstance
// view reports status, per-node state and the outcome produced by the
// terminal nodes. Failed and cancelled runs keep their last snapshot and
// can be resumed.
//
// # Observability
//
// The Observer interface receives run, node and gate lifecycle callbacks.
// NoopObserver, LoggingObserver, BasicMetrics and CompositeObserver are
// ready-made implementations.
package api
