// Package graphflow provides an embeddable engine for workflow graphs.
//
// A graph is a set of nodes connected by directed edges. Nodes are workers
// (your code or an external command), human approval gates, iteration
// counters, literals and passthroughs. Edges carry messages between them,
// can be guarded by conditions, and can fan out over regular expression
// matches. Cycles are allowed as long as every cycle contains a counter
// that eventually routes out of it.
//
// # Engine
//
// The Engine validates and registers graphs, executes runs, and exposes
// APIs to:
//   - start, wait for and cancel runs
//   - list and resolve pending gates
//   - inspect per-node state, cycle progress and run history
//   - resume FAILED or CANCELLED runs from their last snapshot
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # Execution model
//
// Graphs are analysed once at registration: strongly connected components
// over trigger edges become cycles and the condensed graph is layered.
// A node runs once every trigger predecessor has delivered since its last
// round. Inside a cycle, a back edge re-runs its target without waiting for
// predecessors outside the cycle, and a counter decides after each lap
// whether to continue or exit.
//
// # GraphBuilder
//
// GraphBuilder is the fluent API used to define graphs in Go:
//
//	graphflow.NewGraph("review").
//	    Worker("design", design).
//	    Worker("review", review).
//	    Counter("rounds", 3).
//	    Edge("design", "review").
//	    Edge("review", "rounds").
//	    Edge("rounds", "design")
//
// Graphs can also be described in YAML or HCL and loaded with the CLI.
//
// # Worker and queue
//
// The worker package consumes a leased task queue and applies start, gate,
// cancel and resume tasks to an Engine. Several workers can share one queue.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue, and worker into a single,
// process-local helper useful for development and unit testing. It is not
// crash-durable; NewSQLiteBundle is the durable single-process variant.
//
// For examples, see the /examples directory.
package graphflow
