package api

import "context"

// Engine is the run lifecycle API.
type Engine interface {
	// RegisterGraph validates def and makes it available by name. Invalid
	// graphs are rejected with a *ConfigError.
	RegisterGraph(def GraphDefinition) error

	// Start begins a run and returns immediately with its initial view.
	Start(ctx context.Context, graph string, input Message) (*RunInstance, error)

	// Run starts a run and waits until it reaches a terminal status or
	// ctx is done. Gates must be resolved from another goroutine.
	Run(ctx context.Context, graph string, input Message) (*RunInstance, error)

	// Wait blocks until the run is terminal or ctx is done.
	Wait(ctx context.Context, runID string) (*RunInstance, error)

	// Cancel stops a live run. In-flight workers and gates observe
	// cancellation and the run ends as CANCELLED.
	Cancel(ctx context.Context, runID string) error

	// GetRun returns the current view of a run.
	GetRun(ctx context.Context, runID string) (*RunInstance, error)

	// ListRuns returns runs matching opts.
	ListRuns(ctx context.Context, opts RunListOptions) ([]*RunInstance, error)

	// PendingGates lists the gates of a live run that await a decision.
	PendingGates(ctx context.Context, runID string) ([]GateRequest, error)

	// ResolveGate supplies the decision for a pending gate.
	ResolveGate(ctx context.Context, runID, nodeID string, res GateResolution) error

	// Resume restarts a FAILED or CANCELLED run from its last snapshot:
	// rounds that had not completed are dispatched again.
	Resume(ctx context.Context, runID string) (*RunInstance, error)

	// RecoverStuckRuns marks runs persisted as RUNNING or WAITING that
	// this engine is not executing as FAILED, so they can be resumed.
	// Call it on startup before accepting work.
	RecoverStuckRuns(ctx context.Context) (int, error)

	// ListEvents returns the history of a run.
	ListEvents(ctx context.Context, runID string) ([]RunEvent, error)
}
