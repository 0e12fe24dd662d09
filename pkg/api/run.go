package api

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunWaiting   RunStatus = "WAITING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// NodeStatus is the execution state of a node within a run.
type NodeStatus string

const (
	NodeNeverRan  NodeStatus = "NEVER_RAN"
	NodeQueued    NodeStatus = "QUEUED"
	NodeRunning   NodeStatus = "RUNNING"
	NodeWaiting   NodeStatus = "WAITING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
	NodeCancelled NodeStatus = "CANCELLED"
)

// NodeState is the per-node execution record of a run.
type NodeState struct {
	Status      NodeStatus
	Invocations int
	LastError   string
}

// CycleState reports the progress of one cycle.
type CycleState struct {
	Members    []string
	Phase      string
	Entries    int
	Iterations int
	Counters   map[string]int
}

// RunInstance is a point-in-time view of a run.
type RunInstance struct {
	ID     string
	Graph  string
	Status RunStatus
	Err    error

	Input Message
	// Outcome holds the outputs of terminal nodes in emission order.
	Outcome []Message

	Nodes  map[string]NodeState
	Cycles []CycleState

	StartedAt  time.Time
	FinishedAt time.Time
}

// Terminal reports whether the run has finished.
func (r *RunInstance) Terminal() bool {
	return r.Status.Terminal()
}

// Output returns the text of the last terminal output, or "".
func (r *RunInstance) Output() string {
	if len(r.Outcome) == 0 {
		return ""
	}
	return r.Outcome[len(r.Outcome)-1].Text
}

// RunListOptions filters ListRuns. Zero values mean no filter.
type RunListOptions struct {
	Graph  string
	Status RunStatus
}

// SplitDelivery is a message that arrived over a split edge and will be
// segmented when the target's round dispatches.
type SplitDelivery struct {
	Edge    int
	Message Message
}

// PendingRound is a closed round that has not completed yet: its input is
// captured and it is either queued or was in flight when the snapshot was taken.
type PendingRound struct {
	Node    string
	Input   []Message
	Splits  []SplitDelivery
	Reentry bool
}

// CycleSnapshot is the persisted form of one cycle's state. Cycles are
// identified by their position in the graph's topology.
type CycleSnapshot struct {
	Phase      int
	Entries    int
	Iterations int
	// Closed lists the members that closed a round since the latest entry.
	Closed []string
}

// LoopSnapshot is the persisted state of every cycle and counter of a run.
type LoopSnapshot struct {
	Cycles []CycleSnapshot
	Counts map[string]int
}

// RunSnapshot is everything needed to resume a run on another process.
type RunSnapshot struct {
	RunID  string
	Graph  string
	Status RunStatus
	Reason string

	Input   Message
	Outcome []Message
	Nodes   map[string]NodeState

	Buffers   map[string][]Message
	Transient map[string][]Message
	Seq       map[string]uint64
	Arms      map[string][]string
	Splits    map[string][]SplitDelivery
	Pending   []PendingRound
	Loops     LoopSnapshot

	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
}

// Instance converts the snapshot into a RunInstance. Cycle details are
// only available from a live engine.
func (s *RunSnapshot) Instance() *RunInstance {
	inst := &RunInstance{
		ID:         s.RunID,
		Graph:      s.Graph,
		Status:     s.Status,
		Input:      s.Input,
		Outcome:    append([]Message(nil), s.Outcome...),
		Nodes:      maps.Clone(s.Nodes),
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
	if s.Reason != "" {
		inst.Err = ReasonError(s.Reason)
	}
	return inst
}

// ReasonError rebuilds a run error from its persisted text so that
// errors.Is keeps matching the engine's sentinel errors.
func ReasonError(reason string) error {
	for _, sentinel := range []error{ErrUnresolvedFailure, ErrRunCancelled, ErrNoTerminalReached} {
		if rest, ok := strings.CutPrefix(reason, sentinel.Error()); ok {
			return fmt.Errorf("%w%s", sentinel, rest)
		}
	}
	return errors.New(reason)
}
