package api

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidGraph is wrapped by every ConfigError.
	ErrInvalidGraph = errors.New("invalid graph")

	ErrGraphNotFound     = errors.New("graph not found")
	ErrGraphExists       = errors.New("graph already registered")
	ErrRunNotFound       = errors.New("run not found")
	ErrRunNotResumable   = errors.New("run is not resumable")
	ErrRunCancelled      = errors.New("run cancelled")
	ErrGateNotPending    = errors.New("gate is not pending")
	ErrInvalidGateToken  = errors.New("invalid gate token")
	ErrNoTerminalReached = errors.New("no terminal node produced an output")
	ErrUnresolvedFailure = errors.New("unresolved failure")
)

// ConfigError reports a malformed graph. It is only returned when a graph
// is built or registered, never while a run executes.
type ConfigError struct {
	Graph  string
	Node   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("invalid graph %q: node %q: %s", e.Graph, e.Node, e.Reason)
	}
	return fmt.Sprintf("invalid graph %q: %s", e.Graph, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidGraph }

// FailureKind classifies an invocation failure.
type FailureKind string

const (
	FailureTimeout   FailureKind = "timeout"
	FailureCrashed   FailureKind = "crashed"
	FailureMalformed FailureKind = "malformed"
	FailureCancelled FailureKind = "cancelled"
	FailureRejected  FailureKind = "rejected"
	// FailureSplit is produced when a split edge delivers text that does
	// not match its pattern under NoMatchFail.
	FailureSplit FailureKind = "split"
	// FailurePartialFanout is produced by a fan-out under FanoutFailWhole.
	FailurePartialFanout FailureKind = "partial_fanout"
)

// InvocationFailure describes why one invocation did not produce a result.
type InvocationFailure struct {
	Kind   FailureKind
	Node   string
	Detail string
	Err    error
}

func (e *InvocationFailure) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("node %q %s: %s", e.Node, e.Kind, e.Detail)
}

func (e *InvocationFailure) Unwrap() error { return e.Err }

// Rejected builds a failure a worker can return to signal it refused the input.
func Rejected(detail string) *InvocationFailure {
	return &InvocationFailure{Kind: FailureRejected, Detail: detail}
}

// Malformed builds a failure a worker can return when it produced unusable output.
func Malformed(detail string) *InvocationFailure {
	return &InvocationFailure{Kind: FailureMalformed, Detail: detail}
}

// PartialFanoutFailure reports that some instances of a fan-out failed.
type PartialFanoutFailure struct {
	Node   string
	Failed []int
	Total  int
	// First is the failure of the lowest failed unit.
	First *InvocationFailure
}

func (e *PartialFanoutFailure) Error() string {
	msg := fmt.Sprintf("node %q: %d of %d fan-out units failed %v", e.Node, len(e.Failed), e.Total, e.Failed)
	if e.First != nil {
		msg += ": " + e.First.Detail
	}
	return msg
}

// AsInvocationFailure converts the fan-out failure into the routable form.
func (e *PartialFanoutFailure) AsInvocationFailure() *InvocationFailure {
	return &InvocationFailure{Kind: FailurePartialFanout, Node: e.Node, Detail: e.Error(), Err: e}
}
