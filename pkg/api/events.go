package api

import "time"

// EventType identifies a run history event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunResumed   EventType = "run.resumed"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"

	EventNodeDispatched EventType = "node.dispatched"
	EventNodeCompleted  EventType = "node.completed"
	EventNodeFailed     EventType = "node.failed"

	EventGatePending  EventType = "gate.pending"
	EventGateResolved EventType = "gate.resolved"

	EventLoopContinue EventType = "loop.continue"
	EventLoopExit     EventType = "loop.exit"

	EventFanoutSplit EventType = "fanout.split"
)

// RunEvent is a small append-only history record for audit and debugging.
type RunEvent struct {
	RunID string
	At    time.Time
	Type  EventType

	Graph string
	Node  string

	// Short human-oriented detail (token, failure text, unit count).
	// Never a full payload.
	Detail string
}
