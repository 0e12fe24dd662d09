package api

import "time"

// NodeKind identifies the behaviour of a node. The set is closed: the engine
// has exactly one handler per kind.
type NodeKind string

const (
	KindWorker      NodeKind = "worker"
	KindGate        NodeKind = "gate"
	KindCounter     NodeKind = "counter"
	KindPassthrough NodeKind = "passthrough"
	KindLiteral     NodeKind = "literal"
)

// Valid reports whether k is one of the known node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindWorker, KindGate, KindCounter, KindPassthrough, KindLiteral:
		return true
	default:
		return false
	}
}

// RetainAll keeps every message delivered to a node for the lifetime of the run.
const RetainAll = -1

// GateConfig configures a human approval gate.
type GateConfig struct {
	// Prompt is shown to whoever resolves the gate.
	Prompt string
	// Tokens lists the accepted resolution tokens. Empty accepts any token.
	Tokens []string
}

// CounterConfig configures an iteration counter.
type CounterConfig struct {
	// Max is the number of Continue decisions before the counter exits.
	Max int
	// Message is appended to the LOOP_EXIT marker on exit. Empty uses a
	// default text.
	Message string
	// ResetOnReentry zeroes the count when the cycle is entered again from
	// outside after it exited, giving each external entry a fresh budget.
	ResetOnReentry bool
	// ResetOnExit zeroes the count when the counter emits its exit message,
	// so a later pass through the cycle starts with the full budget.
	ResetOnExit bool
}

// LiteralConfig configures a node that always emits the same text.
type LiteralConfig struct {
	Text string
}

// NodeDefinition describes a single unit of work in a graph.
type NodeDefinition struct {
	ID   string
	Kind NodeKind

	// Retention controls how many delivered messages persist between
	// invocations: 0 keeps only the current round, N keeps the last N,
	// RetainAll keeps everything.
	Retention int

	Worker  Worker
	Gate    *GateConfig
	Counter *CounterConfig
	Literal *LiteralConfig

	// Timeout bounds one invocation of a worker or gate. Zero uses the
	// engine default.
	Timeout time.Duration
	// Retry applies to worker nodes only.
	Retry *RetryPolicy
}

// NoMatchPolicy decides what a split edge does when its pattern matches nothing.
type NoMatchPolicy string

const (
	// NoMatchPass forwards the whole message as a single unit.
	NoMatchPass NoMatchPolicy = "pass"
	// NoMatchFail turns the delivery into a failure of the target node.
	NoMatchFail NoMatchPolicy = "fail"
)

// FanoutFailurePolicy decides what happens when some fan-out instances fail.
type FanoutFailurePolicy string

const (
	// FanoutFailWhole fails the node with a single PartialFanoutFailure message.
	FanoutFailWhole FanoutFailurePolicy = "fail_whole"
	// FanoutForwardEach forwards one failure message per failed unit
	// alongside the successful outputs.
	FanoutForwardEach FanoutFailurePolicy = "forward_each"
)

// FanoutOrder decides the order in which fan-out outputs are forwarded.
type FanoutOrder string

const (
	// OrderSplit forwards outputs in the order the units were split.
	OrderSplit FanoutOrder = "split"
	// OrderCompletion forwards outputs in the order instances finished.
	OrderCompletion FanoutOrder = "completion"
)

// SplitConfig turns an edge into a dynamic fan-out: the delivered text is
// segmented by Pattern and the target runs once per segment.
//
// Instances of the same fan-out run concurrently and are not arbitrated
// against each other. Workers that touch shared external resources must
// coordinate themselves.
type SplitConfig struct {
	// Pattern is a regular expression with lookahead support; the dot
	// matches newlines. Each match starts a new unit.
	Pattern   string
	OnNoMatch NoMatchPolicy
	// MaxParallel bounds concurrent instances. Zero uses the engine default.
	MaxParallel int
	OnFailure   FanoutFailurePolicy
	Order       FanoutOrder
}

// EdgeDefinition is a directed link between two nodes.
type EdgeDefinition struct {
	From string
	To   string

	// Trigger edges participate in readiness and cycle detection.
	// Non-trigger edges only deliver context.
	Trigger   bool
	Condition Condition

	// KeepMessage appends the message to the target buffer subject to
	// retention. Otherwise it is visible for the target's next round only.
	KeepMessage bool
	// CarryData delivers the message payload. Otherwise the target receives
	// a zero-payload trigger signal.
	CarryData bool
	// ClearContext empties the target buffer before delivery.
	ClearContext bool

	Split *SplitConfig
}

// Edge returns an edge with the default flags: trigger, keep and carry data.
func Edge(from, to string) EdgeDefinition {
	return EdgeDefinition{
		From:        from,
		To:          to,
		Trigger:     true,
		KeepMessage: true,
		CarryData:   true,
		Condition:   Always(),
	}
}

// GraphDefinition is the immutable description of a workflow graph.
type GraphDefinition struct {
	Name  string
	Nodes []NodeDefinition
	Edges []EdgeDefinition

	// Entries lists the nodes that receive the run input. Empty selects
	// every node without incoming trigger edges.
	Entries []string
	// Terminals lists the nodes whose outputs form the run outcome. Empty
	// selects every node without outgoing edges.
	Terminals []string
}
