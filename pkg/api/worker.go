package api

import (
	"context"
	"time"
)

// Worker performs the content of a worker node. It must honour ctx: the
// engine cancels it on timeout and on run cancellation.
//
// A returned error becomes a failure message routed along the node's edges.
// Return an *InvocationFailure to choose the failure kind explicitly;
// any other error is reported as crashed.
type Worker interface {
	Invoke(ctx context.Context, req InvocationRequest) (Result, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, req InvocationRequest) (Result, error)

func (f WorkerFunc) Invoke(ctx context.Context, req InvocationRequest) (Result, error) {
	return f(ctx, req)
}

// InvocationRequest is everything a worker sees for one invocation.
type InvocationRequest struct {
	RunID  string
	NodeID string

	// Input is the effective input of the round, in sequence order. For a
	// fan-out instance it is the shared upstream context.
	Input []Message
	// Unit is the segment assigned to this fan-out instance, nil otherwise.
	Unit *Message
	// Instance is the 0-based fan-out instance index, or -1.
	Instance int

	// Invocation counts rounds of this node within the run, starting at 1.
	Invocation int
	// Attempt counts retries within one invocation, starting at 1.
	Attempt int
}

// Text returns the concatenated input text followed by the unit text.
func (r InvocationRequest) Text() string {
	if r.Unit == nil {
		return JoinText(r.Input)
	}
	msgs := append(append([]Message(nil), r.Input...), *r.Unit)
	return JoinText(msgs)
}

// Result is what a worker produces.
type Result struct {
	Text        string
	Attachments []Attachment
}

// RetryPolicy controls how a worker invocation is retried when it fails.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the first retry; each further retry
// multiplies it by BackoffMultiplier, capped at MaxBackoff when positive.
// Cancelled invocations are never retried.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration

	// RetryOn limits retries to the listed failure kinds. Empty retries
	// every kind except FailureCancelled.
	RetryOn []FailureKind
}

// Retries reports whether a failure of the given kind is retried.
func (p RetryPolicy) Retries(kind FailureKind) bool {
	if kind == FailureCancelled {
		return false
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, k := range p.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// Delay returns the backoff to wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && time.Duration(d) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(d)
}
