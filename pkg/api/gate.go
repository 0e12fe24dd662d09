package api

import (
	"slices"
	"time"
)

// GateRequest is a pending human decision.
type GateRequest struct {
	RunID     string
	NodeID    string
	Prompt    string
	Tokens    []string
	Context   []Message
	CreatedAt time.Time
}

// Accepts reports whether token resolves this gate.
func (g GateRequest) Accepts(token string) bool {
	if len(g.Tokens) == 0 {
		return token != ""
	}
	return slices.Contains(g.Tokens, token)
}

// GateResolution is the decision supplied for a pending gate.
type GateResolution struct {
	Token   string
	Payload string
}

// Text renders the resolution as the gate's output text.
func (r GateResolution) Text() string {
	if r.Payload == "" {
		return r.Token
	}
	return r.Token + ": " + r.Payload
}
