package api

import (
	"fmt"
	"strconv"
	"strings"
)

// Reserved text markers. Conditions can match on them like on any other text.
const (
	FailureMarker  = "INVOCATION_FAILED"
	LoopExitMarker = "LOOP_EXIT"
)

// Meta keys set by the engine.
const (
	MetaUnitIndex = "unit_index"
	MetaFanoutOf  = "fanout_of"
	MetaLoopCount = "loop_count"
	MetaLoopMax   = "loop_max"
)

// Attachment is an opaque binary payload travelling with a message.
type Attachment struct {
	Name      string
	MediaType string
	Data      []byte
}

// FailureInfo marks a message as a failure-path message.
type FailureInfo struct {
	Kind   FailureKind
	Detail string
}

// Message is the unit of data exchanged along edges.
type Message struct {
	Source string
	// Seq is assigned by the receiving node's buffer on delivery and is
	// strictly increasing per target.
	Seq         uint64
	Text        string
	Attachments []Attachment
	Failure     *FailureInfo
	// Signal marks a zero-payload trigger delivered over a CarryData=false edge.
	Signal bool
	Meta   map[string]string
}

// TextMessage builds a plain message, typically used as run input.
func TextMessage(text string) Message {
	return Message{Text: text}
}

// IsFailure reports whether m is on the failure path.
func (m Message) IsFailure() bool {
	return m.Failure != nil
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = make([]Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			a.Data = append([]byte(nil), a.Data...)
			out.Attachments[i] = a
		}
	}
	if m.Failure != nil {
		f := *m.Failure
		out.Failure = &f
	}
	if m.Meta != nil {
		out.Meta = make(map[string]string, len(m.Meta))
		for k, v := range m.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// WithMeta returns a copy of m with key set to value.
func (m Message) WithMeta(key, value string) Message {
	out := m.Clone()
	if out.Meta == nil {
		out.Meta = make(map[string]string, 1)
	}
	out.Meta[key] = value
	return out
}

// FailureMessage renders an invocation failure as a routable message.
func FailureMessage(source string, f *InvocationFailure) Message {
	return Message{
		Source:  source,
		Text:    fmt.Sprintf("%s(%s): %s", FailureMarker, f.Kind, f.Detail),
		Failure: &FailureInfo{Kind: f.Kind, Detail: f.Detail},
	}
}

// LoopExitMessage renders the message a counter emits when its budget is spent.
func LoopExitMessage(source string, cfg CounterConfig, count int) Message {
	text := cfg.Message
	if text == "" {
		text = fmt.Sprintf("Loop limit reached (%d)", cfg.Max)
	}
	return Message{
		Source: source,
		Text:   LoopExitMarker + ": " + text,
		Meta: map[string]string{
			MetaLoopCount: strconv.Itoa(count),
			MetaLoopMax:   strconv.Itoa(cfg.Max),
		},
	}
}

// JoinText concatenates the payload text of msgs in order, skipping signals
// and empty texts.
func JoinText(msgs []Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Signal || m.Text == "" {
			continue
		}
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "\n\n")
}

// JoinAttachments concatenates the attachments of msgs in order.
func JoinAttachments(msgs []Message) []Attachment {
	var out []Attachment
	for _, m := range msgs {
		out = append(out, m.Attachments...)
	}
	return out
}
