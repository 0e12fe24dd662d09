package cliworker

import (
	"strings"

	"github.com/tidwall/gjson"
)

// stream accumulates command output. Lines that are JSON objects with a
// "type" field are NDJSON events; anything else is plain text.
type stream struct {
	plain []string
	text  []string

	final    string
	hasFinal bool
	isError  bool
}

// feed consumes one stdout line and reports whether it counts as progress
// for stall detection. Empty lines and empty text deltas do not.
func (s *stream) feed(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		s.plain = append(s.plain, line)
		return true
	}
	ev := gjson.Parse(trimmed)
	typ := ev.Get("type")
	if !typ.Exists() {
		s.plain = append(s.plain, line)
		return true
	}

	switch typ.String() {
	case "text":
		t := ev.Get("text").String()
		if t == "" {
			return false
		}
		s.text = append(s.text, t)
	case "assistant":
		var parts []string
		for _, t := range ev.Get(`message.content.#(type=="text")#.text`).Array() {
			if t.String() != "" {
				parts = append(parts, t.String())
			}
		}
		if len(parts) == 0 && !ev.Get(`message.content.#(type=="tool_use")`).Exists() {
			return false
		}
		s.text = append(s.text, parts...)
	case "result":
		s.final = ev.Get("result").String()
		s.hasFinal = true
		s.isError = ev.Get("is_error").Bool()
	case "error":
		msg := ev.Get("error.message").String()
		if msg == "" {
			msg = ev.Get("message").String()
		}
		s.text = append(s.text, "[Error]: "+msg)
	}
	return true
}

// result returns the output text and whether the command reported an error
// result. A result event wins over accumulated text deltas, which win over
// plain output.
func (s *stream) result() (string, bool) {
	switch {
	case s.hasFinal:
		return s.final, s.isError
	case len(s.text) > 0:
		return strings.Join(s.text, "\n"), false
	default:
		return strings.Join(s.plain, "\n"), false
	}
}
