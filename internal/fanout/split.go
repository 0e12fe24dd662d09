// Package fanout segments a message into units and runs one bounded
// parallel instance per unit.
package fanout

import (
	"errors"
	"fmt"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/petrijr/graphflow/pkg/api"
)

// ErrNoMatch is returned by Split when the pattern matches nothing and the
// no-match policy is fail.
var ErrNoMatch = errors.New("split pattern matched nothing")

const matchTimeout = 5 * time.Second

// Splitter segments text with a compiled split pattern.
type Splitter struct {
	re        *regexp2.Regexp
	onNoMatch api.NoMatchPolicy
}

// Compile validates cfg and returns its splitter.
func Compile(cfg api.SplitConfig) (*Splitter, error) {
	if cfg.Pattern == "" {
		return nil, errors.New("split pattern is empty")
	}
	policy := cfg.OnNoMatch
	if policy == "" {
		policy = api.NoMatchPass
	}
	if policy != api.NoMatchPass && policy != api.NoMatchFail {
		return nil, fmt.Errorf("unknown no-match policy %q", cfg.OnNoMatch)
	}
	// Singleline lets the dot match newlines so a unit can span lines.
	re, err := regexp2.Compile(cfg.Pattern, regexp2.Singleline)
	if err != nil {
		return nil, fmt.Errorf("split pattern: %w", err)
	}
	re.MatchTimeout = matchTimeout
	return &Splitter{re: re, onNoMatch: policy}, nil
}

// Split returns the units of text. Unit i runs from the start of match i to
// the start of match i+1, or to the end of text for the last match. Text
// before the first match is discarded.
func (s *Splitter) Split(text string) ([]string, error) {
	runes := []rune(text)
	var starts []int

	m, err := s.re.FindRunesMatch(runes)
	for m != nil {
		if len(starts) == 0 || m.Index > starts[len(starts)-1] {
			starts = append(starts, m.Index)
		}
		m, err = s.re.FindNextMatch(m)
	}
	if err != nil {
		return nil, fmt.Errorf("split pattern: %w", err)
	}

	if len(starts) == 0 {
		if s.onNoMatch == api.NoMatchFail {
			return nil, ErrNoMatch
		}
		return []string{text}, nil
	}

	units := make([]string, len(starts))
	for i, start := range starts {
		end := len(runes)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		units[i] = string(runes[start:end])
	}
	return units, nil
}
