// Package condition compiles edge conditions into predicates over messages.
package condition

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dlclark/regexp2"

	"github.com/petrijr/graphflow/pkg/api"
)

// matchTimeout bounds a single regex evaluation. A timed out match is false.
const matchTimeout = time.Second

// Predicate is a compiled, side-effect-free edge condition.
type Predicate interface {
	Eval(msg api.Message) bool
}

// Compile validates c and returns its predicate.
func Compile(c api.Condition) (Predicate, error) {
	switch c.Kind {
	case "", api.ConditionAlways:
		return always{}, nil
	case api.ConditionKeywords:
		mode := c.Match
		if mode == "" {
			mode = api.MatchSubstring
		}
		if mode != api.MatchSubstring && mode != api.MatchBoundary {
			return nil, fmt.Errorf("unknown match mode %q", c.Match)
		}
		if len(c.Any) == 0 && len(c.None) == 0 {
			return nil, fmt.Errorf("keywords condition needs at least one token")
		}
		for _, tok := range append(append([]string(nil), c.Any...), c.None...) {
			if tok == "" {
				return nil, fmt.Errorf("keywords condition has an empty token")
			}
		}
		return keywords{any: c.Any, none: c.None, boundary: mode == api.MatchBoundary}, nil
	case api.ConditionRegex:
		re, err := regexp2.Compile(c.Pattern, regexp2.None)
		if err != nil {
			return nil, fmt.Errorf("regex condition: %w", err)
		}
		re.MatchTimeout = matchTimeout
		return pattern{re: re}, nil
	case api.ConditionFunc:
		if c.Func == nil {
			return nil, fmt.Errorf("func condition without function")
		}
		return function{fn: c.Func}, nil
	default:
		return nil, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

// MustCompile is like Compile but panics on error.
func MustCompile(c api.Condition) Predicate {
	p, err := Compile(c)
	if err != nil {
		panic(err)
	}
	return p
}

type always struct{}

func (always) Eval(msg api.Message) bool { return !msg.IsFailure() }

type keywords struct {
	any      []string
	none     []string
	boundary bool
}

func (k keywords) Eval(msg api.Message) bool {
	if len(k.any) > 0 {
		found := false
		for _, tok := range k.any {
			if k.contains(msg.Text, tok) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, tok := range k.none {
		if k.contains(msg.Text, tok) {
			return false
		}
	}
	return true
}

func (k keywords) contains(text, tok string) bool {
	if !k.boundary {
		return strings.Contains(text, tok)
	}
	return ContainsToken(text, tok)
}

// ContainsToken reports whether tok occurs in text without a letter, digit
// or underscore directly before or after it.
func ContainsToken(text, tok string) bool {
	if tok == "" {
		return false
	}
	for offset := 0; offset <= len(text)-len(tok); {
		i := strings.Index(text[offset:], tok)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(tok)
		if !wordBefore(text, start) && !wordAfter(text, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
	}
	return false
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func wordBefore(text string, at int) bool {
	if at == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text[:at])
	return isWord(r)
}

func wordAfter(text string, at int) bool {
	if at >= len(text) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(text[at:])
	return isWord(r)
}

type pattern struct {
	re *regexp2.Regexp
}

func (p pattern) Eval(msg api.Message) bool {
	ok, err := p.re.MatchString(msg.Text)
	return err == nil && ok
}

type function struct {
	fn func(api.Message) bool
}

func (f function) Eval(msg api.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return f.fn(msg.Clone())
}
