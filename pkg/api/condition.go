package api

// ConditionKind selects how an edge condition is evaluated.
type ConditionKind string

const (
	ConditionAlways   ConditionKind = "always"
	ConditionKeywords ConditionKind = "keywords"
	ConditionRegex    ConditionKind = "regex"
	ConditionFunc     ConditionKind = "func"
)

// MatchMode selects how keyword tokens are located in message text.
type MatchMode string

const (
	// MatchSubstring matches a token anywhere, so "PASS" is found inside
	// "REVIEW_PASSED". This is the default.
	MatchSubstring MatchMode = "substring"
	// MatchBoundary only matches tokens that are not adjacent to a letter,
	// digit or underscore.
	MatchBoundary MatchMode = "boundary"
)

// Condition is a predicate over the message a node emitted. The zero value
// behaves like Always.
type Condition struct {
	Kind ConditionKind

	// Any requires at least one token to be present (when non-empty).
	Any []string
	// None requires every token to be absent.
	None  []string
	Match MatchMode

	Pattern string

	// Func must be deterministic and free of side effects.
	Func func(Message) bool
}

// Always matches every successful message. It never matches a failure.
func Always() Condition {
	return Condition{Kind: ConditionAlways}
}

// AnyOf matches when the text contains at least one of the tokens.
func AnyOf(tokens ...string) Condition {
	return Condition{Kind: ConditionKeywords, Any: tokens}
}

// NoneOf matches when the text contains none of the tokens.
func NoneOf(tokens ...string) Condition {
	return Condition{Kind: ConditionKeywords, None: tokens}
}

// Keywords combines required and forbidden tokens.
func Keywords(anyOf, noneOf []string) Condition {
	return Condition{Kind: ConditionKeywords, Any: anyOf, None: noneOf}
}

// Regex matches when pattern is found anywhere in the text.
func Regex(pattern string) Condition {
	return Condition{Kind: ConditionRegex, Pattern: pattern}
}

// Predicate wraps a Go function as a condition.
func Predicate(fn func(Message) bool) Condition {
	return Condition{Kind: ConditionFunc, Func: fn}
}

// Strict switches keyword matching to whole-token boundaries.
func (c Condition) Strict() Condition {
	c.Match = MatchBoundary
	return c
}
