// Package description loads graph definitions from YAML and HCL files.
//
// Both formats decode into a Document, which is then turned into an
// api.GraphDefinition. Worker nodes name their worker; a WorkerResolver
// supplies the implementation.
package description

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/petrijr/graphflow/pkg/api"
)

// ErrUnknownWorker is returned by resolvers for worker names they do not know.
var ErrUnknownWorker = errors.New("unknown worker")

// WorkerResolver maps worker names used in a description to implementations.
type WorkerResolver interface {
	ResolveWorker(name string) (api.Worker, error)
}

// Workers is a static WorkerResolver.
type Workers map[string]api.Worker

func (w Workers) ResolveWorker(name string) (api.Worker, error) {
	if wk, ok := w[name]; ok && wk != nil {
		return wk, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownWorker, name)
}

// ResolverFunc adapts a function to WorkerResolver.
type ResolverFunc func(name string) (api.Worker, error)

func (f ResolverFunc) ResolveWorker(name string) (api.Worker, error) { return f(name) }

// Document is the format-independent form of a graph description.
type Document struct {
	Name      string    `yaml:"name"`
	Entries   []string  `yaml:"entries,omitempty"`
	Terminals []string  `yaml:"terminals,omitempty"`
	Nodes     []NodeDoc `yaml:"nodes"`
	Edges     []EdgeDoc `yaml:"edges"`
}

// NodeDoc describes one node. Only the fields of its kind are read.
type NodeDoc struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
	// Retention is 0, a positive count, or -1 for everything.
	Retention int    `yaml:"retention,omitempty"`
	Timeout   string `yaml:"timeout,omitempty"`

	Worker string    `yaml:"worker,omitempty"`
	Retry  *RetryDoc `yaml:"retry,omitempty"`

	Prompt string   `yaml:"prompt,omitempty"`
	Tokens []string `yaml:"tokens,omitempty"`

	Max            *int   `yaml:"max,omitempty"`
	ExitMessage    string `yaml:"exit_message,omitempty"`
	ResetOnReentry bool   `yaml:"reset_on_reentry,omitempty"`
	ResetOnExit    bool   `yaml:"reset_on_exit,omitempty"`

	Text string `yaml:"text,omitempty"`
}

type RetryDoc struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialBackoff    string  `yaml:"initial_backoff,omitempty"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty"`
	MaxBackoff        string  `yaml:"max_backoff,omitempty"`

	// On lists the failure kinds worth retrying.
	On []string `yaml:"on,omitempty"`
}

// EdgeDoc describes one edge. Nil flags take their defaults: trigger,
// keep_message and carry_data are true.
type EdgeDoc struct {
	From         string        `yaml:"from"`
	To           string        `yaml:"to"`
	Trigger      *bool         `yaml:"trigger,omitempty"`
	KeepMessage  *bool         `yaml:"keep_message,omitempty"`
	CarryData    *bool         `yaml:"carry_data,omitempty"`
	ClearContext bool          `yaml:"clear_context,omitempty"`
	Condition    *ConditionDoc `yaml:"condition,omitempty"`
	Split        *SplitDoc     `yaml:"split,omitempty"`
}

type ConditionDoc struct {
	Any   []string `yaml:"any,omitempty"`
	None  []string `yaml:"none,omitempty"`
	Match string   `yaml:"match,omitempty"`
	Regex string   `yaml:"regex,omitempty"`
}

type SplitDoc struct {
	Pattern     string `yaml:"pattern"`
	OnNoMatch   string `yaml:"on_no_match,omitempty"`
	MaxParallel int    `yaml:"max_parallel,omitempty"`
	OnFailure   string `yaml:"on_failure,omitempty"`
	Order       string `yaml:"order,omitempty"`
}

// Definition converts the document. It checks field-level errors only;
// graph structure is validated when the definition is registered.
func (d *Document) Definition(r WorkerResolver) (api.GraphDefinition, error) {
	def := api.GraphDefinition{
		Name:      d.Name,
		Entries:   d.Entries,
		Terminals: d.Terminals,
	}
	if d.Name == "" {
		return def, errors.New("graph name is required")
	}

	for _, nd := range d.Nodes {
		n, err := nd.node(r)
		if err != nil {
			return def, fmt.Errorf("node %q: %w", nd.ID, err)
		}
		def.Nodes = append(def.Nodes, n)
	}
	for _, ed := range d.Edges {
		e, err := ed.edge()
		if err != nil {
			return def, fmt.Errorf("edge %s->%s: %w", ed.From, ed.To, err)
		}
		def.Edges = append(def.Edges, e)
	}
	return def, nil
}

func (nd NodeDoc) node(r WorkerResolver) (api.NodeDefinition, error) {
	n := api.NodeDefinition{
		ID:        nd.ID,
		Kind:      api.NodeKind(nd.Kind),
		Retention: nd.Retention,
	}
	var err error
	if n.Timeout, err = duration(nd.Timeout); err != nil {
		return n, fmt.Errorf("timeout: %w", err)
	}

	switch n.Kind {
	case api.KindWorker:
		if nd.Worker == "" {
			return n, errors.New("worker name is required")
		}
		if r == nil {
			return n, fmt.Errorf("%w: %q (no resolver)", ErrUnknownWorker, nd.Worker)
		}
		if n.Worker, err = r.ResolveWorker(nd.Worker); err != nil {
			return n, err
		}
		if nd.Retry != nil {
			p, err := nd.Retry.policy()
			if err != nil {
				return n, fmt.Errorf("retry: %w", err)
			}
			n.Retry = &p
		}
	case api.KindGate:
		n.Gate = &api.GateConfig{Prompt: nd.Prompt, Tokens: nd.Tokens}
	case api.KindCounter:
		if nd.Max == nil {
			return n, errors.New("counter max is required")
		}
		n.Counter = &api.CounterConfig{Max: *nd.Max, Message: nd.ExitMessage,
			ResetOnReentry: nd.ResetOnReentry, ResetOnExit: nd.ResetOnExit}
	case api.KindLiteral:
		n.Literal = &api.LiteralConfig{Text: nd.Text}
	case api.KindPassthrough:
	default:
		return n, fmt.Errorf("unknown kind %q", nd.Kind)
	}
	return n, nil
}

func (rd RetryDoc) policy() (api.RetryPolicy, error) {
	p := api.RetryPolicy{MaxAttempts: rd.MaxAttempts, BackoffMultiplier: rd.BackoffMultiplier}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	var err error
	if p.InitialBackoff, err = duration(rd.InitialBackoff); err != nil {
		return p, err
	}
	if p.MaxBackoff, err = duration(rd.MaxBackoff); err != nil {
		return p, err
	}
	for _, k := range rd.On {
		switch kind := api.FailureKind(k); kind {
		case api.FailureTimeout, api.FailureCrashed, api.FailureMalformed, api.FailureRejected:
			p.RetryOn = append(p.RetryOn, kind)
		default:
			return p, fmt.Errorf("cannot retry on %q", k)
		}
	}
	return p, nil
}

func (ed EdgeDoc) edge() (api.EdgeDefinition, error) {
	e := api.Edge(ed.From, ed.To)
	if ed.Trigger != nil {
		e.Trigger = *ed.Trigger
	}
	if ed.KeepMessage != nil {
		e.KeepMessage = *ed.KeepMessage
	}
	if ed.CarryData != nil {
		e.CarryData = *ed.CarryData
	}
	e.ClearContext = ed.ClearContext

	if c := ed.Condition; c != nil {
		cond, err := c.condition()
		if err != nil {
			return e, err
		}
		e.Condition = cond
	}
	if s := ed.Split; s != nil {
		if s.Pattern == "" {
			return e, errors.New("split pattern is required")
		}
		e.Split = &api.SplitConfig{
			Pattern:     s.Pattern,
			OnNoMatch:   api.NoMatchPolicy(s.OnNoMatch),
			MaxParallel: s.MaxParallel,
			OnFailure:   api.FanoutFailurePolicy(s.OnFailure),
			Order:       api.FanoutOrder(s.Order),
		}
	}
	return e, nil
}

func (c ConditionDoc) condition() (api.Condition, error) {
	keywords := len(c.Any) > 0 || len(c.None) > 0
	switch {
	case c.Regex != "" && keywords:
		return api.Condition{}, errors.New("condition mixes regex and keywords")
	case c.Regex != "":
		return api.Regex(c.Regex), nil
	case !keywords:
		return api.Always(), nil
	}

	cond := api.Keywords(c.Any, c.None)
	switch api.MatchMode(c.Match) {
	case "", api.MatchSubstring:
	case api.MatchBoundary:
		cond = cond.Strict()
	default:
		return cond, fmt.Errorf("unknown match mode %q", c.Match)
	}
	return cond, nil
}

func duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// LoadFile reads a description, choosing the format by file extension.
// vars is only used by HCL files.
func LoadFile(path string, vars map[string]cty.Value, r WorkerResolver) (api.GraphDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.GraphDefinition{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(data, r)
	case ".hcl":
		return LoadHCL(path, data, vars, r)
	default:
		return api.GraphDefinition{}, fmt.Errorf("unsupported description format %q", filepath.Ext(path))
	}
}
