package description

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/petrijr/graphflow/pkg/api"
)

// hclFile is the top level of an HCL description:
//
//	variable "rounds" { default = 3 }
//
//	graph "review" {
//	  entries = ["draft"]
//	  node "draft"  { kind = "worker"  worker = "writer" }
//	  node "rounds" { kind = "counter" max = var.rounds }
//	  edge "draft" "rounds" {
//	    condition { none = ["APPROVED"] }
//	  }
//	}
type hclFile struct {
	Variables []hclVariable `hcl:"variable,block"`
	Remain    hcl.Body      `hcl:",remain"`
}

type hclVariable struct {
	Name    string    `hcl:"name,label"`
	Default cty.Value `hcl:"default,optional"`
}

type hclGraphFile struct {
	Graph     hclGraph      `hcl:"graph,block"`
	Variables []hclVariable `hcl:"variable,block"`
}

type hclGraph struct {
	Name      string    `hcl:"name,label"`
	Entries   []string  `hcl:"entries,optional"`
	Terminals []string  `hcl:"terminals,optional"`
	Nodes     []hclNode `hcl:"node,block"`
	Edges     []hclEdge `hcl:"edge,block"`
}

type hclNode struct {
	ID        string `hcl:"id,label"`
	Kind      string `hcl:"kind"`
	Retention *int   `hcl:"retention,optional"`
	Timeout   string `hcl:"timeout,optional"`

	Worker string    `hcl:"worker,optional"`
	Retry  *hclRetry `hcl:"retry,block"`

	Prompt string   `hcl:"prompt,optional"`
	Tokens []string `hcl:"tokens,optional"`

	Max            *int   `hcl:"max,optional"`
	ExitMessage    string `hcl:"exit_message,optional"`
	ResetOnReentry bool   `hcl:"reset_on_reentry,optional"`
	ResetOnExit    bool   `hcl:"reset_on_exit,optional"`

	Text string `hcl:"text,optional"`
}

type hclRetry struct {
	MaxAttempts       int      `hcl:"max_attempts"`
	InitialBackoff    string   `hcl:"initial_backoff,optional"`
	BackoffMultiplier float64  `hcl:"backoff_multiplier,optional"`
	MaxBackoff        string   `hcl:"max_backoff,optional"`
	On                []string `hcl:"on,optional"`
}

type hclEdge struct {
	From         string        `hcl:"from,label"`
	To           string        `hcl:"to,label"`
	Trigger      *bool         `hcl:"trigger,optional"`
	KeepMessage  *bool         `hcl:"keep_message,optional"`
	CarryData    *bool         `hcl:"carry_data,optional"`
	ClearContext bool          `hcl:"clear_context,optional"`
	Condition    *hclCondition `hcl:"condition,block"`
	Split        *hclSplit     `hcl:"split,block"`
}

type hclCondition struct {
	Any   []string `hcl:"any,optional"`
	None  []string `hcl:"none,optional"`
	Match string   `hcl:"match,optional"`
	Regex string   `hcl:"regex,optional"`
}

type hclSplit struct {
	Pattern     string `hcl:"pattern"`
	OnNoMatch   string `hcl:"on_no_match,optional"`
	MaxParallel int    `hcl:"max_parallel,optional"`
	OnFailure   string `hcl:"on_failure,optional"`
	Order       string `hcl:"order,optional"`
}

// ParseHCL decodes an HCL description. Declared variables take their
// values from vars, falling back to their defaults; expressions may use
// var.<name> and a few string functions.
func ParseHCL(filename string, src []byte, vars map[string]cty.Value) (*Document, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse graph HCL %s: %w", filename, diags)
	}

	// Variables are decoded first so the graph body can reference them.
	var head hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &head); diags.HasErrors() {
		return nil, fmt.Errorf("decode variables in %s: %w", filename, diags)
	}
	values, err := variableValues(head.Variables, vars)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(values)},
		Functions: functions(),
	}

	var body hclGraphFile
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &body); diags.HasErrors() {
		return nil, fmt.Errorf("decode graph in %s: %w", filename, diags)
	}
	return body.Graph.document(), nil
}

// LoadHCL parses src and converts it to a graph definition.
func LoadHCL(filename string, src []byte, vars map[string]cty.Value, r WorkerResolver) (api.GraphDefinition, error) {
	doc, err := ParseHCL(filename, src, vars)
	if err != nil {
		return api.GraphDefinition{}, err
	}
	return doc.Definition(r)
}

func variableValues(decls []hclVariable, supplied map[string]cty.Value) (map[string]cty.Value, error) {
	values := make(map[string]cty.Value, len(decls))
	for _, v := range decls {
		if val, ok := supplied[v.Name]; ok {
			values[v.Name] = val
			continue
		}
		if v.Default == cty.NilVal || v.Default.IsNull() {
			return nil, fmt.Errorf("variable %q has no value", v.Name)
		}
		values[v.Name] = v.Default
	}
	for name := range supplied {
		if _, ok := values[name]; !ok {
			return nil, fmt.Errorf("variable %q is not declared", name)
		}
	}
	return values, nil
}

func functions() map[string]function.Function {
	return map[string]function.Function{
		"upper":  stdlib.UpperFunc,
		"lower":  stdlib.LowerFunc,
		"join":   stdlib.JoinFunc,
		"format": stdlib.FormatFunc,
		"concat": stdlib.ConcatFunc,
	}
}

func (g hclGraph) document() *Document {
	doc := &Document{
		Name:      g.Name,
		Entries:   g.Entries,
		Terminals: g.Terminals,
	}
	for _, n := range g.Nodes {
		nd := NodeDoc{
			ID:             n.ID,
			Kind:           n.Kind,
			Timeout:        n.Timeout,
			Worker:         n.Worker,
			Prompt:         n.Prompt,
			Tokens:         n.Tokens,
			Max:            n.Max,
			ExitMessage:    n.ExitMessage,
			ResetOnReentry: n.ResetOnReentry,
			ResetOnExit:    n.ResetOnExit,
			Text:           n.Text,
		}
		if n.Retention != nil {
			nd.Retention = *n.Retention
		}
		if r := n.Retry; r != nil {
			nd.Retry = &RetryDoc{
				MaxAttempts:       r.MaxAttempts,
				InitialBackoff:    r.InitialBackoff,
				BackoffMultiplier: r.BackoffMultiplier,
				MaxBackoff:        r.MaxBackoff,
				On:                r.On,
			}
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	for _, e := range g.Edges {
		ed := EdgeDoc{
			From:         e.From,
			To:           e.To,
			Trigger:      e.Trigger,
			KeepMessage:  e.KeepMessage,
			CarryData:    e.CarryData,
			ClearContext: e.ClearContext,
		}
		if c := e.Condition; c != nil {
			ed.Condition = &ConditionDoc{Any: c.Any, None: c.None, Match: c.Match, Regex: c.Regex}
		}
		if s := e.Split; s != nil {
			ed.Split = &SplitDoc{
				Pattern:     s.Pattern,
				OnNoMatch:   s.OnNoMatch,
				MaxParallel: s.MaxParallel,
				OnFailure:   s.OnFailure,
				Order:       s.Order,
			}
		}
		doc.Edges = append(doc.Edges, ed)
	}
	return doc
}
