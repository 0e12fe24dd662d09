package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petrijr/graphflow"
	"github.com/petrijr/graphflow/internal/description"
	"github.com/petrijr/graphflow/pkg/api"
)

// anyWorker resolves every name to a placeholder; structure checks do not
// need real workers.
var anyWorker = description.ResolverFunc(func(name string) (api.Worker, error) {
	return api.WorkerFunc(func(ctx context.Context, req api.InvocationRequest) (api.Result, error) {
		return api.Result{Text: req.Text()}, nil
	}), nil
})

func loadGraph(opts *globalOptions, path string, r description.WorkerResolver) (api.GraphDefinition, error) {
	vars, err := opts.variables()
	if err != nil {
		return api.GraphDefinition{}, err
	}
	return description.LoadFile(path, vars, r)
}

func newValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check that a graph description is well formed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadGraph(opts, args[0], anyWorker)
			if err != nil {
				return err
			}
			layout, err := graphflow.Analyze(def)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: graph %q has %d nodes, %d edges, %d cycles\n",
				def.Name, len(def.Nodes), len(def.Edges), len(layout.Cycles))
			return nil
		},
	}
}

func newLayersCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "layers <file>",
		Short: "Print the execution layers and cycles of a graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadGraph(opts, args[0], anyWorker)
			if err != nil {
				return err
			}
			layout, err := graphflow.Analyze(def)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, layer := range layout.Layers {
				fmt.Fprintf(out, "layer %d: %s\n", i, strings.Join(layer, ", "))
			}
			for i, cycle := range layout.Cycles {
				fmt.Fprintf(out, "cycle %d: %s\n", i, strings.Join(cycle, " -> "))
			}
			fmt.Fprintf(out, "entries: %s\n", strings.Join(layout.Entries, ", "))
			fmt.Fprintf(out, "terminals: %s\n", strings.Join(layout.Terminals, ", "))
			return nil
		},
	}
}
