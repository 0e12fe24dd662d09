package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zclconf/go-cty/cty"
)

// version is set at build time via -ldflags.
var version = "dev"

type globalOptions struct {
	logLevel  string
	logFormat string
	vars      []string

	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "graphflow",
		Short: "Validate and run workflow graphs",
		Long:  "graphflow loads YAML or HCL graph descriptions, checks their topology\nand runs them on an in-memory or persistent engine.",
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd, opts.logLevel, opts.logFormat)
			if err != nil {
				return err
			}
			opts.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}
	root.Version = version

	pf := root.PersistentFlags()
	pf.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	pf.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	pf.StringArrayVar(&opts.vars, "var", nil, "HCL variable as name=value (repeatable)")

	root.AddCommand(newValidateCmd(opts))
	root.AddCommand(newLayersCmd(opts))
	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newRunsCmd(opts))
	root.AddCommand(newResumeCmd(opts))
	return root
}

func newLogger(cmd *cobra.Command, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	w := cmd.ErrOrStderr()
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}

// variables parses --var flags. Values are strings; HCL converts them to
// the type an attribute needs.
func (o *globalOptions) variables() (map[string]cty.Value, error) {
	if len(o.vars) == 0 {
		return nil, nil
	}
	out := make(map[string]cty.Value, len(o.vars))
	for _, kv := range o.vars {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q, want name=value", kv)
		}
		out[name] = cty.StringVal(value)
	}
	return out, nil
}
