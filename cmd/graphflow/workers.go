package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/graphflow"
	"github.com/petrijr/graphflow/internal/description"
	"github.com/petrijr/graphflow/pkg/api"
)

// builtinWorkers are available to every description without configuration.
var builtinWorkers = description.Workers{
	"echo": graphflow.TextWorker(func(ctx context.Context, text string) (string, error) {
		return text, nil
	}),
	"upper": graphflow.TextWorker(func(ctx context.Context, text string) (string, error) {
		return strings.ToUpper(text), nil
	}),
}

type workerOptions struct {
	commands    []string
	timeout     time.Duration
	idleTimeout time.Duration
}

// resolver maps --worker name=command flags to shell command workers and
// falls back to the builtin workers.
func (wo workerOptions) resolver() (description.WorkerResolver, error) {
	cmds := make(description.Workers, len(wo.commands))
	for _, kv := range wo.commands {
		name, command, ok := strings.Cut(kv, "=")
		if !ok || name == "" || command == "" {
			return nil, fmt.Errorf("invalid --worker %q, want name=command", kv)
		}
		cmds[name] = graphflow.CommandWorker(graphflow.CommandConfig{
			Command:     "sh",
			Args:        []string{"-c", command},
			Timeout:     wo.timeout,
			IdleTimeout: wo.idleTimeout,
		})
	}
	return description.ResolverFunc(func(name string) (api.Worker, error) {
		if w, ok := cmds[name]; ok {
			return w, nil
		}
		return builtinWorkers.ResolveWorker(name)
	}), nil
}
