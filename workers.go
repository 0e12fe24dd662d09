package graphflow

import (
	"context"

	"github.com/petrijr/graphflow/internal/cliworker"
)

// TextWorker adapts a function over the joined input text to a Worker.
func TextWorker(fn func(ctx context.Context, text string) (string, error)) Worker {
	return WorkerFunc(func(ctx context.Context, req InvocationRequest) (Result, error) {
		out, err := fn(ctx, req.Text())
		if err != nil {
			return Result{}, err
		}
		return Result{Text: out}, nil
	})
}

// CommandConfig configures a worker that runs an external command.
type CommandConfig = cliworker.Config

// CommandWorker returns a Worker that runs an external command per
// invocation, writing the input text to its stdin.
func CommandWorker(cfg CommandConfig) Worker {
	return cliworker.New(cfg)
}
