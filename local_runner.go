package graphflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/graphflow/internal/taskqueue"
	"github.com/petrijr/graphflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a Worker
// to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := graphflow.NewLocalRunner()
//	g := graphflow.NewGraph("my-graph").Worker(...)
//	g.MustRegister(runner.Engine)
//
//	// Synchronous run (no queue/worker involved):
//	inst, err := graphflow.Run(ctx, runner.Engine, g.Name(), input)
//
//	// Asynchronous run:
//	_ = runner.StartWorkers(ctx, 2)
//	_ = runner.StartRunAsync(ctx, g.Name(), input)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Engine

	// Queue is the in-memory task queue used by the Worker.
	Queue Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	Logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine,
// in-memory queue, and a Worker with default config.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithConfig(nil, worker.Config{})
}

// NewLocalRunnerWithConfig is NewLocalRunner with an engine observer and a
// worker configuration, for example to enable gate timeouts.
func NewLocalRunnerWithConfig(obs Observer, cfg worker.Config) *LocalRunner {
	eng := NewInMemoryEngineWithObserver(obs)
	q := taskqueue.NewInMemoryQueue()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: worker.NewWithConfig(eng, q, cfg),
		Logger: logger,
	}
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("graphflow: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for range concurrency {
		go func() {
			defer r.wg.Done()

			for {
				_, err := r.Worker.ProcessOne(ctx)
				if err == nil {
					continue
				}
				// Cancellation is a clean shutdown signal.
				if ctx.Err() != nil {
					return
				}
				// Keep going so a single bad task doesn't kill the loop.
				r.Logger.Warn("local runner task failed", "err", err)
			}
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// StartRunAsync enqueues a task to start a run of graph. The graph must
// already be registered on LocalRunner.Engine.
func (r *LocalRunner) StartRunAsync(ctx context.Context, graph string, input Message) error {
	return r.Worker.EnqueueStartRun(ctx, graph, input)
}

// ResolveGateAsync enqueues the decision for a gate of a waiting run.
func (r *LocalRunner) ResolveGateAsync(ctx context.Context, runID, nodeID string, res GateResolution) error {
	return r.Worker.EnqueueResolveGate(ctx, runID, nodeID, res)
}

// CancelRunAsync enqueues cancellation of a run.
func (r *LocalRunner) CancelRunAsync(ctx context.Context, runID string) error {
	return r.Worker.EnqueueCancelRun(ctx, runID)
}

// ResumeRunAsync enqueues resumption of a FAILED or CANCELLED run.
func (r *LocalRunner) ResumeRunAsync(ctx context.Context, runID string) error {
	return r.Worker.EnqueueResumeRun(ctx, runID)
}
