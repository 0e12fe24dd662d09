package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/graphflow/internal/taskqueue"
	"github.com/petrijr/graphflow/pkg/api"
)

// DefaultTimeoutToken is the token used to resolve gates that time out
// through the queue.
const DefaultTimeoutToken = "TIMEOUT"

// Config controls how a Worker leases, retries and settles tasks.
type Config struct {
	// MaxAttempts bounds processing attempts for tasks that fail with a
	// transient error. Zero or one means no retries.
	MaxAttempts int
	// Backoff is the base delay before a retry; it doubles per attempt.
	Backoff time.Duration

	// WorkerID identifies this worker as lease owner. Empty generates one.
	WorkerID string
	// LeaseTTL is how long a dequeued task stays invisible to other workers.
	LeaseTTL time.Duration
	// HeartbeatInterval is how often the lease is renewed while a task is
	// processed. Zero uses LeaseTTL/3.
	HeartbeatInterval time.Duration

	// PollInterval is how often the worker checks whether a run settled.
	PollInterval time.Duration

	// GateTimeout, when positive, schedules a resolve-gate task with
	// TimeoutToken for every gate a run is waiting on when it settles. Gates
	// with a token list must accept TimeoutToken.
	GateTimeout  time.Duration
	TimeoutToken string

	Logger *slog.Logger
}

const (
	defaultLeaseTTL     = 30 * time.Second
	defaultPollInterval = 10 * time.Millisecond
)

// Worker pulls tasks from a Queue and applies them to an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
	logger *slog.Logger
}

// New creates a Worker with default config.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker with cfg, filling in defaults.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.TimeoutToken == "" {
		cfg.TimeoutToken = DefaultTimeoutToken
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg,
		logger: logger.With("worker", cfg.WorkerID),
	}
}

// ID returns the lease owner name of the worker.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// EnqueueStartRun enqueues a task that starts a run of graph. It does NOT
// start the run itself; that is done by ProcessOne.
func (w *Worker) EnqueueStartRun(ctx context.Context, graph string, input api.Message) error {
	return w.EnqueueStartRunAt(ctx, graph, input, time.Time{})
}

// EnqueueStartRunAt enqueues a start-run task that becomes eligible at at.
func (w *Worker) EnqueueStartRunAt(ctx context.Context, graph string, input api.Message, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskStartRun,
		Graph:      graph,
		Input:      input,
		EnqueuedAt: time.Now(),
		NotBefore:  at,
	})
}

// EnqueueResolveGate enqueues the decision for a gate of a waiting run.
func (w *Worker) EnqueueResolveGate(ctx context.Context, runID, nodeID string, res api.GateResolution) error {
	return w.EnqueueResolveGateAt(ctx, runID, nodeID, res, time.Time{})
}

// EnqueueResolveGateAt enqueues a gate decision that becomes eligible at at.
func (w *Worker) EnqueueResolveGateAt(ctx context.Context, runID, nodeID string, res api.GateResolution, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskResolveGate,
		RunID:      runID,
		Node:       nodeID,
		Resolution: res,
		EnqueuedAt: time.Now(),
		NotBefore:  at,
	})
}

// EnqueueCancelRun enqueues cancellation of a run.
func (w *Worker) EnqueueCancelRun(ctx context.Context, runID string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskCancelRun,
		RunID:      runID,
		EnqueuedAt: time.Now(),
	})
}

// EnqueueResumeRun enqueues resumption of a FAILED or CANCELLED run.
func (w *Worker) EnqueueResumeRun(ctx context.Context, runID string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskResumeRun,
		RunID:      runID,
		EnqueuedAt: time.Now(),
	})
}

// ProcessOne leases a single task and applies it.
// Returns (processed, error):
//   - processed == false: no task was leased, err is the dequeue error
//     (typically ctx cancellation).
//   - processed == true: a task was leased; err reports a failure that was
//     not retried. Transient failures are requeued with backoff and reported
//     as nil until MaxAttempts is exhausted.
//
// Start, resume, cancel and gate tasks return once the affected run has
// settled: it is terminal or waiting on a gate. A run that ends FAILED is
// not a task failure; resume it with a resume-run task.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.cfg.WorkerID, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(hbCtx, task.ID)
	}()

	handleErr := w.handle(ctx, task)

	stopHeartbeat()
	<-hbDone

	// The lease must be settled even when ctx ended mid-task.
	qctx := context.WithoutCancel(ctx)
	log := w.logger.With("task_id", task.ID, "type", task.Type)

	if handleErr == nil {
		if err := w.queue.Ack(qctx, task.ID, w.cfg.WorkerID); err != nil {
			return true, fmt.Errorf("ack task %s: %w", task.ID, err)
		}
		return true, nil
	}

	attempts := task.Attempts + 1
	if permanent(handleErr) || attempts >= w.cfg.MaxAttempts {
		log.Error("task failed", "attempts", attempts, "err", handleErr)
		if err := w.queue.Ack(qctx, task.ID, w.cfg.WorkerID); err != nil {
			return true, errors.Join(handleErr, fmt.Errorf("ack task %s: %w", task.ID, err))
		}
		return true, handleErr
	}

	delay := w.backoff(attempts)
	log.Warn("task failed, retrying", "attempts", attempts, "delay", delay, "err", handleErr)
	if err := w.queue.Nack(qctx, task.ID, w.cfg.WorkerID, time.Now().Add(delay), attempts); err != nil {
		return true, errors.Join(handleErr, fmt.Errorf("nack task %s: %w", task.ID, err))
	}
	return true, nil
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskStartRun:
		inst, err := w.engine.Start(ctx, task.Graph, task.Input)
		if err != nil {
			return err
		}
		w.logger.Debug("run started", "run_id", inst.ID, "graph", task.Graph)
		return w.settle(ctx, inst.ID)

	case taskqueue.TaskResolveGate:
		err := w.engine.ResolveGate(ctx, task.RunID, task.Node, task.Resolution)
		if err != nil {
			// A scheduled timeout that lost the race against a real decision.
			if task.Resolution.Token == w.cfg.TimeoutToken && errors.Is(err, api.ErrGateNotPending) {
				return nil
			}
			return err
		}
		return w.settle(ctx, task.RunID)

	case taskqueue.TaskCancelRun:
		if err := w.engine.Cancel(ctx, task.RunID); err != nil {
			return err
		}
		return w.settle(ctx, task.RunID)

	case taskqueue.TaskResumeRun:
		if _, err := w.engine.Resume(ctx, task.RunID); err != nil {
			return err
		}
		return w.settle(ctx, task.RunID)

	default:
		return &unknownTaskError{typ: task.Type}
	}
}

// settle waits until the run is terminal or waits on a gate, then
// schedules gate timeouts.
func (w *Worker) settle(ctx context.Context, runID string) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		inst, err := w.engine.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			w.logger.Debug("run settled", "run_id", runID, "status", inst.Status)
			return nil
		}
		if inst.Status == api.RunWaiting {
			gates, err := w.engine.PendingGates(ctx, runID)
			if err != nil {
				return err
			}
			// A just-resolved gate leaves the run WAITING until its
			// coordinator catches up.
			if len(gates) > 0 {
				return w.scheduleGateTimeouts(ctx, runID, gates)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) scheduleGateTimeouts(ctx context.Context, runID string, gates []api.GateRequest) error {
	if w.cfg.GateTimeout <= 0 {
		return nil
	}
	for _, g := range gates {
		at := g.CreatedAt.Add(w.cfg.GateTimeout)
		res := api.GateResolution{Token: w.cfg.TimeoutToken, Payload: "no decision within " + w.cfg.GateTimeout.String()}
		if err := w.EnqueueResolveGateAt(ctx, runID, g.NodeID, res, at); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) heartbeat(ctx context.Context, taskID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.RenewLease(ctx, taskID, w.cfg.WorkerID, w.cfg.LeaseTTL); err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("lease renewal failed", "task_id", taskID, "err", err)
				}
				if errors.Is(err, taskqueue.ErrLeaseLost) || errors.Is(err, taskqueue.ErrTaskNotFound) {
					return
				}
			}
		}
	}
}

func (w *Worker) backoff(attempts int) time.Duration {
	if w.cfg.Backoff <= 0 {
		return 0
	}
	return w.cfg.Backoff << min(attempts-1, 10)
}

type unknownTaskError struct{ typ taskqueue.TaskType }

func (e *unknownTaskError) Error() string { return "unknown task type: " + string(e.typ) }

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	var unknown *unknownTaskError
	return errors.As(err, &unknown) ||
		errors.Is(err, api.ErrInvalidGraph) ||
		errors.Is(err, api.ErrGraphNotFound) ||
		errors.Is(err, api.ErrRunNotFound) ||
		errors.Is(err, api.ErrRunNotResumable) ||
		errors.Is(err, api.ErrGateNotPending) ||
		errors.Is(err, api.ErrInvalidGateToken)
}
